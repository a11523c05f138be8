package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dontdude/vyperd/internal/compile"
	"github.com/dontdude/vyperd/internal/domain"
	"github.com/dontdude/vyperd/internal/logging"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultMaxBodyBytes = 1 << 20
	requestIDHeader     = "X-Request-ID"
	versionTimeout      = 5 * time.Second
)

// Options tunes the HTTP surface. The zero value is usable.
type Options struct {
	MaxBodyBytes int64
	// RateLimiter limits POST /compile per client IP; nil disables it.
	RateLimiter *RateLimiter
	// Gatherer backs GET /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
}

// Server exposes the compile handler over HTTP and WebSocket.
type Server struct {
	handler  *compile.Handler
	compiler domain.Compiler
	logger   *slog.Logger
	opts     Options
	upgrader websocket.Upgrader
}

// NewServer creates the HTTP surface. compiler is only asked for its version.
func NewServer(handler *compile.Handler, compiler domain.Compiler, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{
		handler:  handler,
		compiler: compiler,
		logger:   logger,
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // same policy as the CORS headers
		},
	}
}

// Routes registers every endpoint on a new mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "ok\n")
	})

	compileHandler := s.handleCompile
	if s.opts.RateLimiter != nil {
		compileHandler = s.opts.RateLimiter.Middleware(compileHandler)
	}
	mux.Handle("POST /compile", withCORS(gzhttp.GzipHandler(http.HandlerFunc(compileHandler))))
	mux.Handle("OPTIONS /compile", withCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
	mux.HandleFunc("GET /compile/ws", s.handleWS)

	if s.opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	return s.withRequestID(mux)
}

// withRequestID tags each request with an ID, reusing the caller's if present.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// withCORS adds the cross-origin headers browsers need to call /compile.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "X-Requested-With, Content-type")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), versionTimeout)
	defer cancel()

	version, err := s.compiler.Version(ctx)
	if err != nil {
		s.logger.Warn("Compiler version unavailable", "error", err)
		version = "unknown"
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Vyper Compiler. Version: %s \n", version)
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		s.logger.Info("Rejected request body", "requestID", logging.RequestID(r.Context()), "error", err)
		s.writeJSON(w, http.StatusBadRequest, compile.NewFailure(err.Error()))
		return
	}

	res := s.handler.Handle(r.Context(), body)
	s.writeJSON(w, res.StatusCode(), res)
}

// decodeBody reads a single JSON object.
func decodeBody(r io.Reader) (map[string]any, error) {
	var body map[string]any
	dec := json.NewDecoder(r)
	if err := dec.Decode(&body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, fmt.Errorf("Request body larger than %d bytes", maxErr.Limit)
		}
		return nil, fmt.Errorf("Invalid request body: %v", err)
	}
	if body == nil {
		return nil, errors.New("Invalid request body: expected a JSON object")
	}
	if dec.More() {
		return nil, errors.New("Invalid request body: trailing data after JSON object")
	}
	return body, nil
}

// writeJSON encodes v before writing anything, so an encoding failure can
// still be answered with a 500.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response", "error", err)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"status":"failed","message":"Internal Server Error","line":null,"column":null}`+"\n")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

// handleWS upgrades the connection and compiles every text frame it receives.
// Frames are handled concurrently; replies echo the frame's "id" to correlate them.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}
	ctx := r.Context()
	logger := s.logger.With("requestID", logging.RequestID(ctx))
	logger.Info("Client connected via WebSocket", "remoteAddr", conn.RemoteAddr())

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	defer func() {
		wg.Wait()
		conn.Close()
		logger.Info("Client disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		wg.Add(1)
		go func(data []byte) {
			defer wg.Done()
			reply := s.compileFrame(ctx, data)

			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				logger.Error("Failed to write to websocket", "error", err)
			}
		}(data)
	}
}

// compileFrame runs one WebSocket frame through the handler and encodes the reply.
func (s *Server) compileFrame(ctx context.Context, data []byte) []byte {
	var res compile.Result
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil || body == nil {
		res = compile.NewFailure("Invalid message: expected a JSON object")
	} else {
		res = s.handler.Handle(ctx, body)
	}

	encoded, err := json.Marshal(res)
	if err != nil {
		s.logger.Error("Failed to encode websocket reply", "error", err)
		encoded = []byte(`{"status":"failed","message":"Internal Server Error","line":null,"column":null}`)
	}
	id, ok := body["id"]
	if !ok {
		return encoded
	}

	var fields map[string]any
	if err := json.Unmarshal(encoded, &fields); err != nil {
		s.logger.Error("Failed to decode websocket reply", "error", err)
		return encoded
	}
	fields["id"] = id
	reply, err := json.Marshal(fields)
	if err != nil {
		s.logger.Error("Failed to encode websocket reply", "error", err)
		return encoded
	}
	return reply
}
