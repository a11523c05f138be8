package compile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dontdude/vyperd/internal/domain"
	"github.com/dontdude/vyperd/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hexPattern = regexp.MustCompile(`^0x[0-9a-f]*$`)

// stubCompiler returns canned artifacts, or whatever fn decides.
type stubCompiler struct {
	fn func(ctx context.Context, code string) (domain.Artifacts, error)
}

func (s *stubCompiler) Compile(ctx context.Context, code string, _ []domain.Output) (domain.Artifacts, error) {
	return s.fn(ctx, code)
}

func (s *stubCompiler) Version(context.Context) (string, error) { return "0.4.0", nil }

func sampleArtifacts() domain.Artifacts {
	return domain.Artifacts{
		ABI:             json.RawMessage(`[ {"type": "function", "name": "foo", "inputs": [], "outputs": []} ]`),
		Bytecode:        "0x6003600DEADBEEF",
		BytecodeRuntime: "6003",
		IR: &domain.IRNode{Op: "seq", Args: []*domain.IRNode{
			{Op: "return", Args: []*domain.IRNode{{Op: "0"}, {Op: "0"}}},
		}},
		MethodIdentifiers: map[string]string{"foo()": "0xC2985578"},
	}
}

func newHandler(t *testing.T, size int, fn func(ctx context.Context, code string) (domain.Artifacts, error)) *Handler {
	t.Helper()
	pool := worker.NewPool(size, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	pool.Start()
	t.Cleanup(pool.Stop)
	return NewHandler(&stubCompiler{fn: fn}, pool, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func okHandler(t *testing.T) *Handler {
	return newHandler(t, 2, func(context.Context, string) (domain.Artifacts, error) {
		return sampleArtifacts(), nil
	})
}

func TestHandleRejectsMissingOrInvalidCode(t *testing.T) {
	h := okHandler(t)

	tests := []struct {
		name string
		body map[string]any
		want string
	}{
		{"absent", map[string]any{}, MsgMissingCode},
		{"null", map[string]any{"code": nil}, MsgMissingCode},
		{"empty string", map[string]any{"code": ""}, MsgMissingCode},
		{"zero", map[string]any{"code": float64(0)}, MsgMissingCode},
		{"zero number", map[string]any{"code": json.Number("0")}, MsgMissingCode},
		{"false", map[string]any{"code": false}, MsgMissingCode},
		{"empty list", map[string]any{"code": []any{}}, MsgMissingCode},
		{"empty object", map[string]any{"code": map[string]any{}}, MsgMissingCode},
		{"number", map[string]any{"code": float64(5)}, MsgInvalidCode},
		{"true", map[string]any{"code": true}, MsgInvalidCode},
		{"list", map[string]any{"code": []any{"x"}}, MsgInvalidCode},
		{"object", map[string]any{"code": map[string]any{"a": 1}}, MsgInvalidCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.Handle(context.Background(), tt.body)
			require.Equal(t, http.StatusBadRequest, res.StatusCode())

			fail, ok := res.(*Failure)
			require.True(t, ok, "expected *Failure, got %T", res)
			assert.Equal(t, StatusFailed, fail.Status)
			assert.Equal(t, tt.want, fail.Message)
			assert.Nil(t, fail.Line)
			assert.Nil(t, fail.Column)
		})
	}
}

func TestValidationFailureWireShape(t *testing.T) {
	res := okHandler(t).Handle(context.Background(), map[string]any{})

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"failed","message":"No \"code\" key supplied","line":null,"column":null}`, string(data))
}

func TestHandleSuccess(t *testing.T) {
	res := okHandler(t).Handle(context.Background(), map[string]any{"code": "@external\ndef foo():\n    pass\n"})
	require.Equal(t, http.StatusOK, res.StatusCode())

	ok, isSuccess := res.(*Success)
	require.True(t, isSuccess, "expected *Success, got %T", res)

	assert.Equal(t, StatusSuccess, ok.Status)
	assert.JSONEq(t, `[{"type":"function","name":"foo","inputs":[],"outputs":[]}]`, string(ok.ABI))
	assert.Regexp(t, hexPattern, ok.Bytecode)
	assert.Regexp(t, hexPattern, ok.BytecodeRuntime)
	assert.Equal(t, "0x6003600deadbeef", ok.Bytecode)
	assert.Equal(t, "0x6003", ok.BytecodeRuntime)
	assert.Equal(t, "[seq, [return, 0, 0]]", ok.IR)
	assert.Equal(t, map[string]string{"foo()": "0xc2985578"}, ok.MethodIdentifiers)

	data, err := json.Marshal(res)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	for _, key := range []string{"status", "abi", "bytecode", "bytecode_runtime", "ir", "method_identifiers"} {
		assert.Contains(t, wire, key)
	}
}

func TestHandleSuccessWithEmptyABI(t *testing.T) {
	h := newHandler(t, 1, func(context.Context, string) (domain.Artifacts, error) {
		return domain.Artifacts{Bytecode: "0x", BytecodeRuntime: "0x", IR: &domain.IRNode{Op: "seq"}}, nil
	})

	res := h.Handle(context.Background(), map[string]any{"code": "x: uint256"})
	ok, isSuccess := res.(*Success)
	require.True(t, isSuccess)
	assert.JSONEq(t, `[]`, string(ok.ABI))
	assert.Equal(t, "0x", ok.Bytecode)
	assert.NotNil(t, ok.MethodIdentifiers)

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"method_identifiers":{}`)
}

func TestHandleFailures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantMsg    string
		wantLine   *int
		wantColumn *int
	}{
		{
			name:       "positioned compile error",
			err:        &domain.CompileError{Kind: "StructureException", Message: "Invalid top-level statement", Line: domain.IntPtr(3), Column: domain.IntPtr(1)},
			wantMsg:    "Invalid top-level statement",
			wantLine:   domain.IntPtr(3),
			wantColumn: domain.IntPtr(1),
		},
		{
			name: "annotated compile error",
			err: &domain.CompileError{Kind: "TypeMismatch", Message: "Given reference has type int128", Annotations: []domain.Annotation{
				{Line: 7, Column: 11}, {Line: 2, Column: 4},
			}},
			wantMsg:    "Given reference has type int128",
			wantLine:   domain.IntPtr(7),
			wantColumn: domain.IntPtr(11),
		},
		{
			name:       "input error uses offset as column",
			err:        &domain.InputError{Message: "invalid syntax", Line: domain.IntPtr(1), Offset: domain.IntPtr(5)},
			wantMsg:    "invalid syntax",
			wantLine:   domain.IntPtr(1),
			wantColumn: domain.IntPtr(5),
		},
		{
			name:    "plain error",
			err:     errors.New("compiler crashed"),
			wantMsg: "compiler crashed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandler(t, 1, func(context.Context, string) (domain.Artifacts, error) {
				return domain.Artifacts{}, tt.err
			})

			res := h.Handle(context.Background(), map[string]any{"code": "foo"})
			require.Equal(t, http.StatusBadRequest, res.StatusCode())
			fail := res.(*Failure)
			assert.Equal(t, StatusFailed, fail.Status)
			assert.Equal(t, tt.wantMsg, fail.Message)
			assert.Equal(t, tt.wantLine, fail.Line)
			assert.Equal(t, tt.wantColumn, fail.Column)
		})
	}
}

func TestHandleMalformedArtifactsBecomeFailure(t *testing.T) {
	h := newHandler(t, 1, func(context.Context, string) (domain.Artifacts, error) {
		a := sampleArtifacts()
		a.Bytecode = "not hex"
		return a, nil
	})

	res := h.Handle(context.Background(), map[string]any{"code": "foo"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode())
	assert.Contains(t, res.(*Failure).Message, "malformed bytecode")
}

func TestHandleMissingIRBecomesFailure(t *testing.T) {
	h := newHandler(t, 1, func(context.Context, string) (domain.Artifacts, error) {
		a := sampleArtifacts()
		a.IR = nil
		return a, nil
	})

	res := h.Handle(context.Background(), map[string]any{"code": "foo"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode())
	assert.Equal(t, "compiler returned no IR", res.(*Failure).Message)
}

func TestHandleRecoversFromPanic(t *testing.T) {
	h := newHandler(t, 1, func(context.Context, string) (domain.Artifacts, error) {
		panic("boom")
	})

	res := h.Handle(context.Background(), map[string]any{"code": "foo"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode())
	assert.Contains(t, res.(*Failure).Message, "boom")

	// The same pool keeps serving afterwards.
	res = h.Handle(context.Background(), map[string]any{"code": "foo"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode())
}

func TestHandleConcurrentRequestsDoNotInterfere(t *testing.T) {
	const size = 2
	var running, peak atomic.Int32

	h := newHandler(t, size, func(ctx context.Context, code string) (domain.Artifacts, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		if code == "bad" {
			return domain.Artifacts{}, &domain.CompileError{Message: "bad source", Line: domain.IntPtr(1), Column: domain.IntPtr(1)}
		}
		a := sampleArtifacts()
		a.MethodIdentifiers = map[string]string{code + "()": "0x00000001"}
		return a, nil
	})

	codes := []string{"a", "bad", "b", "bad", "c", "d", "bad", "e"}
	results := make([]Result, len(codes))
	var wg sync.WaitGroup
	for i, code := range codes {
		wg.Add(1)
		go func(i int, code string) {
			defer wg.Done()
			results[i] = h.Handle(context.Background(), map[string]any{"code": code})
		}(i, code)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(size))
	for i, code := range codes {
		if code == "bad" {
			fail, ok := results[i].(*Failure)
			require.True(t, ok)
			assert.Equal(t, "bad source", fail.Message)
			continue
		}
		ok, isSuccess := results[i].(*Success)
		require.True(t, isSuccess)
		assert.Contains(t, ok.MethodIdentifiers, code+"()")
		assert.Len(t, ok.MethodIdentifiers, 1)
	}
}

func TestHandleIsIdempotent(t *testing.T) {
	h := okHandler(t)
	body := map[string]any{"code": "foo"}

	first, err := json.Marshal(h.Handle(context.Background(), body))
	require.NoError(t, err)
	second, err := json.Marshal(h.Handle(context.Background(), body))
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second))
}

func TestHandleAfterPoolStop(t *testing.T) {
	pool := worker.NewPool(1, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	pool.Start()
	pool.Stop()

	h := NewHandler(&stubCompiler{fn: func(context.Context, string) (domain.Artifacts, error) {
		return sampleArtifacts(), nil
	}}, pool, nil, nil)

	res := h.Handle(context.Background(), map[string]any{"code": "foo"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode())
	assert.Equal(t, worker.ErrPoolClosed.Error(), res.(*Failure).Message)
}
