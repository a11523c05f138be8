// Package config loads the service configuration: built-in defaults, then an
// optional YAML file, then whatever the command line overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dontdude/vyperd/internal/logging"
	"github.com/dontdude/vyperd/internal/platform/docker"
	"github.com/dontdude/vyperd/internal/platform/queue"
	"github.com/dontdude/vyperd/internal/worker"
	"gopkg.in/yaml.v3"
)

// Backend modes.
const (
	BackendLocal  = "local"
	BackendDocker = "docker"
	BackendRemote = "remote"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       logging.Config  `yaml:"log"`
	Pool      PoolConfig      `yaml:"pool"`
	Backend   BackendConfig   `yaml:"backend"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes"`
}

type PoolConfig struct {
	Size int `yaml:"size"`
}

// BackendConfig selects where compilations run.
// Command and VersionCommand are used by the local and docker modes.
type BackendConfig struct {
	Mode           string        `yaml:"mode"`
	Command        string        `yaml:"command"`
	VersionCommand string        `yaml:"versionCommand"`
	Docker         docker.Config `yaml:"docker"`
}

type RedisConfig struct {
	queue.Config     `yaml:",inline"`
	RecoveryInterval time.Duration `yaml:"recoveryInterval"`
	MaxIdle          time.Duration `yaml:"maxIdle"`
}

// RateLimitConfig limits POST /compile per client IP when Enabled.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
}

// Default returns the configuration used when nothing is overridden.
// Write timeouts are left at zero: compilations have no deadline.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8000",
			ReadTimeout:     30 * time.Second,
			IdleTimeout:     2 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Log: logging.Config{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Pool: PoolConfig{Size: worker.DefaultSize},
		Backend: BackendConfig{
			Mode:           BackendLocal,
			Command:        "vyper-json",
			VersionCommand: "vyper --version",
			Docker: docker.Config{
				Image:    "vyperlang/vyper:0.4.0",
				MemoryMB: 512,
			},
		},
		Redis: RedisConfig{
			Config: queue.Config{
				Addr:          "localhost:6379",
				Stream:        "vyperd:jobs",
				Group:         "vyperd:workers",
				ResultChannel: "vyperd:results",
			},
			RecoveryInterval: 30 * time.Second,
			MaxIdle:          5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Rate:  2,
			Burst: 10,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns the defaults.
// Unknown keys are rejected so typos do not go unnoticed.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must be set"))
	}
	if c.Pool.Size <= 0 {
		errs = append(errs, fmt.Errorf("pool.size must be positive, got %d", c.Pool.Size))
	}

	switch c.Backend.Mode {
	case BackendLocal, BackendDocker:
		if c.Backend.Command == "" {
			errs = append(errs, errors.New("backend.command must be set"))
		}
		if c.Backend.VersionCommand == "" {
			errs = append(errs, errors.New("backend.versionCommand must be set"))
		}
		if c.Backend.Mode == BackendDocker && c.Backend.Docker.Image == "" {
			errs = append(errs, errors.New("backend.docker.image must be set"))
		}
	case BackendRemote:
		if c.Redis.Addr == "" || c.Redis.Stream == "" || c.Redis.Group == "" || c.Redis.ResultChannel == "" {
			errs = append(errs, errors.New("redis addr, stream, group and resultChannel must be set"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend.mode must be one of %s, %s, %s; got %q",
			BackendLocal, BackendDocker, BackendRemote, c.Backend.Mode))
	}

	if c.RateLimit.Enabled && (c.RateLimit.Rate <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rateLimit.rate and rateLimit.burst must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateWorker checks the settings a queue worker needs.
func (c Config) ValidateWorker() error {
	var errs []error
	if c.Pool.Size <= 0 {
		errs = append(errs, fmt.Errorf("pool.size must be positive, got %d", c.Pool.Size))
	}
	if c.Backend.Mode != BackendLocal && c.Backend.Mode != BackendDocker {
		errs = append(errs, fmt.Errorf("a worker runs the local or docker backend, got %q", c.Backend.Mode))
	}
	if c.Redis.Addr == "" || c.Redis.Stream == "" || c.Redis.Group == "" || c.Redis.ResultChannel == "" {
		errs = append(errs, errors.New("redis addr, stream, group and resultChannel must be set"))
	}
	if c.Redis.RecoveryInterval <= 0 || c.Redis.MaxIdle <= 0 {
		errs = append(errs, errors.New("redis.recoveryInterval and redis.maxIdle must be positive"))
	}
	return errors.Join(errs...)
}
