package config

import (
	"github.com/urfave/cli/v2"
)

// Flag names shared by the binaries.
const (
	FlagConfig    = "config"
	FlagAddr      = "addr"
	FlagPoolSize  = "pool-size"
	FlagBackend   = "backend"
	FlagCommand   = "vyper-command"
	FlagImage     = "docker-image"
	FlagRedisAddr = "redis-addr"
	FlagLogLevel  = "log-level"
	FlagLogFormat = "log-format"
	FlagRateLimit = "rate-limit"
)

// Flags returns the command-line flags understood by FromContext.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: FlagConfig, Aliases: []string{"c"}, Usage: "path to a YAML config file", EnvVars: []string{"VYPERD_CONFIG"}},
		&cli.StringFlag{Name: FlagAddr, Usage: "HTTP listen address", EnvVars: []string{"VYPERD_ADDR"}},
		&cli.IntFlag{Name: FlagPoolSize, Usage: "number of concurrent compilations", EnvVars: []string{"VYPERD_POOL_SIZE"}},
		&cli.StringFlag{Name: FlagBackend, Usage: "compiler backend: local, docker or remote", EnvVars: []string{"VYPERD_BACKEND"}},
		&cli.StringFlag{Name: FlagCommand, Usage: "command reading standard JSON on stdin", EnvVars: []string{"VYPERD_VYPER_COMMAND"}},
		&cli.StringFlag{Name: FlagImage, Usage: "compiler image for the docker backend", EnvVars: []string{"VYPERD_DOCKER_IMAGE"}},
		&cli.StringFlag{Name: FlagRedisAddr, Usage: "Redis address for the remote backend", EnvVars: []string{"VYPERD_REDIS_ADDR", "REDIS_ADDR"}},
		&cli.StringFlag{Name: FlagLogLevel, Usage: "debug, info, warn or error", EnvVars: []string{"VYPERD_LOG_LEVEL"}},
		&cli.StringFlag{Name: FlagLogFormat, Usage: "text or json", EnvVars: []string{"VYPERD_LOG_FORMAT"}},
		&cli.BoolFlag{Name: FlagRateLimit, Usage: "limit POST /compile per client IP", EnvVars: []string{"VYPERD_RATE_LIMIT"}},
	}
}

// FromContext loads the config file named by --config and applies the flags
// that were set explicitly, on the command line or through the environment.
func FromContext(c *cli.Context) (Config, error) {
	cfg, err := Load(c.String(FlagConfig))
	if err != nil {
		return Config{}, err
	}

	if c.IsSet(FlagAddr) {
		cfg.Server.Addr = c.String(FlagAddr)
	}
	if c.IsSet(FlagPoolSize) {
		cfg.Pool.Size = c.Int(FlagPoolSize)
	}
	if c.IsSet(FlagBackend) {
		cfg.Backend.Mode = c.String(FlagBackend)
	}
	if c.IsSet(FlagCommand) {
		cfg.Backend.Command = c.String(FlagCommand)
	}
	if c.IsSet(FlagImage) {
		cfg.Backend.Docker.Image = c.String(FlagImage)
	}
	if c.IsSet(FlagRedisAddr) {
		cfg.Redis.Addr = c.String(FlagRedisAddr)
	}
	if c.IsSet(FlagLogLevel) {
		cfg.Log.Level = c.String(FlagLogLevel)
	}
	if c.IsSet(FlagLogFormat) {
		cfg.Log.Format = c.String(FlagLogFormat)
	}
	if c.IsSet(FlagRateLimit) {
		cfg.RateLimit.Enabled = c.Bool(FlagRateLimit)
	}
	return cfg, nil
}
