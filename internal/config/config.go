// Package config assembles the relay's startup parameters. Values are layered
// defaults, then an optional YAML file, then RELAY_* environment variables,
// then command-line flags; a later layer only overrides what it sets.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

const (
	ModeTCP  = "tcp"
	ModeUDP  = "udp"
	ModeBoth = ""
)

// Config holds all runtime configuration.
type Config struct {
	File string `yaml:"-"`

	Mode       string `yaml:"mode" env:"MODE"`
	ListenHost string `yaml:"listen_host" env:"LISTEN_HOST"`
	LocalPort  int    `yaml:"local_port" env:"LOCAL_PORT"`
	RemoteHost string `yaml:"remote_host" env:"REMOTE_HOST"`
	RemotePort int    `yaml:"remote_port" env:"REMOTE_PORT"`

	// IdleTimeout is in whole seconds, like the -T flag.
	IdleTimeout  int           `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	MaxSessions  int           `yaml:"max_sessions" env:"MAX_SESSIONS"`
	ChunkSize    int           `yaml:"chunk_size" env:"CHUNK_SIZE"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	SocketBuffer int           `yaml:"socket_buffer" env:"SOCKET_BUFFER"`

	RateLimit       int           `yaml:"rate_limit" env:"RATE_LIMIT"`
	SourceRateLimit int           `yaml:"source_rate_limit" env:"SOURCE_RATE_LIMIT"`
	RateBurst       int           `yaml:"rate_burst" env:"RATE_BURST"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`

	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
	Debug       bool   `yaml:"debug" env:"DEBUG"`

	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	RedisStream   string `yaml:"redis_stream" env:"REDIS_STREAM"`
	InstanceID    string `yaml:"instance_id" env:"INSTANCE_ID"`
}

// Default returns the built-in defaults. Remote and local port have none.
func Default() Config {
	host, _ := os.Hostname()
	return Config{
		IdleTimeout:     15,
		MaxSessions:     200,
		ChunkSize:       4096,
		DialTimeout:     10 * time.Second,
		RateBurst:       10,
		CleanupInterval: time.Minute,
		MetricsAddr:     ":9090",
		RedisStream:     "relay:events",
		InstanceID:      host,
	}
}

// RegisterFlags binds every field to fs, using the current values as
// defaults. Mode, local port, remote and idle timeout use one-letter names.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.File, "config", c.File, "YAML config file")
	fs.StringVar(&c.Mode, "p", c.Mode, "protocol to relay: tcp or udp (default both)")
	fs.IntVar(&c.LocalPort, "l", c.LocalPort, "local port to listen on")
	fs.Func("r", "remote endpoint as host:port, or host followed by the port as the next argument", func(v string) error {
		host, port, err := net.SplitHostPort(v)
		if err != nil {
			c.RemoteHost = v
			return nil
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("remote port %q: %w", port, err)
		}
		c.RemoteHost, c.RemotePort = host, p
		return nil
	})
	fs.IntVar(&c.IdleTimeout, "T", c.IdleTimeout, "udp session idle timeout in seconds")
	fs.StringVar(&c.ListenHost, "listen-host", c.ListenHost, "local address to bind (default all interfaces)")
	fs.IntVar(&c.MaxSessions, "max-sessions", c.MaxSessions, "maximum concurrent udp sessions")
	fs.IntVar(&c.ChunkSize, "chunk-size", c.ChunkSize, "tcp copy buffer size in bytes")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", c.DialTimeout, "tcp connect timeout to the remote")
	fs.IntVar(&c.SocketBuffer, "socket-buffer", c.SocketBuffer, "udp SO_RCVBUF/SO_SNDBUF in bytes (0 keeps the OS default)")
	fs.IntVar(&c.RateLimit, "rate-limit", c.RateLimit, "new sessions per second across all clients (0 disables)")
	fs.IntVar(&c.SourceRateLimit, "source-rate-limit", c.SourceRateLimit, "new sessions per second per client address (0 disables)")
	fs.IntVar(&c.RateBurst, "rate-burst", c.RateBurst, "burst size for the session rate limits")
	fs.DurationVar(&c.CleanupInterval, "cleanup-interval", c.CleanupInterval, "interval for pruning idle rate limit state")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "metrics and health listen address (empty disables)")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logs")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis address for the event stream (empty disables)")
	fs.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "redis database number")
	fs.StringVar(&c.RedisStream, "redis-stream", c.RedisStream, "redis stream receiving session events")
	fs.StringVar(&c.InstanceID, "instance-id", c.InstanceID, "identifier attached to published events")
}

// parseArgs parses args into fs. A bare argument directly after the flags is
// taken as the remote port, so "-r 10.0.0.1 9100 -T 5" works.
func (c *Config) parseArgs(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	for fs.NArg() > 0 {
		rest := fs.Args()
		p, err := strconv.Atoi(rest[0])
		if err != nil {
			return fmt.Errorf("unexpected argument %q", rest[0])
		}
		c.RemotePort = p
		if err := fs.Parse(rest[1:]); err != nil {
			return err
		}
	}
	return nil
}

// Load builds a Config from the layers. environ replaces the process
// environment when non-nil. Errors from the file and environment layers are
// returned before validation runs.
func Load(name string, args []string, environ map[string]string) (Config, error) {
	// First pass only locates the config file.
	probe := Default()
	pfs := flag.NewFlagSet(name, flag.ContinueOnError)
	pfs.SetOutput(io.Discard)
	probe.RegisterFlags(pfs)
	if err := probe.parseArgs(pfs, args); err != nil && !errors.Is(err, flag.ErrHelp) {
		return Config{}, err
	}

	cfg := Default()
	if probe.File != "" {
		if err := cfg.LoadFile(probe.File); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.loadEnv(environ); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	if err := cfg.parseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML document at path. Unknown keys are rejected.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.File = path
	return nil
}

func (c *Config) loadEnv(environ map[string]string) error {
	opts := env.Options{Prefix: "RELAY_", Environment: environ}
	if err := env.ParseWithOptions(c, opts); err != nil {
		var agg env.AggregateError
		if errors.As(err, &agg) {
			return fmt.Errorf("environment: %w", errors.Join(agg.Errors...))
		}
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeTCP, ModeUDP, ModeBoth:
	default:
		errs = append(errs, fmt.Errorf("mode must be tcp or udp, got %q", c.Mode))
	}
	if !validPort(c.LocalPort) {
		errs = append(errs, fmt.Errorf("local port must be 1-65535, got %d", c.LocalPort))
	}
	if c.RemoteHost == "" {
		errs = append(errs, errors.New("remote host is required"))
	}
	if !validPort(c.RemotePort) {
		errs = append(errs, fmt.Errorf("remote port must be 1-65535, got %d", c.RemotePort))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("idle timeout must be positive, got %d", c.IdleTimeout))
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("max sessions must be positive, got %d", c.MaxSessions))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize))
	}
	if c.DialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dial timeout must be positive, got %s", c.DialTimeout))
	}
	if c.SocketBuffer < 0 {
		errs = append(errs, fmt.Errorf("socket buffer must not be negative, got %d", c.SocketBuffer))
	}
	if c.RateLimit < 0 || c.SourceRateLimit < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if (c.RateLimit > 0 || c.SourceRateLimit > 0) && c.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("rate burst must be at least 1, got %d", c.RateBurst))
	}
	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("redis db must not be negative, got %d", c.RedisDB))
	}
	return errors.Join(errs...)
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.LocalPort))
}

func (c Config) RemoteAddr() string {
	return net.JoinHostPort(c.RemoteHost, strconv.Itoa(c.RemotePort))
}

func (c Config) Idle() time.Duration { return time.Duration(c.IdleTimeout) * time.Second }

// RunsTCP and RunsUDP report which relays the mode selects; no mode means both.
func (c Config) RunsTCP() bool { return c.Mode != ModeUDP }
func (c Config) RunsUDP() bool { return c.Mode != ModeTCP }
