// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is prepended to every key when looking up environment
	// variables, e.g. RELAY_UPSTREAM or RELAY_WRITE_TIMEOUT.
	EnvPrefix = "RELAY"

	KeyListen          = "listen"
	KeyUpstream        = "upstream"
	KeyLogLevel        = "log-level"
	KeyLogFormat       = "log-format"
	KeyConnectTimeout  = "connect-timeout"
	KeyReadTimeout     = "read-timeout"
	KeyWriteTimeout    = "write-timeout"
	KeyIdlePoll        = "idle-poll"
	KeyChunkSize       = "chunk-size"
	KeyMaxPreamble     = "max-preamble"
	KeyStatusAddr      = "status-addr"
	KeyShutdownTimeout = "shutdown-timeout"

	DefaultLogLevel        = "info"
	DefaultLogFormat       = LogFormatAuto
	DefaultConnectTimeout  = 10 * time.Second
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultIdlePoll        = 100 * time.Millisecond
	DefaultChunkSize       = 4096
	DefaultMaxPreamble     = 8192
	DefaultShutdownTimeout = 10 * time.Second
)

// Supported log output formats.
const (
	LogFormatAuto    = "auto"
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

// ErrInvalid is wrapped by every validation failure returned from Load.
var ErrInvalid = errors.New("invalid configuration")

// Config captures runtime settings for the relay.
type Config struct {
	// ListenAddr is the host:port clients connect to.
	ListenAddr string
	// UpstreamAddr is the host:port of the single stream source.
	UpstreamAddr string
	LogLevel     string
	LogFormat    string
	// ConnectTimeout bounds the upstream dial plus the preamble read.
	ConnectTimeout time.Duration
	// ReadTimeout bounds each upstream chunk read; zero disables it.
	ReadTimeout time.Duration
	// WriteTimeout bounds each write to a client.
	WriteTimeout time.Duration
	// IdlePollInterval caps how long the broadcast loop sleeps while idle.
	IdlePollInterval time.Duration
	ChunkSize        int
	// MaxPreambleSize is the most bytes read while looking for the blank line
	// that ends the upstream preamble.
	MaxPreambleSize int
	// StatusAddr enables the HTTP status endpoint when non-empty.
	StatusAddr              string
	GracefulShutdownTimeout time.Duration
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyLogLevel, DefaultLogLevel)
	v.SetDefault(KeyLogFormat, DefaultLogFormat)
	v.SetDefault(KeyConnectTimeout, DefaultConnectTimeout)
	v.SetDefault(KeyReadTimeout, DefaultReadTimeout)
	v.SetDefault(KeyWriteTimeout, DefaultWriteTimeout)
	v.SetDefault(KeyIdlePoll, DefaultIdlePoll)
	v.SetDefault(KeyChunkSize, DefaultChunkSize)
	v.SetDefault(KeyMaxPreamble, DefaultMaxPreamble)
	v.SetDefault(KeyShutdownTimeout, DefaultShutdownTimeout)
}

// BindEnv makes every key resolvable from RELAY_* environment variables.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// Load resolves the configuration from v and validates it. When args holds
// the two positional endpoints (listen, upstream) they take precedence over
// flags and environment.
func Load(v *viper.Viper, args []string) (Config, error) {
	switch len(args) {
	case 0:
	case 2:
		v.Set(KeyListen, args[0])
		v.Set(KeyUpstream, args[1])
	default:
		return Config{}, fmt.Errorf("%w: expected LISTEN and UPSTREAM endpoints, got %d arguments", ErrInvalid, len(args))
	}

	cfg := Config{
		ListenAddr:              strings.TrimSpace(v.GetString(KeyListen)),
		UpstreamAddr:            strings.TrimSpace(v.GetString(KeyUpstream)),
		LogLevel:                strings.ToLower(strings.TrimSpace(v.GetString(KeyLogLevel))),
		LogFormat:               strings.ToLower(strings.TrimSpace(v.GetString(KeyLogFormat))),
		ConnectTimeout:          v.GetDuration(KeyConnectTimeout),
		ReadTimeout:             v.GetDuration(KeyReadTimeout),
		WriteTimeout:            v.GetDuration(KeyWriteTimeout),
		IdlePollInterval:        v.GetDuration(KeyIdlePoll),
		ChunkSize:               v.GetInt(KeyChunkSize),
		MaxPreambleSize:         v.GetInt(KeyMaxPreamble),
		StatusAddr:              strings.TrimSpace(v.GetString(KeyStatusAddr)),
		GracefulShutdownTimeout: v.GetDuration(KeyShutdownTimeout),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting in c.
func (c Config) Validate() error {
	if err := validateEndpoint(KeyListen, c.ListenAddr); err != nil {
		return err
	}
	if err := validateEndpoint(KeyUpstream, c.UpstreamAddr); err != nil {
		return err
	}
	if c.StatusAddr != "" {
		if err := validateEndpoint(KeyStatusAddr, c.StatusAddr); err != nil {
			return err
		}
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrInvalid, KeyLogLevel, c.LogLevel, err)
	}
	switch c.LogFormat {
	case LogFormatAuto, LogFormatConsole, LogFormatJSON:
	default:
		return fmt.Errorf("%w: %s must be one of auto, console, json; got %q", ErrInvalid, KeyLogFormat, c.LogFormat)
	}

	positive := []struct {
		key string
		val time.Duration
	}{
		{KeyConnectTimeout, c.ConnectTimeout},
		{KeyWriteTimeout, c.WriteTimeout},
		{KeyIdlePoll, c.IdlePollInterval},
		{KeyShutdownTimeout, c.GracefulShutdownTimeout},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalid, p.key, p.val)
		}
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("%w: %s must not be negative, got %s", ErrInvalid, KeyReadTimeout, c.ReadTimeout)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, KeyChunkSize, c.ChunkSize)
	}
	if c.MaxPreambleSize <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, KeyMaxPreamble, c.MaxPreambleSize)
	}
	return nil
}

// validateEndpoint checks that addr is host:port with a usable TCP port. An
// empty host is accepted and means all interfaces.
func validateEndpoint(key, addr string) error {
	if addr == "" {
		return fmt.Errorf("%w: %s is required (host:port)", ErrInvalid, key)
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %s %q: %v", ErrInvalid, key, addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("%w: %s %q: port must be a number between 1 and 65535", ErrInvalid, key, addr)
	}
	return nil
}
