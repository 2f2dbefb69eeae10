// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/viper"
	"gotest.tools/assert"
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)
	return v
}

func TestLoadPositionalArgs(t *testing.T) {
	cfg, err := Load(newViper(), []string{"0.0.0.0:8080", "camera.local:80"})
	assert.NilError(t, err)

	assert.Equal(t, cfg.ListenAddr, "0.0.0.0:8080")
	assert.Equal(t, cfg.UpstreamAddr, "camera.local:80")
	assert.Equal(t, cfg.LogLevel, DefaultLogLevel)
	assert.Equal(t, cfg.ConnectTimeout, DefaultConnectTimeout)
	assert.Equal(t, cfg.WriteTimeout, DefaultWriteTimeout)
	assert.Equal(t, cfg.IdlePollInterval, DefaultIdlePoll)
	assert.Equal(t, cfg.ChunkSize, DefaultChunkSize)
	assert.Equal(t, cfg.StatusAddr, "", "status endpoint should be disabled by default")
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("RELAY_LISTEN", "127.0.0.1:9000")
	t.Setenv("RELAY_UPSTREAM", "10.0.0.5:8081")
	t.Setenv("RELAY_WRITE_TIMEOUT", "750ms")
	t.Setenv("RELAY_CHUNK_SIZE", "1024")
	t.Setenv("RELAY_LOG_LEVEL", "DEBUG")
	t.Setenv("RELAY_STATUS_ADDR", "127.0.0.1:9100")

	cfg, err := Load(newViper(), nil)
	assert.NilError(t, err)

	assert.Equal(t, cfg.ListenAddr, "127.0.0.1:9000")
	assert.Equal(t, cfg.UpstreamAddr, "10.0.0.5:8081")
	assert.Equal(t, cfg.WriteTimeout, 750*time.Millisecond)
	assert.Equal(t, cfg.ChunkSize, 1024)
	assert.Equal(t, cfg.LogLevel, "debug", "log level should be lower-cased")
	assert.Equal(t, cfg.StatusAddr, "127.0.0.1:9100")
}

func TestLoadArgsOverrideEnvironment(t *testing.T) {
	t.Setenv("RELAY_LISTEN", "127.0.0.1:9000")
	t.Setenv("RELAY_UPSTREAM", "10.0.0.5:8081")

	cfg, err := Load(newViper(), []string{":7000", "upstream:7001"})
	assert.NilError(t, err)
	assert.Equal(t, cfg.ListenAddr, ":7000")
	assert.Equal(t, cfg.UpstreamAddr, "upstream:7001")
}

func TestLoadRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name    string
		args    []string
		env     map[string]string
		wantMsg string
	}{
		{name: "missing endpoints", wantMsg: "listen is required"},
		{name: "single argument", args: []string{":8080"}, wantMsg: "got 1 arguments"},
		{name: "missing port", args: []string{"localhost", "upstream:80"}, wantMsg: "listen"},
		{name: "non numeric port", args: []string{":8080", "upstream:http"}, wantMsg: "port must be a number"},
		{name: "port out of range", args: []string{":8080", "upstream:70000"}, wantMsg: "port must be a number"},
		{name: "zero port", args: []string{":0", "upstream:80"}, wantMsg: "port must be a number"},
		{
			name:    "bad log level",
			args:    []string{":8080", "upstream:80"},
			env:     map[string]string{"RELAY_LOG_LEVEL": "loud"},
			wantMsg: "log-level",
		},
		{
			name:    "bad log format",
			args:    []string{":8080", "upstream:80"},
			env:     map[string]string{"RELAY_LOG_FORMAT": "xml"},
			wantMsg: "log-format",
		},
		{
			name:    "zero write timeout",
			args:    []string{":8080", "upstream:80"},
			env:     map[string]string{"RELAY_WRITE_TIMEOUT": "0s"},
			wantMsg: "write-timeout must be positive",
		},
		{
			name:    "negative read timeout",
			args:    []string{":8080", "upstream:80"},
			env:     map[string]string{"RELAY_READ_TIMEOUT": "-1s"},
			wantMsg: "read-timeout must not be negative",
		},
		{
			name:    "zero chunk size",
			args:    []string{":8080", "upstream:80"},
			env:     map[string]string{"RELAY_CHUNK_SIZE": "0"},
			wantMsg: "chunk-size must be positive",
		},
		{
			name:    "bad status addr",
			args:    []string{":8080", "upstream:80"},
			env:     map[string]string{"RELAY_STATUS_ADDR": "nope"},
			wantMsg: "status-addr",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(newViper(), tc.args)
			assert.ErrorContains(t, err, tc.wantMsg)
			assert.Assert(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}

func TestZeroReadTimeoutDisablesDeadline(t *testing.T) {
	t.Setenv("RELAY_READ_TIMEOUT", "0s")

	cfg, err := Load(newViper(), []string{":8080", "upstream:80"})
	assert.NilError(t, err)
	assert.Equal(t, cfg.ReadTimeout, time.Duration(0))
}
