// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"

	"github.com/go-core-stack/stream-relay/pkg/config"
)

func TestRootCmdRejectsBadEndpoints(t *testing.T) {
	cases := [][]string{
		{},
		{"127.0.0.1:8080"},
		{"127.0.0.1:8080", "camera", "extra"},
		{"127.0.0.1:8080", "camera:notaport"},
	}

	for _, args := range cases {
		cmd := newRootCmd()
		cmd.SetArgs(args)
		err := cmd.Execute()
		assert.Assert(t, errors.Is(err, config.ErrInvalid), "args %q: got %v", args, err)
	}
}

func TestConfigureLoggerJSON(t *testing.T) {
	prev := log.Logger
	defer func() { log.Logger = prev }()

	out, err := os.Create(filepath.Join(t.TempDir(), "log"))
	assert.NilError(t, err)
	defer out.Close()

	configureLogger(config.Config{LogLevel: "warn", LogFormat: config.LogFormatAuto}, out)
	assert.Equal(t, log.Logger.GetLevel(), zerolog.WarnLevel)

	log.Info().Msg("dropped")
	log.Warn().Str("upstream", "camera:80").Msg("kept")

	data, err := os.ReadFile(out.Name())
	assert.NilError(t, err)
	text := string(data)
	assert.Assert(t, !strings.Contains(text, "dropped"), "info line should be filtered: %s", text)
	// A regular file is not a terminal, so auto mode picks JSON.
	assert.Assert(t, is.Contains(text, `"upstream":"camera:80"`))
	assert.Assert(t, is.Contains(text, `"message":"kept"`))
}
