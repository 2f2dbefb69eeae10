// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-core-stack/stream-relay/pkg/config"
	"github.com/go-core-stack/stream-relay/pkg/proxy"
	"github.com/go-core-stack/stream-relay/pkg/status"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)
	config.BindEnv(v)

	cmd := &cobra.Command{
		Use:   "stream-relay [LISTEN_HOST:PORT UPSTREAM_HOST:PORT]",
		Short: "Relay one live stream (e.g. MJPEG) to many clients",
		Long: "stream-relay connects to the upstream only while at least one client is attached,\n" +
			"replays the upstream preamble to every new client and fans the stream out to all of them.",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, args)
			if err != nil {
				log.Error().Err(err).Msg("failed to load configuration")
				return err
			}
			configureLogger(cfg, os.Stderr)
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String(config.KeyListen, "", "address to accept clients on (host:port)")
	flags.String(config.KeyUpstream, "", "address of the stream source (host:port)")
	flags.String(config.KeyLogLevel, config.DefaultLogLevel, "log level (trace, debug, info, warn, error)")
	flags.String(config.KeyLogFormat, config.DefaultLogFormat, "log format (auto, console, json)")
	flags.Duration(config.KeyConnectTimeout, config.DefaultConnectTimeout, "upstream dial and preamble timeout")
	flags.Duration(config.KeyReadTimeout, config.DefaultReadTimeout, "upstream read timeout, 0 disables it")
	flags.Duration(config.KeyWriteTimeout, config.DefaultWriteTimeout, "per-write timeout for clients")
	flags.Duration(config.KeyIdlePoll, config.DefaultIdlePoll, "longest idle wait of the broadcast loop")
	flags.Int(config.KeyChunkSize, config.DefaultChunkSize, "upstream read size in bytes")
	flags.Int(config.KeyMaxPreamble, config.DefaultMaxPreamble, "largest accepted upstream preamble in bytes")
	flags.String(config.KeyStatusAddr, "", "serve /healthz and /stats on this address (disabled when empty)")
	flags.Duration(config.KeyShutdownTimeout, config.DefaultShutdownTimeout, "how long to wait for a clean shutdown")
	if err := v.BindPFlags(flags); err != nil {
		log.Fatal().Err(err).Msg("failed to bind flags")
	}

	return cmd
}

// configureLogger installs the global logger. In auto mode a terminal gets
// human readable output and anything else gets JSON.
func configureLogger(cfg config.Config, out *os.File) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w io.Writer = out
	if cfg.LogFormat == config.LogFormatConsole ||
		(cfg.LogFormat == config.LogFormatAuto && isatty.IsTerminal(out.Fd())) {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	log.Logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func run(parent context.Context, cfg config.Config) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	relay, err := proxy.New(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to construct relay")
		return err
	}

	var server *http.Server
	if cfg.StatusAddr != "" {
		server = &http.Server{
			Addr:              cfg.StatusAddr,
			Handler:           status.NewHandler(relay),
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
		}
		go func() {
			log.Info().Str("status_addr", cfg.StatusAddr).Msg("starting status endpoint")
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("status server exited unexpectedly")
			}
		}()
	}

	relayDone := make(chan error, 1)
	go func() {
		log.Info().
			Str("listen_addr", cfg.ListenAddr).
			Str("upstream", cfg.UpstreamAddr).
			Msg("starting stream relay")
		relayDone <- relay.Run(ctx)
	}()

	return waitForShutdown(ctx, cancel, relayDone, server, cfg.GracefulShutdownTimeout)
}

// waitForShutdown blocks until a signal arrives or the relay fails, then
// stops both the relay and the status server.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, relayDone <-chan error, srv *http.Server, timeout time.Duration) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	var relayErr error
	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down stream relay")
		cancel()
		select {
		case relayErr = <-relayDone:
		case <-time.After(timeout):
			log.Error().Dur("timeout", timeout).Msg("relay did not stop in time")
		}
	case relayErr = <-relayDone:
		if relayErr != nil {
			log.Error().Err(relayErr).Msg("stream relay failed")
		}
	}

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed; forcing close")
			if closeErr := srv.Close(); closeErr != nil {
				log.Error().Err(closeErr).Msg("forced close failed")
			}
		}
	}

	log.Info().Msg("stream relay stopped")
	return relayErr
}
