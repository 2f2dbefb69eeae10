// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-core-stack/stream-relay/pkg/config"
)

// Proxy relays one upstream byte stream to any number of TCP clients. The
// upstream is dialed when the first client attaches and dropped once the last
// one is gone.
type Proxy struct {
	// cfg keeps runtime knobs such as the endpoints and I/O timeouts.
	cfg config.Config
	// logger emits structured logs for observability.
	logger zerolog.Logger

	// mu guards clients, link and epoch as one unit.
	mu      sync.Mutex
	clients clientRegistry
	link    sourceLink
	// epoch counts upstream reads started by the broadcast loop.
	epoch uint64

	// wake nudges an idle broadcast loop after a client attaches.
	wake chan struct{}

	addrMu sync.Mutex
	addr   net.Addr

	nextClientID   atomic.Uint64
	clientsServed  atomic.Uint64
	chunksRelayed  atomic.Uint64
	bytesRelayed   atomic.Uint64
	clientsPruned  atomic.Uint64
	attachFailures atomic.Uint64
}

// New constructs a Proxy dialing the upstream with a net.Dialer tuned by cfg.
func New(cfg config.Config) (*Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := log.With().Str("component", "proxy").Logger()

	p := &Proxy{
		cfg:    cfg,
		logger: logger,
		wake:   make(chan struct{}, 1),
		link: sourceLink{
			addr:           cfg.UpstreamAddr,
			dialer:         &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second},
			connectTimeout: cfg.ConnectTimeout,
			readTimeout:    cfg.ReadTimeout,
			maxPreamble:    cfg.MaxPreambleSize,
			logger:         logger,
		},
	}
	return p, nil
}

// Run binds the configured listen address and serves until ctx is done or
// the listener fails.
func (p *Proxy) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", p.cfg.ListenAddr)
	if err != nil {
		return newError(ErrListener, "listen "+p.cfg.ListenAddr, err)
	}
	return p.Serve(ctx, ln)
}

// Serve runs the accept loop and the broadcast loop on ln until ctx is done
// or ln fails. It returns nil on cancellation and an ErrListener error
// otherwise. On return the listener, the upstream and every client are closed.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	p.addrMu.Lock()
	p.addr = ln.Addr()
	p.addrMu.Unlock()

	p.logger.Info().
		Str("listen_addr", ln.Addr().String()).
		Str("upstream", p.cfg.UpstreamAddr).
		Msg("relay serving")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.acceptLoop(gctx, ln)
	})
	g.Go(func() error {
		p.broadcastLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			p.logger.Debug().Err(err).Msg("close listener failed")
		}
		p.closeAll()
		return nil
	})

	err := g.Wait()
	// An attach that was in flight during shutdown may have registered late.
	p.closeAll()
	p.logger.Info().Msg("relay stopped")
	return err
}

// Addr returns the address Serve is listening on, or nil before Serve starts.
func (p *Proxy) Addr() net.Addr {
	p.addrMu.Lock()
	defer p.addrMu.Unlock()
	return p.addr
}

// acceptLoop attaches accepted connections one at a time. Only a listener
// failure ends it.
func (p *Proxy) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error().Err(err).Msg("accept failed")
			return newError(ErrListener, "accept", err)
		}

		if err := p.attach(ctx, conn); err != nil {
			p.attachFailures.Add(1)
			p.logger.Warn().
				Err(err).
				Str("remote_addr", conn.RemoteAddr().String()).
				Msg("client rejected")
		}
	}
}

// attach hands conn the current preamble plus any bytes read along with it
// and then registers it. The lock is held throughout so the broadcast loop
// can neither see a client that is missing the preamble nor drop the upstream
// halfway through, and so concurrent attaches dial the upstream only once.
// On error conn is closed and nothing is registered.
func (p *Proxy) attach(ctx context.Context, conn net.Conn) error {
	client := newClientHandle(p.nextClientID.Add(1), conn)

	p.mu.Lock()
	defer p.mu.Unlock()

	remainder, err := p.link.ensureConnected(ctx)
	if err != nil {
		p.closeClient(client)
		return err
	}
	// Whatever happens next the broadcast loop has work: either a client to
	// feed or a freshly dialed upstream to drop.
	p.signalWake()

	header := p.link.header()
	handshake := make([]byte, 0, len(header)+len(preambleTerminator)+len(remainder))
	handshake = append(handshake, header...)
	handshake = append(handshake, preambleTerminator...)
	handshake = append(handshake, remainder...)

	if err := client.write(handshake, p.cfg.WriteTimeout); err != nil {
		p.closeClient(client)
		return newError(ErrClientWrite, "send preamble to "+client.remoteAddr, err)
	}

	client.joined = p.epoch
	p.clients.add(client)
	p.clientsServed.Add(1)

	p.logger.Info().
		Str("remote_addr", client.remoteAddr).
		Uint64("client", client.id).
		Int("clients", p.clients.count()).
		Msg("client connected")
	return nil
}

func (p *Proxy) signalWake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// closeAll drops the upstream and every client. Used on shutdown.
func (p *Proxy) closeAll() {
	p.mu.Lock()
	p.link.disconnect()
	dropped := p.clients.drain()
	p.mu.Unlock()

	for _, c := range dropped {
		p.closeClient(c)
	}
}

func (p *Proxy) closeClient(c *clientHandle) {
	if err := c.close(); err != nil && !errors.Is(err, net.ErrClosed) {
		p.logger.Debug().Err(err).Str("remote_addr", c.remoteAddr).Msg("close client failed")
	}
}
