// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"context"
	"sync"
	"time"
)

// broadcastLoop relays upstream chunks until ctx is done. While nobody is
// attached it keeps the upstream closed and waits for an attach to wake it.
func (p *Proxy) broadcastLoop(ctx context.Context) {
	buf := make([]byte, p.cfg.ChunkSize)
	idle := time.NewTimer(p.cfg.IdlePollInterval)
	defer idle.Stop()

	for ctx.Err() == nil {
		if !p.broadcastOnce(buf) {
			continue
		}

		idle.Reset(p.cfg.IdlePollInterval)
		select {
		case <-ctx.Done():
		case <-p.wake:
		case <-idle.C:
		}
	}
}

// broadcastOnce runs one iteration of the loop and reports whether the relay
// is idle, meaning no clients are attached and the upstream is closed.
func (p *Proxy) broadcastOnce(buf []byte) bool {
	p.mu.Lock()
	if p.clients.isEmpty() {
		p.link.disconnect()
		p.mu.Unlock()
		return true
	}
	p.epoch++
	epoch := p.epoch
	sess := p.link.current()
	p.mu.Unlock()

	if sess == nil {
		// Clients without an upstream cannot happen: attach registers only
		// after connecting and upstream failures drain the registry.
		p.logger.Error().Msg("clients attached without an upstream session; dropping them")
		p.dropSession(nil, nil)
		return true
	}

	// The read happens without the lock so a slow upstream never stalls attach.
	n, err := sess.readChunk(buf)
	if err != nil {
		p.dropSession(sess, newError(ErrUpstreamRead, "read "+p.cfg.UpstreamAddr, err))
		return true
	}
	chunk := buf[:n]

	p.mu.Lock()
	targets := p.clients.snapshot(epoch)
	p.mu.Unlock()

	failed := p.fanOut(chunk, targets)

	p.chunksRelayed.Add(1)
	p.bytesRelayed.Add(uint64(n))

	for i, c := range targets {
		if failed[i] == nil {
			continue
		}
		p.pruneClient(c, newError(ErrClientWrite, "write to "+c.remoteAddr, failed[i]))
	}
	return false
}

// fanOut writes chunk to every client concurrently and returns the write
// error of each, index-aligned with clients.
func (p *Proxy) fanOut(chunk []byte, clients []*clientHandle) []error {
	errs := make([]error, len(clients))
	switch len(clients) {
	case 0:
		return errs
	case 1:
		errs[0] = clients[0].write(chunk, p.cfg.WriteTimeout)
		return errs
	}

	var wg sync.WaitGroup
	wg.Add(len(clients))
	for i, c := range clients {
		go func(i int, c *clientHandle) {
			defer wg.Done()
			errs[i] = c.write(chunk, p.cfg.WriteTimeout)
		}(i, c)
	}
	wg.Wait()
	return errs
}

// pruneClient unregisters and closes a client whose write failed.
func (p *Proxy) pruneClient(c *clientHandle, cause error) {
	p.mu.Lock()
	removed := p.clients.remove(c)
	remaining := p.clients.count()
	p.mu.Unlock()

	p.closeClient(c)
	if !removed {
		return
	}
	p.clientsPruned.Add(1)
	p.logger.Info().
		Err(cause).
		Str("remote_addr", c.remoteAddr).
		Uint64("client", c.id).
		Int("clients", remaining).
		Msg("client disconnected")
}

// dropSession closes the upstream and every attached client after the
// upstream failed. Clients cannot be carried over to a new session because
// its preamble cannot be spliced into their stream. Nothing happens if sess
// is no longer the live session.
func (p *Proxy) dropSession(sess *session, cause error) {
	p.mu.Lock()
	if p.link.current() != sess {
		p.mu.Unlock()
		return
	}
	p.link.disconnect()
	dropped := p.clients.drain()
	p.mu.Unlock()

	if cause != nil {
		p.logger.Warn().
			Err(cause).
			Int("dropped_clients", len(dropped)).
			Msg("upstream lost; relay idle")
	}
	for _, c := range dropped {
		p.closeClient(c)
	}
}
