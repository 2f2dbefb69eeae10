// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"net"
	"sync"
	"time"
)

// clientHandle is one attached downstream connection.
type clientHandle struct {
	id         uint64
	conn       net.Conn
	remoteAddr string
	// joined is the broadcast epoch current when the client was registered.
	// The client only receives chunks from reads that started after it.
	joined uint64

	closeOnce sync.Once
	closeErr  error
}

func newClientHandle(id uint64, conn net.Conn) *clientHandle {
	addr := "unknown"
	if ra := conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return &clientHandle{id: id, conn: conn, remoteAddr: addr}
}

// write sends b in full, giving up once timeout elapses.
func (c *clientHandle) write(b []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(b)
	return err
}

// close is safe to call from several goroutines; the connection is closed once.
func (c *clientHandle) close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// clientRegistry is the set of attached clients in attach order. It does no
// locking of its own: every method must be called with Proxy.mu held.
type clientRegistry struct {
	clients []*clientHandle
}

func (r *clientRegistry) add(c *clientHandle) {
	for _, existing := range r.clients {
		if existing == c {
			return
		}
	}
	r.clients = append(r.clients, c)
}

// remove reports whether c was registered.
func (r *clientRegistry) remove(c *clientHandle) bool {
	for i, existing := range r.clients {
		if existing == c {
			r.clients = append(r.clients[:i], r.clients[i+1:]...)
			return true
		}
	}
	return false
}

// snapshot copies the clients that joined before epoch so they can be
// iterated after the lock is released.
func (r *clientRegistry) snapshot(epoch uint64) []*clientHandle {
	out := make([]*clientHandle, 0, len(r.clients))
	for _, c := range r.clients {
		if c.joined < epoch {
			out = append(out, c)
		}
	}
	return out
}

// drain unregisters every client and returns them.
func (r *clientRegistry) drain() []*clientHandle {
	out := r.clients
	r.clients = nil
	return out
}

func (r *clientRegistry) isEmpty() bool { return len(r.clients) == 0 }

func (r *clientRegistry) count() int { return len(r.clients) }
