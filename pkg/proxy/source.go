// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// preambleTerminator separates the upstream preamble (e.g. HTTP response
// headers) from the opaque payload that follows it.
var preambleTerminator = []byte("\r\n\r\n")

// Dialer opens the upstream connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type linkState int

const (
	stateDisconnected linkState = iota
	stateConnected
)

func (s linkState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnected:
		return "connected"
	default:
		return fmt.Sprintf("linkState(%d)", int(s))
	}
}

// session is one live upstream connection together with the preamble it
// opened with.
type session struct {
	id          uint64
	conn        net.Conn
	header      []byte
	readTimeout time.Duration
}

// readChunk performs one blocking read into buf. A zero-byte read is reported
// as io.EOF so callers never spin on a dead connection.
func (s *session) readChunk(buf []byte) (int, error) {
	if s.readTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := s.conn.Read(buf)
	if n == 0 && err == nil {
		err = io.EOF
	}
	return n, err
}

// sourceLink owns the single upstream connection. It does no locking of its
// own: ensureConnected and disconnect must be called with Proxy.mu held.
type sourceLink struct {
	addr           string
	dialer         Dialer
	connectTimeout time.Duration
	readTimeout    time.Duration
	maxPreamble    int
	logger         zerolog.Logger

	// state is stateConnected exactly when sess is non-nil.
	state linkState
	sess  *session

	connects atomic.Uint64
}

// ensureConnected dials the upstream unless a session is already live, and
// returns the payload bytes that arrived together with the preamble. Those
// bytes have not been seen by anyone else and belong to the attaching client.
// On error the link is left disconnected.
func (l *sourceLink) ensureConnected(ctx context.Context) ([]byte, error) {
	if l.state == stateConnected {
		return nil, nil
	}

	id := l.connects.Add(1)
	l.logger.Info().Str("upstream", l.addr).Uint64("session", id).Msg("connecting to source")

	dialCtx, cancel := context.WithTimeout(ctx, l.connectTimeout)
	defer cancel()

	conn, err := l.dialer.DialContext(dialCtx, "tcp", l.addr)
	if err != nil {
		return nil, newError(ErrUpstreamUnreachable, "dial "+l.addr, err)
	}

	header, remainder, err := readPreamble(ctx, conn, l.maxPreamble, l.connectTimeout)
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			l.logger.Debug().Err(closeErr).Msg("close rejected upstream connection failed")
		}
		return nil, err
	}

	l.sess = &session{id: id, conn: conn, header: header, readTimeout: l.readTimeout}
	l.state = stateConnected
	l.logger.Info().
		Str("upstream", l.addr).
		Uint64("session", id).
		Int("header_bytes", len(header)).
		Int("remainder_bytes", len(remainder)).
		Msg("connected to source")
	return remainder, nil
}

// disconnect closes the live session, if any.
func (l *sourceLink) disconnect() {
	if l.state == stateDisconnected {
		return
	}
	l.logger.Info().Str("upstream", l.addr).Uint64("session", l.sess.id).Msg("disconnecting from source")
	if err := l.sess.conn.Close(); err != nil {
		l.logger.Debug().Err(err).Msg("close upstream connection failed")
	}
	l.sess = nil
	l.state = stateDisconnected
}

// current returns the live session or nil.
func (l *sourceLink) current() *session {
	return l.sess
}

// header returns the preamble of the live session, or nil when disconnected.
func (l *sourceLink) header() []byte {
	if l.sess == nil {
		return nil
	}
	return l.sess.header
}

// readPreamble reads from conn until the preamble terminator shows up, and
// splits what it read into the preamble (terminator excluded) and whatever
// payload followed it. The whole exchange is bounded by timeout, and ends
// early when ctx is done.
func readPreamble(ctx context.Context, conn net.Conn, limit int, timeout time.Duration) (header, remainder []byte, err error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, nil, newError(ErrUpstreamUnreachable, "read preamble", err)
		}
	}
	// Cancellation unblocks the pending Read by moving the deadline into the past.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, limit)
	n := 0
	for n < len(buf) {
		m, readErr := conn.Read(buf[n:])
		n += m
		if i := bytes.Index(buf[:n], preambleTerminator); i >= 0 {
			if !stop() {
				// ctx ended and the deadline may already be in the past.
				return nil, nil, newError(ErrUpstreamUnreachable, "read preamble", ctx.Err())
			}
			header = bytes.Clone(buf[:i])
			remainder = bytes.Clone(buf[i+len(preambleTerminator) : n])
			if err := conn.SetReadDeadline(time.Time{}); err != nil {
				return nil, nil, newError(ErrUpstreamUnreachable, "read preamble", err)
			}
			return header, remainder, nil
		}
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, newError(ErrUpstreamUnreachable, "read preamble", ctxErr)
			}
			if errors.Is(readErr, io.EOF) {
				return nil, nil, newError(ErrMalformedPreamble, "read preamble",
					errors.Wrapf(readErr, "stream ended after %d bytes without terminator", n))
			}
			return nil, nil, newError(ErrUpstreamUnreachable, "read preamble", readErr)
		}
	}
	return nil, nil, newError(ErrMalformedPreamble, "read preamble",
		errors.Errorf("no terminator within %d bytes", limit))
}
