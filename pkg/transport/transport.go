// Package transport is the byte-stream substrate peers talk over.
//
// A node only needs three things from it: a way to accept inbound streams,
// a way to dial a peer, and a reliable, ordered, bidirectional `Stream`
// exposing deadlines. Two implementations are provided:
//
// * `TCP`, the default, one TCP connection per peer.
// * `QUIC`, one mTLS-secured QUIC connection carrying a single
// bidirectional stream per peer.
//
// Frames are delimited on top of a `Stream` with `WriteFrame` and
// `FrameReader`.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Stream is one duplex byte stream to a single peer.
//
// Read and Write may be called concurrently with each other, but
// concurrent writers MUST synchronise themselves.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// Listener yields inbound streams. Close unblocks pending Accept calls.
type Listener interface {
	Accept(ctx context.Context) (Stream, error)
	Addr() net.Addr
	Close() error
}

// Transport opens and accepts streams.
type Transport interface {
	Name() string
	Listen(ctx context.Context, addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Stream, error)
}

var _ Transport = TCP{}

// TCP is the plain TCP transport.
type TCP struct {
	// KeepAlive period of accepted and dialed connections, zero means
	// the operating system default.
	KeepAlive time.Duration
}

func (TCP) Name() string {
	return "tcp"
}

func (t TCP) Listen(ctx context.Context, addr string) (Listener, error) {
	lc := net.ListenConfig{KeepAlive: t.KeepAlive}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate TCP listener: %w", err)
	}
	return &tcpListener{ln: ln}, nil
}

func (t TCP) Dial(ctx context.Context, addr string) (Stream, error) {
	d := net.Dialer{KeepAlive: t.KeepAlive}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDialFailed, err)
	}
	return conn, nil
}

type tcpListener struct {
	ln net.Listener
}

// Accept ignores ctx: the accept loop is unblocked by Close.
func (l *tcpListener) Accept(_ context.Context) (Stream, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrShutdown
		}
		return nil, err
	}
	return conn, nil
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}

// IsTimeout reports whether err is a deadline expiry on a `Stream`.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
