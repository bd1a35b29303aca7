package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is negotiated by the QUIC transport when the TLS config does not
// carry its own NextProtos.
const ALPN = "dotp/1"

// preamble is written by the dialer right after opening the stream.
// QUIC peers only learn about a stream once a frame is sent on it, and the
// accepting node speaks first in our handshake.
const preamble byte = 0xD0

const defaultPreambleTimeout = 10 * time.Second

var _ Transport = (*QUIC)(nil)

// QUIC carries each peer connection over its own QUIC connection with a
// single bidirectional stream.
type QUIC struct {
	tlsConf  *tls.Config
	quicConf *quic.Config
	logger   *slog.Logger

	// PreambleTimeout bounds how long an accepted connection may take to
	// open its stream.
	PreambleTimeout time.Duration
}

// NewQUIC builds a QUIC transport. The TLS config SHOULD enforce mTLS, its
// Certificates are presented both when accepting and dialing.
func NewQUIC(tlsConf *tls.Config, logHandler slog.Handler) (*QUIC, error) {
	if tlsConf == nil {
		return nil, ErrNoTLSConfig
	}

	conf := tlsConf.Clone()
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{ALPN}
	}

	q := &QUIC{
		tlsConf: conf,
		quicConf: &quic.Config{
			Versions:        []quic.Version{quic.Version2, quic.Version1},
			MaxIdleTimeout:  1 * time.Minute,
			KeepAlivePeriod: 15 * time.Second,
			// A peer connection only ever uses one stream.
			MaxIncomingStreams:    4,
			MaxIncomingUniStreams: -1,
		},
		PreambleTimeout: defaultPreambleTimeout,
	}

	if logHandler == nil {
		q.logger = slog.Default()
	} else {
		q.logger = slog.New(logHandler)
	}
	return q, nil
}

func (q *QUIC) Name() string {
	return "quic"
}

func (q *QUIC) Listen(_ context.Context, addr string) (Listener, error) {
	ln, err := quic.ListenAddr(addr, q.tlsConf, q.quicConf)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}

	ql := &quicListener{
		ln:      ln,
		q:       q,
		logger:  q.logger.With("listen", ln.Addr().String()),
		streams: make(chan Stream),
		closeCh: make(chan struct{}),
	}
	ql.ctx, ql.cancel = context.WithCancel(context.Background())
	ql.wg.Add(1)
	go ql.acceptCx()
	return ql, nil
}

func (q *QUIC) Dial(ctx context.Context, addr string) (Stream, error) {
	conn, err := quic.DialAddr(ctx, addr, q.tlsConf, q.quicConf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDialFailed, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		QErrInternal.Close(conn, "could not open stream")
		return nil, fmt.Errorf("%w: %w", ErrDialFailed, err)
	}

	if _, err := stream.Write([]byte{preamble}); err != nil {
		QErrInternal.Close(conn, "could not write preamble")
		return nil, fmt.Errorf("%w: %w", ErrDialFailed, err)
	}

	return &quicStream{Stream: stream, conn: conn}, nil
}

type quicListener struct {
	ln     *quic.Listener
	q      *QUIC
	logger *slog.Logger

	streams   chan Stream
	ctx       context.Context
	cancel    context.CancelFunc
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (l *quicListener) acceptCx() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept(context.Background())
		if err != nil {
			select {
			case <-l.closeCh:
			default:
				l.logger.Warn("unexpected QUIC listener closure", "error", err)
			}
			return
		}

		l.wg.Add(1)
		go l.acceptStream(conn)
	}
}

func (l *quicListener) acceptStream(conn quic.Connection) {
	defer l.wg.Done()
	logger := l.logger.With("remote", conn.RemoteAddr().String())

	ctx, cancel := context.WithTimeout(l.ctx, l.q.PreambleTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		logger.Warn("peer did not open a stream", "error", err)
		QErrProtocolViolation.Close(conn, "no stream opened")
		return
	}

	stream.SetReadDeadline(time.Now().Add(l.q.PreambleTimeout))
	if err := readPreamble(stream); err != nil {
		logger.Warn("rejecting stream", "error", err)
		QErrProtocolViolation.Close(conn, "invalid preamble")
		return
	}
	stream.SetReadDeadline(time.Time{})

	select {
	case l.streams <- &quicStream{Stream: stream, conn: conn}:
	case <-l.closeCh:
		QErrShutdown.Close(conn, "we are shutting down! bye!")
	}
}

func readPreamble(r io.Reader) error {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("%w: no preamble: %w", ErrProtocolViolation, err)
	}
	if buf[0] != preamble {
		return fmt.Errorf("%w: invalid preamble %#x", ErrProtocolViolation, buf[0])
	}
	return nil
}

func (l *quicListener) Accept(ctx context.Context) (Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, ErrShutdown
	case s := <-l.streams:
		return s, nil
	}
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *quicListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closeCh)
		l.cancel()
		err = l.ln.Close()
		l.wg.Wait()
	})
	return err
}

// quicStream ties the stream lifetime to its connection.
type quicStream struct {
	quic.Stream
	conn quic.Connection
}

func (s *quicStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *quicStream) Close() error {
	s.Stream.CancelRead(quic.StreamErrorCode(QErrShutdown.Code))
	err := s.Stream.Close()
	QErrShutdown.Close(s.conn, "stream closed")
	return err
}
