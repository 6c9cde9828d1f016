package ctrader

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/bjoelf/ctrader-adapter/adapter/protocol"
)

// session is one live transport connection with frame-level read and write.
// Writes are serialized with a mutex so heartbeats and requests never
// interleave inside a frame. A session is never reused after close; the
// reconnect supervisor replaces it wholesale.
type session struct {
	conn        net.Conn
	readTimeout time.Duration

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// dialBroker opens the transport. With a custom Dial func the connection is
// used as-is; otherwise it is TLS to cfg.Host.
func dialBroker(cfg *Config) (*session, error) {
	var conn net.Conn
	var err error

	if cfg.Dial != nil {
		conn, err = cfg.Dial("tcp", cfg.Host, cfg.ConnectTimeout)
	} else {
		dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
		conn, err = tls.DialWithDialer(dialer, "tcp", cfg.Host, cfg.TLSConfig)
	}
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}

	return &session{
		conn:        conn,
		readTimeout: cfg.ReadTimeout,
		closed:      make(chan struct{}),
	}, nil
}

// writeEnvelope frames and sends one envelope.
func (s *session) writeEnvelope(env *protocol.Envelope) error {
	frame, err := protocol.EncodeFrame(env)
	if err != nil {
		return &ProtocolError{Detail: "encoding outbound frame", Err: err}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.Write(frame); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// errNoTraffic means the read window elapsed with no bytes at all. The
// broker may legitimately be silent between heartbeats, so this is not a
// session failure.
var errNoTraffic = errors.New("no traffic within read window")

// readEnvelope blocks until a complete frame arrives or the read timeout
// fires. A timeout before any byte of the frame comes back as errNoTraffic;
// a timeout mid-frame means the stream is desynced and is a hard error.
func (s *session) readEnvelope() (*protocol.Envelope, error) {
	return s.readEnvelopeWithin(s.readTimeout)
}

// readEnvelopeWithin is readEnvelope with an explicit read window, for
// callers whose own wait budget is shorter than the session's read timeout.
func (s *session) readEnvelopeWithin(window time.Duration) (*protocol.Envelope, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		return nil, &ConnectionError{Op: "deadline", Err: err}
	}

	var prefix [protocol.LengthPrefixSize]byte
	if n, err := io.ReadFull(s.conn, prefix[:]); err != nil {
		if n == 0 {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil, errNoTraffic
			}
		}
		return nil, readError(err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > protocol.MaxFrameSize {
		return nil, &ProtocolError{Detail: "inbound frame exceeds size limit", Err: protocol.ErrFrameTooLarge}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(s.conn, body); err != nil {
		return nil, readError(err)
	}

	env, err := protocol.UnmarshalEnvelope(body)
	if err != nil {
		return nil, &ProtocolError{Detail: "decoding inbound envelope", Err: err}
	}
	return env, nil
}

func readError(err error) error {
	return &ConnectionError{Op: "read", Err: err}
}

// close is idempotent; the reader loop and the public Disconnect both call
// it.
func (s *session) close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
