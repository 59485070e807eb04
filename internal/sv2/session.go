package sv2

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/ehashpool/pkg/log"
)

// Session errors
var (
	ErrSessionClosed = errors.New("sv2: session closed")
	ErrOutboundFull  = errors.New("sv2: outbound queue full")
)

const outboundQueueSize = 256

// FrameHandler processes inbound frames for a session
type FrameHandler interface {
	HandleFrame(ctx context.Context, s *Session, f Frame) error
}

// FrameHandlerFunc adapts a function to FrameHandler
type FrameHandlerFunc func(ctx context.Context, s *Session, f Frame) error

// HandleFrame calls fn
func (fn FrameHandlerFunc) HandleFrame(ctx context.Context, s *Session, f Frame) error {
	return fn(ctx, s, f)
}

// Session carries frames over one connection. Reads happen on the caller's
// goroutine, writes on a dedicated writer goroutine fed by Send.
type Session struct {
	id     string
	conn   net.Conn
	logger *log.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration
	maxPayload   atomic.Uint32

	outbound  chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession wraps conn. A zero readTimeout disables read deadlines.
func NewSession(id string, conn net.Conn, logger *log.Logger, readTimeout, writeTimeout time.Duration) *Session {
	s := &Session{
		id:           id,
		conn:         conn,
		logger:       logger.WithFields("session_id", id, "remote_addr", remoteAddr(conn)),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		outbound:     make(chan Frame, outboundQueueSize),
		done:         make(chan struct{}),
	}
	s.maxPayload.Store(MaxPayloadSize)
	return s
}

// SetMaxPayload bounds the payload length accepted on subsequent reads.
// A frame declaring more ends the session.
func (s *Session) SetMaxPayload(n uint32) {
	s.maxPayload.Store(n)
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

// Start runs the session until the peer disconnects, ctx is done or Close is called
func (s *Session) Start(ctx context.Context, handler FrameHandler) error {
	s.logger.LogConnection("connected", remoteAddr(s.conn))

	go s.writeLoop(ctx)

	return s.readLoop(ctx, handler)
}

func (s *Session) readLoop(ctx context.Context, handler FrameHandler) error {
	defer s.Close()

	// unblock a pending read when the context ends
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	reader := bufio.NewReader(s.conn)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		if s.readTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
				s.logger.WithError(err).Error("failed to set read deadline")
				return err
			}
		}

		frame, err := ReadFrameLimit(reader, s.maxPayload.Load())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-s.done:
				return nil
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.logger.Info("peer disconnected")
				return nil
			}
			s.logger.WithError(err).Error("frame read failed")
			return err
		}

		s.logger.LogFrame("received", frame.ExtensionType, frame.MsgType, len(frame.Payload))

		if err := handler.HandleFrame(ctx, s, frame); err != nil {
			s.logger.WithError(err).Error("failed to handle frame",
				"extension_type", frame.ExtensionType,
				"msg_type", frame.MsgType,
			)
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("failed to close connection", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case frame := <-s.outbound:
			if s.writeTimeout > 0 {
				if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
					s.logger.WithError(err).Error("failed to set write deadline")
					s.Close()
					return
				}
			}

			if err := WriteFrame(s.conn, frame); err != nil {
				s.logger.WithError(err).Error("failed to write frame")
				s.Close()
				return
			}

			s.logger.LogFrame("sent", frame.ExtensionType, frame.MsgType, len(frame.Payload))
		}
	}
}

// Send queues a frame for the writer goroutine without blocking
func (s *Session) Send(f Frame) error {
	if len(f.Payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbound <- f:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrOutboundFull
	}
}

// Close stops the session. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		// wake the reader; the writer closes the connection on its way out
		_ = s.conn.SetReadDeadline(time.Now())
		s.logger.LogConnection("disconnected", remoteAddr(s.conn))
	})
}

// Done is closed once the session stops
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the peer address
func (s *Session) RemoteAddr() string {
	return remoteAddr(s.conn)
}

// Logger returns the session-scoped logger
func (s *Session) Logger() *log.Logger {
	return s.logger
}
