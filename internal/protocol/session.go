package protocol

import (
	"context"
	"errors"
	"sync"
	"time"

	poolerrors "github.com/bardlex/orepool/pkg/errors"
	"github.com/bardlex/orepool/pkg/log"
)

// outboundBuffer bounds queued frames per connection.
const outboundBuffer = 100

// ErrSessionClosed is returned by Send after Close.
var ErrSessionClosed = errors.New("session closed")

// ErrOutboundFull is returned by Send when the peer is not draining its queue.
var ErrOutboundFull = errors.New("outbound channel full")

// Handler processes decoded frames for a session. HandleMessage is called
// sequentially in arrival order; HandleClose exactly once after the read loop ends.
type Handler interface {
	HandleMessage(ctx context.Context, s *Session, msg Message) error
	HandleClose(s *Session)
}

// Session is one client connection
type Session struct {
	id     string
	conn   FrameConn
	logger *log.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	address string
}

// NewSession creates a session over conn. A zero readTimeout disables the
// read deadline.
func NewSession(id string, conn FrameConn, logger *log.Logger, readTimeout, writeTimeout time.Duration) *Session {
	s := &Session{
		id:           id,
		conn:         conn,
		logger:       logger.WithFields("session_id", id, "remote_addr", conn.RemoteAddr()),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		outbound:     make(chan []byte, outboundBuffer),
		done:         make(chan struct{}),
	}
	if _, ok := conn.(pinger); ok && readTimeout > 0 {
		s.pingInterval = readTimeout * 9 / 10
	}
	return s
}

// Run serves the session until the peer disconnects, Close is called or ctx
// ends. It returns after the writer has stopped and HandleClose has run.
func (s *Session) Run(ctx context.Context, handler Handler) error {
	s.logger.LogConnection("connected", s.conn.RemoteAddr())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx)
	}()

	err := s.readLoop(ctx, handler)
	s.Close()
	<-writerDone
	handler.HandleClose(s)

	if IsClosedError(err) {
		return nil
	}
	return err
}

func (s *Session) readLoop(ctx context.Context, handler Handler) error {
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
				return err
			}
		}

		frame, err := s.conn.ReadFrame()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if !IsClosedError(err) {
				s.logger.WithError(err).Warn("read failed")
			}
			return err
		}

		s.logger.LogProtocolMessage("received", frame)

		msg, err := DecodeInbound(frame)
		if err != nil {
			s.logger.WithError(err).Debug("failed to decode message")
			if sendErr := s.Send(NewError(poolerrors.UserMessage(err))); sendErr != nil {
				s.logger.WithError(sendErr).Warn("failed to send decode error")
			}
			continue
		}

		if err := handler.HandleMessage(ctx, s, msg); err != nil {
			s.logger.WithError(err).Warn("failed to handle message", "type", msg.MessageType())
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		if err := s.conn.Close(); err != nil && !IsClosedError(err) {
			s.logger.WithError(err).Debug("failed to close connection")
		}
	}()

	var ping <-chan time.Time
	if s.pingInterval > 0 {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ping:
			if err := s.write(func() error { return s.conn.(pinger).Ping() }); err != nil {
				s.logger.WithError(err).Debug("failed to send ping")
				s.Close()
				return
			}
		case data := <-s.outbound:
			if err := s.write(func() error { return s.conn.WriteFrame(data) }); err != nil {
				s.logger.WithError(err).Warn("failed to write message")
				s.Close()
				return
			}
			s.logger.LogProtocolMessage("sent", data)
		}
	}
}

func (s *Session) write(fn func() error) error {
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return fn()
}

// Send queues m for delivery without blocking
func (s *Session) Send(m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrOutboundFull
	}
}

// Close stops the session. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.logger.LogConnection("disconnected", s.conn.RemoteAddr())
	})
}

// Done is closed when the session stops
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr()
}

// Address returns the wallet address the session registered with, if any.
func (s *Session) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

// SetAddress records the registered wallet address and returns the previous one.
func (s *Session) SetAddress(address string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.address
	s.address = address
	return prev
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() *log.Logger {
	return s.logger
}
