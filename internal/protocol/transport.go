package protocol

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FrameConn is a connection that carries whole protocol frames.
// ReadFrame is called from a single goroutine, as is WriteFrame.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// pinger is implemented by transports with a keepalive frame.
type pinger interface {
	Ping() error
}

// lineConn frames messages as newline-terminated JSON over a stream socket.
type lineConn struct {
	conn      net.Conn
	scanner   *bufio.Scanner
	closeOnce sync.Once
	err       error
}

// NewLineConn wraps a stream connection. Frames longer than maxSize fail the read.
func NewLineConn(conn net.Conn, maxSize int) FrameConn {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, min(maxSize, 4096)), maxSize)
	return &lineConn{conn: conn, scanner: scanner}
}

func (c *lineConn) ReadFrame() ([]byte, error) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		return frame, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (c *lineConn) WriteFrame(data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := c.conn.Write(buf)
	return err
}

func (c *lineConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *lineConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *lineConn) RemoteAddr() string                 { return c.conn.RemoteAddr().String() }

func (c *lineConn) Close() error {
	c.closeOnce.Do(func() { c.err = c.conn.Close() })
	return c.err
}

// wsConn carries one protocol message per WebSocket text frame.
type wsConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	closeOnce   sync.Once
	err         error
}

// NewWebSocketConn wraps an upgraded WebSocket. A pong extends the read
// deadline by readTimeout.
func NewWebSocketConn(conn *websocket.Conn, maxSize int, readTimeout time.Duration) FrameConn {
	conn.SetReadLimit(int64(maxSize))
	c := &wsConn{conn: conn, readTimeout: readTimeout}
	conn.SetPongHandler(func(string) error {
		if c.readTimeout <= 0 {
			return nil
		}
		return conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	})
	return c
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch kind {
		case websocket.TextMessage, websocket.BinaryMessage:
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping() error {
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *wsConn) RemoteAddr() string                 { return c.conn.RemoteAddr().String() }

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.err = c.conn.Close()
	})
	return c.err
}

// IsClosedError reports whether err just means the peer went away.
func IsClosedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
