// Package poolclient is a WebSocket client for the pool protocol, usable by
// miners and by the validator.
package poolclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bardlex/orepool/internal/protocol"
	"github.com/bardlex/orepool/pkg/log"
)

// Handlers receive server messages. They run on the read goroutine in
// arrival order; nil handlers are skipped.
type Handlers struct {
	OnRegistered   func(isValidator bool)
	OnValidateHash func(msg *protocol.ValidateHash)
	OnOutcome      func(msg *protocol.HashOutcome)
	OnError        func(message string)
}

// Client is one pool connection
type Client struct {
	conn         *websocket.Conn
	handlers     Handlers
	logger       *log.Logger
	writeTimeout time.Duration

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the pool at url (ws:// or wss://)
func Dial(ctx context.Context, url string, handlers Handlers, logger *log.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial pool %s: %w", url, err)
	}

	return &Client{
		conn:         conn,
		handlers:     handlers,
		logger:       logger.WithComponent("poolclient"),
		writeTimeout: 10 * time.Second,
		done:         make(chan struct{}),
	}, nil
}

// Register announces address to the pool
func (c *Client) Register(address string) error {
	return c.send(&protocol.Register{Address: address})
}

// SubmitHash submits a hash on behalf of minerAddress
func (c *Client) SubmitHash(minerAddress, hash string, difficulty int64, nonce *string) error {
	return c.send(&protocol.SubmitHash{
		MinerAddress: minerAddress,
		Hash:         hash,
		Difficulty:   difficulty,
		Nonce:        nonce,
	})
}

// SubmitValidationResult reports the verdict on a forwarded hash
func (c *Client) SubmitValidationResult(hashID string, success bool, signature, errMsg *string) error {
	return c.send(&protocol.ValidationResult{
		HashID:    hashID,
		Success:   success,
		Signature: signature,
		Error:     errMsg,
	})
}

func (c *Client) send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.MessageType(), err)
	}
	return nil
}

// Run reads server messages until the connection closes or ctx ends
func (c *Client) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if protocol.IsClosedError(err) {
				return nil
			}
			return fmt.Errorf("failed to read from pool: %w", err)
		}

		msg, err := protocol.DecodeOutbound(data)
		if err != nil {
			c.logger.WithError(err).Warn("ignoring undecodable message")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Registered:
		if c.handlers.OnRegistered != nil {
			c.handlers.OnRegistered(m.IsValidator)
		}
	case *protocol.ValidateHash:
		if c.handlers.OnValidateHash != nil {
			c.handlers.OnValidateHash(m)
		}
	case *protocol.HashOutcome:
		if c.handlers.OnOutcome != nil {
			c.handlers.OnOutcome(m)
		}
	case *protocol.ErrorReply:
		if c.handlers.OnError != nil {
			c.handlers.OnError(m.Message)
		}
	}
}

// Done is closed once Close has been called
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and closes the connection
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
