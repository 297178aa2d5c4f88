package submission

import (
	"context"
	"fmt"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/orepool/pkg/log"
)

// ZMQTrigger fires on messages published to a ZeroMQ topic, such as a slot
// or block notifier.
type ZMQTrigger struct {
	socket   *zmq.Socket
	endpoint string
	topic    string
	logger   *log.Logger
}

// NewZMQTrigger creates a SUB socket connected to endpoint and subscribed to topic
func NewZMQTrigger(endpoint, topic string, logger *log.Logger) (*ZMQTrigger, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	if err := socket.SetRcvtimeo(500 * time.Millisecond); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set ZMQ receive timeout: %w", err)
	}
	if err := socket.SetSubscribe(topic); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", endpoint, err)
	}

	logger = logger.WithComponent("zmq_trigger")
	logger.Info("connected to ZMQ endpoint", "endpoint", endpoint, "topic", topic)

	return &ZMQTrigger{
		socket:   socket,
		endpoint: endpoint,
		topic:    topic,
		logger:   logger,
	}, nil
}

// Listen calls fire for every message until ctx ends. It owns the socket and
// closes it on return.
func (z *ZMQTrigger) Listen(ctx context.Context, fire func()) error {
	defer func() {
		if err := z.socket.Close(); err != nil {
			z.logger.WithError(err).Warn("failed to close ZMQ socket")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			z.logger.WithError(err).Error("failed to receive ZMQ message")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if len(msg) == 0 {
			continue
		}

		z.logger.Debug("received ZMQ notification", "topic", string(msg[0]), "parts", len(msg))
		fire()
	}
}
