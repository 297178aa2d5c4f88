// Package messaging publishes and consumes orepool lifecycle events over
// Kafka. Payloads are protobuf Struct messages.
package messaging

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/orepool/pkg/circuit"
	"github.com/bardlex/orepool/pkg/errors"
	"github.com/bardlex/orepool/pkg/log"
	"github.com/bardlex/orepool/pkg/retry"
)

// contentType is stamped on every record so consumers outside orepool can
// tell how to decode the value.
const contentType = "application/x-protobuf; messageType=google.protobuf.Struct"

// handles lazily creates one Kafka handle per key and reuses it afterwards
type handles[T io.Closer] struct {
	mu    sync.RWMutex
	byKey map[string]T
}

func newHandles[T io.Closer]() *handles[T] {
	return &handles[T]{byKey: make(map[string]T)}
}

func (h *handles[T]) get(key string, create func() T) (T, bool) {
	h.mu.RLock()
	v, ok := h.byKey[key]
	h.mu.RUnlock()
	if ok {
		return v, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.byKey[key]; ok {
		return v, false
	}
	v = create()
	h.byKey[key] = v
	return v, true
}

func (h *handles[T]) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byKey)
}

// closeAll closes and forgets every handle, reporting failures through fail
func (h *handles[T]) closeAll(fail func(key string, err error)) []error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for key, v := range h.byKey {
		if err := v.Close(); err != nil {
			fail(key, err)
			errs = append(errs, err)
		}
	}
	h.byKey = make(map[string]T)
	return errs
}

// KafkaClient publishes and consumes protobuf events. Writers are cached per
// topic and readers per topic and consumer group.
type KafkaClient struct {
	brokers []string
	logger  *log.Logger
	writers *handles[*kafka.Writer]
	readers *handles[*kafka.Reader]
	breaker *circuit.Breaker
	retry   *retry.Config
}

// NewKafkaClient creates a client for brokers. No connection is made until
// the first publish or consume.
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	logger = logger.WithComponent("kafka")

	return &KafkaClient{
		brokers: brokers,
		logger:  logger,
		writers: newHandles[*kafka.Writer](),
		readers: newHandles[*kafka.Reader](),
		breaker: circuit.New(&circuit.Config{
			Name:            "kafka",
			MaxFailures:     5,
			SuccessRequired: 3,
			Timeout:         15 * time.Second,
			ResetTimeout:    time.Minute,
			OnStateChange: func(name string, from, to circuit.State) {
				logger.Warn("circuit breaker state changed",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		retry: retry.NetworkConfig(),
	}
}

// GetProducer returns the writer for topic. Messages are partitioned by key,
// which is the hash id for lifecycle events.
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	w, created := k.writers.get(topic, func() *kafka.Writer {
		return &kafka.Writer{
			Addr:                   kafka.TCP(k.brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchSize:              50,
			BatchTimeout:           5 * time.Millisecond,
			Compression:            kafka.Snappy,
			AllowAutoTopicCreation: true,
		}
	})
	if created {
		k.logger.Info("kafka writer ready", "topic", topic)
	}
	return w
}

// GetConsumer returns the reader for topic within groupID. New groups start
// at the newest offset; eventtail only cares about live traffic.
func (k *KafkaClient) GetConsumer(topic, groupID string) *kafka.Reader {
	r, created := k.readers.get(topic+"/"+groupID, func() *kafka.Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     k.brokers,
			Topic:       topic,
			GroupID:     groupID,
			StartOffset: kafka.LastOffset,
			MinBytes:    1,
			MaxBytes:    1 << 20,
			MaxWait:     500 * time.Millisecond,
		})
	})
	if created {
		k.logger.Info("kafka reader ready", "topic", topic, "group_id", groupID)
	}
	return r
}

// PublishProto writes msg to topic. key selects the partition, so events for
// one hash stay ordered.
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	value, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "encode_event",
			"event is not serializable").
			WithContext("topic", topic).
			WithContext("key", key)
	}

	record := kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: "content-type", Value: []byte(contentType)}},
	}

	return k.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retry, func() error {
			record.Time = time.Now()
			if err := k.GetProducer(topic).WriteMessages(ctx, record); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "write_event",
					"kafka rejected the event").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("bytes", len(value))
			}
			k.logger.Debug("event written", "topic", topic, "key", key, "bytes", len(value))
			return nil
		})
	})
}

// ConsumeProto blocks for the next record on reader and decodes it into msg,
// returning the record key
func (k *KafkaClient) ConsumeProto(ctx context.Context, reader *kafka.Reader, msg proto.Message) (string, error) {
	record, err := circuit.ExecuteWithResult(ctx, k.breaker, func() (kafka.Message, error) {
		return retry.DoWithResult(ctx, k.retry, func() (kafka.Message, error) {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				return kafka.Message{}, errors.Wrap(err, errors.ErrorTypeKafka, "read_event",
					"kafka read failed")
			}
			return m, nil
		})
	})
	if err != nil {
		return "", err
	}

	// a malformed payload is not retried: reading again would skip it anyway
	if err := proto.Unmarshal(record.Value, msg); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "decode_event",
			"event payload is not a protobuf message").
			WithContext("topic", record.Topic).
			WithContext("offset", record.Offset)
	}

	key := string(record.Key)
	k.logger.Debug("event read", "topic", record.Topic, "key", key, "offset", record.Offset)
	return key, nil
}

// MessageHandler receives decoded events from StartConsumer
type MessageHandler interface {
	HandleMessage(ctx context.Context, key string, msg proto.Message) error
}

// StartConsumer feeds every record on topic to handler until ctx ends.
// Read and handler failures are logged and the loop moves on.
func (k *KafkaClient) StartConsumer(ctx context.Context, topic, groupID string, msgFactory func() proto.Message, handler MessageHandler) error {
	reader := k.GetConsumer(topic, groupID)
	logger := k.logger.WithFields("topic", topic, "group_id", groupID)
	logger.Info("consuming")

	for ctx.Err() == nil {
		msg := msgFactory()
		key, err := k.ConsumeProto(ctx, reader, msg)
		if err != nil {
			if ctx.Err() == nil {
				logger.WithError(err).Error("skipping unreadable event")
			}
			continue
		}
		if err := handler.HandleMessage(ctx, key, msg); err != nil {
			logger.WithError(err).Error("event handler failed", "key", key)
		}
	}

	logger.Info("consumer stopped")
	return ctx.Err()
}

// Close shuts every writer and reader the client opened
func (k *KafkaClient) Close() error {
	errs := k.writers.closeAll(func(topic string, err error) {
		k.logger.WithError(err).Error("failed to close kafka writer", "topic", topic)
	})
	errs = append(errs, k.readers.closeAll(func(key string, err error) {
		k.logger.WithError(err).Error("failed to close kafka reader", "reader", key)
	})...)
	return errors.Join(errs...)
}
