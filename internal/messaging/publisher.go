package messaging

import (
	"context"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/bardlex/orepool/internal/hashes"
	"github.com/bardlex/orepool/internal/submission"
	"github.com/bardlex/orepool/pkg/log"
)

// Publisher sends one message to a topic
type Publisher interface {
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
}

type outbound struct {
	topic string
	key   string
	msg   proto.Message
}

// EventPublisher turns lifecycle callbacks into Kafka events. Callbacks only
// enqueue; Run does the publishing, and events are dropped when the queue is
// full so a slow broker never stalls the pool.
type EventPublisher struct {
	publisher Publisher
	queue     chan outbound
	logger    *log.Logger
	now       func() time.Time

	mu      sync.Mutex
	dropped int
}

// NewEventPublisher creates a publisher buffering up to size events
func NewEventPublisher(p Publisher, size int, logger *log.Logger) *EventPublisher {
	return &EventPublisher{
		publisher: p,
		queue:     make(chan outbound, size),
		logger:    logger.WithComponent("event_publisher"),
		now:       time.Now,
	}
}

// HashSubmitted publishes to TopicHashSubmitted
func (e *EventPublisher) HashSubmitted(_ context.Context, rec *hashes.Record, forwarded bool) {
	e.enqueueHash(TopicHashSubmitted, NewHashEvent(EventHashSubmitted, rec, forwarded))
}

// HashResolved publishes to TopicHashResolved
func (e *EventPublisher) HashResolved(_ context.Context, rec *hashes.Record) {
	e.enqueueHash(TopicHashResolved, NewHashEvent(EventHashResolved, rec, false))
}

// CycleCompleted publishes to TopicBatchCycles
func (e *EventPublisher) CycleCompleted(_ context.Context, report submission.CycleReport) {
	msg, err := NewCycleEvent(report, e.now()).Proto()
	if err != nil {
		e.logger.WithError(err).Error("failed to encode cycle event")
		return
	}
	e.enqueue(outbound{topic: TopicBatchCycles, key: EventBatchCycle, msg: msg})
}

func (e *EventPublisher) enqueueHash(topic string, event HashEvent) {
	msg, err := event.Proto()
	if err != nil {
		e.logger.WithError(err).Error("failed to encode hash event", "hash_id", event.HashID)
		return
	}
	e.enqueue(outbound{topic: topic, key: event.HashID, msg: msg})
}

func (e *EventPublisher) enqueue(o outbound) {
	select {
	case e.queue <- o:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		e.logger.Warn("event queue full, dropping event", "topic", o.topic, "key", o.key)
	}
}

// Dropped is the number of events discarded because the queue was full
func (e *EventPublisher) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Run publishes queued events until ctx ends, then drains what is left
// with a short grace period
func (e *EventPublisher) Run(ctx context.Context) {
	for {
		select {
		case o := <-e.queue:
			e.publish(ctx, o)
		case <-ctx.Done():
			e.drain()
			return
		}
	}
}

func (e *EventPublisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case o := <-e.queue:
			e.publish(ctx, o)
		default:
			return
		}
	}
}

func (e *EventPublisher) publish(ctx context.Context, o outbound) {
	if err := e.publisher.PublishProto(ctx, o.topic, o.key, o.msg); err != nil {
		e.logger.WithError(err).Warn("failed to publish event", "topic", o.topic, "key", o.key)
	}
}
