package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/orepool/internal/hashes"
	"github.com/bardlex/orepool/internal/messaging"
	"github.com/bardlex/orepool/pkg/log"
)

func event(t *testing.T, kind, miner string, status hashes.Status) *structpb.Struct {
	t.Helper()
	sig := "sig"
	s, err := messaging.NewHashEvent(kind, &hashes.Record{
		ID:           "h-" + miner,
		Hash:         "X",
		Difficulty:   20,
		MinerAddress: miner,
		Status:       status,
		Signature:    &sig,
		UpdatedAt:    time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC),
	}, true).Proto()
	require.NoError(t, err)
	return s
}

// feedConsumer hands its topic's events to the handler, then waits for ctx
type feedConsumer struct {
	mu     sync.Mutex
	events map[string][]*structpb.Struct
	topics []string
}

func (f *feedConsumer) StartConsumer(ctx context.Context, topic, _ string, msgFactory func() proto.Message, handler messaging.MessageHandler) error {
	f.mu.Lock()
	f.topics = append(f.topics, topic)
	events := f.events[topic]
	f.mu.Unlock()

	for _, e := range events {
		msg := msgFactory()
		proto.Merge(msg, e)
		if err := handler.HandleMessage(ctx, "key", msg); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestTally_HandleMessage(t *testing.T) {
	tally := NewTally(log.Nop())
	ctx := context.Background()

	require.NoError(t, tally.HandleMessage(ctx, "a", event(t, messaging.EventHashSubmitted, "M1", hashes.StatusPending)))
	require.NoError(t, tally.HandleMessage(ctx, "a", event(t, messaging.EventHashResolved, "M1", hashes.StatusConfirmed)))
	require.NoError(t, tally.HandleMessage(ctx, "b", event(t, messaging.EventHashSubmitted, "M2", hashes.StatusPending)))
	require.NoError(t, tally.HandleMessage(ctx, "b", event(t, messaging.EventHashResolved, "M2", hashes.StatusRejected)))

	assert.Equal(t, map[string]MinerTally{
		"M1": {Submitted: 1, Confirmed: 1},
		"M2": {Submitted: 1, Rejected: 1},
	}, tally.Snapshot())

	empty, err := structpb.NewStruct(map[string]any{"event": "batch_cycle"})
	require.NoError(t, err)
	assert.Error(t, tally.HandleMessage(ctx, "c", empty))
	assert.Error(t, tally.HandleMessage(ctx, "c", &structpb.Value{}))
}

func TestFollow(t *testing.T) {
	consumer := &feedConsumer{events: map[string][]*structpb.Struct{
		messaging.TopicHashSubmitted: {event(t, messaging.EventHashSubmitted, "M1", hashes.StatusPending)},
		messaging.TopicHashResolved:  {event(t, messaging.EventHashResolved, "M1", hashes.StatusConfirmed)},
	}}
	tally := NewTally(log.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Follow(ctx, consumer, "group", tally, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		return tally.Snapshot()["M1"] == MinerTally{Submitted: 1, Confirmed: 1}
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Follow did not return after cancel")
	}
	assert.ElementsMatch(t, []string{messaging.TopicHashSubmitted, messaging.TopicHashResolved}, consumer.topics)
}
