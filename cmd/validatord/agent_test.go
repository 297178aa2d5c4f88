package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/orepool/internal/config"
	"github.com/bardlex/orepool/internal/coordinator"
	"github.com/bardlex/orepool/internal/hashes"
	"github.com/bardlex/orepool/internal/lifecycle"
	"github.com/bardlex/orepool/internal/protocol"
	"github.com/bardlex/orepool/internal/registry"
	"github.com/bardlex/orepool/internal/submission"
	"github.com/bardlex/orepool/internal/validation"
	"github.com/bardlex/orepool/pkg/log"
	"github.com/bardlex/orepool/pkg/poolclient"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	outcome  submission.Outcome
	err      error
	received []*hashes.Record
}

func (f *fakeSubmitter) Submit(_ context.Context, rec *hashes.Record) (submission.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, rec)
	return f.outcome, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

type result struct {
	hashID    string
	success   bool
	signature *string
	errMsg    *string
}

type fakeReporter struct {
	results []result
}

func (f *fakeReporter) SubmitValidationResult(hashID string, success bool, signature, errMsg *string) error {
	f.results = append(f.results, result{hashID, success, signature, errMsg})
	return nil
}

func strPtr(s string) *string { return &s }

func TestAgent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		outcome submission.Outcome
		err     error
		want    *result
	}{
		{
			name:    "confirmed",
			outcome: submission.Outcome{Confirmed: true, Signature: "sig1"},
			want:    &result{hashID: "h-1", success: true, signature: strPtr("sig1")},
		},
		{
			name:    "landed with error",
			outcome: submission.Outcome{Signature: "sig2", Reason: `{"InstructionError":[1,{"Custom":3}]}`},
			want:    &result{hashID: "h-1", signature: strPtr("sig2"), errMsg: strPtr(`{"InstructionError":[1,{"Custom":3}]}`)},
		},
		{
			name:    "rejected before sending",
			outcome: submission.Outcome{Reason: "no available bus found"},
			want:    &result{hashID: "h-1", errMsg: strPtr("no available bus found")},
		},
		{
			name: "already in flight",
			err:  submission.ErrInFlight,
		},
		{
			name: "below submission difficulty",
			err:  submission.ErrBelowMinDifficulty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{outcome: tt.outcome, err: tt.err}
			rep := &fakeReporter{}
			agent := NewAgent("V1", "ws://unused", sub, log.Nop())

			agent.validate(context.Background(), rep, &protocol.ValidateHash{
				HashID:       "h-1",
				Hash:         "X",
				Difficulty:   20,
				MinerAddress: "M1",
				Nonce:        strPtr("00ff"),
			})

			require.Len(t, sub.received, 1)
			rec := sub.received[0]
			assert.Equal(t, "h-1", rec.ID)
			assert.Equal(t, "M1", rec.MinerAddress)
			assert.Equal(t, "00ff", rec.NonceValue())
			assert.Equal(t, hashes.StatusPending, rec.Status)

			if tt.want == nil {
				assert.Empty(t, rep.results)
				return
			}
			require.Len(t, rep.results, 1)
			assert.Equal(t, *tt.want, rep.results[0])
		})
	}
}

func TestAgent_WorkSkipsAfterDone(t *testing.T) {
	sub := &fakeSubmitter{outcome: submission.Outcome{Confirmed: true, Signature: "s"}}
	rep := &fakeReporter{}
	agent := NewAgent("V1", "ws://unused", sub, log.Nop())

	done := make(chan struct{})
	close(done)
	jobs := make(chan *protocol.ValidateHash, 2)
	jobs <- &protocol.ValidateHash{HashID: "a"}
	jobs <- &protocol.ValidateHash{HashID: "b"}
	close(jobs)

	agent.work(context.Background(), rep, done, jobs)
	assert.Zero(t, sub.count())
	assert.Empty(t, rep.results)
}

func TestAgent_EnqueueNeverBlocks(t *testing.T) {
	agent := NewAgent("V1", "ws://unused", &fakeSubmitter{}, log.Nop())
	jobs := make(chan *protocol.ValidateHash, 1)

	agent.enqueue(jobs, &protocol.ValidateHash{HashID: "a"})
	agent.enqueue(jobs, &protocol.ValidateHash{HashID: "b"})

	assert.Len(t, jobs, 1)
	assert.Equal(t, "a", (<-jobs).HashID)
}

// TestAgent_EndToEnd runs the agent against a live coordination server
func TestAgent_EndToEnd(t *testing.T) {
	store := hashes.NewMemoryStore()
	reg := registry.New("V1")
	lc := lifecycle.NewManager(store, reg, validation.NewSubmissionValidator(0), log.Nop())
	server := coordinator.NewServer(coordinator.ServerConfig{
		Address:        "127.0.0.1:0",
		Transport:      config.TransportWebSocket,
		ReadTimeout:    time.Minute,
		WriteTimeout:   5 * time.Second,
		MaxMessageSize: 64 * 1024,
	}, coordinator.NewHandler(reg, lc, log.Nop()), log.Nop())
	require.NoError(t, server.EnsureStarted(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, server.Shutdown(ctx))
	})
	url := "ws://" + server.Addr().String() + "/"

	sub := &fakeSubmitter{outcome: submission.Outcome{Confirmed: true, Signature: "chain-sig"}}
	agent := NewAgent("V1", url, sub, log.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	agentDone := make(chan error, 1)
	go func() { agentDone <- agent.Run(ctx) }()
	require.Eventually(t, agent.Connected, 5*time.Second, 10*time.Millisecond)

	outcomes := make(chan *protocol.HashOutcome, 1)
	miner, err := poolclient.Dial(ctx, url, poolclient.Handlers{
		OnOutcome: func(m *protocol.HashOutcome) { outcomes <- m },
	}, log.Nop())
	require.NoError(t, err)
	minerDone := make(chan error, 1)
	go func() { minerDone <- miner.Run(ctx) }()

	require.NoError(t, miner.Register("M1"))
	require.NoError(t, miner.SubmitHash("M1", "X", 20, strPtr("00ff")))

	var outcome *protocol.HashOutcome
	select {
	case outcome = <-outcomes:
	case <-ctx.Done():
		t.Fatal("no outcome delivered to the miner")
	}
	assert.True(t, outcome.Confirmed())
	require.NotNil(t, outcome.Signature)
	assert.Equal(t, "chain-sig", *outcome.Signature)

	rec, err := store.FindByID(context.Background(), outcome.HashID)
	require.NoError(t, err)
	assert.Equal(t, hashes.StatusConfirmed, rec.Status)
	assert.Equal(t, 1, sub.count())

	cancel()
	assert.NoError(t, <-agentDone)
	assert.NoError(t, <-minerDone)
	assert.False(t, agent.Connected())
}
