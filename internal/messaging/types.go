package messaging

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/orepool/internal/hashes"
	"github.com/bardlex/orepool/internal/submission"
)

// Event kinds carried in the "event" field
const (
	EventHashSubmitted = "hash_submitted"
	EventHashResolved  = "hash_resolved"
	EventBatchCycle    = "batch_cycle"
)

// HashEvent is a hash lifecycle transition
type HashEvent struct {
	Event        string    `json:"event"`
	HashID       string    `json:"hash_id"`
	Hash         string    `json:"hash"`
	Difficulty   int64     `json:"difficulty"`
	MinerAddress string    `json:"miner_address"`
	Status       string    `json:"status"`
	Signature    string    `json:"signature,omitempty"`
	Error        string    `json:"error,omitempty"`
	Forwarded    bool      `json:"forwarded"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// NewHashEvent builds the event for rec
func NewHashEvent(event string, rec *hashes.Record, forwarded bool) HashEvent {
	return HashEvent{
		Event:        event,
		HashID:       rec.ID,
		Hash:         rec.Hash,
		Difficulty:   rec.Difficulty,
		MinerAddress: rec.MinerAddress,
		Status:       string(rec.Status),
		Signature:    rec.SignatureValue(),
		Error:        rec.ErrorValue(),
		Forwarded:    forwarded,
		OccurredAt:   rec.UpdatedAt,
	}
}

// Proto encodes the event as a protobuf Struct
func (e HashEvent) Proto() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"event":         e.Event,
		"hash_id":       e.HashID,
		"hash":          e.Hash,
		"difficulty":    float64(e.Difficulty),
		"miner_address": e.MinerAddress,
		"status":        e.Status,
		"signature":     e.Signature,
		"error":         e.Error,
		"forwarded":     e.Forwarded,
		"occurred_at":   e.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
}

// DecodeHashEvent reverses HashEvent.Proto
func DecodeHashEvent(s *structpb.Struct) (HashEvent, error) {
	f := s.GetFields()
	e := HashEvent{
		Event:        f["event"].GetStringValue(),
		HashID:       f["hash_id"].GetStringValue(),
		Hash:         f["hash"].GetStringValue(),
		Difficulty:   int64(f["difficulty"].GetNumberValue()),
		MinerAddress: f["miner_address"].GetStringValue(),
		Status:       f["status"].GetStringValue(),
		Signature:    f["signature"].GetStringValue(),
		Error:        f["error"].GetStringValue(),
		Forwarded:    f["forwarded"].GetBoolValue(),
	}
	if e.Event == "" || e.HashID == "" {
		return HashEvent{}, fmt.Errorf("not a hash event")
	}

	if ts := f["occurred_at"].GetStringValue(); ts != "" {
		at, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return HashEvent{}, fmt.Errorf("invalid occurred_at %q: %w", ts, err)
		}
		e.OccurredAt = at
	}
	return e, nil
}

// CycleEvent summarizes a finished batch cycle
type CycleEvent struct {
	Selected   int           `json:"selected"`
	Confirmed  int           `json:"confirmed"`
	Rejected   int           `json:"rejected"`
	Skipped    int           `json:"skipped"`
	Duration   time.Duration `json:"duration"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// NewCycleEvent builds the event for report
func NewCycleEvent(report submission.CycleReport, at time.Time) CycleEvent {
	return CycleEvent{
		Selected:   report.Selected,
		Confirmed:  report.Confirmed,
		Rejected:   report.Rejected,
		Skipped:    report.Skipped,
		Duration:   report.Duration,
		OccurredAt: at,
	}
}

// Proto encodes the event as a protobuf Struct
func (e CycleEvent) Proto() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"event":       EventBatchCycle,
		"selected":    e.Selected,
		"confirmed":   e.Confirmed,
		"rejected":    e.Rejected,
		"skipped":     e.Skipped,
		"duration_ms": float64(e.Duration.Milliseconds()),
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
}
