// Package hashes defines the hash submission record, its status machine and
// the storage contract used by the coordinator and the submission pipeline.
package hashes

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a submitted hash
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusRejected  Status = "REJECTED"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusRejected:
		return true
	default:
		return false
	}
}

// Final reports whether no further transition is allowed from s
func (s Status) Final() bool {
	return s == StatusConfirmed || s == StatusRejected
}

// NoValidatorNote is stored on a PENDING record when no validator is connected.
const NoValidatorNote = "No validator available"

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("hash record not found")
	// ErrFinalized is returned when updating a record that already left PENDING.
	ErrFinalized = errors.New("hash record already finalized")
	// ErrInvalidTransition is returned for updates to an unknown status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Record is one submitted proof-of-work candidate
type Record struct {
	ID           string    `json:"id"`
	Hash         string    `json:"hash"`
	Difficulty   int64     `json:"difficulty"`
	MinerAddress string    `json:"minerAddress"`
	Nonce        *string   `json:"nonce"`
	Status       Status    `json:"status"`
	Signature    *string   `json:"signature"`
	Error        *string   `json:"error"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// NonceValue returns the nonce or "" when absent
func (r *Record) NonceValue() string {
	if r.Nonce == nil {
		return ""
	}
	return *r.Nonce
}

// SignatureValue returns the signature or "" when absent
func (r *Record) SignatureValue() string {
	if r.Signature == nil {
		return ""
	}
	return *r.Signature
}

// ErrorValue returns the error annotation or "" when absent
func (r *Record) ErrorValue() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// NewSubmission is the input for Store.Create
type NewSubmission struct {
	Hash         string
	Difficulty   int64
	MinerAddress string
	Nonce        *string
}

// Update describes a status change or annotation. Nil pointers leave the
// stored field untouched, except that a CONFIRMED update always clears Error.
type Update struct {
	Status    Status
	Signature *string
	Error     *string
}

// Confirmed builds the update for a successful submission
func Confirmed(signature string) Update {
	return Update{Status: StatusConfirmed, Signature: &signature}
}

// Rejected builds the update for a failed submission. signature is set only
// when a transaction was actually sent.
func Rejected(reason string, signature string) Update {
	u := Update{Status: StatusRejected, Error: &reason}
	if signature != "" {
		u.Signature = &signature
	}
	return u
}

// Annotate builds a PENDING to PENDING update that only records a note
func Annotate(note string) Update {
	return Update{Status: StatusPending, Error: &note}
}

// ListFilter narrows Store.List
type ListFilter struct {
	Status Status
	Limit  int
}

// Store persists hash records. Implementations must make Update conditional
// on the record still being PENDING.
type Store interface {
	Create(ctx context.Context, sub NewSubmission) (*Record, error)
	Update(ctx context.Context, id string, u Update) (*Record, error)
	FindByID(ctx context.Context, id string) (*Record, error)
	// FindPending returns PENDING records with difficulty >= minDifficulty,
	// highest difficulty first, at most limit of them.
	FindPending(ctx context.Context, minDifficulty int64, limit int) ([]*Record, error)
	// List returns records ordered by difficulty descending.
	List(ctx context.Context, filter ListFilter) ([]*Record, error)
}

// CheckTransition validates moving a record from current with update u
func CheckTransition(current Status, u Update) error {
	if !u.Status.Valid() {
		return ErrInvalidTransition
	}
	if current.Final() {
		return ErrFinalized
	}
	return nil
}

// Apply mutates r according to u. Callers check the transition first.
func Apply(r *Record, u Update, now time.Time) {
	r.Status = u.Status
	if u.Signature != nil {
		sig := *u.Signature
		r.Signature = &sig
	}
	switch {
	case u.Status == StatusConfirmed:
		r.Error = nil
	case u.Error != nil:
		msg := *u.Error
		r.Error = &msg
	}
	r.UpdatedAt = now
}
