package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/orepool/internal/hashes"
)

// HashRepository stores hash records in the hashes table
type HashRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewHashRepository creates a new hash repository
func NewHashRepository(db *sql.DB) *HashRepository {
	return &HashRepository{db: db, now: time.Now}
}

var _ hashes.Store = (*HashRepository)(nil)

// Create inserts a new PENDING record
func (r *HashRepository) Create(ctx context.Context, sub hashes.NewSubmission) (*hashes.Record, error) {
	query := `
		INSERT INTO hashes (id, hash, difficulty, miner_address, nonce, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING ` + hashColumns

	now := r.now().UTC()
	rec, err := scanHash(r.db.QueryRowContext(ctx, query,
		uuid.NewString(), sub.Hash, sub.Difficulty, sub.MinerAddress, sub.Nonce,
		string(hashes.StatusPending), now,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create hash: %w", err)
	}
	return rec, nil
}

// Update applies u only while the record is still PENDING. The condition is
// part of the UPDATE so concurrent writers cannot both finalize a record.
func (r *HashRepository) Update(ctx context.Context, id string, u hashes.Update) (*hashes.Record, error) {
	if !u.Status.Valid() {
		return nil, hashes.ErrInvalidTransition
	}

	query := `
		UPDATE hashes
		SET status     = $2::text,
		    signature  = COALESCE($3, signature),
		    error      = CASE WHEN $2::text = 'CONFIRMED' THEN NULL ELSE COALESCE($4, error) END,
		    updated_at = $5
		WHERE id = $1 AND status = 'PENDING'
		RETURNING ` + hashColumns

	rec, err := scanHash(r.db.QueryRowContext(ctx, query,
		id, string(u.Status), u.Signature, u.Error, r.now().UTC(),
	))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update hash: %w", err)
	}

	// nothing matched: tell a missing record from a finalized one
	if _, err := r.FindByID(ctx, id); err != nil {
		return nil, err
	}
	return nil, hashes.ErrFinalized
}

// FindByID retrieves a record by id
func (r *HashRepository) FindByID(ctx context.Context, id string) (*hashes.Record, error) {
	query := `SELECT ` + hashColumns + ` FROM hashes WHERE id = $1`

	rec, err := scanHash(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, hashes.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get hash: %w", err)
	}
	return rec, nil
}

// FindPending returns PENDING records at or above minDifficulty, highest
// difficulty first
func (r *HashRepository) FindPending(ctx context.Context, minDifficulty int64, limit int) ([]*hashes.Record, error) {
	query := `
		SELECT ` + hashColumns + `
		FROM hashes
		WHERE status = 'PENDING' AND difficulty >= $1
		ORDER BY difficulty DESC, created_at ASC
		LIMIT $2`

	return r.query(ctx, "find pending hashes", query, minDifficulty, limit)
}

// List returns records ordered by difficulty descending, optionally filtered
// by status. A zero Limit returns every record.
func (r *HashRepository) List(ctx context.Context, filter hashes.ListFilter) ([]*hashes.Record, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + hashColumns + ` FROM hashes`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY difficulty DESC, created_at ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	return r.query(ctx, "list hashes", query, args...)
}

func (r *HashRepository) query(ctx context.Context, op, query string, args ...any) ([]*hashes.Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*hashes.Record
	for rows.Next() {
		rec, err := scanHash(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan hash: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return out, nil
}
