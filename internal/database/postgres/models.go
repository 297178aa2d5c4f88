package postgres

import (
	"github.com/bardlex/orepool/internal/hashes"
)

// hashColumns is the select list matching scanHash
const hashColumns = `id, hash, difficulty, miner_address, nonce, status, signature, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanHash reads one hashColumns row
func scanHash(row rowScanner) (*hashes.Record, error) {
	rec := &hashes.Record{}
	var status string
	err := row.Scan(
		&rec.ID, &rec.Hash, &rec.Difficulty, &rec.MinerAddress, &rec.Nonce,
		&status, &rec.Signature, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = hashes.Status(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}
