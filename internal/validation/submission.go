// Package validation checks hash submissions and decodes their on-chain payload.
package validation

import (
	"fmt"
	"strings"

	"github.com/bardlex/orepool/pkg/errors"
)

const (
	// maxFieldLength bounds addresses, hashes and nonces accepted from clients.
	maxFieldLength = 128
)

// Submission is a hash candidate as received from a miner
type Submission struct {
	MinerAddress string
	Hash         string
	Difficulty   int64
	Nonce        *string
}

// SubmissionValidator performs the checks applied before a submission is stored
type SubmissionValidator struct {
	maxDifficulty int64
}

// NewSubmissionValidator creates a validator. A maxDifficulty of zero
// disables the upper bound.
func NewSubmissionValidator(maxDifficulty int64) *SubmissionValidator {
	return &SubmissionValidator{maxDifficulty: maxDifficulty}
}

// Validate checks required fields and bounds. Payload encoding is not checked
// here: a malformed nonce is stored and rejected by the submission pipeline.
func (v *SubmissionValidator) Validate(sub *Submission) error {
	if err := v.validateBasicFields(sub); err != nil {
		return errors.New(errors.ErrorTypeValidation, "submit_hash", err.Error())
	}
	if err := v.validateDifficulty(sub.Difficulty); err != nil {
		return errors.New(errors.ErrorTypeValidation, "submit_hash", err.Error()).
			WithContext("difficulty", sub.Difficulty)
	}
	return nil
}

func (v *SubmissionValidator) validateBasicFields(sub *Submission) error {
	if strings.TrimSpace(sub.MinerAddress) == "" {
		return fmt.Errorf("minerAddress is required")
	}
	if strings.TrimSpace(sub.Hash) == "" {
		return fmt.Errorf("hash is required")
	}
	if len(sub.MinerAddress) > maxFieldLength {
		return fmt.Errorf("minerAddress is too long")
	}
	if len(sub.Hash) > maxFieldLength {
		return fmt.Errorf("hash is too long")
	}
	if sub.Nonce != nil && len(*sub.Nonce) > maxFieldLength {
		return fmt.Errorf("nonce is too long")
	}
	return nil
}

func (v *SubmissionValidator) validateDifficulty(difficulty int64) error {
	if difficulty < 0 {
		return fmt.Errorf("difficulty cannot be negative")
	}
	if v.maxDifficulty > 0 && difficulty > v.maxDifficulty {
		return fmt.Errorf("difficulty too high: %d > %d", difficulty, v.maxDifficulty)
	}
	return nil
}
