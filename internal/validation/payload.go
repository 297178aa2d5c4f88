package validation

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// Payload is the decoded proof carried by the mine instruction
type Payload struct {
	Hash  []byte
	Nonce []byte
}

// Bytes returns hash followed by nonce
func (p Payload) Bytes() []byte {
	out := make([]byte, 0, len(p.Hash)+len(p.Nonce))
	out = append(out, p.Hash...)
	return append(out, p.Nonce...)
}

// DecodePayload decodes a base58 hash and a hex nonce
func DecodePayload(hash string, nonce *string) (Payload, error) {
	if hash == "" {
		return Payload{}, fmt.Errorf("hash is empty")
	}
	hashBytes := base58.Decode(hash)
	if len(hashBytes) == 0 {
		return Payload{}, fmt.Errorf("invalid base58 hash %q", hash)
	}

	if nonce == nil || *nonce == "" {
		return Payload{}, fmt.Errorf("nonce is required")
	}
	nonceBytes, err := hex.DecodeString(*nonce)
	if err != nil {
		return Payload{}, fmt.Errorf("invalid hex nonce %q: %w", *nonce, err)
	}

	return Payload{Hash: hashBytes, Nonce: nonceBytes}, nil
}
