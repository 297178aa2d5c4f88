package chain

import (
	"crypto/ed25519"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// PublicKey is an account address
type PublicKey = solana.PublicKey

// ParsePublicKey decodes a base58 account address
func ParsePublicKey(s string) (PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid account address %q: %w", s, err)
	}
	return pk, nil
}

// MustParsePublicKey is ParsePublicKey for constants; it panics on error.
func MustParsePublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// Keypair is the validator's signing key
type Keypair struct {
	private solana.PrivateKey
}

// NewKeypair wraps an ed25519 private key
func NewKeypair(priv ed25519.PrivateKey) *Keypair {
	return &Keypair{private: solana.PrivateKey(priv)}
}

// LoadKeypair reads a keygen file: a JSON array of 64 bytes, the 32-byte
// seed followed by the public key.
func LoadKeypair(path string) (*Keypair, error) {
	priv, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair file: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid keypair length %d, want %d", len(priv), ed25519.PrivateKeySize)
	}
	derived := ed25519.NewKeyFromSeed(priv[:ed25519.SeedSize]).Public().(ed25519.PublicKey)
	if !derived.Equal(ed25519.PublicKey(priv[ed25519.SeedSize:])) {
		return nil, fmt.Errorf("keypair public key does not match its seed")
	}
	return &Keypair{private: priv}, nil
}

// PublicKey returns the signer's address
func (k *Keypair) PublicKey() PublicKey {
	return k.private.PublicKey()
}

// key hands the private key to solana.Transaction.Sign for our own address
// only
func (k *Keypair) key(pk solana.PublicKey) *solana.PrivateKey {
	if pk.Equals(k.PublicKey()) {
		return &k.private
	}
	return nil
}
