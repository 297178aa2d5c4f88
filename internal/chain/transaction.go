package chain

import (
	"encoding/base64"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Transaction is a signed legacy transaction
type Transaction struct {
	*solana.Transaction
}

// NewTransaction compiles instructions into a transaction paid for and
// signed by payer. Instructions needing any other signer are refused.
func NewTransaction(payer *Keypair, recentBlockhash string, instructions ...solana.Instruction) (*Transaction, error) {
	if len(instructions) == 0 {
		return nil, fmt.Errorf("transaction needs at least one instruction")
	}
	blockhash, err := solana.HashFromBase58(recentBlockhash)
	if err != nil {
		return nil, fmt.Errorf("invalid recent blockhash %q: %w", recentBlockhash, err)
	}

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(payer.PublicKey()))
	if err != nil {
		return nil, fmt.Errorf("failed to compile transaction: %w", err)
	}
	if _, err := tx.Sign(payer.key); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return &Transaction{Transaction: tx}, nil
}

// Signature returns the base58 payer signature, which identifies the
// transaction on chain.
func (tx *Transaction) Signature() string {
	if tx == nil || tx.Transaction == nil || len(tx.Signatures) == 0 {
		return ""
	}
	return tx.Signatures[0].String()
}

// EncodeBase64 serializes tx for sendTransaction
func (tx *Transaction) EncodeBase64() (string, error) {
	if tx.Signature() == "" {
		return "", fmt.Errorf("transaction is not signed")
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
