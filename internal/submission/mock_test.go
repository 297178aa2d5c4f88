package submission

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bardlex/orepool/internal/chain"
)

// mockChain is an in-memory chain.Client
type mockChain struct {
	mu sync.Mutex

	accounts    map[string]bool
	lookupErrs   map[string]error
	blockhash   string
	sendErr     error
	confirmErr  error
	landedErr   json.RawMessage
	sent        []*chain.Transaction
	lookupCount  int
	confirmHook func()
}

func newMockChain(accounts ...string) *mockChain {
	m := &mockChain{
		accounts:  make(map[string]bool),
		lookupErrs: make(map[string]error),
		blockhash: chain.PublicKey{9, 9, 9}.String(),
	}
	for _, a := range accounts {
		m.accounts[a] = true
	}
	return m
}

var _ chain.Client = (*mockChain)(nil)

func (m *mockChain) AccountExists(_ context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookupCount++
	if err := m.lookupErrs[address]; err != nil {
		return false, err
	}
	return m.accounts[address], nil
}

func (m *mockChain) LatestBlockhash(context.Context) (string, error) {
	return m.blockhash, nil
}

func (m *mockChain) SendTransaction(_ context.Context, tx *chain.Transaction) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return "", m.sendErr
	}
	m.sent = append(m.sent, tx)
	return tx.Signature(), nil
}

func (m *mockChain) ConfirmTransaction(_ context.Context, signature string) (*chain.Confirmation, error) {
	if m.confirmHook != nil {
		m.confirmHook()
	}
	if m.confirmErr != nil {
		return nil, m.confirmErr
	}
	return &chain.Confirmation{Slot: 1, Status: chain.CommitmentConfirmed, Err: m.landedErr}, nil
}

func (m *mockChain) Close() {}

func (m *mockChain) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// key returns a deterministic account address
func key(b byte) string {
	var pk chain.PublicKey
	for i := range pk {
		pk[i] = b
	}
	return pk.String()
}

func testSigner() *chain.Keypair {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = 0x42
	}
	return chain.NewKeypair(ed25519.NewKeyFromSeed(seed))
}

type lookupError string

func (e lookupError) Error() string { return fmt.Sprintf("lookup failed: %s", string(e)) }
