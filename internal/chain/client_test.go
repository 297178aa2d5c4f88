package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/orepool/pkg/errors"
	"github.com/bardlex/orepool/pkg/log"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode answers JSON-RPC calls with canned results per method
type fakeNode struct {
	mu       sync.Mutex
	handlers map[string]func(params []json.RawMessage) (any, *rpcError)
	calls    map[string]int
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newFakeNode(t *testing.T) (*fakeNode, *RPCClient) {
	t.Helper()
	node := &fakeNode{
		handlers: make(map[string]func([]json.RawMessage) (any, *rpcError)),
		calls:    make(map[string]int),
	}
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	client, err := NewRPCClient(context.Background(), RPCConfig{
		URL:            srv.URL,
		ConfirmTimeout: 300 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	}, log.Nop())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return node, client
}

func (n *fakeNode) handle(method string, fn func(params []json.RawMessage) (any, *rpcError)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = fn
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.calls[req.Method]++
	fn := n.handlers[req.Method]
	n.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if fn == nil {
		resp["error"] = rpcError{Code: -32601, Message: "Method not found"}
	} else if result, rpcErr := fn(req.Params); rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func withContext(value any) map[string]any {
	return map[string]any{"context": map[string]any{"slot": 1}, "value": value}
}

func TestRPCClient_AccountExists(t *testing.T) {
	node, client := newFakeNode(t)
	node.handle("getAccountInfo", func(params []json.RawMessage) (any, *rpcError) {
		var addr string
		_ = json.Unmarshal(params[0], &addr)
		if addr == "BUS2" {
			return withContext(map[string]any{"lamports": 1, "owner": "ore", "data": []string{"", "base64"}}), nil
		}
		return withContext(nil), nil
	})

	exists, err := client.AccountExists(context.Background(), "BUS1")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = client.AccountExists(context.Background(), "BUS2")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRPCClient_LatestBlockhash(t *testing.T) {
	node, client := newFakeNode(t)
	node.handle("getLatestBlockhash", func([]json.RawMessage) (any, *rpcError) {
		return withContext(map[string]any{"blockhash": "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N", "lastValidBlockHeight": 100}), nil
	})

	hash, err := client.LatestBlockhash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N", hash)
}

func TestRPCClient_SendTransaction(t *testing.T) {
	node, client := newFakeNode(t)
	validator := testKeypair(t, 3)
	tx, err := BuildMineTransaction(testKey(1), validator, testKey(2), testKey(4), []byte{1, 2}, base58.Encode(bytes.Repeat([]byte{9}, 32)))
	require.NoError(t, err)

	var gotEncoded string
	node.handle("sendTransaction", func(params []json.RawMessage) (any, *rpcError) {
		_ = json.Unmarshal(params[0], &gotEncoded)
		return tx.Signature(), nil
	})

	sig, err := client.SendTransaction(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, tx.Signature(), sig)

	want, err := tx.EncodeBase64()
	require.NoError(t, err)
	assert.Equal(t, want, gotEncoded)
}

func TestRPCClient_SendTransactionPreflightFailure(t *testing.T) {
	node, client := newFakeNode(t)
	tx, err := BuildMineTransaction(testKey(1), testKeypair(t, 3), testKey(2), testKey(4), nil, base58.Encode(bytes.Repeat([]byte{9}, 32)))
	require.NoError(t, err)

	node.handle("sendTransaction", func([]json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: -32002, Message: "Transaction simulation failed: insufficient funds"}
	})

	_, err = client.SendTransaction(context.Background(), tx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeChain))
	assert.Contains(t, err.Error(), "insufficient funds")
	assert.Equal(t, 1, node.count("sendTransaction"), "chain errors are not retried")
}

func TestRPCClient_ConfirmTransaction(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []any
		wantFailed bool
		wantErr    bool
	}{
		{
			name:     "confirmed after processing",
			statuses: []any{nil, map[string]any{"slot": 5, "err": nil, "confirmationStatus": "processed"}, map[string]any{"slot": 5, "err": nil, "confirmationStatus": "confirmed"}},
		},
		{
			name:       "landed with error",
			statuses:   []any{map[string]any{"slot": 6, "err": map[string]any{"InstructionError": []any{1, "Custom"}}, "confirmationStatus": "processed"}},
			wantFailed: true,
		},
		{
			name:     "never lands",
			statuses: []any{nil},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, client := newFakeNode(t)
			var mu sync.Mutex
			call := 0
			node.handle("getSignatureStatuses", func([]json.RawMessage) (any, *rpcError) {
				mu.Lock()
				defer mu.Unlock()
				status := tt.statuses[min(call, len(tt.statuses)-1)]
				call++
				return withContext([]any{status}), nil
			})

			conf, err := client.ConfirmTransaction(context.Background(), "sig")
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFailed, conf.Failed())
			if tt.wantFailed {
				assert.JSONEq(t, `{"InstructionError":[1,"Custom"]}`, string(conf.Err))
			}
		})
	}
}

func TestIsTransportError(t *testing.T) {
	node, client := newFakeNode(t)
	node.handle("getLatestBlockhash", func([]json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: -32005, Message: "node is behind"}
	})

	_, err := client.LatestBlockhash(context.Background())
	require.Error(t, err)
	assert.False(t, isTransportError(err))
	assert.True(t, isTransportError(errors.New(errors.ErrorTypeNetwork, "dial", "connection refused")))
}
