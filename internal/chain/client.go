// Package chain talks to the blockchain: it reads accounts, sends signed
// mining transactions and waits for their confirmation over JSON-RPC 2.0.
package chain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/bardlex/orepool/pkg/circuit"
	"github.com/bardlex/orepool/pkg/errors"
	"github.com/bardlex/orepool/pkg/log"
	"github.com/bardlex/orepool/pkg/retry"
)

// Commitment levels accepted as confirmed
const (
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// Client is the subset of the chain RPC the pool needs.
type Client interface {
	// AccountExists reports whether address holds an account.
	AccountExists(ctx context.Context, address string) (bool, error)

	// LatestBlockhash returns a recent blockhash for transaction building.
	LatestBlockhash(ctx context.Context) (string, error)

	// SendTransaction submits a signed transaction and returns its signature.
	SendTransaction(ctx context.Context, tx *Transaction) (string, error)

	// ConfirmTransaction waits until the transaction reaches the confirmed
	// commitment or the confirmation timeout passes.
	ConfirmTransaction(ctx context.Context, signature string) (*Confirmation, error)

	// Close releases the underlying connection.
	Close()
}

// Confirmation is the landed status of a transaction
type Confirmation struct {
	Slot   uint64
	Status string
	// Err is the chain's JSON error for a failed transaction, nil on success.
	Err json.RawMessage
}

// Failed reports whether the transaction landed with an error
func (c *Confirmation) Failed() bool {
	return len(c.Err) > 0 && string(c.Err) != "null"
}

// RPCConfig configures RPCClient
type RPCConfig struct {
	URL            string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// RPCClient implements Client over JSON-RPC 2.0. Every call runs inside a
// circuit breaker and a retry loop; only transport failures trip the breaker.
type RPCClient struct {
	client         *rpc.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	confirmTimeout time.Duration
	pollInterval   time.Duration
	logger         *log.Logger
}

// NewRPCClient creates a client for the endpoint in cfg. HTTP endpoints are
// not contacted until the first call.
//
// Parameters:
//   - ctx: Context bounding the dial
//   - cfg: Endpoint URL and confirmation polling settings
//   - logger: Parent logger
//
// Returns:
//   - *RPCClient: Client ready for use
//   - error: Any error encountered while dialing
func NewRPCClient(ctx context.Context, cfg RPCConfig, logger *log.Logger) (*RPCClient, error) {
	client, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeChain, "rpc_client_creation",
			"failed to create chain RPC client").
			WithContext("url", cfg.URL)
	}

	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}

	logger = logger.WithComponent("chain")
	cbConfig := &circuit.Config{
		Name:            "chain_rpc",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
		IsFailure:       isTransportError,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &RPCClient{
		client:         client,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.RPCConfig(),
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
		logger:         logger,
	}, nil
}

var _ Client = (*RPCClient)(nil)

// isTransportError separates endpoint failures from errors the chain
// returned for a well-formed request.
func isTransportError(err error) bool {
	var rpcErr rpc.Error
	return !errors.As(err, &rpcErr)
}

// Close shuts down the RPC client.
func (c *RPCClient) Close() {
	c.client.Close()
}

type accountInfoResult struct {
	Value json.RawMessage `json:"value"`
}

// AccountExists reports whether address holds an account.
//
// Parameters:
//   - ctx: Context for request cancellation and timeout
//   - address: Base58 account address
//
// Returns:
//   - bool: True if the account exists
//   - error: Any error from the RPC endpoint
func (c *RPCClient) AccountExists(ctx context.Context, address string) (bool, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (bool, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (bool, error) {
			var result accountInfoResult
			err := c.client.CallContext(ctx, &result, "getAccountInfo", address,
				map[string]string{"encoding": "base64", "commitment": CommitmentConfirmed})
			if err != nil {
				return false, errors.Wrap(err, errors.ErrorTypeChain, "get_account_info",
					"failed to fetch account").
					WithContext("address", address)
			}
			return len(result.Value) > 0 && string(result.Value) != "null", nil
		})
	})
}

type blockhashResult struct {
	Value struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

// LatestBlockhash returns a recent blockhash.
//
// Parameters:
//   - ctx: Context for request cancellation and timeout
//
// Returns:
//   - string: Base58 blockhash
//   - error: Any error from the RPC endpoint
func (c *RPCClient) LatestBlockhash(ctx context.Context) (string, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (string, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (string, error) {
			var result blockhashResult
			err := c.client.CallContext(ctx, &result, "getLatestBlockhash",
				map[string]string{"commitment": CommitmentConfirmed})
			if err != nil {
				return "", errors.Wrap(err, errors.ErrorTypeChain, "get_latest_blockhash",
					"failed to fetch recent blockhash")
			}
			if result.Value.Blockhash == "" {
				return "", errors.New(errors.ErrorTypeChain, "get_latest_blockhash",
					"endpoint returned an empty blockhash")
			}
			return result.Value.Blockhash, nil
		})
	})
}

// SendTransaction submits a signed transaction.
//
// Parameters:
//   - ctx: Context for request cancellation and timeout
//   - tx: Signed transaction
//
// Returns:
//   - string: Base58 transaction signature
//   - error: Any error from the RPC endpoint, including preflight failures
func (c *RPCClient) SendTransaction(ctx context.Context, tx *Transaction) (string, error) {
	encoded, err := tx.EncodeBase64()
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "send_transaction",
			"transaction is not signed")
	}

	// resending the same signed bytes is idempotent, but keep it short
	sendConfig := &retry.Config{
		MaxAttempts: 2,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      false,
	}

	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (string, error) {
		return retry.DoWithResult(ctx, sendConfig, func() (string, error) {
			var signature string
			err := c.client.CallContext(ctx, &signature, "sendTransaction", encoded,
				map[string]string{"encoding": "base64", "preflightCommitment": CommitmentConfirmed})
			if err != nil {
				return "", errors.Wrap(err, errors.ErrorTypeChain, "send_transaction",
					"failed to send transaction").
					WithContext("signature", tx.Signature())
			}
			return signature, nil
		})
	})
}

type signatureStatus struct {
	Slot               uint64          `json:"slot"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

type signatureStatusesResult struct {
	Value []*signatureStatus `json:"value"`
}

// ConfirmTransaction polls the signature status until it reaches the
// confirmed commitment.
//
// Parameters:
//   - ctx: Context for request cancellation
//   - signature: Base58 transaction signature
//
// Returns:
//   - *Confirmation: Landed status; check Failed for on-chain errors
//   - error: Timeout or RPC error
func (c *RPCClient) ConfirmTransaction(ctx context.Context, signature string) (*Confirmation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.signatureStatus(ctx, signature)
		if err != nil && ctx.Err() == nil {
			return nil, err
		}
		if status != nil && (len(status.Err) > 0 && string(status.Err) != "null" ||
			status.ConfirmationStatus == CommitmentConfirmed ||
			status.ConfirmationStatus == CommitmentFinalized) {
			return &Confirmation{
				Slot:   status.Slot,
				Status: status.ConfirmationStatus,
				Err:    status.Err,
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.New(errors.ErrorTypeTimeout, "confirm_transaction",
				"transaction was not confirmed in time").
				WithContext("signature", signature).
				WithContext("timeout", c.confirmTimeout.String())
		case <-ticker.C:
		}
	}
}

func (c *RPCClient) signatureStatus(ctx context.Context, signature string) (*signatureStatus, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*signatureStatus, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*signatureStatus, error) {
			var result signatureStatusesResult
			err := c.client.CallContext(ctx, &result, "getSignatureStatuses", []string{signature},
				map[string]bool{"searchTransactionHistory": false})
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeChain, "get_signature_statuses",
					"failed to fetch signature status").
					WithContext("signature", signature)
			}
			if len(result.Value) == 0 {
				return nil, nil
			}
			return result.Value[0], nil
		})
	})
}
