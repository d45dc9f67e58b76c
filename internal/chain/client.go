package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

var (
	ErrSubmitFailed = errors.New("transaction submission failed")
	// ErrUnknownOutcome means the confirmation poll budget ran out without a
	// definitive verdict. The transaction may still land; callers must treat
	// this as ambiguous, never as a failure.
	ErrUnknownOutcome = errors.New("transaction outcome unknown")
)

// Outcome is the confirmation verdict for a submitted transaction.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	OutcomeUnknown   Outcome = "unknown"
)

// ConfirmTimeout is the confirmation poll budget. Callers sizing their own
// timeouts around an execution cycle should account for it.
const ConfirmTimeout = 90 * time.Second

const defaultPollInterval = 2 * time.Second

// Client is a JSON-RPC client for the Solana node the engine submits to.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	logger     logrus.FieldLogger
	reqID      atomic.Int64

	// Overridable for tests.
	confirmTimeout time.Duration
	pollInterval   time.Duration
}

func NewClient(rpcURL string, logger logrus.FieldLogger) *Client {
	return &Client{
		rpcURL:         rpcURL,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         logger.WithField("service", "chain"),
		confirmTimeout: ConfirmTimeout,
		pollInterval:   defaultPollInterval,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc call %s failed: %w", method, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rpc response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc call %s returned %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// SubmitTransaction broadcasts a signed, base64-encoded transaction and
// returns its signature.
func (c *Client) SubmitTransaction(ctx context.Context, signedTx string) (string, error) {
	result, err := c.call(ctx, "sendTransaction", signedTx, map[string]any{
		"encoding":            "base64",
		"preflightCommitment": "confirmed",
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}

	var signature string
	if err := json.Unmarshal(result, &signature); err != nil {
		return "", fmt.Errorf("invalid sendTransaction result: %w", err)
	}
	c.logger.WithField("signature", signature).Info("transaction submitted")
	return signature, nil
}

type signatureStatus struct {
	ConfirmationStatus string          `json:"confirmationStatus"`
	Err                json.RawMessage `json:"err"`
}

// ConfirmTransaction polls the node for the transaction's status until it is
// confirmed, fails on-chain, or the poll budget runs out. The budget is a
// hard bound; an exhausted poll returns OutcomeUnknown with
// ErrUnknownOutcome rather than guessing.
func (c *Client) ConfirmTransaction(ctx context.Context, signature string) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	backoff := retry.NewConstant(c.pollInterval)
	outcome := OutcomeUnknown

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		result, err := c.call(ctx, "getSignatureStatuses", []string{signature}, map[string]any{
			"searchTransactionHistory": true,
		})
		if err != nil {
			return retry.RetryableError(err)
		}

		var statuses struct {
			Value []*signatureStatus `json:"value"`
		}
		if err := json.Unmarshal(result, &statuses); err != nil {
			return fmt.Errorf("invalid getSignatureStatuses result: %w", err)
		}
		if len(statuses.Value) == 0 || statuses.Value[0] == nil {
			return retry.RetryableError(fmt.Errorf("signature %s not found yet", signature))
		}

		status := statuses.Value[0]
		if len(status.Err) > 0 && string(status.Err) != "null" {
			outcome = OutcomeFailed
			return nil
		}
		switch status.ConfirmationStatus {
		case "confirmed", "finalized":
			outcome = OutcomeConfirmed
			return nil
		default:
			return retry.RetryableError(fmt.Errorf("signature %s still processing", signature))
		}
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return OutcomeUnknown, fmt.Errorf("%w: %s", ErrUnknownOutcome, signature)
		}
		return OutcomeUnknown, err
	}
	return outcome, nil
}

// GetAccountInfo returns the base64-decoded data of an on-chain account, or
// nil when the account does not exist.
func (c *Client) GetAccountInfo(ctx context.Context, address string) ([]byte, error) {
	result, err := c.call(ctx, "getAccountInfo", address, map[string]any{
		"encoding": "base64",
	})
	if err != nil {
		return nil, err
	}

	var info struct {
		Value *struct {
			Data []string `json:"data"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("invalid getAccountInfo result: %w", err)
	}
	if info.Value == nil || len(info.Value.Data) == 0 {
		return nil, nil
	}
	return decodeBase64(info.Value.Data[0])
}

// GetBalance returns the lamport balance of an address.
func (c *Client) GetBalance(ctx context.Context, address string) (uint64, error) {
	result, err := c.call(ctx, "getBalance", address)
	if err != nil {
		return 0, err
	}

	var balance struct {
		Value uint64 `json:"value"`
	}
	if err := json.Unmarshal(result, &balance); err != nil {
		return 0, fmt.Errorf("invalid getBalance result: %w", err)
	}
	return balance.Value, nil
}

// GetLatestBlockhash returns the node's most recent blockhash.
func (c *Client) GetLatestBlockhash(ctx context.Context) (string, error) {
	result, err := c.call(ctx, "getLatestBlockhash", map[string]any{
		"commitment": "confirmed",
	})
	if err != nil {
		return "", err
	}

	var blockhash struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &blockhash); err != nil {
		return "", fmt.Errorf("invalid getLatestBlockhash result: %w", err)
	}
	return blockhash.Value.Blockhash, nil
}
