package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	approvalRequestTTL = 10 * time.Minute
	approvalPollEvery  = time.Second
)

// ApprovalRequest is what the owner's wallet sees when asked to sign.
type ApprovalRequest struct {
	ID           uuid.UUID `json:"id"`
	AutomationID uuid.UUID `json:"automation_id"`
	OwnerAddress string    `json:"owner_address"`
	Transaction  string    `json:"transaction"`
	RequestedAt  time.Time `json:"requested_at"`
}

// ApprovalResponse is the owner's verdict, posted back by the wallet API.
type ApprovalResponse struct {
	Approved bool   `json:"approved"`
	SignedTx string `json:"signed_tx,omitempty"`
}

// HumanApprover hands a transaction to the owner's wallet and waits a
// bounded time for a signed copy back. Requests and responses move through
// redis so the wallet-facing API and the worker need no direct connection.
type HumanApprover struct {
	client  *redis.Client
	logger  logrus.FieldLogger
	timeout time.Duration
}

func NewHumanApprover(client *redis.Client, timeout time.Duration, logger logrus.FieldLogger) *HumanApprover {
	return &HumanApprover{
		client:  client,
		logger:  logger.WithField("service", "human_approver"),
		timeout: timeout,
	}
}

func approvalRequestKey(id uuid.UUID) string {
	return fmt.Sprintf("approval:request:%s", id)
}

func approvalResponseKey(id uuid.UUID) string {
	return fmt.Sprintf("approval:response:%s", id)
}

// RequestSignature publishes the request and polls for the owner's response
// until the approval window closes. A rejection is final; a timeout leaves
// the request pending and returns ErrAwaitingUserApproval.
func (h *HumanApprover) RequestSignature(ctx context.Context, req ApprovalRequest) (string, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	req.RequestedAt = time.Now()

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal approval request: %w", err)
	}
	if err := h.client.Set(ctx, approvalRequestKey(req.ID), payload, approvalRequestTTL).Err(); err != nil {
		return "", fmt.Errorf("failed to publish approval request: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"request_id":    req.ID,
		"automation_id": req.AutomationID,
	}).Info("waiting for user approval")

	deadline := time.Now().Add(h.timeout)
	ticker := time.NewTicker(approvalPollEvery)
	defer ticker.Stop()

	for {
		raw, err := h.client.Get(ctx, approvalResponseKey(req.ID)).Result()
		if err == nil {
			var resp ApprovalResponse
			if err := json.Unmarshal([]byte(raw), &resp); err != nil {
				return "", fmt.Errorf("invalid approval response: %w", err)
			}
			if !resp.Approved {
				return "", ErrUserRejected
			}
			return resp.SignedTx, nil
		}
		if !errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("failed to poll approval response: %w", err)
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("request %s: %w", req.ID, ErrAwaitingUserApproval)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Respond records the owner's verdict for a pending request.
func (h *HumanApprover) Respond(ctx context.Context, requestID uuid.UUID, resp ApprovalResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal approval response: %w", err)
	}
	if err := h.client.Set(ctx, approvalResponseKey(requestID), payload, approvalRequestTTL).Err(); err != nil {
		return fmt.Errorf("failed to store approval response: %w", err)
	}
	return nil
}

// PendingRequest returns a pending approval request, or nil when it has
// expired or never existed.
func (h *HumanApprover) PendingRequest(ctx context.Context, requestID uuid.UUID) (*ApprovalRequest, error) {
	raw, err := h.client.Get(ctx, approvalRequestKey(requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval request: %w", err)
	}
	var req ApprovalRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, fmt.Errorf("invalid approval request: %w", err)
	}
	return &req, nil
}
