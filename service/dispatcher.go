package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/solcopilot/autopilot/internal/chain"
	"github.com/solcopilot/autopilot/internal/jupiter"
	"github.com/solcopilot/autopilot/internal/ledger"
	"github.com/solcopilot/autopilot/internal/notify"
	"github.com/solcopilot/autopilot/internal/registry"
	"github.com/solcopilot/autopilot/internal/signer"
	"github.com/solcopilot/autopilot/internal/types"
	"github.com/solcopilot/autopilot/internal/vault"
)

// QuoteProvider prices a swap before execution and turns a quote into an
// unsigned transaction for the interactive path.
type QuoteProvider interface {
	GetQuote(ctx context.Context, sourceMint, destMint string, amount uint64, slippageBps int) (*jupiter.Quote, error)
	BuildSwapTransaction(ctx context.Context, wallet string, quote *jupiter.Quote) (*jupiter.SwapTransaction, error)
}

// ChainClient submits and confirms transactions and reads account state.
type ChainClient interface {
	SubmitTransaction(ctx context.Context, signedTx string) (string, error)
	ConfirmTransaction(ctx context.Context, signature string) (chain.Outcome, error)
	GetAccountInfo(ctx context.Context, address string) ([]byte, error)
	GetBalance(ctx context.Context, address string) (uint64, error)
	GetLatestBlockhash(ctx context.Context) (string, error)
}

// SessionTransactionSigner signs with delegated session keys.
type SessionTransactionSigner interface {
	SignTransaction(ctx context.Context, keyID uuid.UUID, txBase64 string) (string, error)
}

// HumanSigner routes a transaction to the owner for interactive approval.
type HumanSigner interface {
	RequestSignature(ctx context.Context, req signer.ApprovalRequest) (string, error)
}

// ExecutionStore persists the per-cycle audit trail.
type ExecutionStore interface {
	CreateExecutionRecord(ctx context.Context, record types.ExecutionRecord) (uuid.UUID, error)
	UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status types.ExecutionStatus, txSignature, errorMessage string) error
}

// Dispatcher runs one execution cycle end to end: quote, encode, sign,
// submit, confirm, and reconcile the registry and ledger with the outcome.
type Dispatcher struct {
	registry   *registry.Registry
	ledger     *ledger.Ledger
	quotes     QuoteProvider
	chain      ChainClient
	sessions   SessionTransactionSigner
	human      HumanSigner
	executions ExecutionStore
	notifier   *notify.Notifier
	logger     logrus.FieldLogger
}

func NewDispatcher(
	reg *registry.Registry,
	led *ledger.Ledger,
	quotes QuoteProvider,
	chainClient ChainClient,
	sessions SessionTransactionSigner,
	human HumanSigner,
	executions ExecutionStore,
	notifier *notify.Notifier,
	logger logrus.FieldLogger,
) *Dispatcher {
	return &Dispatcher{
		registry:   reg,
		ledger:     led,
		quotes:     quotes,
		chain:      chainClient,
		sessions:   sessions,
		human:      human,
		executions: executions,
		notifier:   notifier,
		logger:     logger.WithField("service", "dispatcher"),
	}
}

// Execute runs one cycle of the automation named by the trigger. It returns
// an error only for failures worth surfacing to the queue; state conflicts
// and policy rejections are absorbed here because retrying cannot fix them.
func (d *Dispatcher) Execute(ctx context.Context, trigger types.ExecutionTrigger) error {
	now := time.Now()
	log := d.logger.WithField("automation_id", trigger.AutomationID)

	a, err := d.registry.Get(ctx, trigger.AutomationID)
	if err != nil {
		return fmt.Errorf("failed to load automation: %w", err)
	}
	// The automation may have been paused or cancelled after the scheduler
	// selected it. The registry's current state wins; the stale dispatch is
	// dropped without any spend.
	if a.Status != types.StatusActive {
		log.WithField("status", a.Status).Info("automation no longer active, dropping dispatch")
		return nil
	}

	approval := signer.HumanApproval()
	if trigger.SessionKeyID != uuid.Nil {
		approval = signer.SessionKeyApproval(trigger.SessionKeyID)
	}

	quote, err := d.quotes.GetQuote(ctx, a.SourceMint, a.DestMint, a.AmountPerCycle, a.MaxSlippageBps)
	if err != nil {
		log.WithError(err).Warn("quote failed, cycle skipped")
		d.notifyFailure(ctx, a, fmt.Sprintf("could not price the swap: %v", err))
		return nil
	}

	var reservation *ledger.Reservation
	if approval.Mode == signer.ModeSessionKey {
		reservation, err = d.ledger.Authorize(ctx, approval.SessionKeyID, vault.DCAVaultProgramID, a.AmountPerCycle, now)
		if err != nil {
			// Policy rejections are final for this cycle. The automation is
			// untouched and will be re-evaluated on its next selection.
			log.WithError(err).Info("session key authorization rejected")
			d.notifyFailure(ctx, a, fmt.Sprintf("session key rejected the spend: %v", err))
			return nil
		}
	}

	signedTx, err := d.signTransaction(ctx, a, quote, approval)
	if err != nil {
		d.releaseReservation(ctx, reservation, log)
		if errors.Is(err, signer.ErrUserRejected) || errors.Is(err, signer.ErrAwaitingUserApproval) {
			log.WithError(err).Info("owner did not approve the transaction")
			d.notifyFailure(ctx, a, fmt.Sprintf("approval not granted: %v", err))
			return nil
		}
		return fmt.Errorf("failed to sign transaction: %w", err)
	}

	recordID, err := d.executions.CreateExecutionRecord(ctx, types.ExecutionRecord{
		AutomationID: a.ID,
		ExecutedAt:   now,
		InputAmount:  a.AmountPerCycle,
		OutputAmount: quote.OutAmount,
		Status:       types.ExecutionPending,
	})
	if err != nil {
		d.releaseReservation(ctx, reservation, log)
		return fmt.Errorf("failed to create execution record: %w", err)
	}

	signature, err := d.chain.SubmitTransaction(ctx, signedTx)
	if err != nil {
		// The node rejected the submission outright; nothing reached the
		// chain, so the reservation is returned and the cycle is retried on
		// the existing schedule.
		d.releaseReservation(ctx, reservation, log)
		d.updateRecord(ctx, recordID, types.ExecutionFailed, "", err.Error(), log)
		log.WithError(err).Warn("submission rejected")
		d.notifyFailure(ctx, a, fmt.Sprintf("submission rejected: %v", err))
		return nil
	}

	outcome, confirmErr := d.chain.ConfirmTransaction(ctx, signature)
	switch outcome {
	case chain.OutcomeConfirmed:
		return d.settleConfirmed(ctx, a, reservation, recordID, signature, now, log)
	case chain.OutcomeFailed:
		return d.settleFailed(ctx, a, reservation, recordID, signature, now, log)
	default:
		return d.settleUnknown(ctx, a, reservation, recordID, signature, confirmErr, now, log)
	}
}

func (d *Dispatcher) signTransaction(ctx context.Context, a *types.Automation, quote *jupiter.Quote, approval signer.Approval) (string, error) {
	if approval.Mode == signer.ModeSessionKey {
		// The vault program performs the swap on-chain; the session key
		// signs an execute instruction carrying the quote's minimum output.
		data, err := vault.EncodeExecuteDCA(quote.MinOutAmount)
		if err != nil {
			return "", fmt.Errorf("failed to encode execute instruction: %w", err)
		}
		return d.sessions.SignTransaction(ctx, approval.SessionKeyID, base64.StdEncoding.EncodeToString(data))
	}

	// Interactive path: the aggregator assembles the swap transaction for
	// the owner's wallet, and the owner signs that.
	swapTx, err := d.quotes.BuildSwapTransaction(ctx, a.OwnerAddress, quote)
	if err != nil {
		return "", fmt.Errorf("failed to build swap transaction: %w", err)
	}
	req := signer.ApprovalRequest{
		ID:           uuid.New(),
		AutomationID: a.ID,
		OwnerAddress: a.OwnerAddress,
		Transaction:  swapTx.Transaction,
	}
	d.notifier.Notify(ctx, notify.Event{
		Kind:         notify.EventApprovalRequested,
		OwnerAddress: a.OwnerAddress,
		AutomationID: a.ID,
		Message:      fmt.Sprintf("approval %s awaiting your signature", req.ID),
	})
	return d.human.RequestSignature(ctx, req)
}

func (d *Dispatcher) settleConfirmed(ctx context.Context, a *types.Automation, reservation *ledger.Reservation, recordID uuid.UUID, signature string, now time.Time, log logrus.FieldLogger) error {
	if reservation != nil {
		if err := reservation.Commit(ctx); err != nil {
			log.WithError(err).Error("failed to commit reservation after confirmed execution")
		}
	}

	updated, err := d.registry.RecordExecution(ctx, a.ID, true, now, now)
	if err != nil {
		if errors.Is(err, registry.ErrStateConflict) {
			// A cancel or duplicate record won the race. The spend happened
			// and stays committed; the registry state is authoritative.
			log.WithError(err).Warn("execution record discarded by registry")
		} else {
			log.WithError(err).Error("failed to record execution")
		}
	}

	d.updateRecord(ctx, recordID, types.ExecutionSuccess, signature, "", log)
	log.WithField("signature", signature).Info("execution confirmed")

	message := "cycle executed"
	kind := notify.EventExecutionSucceeded
	if updated != nil && updated.Status == types.StatusCompleted {
		kind = notify.EventAutomationCompleted
		message = "automation completed all cycles"
	}
	d.notifier.Notify(ctx, notify.Event{
		Kind:         kind,
		OwnerAddress: a.OwnerAddress,
		AutomationID: a.ID,
		Message:      message,
	})
	return nil
}

func (d *Dispatcher) settleFailed(ctx context.Context, a *types.Automation, reservation *ledger.Reservation, recordID uuid.UUID, signature string, now time.Time, log logrus.FieldLogger) error {
	d.releaseReservation(ctx, reservation, log)

	if _, err := d.registry.RecordExecution(ctx, a.ID, false, now, now); err != nil && !errors.Is(err, registry.ErrStateConflict) {
		log.WithError(err).Error("failed to record failed execution")
	}

	d.updateRecord(ctx, recordID, types.ExecutionFailed, signature, "transaction failed on-chain", log)
	log.WithField("signature", signature).Warn("execution failed on-chain")
	d.notifyFailure(ctx, a, "transaction failed on-chain")
	return nil
}

// settleUnknown handles the ambiguous case: the poll budget ran out without
// a verdict. The reservation stays held and the automation is flagged; only
// an operator resolves it. Guessing either way could double-spend or
// strand funds.
func (d *Dispatcher) settleUnknown(ctx context.Context, a *types.Automation, reservation *ledger.Reservation, recordID uuid.UUID, signature string, confirmErr error, now time.Time, log logrus.FieldLogger) error {
	_ = reservation // intentionally left unsettled

	if err := d.registry.FlagForReconciliation(ctx, a.ID, now); err != nil {
		log.WithError(err).Error("failed to flag automation for reconciliation")
	}

	errMsg := "confirmation timed out"
	if confirmErr != nil {
		errMsg = confirmErr.Error()
	}
	d.updateRecord(ctx, recordID, types.ExecutionUnknown, signature, errMsg, log)

	log.WithField("signature", signature).Warn("execution outcome unknown, flagged for reconciliation")
	d.notifier.Notify(ctx, notify.Event{
		Kind:         notify.EventReconciliationFlagged,
		OwnerAddress: a.OwnerAddress,
		AutomationID: a.ID,
		Message:      "execution outcome could not be confirmed; manual reconciliation required",
	})
	return nil
}

func (d *Dispatcher) releaseReservation(ctx context.Context, reservation *ledger.Reservation, log logrus.FieldLogger) {
	if reservation == nil {
		return
	}
	if err := reservation.Release(ctx); err != nil {
		log.WithError(err).Error("failed to release reservation")
	}
}

func (d *Dispatcher) updateRecord(ctx context.Context, id uuid.UUID, status types.ExecutionStatus, signature, errMsg string, log logrus.FieldLogger) {
	if err := d.executions.UpdateExecutionStatus(ctx, id, status, signature, errMsg); err != nil {
		log.WithError(err).Error("failed to update execution record")
	}
}

func (d *Dispatcher) notifyFailure(ctx context.Context, a *types.Automation, message string) {
	d.notifier.Notify(ctx, notify.Event{
		Kind:         notify.EventExecutionFailed,
		OwnerAddress: a.OwnerAddress,
		AutomationID: a.ID,
		Message:      message,
	})
}
