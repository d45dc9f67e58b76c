package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/solcopilot/autopilot/internal/ledger"
	"github.com/solcopilot/autopilot/internal/notify"
	"github.com/solcopilot/autopilot/internal/registry"
	"github.com/solcopilot/autopilot/internal/tasks"
	"github.com/solcopilot/autopilot/internal/types"
	"github.com/solcopilot/autopilot/internal/vault"
)

// defaultInFlightTTL is the fallback shield against re-dispatch when the
// caller does not supply one. The real bound is derived at wiring time from
// the approval timeout and the confirmation poll budget, because a cycle that
// waits on a human signature can run far longer than any fixed guess here.
const defaultInFlightTTL = 15 * time.Minute

// KeySource lists an owner's session keys for eligibility checks.
type KeySource interface {
	GetSessionKeysByOwner(ctx context.Context, owner string) ([]types.SessionKey, error)
}

// PriceFeed supplies current prices for trigger evaluation.
type PriceFeed interface {
	GetTokenPrice(ctx context.Context, token string) (decimal.Decimal, error)
}

// TaskEnqueuer is the slice of asynq.Client the scheduler uses.
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// SchedulerService sweeps for runnable automations on a fixed tick and hands
// them to the worker queue. It is cooperative: it only reads registry state
// and enqueues; all spending decisions happen in the dispatcher.
type SchedulerService struct {
	registry *registry.Registry
	keys     KeySource
	prices   PriceFeed
	client   TaskEnqueuer
	notifier *notify.Notifier
	logger   logrus.FieldLogger

	interval    time.Duration
	inFlightTTL time.Duration
	cron        *cron.Cron

	mu       sync.Mutex
	inFlight map[uuid.UUID]time.Time
}

// NewSchedulerService builds the sweep loop. inFlightTTL must outlive the
// slowest execution path the worker can take for one cycle (queue wait,
// human-approval wait, confirmation poll); a shorter value re-dispatches an
// automation whose previous cycle is still running.
func NewSchedulerService(
	reg *registry.Registry,
	keys KeySource,
	prices PriceFeed,
	client TaskEnqueuer,
	notifier *notify.Notifier,
	interval time.Duration,
	inFlightTTL time.Duration,
	logger logrus.FieldLogger,
) *SchedulerService {
	if inFlightTTL <= 0 {
		inFlightTTL = defaultInFlightTTL
	}
	return &SchedulerService{
		registry:    reg,
		keys:        keys,
		prices:      prices,
		client:      client,
		notifier:    notifier,
		logger:      logger.WithField("service", "scheduler"),
		interval:    interval,
		inFlightTTL: inFlightTTL,
		cron:        cron.New(),
		inFlight:    make(map[uuid.UUID]time.Time),
	}
}

func (s *SchedulerService) Start() error {
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		if err := s.Sweep(context.Background(), time.Now()); err != nil {
			s.logger.WithError(err).Error("sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	s.cron.Start()
	s.logger.WithField("interval", s.interval).Info("scheduler started")
	return nil
}

func (s *SchedulerService) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// Sweep selects runnable automations and enqueues one execution task each.
// Time-based automations are due when next_execution_at has passed;
// trigger-based ones when the current price satisfies their condition. A
// pause or cancel that lands before a sweep is simply never selected.
func (s *SchedulerService) Sweep(ctx context.Context, now time.Time) error {
	due, err := s.registry.Due(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to select due automations: %w", err)
	}

	triggered, err := s.selectTriggered(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("trigger selection failed, continuing with due automations")
	}
	due = append(due, triggered...)

	for i := range due {
		s.dispatch(ctx, &due[i], now)
	}
	return nil
}

func (s *SchedulerService) selectTriggered(ctx context.Context) ([]types.Automation, error) {
	candidates, err := s.registry.TriggerCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to select trigger candidates: %w", err)
	}

	var fired []types.Automation
	for _, a := range candidates {
		price, err := s.prices.GetTokenPrice(ctx, a.SourceMint)
		if err != nil {
			s.logger.WithError(err).WithField("automation_id", a.ID).Warn("failed to fetch trigger price")
			continue
		}
		if a.TriggerFired(price) {
			fired = append(fired, a)
		}
	}
	return fired, nil
}

func (s *SchedulerService) dispatch(ctx context.Context, a *types.Automation, now time.Time) {
	if !s.markInFlight(a.ID, now) {
		return
	}

	log := s.logger.WithFields(logrus.Fields{
		"automation_id": a.ID,
		"owner":         a.OwnerAddress,
	})

	keyID, err := s.pickSessionKey(ctx, a, now)
	if err != nil {
		// A policy rejection leaves the automation untouched; the owner is
		// told why nothing will execute until they fix the key.
		s.clearInFlight(a.ID)
		log.WithError(err).Info("no usable session key, skipping dispatch")
		s.notifier.Notify(ctx, notify.Event{
			Kind:         notify.EventExecutionFailed,
			OwnerAddress: a.OwnerAddress,
			AutomationID: a.ID,
			Message:      fmt.Sprintf("execution skipped: %v", err),
		})
		return
	}

	payload, err := json.Marshal(types.ExecutionTrigger{
		AutomationID: a.ID,
		SessionKeyID: keyID,
		DueAt:        now,
	})
	if err != nil {
		s.clearInFlight(a.ID)
		log.WithError(err).Error("failed to marshal execution trigger")
		return
	}

	_, err = s.client.Enqueue(
		asynq.NewTask(tasks.TypeExecuteAutomation, payload),
		asynq.Queue(tasks.QUEUE_NAME),
		asynq.MaxRetry(0),
		asynq.TaskID(fmt.Sprintf("exec:%s:%d", a.ID, now.Unix())),
	)
	if err != nil {
		s.clearInFlight(a.ID)
		log.WithError(err).Error("failed to enqueue execution task")
		return
	}
	log.Info("execution task enqueued")
}

// pickSessionKey returns the first of the owner's keys that passes the
// policy checks for this cycle, or uuid.Nil when the automation should fall
// back to interactive approval because the owner has no session keys at all.
func (s *SchedulerService) pickSessionKey(ctx context.Context, a *types.Automation, now time.Time) (uuid.UUID, error) {
	keys, err := s.keys.GetSessionKeysByOwner(ctx, a.OwnerAddress)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to list session keys: %w", err)
	}
	if len(keys) == 0 {
		return uuid.Nil, nil
	}

	var lastErr error
	for i := range keys {
		if err := ledger.Evaluate(&keys[i], vault.DCAVaultProgramID, a.AmountPerCycle, now); err != nil {
			lastErr = err
			continue
		}
		return keys[i].ID, nil
	}
	return uuid.Nil, fmt.Errorf("no session key authorizes this execution: %w", lastErr)
}

func (s *SchedulerService) markInFlight(id uuid.UUID, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if since, ok := s.inFlight[id]; ok && now.Sub(since) < s.inFlightTTL {
		return false
	}
	s.inFlight[id] = now
	return true
}

func (s *SchedulerService) clearInFlight(id uuid.UUID) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}
