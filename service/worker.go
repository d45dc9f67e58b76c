package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/solcopilot/autopilot/internal/types"
)

// WorkerService consumes execution tasks from the queue and hands them to
// the dispatcher.
type WorkerService struct {
	dispatcher *Dispatcher
	sdClient   *statsd.Client
	logger     *logrus.Logger
}

func NewWorker(dispatcher *Dispatcher, sdClient *statsd.Client, logger *logrus.Logger) (*WorkerService, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	return &WorkerService{
		dispatcher: dispatcher,
		sdClient:   sdClient,
		logger:     logger,
	}, nil
}

func (s *WorkerService) incCounter(name string, tags []string) {
	if s.sdClient == nil {
		return
	}
	if err := s.sdClient.Count(name, 1, tags, 1); err != nil {
		s.logger.Errorf("fail to count metric, err: %v", err)
	}
}

func (s *WorkerService) measureTime(name string, start time.Time, tags []string) {
	if s.sdClient == nil {
		return
	}
	if err := s.sdClient.Timing(name, time.Since(start), tags, 1); err != nil {
		s.logger.Errorf("fail to measure time metric, err: %v", err)
	}
}

// HandleExecuteAutomation runs one automation cycle. Malformed payloads are
// never retried; execution errors bubble up so asynq applies the task's
// retry policy.
func (s *WorkerService) HandleExecuteAutomation(ctx context.Context, t *asynq.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.measureTime("worker.automation.execute.latency", time.Now(), []string{})

	var trigger types.ExecutionTrigger
	if err := json.Unmarshal(t.Payload(), &trigger); err != nil {
		s.logger.Errorf("json.Unmarshal failed: %v", err)
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	s.logger.WithFields(logrus.Fields{
		"automation_id":  trigger.AutomationID,
		"session_key_id": trigger.SessionKeyID,
		"due_at":         trigger.DueAt,
	}).Info("executing automation cycle")

	if err := s.dispatcher.Execute(ctx, trigger); err != nil {
		s.incCounter("worker.automation.execute.error", []string{})
		return fmt.Errorf("dispatcher.Execute failed: %w", err)
	}

	s.incCounter("worker.automation.execute.success", []string{})
	return nil
}
