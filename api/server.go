package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/solcopilot/autopilot/config"
	"github.com/solcopilot/autopilot/internal/signer"
	"github.com/solcopilot/autopilot/internal/tasks"
	"github.com/solcopilot/autopilot/internal/types"
	"github.com/solcopilot/autopilot/service"
	"github.com/solcopilot/autopilot/storage"
)

type Server struct {
	cfg         *config.Config
	db          storage.DatabaseStorage
	redis       *storage.RedisStorage
	client      *asynq.Client
	inspector   *asynq.Inspector
	sdClient    *statsd.Client
	automations service.Automation
	sessionKeys service.SessionKeys
	approver    *signer.HumanApprover
	logger      *logrus.Logger
}

// NewServer returns a new server.
func NewServer(
	cfg *config.Config,
	db storage.DatabaseStorage,
	redis *storage.RedisStorage,
	client *asynq.Client,
	inspector *asynq.Inspector,
	sdClient *statsd.Client,
	automations service.Automation,
	sessionKeys service.SessionKeys,
	approver *signer.HumanApprover,
	logger *logrus.Logger,
) *Server {
	return &Server{
		cfg:         cfg,
		db:          db,
		redis:       redis,
		client:      client,
		inspector:   inspector,
		sdClient:    sdClient,
		automations: automations,
		sessionKeys: sessionKeys,
		approver:    approver,
		logger:      logger,
	}
}

func (s *Server) StartServer() error {
	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("2M")) // set maximum allowed size for a request body to 2M
	e.Use(s.statsdMiddleware)
	e.Use(middleware.CORS())
	limiterStore := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{Rate: 5, Burst: 30, ExpiresIn: 5 * time.Minute},
	)
	e.Use(middleware.RateLimiter(limiterStore))

	e.Validator = &RequestValidator{Validator: validator.New()}

	e.GET("/ping", s.Ping)

	grp := e.Group("/automation")
	grp.POST("", s.CreateAutomation)
	grp.GET("", s.ListAutomations)
	grp.GET("/:id", s.GetAutomation)
	grp.POST("/:id/confirm", s.ConfirmDeployment)
	grp.POST("/:id/pause", s.PauseAutomation)
	grp.POST("/:id/resume", s.ResumeAutomation)
	grp.DELETE("/:id", s.CancelAutomation)
	grp.POST("/:id/deposit", s.BuildDeposit)
	grp.GET("/:id/history", s.GetExecutionHistory)
	grp.POST("/:id/execute", s.ExecuteAutomation)
	grp.GET("/execute/response/:taskId", s.GetExecutionResult)

	keyGroup := e.Group("/session-key")
	keyGroup.POST("", s.CreateSessionKey)
	keyGroup.GET("", s.ListSessionKeys)
	keyGroup.GET("/:id", s.GetSessionKey)
	keyGroup.DELETE("/:id", s.RevokeSessionKey)

	approvalGroup := e.Group("/approval")
	approvalGroup.GET("/:id", s.GetApprovalRequest)
	approvalGroup.POST("/:id", s.RespondToApproval)

	return e.Start(fmt.Sprintf(":%d", s.cfg.Server.Port))
}

func (s *Server) Ping(c echo.Context) error {
	return c.String(http.StatusOK, "Autopilot server is running")
}

func (s *Server) CreateAutomation(c echo.Context) error {
	var req types.AutomationCreateRequest
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("fail to parse request, err: %w", err)
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	defaults, err := s.cfg.KindDefaults(string(req.Kind))
	if err != nil {
		return fmt.Errorf("fail to load kind defaults, err: %w", err)
	}
	if req.MaxSlippageBps == 0 {
		req.MaxSlippageBps = defaults.MaxSlippageBps
	}
	if req.FrequencySeconds > 0 && req.FrequencySeconds < defaults.MinFrequencySeconds {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("frequency below the %ds minimum for %s", defaults.MinFrequencySeconds, req.Kind))
	}

	if err := s.sdClient.Count("automation.create", 1, nil, 1); err != nil {
		s.logger.Errorf("fail to count metric, err: %v", err)
	}

	a, instruction, err := s.automations.CreateAutomation(c.Request().Context(), req)
	if err != nil {
		return fmt.Errorf("fail to create automation, err: %w", err)
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"automation":             a,
		"deployment_instruction": instruction,
	})
}

// ConfirmDeployment verifies the owner-signed vault transaction and moves the
// automation from pending_deployment to active.
func (s *Server) ConfirmDeployment(c echo.Context) error {
	id, err := s.automationID(c)
	if err != nil {
		return err
	}

	var req struct {
		TxSignature string `json:"tx_signature" validate:"required"`
	}
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("fail to parse request, err: %w", err)
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	a, err := s.automations.ConfirmDeployment(c.Request().Context(), id, req.TxSignature)
	if err != nil {
		return fmt.Errorf("fail to confirm deployment, err: %w", err)
	}
	return c.JSON(http.StatusOK, a)
}

// PauseAutomation suspends the schedule and returns the pause_vault
// instruction for the owner's wallet.
func (s *Server) PauseAutomation(c echo.Context) error {
	id, err := s.automationID(c)
	if err != nil {
		return err
	}
	a, instruction, err := s.automations.PauseAutomation(c.Request().Context(), id)
	if err != nil {
		return fmt.Errorf("fail to pause automation, err: %w", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"automation":        a,
		"vault_instruction": instruction,
	})
}

func (s *Server) ResumeAutomation(c echo.Context) error {
	id, err := s.automationID(c)
	if err != nil {
		return err
	}
	a, instruction, err := s.automations.ResumeAutomation(c.Request().Context(), id)
	if err != nil {
		return fmt.Errorf("fail to resume automation, err: %w", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"automation":        a,
		"vault_instruction": instruction,
	})
}

func (s *Server) CancelAutomation(c echo.Context) error {
	id, err := s.automationID(c)
	if err != nil {
		return err
	}
	a, instruction, err := s.automations.CancelAutomation(c.Request().Context(), id)
	if err != nil {
		return fmt.Errorf("fail to cancel automation, err: %w", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"automation":        a,
		"vault_instruction": instruction,
	})
}

// BuildDeposit returns an unsigned escrow top-up instruction for the vault.
func (s *Server) BuildDeposit(c echo.Context) error {
	id, err := s.automationID(c)
	if err != nil {
		return err
	}

	var req struct {
		Amount uint64 `json:"amount" validate:"required,gt=0"`
	}
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("fail to parse request, err: %w", err)
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	instruction, err := s.automations.BuildDepositInstruction(c.Request().Context(), id, req.Amount)
	if err != nil {
		return fmt.Errorf("fail to build deposit instruction, err: %w", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"deposit_instruction": instruction,
	})
}

func (s *Server) GetAutomation(c echo.Context) error {
	id, err := s.automationID(c)
	if err != nil {
		return err
	}
	a, err := s.automations.GetAutomation(c.Request().Context(), id)
	if err != nil {
		return fmt.Errorf("fail to get automation, err: %w", err)
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) ListAutomations(c echo.Context) error {
	owner := c.QueryParam("owner")
	if owner == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner is required")
	}
	status := types.AutomationStatus(c.QueryParam("status"))

	list, err := s.automations.ListAutomations(c.Request().Context(), owner, status)
	if err != nil {
		return fmt.Errorf("fail to list automations, err: %w", err)
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) GetExecutionHistory(c echo.Context) error {
	id, err := s.automationID(c)
	if err != nil {
		return err
	}
	history, err := s.automations.GetExecutionHistory(c.Request().Context(), id)
	if err != nil {
		return fmt.Errorf("fail to get execution history, err: %w", err)
	}
	return c.JSON(http.StatusOK, history)
}

// ExecuteAutomation enqueues an on-demand cycle for an active automation,
// outside its regular schedule.
func (s *Server) ExecuteAutomation(c echo.Context) error {
	id, err := s.automationID(c)
	if err != nil {
		return err
	}

	var req struct {
		SessionKeyID uuid.UUID `json:"session_key_id,omitempty"`
	}
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("fail to parse request, err: %w", err)
	}

	// drop repeat clicks while a manual run is already queued
	dedupeKey := fmt.Sprintf("manual:exec:%s", id)
	result, err := s.redis.Get(c.Request().Context(), dedupeKey)
	if err == nil && result != "" {
		return c.NoContent(http.StatusOK)
	}
	if err := s.redis.Set(c.Request().Context(), dedupeKey, id.String(), time.Minute); err != nil {
		s.logger.Errorf("fail to set session, err: %v", err)
	}

	buf, err := json.Marshal(types.ExecutionTrigger{
		AutomationID: id,
		SessionKeyID: req.SessionKeyID,
		DueAt:        time.Now(),
	})
	if err != nil {
		return fmt.Errorf("fail to marshal to json, err: %w", err)
	}

	ti, err := s.client.EnqueueContext(c.Request().Context(),
		asynq.NewTask(tasks.TypeExecuteAutomation, buf),
		asynq.MaxRetry(0),
		asynq.Timeout(5*time.Minute),
		asynq.Retention(10*time.Minute),
		asynq.Queue(tasks.QUEUE_NAME))
	if err != nil {
		return fmt.Errorf("fail to enqueue task, err: %w", err)
	}

	return c.JSON(http.StatusOK, ti.ID)
}

// GetExecutionResult is a handler to get the outcome of a manual execution
func (s *Server) GetExecutionResult(c echo.Context) error {
	taskID := c.Param("taskId")
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}
	result, err := tasks.GetTaskResult(s.inspector, taskID)
	if err != nil {
		if err.Error() == "task is still in progress" {
			return c.JSON(http.StatusOK, "Task is still in progress")
		}
		return err
	}

	return c.JSON(http.StatusOK, result)
}

func (s *Server) CreateSessionKey(c echo.Context) error {
	var req types.SessionKeyCreateRequest
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("fail to parse request, err: %w", err)
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if err := s.sdClient.Count("session_key.create", 1, nil, 1); err != nil {
		s.logger.Errorf("fail to count metric, err: %v", err)
	}

	key, err := s.sessionKeys.CreateSessionKey(c.Request().Context(), req)
	if err != nil {
		return fmt.Errorf("fail to create session key, err: %w", err)
	}
	return c.JSON(http.StatusCreated, key)
}

func (s *Server) ListSessionKeys(c echo.Context) error {
	owner := c.QueryParam("owner")
	if owner == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner is required")
	}
	keys, err := s.sessionKeys.ListSessionKeys(c.Request().Context(), owner)
	if err != nil {
		return fmt.Errorf("fail to list session keys, err: %w", err)
	}
	return c.JSON(http.StatusOK, keys)
}

func (s *Server) GetSessionKey(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	key, err := s.sessionKeys.GetSessionKey(c.Request().Context(), id)
	if err != nil {
		return fmt.Errorf("fail to get session key, err: %w", err)
	}
	return c.JSON(http.StatusOK, key)
}

func (s *Server) RevokeSessionKey(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	if err := s.sessionKeys.RevokeSessionKey(c.Request().Context(), id); err != nil {
		return fmt.Errorf("fail to revoke session key, err: %w", err)
	}
	return c.NoContent(http.StatusOK)
}

// GetApprovalRequest returns a pending transaction awaiting the owner's
// signature, for the wallet UI to render.
func (s *Server) GetApprovalRequest(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	req, err := s.approver.PendingRequest(c.Request().Context(), id)
	if err != nil {
		return fmt.Errorf("fail to get approval request, err: %w", err)
	}
	if req == nil {
		return c.NoContent(http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, req)
}

// RespondToApproval records the owner's verdict on a pending approval.
func (s *Server) RespondToApproval(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var resp signer.ApprovalResponse
	if err := c.Bind(&resp); err != nil {
		return fmt.Errorf("fail to parse request, err: %w", err)
	}
	if resp.Approved && resp.SignedTx == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "signed_tx is required for an approval")
	}
	if err := s.approver.Respond(c.Request().Context(), id, resp); err != nil {
		return fmt.Errorf("fail to record approval response, err: %w", err)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) automationID(c echo.Context) (uuid.UUID, error) {
	return uuidParam(c, "id")
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	raw := c.Param(name)
	if raw == "" {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, name+" is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}
