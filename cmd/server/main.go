package main

import (
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/solcopilot/autopilot/api"
	"github.com/solcopilot/autopilot/config"
	"github.com/solcopilot/autopilot/internal/chain"
	"github.com/solcopilot/autopilot/internal/jupiter"
	"github.com/solcopilot/autopilot/internal/ledger"
	"github.com/solcopilot/autopilot/internal/notify"
	"github.com/solcopilot/autopilot/internal/registry"
	"github.com/solcopilot/autopilot/internal/scheduler"
	"github.com/solcopilot/autopilot/internal/signer"
	"github.com/solcopilot/autopilot/service"
	"github.com/solcopilot/autopilot/storage"
	"github.com/solcopilot/autopilot/storage/postgres"
)

func main() {
	cfg, err := config.GetConfigure()
	if err != nil {
		panic(err)
	}

	logger := logrus.New()

	sdClient, err := statsd.New(fmt.Sprintf("%s:%s", cfg.Datadog.Host, cfg.Datadog.Port))
	if err != nil {
		panic(err)
	}

	redisStorage, err := storage.NewRedisStorage(storage.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		User:     cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		panic(err)
	}

	redisOptions := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	client := asynq.NewClient(redisOptions)
	defer func() {
		if err := client.Close(); err != nil {
			fmt.Println("fail to close asynq client,", err)
		}
	}()
	inspector := asynq.NewInspector(redisOptions)

	db, err := postgres.NewPostgresBackend(true, cfg.Server.Database.DSN)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	reg := registry.New(db, logger)
	led := ledger.New(db, logger)
	notifier := notify.New(sdClient, cfg.Notify.WebhookURL, logger)
	chainClient := chain.NewClient(cfg.Chain.RpcURL, logger)
	jupiterClient := jupiter.NewClient(cfg.Jupiter.BaseURL, cfg.Jupiter.PriceURL, redisStorage.Client(), logger)
	sessionSigner := signer.NewSessionSigner(signer.NewRedisKeyVault(redisStorage.Client()), logger)
	approver := signer.NewHumanApprover(
		redisStorage.Client(),
		time.Duration(cfg.Approval.TimeoutSeconds)*time.Second,
		logger,
	)

	automations, err := service.NewAutomationService(db, reg, chainClient, notifier, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize automation service: %v", err)
	}
	sessionKeys, err := service.NewSessionKeyService(db, led, sessionSigner, notifier, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize session key service: %v", err)
	}

	// The in-flight shield must cover the slowest cycle the worker can run:
	// the human-approval wait plus the confirmation poll, with queue margin.
	inFlightTTL := time.Duration(cfg.Approval.TimeoutSeconds)*time.Second + chain.ConfirmTimeout + 2*time.Minute

	schedulerService := scheduler.NewSchedulerService(
		reg,
		db,
		jupiterClient,
		client,
		notifier,
		time.Duration(cfg.Scheduler.IntervalSeconds)*time.Second,
		inFlightTTL,
		logger,
	)
	if err := schedulerService.Start(); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}
	defer schedulerService.Stop()
	logger.Info("Scheduler service started")

	server := api.NewServer(
		cfg,
		db,
		redisStorage,
		client,
		inspector,
		sdClient,
		automations,
		sessionKeys,
		approver,
		logger,
	)
	if err := server.StartServer(); err != nil {
		panic(err)
	}
}
