package main

import (
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/solcopilot/autopilot/config"
	"github.com/solcopilot/autopilot/internal/chain"
	"github.com/solcopilot/autopilot/internal/jupiter"
	"github.com/solcopilot/autopilot/internal/ledger"
	"github.com/solcopilot/autopilot/internal/notify"
	"github.com/solcopilot/autopilot/internal/registry"
	"github.com/solcopilot/autopilot/internal/signer"
	"github.com/solcopilot/autopilot/internal/tasks"
	"github.com/solcopilot/autopilot/service"
	"github.com/solcopilot/autopilot/storage"
	"github.com/solcopilot/autopilot/storage/postgres"
)

func main() {
	cfg, err := config.GetConfigure()
	if err != nil {
		panic(err)
	}

	sdClient, err := statsd.New(cfg.Datadog.Host + ":" + cfg.Datadog.Port)
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
	logger := logrus.StandardLogger()

	db, err := postgres.NewPostgresBackend(false, cfg.Server.Database.DSN)
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

	dispatcher := service.NewDispatcher(
		reg,
		led,
		jupiterClient,
		chainClient,
		sessionSigner,
		approver,
		db,
		notifier,
		logger,
	)

	worker, err := service.NewWorker(dispatcher, sdClient, logger)
	if err != nil {
		panic(fmt.Errorf("failed to create worker: %w", err))
	}

	srv := asynq.NewServer(
		redisOptions,
		asynq.Config{
			Logger:      logger,
			Concurrency: 10,
			Queues: map[string]int{
				tasks.QUEUE_NAME: 10,
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeExecuteAutomation, worker.HandleExecuteAutomation)
	if err := srv.Run(mux); err != nil {
		panic(fmt.Errorf("could not run server: %w", err))
	}
}
