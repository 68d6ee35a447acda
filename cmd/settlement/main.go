package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/blockcoop/settlement-gateway/internal/chain"
	"github.com/blockcoop/settlement-gateway/internal/config"
	gateway "github.com/blockcoop/settlement-gateway/internal/gateways"
	"github.com/blockcoop/settlement-gateway/internal/orchestrator"
	"github.com/blockcoop/settlement-gateway/internal/processor"
	"github.com/blockcoop/settlement-gateway/internal/queue"
	"github.com/blockcoop/settlement-gateway/internal/recovery"
	"github.com/blockcoop/settlement-gateway/internal/repository"
	"github.com/blockcoop/settlement-gateway/pkg/logger"
	"github.com/blockcoop/settlement-gateway/pkg/pg"
	"github.com/blockcoop/settlement-gateway/pkg/prom"
	"github.com/blockcoop/settlement-gateway/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	readConf := pg.Config{
		User:     config.Get().PostgresReadUser,
		Host:     config.Get().PostgresReadHost,
		Port:     config.Get().PostgresReadPort,
		Password: config.Get().PostgresReadPassword,
		Database: config.Get().PostgresReadDatabase,
	}
	writeConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}

	pgDebug := false
	if config.Get().AppEnv == "dev" {
		pgDebug = true
	}
	db, err := pg.CreateReadWrite(readConf, writeConf, pgDebug)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: "default",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Kill, os.Interrupt, syscall.SIGTERM)

	executor, err := chain.NewExecutor(context.Background(), &chain.Config{
		RPCURL:                config.Get().ChainRpcUrl,
		ChainID:               config.Get().ChainId,
		TreasuryPrivateKey:    config.Get().ChainTreasuryPrivateKey,
		PackageManagerAddress: config.Get().ChainPackageManagerAddr,
		SettlementToken:       config.Get().ChainSettlementToken,
		RewardToken:           config.Get().ChainRewardToken,
		PurchaseForEnabled:    config.Get().ChainPurchaseForEnabled,
		GasMarginPercent:      config.Get().ChainGasMarginPercent,
		RPCTimeout:            config.Get().ChainRpcTimeout,
		ConfirmTimeout:        config.Get().ChainConfirmTimeout,
	})
	if err != nil {
		logger.Error("failed to create chain executor", "error", err)
		return
	}
	defer executor.Close()

	mpesaClient, err := gateway.NewClient(&gateway.Config{
		BaseURL:        config.Get().MpesaBaseUrl,
		ConsumerKey:    config.Get().MpesaConsumerKey,
		ConsumerSecret: config.Get().MpesaConsumerSecret,
		ShortCode:      config.Get().MpesaShortCode,
		Passkey:        config.Get().MpesaPasskey,
		CallbackURL:    config.Get().MpesaCallbackUrl,
		AccountPrefix:  config.Get().MpesaAccountPrefix,
		Timeout:        config.Get().MpesaTimeout,
		QueryRetries:   config.Get().MpesaQueryRetries,
		RetryDelay:     config.Get().MpesaRetryDelay,
		MaxConns:       config.Get().MpesaMaxConns,
	})
	if err != nil {
		logger.Error("failed to create payment provider client", "error", err)
		return
	}

	transactionRepo := repository.NewTransactionRepository(db)
	bridgeRepo := repository.NewBridgeRepository(db)
	settler := orchestrator.NewSettler(transactionRepo, bridgeRepo, executor)

	service, err := processor.NewProcessorService(redisAdap)
	if err != nil {
		logger.Error("failed to run the processor", "error", err)
		return
	}
	service.RegisterProcessor(processor.NewSettlementProcessor(settler))

	// The settlement publisher lets the long sweep hand late completions
	// back to the queue instead of settling inline.
	q, err := queue.NewQueue(redisAdap, queue.QueueConfig{
		Name:              config.Get().QueueName,
		ConsumerGroup:     config.Get().QueueConsumerGroup,
		ConsumerName:      config.Get().QueueConsumerName + "-recovery",
		MaxRetries:        config.Get().QueueMaxRetries,
		VisibilityTimeout: config.Get().QueueVisibilityTimeout,
		PollInterval:      config.Get().QueuePollInterval,
		BatchSize:         config.Get().QueueBatchSize,
		MaxLen:            config.Get().QueueMaxLen,
		EnableDLQ:         config.Get().QueueEnableDLQ,
	})
	if err != nil {
		logger.Error("failed creating queue", "error", err)
		return
	}
	publisher := queue.NewSettlementPublisher(q)

	recoveryEngine := recovery.NewEngine(recovery.Config{
		ShortInterval:      config.Get().RecoveryShortInterval,
		LongInterval:       config.Get().RecoveryLongInterval,
		RetryCeiling:       config.Get().RecoveryRetryCeiling,
		RetryCooldown:      config.Get().RecoveryRetryCooldown,
		StuckThreshold:     config.Get().RecoveryStuckThreshold,
		StaleLockThreshold: config.Get().RecoveryStaleLockAge,
		BatchSize:          config.Get().RecoveryBatchSize,
	}, transactionRepo, settler, mpesaClient, publisher)

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	err = prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace)
	if err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	go func() {
		prom.ListenAndServer(":9100", "/metrics")
	}()

	sweepCtx, cancelSweeps := context.WithCancel(context.Background())
	go recoveryEngine.Run(sweepCtx)

	go func() {
		err := service.Start()
		if err != nil {
			logger.Error("failed to start processor", "error", err)
		}
	}()

	select {
	case <-c:
		cancelSweeps()
		service.Stop()
	}
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
