package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/blockcoop/settlement-gateway/internal/chain"
	"github.com/blockcoop/settlement-gateway/internal/config"
	gateway "github.com/blockcoop/settlement-gateway/internal/gateways"
	"github.com/blockcoop/settlement-gateway/internal/handlers"
	"github.com/blockcoop/settlement-gateway/internal/orchestrator"
	"github.com/blockcoop/settlement-gateway/internal/queue"
	"github.com/blockcoop/settlement-gateway/internal/ratelimit"
	"github.com/blockcoop/settlement-gateway/internal/recovery"
	"github.com/blockcoop/settlement-gateway/internal/repository"
	"github.com/blockcoop/settlement-gateway/internal/services"
	xhttp "github.com/blockcoop/settlement-gateway/pkg/http"
	"github.com/blockcoop/settlement-gateway/pkg/logger"
	"github.com/blockcoop/settlement-gateway/pkg/pg"
	"github.com/blockcoop/settlement-gateway/pkg/redis"
	"github.com/shopspring/decimal"
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

	// transport (tcp for now)
	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 30))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

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

	q, err := queue.NewQueue(redisAdap, queue.QueueConfig{
		Name:              config.Get().QueueName,
		ConsumerGroup:     config.Get().QueueConsumerGroup,
		ConsumerName:      config.Get().QueueConsumerName,
		MaxRetries:        config.Get().QueueMaxRetries,
		VisibilityTimeout: config.Get().QueueVisibilityTimeout,
		PollInterval:      config.Get().QueuePollInterval,
		BatchSize:         config.Get().QueueBatchSize,
		MaxLen:            config.Get().QueueMaxLen,
		EnableDLQ:         config.Get().QueueEnableDLQ,
	})
	if err != nil {
		logger.Error("failed creating queue", "error", err)
	}
	publisher := queue.NewSettlementPublisher(q)

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

	exchangeRate, err := decimal.NewFromString(config.Get().ExchangeRateKES)
	if err != nil {
		logger.Error("invalid exchange rate", "value", config.Get().ExchangeRateKES, "error", err)
		return
	}

	transactionRepo := repository.NewTransactionRepository(db)
	bridgeRepo := repository.NewBridgeRepository(db)

	limiter := ratelimit.NewLimiter(redisAdap, ratelimit.Config{
		MaxPerPhone:    config.Get().RateLimitMaxPerPhone,
		MaxPerIP:       config.Get().RateLimitMaxPerIP,
		Window:         config.Get().RateLimitWindow,
		PhoneKeyPrefix: "rl:phone:",
		IPKeyPrefix:    "rl:ip:",
	})

	// services
	paymentService := services.NewPaymentService(transactionRepo, mpesaClient, limiter, exchangeRate)
	callbackService := services.NewCallbackService(transactionRepo, publisher)
	healthService := services.NewHealthService()

	// Manual recovery shares the settlement path with the workers; the
	// periodic sweeps run in the settlement service, not here.
	settler := orchestrator.NewSettler(transactionRepo, bridgeRepo, executor)
	recoveryEngine := recovery.NewEngine(recovery.Config{
		ShortInterval:      config.Get().RecoveryShortInterval,
		LongInterval:       config.Get().RecoveryLongInterval,
		RetryCeiling:       config.Get().RecoveryRetryCeiling,
		RetryCooldown:      config.Get().RecoveryRetryCooldown,
		StuckThreshold:     config.Get().RecoveryStuckThreshold,
		StaleLockThreshold: config.Get().RecoveryStaleLockAge,
		BatchSize:          config.Get().RecoveryBatchSize,
	}, transactionRepo, settler, mpesaClient, publisher)

	// v1 handlers
	paymentHandler := handlers.NewPaymentHandler(paymentService)
	callbackHandler := handlers.NewCallbackHandler(callbackService)
	recoveryHandler := handlers.NewRecoveryHandler(recoveryEngine)
	healthHandler := handlers.NewHealthHandler(healthService)

	g := s.Router.Group("/api/v1")
	handlers.RegisterPaymentRoutes(g, paymentHandler)
	handlers.RegisterCallbackRoutes(g, callbackHandler)
	handlers.RegisterRecoveryRoutes(g, recoveryHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	// Create new server
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Kill)

	go func() {
		var err = s.ListenAndServe(config.Get().HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	select {
	case <-c:
		s.Shutdown()
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
