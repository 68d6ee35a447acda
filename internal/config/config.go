package config

import (
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/blockcoop/settlement-gateway/pkg/logger"
	"github.com/pkg/errors"
)

const ConfigTagName = "env"
const ConfigDefaultTagName = "default"

var config *Config

// Configuration This struct holds config envs and values
// which are used in the settlement gateway. Only this struct must be used
// to hold any configuration values, no direct access to
// env, ini or any other config source should be made
type Config struct {
	AppEnv              string `env:"APP_ENV" default:"dev"`
	AppName             string `env:"APP_NAME" default:"settlement_gateway"`
	AppDebug            bool   `env:"APP_DEBUG" default:"1"`
	AppDebugMetricsAddr string `env:"APP_DEBUG_METRIC_ADDR"`
	AppDebugMetricsURI  string `env:"APP_DEBUG_METRIC_URI"`
	AppBaseUrl          string `env:"APP_BASE_URL"`

	HttpListenAddr            string `env:"HTTP_LISTEN_ADDR" validation:"mustExists"`
	HttpBaseRequestUrl        string `env:"HTTP_BASE_REQUEST_URI" validation:"mustExists"`
	HttpServerReadTimeout     int    `env:"HTTP_SERVER_READ_TIMEOUT"`
	HttpServerWriteTimeout    int    `env:"HTTP_SERVER_WRITE_TIMEOUT"`
	HttpServerReadBufferSize  int    `env:"HTTP_SERVER_READ_BUFFER_SIZE"`
	HttpServerWriteBufferSize int    `env:"HTTP_SERVER_WRITE_BUFFER_SIZE"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	RedisAddr               string `env:"REDIS_ADDR"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX"`

	PromNamespace string `env:"PROM_NAMESPACE"`

	ProfilerEnable bool `env:"PROFILER_ENABLE"`
	ProfilerPort   int  `env:"PROFILER_PORT"`

	LogLevel []string `env:"LOG_LEVEL"`

	QueueName              string        `env:"QUEUE_NAME" default:"settlement-jobs"`
	QueueConsumerGroup     string        `env:"QUEUE_CONSUMER_GROUP"`
	QueueConsumerName      string        `env:"QUEUE_CONSUMER_NAME"`
	QueueMaxRetries        int           `env:"QUEUE_MAX_RETRIES"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL"`
	QueueBatchSize         int64         `env:"QUEUE_BATCH_SIZE"`
	QueueMaxLen            int64         `env:"QUEUE_MAX_LEN"`
	QueueEnableDLQ         bool          `env:"QUEUE_ENABLE_DLQ"`

	// USD -> KES conversion applied at initiation time, quoted as KES per
	// one USD.
	ExchangeRateKES string `env:"EXCHANGE_RATE_KES" default:"129.5"`

	MpesaBaseUrl        string        `env:"MPESA_BASE_URL" default:"https://sandbox.safaricom.co.ke"`
	MpesaConsumerKey    string        `env:"MPESA_CONSUMER_KEY"`
	MpesaConsumerSecret string        `env:"MPESA_CONSUMER_SECRET"`
	MpesaShortCode      string        `env:"MPESA_SHORTCODE"`
	MpesaPasskey        string        `env:"MPESA_PASSKEY"`
	MpesaCallbackUrl    string        `env:"MPESA_CALLBACK_URL"`
	MpesaAccountPrefix  string        `env:"MPESA_ACCOUNT_PREFIX" default:"PKG-"`
	MpesaTimeout        time.Duration `env:"MPESA_TIMEOUT" default:"30s"`
	MpesaQueryRetries   int           `env:"MPESA_QUERY_RETRIES" default:"3"`
	MpesaRetryDelay     time.Duration `env:"MPESA_RETRY_DELAY" default:"2s"`
	MpesaMaxConns       int           `env:"MPESA_MAX_CONNS"`

	ChainRpcUrl             string        `env:"CHAIN_RPC_URL"`
	ChainId                 int64         `env:"CHAIN_ID"`
	ChainTreasuryPrivateKey string        `env:"CHAIN_TREASURY_PRIVATE_KEY"`
	ChainPackageManagerAddr string        `env:"CHAIN_PACKAGE_MANAGER_ADDR"`
	ChainSettlementToken    string        `env:"CHAIN_SETTLEMENT_TOKEN_ADDR"`
	ChainRewardToken        string        `env:"CHAIN_REWARD_TOKEN_ADDR"`
	ChainPurchaseForEnabled bool          `env:"CHAIN_PURCHASE_FOR_ENABLED" default:"1"`
	ChainGasMarginPercent   int64         `env:"CHAIN_GAS_MARGIN_PERCENT" default:"20"`
	ChainRpcTimeout         time.Duration `env:"CHAIN_RPC_TIMEOUT" default:"30s"`
	ChainConfirmTimeout     time.Duration `env:"CHAIN_CONFIRM_TIMEOUT" default:"3m"`

	RecoveryShortInterval  time.Duration `env:"RECOVERY_SHORT_INTERVAL" default:"5m"`
	RecoveryLongInterval   time.Duration `env:"RECOVERY_LONG_INTERVAL" default:"1h"`
	RecoveryRetryCeiling   int           `env:"RECOVERY_RETRY_CEILING" default:"3"`
	RecoveryRetryCooldown  time.Duration `env:"RECOVERY_RETRY_COOLDOWN" default:"5m"`
	RecoveryStuckThreshold time.Duration `env:"RECOVERY_STUCK_THRESHOLD" default:"24h"`
	RecoveryStaleLockAge   time.Duration `env:"RECOVERY_STALE_LOCK_AGE" default:"30m"`
	RecoveryBatchSize      int           `env:"RECOVERY_BATCH_SIZE" default:"50"`

	RateLimitMaxPerPhone int           `env:"RATELIMIT_MAX_PER_PHONE" default:"3"`
	RateLimitMaxPerIP    int           `env:"RATELIMIT_MAX_PER_IP" default:"10"`
	RateLimitWindow      time.Duration `env:"RATELIMIT_WINDOW" default:"1m"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	var err error
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		err = godotenv.Load(path)
		if err != nil {
			return errors.New("failed to load configuration file " + path + " error: " + err.Error())
		}
	}

	_, err = env.UnmarshalFromEnviron(c)

	if err != nil {
		return errors.New("failed to map env variables to Configuration object " + " error: " + err.Error())
	}

	config = c
	return nil
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}
