package config

import (
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/nimasrn/donation-engine/pkg/logger"
	"github.com/pkg/errors"
)

const ConfigTagName = "env"

var config *Config

// Config holds every configuration value of the engine. Only this struct
// must be used to read configuration, no direct access to env, ini or any
// other config source should be made.
type Config struct {
	AppEnv              string `env:"APP_ENV,default=dev"`
	AppName             string `env:"APP_NAME,default=donation_engine"`
	AppDebug            bool   `env:"APP_DEBUG,default=true"`
	AppDebugMetricsAddr string `env:"APP_DEBUG_METRIC_ADDR,default=:9100"`
	AppDebugMetricsURI  string `env:"APP_DEBUG_METRIC_URI,default=/metrics"`
	AppBaseUrl          string `env:"APP_BASE_URL"`

	HttpListenAddr     string        `env:"HTTP_LISTEN_ADDR,default=:8080"`
	HttpRequestTimeout time.Duration `env:"HTTP_REQUEST_TIMEOUT,default=30s"`

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
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX,default=donations:"`

	PromNamespace string `env:"PROM_NAMESPACE,default=donations"`

	QueueName              string        `env:"QUEUE_NAME,default=side-effects"`
	QueueConsumerGroup     string        `env:"QUEUE_CONSUMER_GROUP,default=reconciler"`
	QueueConsumerName      string        `env:"QUEUE_CONSUMER_NAME,default=reconciler"`
	QueueConsumers         int           `env:"QUEUE_CONSUMERS,default=4"`
	QueueWorkers           int           `env:"QUEUE_WORKERS,default=32"`
	QueueMaxRetries        int           `env:"QUEUE_MAX_RETRIES,default=5"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT,default=60s"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL,default=1s"`
	QueueBatchSize         int64         `env:"QUEUE_BATCH_SIZE,default=20"`
	QueueMaxLen            int64         `env:"QUEUE_MAX_LEN,default=100000"`
	QueueEnableDLQ         bool          `env:"QUEUE_ENABLE_DLQ,default=true"`

	// Fee schedule, rates are fractions ("0.022" is 2.2%) and flat fees are major units.
	FeeCardRate     string `env:"FEE_CARD_RATE,default=0.022"`
	FeeCardFlat     string `env:"FEE_CARD_FLAT,default=0.30"`
	FeeWalletRate   string `env:"FEE_WALLET_RATE,default=0.029"`
	FeeWalletFlat   string `env:"FEE_WALLET_FLAT,default=0.30"`
	DonationMinimum string `env:"DONATION_MINIMUM,default=1.00"`
	Currency        string `env:"CURRENCY,default=USD"`

	ReceiptPrefix     string `env:"RECEIPT_PREFIX,default=RCPT"`
	ReceiptWidth      int    `env:"RECEIPT_SEQUENCE_WIDTH,default=6"`
	ReceiptOrgName    string `env:"RECEIPT_ORG_NAME,default=Student Gift Fund"`
	ReceiptOrgTaxID   string `env:"RECEIPT_ORG_TAX_ID"`
	ReceiptMaxRetries int    `env:"RECEIPT_MAX_RETRIES,default=3"`

	GatewayTimeout          time.Duration `env:"GATEWAY_TIMEOUT,default=15s"`
	GatewayMaxConns         int           `env:"GATEWAY_MAX_CONNS,default=512"`
	GatewayBreakerThreshold int           `env:"GATEWAY_BREAKER_THRESHOLD,default=5"`
	GatewayBreakerTimeout   time.Duration `env:"GATEWAY_BREAKER_TIMEOUT,default=60s"`
	CardProcessorUrl        string        `env:"CARD_PROCESSOR_URL"`
	CardProcessorKey        string        `env:"CARD_PROCESSOR_KEY"`
	WalletProcessorUrl      string        `env:"WALLET_PROCESSOR_URL"`
	WalletProcessorKey      string        `env:"WALLET_PROCESSOR_KEY"`

	SmtpAddr     string `env:"SMTP_ADDR"`
	SmtpUsername string `env:"SMTP_USERNAME"`
	SmtpPassword string `env:"SMTP_PASSWORD"`
	MailFrom     string `env:"MAIL_FROM,default=noreply@example.org"`
	MailAdmin    string `env:"MAIL_ADMIN"`

	// BlobDriver selects receipt storage, "s3" or "memory".
	BlobDriver  string `env:"BLOB_DRIVER,default=s3"`
	S3Bucket    string `env:"S3_RECEIPT_BUCKET,default=donation-receipts"`
	S3Region    string `env:"AWS_REGION,default=us-east-1"`
	S3KeyPrefix string `env:"S3_RECEIPT_PREFIX,default=receipts/"`

	SweepSchedule    string `env:"SWEEP_SCHEDULE,default=@every 1m"`
	SweepBatchSize   int    `env:"SWEEP_BATCH_SIZE,default=200"`
	SweepConcurrency int    `env:"SWEEP_CONCURRENCY,default=8"`
	SweepMaxAttempts int    `env:"SWEEP_MAX_ATTEMPTS,default=20"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	var err error
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		err = godotenv.Load(path)
		if err != nil {
			return errors.Wrapf(err, "failed to load configuration file %s", path)
		}
	}

	_, err = env.UnmarshalFromEnviron(c)
	if err != nil {
		return errors.Wrap(err, "failed to map env variables to Configuration object")
	}

	config = c
	return nil
}

// Set replaces the loaded configuration, used by tests and tools that build
// a Config in code.
func Set(c *Config) {
	config = c
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}
