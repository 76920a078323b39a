// Package app wires the engine's stores, adapters and services from the
// loaded configuration. The api, processor and cli binaries share it.
package app

import (
	"context"
	"strings"

	"github.com/nimasrn/donation-engine/internal/config"
	"github.com/nimasrn/donation-engine/internal/fee"
	gateway "github.com/nimasrn/donation-engine/internal/gateways"
	"github.com/nimasrn/donation-engine/internal/idempotency"
	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/money"
	"github.com/nimasrn/donation-engine/internal/notification"
	"github.com/nimasrn/donation-engine/internal/queue"
	"github.com/nimasrn/donation-engine/internal/receipt"
	"github.com/nimasrn/donation-engine/internal/repository"
	"github.com/nimasrn/donation-engine/internal/services"
	"github.com/nimasrn/donation-engine/pkg/blob"
	"github.com/nimasrn/donation-engine/pkg/logger"
	"github.com/nimasrn/donation-engine/pkg/pg"
	"github.com/nimasrn/donation-engine/pkg/redis"
	"github.com/pkg/errors"
)

// App holds the wired engine.
type App struct {
	Config *config.Config
	DB     *pg.DB
	Redis  redis.RedisAdapter
	Queue  *queue.Queue

	Donations *repository.DonationRepository
	Students  *repository.StudentRepository
	Items     *repository.WishlistRepository
	Donors    *repository.DonorRepository
	Refunds   *repository.RefundRepository
	Receipts  *repository.ReceiptSequenceRepository

	Gateways *gateway.Registry
	Locks    *idempotency.Service
	Mailer   services.Mailer
	Blobs    services.BlobStore

	Ledger      *services.LedgerService
	SideEffects *services.SideEffectService
	Payments    *services.PaymentService
	DonationSvc *services.DonationService
}

func PostgresRead(c *config.Config) pg.Config {
	return pg.Config{
		User:     c.PostgresReadUser,
		Host:     c.PostgresReadHost,
		Port:     c.PostgresReadPort,
		Password: c.PostgresReadPassword,
		Database: c.PostgresReadDatabase,
	}
}

func PostgresWrite(c *config.Config) pg.Config {
	return pg.Config{
		User:     c.PostgresWriteUser,
		Host:     c.PostgresWriteHost,
		Port:     c.PostgresWritePort,
		Password: c.PostgresWritePassword,
		Database: c.PostgresWriteDatabase,
	}
}

func ConnectPostgres(c *config.Config) (*pg.DB, error) {
	db, err := pg.CreateReadWrite(PostgresRead(c), PostgresWrite(c), c.AppEnv == "dev")
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	return db, nil
}

func ConnectRedis(c *config.Config) (redis.RedisAdapter, error) {
	adapter, err := redis.NewRedisAdapter("default", c.RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{c.RedisAddr},
		ClientName: c.AppName,
		DB:         c.RedisDatabase,
		Username:   c.RedisUsername,
		Password:   c.RedisPassword,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect redis")
	}
	return adapter, nil
}

// QueueConfig is the side effect stream shared by publishers and consumers.
func QueueConfig(c *config.Config) queue.QueueConfig {
	return queue.QueueConfig{
		Name:              c.QueueName,
		ConsumerGroup:     c.QueueConsumerGroup,
		ConsumerName:      c.QueueConsumerName,
		MaxRetries:        c.QueueMaxRetries,
		VisibilityTimeout: c.QueueVisibilityTimeout,
		PollInterval:      c.QueuePollInterval,
		BatchSize:         c.QueueBatchSize,
		MaxLen:            c.QueueMaxLen,
		EnableDLQ:         c.QueueEnableDLQ,
	}
}

// FeeSchedule builds the per channel fee rates. Bank transfers carry no fee.
func FeeSchedule(c *config.Config) (fee.Schedule, error) {
	card, err := fee.ParseRate(c.FeeCardRate, c.FeeCardFlat)
	if err != nil {
		return nil, errors.Wrap(err, "card fee")
	}
	wallet, err := fee.ParseRate(c.FeeWalletRate, c.FeeWalletFlat)
	if err != nil {
		return nil, errors.Wrap(err, "wallet fee")
	}
	return fee.Schedule{
		model.ChannelCard:         card,
		model.ChannelWallet:       wallet,
		model.ChannelBankTransfer: {Flat: money.Zero},
	}, nil
}

func providerConfig(c *config.Config, name, url, key string) gateway.ProviderConfig {
	return gateway.ProviderConfig{
		Name:                    name,
		URL:                     url,
		APIKey:                  key,
		Timeout:                 c.GatewayTimeout,
		MaxConns:                c.GatewayMaxConns,
		CircuitBreakerThreshold: c.GatewayBreakerThreshold,
		CircuitBreakerTimeout:   c.GatewayBreakerTimeout,
	}
}

// Gateways registers the card and wallet processors that have a URL
// configured, plus the manual bank transfer channel.
func Gateways(c *config.Config) *gateway.Registry {
	adapters := []gateway.Adapter{gateway.NewBankTransferAdapter()}
	if c.CardProcessorUrl != "" {
		adapters = append(adapters, gateway.NewCardAdapter(providerConfig(c, "card", c.CardProcessorUrl, c.CardProcessorKey)))
	} else {
		logger.Warn("card processor url not set, card payments are disabled")
	}
	if c.WalletProcessorUrl != "" {
		adapters = append(adapters, gateway.NewWalletAdapter(providerConfig(c, "wallet", c.WalletProcessorUrl, c.WalletProcessorKey)))
	} else {
		logger.Warn("wallet processor url not set, wallet payments are disabled")
	}
	return gateway.NewRegistry(adapters...)
}

func Mailer(c *config.Config) (services.Mailer, error) {
	if c.SmtpAddr == "" {
		logger.Warn("smtp address not set, mails are only logged")
		return notification.LogMailer{}, nil
	}
	return notification.NewSMTPMailer(notification.SMTPConfig{
		Addr:     c.SmtpAddr,
		Username: c.SmtpUsername,
		Password: c.SmtpPassword,
		From:     c.MailFrom,
	})
}

func Blobs(ctx context.Context, c *config.Config) (services.BlobStore, error) {
	switch strings.ToLower(c.BlobDriver) {
	case "memory":
		return blob.NewMemoryStore(), nil
	case "", "s3":
		return blob.NewS3Store(ctx, c.S3Bucket, c.S3Region, c.S3KeyPrefix)
	default:
		return nil, errors.Errorf("unknown blob driver %q", c.BlobDriver)
	}
}

// LockConfig is the per donation lock setup. maxRetries 0 removes the
// retry cap.
func LockConfig(maxRetries int) idempotency.Config {
	cfg := idempotency.DefaultConfig()
	cfg.MaxRetries = maxRetries
	return cfg
}

// New connects to postgres and redis and builds every service. Side effects
// are published to the redis stream consumed by the processor.
func New(ctx context.Context, c *config.Config) (*App, error) {
	db, err := ConnectPostgres(c)
	if err != nil {
		return nil, err
	}
	rdb, err := ConnectRedis(c)
	if err != nil {
		return nil, err
	}
	q, err := queue.NewQueue(rdb, QueueConfig(c))
	if err != nil {
		return nil, errors.Wrap(err, "create side effect queue")
	}
	return Build(ctx, c, db, rdb, services.NewQueueDispatcher(q), q)
}

// Build wires services over already open stores. A nil dispatcher runs side
// effects inline.
func Build(ctx context.Context, c *config.Config, db *pg.DB, rdb redis.RedisAdapter, dispatcher services.SideEffectDispatcher, q *queue.Queue) (*App, error) {
	fees, err := FeeSchedule(c)
	if err != nil {
		return nil, err
	}
	minimum, err := money.Parse(c.DonationMinimum)
	if err != nil {
		return nil, errors.Wrap(err, "donation minimum")
	}
	mailer, err := Mailer(c)
	if err != nil {
		return nil, err
	}
	blobs, err := Blobs(ctx, c)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:    c,
		DB:        db,
		Redis:     rdb,
		Queue:     q,
		Donations: repository.NewDonationRepository(db),
		Students:  repository.NewStudentRepository(db),
		Items:     repository.NewWishlistRepository(db),
		Donors:    repository.NewDonorRepository(db),
		Refunds:   repository.NewRefundRepository(db),
		Receipts:  repository.NewReceiptSequenceRepository(db, receipt.NewNumbering(c.ReceiptPrefix, c.ReceiptWidth)),
		Gateways:  Gateways(c),
		Mailer:    mailer,
		Blobs:     blobs,
	}
	if rdb != nil {
		a.Locks = idempotency.NewService(rdb, LockConfig(c.QueueMaxRetries))
	}

	a.Ledger = services.NewLedgerService(a.Donations, a.Students, a.Items, a.Donors)
	a.SideEffects = services.NewSideEffectService(a.Donations, a.Students, a.Items, a.Donors, a.Ledger,
		receipt.NewPDFRenderer(c.ReceiptOrgName, c.ReceiptOrgTaxID), a.Blobs, a.Mailer)
	if dispatcher == nil {
		dispatcher = services.NewInlineDispatcher(a.SideEffects)
	}
	paymentCfg := services.DefaultPaymentConfig()
	paymentCfg.GatewayTimeout = c.GatewayTimeout
	paymentCfg.CompletionAttempts = c.ReceiptMaxRetries
	a.Payments = services.NewPaymentService(a.Donations, a.Receipts, a.Gateways, a.Locks, dispatcher, paymentCfg)
	a.DonationSvc = services.NewDonationService(a.Donations, a.Students, a.Items, a.Donors, a.Refunds, fees,
		a.Gateways, a.Locks, a.Mailer, services.DonationConfig{
			Minimum:        minimum,
			Currency:       c.Currency,
			AdminEmail:     c.MailAdmin,
			GatewayTimeout: c.GatewayTimeout,
		})
	return a, nil
}

func (a *App) Close() {
	if err := a.DB.Close(); err != nil {
		logger.Warn("closing postgres failed", "error", err)
	}
	if a.Redis != nil {
		if err := a.Redis.Client().Close(); err != nil {
			logger.Warn("closing redis failed", "error", err)
		}
	}
}
