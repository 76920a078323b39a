package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nimasrn/donation-engine/internal/config"
	"github.com/nimasrn/donation-engine/internal/queue"
	"github.com/nimasrn/donation-engine/pkg/logger"
	"github.com/nimasrn/donation-engine/pkg/redis"
	"github.com/nimasrn/donation-engine/pkg/worker"
)

const HealthInterval = time.Second * 30
const ShutdownTimeout = time.Minute
const highLagThreshold = 10000

// ProcessorService consumes the side effect stream and hands every message
// to a bounded worker pool.
type ProcessorService struct {
	adapter   redis.RedisAdapter
	config    Config
	queues    []*queue.Queue
	processor Processor
	metrics   *ServiceMetrics
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	worker    *worker.Pool[*job]
}

type Processor interface {
	Process(ctx context.Context, message *queue.Message) error
	GetType() string
}

type Config struct {
	Queue             queue.QueueConfig
	Consumers         int
	Workers           int
	ProcessingTimeout time.Duration
	ReportInterval    time.Duration
}

func ConfigFrom(c *config.Config) Config {
	return Config{
		Queue: queue.QueueConfig{
			Name:              c.QueueName,
			ConsumerGroup:     c.QueueConsumerGroup,
			ConsumerName:      c.QueueConsumerName,
			MaxRetries:        c.QueueMaxRetries,
			VisibilityTimeout: c.QueueVisibilityTimeout,
			PollInterval:      c.QueuePollInterval,
			BatchSize:         c.QueueBatchSize,
			MaxLen:            c.QueueMaxLen,
			EnableDLQ:         c.QueueEnableDLQ,
		},
		Consumers:         c.QueueConsumers,
		Workers:           c.QueueWorkers,
		ProcessingTimeout: c.QueueVisibilityTimeout,
	}
}

func NewProcessorService(adapter redis.RedisAdapter, cfg Config) *ProcessorService {
	if cfg.Consumers <= 0 {
		cfg.Consumers = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 30 * time.Second
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessorService{
		adapter: adapter,
		config:  cfg,
		metrics: NewServiceMetrics(),
		ctx:     ctx,
		cancel:  cancel,
		worker:  worker.NewPool[*job](cfg.Workers*4, cfg.Workers),
	}
}

func (s *ProcessorService) RegisterProcessor(processor Processor) {
	s.processor = processor
	logger.Info("Registered processor", "type", processor.GetType())
}

func (s *ProcessorService) Metrics() *ServiceMetrics { return s.metrics }

func (s *ProcessorService) Start() error {
	logger.Info("Starting Processor Service...")

	s.worker.SetHandler(s.workerHandler)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(); err != nil {
			logger.Info("Worker manager stopped", "reason", err)
		}
	}()

	for i := 0; i < s.config.Consumers; i++ {
		queueConfig := s.config.Queue
		queueConfig.ConsumerName = fmt.Sprintf("%s-instance-%d", queueConfig.ConsumerName, i)

		q, err := queue.NewQueue(s.adapter, queueConfig)
		if err != nil {
			return fmt.Errorf("failed to create queue %d: %w", i, err)
		}
		if err := q.Consume(s.messageHandler); err != nil {
			return fmt.Errorf("failed to start consumer %d: %w", i, err)
		}

		s.queues = append(s.queues, q)
	}

	s.wg.Add(2)
	go s.metricsReporter()
	go s.healthChecker()

	logger.Info("Processor Service started", "queue", s.config.Queue.Name, "consumers", len(s.queues), "workers", s.config.Workers)
	return nil
}

func (s *ProcessorService) metricsReporter() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reportMetrics()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) reportMetrics() {
	stats := s.metrics.Snapshot()
	logger.Info("side effect processor metrics",
		"total_processed", stats.Processed,
		"total_failed", stats.Failed,
		"rate_per_second", stats.RatePerSecond,
		"avg_duration_ms", stats.AvgDuration.Milliseconds(),
		"uptime_seconds", stats.Uptime.Seconds())

	if len(s.queues) == 0 {
		return
	}
	// every consumer reads the same stream
	if qStats, err := s.queues[0].GetStats(context.Background()); err == nil {
		logger.Info("queue stats", "queue", s.config.Queue.Name, "total", qStats.TotalMessages,
			"pending", qStats.PendingMessages, "dead_letters", qStats.DeadLetters)
	}
}

func (s *ProcessorService) healthChecker() {
	defer s.wg.Done()

	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performHealthCheck(s.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) performHealthCheck(ctx context.Context) bool {
	if err := s.adapter.Client().Ping(ctx).Err(); err != nil {
		logger.Error("HEALTH CHECK FAILED: Redis connection error", "error", err)
		return false
	}
	if len(s.queues) == 0 {
		return true
	}

	stats, err := s.queues[0].GetStats(ctx)
	if err != nil {
		logger.Warn("HEALTH CHECK WARNING: Queue stats unavailable", "error", err)
		return true
	}
	if stats.PendingMessages > highLagThreshold {
		logger.Warn("HEALTH CHECK WARNING: Queue has high lag", "pending_messages", stats.PendingMessages)
	}
	if stats.DeadLetters > 0 {
		logger.Warn("HEALTH CHECK WARNING: side effect jobs dead-lettered, the sweep will retry them", "dead_letters", stats.DeadLetters)
	}
	return true
}

func (s *ProcessorService) Stop() {
	logger.Info("Shutting down Processor Service...")

	s.cancel()

	timeout := ShutdownTimeout
	stopChan := make(chan bool, len(s.queues))
	for i, q := range s.queues {
		go func(index int, q *queue.Queue) {
			if err := q.Stop(timeout); err != nil {
				logger.Error("Error stopping queue", "queue", index, "error", err)
			}
			stopChan <- true
		}(i, q)
	}
	for range s.queues {
		select {
		case <-stopChan:
		case <-time.After(timeout + 5*time.Second):
			logger.Warn("Timeout waiting for queues to stop")
		}
	}

	s.worker.Exit()
	s.wg.Wait()

	s.reportMetrics()
	logger.Info("Processor Service stopped")
}

type job struct {
	msg        *queue.Message
	resultChan chan error
	ctx        context.Context
}

// messageHandler blocks the consumer until a worker has handled the message,
// so the ack reflects the real outcome.
func (s *ProcessorService) messageHandler(ctx context.Context, msg *queue.Message) error {
	resultChan := make(chan error, 1)

	msgCtx, cancel := context.WithTimeout(ctx, s.config.ProcessingTimeout)
	defer cancel()

	j := &job{
		msg:        msg,
		resultChan: resultChan,
		ctx:        msgCtx,
	}
	if !s.worker.Enqueue(j) {
		return fmt.Errorf("worker pool is shut down")
	}

	select {
	case err := <-resultChan:
		return err
	case <-msgCtx.Done():
		return fmt.Errorf("timeout waiting for worker to process message: %w", msgCtx.Err())
	}
}

func (s *ProcessorService) workerHandler(workerIndex int, jobRes *job) {
	select {
	case <-jobRes.ctx.Done():
		logger.Warn("Job context cancelled before processing started", "worker", workerIndex)
		return
	default:
	}

	start := time.Now()
	var resultErr error
	if s.processor == nil {
		logger.Warn("No processor registered, dropping message", "worker", workerIndex, "id", jobRes.msg.ID)
		s.metrics.RecordFailure()
	} else if err := s.processor.Process(jobRes.ctx, jobRes.msg); err != nil {
		s.metrics.RecordFailure()
		logger.Error("Failed to process message", "worker", workerIndex, "id", jobRes.msg.ID, "attempts", jobRes.msg.Attempts, "error", err)
		resultErr = err
	} else {
		s.metrics.RecordSuccess(time.Since(start))
	}

	// the consumer may already have timed out
	select {
	case jobRes.resultChan <- resultErr:
	case <-jobRes.ctx.Done():
		logger.Warn("Context cancelled while sending result, message handler timed out", "worker", workerIndex)
	}
}
