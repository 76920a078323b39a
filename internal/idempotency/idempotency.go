package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/donation-engine/pkg/logger"
	"github.com/nimasrn/donation-engine/pkg/redis"
)

var (
	ErrAlreadyProcessed   = errors.New("already processed")
	ErrLockAcquireFailed  = errors.New("failed to acquire processing lock")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

type Config struct {
	LockTTL time.Duration

	ProcessedTTL time.Duration

	MaxRetries int

	RetryKeyPrefix string

	LockKeyPrefix string

	ProcessedKeyPrefix string
}

func DefaultConfig() Config {
	return Config{
		LockTTL:            2 * time.Minute,
		ProcessedTTL:       24 * time.Hour,
		MaxRetries:         5,
		RetryKeyPrefix:     "retry:",
		LockKeyPrefix:      "lock:",
		ProcessedKeyPrefix: "processed:",
	}
}

// Service guards a unit of work (a payment attempt, a side-effect job) with a
// short-lived lock, a retry counter and a long-lived processed marker.
type Service struct {
	redis  redis.RedisAdapter
	config Config
}

func NewService(redisAdapter redis.RedisAdapter, config Config) *Service {
	return &Service{
		redis:  redisAdapter,
		config: config,
	}
}

type ProcessingContext struct {
	Key          string
	RetryCount   int
	IsRetry      bool
	lockAcquired bool
	token        []byte
}

func (s *Service) AcquireProcessingLock(ctx context.Context, key string) (*ProcessingContext, error) {
	processed, err := s.IsProcessed(ctx, key)
	if err != nil {
		// the database status check behind this lock still prevents double work
		logger.Warn("Failed to check processed status", "key", key, "error", err)
	} else if processed {
		logger.Info("already processed, skipping", "key", key)
		return nil, ErrAlreadyProcessed
	}

	retryCount, err := s.GetRetryCount(ctx, key)
	if err != nil {
		logger.Warn("Failed to read retry counter", "key", key, "error", err)
	}
	if s.config.MaxRetries > 0 && retryCount >= s.config.MaxRetries {
		logger.Error("Max retries exceeded", "key", key, "retry_count", retryCount)
		return nil, fmt.Errorf("%w: key=%s, retries=%d", ErrMaxRetriesExceeded, key, retryCount)
	}

	token := []byte(uuid.NewString())
	acquired, err := s.redis.SetNX(ctx, s.config.LockKeyPrefix+key, token, s.config.LockTTL)
	if err != nil {
		logger.Error("Failed to acquire lock", "key", key, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrLockAcquireFailed, err)
	}
	if !acquired {
		logger.Info("Lock already held by another worker", "key", key)
		return nil, ErrLockAcquireFailed
	}

	logger.Debug("Processing lock acquired", "key", key, "retry_count", retryCount, "lock_ttl", s.config.LockTTL)

	return &ProcessingContext{
		Key:          key,
		RetryCount:   retryCount,
		IsRetry:      retryCount > 0,
		lockAcquired: true,
		token:        token,
	}, nil
}

func (s *Service) MarkSuccess(ctx context.Context, pc *ProcessingContext) error {
	processedKey := s.config.ProcessedKeyPrefix + pc.Key
	if err := s.redis.Set(ctx, processedKey, []byte("1"), s.config.ProcessedTTL); err != nil {
		logger.Error("Failed to set processed marker", "key", pc.Key, "error", err)
		return fmt.Errorf("failed to mark as processed: %w", err)
	}

	if err := s.redis.Del(ctx, s.config.RetryKeyPrefix+pc.Key); err != nil {
		logger.Warn("Failed to cleanup retry counter", "key", pc.Key, "error", err)
	}
	_ = s.ReleaseLock(ctx, pc)
	return nil
}

func (s *Service) MarkFailure(ctx context.Context, pc *ProcessingContext, reason error) error {
	count, err := s.redis.Incr(ctx, s.config.RetryKeyPrefix+pc.Key, s.config.ProcessedTTL)
	if err != nil {
		logger.Error("Failed to increment retry counter", "key", pc.Key, "error", err)
	}
	_ = s.ReleaseLock(ctx, pc)

	logger.Warn("processing failed, will retry",
		"key", pc.Key,
		"retry_count", count,
		"max_retries", s.config.MaxRetries,
		"reason", reason)
	return nil
}

// ReleaseLock drops the lock if this context still owns it.
func (s *Service) ReleaseLock(ctx context.Context, pc *ProcessingContext) error {
	if pc == nil || !pc.lockAcquired {
		return nil
	}
	if _, err := s.redis.CompareAndDelete(ctx, s.config.LockKeyPrefix+pc.Key, pc.token); err != nil {
		logger.Warn("Failed to release lock", "key", pc.Key, "error", err)
		return err
	}
	pc.lockAcquired = false
	return nil
}

func (s *Service) GetRetryCount(ctx context.Context, key string) (int, error) {
	b, err := s.redis.Get(ctx, s.config.RetryKeyPrefix+key)
	if err != nil {
		if errors.Is(err, redis.NilError) {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// IsProcessed reports whether MarkSuccess was recorded for key.
func (s *Service) IsProcessed(ctx context.Context, key string) (bool, error) {
	exists, err := s.redis.Exist(ctx, s.config.ProcessedKeyPrefix+key)
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// Forget clears every marker for key, used when an operator re-opens work.
func (s *Service) Forget(ctx context.Context, key string) error {
	return s.redis.Del(ctx,
		s.config.ProcessedKeyPrefix+key,
		s.config.RetryKeyPrefix+key,
		s.config.LockKeyPrefix+key)
}
