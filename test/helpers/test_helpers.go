package helpers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/money"
	"github.com/nimasrn/donation-engine/internal/repository"
	"github.com/nimasrn/donation-engine/pkg/pg"
	"github.com/nimasrn/donation-engine/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SetupTestDB opens a migrated in-memory sqlite database behind a pg.DB.
func SetupTestDB(t *testing.T) *pg.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	// every connection to :memory: is a separate database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(repository.Entities()...))
	return pg.NewFromGorm(db, db)
}

func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	t.Helper()
	mr := miniredis.RunT(t)

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:      []string{mr.Addr()},
		ClientName: fmt.Sprintf("test-%d", time.Now().UnixNano()),
	})
	t.Cleanup(func() { _ = client.Close() })

	return mr, redis.NewFromClient("test:", client)
}

func CreateTestStudent(t *testing.T, db *pg.DB, goal string) *model.Student {
	t.Helper()
	s, err := repository.NewStudentRepository(db).Create(context.Background(), &model.Student{
		Name:        "Sam Student",
		Email:       "sam@example.org",
		FundingGoal: money.MustParse(goal),
	})
	require.NoError(t, err)
	return s
}

func CreateTestWishlistItem(t *testing.T, db *pg.DB, studentID, title, price string) *model.WishlistItem {
	t.Helper()
	item, err := repository.NewWishlistRepository(db).Create(context.Background(), &model.WishlistItem{
		StudentID: studentID,
		Title:     title,
		Price:     money.MustParse(price),
	})
	require.NoError(t, err)
	return item
}

func WaitForCondition(t *testing.T, timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func AssertEventually(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	t.Helper()
	if !WaitForCondition(t, timeout, condition) {
		t.Fatal(msg)
	}
}

func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func Ptr[T any](v T) *T {
	return &v
}
