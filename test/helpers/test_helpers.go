package helpers

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blockcoop/settlement-gateway/internal/model"
	"github.com/blockcoop/settlement-gateway/internal/repository"
	"github.com/blockcoop/settlement-gateway/pkg/pg"
	"github.com/blockcoop/settlement-gateway/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func SetupTestDB(t *testing.T) *pg.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	// A pooled :memory: database is per-connection; pin the pool to one
	// connection so concurrent tests observe the same database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&repository.TransactionEntity{},
		&repository.BridgeRecordEntity{},
	)
	require.NoError(t, err)

	pgDB := &pg.DB{}
	pgDBValue := reflect.ValueOf(pgDB).Elem()

	readField := pgDBValue.FieldByName("read")
	writeField := pgDBValue.FieldByName("write")

	readField = reflect.NewAt(readField.Type(), readField.Addr().UnsafePointer()).Elem()
	writeField = reflect.NewAt(writeField.Type(), writeField.Addr().UnsafePointer()).Elem()

	readField.Set(reflect.ValueOf(db))
	writeField.Set(reflect.ValueOf(db))

	return pgDB
}

func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	// The adapter registry is keyed by connection name; a shared name would
	// hand the second test the first test's closed miniredis.
	connName := t.Name() + "-" + mr.Addr()
	adapter, err := redis.NewRedisAdapter(connName, "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	return mr, adapter
}

func CreateTestTransaction(t *testing.T, db *pg.DB, packageID int64) *model.Transaction {
	ctx := context.Background()
	repo := repository.NewTransactionRepository(db)
	txn, err := repo.Create(ctx, &model.Transaction{
		PhoneNumber:   "254712345678",
		WalletAddress: "0x1111111111111111111111111111111111111111",
		PackageID:     packageID,
		AmountUSD:     decimal.NewFromInt(100),
		AmountKES:     decimal.NewFromInt(12950),
	})
	require.NoError(t, err)
	return txn
}

// CreateCompletedTransaction seeds a payment that finished on the provider
// side but has not settled on chain yet.
func CreateCompletedTransaction(t *testing.T, db *pg.DB, packageID int64) *model.Transaction {
	ctx := context.Background()
	repo := repository.NewTransactionRepository(db)

	txn := CreateTestTransaction(t, db, packageID)
	changed, err := repo.CompleteFromPending(ctx, txn.ID, "TESTRECEIPT", 0, "The service request is processed successfully.")
	require.NoError(t, err)
	require.True(t, changed)

	completed, err := repo.GetByID(ctx, txn.ID)
	require.NoError(t, err)
	return completed
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
