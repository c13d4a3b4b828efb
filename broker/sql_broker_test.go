package broker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// =============================================================================
// 🧪 SQL 租约表后端测试（纯 Go sqlite + sqlmock）
// =============================================================================

func testSQLConfig(t *testing.T) Config {
	dsn := filepath.Join(t.TempDir(), "inferq.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	return Config{
		Type: TypeSQL,
		URL:  dsn,
		SQL: SQLConfig{
			Driver:       "sqlite",
			Table:        "messages",
			PollInterval: 10 * time.Millisecond,
			Visibility:   time.Minute,
		},
	}
}

func newTestSQLBroker(t *testing.T, cfg Config) *SQLBroker {
	b, err := NewSQLBroker(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSQLBroker_Conformance(t *testing.T) {
	cfg := testSQLConfig(t)
	runConformance(t, conformanceOptions{
		connect: func(t *testing.T) Broker {
			return newTestSQLBroker(t, cfg)
		},
		redeliverOnClose: true,
	})
}

func TestSQLBroker_LeaseExpiryRedelivers(t *testing.T) {
	cfg := testSQLConfig(t)
	cfg.SQL.Visibility = 30 * time.Millisecond
	b := newTestSQLBroker(t, cfg)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "q", []byte("slow")))
	first, err := b.Receive(ctx, "q", time.Second)
	require.NoError(t, err)

	_, err = b.Receive(ctx, "q", 10*time.Millisecond)
	require.ErrorIs(t, err, ErrNoMessage, "leased row is invisible")

	second, err := b.Receive(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Attempt)

	assert.ErrorIs(t, b.Ack(ctx, first), ErrUnknownDelivery, "stale lease cannot ack")
	assert.NoError(t, b.Ack(ctx, second))
}

func TestSQLBroker_MaxLengthAndTTL(t *testing.T) {
	cfg := testSQLConfig(t)
	cfg.MaxLength = 2
	cfg.MessageTTL = 50 * time.Millisecond
	b := newTestSQLBroker(t, cfg)
	ctx := context.Background()

	for _, body := range []string{"1", "2", "3"} {
		require.NoError(t, b.Publish(ctx, "q", []byte(body)))
	}
	depth, err := b.Depth(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	time.Sleep(80 * time.Millisecond)
	_, err = b.Receive(ctx, "q", 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoMessage)

	depth, err = b.Depth(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestSQLBroker_NackWithoutRequeueMarksDead(t *testing.T) {
	b := newTestSQLBroker(t, testSQLConfig(t))
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "q", []byte("poison")))
	d, err := b.Receive(ctx, "q", time.Second)
	require.NoError(t, err)
	require.NoError(t, b.Nack(ctx, d, false))

	_, err = b.Receive(ctx, "q", 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoMessage)

	var dead int64
	require.NoError(t, b.db.Table("messages").Where("dead = ?", true).Count(&dead).Error)
	assert.Equal(t, int64(1), dead)
}

func TestSQLBroker_BadDeliveryID(t *testing.T) {
	b := newTestSQLBroker(t, testSQLConfig(t))
	err := b.Ack(context.Background(), &Delivery{Queue: "q", ID: "garbage"})
	assert.ErrorIs(t, err, ErrUnknownDelivery)
}

func TestSQLBroker_UnsupportedDriver(t *testing.T) {
	cfg := testSQLConfig(t)
	cfg.SQL.Driver = "oracle"
	_, err := NewSQLBroker(context.Background(), cfg, zap.NewNop())
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestSQLBroker_PingFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockDB.Close()

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	_, err = NewSQLBrokerWithDB(context.Background(), gormDB, Config{Type: TypeSQL}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}
