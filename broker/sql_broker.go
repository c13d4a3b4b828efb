package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/inferq/internal/database"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// sqlMessage is one row of the message table. Times are unix milliseconds.
// A row is ready when it is not dead and its lease has expired.
type sqlMessage struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	Queue      string `gorm:"size:255;not null;index:idx_inferq_ready,priority:1"`
	Body       []byte `gorm:"not null"`
	Attempt    int    `gorm:"not null;default:0"`
	Dead       bool   `gorm:"not null;default:false;index:idx_inferq_ready,priority:2"`
	LeaseUntil int64  `gorm:"not null;default:0;index:idx_inferq_ready,priority:3"`
	LeaseOwner string `gorm:"size:64;not null;default:''"`
	EnqueuedAt int64  `gorm:"not null"`
}

var (
	errSQLEmpty     = errors.New("no ready row")
	errSQLContended = errors.New("row leased concurrently")
)

// SQLBroker implements Broker on a single SQL table. Receiving a message
// leases its row for the visibility timeout; an unsettled lease expires and
// the row becomes ready again, which gives at-least-once delivery across
// crashed consumers.
type SQLBroker struct {
	db      *gorm.DB
	pool    *database.PoolManager
	ownsDB  bool
	config  Config
	table   string
	owner   string
	logger  *zap.Logger
	closeMu sync.RWMutex
	closed  bool
}

// OpenSQL opens the dialector named by config.SQL.Driver with DSN config.URL.
func OpenSQL(config Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(config.SQL.Driver) {
	case "", "sqlite":
		dialector = sqlite.Open(config.URL)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.URL)
	case "mysql":
		dialector = mysql.Open(config.URL)
	default:
		return nil, fmt.Errorf("%w: sql driver %q", ErrUnsupportedType, config.SQL.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:               logger.Default.LogMode(logger.Silent),
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", config.SQL.Driver, err)
	}

	return db, nil
}

// sqlPoolConfig returns the connection pool settings for an owned database.
func sqlPoolConfig(driver string) database.PoolConfig {
	cfg := database.DefaultPoolConfig()
	if d := strings.ToLower(driver); d == "" || d == "sqlite" {
		// sqlite allows a single writer
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}
	return cfg
}

// NewSQLBroker opens the database and migrates the message table.
func NewSQLBroker(ctx context.Context, config Config, log *zap.Logger) (*SQLBroker, error) {
	db, err := OpenSQL(config)
	if err != nil {
		return nil, err
	}
	b, err := newSQLBroker(ctx, db, sqlPoolConfig(config.SQL.Driver), config, log)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	b.ownsDB = true
	return b, nil
}

// NewSQLBrokerWithDB uses an existing connection. It pings the database and
// auto-migrates the message table. The pool settings of db are left as they are.
func NewSQLBrokerWithDB(ctx context.Context, db *gorm.DB, config Config, log *zap.Logger) (*SQLBroker, error) {
	return newSQLBroker(ctx, db, database.PoolConfig{MaxTxAttempts: database.DefaultPoolConfig().MaxTxAttempts}, config, log)
}

func newSQLBroker(ctx context.Context, db *gorm.DB, poolCfg database.PoolConfig, config Config, log *zap.Logger) (*SQLBroker, error) {
	if log == nil {
		log = zap.NewNop()
	}
	defaults := DefaultConfig().SQL
	if config.SQL.Table == "" {
		config.SQL.Table = defaults.Table
	}
	if config.SQL.PollInterval <= 0 {
		config.SQL.PollInterval = defaults.PollInterval
	}
	if config.SQL.Visibility <= 0 {
		config.SQL.Visibility = defaults.Visibility
	}

	pool, err := database.NewPoolManager(db, poolCfg, log)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.WithContext(ctx).Table(config.SQL.Table).AutoMigrate(&sqlMessage{}); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", config.SQL.Table, err)
	}

	return &SQLBroker{
		db:     db,
		pool:   pool,
		config: config,
		table:  config.SQL.Table,
		owner:  uuid.NewString(),
		logger: log.With(zap.String("component", "sql_broker")),
	}, nil
}

func (b *SQLBroker) tx(ctx context.Context) *gorm.DB {
	return b.db.WithContext(ctx).Table(b.table)
}

// Declare implements Broker. Queues are rows with a queue column, so there
// is nothing to create.
func (b *SQLBroker) Declare(ctx context.Context, queue string) error {
	return b.check(queue)
}

// Publish implements Broker.
func (b *SQLBroker) Publish(ctx context.Context, queue string, body []byte) error {
	if err := b.check(queue); err != nil {
		return err
	}
	msg := sqlMessage{
		Queue:      queue,
		Body:       body,
		EnqueuedAt: time.Now().UnixMilli(),
	}

	err := b.pool.WithTransactionRetry(ctx, func(tx *gorm.DB) error {
		if err := tx.Table(b.table).Create(&msg).Error; err != nil {
			return err
		}
		if b.config.MaxLength <= 0 {
			return nil
		}
		return b.trim(tx, queue)
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", queue, err)
	}
	return nil
}

// trim drops the oldest ready rows beyond MaxLength.
func (b *SQLBroker) trim(tx *gorm.DB, queue string) error {
	var count int64
	if err := tx.Table(b.table).Where("queue = ? AND dead = ?", queue, false).Count(&count).Error; err != nil {
		return err
	}
	excess := int(count) - b.config.MaxLength
	if excess <= 0 {
		return nil
	}

	var ids []int64
	err := tx.Table(b.table).
		Where("queue = ? AND dead = ? AND lease_until <= ?", queue, false, time.Now().UnixMilli()).
		Order("id").
		Limit(excess).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return err
	}
	b.logger.Debug("queue full, dropped oldest", zap.String("queue", queue), zap.Int("dropped", len(ids)))
	return tx.Table(b.table).Where("id IN ?", ids).Delete(&sqlMessage{}).Error
}

// Receive implements Broker.
func (b *SQLBroker) Receive(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error) {
	if err := b.check(queue); err != nil {
		return nil, err
	}
	start := time.Now()

	for {
		d, err := b.lease(ctx, queue)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, errSQLEmpty) && !errors.Is(err, errSQLContended) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("receive %s: %w", queue, err)
		}
		if errors.Is(err, errSQLContended) {
			continue
		}

		wait := b.config.SQL.PollInterval
		if left, ok := remaining(timeout, start); ok {
			if left <= 0 {
				return nil, ErrNoMessage
			}
			if left < wait {
				wait = left
			}
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		if err := b.check(queue); err != nil {
			return nil, err
		}
	}
}

// lease claims the oldest ready row of queue.
func (b *SQLBroker) lease(ctx context.Context, queue string) (*Delivery, error) {
	var out *Delivery
	err := b.pool.WithTransactionRetry(ctx, func(tx *gorm.DB) error {
		now := time.Now().UnixMilli()

		if ttl := b.config.MessageTTL; ttl > 0 {
			expired := tx.Table(b.table).
				Where("queue = ? AND dead = ? AND lease_until <= ? AND enqueued_at < ?",
					queue, false, now, now-ttl.Milliseconds()).
				Delete(&sqlMessage{})
			if expired.Error != nil {
				return expired.Error
			}
			if expired.RowsAffected > 0 {
				b.logger.Debug("messages expired", zap.String("queue", queue), zap.Int64("count", expired.RowsAffected))
			}
		}

		var msg sqlMessage
		res := tx.Table(b.table).
			Where("queue = ? AND dead = ? AND lease_until <= ?", queue, false, now).
			Order("id").
			Limit(1).
			Find(&msg)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errSQLEmpty
		}

		attempt := msg.Attempt + 1
		upd := tx.Table(b.table).
			Where("id = ? AND lease_until = ? AND attempt = ?", msg.ID, msg.LeaseUntil, msg.Attempt).
			Updates(map[string]any{
				"lease_until": now + b.config.SQL.Visibility.Milliseconds(),
				"lease_owner": b.owner,
				"attempt":     attempt,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return errSQLContended
		}

		out = &Delivery{
			Queue:      queue,
			ID:         strconv.FormatInt(msg.ID, 10) + ":" + strconv.Itoa(attempt),
			Body:       msg.Body,
			Attempt:    attempt,
			EnqueuedAt: time.UnixMilli(msg.EnqueuedAt),
			ReceivedAt: time.Now(),
		}
		return nil
	})
	return out, err
}

func parseSQLDelivery(d *Delivery) (int64, int, error) {
	if d == nil {
		return 0, 0, ErrUnknownDelivery
	}
	idStr, attemptStr, ok := strings.Cut(d.ID, ":")
	if !ok {
		return 0, 0, ErrUnknownDelivery
	}
	id, err1 := strconv.ParseInt(idStr, 10, 64)
	attempt, err2 := strconv.Atoi(attemptStr)
	if err1 != nil || err2 != nil {
		return 0, 0, ErrUnknownDelivery
	}
	return id, attempt, nil
}

// owned scopes a query to a row this connection still leases.
func (b *SQLBroker) owned(ctx context.Context, d *Delivery) (*gorm.DB, error) {
	if err := b.check(d.Queue); err != nil {
		return nil, err
	}
	id, attempt, err := parseSQLDelivery(d)
	if err != nil {
		return nil, err
	}
	return b.tx(ctx).Where("id = ? AND attempt = ? AND lease_owner = ? AND dead = ?", id, attempt, b.owner, false), nil
}

// Ack implements Broker.
func (b *SQLBroker) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return ErrUnknownDelivery
	}
	q, err := b.owned(ctx, d)
	if err != nil {
		return err
	}
	res := q.Delete(&sqlMessage{})
	if res.Error != nil {
		return fmt.Errorf("ack %s: %w", d.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUnknownDelivery
	}
	return nil
}

// Nack implements Broker. Dead rows stay in the table with dead = true.
func (b *SQLBroker) Nack(ctx context.Context, d *Delivery, requeue bool) error {
	if d == nil {
		return ErrUnknownDelivery
	}
	q, err := b.owned(ctx, d)
	if err != nil {
		return err
	}
	updates := map[string]any{"lease_until": int64(0), "lease_owner": ""}
	if !requeue {
		updates["dead"] = true
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("nack %s: %w", d.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUnknownDelivery
	}
	return nil
}

// Depth returns the number of ready rows of queue.
func (b *SQLBroker) Depth(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := b.tx(ctx).
		Where("queue = ? AND dead = ? AND lease_until <= ?", queue, false, time.Now().UnixMilli()).
		Count(&n).Error
	return n, err
}

// Ping implements Broker.
func (b *SQLBroker) Ping(ctx context.Context) error {
	if err := b.check("ping"); err != nil {
		return err
	}
	return b.pool.Ping(ctx)
}

// Close implements Broker. Leases held by this connection are released so
// their rows are redelivered at once.
func (b *SQLBroker) Close() error {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return nil
	}
	b.closed = true
	b.closeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := b.tx(ctx).
		Where("lease_owner = ? AND dead = ?", b.owner, false).
		Updates(map[string]any{"lease_until": int64(0), "lease_owner": ""}).Error
	if err != nil {
		b.logger.Warn("failed to release leases", zap.Error(err))
	}

	if !b.ownsDB {
		return nil
	}
	return errors.Join(err, b.pool.Close())
}

func (b *SQLBroker) check(queue string) error {
	if err := validateQueue(queue); err != nil {
		return err
	}
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}
