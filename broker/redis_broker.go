package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/inferq/internal/tlsutil"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBroker implements Broker on Redis Streams. Each queue is a stream
// read through one consumer group, so every message goes to exactly one
// consumer of the group. Pending entries of a crashed consumer are claimed
// by the others after ClaimIdle.
type RedisBroker struct {
	client     *redis.Client
	ownsClient bool
	config     Config
	keyPrefix  string
	group      string
	consumer   string
	logger     *zap.Logger

	mu        sync.Mutex
	declared  map[string]bool
	lastClaim map[string]time.Time
	closed    bool
}

const (
	fieldBody    = "body"
	fieldAttempt = "attempt"
	fieldTime    = "ts"
)

// NewRedisBroker connects to config.URL (redis://...) and pings it.
func NewRedisBroker(ctx context.Context, config Config, logger *zap.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if config.Redis.PoolSize > 0 {
		opts.PoolSize = config.Redis.PoolSize
	}
	if opts.TLSConfig != nil {
		// rediss://
		opts.TLSConfig = tlsutil.Harden(opts.TLSConfig)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	b := NewRedisBrokerWithClient(client, config, logger)
	b.ownsClient = true
	return b, nil
}

// NewRedisBrokerWithClient wraps an existing client. The client is not
// closed by Close.
func NewRedisBrokerWithClient(client *redis.Client, config Config, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig().Redis
	rc := config.Redis
	if rc.KeyPrefix == "" {
		rc.KeyPrefix = defaults.KeyPrefix
	}
	if rc.Group == "" {
		rc.Group = defaults.Group
	}
	if rc.Consumer == "" {
		rc.Consumer = "consumer-" + uuid.NewString()
	}
	if rc.BlockInterval <= 0 {
		rc.BlockInterval = defaults.BlockInterval
	}
	config.Redis = rc

	return &RedisBroker{
		client:    client,
		config:    config,
		keyPrefix: rc.KeyPrefix,
		group:     rc.Group,
		consumer:  rc.Consumer,
		logger:    logger.With(zap.String("component", "redis_broker")),
		declared:  make(map[string]bool),
		lastClaim: make(map[string]time.Time),
	}
}

func (b *RedisBroker) streamKey(queue string) string {
	return b.keyPrefix + "q:" + queue
}

// Declare implements Broker.
func (b *RedisBroker) Declare(ctx context.Context, queue string) error {
	if err := b.check(queue); err != nil {
		return err
	}
	b.mu.Lock()
	done := b.declared[queue]
	b.mu.Unlock()
	if done {
		return nil
	}

	err := b.client.XGroupCreateMkStream(ctx, b.streamKey(queue), b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("declare %s: %w", queue, err)
	}

	b.mu.Lock()
	b.declared[queue] = true
	b.mu.Unlock()
	return nil
}

// Publish implements Broker.
func (b *RedisBroker) Publish(ctx context.Context, queue string, body []byte) error {
	return b.add(ctx, queue, body, 0)
}

func (b *RedisBroker) add(ctx context.Context, queue string, body []byte, attempt int) error {
	if err := b.check(queue); err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: b.streamKey(queue),
		Values: map[string]any{
			fieldBody:    body,
			fieldAttempt: attempt,
			fieldTime:    time.Now().UnixMilli(),
		},
	}
	if b.config.MaxLength > 0 {
		args.MaxLen = int64(b.config.MaxLength)
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", queue, err)
	}
	return nil
}

// Receive implements Broker.
func (b *RedisBroker) Receive(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error) {
	if err := b.Declare(ctx, queue); err != nil {
		return nil, err
	}
	key := b.streamKey(queue)
	start := time.Now()

	if d := b.claim(ctx, queue, key); d != nil {
		return d, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		block := b.config.Redis.BlockInterval
		if left, ok := remaining(timeout, start); ok {
			if left <= 0 {
				return nil, ErrNoMessage
			}
			if left < block {
				block = left
			}
		}
		if block < time.Millisecond {
			block = time.Millisecond
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{key, ">"},
			Count:    1,
			Block:    block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("receive %s: %w", queue, err)
		}

		for _, s := range streams {
			for _, m := range s.Messages {
				if d := b.toDelivery(ctx, queue, key, m, 1); d != nil {
					return d, nil
				}
			}
		}
	}
}

// claim takes over one message left pending by another consumer. Failures
// are logged and ignored; claiming is best effort.
func (b *RedisBroker) claim(ctx context.Context, queue, key string) *Delivery {
	idle := b.config.Redis.ClaimIdle
	if idle <= 0 {
		return nil
	}

	b.mu.Lock()
	last := b.lastClaim[queue]
	due := time.Since(last) >= idle/2
	if due {
		b.lastClaim[queue] = time.Now()
	}
	b.mu.Unlock()
	if !due {
		return nil
	}

	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   key,
		Group:    b.group,
		Consumer: b.consumer,
		MinIdle:  idle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		b.logger.Debug("autoclaim failed", zap.String("queue", queue), zap.Error(err))
		return nil
	}
	for _, m := range msgs {
		if d := b.toDelivery(ctx, queue, key, m, 2); d != nil {
			b.logger.Info("claimed abandoned message",
				zap.String("queue", queue),
				zap.String("id", m.ID))
			return d
		}
	}
	return nil
}

// toDelivery converts a stream entry. Expired entries are removed and nil
// is returned. extra is added to the stored attempt count.
func (b *RedisBroker) toDelivery(ctx context.Context, queue, key string, m redis.XMessage, extra int) *Delivery {
	body, _ := m.Values[fieldBody].(string)
	attempt, _ := strconv.Atoi(fmt.Sprint(m.Values[fieldAttempt]))
	ts, _ := strconv.ParseInt(fmt.Sprint(m.Values[fieldTime]), 10, 64)

	if ttl := b.config.MessageTTL; ttl > 0 && ts > 0 && time.Since(time.UnixMilli(ts)) > ttl {
		b.logger.Debug("message expired", zap.String("queue", queue), zap.String("id", m.ID))
		_ = b.remove(ctx, key, m.ID)
		return nil
	}

	d := &Delivery{
		Queue:      queue,
		ID:         m.ID,
		Body:       []byte(body),
		Attempt:    attempt + extra,
		ReceivedAt: time.Now(),
	}
	if ts > 0 {
		d.EnqueuedAt = time.UnixMilli(ts)
	}
	return d
}

func (b *RedisBroker) remove(ctx context.Context, key, id string) error {
	pipe := b.client.TxPipeline()
	ack := pipe.XAck(ctx, key, b.group, id)
	pipe.XDel(ctx, key, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if ack.Val() == 0 {
		return ErrUnknownDelivery
	}
	return nil
}

// Ack implements Broker.
func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return ErrUnknownDelivery
	}
	if err := b.check(d.Queue); err != nil {
		return err
	}
	if err := b.remove(ctx, b.streamKey(d.Queue), d.ID); err != nil {
		return fmt.Errorf("ack %s: %w", d.ID, err)
	}
	return nil
}

// nackScript settles a pending entry and re-adds its body in one step.
// It returns 0 when the entry is not pending for the group.
var nackScript = redis.NewScript(`
local n = redis.call('XACK', KEYS[1], ARGV[1], ARGV[2])
if n == 0 then
  return 0
end
redis.call('XDEL', KEYS[1], ARGV[2])
if tonumber(ARGV[6]) > 0 then
  redis.call('XADD', KEYS[2], 'MAXLEN', ARGV[6], '*', 'body', ARGV[3], 'attempt', ARGV[4], 'ts', ARGV[5])
else
  redis.call('XADD', KEYS[2], '*', 'body', ARGV[3], 'attempt', ARGV[4], 'ts', ARGV[5])
end
return 1
`)

// Nack implements Broker. A requeued message is appended to the tail of
// its stream with its attempt count and enqueue time preserved, so its TTL
// keeps running. A dead letter starts a fresh clock.
func (b *RedisBroker) Nack(ctx context.Context, d *Delivery, requeue bool) error {
	if d == nil {
		return ErrUnknownDelivery
	}
	if err := b.check(d.Queue); err != nil {
		return err
	}
	target := d.Queue
	ts := time.Now().UnixMilli()
	if !requeue {
		target = DeadLetterQueue(d.Queue)
	} else if !d.EnqueuedAt.IsZero() {
		ts = d.EnqueuedAt.UnixMilli()
	}

	keys := []string{b.streamKey(d.Queue), b.streamKey(target)}
	n, err := nackScript.Run(ctx, b.client, keys,
		b.group, d.ID, d.Body, d.Attempt, ts, b.config.MaxLength,
	).Int()
	if err != nil {
		return fmt.Errorf("nack %s: %w", d.ID, err)
	}
	if n == 0 {
		return ErrUnknownDelivery
	}
	return nil
}

// Ping implements Broker.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.check("ping"); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}

// Close implements Broker. Pending entries stay in the group's pending
// list until another consumer claims them.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}

func (b *RedisBroker) check(queue string) error {
	if err := validateQueue(queue); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}
