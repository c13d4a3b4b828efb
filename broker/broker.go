package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors
var (
	ErrNoMessage       = errors.New("no message available")
	ErrClosed          = errors.New("broker is closed")
	ErrUnknownDelivery = errors.New("unknown delivery")
	ErrInvalidQueue    = errors.New("invalid queue name")
	ErrUnsupportedType = errors.New("unsupported broker type")
)

// Broker is the set of durable queue primitives the producer and consumer
// are written against. Implementations must be safe for concurrent use.
type Broker interface {
	// Declare creates the queue if it does not exist.
	Declare(ctx context.Context, queue string) error

	// Publish appends body to queue.
	Publish(ctx context.Context, queue string, body []byte) error

	// Receive returns the next message of queue, waiting at most timeout.
	// It returns ErrNoMessage when nothing arrived in time. A timeout <= 0
	// waits until ctx is done.
	Receive(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error)

	// Ack removes a received message for good.
	Ack(ctx context.Context, d *Delivery) error

	// Nack gives a received message back. With requeue it becomes
	// available again, otherwise it is dead-lettered.
	Nack(ctx context.Context, d *Delivery, requeue bool) error

	// Ping checks that the broker is reachable.
	Ping(ctx context.Context) error

	// Close releases the connection. Unacknowledged messages are redelivered.
	Close() error
}

// Delivery is one received message.
type Delivery struct {
	Queue string
	// ID identifies this delivery for Ack/Nack. It is backend specific.
	ID   string
	Body []byte
	// Attempt counts deliveries of the message, starting at 1.
	Attempt int
	// EnqueuedAt is when the message was first published, zero if unknown.
	// MessageTTL counts from it and a requeue keeps it.
	EnqueuedAt time.Time
	ReceivedAt time.Time
}

// Type selects a broker backend
type Type string

const (
	TypeMemory Type = "memory"
	TypeRedis  Type = "redis"
	TypeAMQP   Type = "amqp"
	TypeSQL    Type = "sql"
)

// Config configures a broker connection.
type Config struct {
	Type Type   `yaml:"type" json:"type"`
	URL  string `yaml:"url" json:"url"`

	// MessageTTL drops messages older than this when they are received (0 = never)
	MessageTTL time.Duration `yaml:"message_ttl" json:"message_ttl"`

	// MaxLength caps queue length, dropping the oldest messages (0 = unbounded)
	MaxLength int `yaml:"max_length" json:"max_length"`

	Redis RedisConfig `yaml:"redis" json:"redis"`
	AMQP  AMQPConfig  `yaml:"amqp" json:"amqp"`
	SQL   SQLConfig   `yaml:"sql" json:"sql"`
}

// RedisConfig configures the Redis Streams backend
type RedisConfig struct {
	// KeyPrefix is prepended to every stream key (default: "inferq:")
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`

	// Group is the consumer group shared by all consumers of a queue (default: "inferq")
	Group string `yaml:"group" json:"group"`

	// Consumer names this connection inside the group (default: random)
	Consumer string `yaml:"consumer" json:"consumer"`

	// PoolSize is the connection pool size (default: go-redis default)
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// BlockInterval bounds a single XREADGROUP BLOCK call (default: 1s)
	BlockInterval time.Duration `yaml:"block_interval" json:"block_interval"`

	// ClaimIdle reclaims messages another consumer left pending this long (default: 30s, 0 disables)
	ClaimIdle time.Duration `yaml:"claim_idle" json:"claim_idle"`
}

// AMQPConfig configures the RabbitMQ backend
type AMQPConfig struct {
	// Prefetch is the channel QoS prefetch count (default: 32)
	Prefetch int `yaml:"prefetch" json:"prefetch"`

	// Durable declares durable queues with persistent messages (default: true)
	Durable bool `yaml:"durable" json:"durable"`

	// ReplyExpires deletes a private reply queue after it has had no
	// consumer for this long (default: 1m)
	ReplyExpires time.Duration `yaml:"reply_expires" json:"reply_expires"`
}

// SQLConfig configures the SQL backend
type SQLConfig struct {
	// Driver is one of sqlite, postgres, mysql (default: sqlite)
	Driver string `yaml:"driver" json:"driver"`

	// Table holds the messages of all queues (default: "inferq_messages")
	Table string `yaml:"table" json:"table"`

	// PollInterval is the sleep between empty polls (default: 50ms)
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`

	// Visibility is the lease length of a received message (default: 30s)
	Visibility time.Duration `yaml:"visibility" json:"visibility"`
}

// DefaultConfig returns an in-memory configuration with the queue limits of
// the reference deployment.
func DefaultConfig() Config {
	return Config{
		Type:       TypeMemory,
		MessageTTL: 4 * time.Second,
		MaxLength:  32,
		Redis: RedisConfig{
			KeyPrefix:     "inferq:",
			Group:         "inferq",
			BlockInterval: time.Second,
			ClaimIdle:     30 * time.Second,
		},
		AMQP: AMQPConfig{
			Prefetch:     32,
			Durable:      true,
			ReplyExpires: time.Minute,
		},
		SQL: SQLConfig{
			Driver:       "sqlite",
			Table:        "inferq_messages",
			PollInterval: 50 * time.Millisecond,
			Visibility:   30 * time.Second,
		},
	}
}

// ReplyDeclarer is implemented by brokers that declare a producer's private
// reply queue differently from shared queues, so the server can remove it
// once the producer is gone.
type ReplyDeclarer interface {
	DeclareReply(ctx context.Context, queue string) error
}

// DeclareReply declares a private reply queue. Brokers without a notion of
// transient queues get a plain Declare.
func DeclareReply(ctx context.Context, b Broker, queue string) error {
	if rd, ok := b.(ReplyDeclarer); ok {
		return rd.DeclareReply(ctx, queue)
	}
	return b.Declare(ctx, queue)
}

// DeadLetterQueue returns the queue that receives messages nacked without requeue.
func DeadLetterQueue(queue string) string {
	return queue + ":dead"
}

func validateQueue(queue string) error {
	if strings.TrimSpace(queue) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidQueue)
	}
	return nil
}

// remaining returns the time left until deadline, and whether a deadline applies.
func remaining(timeout time.Duration, start time.Time) (time.Duration, bool) {
	if timeout <= 0 {
		return 0, false
	}
	return timeout - time.Since(start), true
}
