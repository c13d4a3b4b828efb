package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/inferq/internal/tlsutil"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPBroker implements Broker on RabbitMQ. Queues are published through
// the default exchange with the queue name as routing key. Queue limits
// map to the x-message-ttl and x-max-length arguments, so RabbitMQ enforces
// them server side.
//
// All channel operations are serialized by one mutex. A lost connection is
// re-dialed lazily by the next operation; deliveries received before the
// reconnect can no longer be settled and are redelivered by RabbitMQ.
type AMQPBroker struct {
	config Config
	logger *zap.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	gen       uint64
	declared  map[string]bool
	replies   map[string]bool
	consumers map[string]<-chan amqp.Delivery
	closed    bool
}

// NewAMQPBroker dials config.URL.
func NewAMQPBroker(ctx context.Context, config Config, logger *zap.Logger) (*AMQPBroker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.AMQP.Prefetch <= 0 {
		config.AMQP.Prefetch = DefaultConfig().AMQP.Prefetch
	}
	if config.AMQP.ReplyExpires <= 0 {
		config.AMQP.ReplyExpires = DefaultConfig().AMQP.ReplyExpires
	}
	b := &AMQPBroker{
		config:    config,
		logger:    logger.With(zap.String("component", "amqp_broker")),
		declared:  make(map[string]bool),
		replies:   make(map[string]bool),
		consumers: make(map[string]<-chan amqp.Delivery),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

// connectLocked (re)establishes the connection and channel. Caller holds b.mu.
func (b *AMQPBroker) connectLocked() error {
	if b.closed {
		return ErrClosed
	}
	if b.conn != nil && !b.conn.IsClosed() && b.ch != nil && !b.ch.IsClosed() {
		return nil
	}
	b.dropLocked()

	var (
		conn *amqp.Connection
		err  error
	)
	if strings.HasPrefix(b.config.URL, "amqps://") {
		conn, err = amqp.DialTLS(b.config.URL, tlsutil.DefaultTLSConfig())
	} else {
		conn, err = amqp.Dial(b.config.URL)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(b.config.AMQP.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	b.conn = conn
	b.ch = ch
	b.gen++

	for queue := range b.declared {
		if err := b.declareLocked(queue); err != nil {
			return err
		}
	}
	if b.gen > 1 {
		b.logger.Info("reconnected", zap.Uint64("generation", b.gen))
	}
	return nil
}

func (b *AMQPBroker) dropLocked() {
	if b.ch != nil {
		_ = b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
	b.consumers = make(map[string]<-chan amqp.Delivery)
}

// queueSpec returns the durability and arguments queue is declared with.
// A private reply queue is never durable and expires once its producer has
// stopped consuming for ReplyExpires, so restarts do not leak queues.
func (b *AMQPBroker) queueSpec(queue string) (bool, amqp.Table) {
	args := amqp.Table{}
	if b.config.MessageTTL > 0 {
		args["x-message-ttl"] = b.config.MessageTTL.Milliseconds()
	}
	if b.config.MaxLength > 0 {
		args["x-max-length"] = int64(b.config.MaxLength)
	}
	if b.replies[queue] {
		args["x-expires"] = b.config.AMQP.ReplyExpires.Milliseconds()
		return false, args
	}
	return b.config.AMQP.Durable, args
}

func (b *AMQPBroker) declareLocked(queue string) error {
	durable, args := b.queueSpec(queue)
	_, err := b.ch.QueueDeclare(
		queue,   // name
		durable, // durable
		false,   // auto-delete
		false,   // exclusive
		false,   // no-wait
		args,    // arguments
	)
	if err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}
	b.declared[queue] = true
	return nil
}

// Declare implements Broker.
func (b *AMQPBroker) Declare(ctx context.Context, queue string) error {
	if err := validateQueue(queue); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(); err != nil {
		return err
	}
	if b.declared[queue] {
		return nil
	}
	return b.declareLocked(queue)
}

// DeclareReply implements ReplyDeclarer. The queue is non-durable with an
// x-expires argument. It is not exclusive, so it survives a reconnect.
func (b *AMQPBroker) DeclareReply(ctx context.Context, queue string) error {
	if err := validateQueue(queue); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(); err != nil {
		return err
	}
	b.replies[queue] = true
	if b.declared[queue] {
		return nil
	}
	return b.declareLocked(queue)
}

// Publish implements Broker.
func (b *AMQPBroker) Publish(ctx context.Context, queue string, body []byte) error {
	if err := validateQueue(queue); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(); err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now(),
		Body:        body,
	}
	if b.config.AMQP.Durable {
		msg.DeliveryMode = amqp.Persistent
	}
	if err := b.ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", queue, err)
	}
	return nil
}

// consumer returns the delivery stream of queue, starting it on first use.
func (b *AMQPBroker) consumer(queue string) (<-chan amqp.Delivery, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(); err != nil {
		return nil, 0, err
	}
	if c, ok := b.consumers[queue]; ok {
		return c, b.gen, nil
	}
	if !b.declared[queue] {
		if err := b.declareLocked(queue); err != nil {
			return nil, 0, err
		}
	}
	c, err := b.ch.Consume(
		queue, // queue
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return nil, 0, fmt.Errorf("consume %s: %w", queue, err)
	}
	b.consumers[queue] = c
	return c, b.gen, nil
}

// Receive implements Broker.
func (b *AMQPBroker) Receive(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error) {
	if err := validateQueue(queue); err != nil {
		return nil, err
	}
	deliveries, gen, err := b.consumer(queue)
	if err != nil {
		return nil, err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case d, ok := <-deliveries:
		if !ok {
			b.mu.Lock()
			if b.gen == gen {
				delete(b.consumers, queue)
			}
			b.mu.Unlock()
			return nil, fmt.Errorf("receive %s: delivery stream closed", queue)
		}
		return &Delivery{
			Queue:      queue,
			ID:         strconv.FormatUint(gen, 10) + ":" + strconv.FormatUint(d.DeliveryTag, 10),
			Body:       d.Body,
			Attempt:    amqpAttempt(d),
			EnqueuedAt: d.Timestamp,
			ReceivedAt: time.Now(),
		}, nil
	case <-timer:
		return nil, ErrNoMessage
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// amqpAttempt prefers the quorum-queue delivery counter and falls back to
// the redelivered flag.
func amqpAttempt(d amqp.Delivery) int {
	if v, ok := d.Headers["x-delivery-count"]; ok {
		switch n := v.(type) {
		case int64:
			return int(n) + 1
		case int32:
			return int(n) + 1
		case int:
			return n + 1
		}
	}
	if d.Redelivered {
		return 2
	}
	return 1
}

// tagLocked resolves a delivery ID issued on the current channel.
func (b *AMQPBroker) tagLocked(d *Delivery) (uint64, error) {
	if d == nil {
		return 0, ErrUnknownDelivery
	}
	genStr, tagStr, ok := strings.Cut(d.ID, ":")
	if !ok {
		return 0, ErrUnknownDelivery
	}
	gen, err1 := strconv.ParseUint(genStr, 10, 64)
	tag, err2 := strconv.ParseUint(tagStr, 10, 64)
	if err1 != nil || err2 != nil || gen != b.gen || b.ch == nil {
		return 0, ErrUnknownDelivery
	}
	return tag, nil
}

// Ack implements Broker.
func (b *AMQPBroker) Ack(ctx context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	tag, err := b.tagLocked(d)
	if err != nil {
		return err
	}
	if err := b.ch.Ack(tag, false); err != nil {
		return fmt.Errorf("ack %s: %w", d.ID, err)
	}
	return nil
}

// Nack implements Broker. Without requeue RabbitMQ routes the message to
// the queue's dead-letter exchange if a policy sets one, and drops it
// otherwise.
func (b *AMQPBroker) Nack(ctx context.Context, d *Delivery, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	tag, err := b.tagLocked(d)
	if err != nil {
		return err
	}
	if err := b.ch.Nack(tag, false, requeue); err != nil {
		return fmt.Errorf("nack %s: %w", d.ID, err)
	}
	return nil
}

// Ping implements Broker.
func (b *AMQPBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectLocked()
}

// Close implements Broker.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var err error
	if b.conn != nil {
		err = b.conn.Close()
	}
	b.conn = nil
	b.ch = nil
	b.consumers = nil
	return err
}
