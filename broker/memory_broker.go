package broker

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryServer holds in-process queues that several MemoryBroker
// connections can share. It models a broker process: messages outlive the
// connections that published or received them.
type MemoryServer struct {
	mu        sync.Mutex
	queues    map[string]*memoryQueue
	ttl       time.Duration
	maxLength int
	seq       uint64
	logger    *zap.Logger
}

type memoryQueue struct {
	items []*memoryMessage
	// notify is closed and replaced whenever a message is added.
	notify chan struct{}
}

type memoryMessage struct {
	seq        uint64
	body       []byte
	attempt    int
	enqueuedAt time.Time
}

type memoryInflight struct {
	queue string
	msg   *memoryMessage
}

// NewMemoryServer creates an empty server with the given queue limits.
func NewMemoryServer(ttl time.Duration, maxLength int, logger *zap.Logger) *MemoryServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryServer{
		queues:    make(map[string]*memoryQueue),
		ttl:       ttl,
		maxLength: maxLength,
		logger:    logger.With(zap.String("component", "memory_broker")),
	}
}

// Connect opens a new connection to the server.
func (s *MemoryServer) Connect() *MemoryBroker {
	return &MemoryBroker{
		server:   s,
		inflight: make(map[string]memoryInflight),
	}
}

// Depth returns the number of ready (not in-flight) messages in queue.
func (s *MemoryServer) Depth(queue string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queue]
	if !ok {
		return 0
	}
	return len(q.items)
}

// queue returns the named queue, creating it on first use. Caller holds s.mu.
func (s *MemoryServer) queue(name string) *memoryQueue {
	q, ok := s.queues[name]
	if !ok {
		q = &memoryQueue{notify: make(chan struct{})}
		s.queues[name] = q
	}
	return q
}

func (s *MemoryServer) push(name string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(name)
	s.seq++
	q.items = append(q.items, &memoryMessage{
		seq:        s.seq,
		body:       body,
		enqueuedAt: time.Now(),
	})
	if s.maxLength > 0 && len(q.items) > s.maxLength {
		dropped := len(q.items) - s.maxLength
		q.items = q.items[dropped:]
		s.logger.Debug("queue full, dropped oldest",
			zap.String("queue", name),
			zap.Int("dropped", dropped))
	}
	q.wake()
}

// requeue puts messages back at the head of their queue in original order.
func (s *MemoryServer) requeue(items []memoryInflight) {
	if len(items) == 0 {
		return
	}
	sort.Slice(items, func(i, j int) bool { return items[i].msg.seq < items[j].msg.seq })

	s.mu.Lock()
	defer s.mu.Unlock()

	byQueue := make(map[string][]*memoryMessage)
	var order []string
	for _, it := range items {
		if _, ok := byQueue[it.queue]; !ok {
			order = append(order, it.queue)
		}
		byQueue[it.queue] = append(byQueue[it.queue], it.msg)
	}
	for _, name := range order {
		q := s.queue(name)
		q.items = append(byQueue[name], q.items...)
		q.wake()
	}
}

// pop removes the next live message of queue. Caller holds s.mu.
func (s *MemoryServer) pop(name string, now time.Time) *memoryMessage {
	q := s.queue(name)
	for len(q.items) > 0 {
		msg := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		if s.ttl > 0 && now.Sub(msg.enqueuedAt) > s.ttl {
			s.logger.Debug("message expired", zap.String("queue", name))
			continue
		}
		return msg
	}
	return nil
}

func (q *memoryQueue) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// MemoryBroker is one connection to a MemoryServer. Messages it received
// but did not settle go back to their queue when it is closed.
type MemoryBroker struct {
	server *MemoryServer

	mu       sync.Mutex
	inflight map[string]memoryInflight
	closed   bool
}

// NewMemoryBroker creates a private server and returns a connection to it.
func NewMemoryBroker(config Config, logger *zap.Logger) *MemoryBroker {
	return NewMemoryServer(config.MessageTTL, config.MaxLength, logger).Connect()
}

// Server returns the server this connection belongs to.
func (b *MemoryBroker) Server() *MemoryServer {
	return b.server
}

// Declare implements Broker.
func (b *MemoryBroker) Declare(ctx context.Context, queue string) error {
	if err := b.check(queue); err != nil {
		return err
	}
	b.server.mu.Lock()
	b.server.queue(queue)
	b.server.mu.Unlock()
	return nil
}

// Publish implements Broker.
func (b *MemoryBroker) Publish(ctx context.Context, queue string, body []byte) error {
	if err := b.check(queue); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	b.server.push(queue, cp)
	return nil
}

// Receive implements Broker.
func (b *MemoryBroker) Receive(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error) {
	if err := b.check(queue); err != nil {
		return nil, err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		b.server.mu.Lock()
		msg := b.server.pop(queue, time.Now())
		notify := b.server.queue(queue).notify
		b.server.mu.Unlock()

		if msg != nil {
			d, err := b.track(queue, msg)
			if err != nil {
				return nil, err
			}
			return d, nil
		}

		select {
		case <-notify:
		case <-timer:
			return nil, ErrNoMessage
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *MemoryBroker) track(queue string, msg *memoryMessage) (*Delivery, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.server.requeue([]memoryInflight{{queue: queue, msg: msg}})
		return nil, ErrClosed
	}
	msg.attempt++
	id := strconv.FormatUint(msg.seq, 10) + "." + strconv.Itoa(msg.attempt)
	b.inflight[id] = memoryInflight{queue: queue, msg: msg}
	b.mu.Unlock()

	return &Delivery{
		Queue:      queue,
		ID:         id,
		Body:       msg.body,
		Attempt:    msg.attempt,
		EnqueuedAt: msg.enqueuedAt,
		ReceivedAt: time.Now(),
	}, nil
}

func (b *MemoryBroker) settle(d *Delivery) (memoryInflight, error) {
	if d == nil {
		return memoryInflight{}, ErrUnknownDelivery
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return memoryInflight{}, ErrClosed
	}
	it, ok := b.inflight[d.ID]
	if !ok {
		return memoryInflight{}, ErrUnknownDelivery
	}
	delete(b.inflight, d.ID)
	return it, nil
}

// Ack implements Broker.
func (b *MemoryBroker) Ack(ctx context.Context, d *Delivery) error {
	_, err := b.settle(d)
	return err
}

// Nack implements Broker.
func (b *MemoryBroker) Nack(ctx context.Context, d *Delivery, requeue bool) error {
	it, err := b.settle(d)
	if err != nil {
		return err
	}
	if requeue {
		b.server.requeue([]memoryInflight{it})
		return nil
	}
	b.server.push(DeadLetterQueue(it.queue), it.msg.body)
	return nil
}

// Inflight returns the number of received but unsettled messages.
func (b *MemoryBroker) Inflight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// Ping implements Broker.
func (b *MemoryBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close implements Broker. Unsettled messages are requeued.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pending := make([]memoryInflight, 0, len(b.inflight))
	for _, it := range b.inflight {
		pending = append(pending, it)
	}
	b.inflight = make(map[string]memoryInflight)
	b.mu.Unlock()

	b.server.requeue(pending)
	return nil
}

func (b *MemoryBroker) check(queue string) error {
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
