package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	errspkg "github.com/drblury/rmqflow/internal/runtime/errors"
	"github.com/drblury/rmqflow/internal/runtime/ids"
)

// ErrForcedDisconnect is the close reason reported by MemoryBroker.Disconnect.
var ErrForcedDisconnect = errors.New("broker: connection forced closed")

// MemoryBroker is an in-process broker implementing Dialer. It supports the
// default, direct, topic and fanout exchanges, priority queues declared with
// x-max-priority, exclusive and auto-delete queues, and failure injection for
// dials, publishes and whole connections. Every routed publish is recorded in
// order and can be inspected with Published.
type MemoryBroker struct {
	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]*memQueue
	sessions  map[*memSession]struct{}
	published []Delivery
	dials     int

	failDials     int
	dialErr       error
	failPublishes int
	publishHook   func(Delivery)
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		exchanges: map[string]string{"": KindDirect},
		queues:    make(map[string]*memQueue),
		sessions:  make(map[*memSession]struct{}),
	}
}

func (b *MemoryBroker) Dial(ctx context.Context, identity string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.failDials > 0 {
		b.failDials--
		return nil, &errspkg.ConnectError{Identity: identity, Err: b.dialErr}
	}
	s := &memSession{broker: b, identity: identity, channels: make(map[*memChannel]struct{})}
	b.sessions[s] = struct{}{}
	return s, nil
}

// FailDials makes the next n dials fail with err.
func (b *MemoryBroker) FailDials(n int, err error) {
	if err == nil {
		err = errors.New("connection refused")
	}
	b.mu.Lock()
	b.failDials, b.dialErr = n, err
	b.mu.Unlock()
}

// FailPublishes makes the next n publishes close their channel and fail.
func (b *MemoryBroker) FailPublishes(n int) {
	b.mu.Lock()
	b.failPublishes = n
	b.mu.Unlock()
}

// OnPublish registers fn to run after every routed publish, outside the lock.
func (b *MemoryBroker) OnPublish(fn func(Delivery)) {
	b.mu.Lock()
	b.publishHook = fn
	b.mu.Unlock()
}

// Disconnect drops every open session as if the network failed.
func (b *MemoryBroker) Disconnect() {
	b.mu.Lock()
	sessions := make([]*memSession, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()
	for _, s := range sessions {
		s.shutdown(ErrForcedDisconnect)
	}
}

// Dials returns the number of dial attempts seen so far.
func (b *MemoryBroker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Sessions returns the number of open sessions.
func (b *MemoryBroker) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Published returns every publish accepted by the broker, in order.
func (b *MemoryBroker) Published() []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Delivery(nil), b.published...)
}

// HasQueue reports whether queue currently exists.
func (b *MemoryBroker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Drain removes and returns the messages buffered on queue.
func (b *MemoryBroker) Drain(queue string) []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	out := q.messages
	q.messages = nil
	return out
}

func (b *MemoryBroker) publish(ch *memChannel, exchange, key string, props Properties, body []byte) error {
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return &errspkg.TransportClosedError{Op: "publish"}
	}
	if b.failPublishes > 0 {
		b.failPublishes--
		b.mu.Unlock()
		ch.shutdown(ErrForcedDisconnect)
		return &errspkg.TransportClosedError{Op: "publish", Err: ErrForcedDisconnect}
	}
	d := Delivery{Exchange: exchange, RoutingKey: key, Properties: props, Body: append([]byte(nil), body...)}
	kind, ok := b.exchanges[exchange]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	b.published = append(b.published, d)
	for _, q := range b.queues {
		if q.routes(exchange, kind, key) {
			q.push(d)
		}
	}
	hook := b.publishHook
	b.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return nil
}

func (b *MemoryBroker) removeSession(s *memSession) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, s)
	for name, q := range b.queues {
		if q.owner == s {
			q.remove()
			delete(b.queues, name)
		}
	}
}

type binding struct {
	exchange string
	key      string
}

type memQueue struct {
	name        string
	opts        QueueOptions
	owner       *memSession
	maxPriority int
	bindings    []binding
	messages    []Delivery
	consumers   map[*memConsumer]struct{}
	changed     chan struct{}
	deleted     bool
}

func (q *memQueue) routes(exchange, kind, key string) bool {
	if exchange == "" {
		return q.name == key
	}
	for _, bd := range q.bindings {
		if bd.exchange != exchange {
			continue
		}
		switch kind {
		case KindFanout:
			return true
		case KindTopic:
			if topicMatch(bd.key, key) {
				return true
			}
		default:
			if bd.key == key {
				return true
			}
		}
	}
	return false
}

// push keeps messages ordered by priority, FIFO among equals, when the queue
// was declared with x-max-priority.
func (q *memQueue) push(d Delivery) {
	if q.maxPriority == 0 {
		q.messages = append(q.messages, d)
	} else {
		p := min(int(d.Properties.Priority), q.maxPriority)
		i := len(q.messages)
		for i > 0 && min(int(q.messages[i-1].Properties.Priority), q.maxPriority) < p {
			i--
		}
		q.messages = append(q.messages, Delivery{})
		copy(q.messages[i+1:], q.messages[i:])
		q.messages[i] = d
	}
	q.signal()
}

func (q *memQueue) pop() (Delivery, bool) {
	if len(q.messages) == 0 {
		return Delivery{}, false
	}
	d := q.messages[0]
	q.messages = q.messages[1:]
	return d, true
}

func (q *memQueue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *memQueue) remove() {
	q.deleted = true
	for c := range q.consumers {
		c.stop()
	}
	q.signal()
}

type memSession struct {
	broker   *MemoryBroker
	identity string

	mu       sync.Mutex
	closed   bool
	channels map[*memChannel]struct{}
	onClose  []func(error)
}

func (s *memSession) Channel() (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &errspkg.TransportClosedError{Op: "open channel"}
	}
	ch := &memChannel{session: s, broker: s.broker}
	s.channels[ch] = struct{}{}
	return ch, nil
}

func (s *memSession) NotifyClose(fn func(error)) {
	s.mu.Lock()
	if !s.closed {
		s.onClose = append(s.onClose, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn(nil)
}

func (s *memSession) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *memSession) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *memSession) shutdown(reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	channels := make([]*memChannel, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	hooks := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(reason)
	}
	s.broker.removeSession(s)
	for _, fn := range hooks {
		fn(reason)
	}
}

type memChannel struct {
	session *memSession
	broker  *MemoryBroker

	// guarded by broker.mu
	closed    bool
	consumers []*memConsumer
	onClose   []func(error)
}

func (c *memChannel) Publish(ctx context.Context, exchange, key string, props Properties, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.broker.publish(c, exchange, key, props, body)
}

func (c *memChannel) DeclareExchange(name, kind string, _ bool) error {
	if name == "" {
		return errspkg.ErrExchangeRequired
	}
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return &errspkg.TransportClosedError{Op: "declare exchange"}
	}
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return fmt.Errorf("rmqflow: exchange %q already declared as %s", name, existing)
	}
	b.exchanges[name] = kind
	return nil
}

func (c *memChannel) DeclareQueue(name string, opts QueueOptions) (string, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return "", &errspkg.TransportClosedError{Op: "declare queue"}
	}
	if name == "" {
		name = "amq.gen-" + ids.CreateULID()
	}
	if q, ok := b.queues[name]; ok {
		if q.owner != nil && q.owner != c.session {
			return "", fmt.Errorf("rmqflow: queue %q is exclusive to another connection", name)
		}
		return name, nil
	}
	q := &memQueue{
		name:      name,
		opts:      opts,
		consumers: make(map[*memConsumer]struct{}),
		changed:   make(chan struct{}),
	}
	if opts.Exclusive {
		q.owner = c.session
	}
	q.maxPriority = intArg(opts.Arguments[MaxPriorityArg])
	b.queues[name] = q
	return name, nil
}

func (c *memChannel) BindQueue(queue, key, exchange string) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return &errspkg.TransportClosedError{Op: "bind queue"}
	}
	q, ok := b.queues[queue]
	if !ok {
		return fmt.Errorf("rmqflow: no queue %q", queue)
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("rmqflow: no exchange %q", exchange)
	}
	for _, bd := range q.bindings {
		if bd.exchange == exchange && bd.key == key {
			return nil
		}
	}
	q.bindings = append(q.bindings, binding{exchange: exchange, key: key})
	return nil
}

func (c *memChannel) DeleteQueue(name string) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return &errspkg.TransportClosedError{Op: "delete queue"}
	}
	if q, ok := b.queues[name]; ok {
		q.remove()
		delete(b.queues, name)
	}
	return nil
}

func (c *memChannel) Consume(queue, tag string, handler Handler) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return &errspkg.TransportClosedError{Op: "consume"}
	}
	q, ok := b.queues[queue]
	if !ok {
		return fmt.Errorf("rmqflow: no queue %q", queue)
	}
	if q.owner != nil && q.owner != c.session {
		return fmt.Errorf("rmqflow: queue %q is exclusive to another connection", queue)
	}
	cons := &memConsumer{tag: tag, queue: q, broker: b, handler: handler, done: make(chan struct{})}
	q.consumers[cons] = struct{}{}
	c.consumers = append(c.consumers, cons)
	go cons.run()
	return nil
}

func (c *memChannel) NotifyClose(fn func(error)) {
	c.broker.mu.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, fn)
		c.broker.mu.Unlock()
		return
	}
	c.broker.mu.Unlock()
	fn(nil)
}

func (c *memChannel) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *memChannel) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *memChannel) shutdown(reason error) {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return
	}
	c.closed = true
	for _, cons := range c.consumers {
		q := cons.queue
		cons.stop()
		delete(q.consumers, cons)
		if q.opts.AutoDelete && len(q.consumers) == 0 && !q.deleted {
			q.remove()
			delete(b.queues, q.name)
		}
	}
	c.consumers = nil
	hooks := c.onClose
	c.onClose = nil
	b.mu.Unlock()

	c.session.mu.Lock()
	delete(c.session.channels, c)
	c.session.mu.Unlock()

	for _, fn := range hooks {
		fn(reason)
	}
}

type memConsumer struct {
	tag     string
	queue   *memQueue
	broker  *MemoryBroker
	handler Handler
	done    chan struct{}
	once    sync.Once
}

func (c *memConsumer) stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *memConsumer) run() {
	for {
		c.broker.mu.Lock()
		select {
		case <-c.done:
			c.broker.mu.Unlock()
			return
		default:
		}
		d, ok := c.queue.pop()
		wait := c.queue.changed
		c.broker.mu.Unlock()

		if ok {
			c.handler(d)
			continue
		}
		select {
		case <-wait:
		case <-c.done:
			return
		}
	}
}

// topicMatch implements AMQP topic binding semantics: "*" matches exactly one
// word and "#" matches zero or more.
func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

func intArg(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
