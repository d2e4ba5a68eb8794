package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	dcnerr "github.com/vinayprograms/dcn/errors"
	"github.com/vinayprograms/dcn/telemetry"
	"github.com/vinayprograms/dcn/wire"
)

// MemoryServer is an in-process broker shared by MemoryBroker connections.
type MemoryServer struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	down   bool
	notify chan struct{}
	seq    uint64
	seen   map[string]time.Time // message id -> first publish
}

type memQueue struct {
	ready   []*memMsg
	unacked map[uint64]*memMsg
}

type memMsg struct {
	tag         uint64
	body        []byte
	header      map[string][]string
	redelivered bool
}

// NewMemoryServer creates an empty in-process broker.
func NewMemoryServer() *MemoryServer {
	return &MemoryServer{
		queues: make(map[string]*memQueue),
		notify: make(chan struct{}),
		seen:   make(map[string]time.Time),
	}
}

// SetDown makes the broker unreachable (true) or reachable again (false).
// Existing connections report not connected while it is down.
func (s *MemoryServer) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// Depth returns the number of ready messages in q.
func (s *MemoryServer) Depth(q wire.QueueDescriptor) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mq, ok := s.queues[q.String()]; ok {
		return len(mq.ready)
	}
	return 0
}

// Unacked returns the number of delivered but unsettled messages in q.
func (s *MemoryServer) Unacked(q wire.QueueDescriptor) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mq, ok := s.queues[q.String()]; ok {
		return len(mq.unacked)
	}
	return 0
}

// Dial returns an unconnected broker connection.
func (s *MemoryServer) Dial(cfg Config) *MemoryBroker {
	return &MemoryBroker{server: s, config: cfg.withDefaults(), outstanding: make(map[uint64]*memMsg)}
}

// Dialer returns a Dialer that ignores the host and connects to s.
func (s *MemoryServer) Dialer(cfg Config) Dialer {
	return func(host string) (Broker, error) {
		c := cfg
		c.URL = host
		return s.Dial(c), nil
	}
}

// queue returns the queue for key, creating it. Caller holds s.mu.
func (s *MemoryServer) queue(key string) *memQueue {
	q, ok := s.queues[key]
	if !ok {
		q = &memQueue{unacked: make(map[uint64]*memMsg)}
		s.queues[key] = q
	}
	return q
}

// wake broadcasts to pullers waiting for messages. Caller holds s.mu.
func (s *MemoryServer) wake() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// MemoryBroker is one connection to a MemoryServer.
type MemoryBroker struct {
	server *MemoryServer
	config Config

	mu          sync.Mutex
	connected   bool
	closed      bool
	input       wire.QueueDescriptor
	output      wire.QueueDescriptor
	outstanding map[uint64]*memMsg
}

// Connect implements Broker.
func (b *MemoryBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.server.mu.Lock()
	down := b.server.down
	b.server.mu.Unlock()
	if down {
		return fmt.Errorf("%w: %s", ErrUnreachable, b.config.URL)
	}
	b.connected = true
	return nil
}

// Connected implements Broker.
func (b *MemoryBroker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usable() == nil
}

// usable checks the link. Caller holds b.mu.
func (b *MemoryBroker) usable() error {
	if b.closed {
		return ErrClosed
	}
	if !b.connected {
		return ErrNotConnected
	}
	b.server.mu.Lock()
	down := b.server.down
	b.server.mu.Unlock()
	if down {
		return ErrNotConnected
	}
	return nil
}

// Bind implements Broker.
func (b *MemoryBroker) Bind(ctx context.Context, q wire.QueueDescriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	b.server.mu.Lock()
	b.server.queue(q.WithDefaults().String())
	b.server.mu.Unlock()
	return nil
}

// Declare implements Broker.
func (b *MemoryBroker) Declare(ctx context.Context, input, output wire.QueueDescriptor) error {
	if err := checkDeclare(input, output); err != nil {
		return err
	}
	for _, q := range []wire.QueueDescriptor{input, output} {
		if q.IsZero() {
			continue
		}
		if err := b.Bind(ctx, q); err != nil {
			return err
		}
	}
	b.mu.Lock()
	if !input.IsZero() {
		b.input = input.WithDefaults()
	}
	if !output.IsZero() {
		b.output = output.WithDefaults()
	}
	b.mu.Unlock()
	return nil
}

// duplicate records id and reports whether it was already published within
// DuplicateWindow. Caller holds s.mu.
func (s *MemoryServer) duplicate(id string, now time.Time) bool {
	if id == "" {
		return false
	}
	for k, at := range s.seen {
		if now.Sub(at) > DuplicateWindow {
			delete(s.seen, k)
		}
	}
	if _, ok := s.seen[id]; ok {
		return true
	}
	s.seen[id] = now
	return false
}

// Publish implements Broker.
func (b *MemoryBroker) Publish(ctx context.Context, msg any, dest *wire.QueueDescriptor, opts ...PublishOption) error {
	b.mu.Lock()
	err := b.usable()
	output := b.output
	b.mu.Unlock()
	if err != nil {
		return err
	}

	q, err := resolveDest(dest, output)
	if err != nil {
		return err
	}
	body, err := Encode(msg)
	if err != nil {
		return err
	}
	header := map[string][]string{}
	telemetry.InjectHeader(ctx, header)
	id := applyPublish(opts).msgID
	if id != "" {
		header[MsgIDHeader] = []string{id}
	}

	s := b.server
	s.mu.Lock()
	if s.duplicate(id, time.Now()) {
		s.mu.Unlock()
		return nil
	}
	s.seq++
	mq := s.queue(q.String())
	mq.ready = append(mq.ready, &memMsg{tag: s.seq, body: append([]byte(nil), body...), header: header})
	s.wake()
	s.mu.Unlock()
	return nil
}

// PullOne implements Broker.
func (b *MemoryBroker) PullOne(ctx context.Context) (*Delivery, error) {
	d, _, err := b.take()
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrEmpty
	}
	return d, nil
}

// Pull implements Broker.
func (b *MemoryBroker) Pull(ctx context.Context, wait time.Duration) (*Delivery, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		d, notify, err := b.take()
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		select {
		case <-notify:
		case <-timer.C:
			return nil, ErrIdle
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// take moves the head of the input queue to this consumer. With nothing
// ready it returns the channel that signals the next publish.
func (b *MemoryBroker) take() (*Delivery, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return nil, nil, err
	}
	if b.input.IsZero() {
		return nil, nil, dcnerr.Config("pull without input queue", dcnerr.WithCause(ErrNoInput))
	}
	if len(b.outstanding) > 0 {
		return nil, nil, dcnerr.New(dcnerr.ErrCodePrefetch, "pull with unacked delivery", dcnerr.WithCause(ErrUnacked))
	}

	s := b.server
	s.mu.Lock()
	defer s.mu.Unlock()
	mq := s.queue(b.input.String())
	if len(mq.ready) == 0 {
		return nil, s.notify, nil
	}
	m := mq.ready[0]
	mq.ready = mq.ready[1:]
	mq.unacked[m.tag] = m
	b.outstanding[m.tag] = m

	input := b.input
	return &Delivery{
		Body:        m.body,
		Queue:       input,
		Header:      m.header,
		Redelivered: m.redelivered,
		settle: func(ctx context.Context, o outcome) error {
			return b.settle(input, m, o)
		},
	}, nil, nil
}

func (b *MemoryBroker) settle(q wire.QueueDescriptor, m *memMsg, o outcome) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.outstanding[m.tag]; !ok {
		return ErrSettled
	}
	delete(b.outstanding, m.tag)

	s := b.server
	s.mu.Lock()
	defer s.mu.Unlock()
	mq := s.queue(q.String())
	delete(mq.unacked, m.tag)
	if o == outcomeReject {
		m.redelivered = true
		mq.ready = append([]*memMsg{m}, mq.ready...)
		s.wake()
	}
	return nil
}

// Ack implements Broker.
func (b *MemoryBroker) Ack(ctx context.Context, d *Delivery) error {
	return d.finish(ctx, outcomeAck)
}

// Drop implements Broker.
func (b *MemoryBroker) Drop(ctx context.Context, d *Delivery) error {
	return d.finish(ctx, outcomeDrop)
}

// Reject implements Broker.
func (b *MemoryBroker) Reject(ctx context.Context, d *Delivery) error {
	return d.finish(ctx, outcomeReject)
}

// Close implements Broker. Unacked deliveries go back to the head of their
// queue.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.connected = false

	if len(b.outstanding) == 0 {
		return nil
	}
	s := b.server
	s.mu.Lock()
	mq := s.queue(b.input.String())
	for tag, m := range b.outstanding {
		delete(mq.unacked, tag)
		m.redelivered = true
		mq.ready = append([]*memMsg{m}, mq.ready...)
	}
	b.outstanding = make(map[uint64]*memMsg)
	s.wake()
	s.mu.Unlock()
	return nil
}
