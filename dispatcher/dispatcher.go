// Package dispatcher implements the control-plane service.
//
// A Dispatcher keeps the registry of agents, answers control requests one at
// a time through a command table, and hands out broker coordinates and queue
// names resolved from the token directory. Requests are processed strictly
// sequentially: Serve takes one request from a control.Listener, handles it,
// replies, and only then accepts the next.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/dcn/directory"
	"github.com/vinayprograms/dcn/logging"
	"github.com/vinayprograms/dcn/metrics"
	"github.com/vinayprograms/dcn/queue"
	"github.com/vinayprograms/dcn/wire"
)

// Config holds dispatcher configuration.
type Config struct {
	// FirstAgentID is the id given to the first registered agent.
	// Default: 1001
	FirstAgentID int

	// PollInterval bounds each wait for a control request.
	// Default: 1s
	PollInterval time.Duration

	// LivenessInterval is how often the dispatcher checks its broker link.
	// Default: 60s
	LivenessInterval time.Duration

	// BrokerHost is the dispatcher's own broker, used in logs.
	BrokerHost string

	// ReconnectAttempts and ReconnectDelay bound broker reconnection.
	// Default: 12 attempts, 5s apart
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	// Exchange every handed-out queue belongs to.
	// Default: "default"
	Exchange string
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FirstAgentID:      1001,
		PollInterval:      time.Second,
		LivenessInterval:  60 * time.Second,
		BrokerHost:        "localhost",
		ReconnectAttempts: 12,
		ReconnectDelay:    5 * time.Second,
		Exchange:          wire.DefaultExchange,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FirstAgentID <= 0 {
		c.FirstAgentID = def.FirstAgentID
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = def.LivenessInterval
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = def.ReconnectAttempts
	}
	if c.ReconnectDelay < 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.Exchange == "" {
		c.Exchange = def.Exchange
	}
	return c
}

// State is an agent's position in its lifecycle as seen by the dispatcher.
type State string

const (
	StateRegistered    State = "registered"
	StateQueueAssigned State = "queue_assigned"
)

// Record is what the dispatcher knows about one agent.
type Record struct {
	ID       int
	Name     string
	Token    string
	State    State
	LastSync time.Time
	Pending  []wire.RemoteCommand
}

func (r *Record) clone() Record {
	c := *r
	c.Pending = append([]wire.RemoteCommand(nil), r.Pending...)
	return c
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Dispatcher) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher is the control-plane service.
type Dispatcher struct {
	config    Config
	directory directory.Directory
	broker    queue.Broker
	log       *logging.Logger
	metrics   *metrics.Dispatcher
	now       func() time.Time
	handlers  map[wire.Command]handler

	// Records change only on the request path. mu lets Agents and IsAlive
	// read them from other goroutines.
	mu     sync.RWMutex
	agents map[int]*Record
	nextID int
}

// New creates a Dispatcher. broker is the dispatcher's own broker link; it
// need not be connected yet.
func New(dir directory.Directory, broker queue.Broker, cfg Config, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		config:    cfg,
		directory: dir,
		broker:    broker,
		now:       time.Now,
		agents:    make(map[int]*Record),
		nextID:    cfg.FirstAgentID,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = logging.New().WithComponent("dispatcher")
	}
	d.handlers = d.commandTable()
	return d
}

// Start connects the dispatcher's broker link and declares its own queue. A
// failure here is not fatal: the dispatcher keeps serving and retries on its
// liveness schedule, answering queue requests with result=false meanwhile.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := queue.Connect(ctx, d.broker, d.config.BrokerHost,
		d.config.ReconnectAttempts, d.config.ReconnectDelay, d.log); err != nil {
		return err
	}
	return d.broker.Declare(ctx, d.queue(wire.DispatcherQueue), wire.QueueDescriptor{})
}

// Close closes the broker link.
func (d *Dispatcher) Close() error {
	return d.broker.Close()
}

func (d *Dispatcher) queue(name string) wire.QueueDescriptor {
	return wire.QueueDescriptor{Exchange: d.config.Exchange, Queue: name}
}

// Agents returns a snapshot of the registry ordered by id.
func (d *Dispatcher) Agents() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Record, 0, len(d.agents))
	for _, r := range d.agents {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsAlive reports whether agent id synced within timeout.
func (d *Dispatcher) IsAlive(id int, timeout time.Duration) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.agents[id]
	if !ok {
		return false
	}
	return d.now().Sub(r.LastSync) <= timeout
}

// Liveness checks the broker link. A lost link is re-established with bounded
// retries; a live one has the dispatcher queue drained.
func (d *Dispatcher) Liveness(ctx context.Context) error {
	if !d.broker.Connected() {
		err := queue.Connect(ctx, d.broker, d.config.BrokerHost,
			d.config.ReconnectAttempts, d.config.ReconnectDelay, d.log)
		d.metrics.Reconnect(err == nil)
		if err != nil {
			return err
		}
		return d.broker.Declare(ctx, d.queue(wire.DispatcherQueue), wire.QueueDescriptor{})
	}

	n := 0
	for {
		msg, err := d.broker.PullOne(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			break
		}
		if err != nil {
			d.metrics.Drained(n)
			return fmt.Errorf("drain %s: %w", wire.DispatcherQueue, err)
		}
		n++
		d.log.Warn("dispatcher queue message", map[string]interface{}{
			"body": string(msg.Body),
		})
		if err := d.broker.Ack(ctx, msg); err != nil {
			d.metrics.Drained(n)
			return err
		}
	}
	d.metrics.Drained(n)
	return nil
}
