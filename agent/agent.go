// Package agent implements the worker runtime.
//
// An Agent registers with the dispatcher, asks it which broker and queue to
// use, then runs a fixed-period cycle: drain tasks from its input queue for
// the rest of the period, publish each report to the task's client queue,
// acknowledge the task, and pulse the dispatcher. Pulse replies may carry
// remote commands, which the agent applies through a fixed table.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/dcn/control"
	dcnerr "github.com/vinayprograms/dcn/errors"
	"github.com/vinayprograms/dcn/logging"
	"github.com/vinayprograms/dcn/metrics"
	"github.com/vinayprograms/dcn/queue"
	"github.com/vinayprograms/dcn/runner"
	"github.com/vinayprograms/dcn/wire"
)

// State is the agent's lifecycle position.
type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistered   State = "registered"
	StateConnected    State = "connected"
	StateStopped      State = "stopped"
)

// Config holds agent configuration.
type Config struct {
	// Name is reported at registration.
	// Default: "agent-" plus a random suffix
	Name string

	// Token identifies the agent to the directory.
	Token string

	// Period is the cycle length.
	// Default: 10s
	Period time.Duration

	// Inactivity ends a drain early when the input queue goes quiet.
	// Default: 60s (the period usually ends the drain first)
	Inactivity time.Duration

	// BrokerAttempts and BrokerDelay bound broker connection retries.
	// Default: 5 attempts, 5s apart
	BrokerAttempts int
	BrokerDelay    time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Period:         10 * time.Second,
		Inactivity:     60 * time.Second,
		BrokerAttempts: 5,
		BrokerDelay:    5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = "agent-" + uuid.NewString()[:8]
	}
	if c.Period <= 0 {
		c.Period = def.Period
	}
	if c.Inactivity <= 0 {
		c.Inactivity = def.Inactivity
	}
	if c.BrokerAttempts <= 0 {
		c.BrokerAttempts = def.BrokerAttempts
	}
	if c.BrokerDelay < 0 {
		c.BrokerDelay = def.BrokerDelay
	}
	return c
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Agent) Option {
	return func(a *Agent) { a.metrics = m }
}

// Agent is one worker.
type Agent struct {
	config  Config
	control *control.Client
	dial    queue.Dialer
	runner  *runner.Runner
	log     *logging.Logger
	metrics *metrics.Agent

	commands map[wire.RemoteCommand]func(context.Context) error

	// Guarded for readers outside the cycle goroutine.
	mu        sync.Mutex
	id        int
	state     State
	broker    queue.Broker
	processed int
}

// New creates an Agent. dial builds a broker connection for the host the
// dispatcher hands out.
func New(c *control.Client, dial queue.Dialer, r *runner.Runner, cfg Config, opts ...Option) *Agent {
	a := &Agent{
		config:  cfg.withDefaults(),
		control: c,
		dial:    dial,
		runner:  r,
		state:   StateUnregistered,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = logging.New().WithComponent("agent")
	}
	a.commands = a.commandTable()
	a.metrics.State(string(StateUnregistered))
	return a
}

// Name returns the agent's name.
func (a *Agent) Name() string {
	return a.config.Name
}

// ID returns the id assigned by the dispatcher, or 0 when unregistered.
func (a *Agent) ID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Processed returns how many tasks the agent has acknowledged.
func (a *Agent) Processed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.processed
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	a.metrics.State(string(s))
}

// Run cycles until ctx is done, stop returns true, or a shutdown command is
// applied. A failed cycle never ends the loop; see cycleFailed.
func (a *Agent) Run(ctx context.Context, stop func() bool) error {
	a.log.Info("agent starting", map[string]interface{}{
		"name":   a.config.Name,
		"period": a.config.Period.String(),
	})
	for {
		if ctx.Err() != nil || (stop != nil && stop()) {
			return nil
		}
		if err := a.Cycle(ctx); err != nil && ctx.Err() == nil {
			a.cycleFailed(err)
		}
		if a.State() == StateStopped {
			return nil
		}
	}
}

// cycleFailed decides what the next cycle starts from. A registration error
// means the dispatcher no longer knows this id, so the agent starts over.
// Transient failures (timeouts, unreachable broker or dispatcher) keep the
// current state and the next cycle retries the same step.
func (a *Agent) cycleFailed(err error) {
	fields := map[string]interface{}{
		"agent": a.ID(),
		"state": string(a.State()),
		"error": err.Error(),
	}
	if code := dcnerr.Code(err); code != "" {
		fields["code"] = string(code)
	}
	switch {
	case dcnerr.Is(err, dcnerr.ErrCodeRegistration):
		a.log.Warn("registration lost, registering again", fields)
		a.reset()
	case dcnerr.IsRetryable(err):
		a.log.Warn("cycle failed, retrying", fields)
	default:
		a.log.Error("cycle failed", fields)
	}
}

// Cycle runs one period: register or fetch queues as needed, drain tasks
// until the period ends, sleep out the remainder and pulse.
func (a *Agent) Cycle(ctx context.Context) error {
	deadline := time.Now().Add(a.config.Period)
	a.metrics.Cycle()

	err := a.work(ctx, deadline)
	if a.State() == StateStopped {
		return err
	}

	sleepUntil(ctx, deadline)
	if ctx.Err() != nil || a.State() == StateUnregistered {
		return err
	}
	if perr := a.pulse(ctx); perr != nil && err == nil {
		err = perr
	}
	return err
}

func (a *Agent) work(ctx context.Context, deadline time.Time) error {
	if a.State() == StateUnregistered {
		if err := a.register(ctx); err != nil {
			return err
		}
	}
	if a.State() == StateRegistered {
		if err := a.connectQueues(ctx); err != nil {
			return err
		}
	}
	if a.State() == StateConnected {
		return a.drain(ctx, deadline)
	}
	return nil
}

func (a *Agent) register(ctx context.Context) error {
	resp, err := a.control.Send(ctx, &wire.Request{
		Command: wire.CmdRegisterAgent,
		Name:    a.config.Name,
		Token:   a.config.Token,
	})
	if err != nil {
		return err
	}
	if !resp.Result || resp.ID <= 0 {
		return dcnerr.New(dcnerr.ErrCodeRegistration, "dispatcher refused registration",
			dcnerr.WithMetadata("name", a.config.Name))
	}

	a.mu.Lock()
	a.id = resp.ID
	a.mu.Unlock()
	a.setState(StateRegistered)
	a.log.Info("agent registered", map[string]interface{}{
		"agent": resp.ID,
		"name":  a.config.Name,
	})
	return nil
}

func (a *Agent) connectQueues(ctx context.Context) error {
	id := a.ID()
	resp, err := a.control.Send(ctx, &wire.Request{
		Command: wire.CmdAgentQueues,
		ID:      id,
		Token:   a.config.Token,
	})
	if err != nil {
		return err
	}
	if !resp.Result || resp.Queue == nil {
		return dcnerr.New(dcnerr.ErrCodeUnavailable, "dispatcher refused agent queues", dcnerr.WithAgentID(id))
	}

	b, err := a.dial(resp.BrokerHost)
	if err != nil {
		return dcnerr.Config("build broker connection", dcnerr.WithCause(err), dcnerr.WithAgentID(id))
	}
	if err := queue.Connect(ctx, b, resp.BrokerHost, a.config.BrokerAttempts, a.config.BrokerDelay, a.log); err != nil {
		b.Close()
		return err
	}
	if err := b.Declare(ctx, *resp.Queue, wire.QueueDescriptor{}); err != nil {
		b.Close()
		return err
	}

	a.mu.Lock()
	a.broker = b
	a.mu.Unlock()
	a.setState(StateConnected)
	a.log.Info("agent connected", map[string]interface{}{
		"agent":  id,
		"broker": resp.BrokerHost,
		"queue":  resp.Queue.String(),
	})
	return nil
}

func (a *Agent) currentBroker() queue.Broker {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.broker
}

// drain processes tasks until the deadline or until the input goes quiet.
func (a *Agent) drain(ctx context.Context, deadline time.Time) error {
	b := a.currentBroker()
	if !b.Connected() {
		if err := queue.Connect(ctx, b, "", a.config.BrokerAttempts, a.config.BrokerDelay, a.log); err != nil {
			return err
		}
	}

	stream := queue.NewStream(b, queue.StreamConfig{
		Inactivity: a.config.Inactivity,
		Deadline:   deadline,
		Accept:     wire.CheckTaskEnvelope,
		Logger:     a.log,
	})
	var err error
	for d := range stream.All(ctx) {
		if err = a.process(ctx, b, d); err != nil {
			break
		}
	}
	a.metrics.Dropped(stream.Dropped())
	if err != nil {
		return err
	}
	if serr := stream.Err(); serr != nil && ctx.Err() == nil {
		return serr
	}
	return nil
}

// process runs one task and settles it. The task is acknowledged only after
// its report was published; a report that cannot be published sends the
// task back to the queue. A failed ack still frees the consumer and the
// broker redelivers the task after its ack wait.
func (a *Agent) process(ctx context.Context, b queue.Broker, d *queue.Delivery) error {
	start := time.Now()
	report := a.runner.Run(d.Context(ctx), d.Body)

	dest := report.Client
	var opts []queue.PublishOption
	if id := d.MsgID(); id != "" {
		// A redelivered task republishes under the same id, so the client
		// sees one report even when an earlier ack was lost.
		opts = append(opts, queue.WithMsgID("report."+id))
	}
	if err := b.Publish(ctx, report, &dest, opts...); err != nil {
		if rerr := b.Reject(ctx, d); rerr != nil {
			a.log.Warn("reject failed", map[string]interface{}{"error": rerr.Error()})
		}
		return fmt.Errorf("publish report for task %d: %w", report.ID, err)
	}
	if err := b.Ack(ctx, d); err != nil {
		return fmt.Errorf("ack task %d: %w", report.ID, err)
	}

	a.mu.Lock()
	a.processed++
	a.mu.Unlock()
	a.metrics.Task(report.Status, time.Since(start))
	return nil
}

func (a *Agent) pulse(ctx context.Context) error {
	id := a.ID()
	resp, err := a.control.Send(ctx, &wire.Request{
		Command: wire.CmdPulse,
		ID:      id,
		Reply: &wire.Reply{Fields: map[string]any{
			"name":      a.config.Name,
			"state":     string(a.State()),
			"processed": a.Processed(),
		}},
	})
	if err != nil {
		return err
	}
	if !resp.Result {
		a.log.Warn("dispatcher does not know this agent", map[string]interface{}{"agent": id})
		a.reset()
		return nil
	}
	if resp.Reply == nil {
		return nil
	}
	return a.ApplyCommands(ctx, resp.Reply.Commands)
}

// reset forgets the identity and closes the broker; the next cycle
// registers again.
func (a *Agent) reset() {
	a.mu.Lock()
	b := a.broker
	a.broker = nil
	a.id = 0
	a.mu.Unlock()
	if b != nil {
		b.Close()
	}
	a.setState(StateUnregistered)
}

// Close releases the broker connection and the control client.
func (a *Agent) Close() error {
	a.mu.Lock()
	b := a.broker
	a.broker = nil
	a.mu.Unlock()
	if b != nil {
		b.Close()
	}
	return a.control.Close()
}

func sleepUntil(ctx context.Context, deadline time.Time) {
	d := time.Until(deadline)
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
