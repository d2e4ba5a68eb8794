// Package client submits tasks and collects their reports.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/dcn/control"
	dcnerr "github.com/vinayprograms/dcn/errors"
	"github.com/vinayprograms/dcn/logging"
	"github.com/vinayprograms/dcn/queue"
	"github.com/vinayprograms/dcn/wire"
)

// ErrNotResolved is returned when tasks are submitted or read before
// ResolveQueues succeeded.
var ErrNotResolved = errors.New("client: queues not resolved")

// Config holds client configuration.
type Config struct {
	// Name is the client's name; its result queue is named after it.
	// Default: "client-" plus a random suffix
	Name string

	// Token identifies the client to the directory.
	Token string

	// Inactivity ends a result stream when no report arrives.
	// Default: 60s
	Inactivity time.Duration

	// BrokerAttempts and BrokerDelay bound broker connection retries.
	// Default: 5 attempts, 5s apart
	BrokerAttempts int
	BrokerDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "client-" + uuid.NewString()[:8]
	}
	if c.Inactivity <= 0 {
		c.Inactivity = 60 * time.Second
	}
	if c.BrokerAttempts <= 0 {
		c.BrokerAttempts = 5
	}
	if c.BrokerDelay < 0 {
		c.BrokerDelay = 5 * time.Second
	}
	return c
}

// Client talks to the dispatcher for its queues, then to the broker for
// everything else.
type Client struct {
	config  Config
	control *control.Client
	dial    queue.Dialer
	log     *logging.Logger

	mu     sync.Mutex
	broker queue.Broker
	tasks  wire.QueueDescriptor
	result wire.QueueDescriptor
	nextID int

	// session prefixes task message ids so a restarted client reusing
	// task ids is not taken for a republish.
	session string
}

// New creates a Client.
func New(c *control.Client, dial queue.Dialer, cfg Config, log *logging.Logger) *Client {
	if log == nil {
		log = logging.New().WithComponent("client")
	}
	return &Client{
		config:  cfg.withDefaults(),
		control: c,
		dial:    dial,
		log:     log,
		session: uuid.NewString(),
	}
}

// Name returns the client's name.
func (c *Client) Name() string {
	return c.config.Name
}

// ResultQueue returns the queue reports arrive on, once resolved.
func (c *Client) ResultQueue() wire.QueueDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// ResolveQueues asks the dispatcher for the task and result queues, connects
// to the broker it names and declares the result queue as input and the task
// queue as output.
func (c *Client) ResolveQueues(ctx context.Context) error {
	resp, err := c.control.Send(ctx, &wire.Request{
		Command: wire.CmdClientQueues,
		Name:    c.config.Name,
		Token:   c.config.Token,
	})
	if err != nil {
		return err
	}
	if !resp.Result || resp.TaskQueue == nil || resp.ResultQueue == nil {
		return dcnerr.New(dcnerr.ErrCodeUnavailable, "dispatcher refused client queues",
			dcnerr.WithMetadata("client", c.config.Name))
	}

	b, err := c.dial(resp.BrokerHost)
	if err != nil {
		return dcnerr.Config("build broker connection", dcnerr.WithCause(err))
	}
	if err := queue.Connect(ctx, b, resp.BrokerHost, c.config.BrokerAttempts, c.config.BrokerDelay, c.log); err != nil {
		b.Close()
		return err
	}
	if err := b.Declare(ctx, *resp.ResultQueue, *resp.TaskQueue); err != nil {
		b.Close()
		return err
	}

	c.mu.Lock()
	old := c.broker
	c.broker = b
	c.tasks = *resp.TaskQueue
	c.result = *resp.ResultQueue
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	c.log.Info("client queues resolved", map[string]interface{}{
		"client": c.config.Name,
		"broker": resp.BrokerHost,
		"result": resp.ResultQueue.String(),
	})
	return nil
}

func (c *Client) current() (queue.Broker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broker == nil {
		return nil, ErrNotResolved
	}
	return c.broker, nil
}

// TaskMsgID is the broker message id of task id from this client. Retrying
// a Submit publish with it stores the task once.
func (c *Client) TaskMsgID(id int) string {
	return fmt.Sprintf("task.%s.%d", c.session, id)
}

// Submit publishes a task and returns its id. Ids are local to the client
// and increase from 1.
func (c *Client) Submit(ctx context.Context, module, function string, args any) (int, error) {
	b, err := c.current()
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	result := c.result
	c.mu.Unlock()

	task, err := wire.NewTask(id, result, module, function, args)
	if err != nil {
		return 0, dcnerr.Validation("task arguments", dcnerr.WithCause(err), dcnerr.WithTaskID(id))
	}
	if err := b.Publish(ctx, task, nil, queue.WithMsgID(c.TaskMsgID(id))); err != nil {
		return 0, fmt.Errorf("submit task %d: %w", id, err)
	}
	return id, nil
}

// ResultOptions bounds a result stream.
type ResultOptions struct {
	// Inactivity overrides the configured inactivity timeout.
	Inactivity time.Duration

	// Deadline ends the stream when passed.
	Deadline time.Time
}

// Results is a stream of reports from the client's result queue.
type Results struct {
	stream *queue.Stream
	broker queue.Broker
	log    *logging.Logger
}

// Results opens a report stream.
func (c *Client) Results(opts ResultOptions) (*Results, error) {
	b, err := c.current()
	if err != nil {
		return nil, err
	}
	if opts.Inactivity <= 0 {
		opts.Inactivity = c.config.Inactivity
	}
	return &Results{
		stream: queue.NewStream(b, queue.StreamConfig{
			Inactivity: opts.Inactivity,
			Deadline:   opts.Deadline,
			Accept:     wire.CheckReportEnvelope,
			Logger:     c.log,
		}),
		broker: b,
		log:    c.log,
	}, nil
}

// Next returns the next report, acknowledging it. It returns queue.ErrIdle
// once the stream goes quiet.
func (r *Results) Next(ctx context.Context) (*wire.TaskReport, error) {
	for {
		d, err := r.stream.Next(ctx)
		if err != nil {
			return nil, err
		}
		report, derr := wire.DecodeReport(d.Body)
		if derr != nil {
			r.log.Warn("dropping undecodable report", map[string]interface{}{"error": derr.Error()})
			if err := r.broker.Drop(ctx, d); err != nil {
				return nil, err
			}
			continue
		}
		if err := r.broker.Ack(ctx, d); err != nil {
			return nil, err
		}
		return report, nil
	}
}

// Err returns the error that ended the stream, nil if it ended idle.
func (r *Results) Err() error {
	return r.stream.Err()
}

// Collect reads reports until n arrived or the result queue stays quiet for
// inactivity. Running out of reports early returns what arrived together with
// queue.ErrIdle.
func (c *Client) Collect(ctx context.Context, n int, inactivity time.Duration) ([]*wire.TaskReport, error) {
	results, err := c.Results(ResultOptions{Inactivity: inactivity})
	if err != nil {
		return nil, err
	}
	reports := make([]*wire.TaskReport, 0, n)
	for len(reports) < n {
		r, err := results.Next(ctx)
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Close releases the broker connection and the control client.
func (c *Client) Close() error {
	c.mu.Lock()
	b := c.broker
	c.broker = nil
	c.mu.Unlock()
	if b != nil {
		b.Close()
	}
	return c.control.Close()
}
