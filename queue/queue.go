package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dcnerr "github.com/vinayprograms/dcn/errors"
	"github.com/vinayprograms/dcn/logging"
	"github.com/vinayprograms/dcn/telemetry"
	"github.com/vinayprograms/dcn/wire"
)

// Common errors.
var (
	ErrClosed        = errors.New("queue: broker closed")
	ErrNotConnected  = errors.New("queue: not connected")
	ErrUnreachable   = errors.New("queue: broker unreachable")
	ErrNoQueue       = errors.New("queue: no input or output queue given")
	ErrNoDestination = errors.New("queue: no destination and no output queue declared")
	ErrNoInput       = errors.New("queue: no input queue declared")
	ErrEmpty         = errors.New("queue: no message available")
	ErrIdle          = errors.New("queue: inactivity timeout")
	ErrUnacked       = errors.New("queue: consumer holds an unacked delivery")
	ErrSettled       = errors.New("queue: delivery already settled")
)

// MsgIDHeader carries the publisher's message id.
const MsgIDHeader = "Nats-Msg-Id"

// DuplicateWindow is how long the broker remembers message ids. A second
// publish with a remembered id is accepted but not stored.
const DuplicateWindow = 2 * time.Minute

// PublishOption configures one publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	msgID string
}

// WithMsgID names the message. Publishing the same id again within
// DuplicateWindow stores it once. Without an id every publish is stored.
func WithMsgID(id string) PublishOption {
	return func(o *publishOptions) { o.msgID = id }
}

func applyPublish(opts []PublishOption) publishOptions {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Broker is one participant's connection to the queue broker.
type Broker interface {
	// Connect makes one connection attempt.
	Connect(ctx context.Context) error

	// Connected reports whether the link is currently usable.
	Connected() bool

	// Bind makes sure q exists on the broker without consuming from it or
	// publishing to it.
	Bind(ctx context.Context, q wire.QueueDescriptor) error

	// Declare binds input and/or output. A zero descriptor means absent; at
	// least one must be given.
	Declare(ctx context.Context, input, output wire.QueueDescriptor) error

	// Publish encodes msg as JSON and publishes it to dest, or to the
	// declared output queue when dest is nil.
	Publish(ctx context.Context, msg any, dest *wire.QueueDescriptor, opts ...PublishOption) error

	// PullOne fetches one message from the input queue without waiting. It
	// returns ErrEmpty when the queue has nothing ready.
	PullOne(ctx context.Context) (*Delivery, error)

	// Pull waits up to wait for one message from the input queue. It returns
	// ErrIdle when nothing arrived in time.
	Pull(ctx context.Context, wait time.Duration) (*Delivery, error)

	// Ack completes a delivery.
	Ack(ctx context.Context, d *Delivery) error

	// Drop discards a delivery for good. Used for poison messages.
	Drop(ctx context.Context, d *Delivery) error

	// Reject hands a delivery back to the queue for redelivery.
	Reject(ctx context.Context, d *Delivery) error

	// Close disconnects. Unacked deliveries return to their queue.
	Close() error
}

// Delivery is one message pulled from an input queue.
type Delivery struct {
	Body        []byte
	Queue       wire.QueueDescriptor
	Header      map[string][]string
	Redelivered bool

	settled bool
	settle  func(ctx context.Context, o outcome) error
}

// MsgID returns the id the publisher gave the message, if any.
func (d *Delivery) MsgID() string {
	if v := d.Header[MsgIDHeader]; len(v) > 0 {
		return v[0]
	}
	return ""
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeDrop
	outcomeReject
)

func (d *Delivery) finish(ctx context.Context, o outcome) error {
	if d == nil || d.settle == nil {
		return ErrSettled
	}
	if d.settled {
		return ErrSettled
	}
	if err := d.settle(ctx, o); err != nil {
		return err
	}
	d.settled = true
	return nil
}

// Context returns ctx carrying the trace context the publisher attached.
func (d *Delivery) Context(ctx context.Context) context.Context {
	return telemetry.ExtractHeader(ctx, d.Header)
}

// Config holds broker connection configuration.
type Config struct {
	// URL is the broker address. Agents and clients receive the host from
	// the dispatcher; URL is filled from it.
	URL string

	// Name identifies the connection on the broker.
	Name string

	// Exchange every queue binds to.
	Exchange string

	// ConnectAttempts and ReconnectDelay bound Connect retries.
	ConnectAttempts int
	ReconnectDelay  time.Duration

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration

	// InactivityTimeout ends a pull stream when nothing arrives.
	InactivityTimeout time.Duration

	// AckWait is how long an unacked delivery stays with its consumer
	// before the broker hands it to another.
	AckWait time.Duration

	// Token, or User and Password, authenticate to the broker.
	Token    string
	User     string
	Password string
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Exchange:          wire.DefaultExchange,
		ConnectAttempts:   5,
		ReconnectDelay:    5 * time.Second,
		ConnectTimeout:    5 * time.Second,
		InactivityTimeout: 60 * time.Second,
		AckWait:           5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Exchange == "" {
		c.Exchange = def.Exchange
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = def.ConnectAttempts
	}
	if c.ReconnectDelay < 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = def.InactivityTimeout
	}
	if c.AckWait <= 0 {
		c.AckWait = def.AckWait
	}
	return c
}

// Dialer builds an unconnected broker for a host handed out by the
// dispatcher.
type Dialer func(host string) (Broker, error)

// Connect tries b.Connect up to attempts times, sleeping delay between
// attempts. Giving up yields a TRANSPORT error.
func Connect(ctx context.Context, b Broker, host string, attempts int, delay time.Duration, log *logging.Logger) error {
	if attempts <= 0 {
		attempts = 1
	}
	var last error
	for i := 1; i <= attempts; i++ {
		last = b.Connect(ctx)
		if log != nil {
			log.BrokerAttempt(host, i, attempts, last)
		}
		if last == nil {
			return nil
		}
		if i == attempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return dcnerr.Wrap(ctx.Err(), "broker connect interrupted")
		}
	}
	return dcnerr.Transport(fmt.Sprintf("broker %s unreachable after %d attempts", host, attempts),
		dcnerr.WithCause(last), dcnerr.WithMetadata("host", host))
}

// Encode turns a publishable value into a message body. Byte slices and raw
// JSON pass through unchanged.
func Encode(msg any) ([]byte, error) {
	switch v := msg.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, dcnerr.Config("message is not encodable", dcnerr.WithCause(err))
	}
	return data, nil
}

func checkDeclare(input, output wire.QueueDescriptor) error {
	if input.IsZero() && output.IsZero() {
		return dcnerr.Config("declare needs an input or output queue", dcnerr.WithCause(ErrNoQueue))
	}
	return nil
}

func resolveDest(dest *wire.QueueDescriptor, output wire.QueueDescriptor) (wire.QueueDescriptor, error) {
	if dest != nil && !dest.IsZero() {
		return dest.WithDefaults(), nil
	}
	if output.IsZero() {
		return wire.QueueDescriptor{}, dcnerr.Config("publish has no destination", dcnerr.WithCause(ErrNoDestination))
	}
	return output, nil
}
