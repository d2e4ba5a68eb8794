package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	dcnerr "github.com/vinayprograms/dcn/errors"
	"github.com/vinayprograms/dcn/telemetry"
	"github.com/vinayprograms/dcn/wire"
)

// JetStreamBroker implements Broker on NATS JetStream.
//
// Each exchange is a work-queue stream named after it with subjects
// "<exchange>.<queue>". Each queue is a durable pull consumer filtered on
// its subject, shared by every participant consuming from that queue.
type JetStreamBroker struct {
	config Config

	mu          sync.Mutex
	conn        *nats.Conn
	js          jetstream.JetStream
	input       wire.QueueDescriptor
	output      wire.QueueDescriptor
	consumer    jetstream.Consumer
	outstanding jetstream.Msg
	closed      bool
}

// NewJetStreamBroker creates an unconnected broker for cfg.URL.
func NewJetStreamBroker(cfg Config) *JetStreamBroker {
	return &JetStreamBroker{config: cfg.withDefaults()}
}

// JetStreamDialer returns a Dialer building JetStream brokers. A bare host
// handed out by the dispatcher becomes nats://host:4222.
func JetStreamDialer(cfg Config) Dialer {
	return func(host string) (Broker, error) {
		c := cfg
		c.URL = BrokerURL(host)
		return NewJetStreamBroker(c), nil
	}
}

// BrokerURL turns a broker host into a NATS URL.
func BrokerURL(host string) string {
	if host == "" {
		return nats.DefaultURL
	}
	if strings.Contains(host, "://") {
		return host
	}
	if !strings.Contains(host, ":") {
		host += fmt.Sprintf(":%d", nats.DefaultPort)
	}
	return "nats://" + host
}

// token maps a name onto a single NATS subject token, one to one. Letters,
// digits and '-' are kept; every other byte, '_' included, is written as _XX
// in hex, so "a.b" and "a_b" stay apart.
func token(name string) string {
	var sb strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			sb.WriteByte(c)
		default:
			fmt.Fprintf(&sb, "_%02X", c)
		}
	}
	return sb.String()
}

// StreamName returns the stream backing an exchange.
func StreamName(exchange string) string {
	return "DCN_" + token(exchange)
}

func subject(q wire.QueueDescriptor) string {
	q = q.WithDefaults()
	return token(q.Exchange) + "." + token(q.Queue)
}

// Connect implements Broker.
func (b *JetStreamBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.conn != nil && b.conn.IsConnected() {
		return nil
	}
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}

	opts := []nats.Option{
		nats.Timeout(b.config.ConnectTimeout),
		nats.MaxReconnects(-1),
	}
	if b.config.Name != "" {
		opts = append(opts, nats.Name(b.config.Name))
	}
	if b.config.Token != "" {
		opts = append(opts, nats.Token(b.config.Token))
	}
	if b.config.User != "" {
		opts = append(opts, nats.UserInfo(b.config.User, b.config.Password))
	}
	conn, err := nats.Connect(BrokerURL(b.config.URL), opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("jetstream: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName(b.config.Exchange),
		Subjects:   []string{token(b.config.Exchange) + ".>"},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: DuplicateWindow,
	}); err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", b.config.Exchange, err)
	}

	b.conn = conn
	b.js = js
	b.consumer = nil
	b.outstanding = nil
	if !b.input.IsZero() {
		cons, err := b.bind(ctx, b.input)
		if err != nil {
			return err
		}
		b.consumer = cons
	}
	return nil
}

// Connected implements Broker.
func (b *JetStreamBroker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed && b.conn != nil && b.conn.IsConnected()
}

func (b *JetStreamBroker) usable() error {
	if b.closed {
		return ErrClosed
	}
	if b.conn == nil || !b.conn.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// bind creates or updates the durable consumer for q. Caller holds b.mu.
func (b *JetStreamBroker) bind(ctx context.Context, q wire.QueueDescriptor) (jetstream.Consumer, error) {
	q = q.WithDefaults()
	cons, err := b.js.CreateOrUpdateConsumer(ctx, StreamName(q.Exchange), jetstream.ConsumerConfig{
		Durable:       token(q.Queue),
		FilterSubject: subject(q),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.config.AckWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    -1,
		MaxAckPending: 1000,
	})
	if err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", q, err)
	}
	return cons, nil
}

// Bind implements Broker.
func (b *JetStreamBroker) Bind(ctx context.Context, q wire.QueueDescriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	_, err := b.bind(ctx, q)
	return err
}

// Declare implements Broker.
func (b *JetStreamBroker) Declare(ctx context.Context, input, output wire.QueueDescriptor) error {
	if err := checkDeclare(input, output); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	if !input.IsZero() {
		cons, err := b.bind(ctx, input)
		if err != nil {
			return err
		}
		b.input = input.WithDefaults()
		b.consumer = cons
	}
	if !output.IsZero() {
		if _, err := b.bind(ctx, output); err != nil {
			return err
		}
		b.output = output.WithDefaults()
	}
	return nil
}

// Publish implements Broker. A message id given with WithMsgID becomes the
// Nats-Msg-Id, so the stream drops a republish within DuplicateWindow.
func (b *JetStreamBroker) Publish(ctx context.Context, msg any, dest *wire.QueueDescriptor, opts ...PublishOption) error {
	b.mu.Lock()
	err := b.usable()
	js := b.js
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

	m := nats.NewMsg(subject(q))
	m.Data = body
	telemetry.InjectHeader(ctx, m.Header)
	var popts []jetstream.PublishOpt
	if id := applyPublish(opts).msgID; id != "" {
		popts = append(popts, jetstream.WithMsgID(id))
	}
	if _, err := js.PublishMsg(ctx, m, popts...); err != nil {
		return fmt.Errorf("publish to %s: %w", q, err)
	}
	return nil
}

// consumerFor returns the input consumer, enforcing one unacked delivery.
func (b *JetStreamBroker) consumerFor() (jetstream.Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.usable(); err != nil {
		return nil, err
	}
	if b.consumer == nil {
		return nil, dcnerr.Config("pull without input queue", dcnerr.WithCause(ErrNoInput))
	}
	if b.outstanding != nil {
		return nil, dcnerr.New(dcnerr.ErrCodePrefetch, "pull with unacked delivery", dcnerr.WithCause(ErrUnacked))
	}
	return b.consumer, nil
}

// PullOne implements Broker.
func (b *JetStreamBroker) PullOne(ctx context.Context) (*Delivery, error) {
	cons, err := b.consumerFor()
	if err != nil {
		return nil, err
	}
	batch, err := cons.FetchNoWait(1)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	d, err := b.first(batch)
	if errors.Is(err, ErrIdle) {
		return nil, ErrEmpty
	}
	return d, err
}

// Pull implements Broker.
func (b *JetStreamBroker) Pull(ctx context.Context, wait time.Duration) (*Delivery, error) {
	cons, err := b.consumerFor()
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait {
		wait = time.Until(dl)
	}
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	batch, err := cons.Fetch(1, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	d, err := b.first(batch)
	if err == nil {
		return d, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, err
}

func (b *JetStreamBroker) first(batch jetstream.MessageBatch) (*Delivery, error) {
	for msg := range batch.Messages() {
		return b.track(msg), nil
	}
	if err := batch.Error(); err != nil &&
		!errors.Is(err, nats.ErrTimeout) &&
		!errors.Is(err, jetstream.ErrNoMessages) &&
		!errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return nil, ErrIdle
}

func (b *JetStreamBroker) track(msg jetstream.Msg) *Delivery {
	b.mu.Lock()
	b.outstanding = msg
	input := b.input
	b.mu.Unlock()

	redelivered := false
	if md, err := msg.Metadata(); err == nil {
		redelivered = md.NumDelivered > 1
	}
	return &Delivery{
		Body:        msg.Data(),
		Queue:       input,
		Header:      msg.Headers(),
		Redelivered: redelivered,
		settle: func(ctx context.Context, o outcome) error {
			return b.settle(ctx, msg, o)
		},
	}
}

// settle releases the prefetch slot before talking to the server. If the
// ack or nak is lost, the server redelivers the message once AckWait passes,
// so the broker never waits on it again.
func (b *JetStreamBroker) settle(ctx context.Context, msg jetstream.Msg, o outcome) error {
	b.mu.Lock()
	if b.outstanding != msg {
		b.mu.Unlock()
		return ErrSettled
	}
	b.outstanding = nil
	b.mu.Unlock()

	var err error
	switch o {
	case outcomeAck:
		err = msg.DoubleAck(ctx)
	case outcomeDrop:
		err = msg.Term()
	case outcomeReject:
		err = msg.Nak()
	}
	if err != nil {
		return fmt.Errorf("settle delivery: %w", err)
	}
	return nil
}

// Ack implements Broker.
func (b *JetStreamBroker) Ack(ctx context.Context, d *Delivery) error {
	return d.finish(ctx, outcomeAck)
}

// Drop implements Broker.
func (b *JetStreamBroker) Drop(ctx context.Context, d *Delivery) error {
	return d.finish(ctx, outcomeDrop)
}

// Reject implements Broker.
func (b *JetStreamBroker) Reject(ctx context.Context, d *Delivery) error {
	return d.finish(ctx, outcomeReject)
}

// Close implements Broker. An unacked delivery is handed back right away
// rather than after the ack wait.
func (b *JetStreamBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.outstanding != nil {
		b.outstanding.Nak()
		b.outstanding = nil
	}
	if b.conn != nil {
		b.conn.FlushTimeout(time.Second)
		b.conn.Close()
		b.conn = nil
	}
	return nil
}
