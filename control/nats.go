package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the subject the dispatcher listens on.
const DefaultSubject = "dcn.dispatcher"

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Subject carries control requests.
	Subject string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration

	// Backlog bounds requests buffered ahead of Accept on the listener side.
	Backlog int
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Subject:        DefaultSubject,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
		Backlog:        256,
	}
}

func (cfg NATSConfig) withDefaults() NATSConfig {
	def := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Subject == "" {
		cfg.Subject = def.Subject
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = def.Backlog
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	return cfg
}

// buildNATSOptions constructs NATS connection options from config.
func buildNATSOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	return opts
}

// Connect opens a NATS connection for cfg.
func Connect(cfg NATSConfig) (*nats.Conn, error) {
	cfg = cfg.withDefaults()
	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return conn, nil
}

// NATSTransport sends control requests as NATS requests.
type NATSTransport struct {
	conn    *nats.Conn
	subject string
	owned   bool
}

// NewNATSTransport dials NATS and returns a requesting transport.
func NewNATSTransport(cfg NATSConfig) (*NATSTransport, error) {
	conn, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	t := NewNATSTransportFromConn(conn, cfg.withDefaults().Subject)
	t.owned = true
	return t, nil
}

// NewNATSTransportFromConn creates a transport over an existing connection.
// Closing the transport leaves the connection open.
func NewNATSTransportFromConn(conn *nats.Conn, subject string) *NATSTransport {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSTransport{conn: conn, subject: subject}
}

// RoundTrip implements Transport.
func (t *NATSTransport) RoundTrip(ctx context.Context, data []byte) ([]byte, error) {
	if t.conn.IsClosed() {
		return nil, ErrClosed
	}
	msg, err := t.conn.RequestWithContext(ctx, t.subject, data)
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			return nil, ErrTimeout
		case errors.Is(err, nats.ErrNoResponders):
			return nil, ErrNoResponders
		}
		return nil, fmt.Errorf("nats request: %w", err)
	}
	return msg.Data, nil
}

// Close implements Transport.
func (t *NATSTransport) Close() error {
	if t.owned {
		t.conn.Close()
	}
	return nil
}

// NATSListener receives control requests from a NATS subject.
type NATSListener struct {
	conn  *nats.Conn
	sub   *nats.Subscription
	ch    chan *nats.Msg
	owned bool
	once  sync.Once
	done  chan struct{}
}

// NewNATSListener dials NATS and subscribes to the control subject.
func NewNATSListener(cfg NATSConfig) (*NATSListener, error) {
	conn, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	l, err := NewNATSListenerFromConn(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	l.owned = true
	return l, nil
}

// NewNATSListenerFromConn subscribes over an existing connection.
func NewNATSListenerFromConn(conn *nats.Conn, cfg NATSConfig) (*NATSListener, error) {
	cfg = cfg.withDefaults()
	ch := make(chan *nats.Msg, cfg.Backlog)
	sub, err := conn.ChanSubscribe(cfg.Subject, ch)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	if err := conn.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	return &NATSListener{conn: conn, sub: sub, ch: ch, done: make(chan struct{})}, nil
}

// Accept implements Listener.
func (l *NATSListener) Accept(ctx context.Context, wait time.Duration) (*Exchange, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case msg := <-l.ch:
		return NewExchange(msg.Data, func(b []byte) error {
			if msg.Reply == "" {
				return nil
			}
			return msg.Respond(b)
		}), nil
	case <-timer.C:
		return nil, ErrIdle
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Listener.
func (l *NATSListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.sub.Unsubscribe()
		if l.owned {
			l.conn.Close()
		}
	})
	return err
}
