package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	dcnerr "github.com/vinayprograms/dcn/errors"
	"github.com/vinayprograms/dcn/telemetry"
	"github.com/vinayprograms/dcn/wire"
)

// Common errors.
var (
	ErrClosed       = errors.New("control: transport closed")
	ErrTimeout      = errors.New("control: request timed out")
	ErrNoResponders = errors.New("control: no responders")
	ErrIdle         = errors.New("control: no request within poll window")
	ErrReplied      = errors.New("control: exchange already replied")
)

// Transport carries one request and returns its reply.
type Transport interface {
	// RoundTrip sends data and blocks for the reply. It returns ErrTimeout
	// when ctx expires first.
	RoundTrip(ctx context.Context, data []byte) ([]byte, error)

	// Close releases the transport.
	Close() error
}

// Listener yields incoming requests one at a time.
type Listener interface {
	// Accept waits up to wait for the next request. It returns ErrIdle when
	// nothing arrived in that window.
	Accept(ctx context.Context, wait time.Duration) (*Exchange, error)

	// Close stops accepting requests.
	Close() error
}

// Exchange is one received request awaiting its reply.
type Exchange struct {
	Data []byte

	mu      sync.Mutex
	replied bool
	reply   func([]byte) error
}

// NewExchange wraps a request body and the function that delivers its reply.
func NewExchange(data []byte, reply func([]byte) error) *Exchange {
	return &Exchange{Data: data, reply: reply}
}

// Reply sends the reply. Only the first call has effect.
func (e *Exchange) Reply(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.replied {
		return ErrReplied
	}
	e.replied = true
	return e.reply(data)
}

// Config holds requester configuration.
type Config struct {
	// RequestTimeout bounds every request.
	RequestTimeout time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{RequestTimeout: 30 * time.Second}
}

// Client sends typed control documents over a Transport.
type Client struct {
	transport Transport
	config    Config
}

// NewClient creates a Client.
func NewClient(t Transport, cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	return &Client{transport: t, config: cfg}
}

// Send issues req and decodes the reply. A reply carrying an error field is
// returned as a PROTOCOL error; a missing reply as a TIMEOUT error.
func (c *Client) Send(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	ctx, span := telemetry.GetTracer().StartCommandSpan(ctx, string(req.Command), true)
	resp, err := c.send(ctx, req)
	telemetry.GetTracer().EndSpan(span, err)
	return resp, err
}

func (c *Client) send(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, dcnerr.Protocol("encode request", dcnerr.WithCause(err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	raw, err := c.transport.RoundTrip(ctx, data)
	if err != nil {
		if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, dcnerr.Timeout(string(req.Command)+" got no reply",
				dcnerr.WithCause(ErrTimeout), dcnerr.WithAgentID(req.ID))
		}
		return nil, dcnerr.Transport(string(req.Command)+" failed",
			dcnerr.WithCause(err), dcnerr.WithAgentID(req.ID))
	}

	resp, err := wire.DecodeResponse(raw)
	if err != nil {
		return nil, dcnerr.Protocol("decode response", dcnerr.WithCause(err))
	}
	if resp.Error != "" {
		return resp, dcnerr.Protocol(resp.Error, dcnerr.WithAgentID(req.ID))
	}
	return resp, nil
}

// Close closes the underlying transport.
func (c *Client) Close() error {
	return c.transport.Close()
}
