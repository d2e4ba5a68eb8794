package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig holds websocket control transport configuration.
type WebSocketConfig struct {
	// WriteTimeout for write operations.
	WriteTimeout time.Duration

	// MaxMessageSize limits incoming message size.
	MaxMessageSize int64

	// Backlog bounds requests buffered ahead of Accept on the server side.
	Backlog int
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1024 * 1024, // 1MB
		Backlog:        64,
	}
}

// frame pairs a body with the sequence number of the request it belongs to,
// so a requester can discard replies that arrive after it gave up.
type frame struct {
	Seq  uint64 `json:"seq"`
	Body string `json:"body"`
}

// WebSocketServer accepts control requests from websocket clients. Mount it
// as an http.Handler; use it as the dispatcher's Listener.
type WebSocketServer struct {
	config   WebSocketConfig
	upgrader *websocket.Upgrader
	requests chan *Exchange
	done     chan struct{}
	once     sync.Once

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewWebSocketServer creates a websocket control endpoint.
func NewWebSocketServer(cfg WebSocketConfig) *WebSocketServer {
	def := DefaultWebSocketConfig()
	if cfg.Backlog <= 0 {
		cfg.Backlog = def.Backlog
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	return &WebSocketServer{
		config: cfg,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		requests: make(chan *Exchange, cfg.Backlog),
		done:     make(chan struct{}),
		conns:    make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the connection and reads requests until it closes.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(s.config.MaxMessageSize)

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		conn.Close()
		return
	default:
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	s.readLoop(conn)
}

func (s *WebSocketServer) readLoop(conn *websocket.Conn) {
	var writeMu sync.Mutex
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		seq := f.Seq
		ex := NewExchange([]byte(f.Body), func(b []byte) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			if s.config.WriteTimeout > 0 {
				conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			}
			return conn.WriteJSON(frame{Seq: seq, Body: string(b)})
		})

		select {
		case s.requests <- ex:
		case <-s.done:
			return
		}
	}
}

// Accept implements Listener.
func (s *WebSocketServer) Accept(ctx context.Context, wait time.Duration) (*Exchange, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case ex := <-s.requests:
		return ex, nil
	case <-timer.C:
		return nil, ErrIdle
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Listener. Open connections are closed.
func (s *WebSocketServer) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.done)
		for conn := range s.conns {
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			conn.Close()
		}
		s.mu.Unlock()
	})
	return nil
}

// WebSocketTransport sends control requests over one websocket connection,
// one at a time. A timed-out request poisons the connection, so the next
// request redials.
type WebSocketTransport struct {
	url    string
	config WebSocketConfig

	mu     sync.Mutex
	conn   *websocket.Conn
	seq    uint64
	closed bool
}

// DialWebSocket connects to a WebSocketServer at url (ws:// or wss://).
func DialWebSocket(ctx context.Context, url string, cfg WebSocketConfig) (*WebSocketTransport, error) {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultWebSocketConfig().MaxMessageSize
	}
	t := &WebSocketTransport{url: url, config: cfg}
	if err := t.dial(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *WebSocketTransport) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(t.config.MaxMessageSize)
	t.conn = conn
	return nil
}

// RoundTrip implements Transport.
func (t *WebSocketTransport) RoundTrip(ctx context.Context, data []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if t.conn == nil {
		if err := t.dial(ctx); err != nil {
			return nil, err
		}
	}

	t.seq++
	seq := t.seq

	if t.config.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}
	if err := t.conn.WriteJSON(frame{Seq: seq, Body: string(data)}); err != nil {
		t.reset()
		return nil, fmt.Errorf("websocket write: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	t.conn.SetReadDeadline(deadline)

	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			t.reset()
			var ne net.Error
			if (errors.As(err, &ne) && ne.Timeout()) || ctx.Err() != nil {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("websocket read: %w", err)
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Seq != seq {
			continue
		}
		return []byte(f.Body), nil
	}
}

func (t *WebSocketTransport) reset() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// Close implements Transport.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn == nil {
		return nil
	}
	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	err := t.conn.Close()
	t.conn = nil
	return err
}
