package control

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryServer is an in-process control endpoint. Transports obtained from
// Dial deliver requests to the server's Accept loop.
type MemoryServer struct {
	requests chan *Exchange
	done     chan struct{}
	once     sync.Once
}

// NewMemoryServer creates an in-process control endpoint. backlog bounds how
// many requests may wait for Accept.
func NewMemoryServer(backlog int) *MemoryServer {
	if backlog <= 0 {
		backlog = 64
	}
	return &MemoryServer{
		requests: make(chan *Exchange, backlog),
		done:     make(chan struct{}),
	}
}

// Accept implements Listener.
func (s *MemoryServer) Accept(ctx context.Context, wait time.Duration) (*Exchange, error) {
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

// Close implements Listener.
func (s *MemoryServer) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Dial returns a Transport connected to this server.
func (s *MemoryServer) Dial() *MemoryTransport {
	return &MemoryTransport{server: s}
}

// MemoryTransport is the requesting end of a MemoryServer.
type MemoryTransport struct {
	server *MemoryServer
	mu     sync.Mutex
	closed bool
}

// RoundTrip implements Transport.
func (t *MemoryTransport) RoundTrip(ctx context.Context, data []byte) ([]byte, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	replies := make(chan []byte, 1)
	ex := NewExchange(append([]byte(nil), data...), func(b []byte) error {
		replies <- b
		return nil
	})

	select {
	case t.server.requests <- ex:
	case <-t.server.done:
		return nil, ErrNoResponders
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}

	select {
	case b := <-replies:
		return b, nil
	case <-t.server.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}
}

// Close implements Transport.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}
