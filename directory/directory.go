// Package directory maps participant tokens to connection parameters.
//
// The dispatcher consults a Directory when an agent or client asks for its
// queues: the token it presented selects the broker host it should dial.
// Three backends are provided: an in-process Static table, a NATS JetStream
// key-value bucket (KV) and a SQLite table (SQLite). All of them accept
// writes through Put so a deployment can seed them from configuration.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Common errors.
var (
	ErrNotFound    = errors.New("directory entry not found")
	ErrClosed      = errors.New("directory closed")
	ErrInvalidKind = errors.New("invalid directory kind")
)

// Kind separates agent tokens from client tokens.
type Kind string

const (
	KindAgent  Kind = "agents"
	KindClient Kind = "clients"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindAgent || k == KindClient
}

// Entry is what a token resolves to.
type Entry struct {
	BrokerHost string `json:"broker" toml:"broker" yaml:"broker"`
}

// Directory resolves tokens.
type Directory interface {
	// AgentParams returns the entry for an agent token, or ErrNotFound.
	AgentParams(ctx context.Context, token string) (Entry, error)

	// ClientParams returns the entry for a client token, or ErrNotFound.
	ClientParams(ctx context.Context, token string) (Entry, error)

	// Put stores or replaces an entry.
	Put(ctx context.Context, kind Kind, token string, e Entry) error

	// Close releases resources.
	Close() error
}

// Table is a set of entries per kind, as found in configuration.
type Table map[Kind]map[string]Entry

// DefaultTable returns the entries every deployment starts with: local
// development against localhost and a compose setup whose broker service is
// named nats.
func DefaultTable() Table {
	defaults := map[string]Entry{
		"localhost": {BrokerHost: "localhost"},
		"docker":    {BrokerHost: "nats"},
	}
	t := Table{KindAgent: {}, KindClient: {}}
	for token, e := range defaults {
		t[KindAgent][token] = e
		t[KindClient][token] = e
	}
	return t
}

// Seed writes every entry of t into d.
func Seed(ctx context.Context, d Directory, t Table) error {
	for kind, entries := range t {
		for token, e := range entries {
			if err := d.Put(ctx, kind, token, e); err != nil {
				return fmt.Errorf("seed %s/%s: %w", kind, token, err)
			}
		}
	}
	return nil
}

// Static is an in-memory Directory.
type Static struct {
	mu      sync.RWMutex
	entries Table
	closed  bool
}

// NewStatic creates a Static directory holding a copy of t.
func NewStatic(t Table) *Static {
	s := &Static{entries: Table{KindAgent: {}, KindClient: {}}}
	for kind, entries := range t {
		if !kind.Valid() {
			continue
		}
		for token, e := range entries {
			s.entries[kind][token] = e
		}
	}
	return s
}

// AgentParams implements Directory.
func (s *Static) AgentParams(_ context.Context, token string) (Entry, error) {
	return s.get(KindAgent, token)
}

// ClientParams implements Directory.
func (s *Static) ClientParams(_ context.Context, token string) (Entry, error) {
	return s.get(KindClient, token)
}

func (s *Static) get(kind Kind, token string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Entry{}, ErrClosed
	}
	e, ok := s.entries[kind][token]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Put implements Directory.
func (s *Static) Put(_ context.Context, kind Kind, token string, e Entry) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entries[kind][token] = e
	return nil
}

// Close implements Directory.
func (s *Static) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
