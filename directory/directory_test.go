package directory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/dcn/internal/natstest"
)

// backends returns every Directory implementation, empty.
func backends(t *testing.T) map[string]Directory {
	t.Helper()
	sq, err := NewSQLite(filepath.Join(t.TempDir(), "dir", "tokens.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { sq.Close() })

	out := map[string]Directory{
		"static": NewStatic(nil),
		"sqlite": sq,
	}
	if !testing.Short() {
		nc, err := nats.Connect(natstest.URL(t))
		if err != nil {
			t.Fatalf("nats.Connect() error = %v", err)
		}
		t.Cleanup(nc.Close)
		kv, err := NewKV(context.Background(), KVConfig{Conn: nc})
		if err != nil {
			t.Fatalf("NewKV() error = %v", err)
		}
		out["kv"] = kv
	}
	return out
}

// --- Unit Tests ---

func TestDefaultTable(t *testing.T) {
	d := NewStatic(DefaultTable())
	ctx := context.Background()

	tests := []struct {
		token string
		want  string
	}{
		{"localhost", "localhost"},
		{"docker", "nats"},
	}
	for _, tt := range tests {
		e, err := d.AgentParams(ctx, tt.token)
		if err != nil || e.BrokerHost != tt.want {
			t.Errorf("AgentParams(%q) = %v, %v, want %q", tt.token, e, err, tt.want)
		}
		e, err = d.ClientParams(ctx, tt.token)
		if err != nil || e.BrokerHost != tt.want {
			t.Errorf("ClientParams(%q) = %v, %v, want %q", tt.token, e, err, tt.want)
		}
	}
	if _, err := d.AgentParams(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("AgentParams(unknown) error = %v, want %v", err, ErrNotFound)
	}
}

func TestStatic_Copy(t *testing.T) {
	table := Table{KindAgent: {"a": {BrokerHost: "h1"}}}
	d := NewStatic(table)
	table[KindAgent]["a"] = Entry{BrokerHost: "changed"}

	e, err := d.AgentParams(context.Background(), "a")
	if err != nil || e.BrokerHost != "h1" {
		t.Errorf("AgentParams(a) = %v, %v, want h1", e, err)
	}
}

// --- Integration Tests ---

func TestDirectory_Backends(t *testing.T) {
	ctx := context.Background()
	for name, d := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := Seed(ctx, d, Table{
				KindAgent:  {"tok/with+chars": {BrokerHost: "broker-a"}},
				KindClient: {"tok/with+chars": {BrokerHost: "broker-c"}},
			}); err != nil {
				t.Fatalf("Seed() error = %v", err)
			}

			e, err := d.AgentParams(ctx, "tok/with+chars")
			if err != nil || e.BrokerHost != "broker-a" {
				t.Errorf("AgentParams() = %v, %v, want broker-a", e, err)
			}
			e, err = d.ClientParams(ctx, "tok/with+chars")
			if err != nil || e.BrokerHost != "broker-c" {
				t.Errorf("ClientParams() = %v, %v, want broker-c", e, err)
			}

			// Kinds are separate namespaces.
			if err := d.Put(ctx, KindAgent, "agent-only", Entry{BrokerHost: "x"}); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if _, err := d.ClientParams(ctx, "agent-only"); !errors.Is(err, ErrNotFound) {
				t.Errorf("ClientParams(agent-only) error = %v, want %v", err, ErrNotFound)
			}

			// Put replaces.
			if err := d.Put(ctx, KindAgent, "agent-only", Entry{BrokerHost: "y"}); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if e, _ := d.AgentParams(ctx, "agent-only"); e.BrokerHost != "y" {
				t.Errorf("BrokerHost = %q, want y", e.BrokerHost)
			}

			if _, err := d.AgentParams(ctx, ""); !errors.Is(err, ErrNotFound) {
				t.Errorf("AgentParams(\"\") error = %v, want %v", err, ErrNotFound)
			}
		})
	}
}

func TestDirectory_Delete(t *testing.T) {
	ctx := context.Background()
	sq, err := NewSQLite(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	defer sq.Close()

	sq.Put(ctx, KindClient, "c", Entry{BrokerHost: "h"})
	if err := sq.Delete(ctx, KindClient, "c"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := sq.ClientParams(ctx, "c"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ClientParams() after delete error = %v, want %v", err, ErrNotFound)
	}
}

func TestSQLite_Persistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.db")

	first, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	if err := first.Put(ctx, KindAgent, "a", Entry{BrokerHost: "h"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	first.Close()

	second, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer second.Close()
	if e, err := second.AgentParams(ctx, "a"); err != nil || e.BrokerHost != "h" {
		t.Errorf("AgentParams() after reopen = %v, %v, want h", e, err)
	}
}

// --- Failure Tests ---

func TestDirectory_InvalidKind(t *testing.T) {
	for name, d := range backends(t) {
		if err := d.Put(context.Background(), Kind("robots"), "t", Entry{}); !errors.Is(err, ErrInvalidKind) {
			t.Errorf("%s: Put(robots) error = %v, want %v", name, err, ErrInvalidKind)
		}
	}
}

func TestStatic_Closed(t *testing.T) {
	d := NewStatic(DefaultTable())
	d.Close()
	if _, err := d.AgentParams(context.Background(), "localhost"); !errors.Is(err, ErrClosed) {
		t.Errorf("AgentParams() after Close error = %v, want %v", err, ErrClosed)
	}
	if err := d.Put(context.Background(), KindAgent, "x", Entry{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Put() after Close error = %v, want %v", err, ErrClosed)
	}
}
