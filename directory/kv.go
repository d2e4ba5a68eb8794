package directory

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// KV is a Directory backed by a NATS JetStream key-value bucket.
// Keys are "<kind>.<token>" with the token base64url-encoded, values are
// JSON-encoded entries.
type KV struct {
	kv      jetstream.KeyValue
	timeout time.Duration
	closed  atomic.Bool
}

// KVConfig holds KV directory configuration.
type KVConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// Timeout bounds each bucket operation.
	// Default: 5s
	Timeout time.Duration
}

// DefaultKVConfig returns configuration with sensible defaults.
func DefaultKVConfig() KVConfig {
	return KVConfig{
		Bucket:  "dcn-directory",
		Timeout: 5 * time.Second,
	}
}

// NewKV creates or opens the directory bucket.
func NewKV(ctx context.Context, cfg KVConfig) (*KV, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultKVConfig().Bucket
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultKVConfig().Timeout
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "dcn token directory",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}
	return &KV{kv: kv, timeout: cfg.Timeout}, nil
}

func kvKey(kind Kind, token string) string {
	return string(kind) + "." + base64.RawURLEncoding.EncodeToString([]byte(token))
}

// AgentParams implements Directory.
func (d *KV) AgentParams(ctx context.Context, token string) (Entry, error) {
	return d.get(ctx, KindAgent, token)
}

// ClientParams implements Directory.
func (d *KV) ClientParams(ctx context.Context, token string) (Entry, error) {
	return d.get(ctx, KindClient, token)
}

func (d *KV) get(ctx context.Context, kind Kind, token string) (Entry, error) {
	if d.closed.Load() {
		return Entry{}, ErrClosed
	}
	if token == "" {
		return Entry{}, ErrNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	kve, err := d.kv.Get(ctx, kvKey(kind, token))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("kv get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(kve.Value(), &e); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return e, nil
}

// Put implements Directory.
func (d *KV) Put(ctx context.Context, kind Kind, token string, e Entry) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if d.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if _, err := d.kv.Put(ctx, kvKey(kind, token), data); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Delete removes an entry. Deleting an absent entry is not an error.
func (d *KV) Delete(ctx context.Context, kind Kind, token string) error {
	if d.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.kv.Delete(ctx, kvKey(kind, token)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// Close implements Directory. The NATS connection belongs to the caller.
func (d *KV) Close() error {
	d.closed.Store(true)
	return nil
}
