// Package natstest runs an embedded NATS server with JetStream for tests.
package natstest

import (
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
)

// Run starts a JetStream-enabled server on a random port and returns it.
// The server is shut down when the test ends.
func Run(t testing.TB) *server.Server {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	s := natsserver.RunServer(&opts)
	t.Cleanup(s.Shutdown)
	return s
}

// URL starts a server like Run and returns its client URL.
func URL(t testing.TB) string {
	t.Helper()
	return Run(t).ClientURL()
}
