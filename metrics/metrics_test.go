package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// --- Unit Tests ---

func TestDispatcher_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDispatcher(reg)

	m.Command("pulse", true, time.Millisecond)
	m.Command("pulse", true, time.Millisecond)
	m.Command("pulse", false, time.Millisecond)
	m.Rejected("unknown_command")
	m.Registered()
	m.Agents(3)
	m.Reconnect(false)
	m.Reconnect(true)
	m.Drained(2)
	m.Drained(0)

	if got := testutil.ToFloat64(m.commands.WithLabelValues("pulse", "true")); got != 2 {
		t.Errorf("commands{pulse,true} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.commands.WithLabelValues("pulse", "false")); got != 1 {
		t.Errorf("commands{pulse,false} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.agents); got != 3 {
		t.Errorf("agents = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.drained); got != 2 {
		t.Errorf("drained = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(m.reconnects); got != 2 {
		t.Errorf("reconnect series = %d, want 2", got)
	}

	expected := `
# HELP dcn_dispatcher_rejected_total Control documents rejected as malformed or unknown.
# TYPE dcn_dispatcher_rejected_total counter
dcn_dispatcher_rejected_total{reason="unknown_command"} 1
`
	if err := testutil.CollectAndCompare(m.rejected, strings.NewReader(expected)); err != nil {
		t.Errorf("rejected mismatch: %v", err)
	}
}

func TestAgent_State(t *testing.T) {
	m := NewAgent(prometheus.NewRegistry())

	m.State("registered")
	m.State("connected")

	for _, s := range AgentStates {
		want := 0.0
		if s == "connected" {
			want = 1
		}
		if got := testutil.ToFloat64(m.state.WithLabelValues(s)); got != want {
			t.Errorf("state{%s} = %v, want %v", s, got, want)
		}
	}

	m.Task(true, time.Second)
	m.Task(false, time.Second)
	m.Dropped(1)
	m.Cycle()
	m.RemoteCommand("disconnect")
	if got := testutil.ToFloat64(m.tasks.WithLabelValues("true")); got != 1 {
		t.Errorf("tasks{true} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.dropped); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
}

func TestNilReceivers(t *testing.T) {
	var d *Dispatcher
	var a *Agent
	d.Command("pulse", true, 0)
	d.Rejected("x")
	d.Registered()
	d.Agents(1)
	d.Reconnect(true)
	d.Drained(1)
	a.Task(true, 0)
	a.Dropped(1)
	a.Cycle()
	a.State("connected")
	a.RemoteCommand("shutdown")
}

func TestSeparateRegistries(t *testing.T) {
	// Two participants in one process must not collide.
	NewDispatcher(prometheus.NewRegistry())
	NewDispatcher(prometheus.NewRegistry())
	NewAgent(prometheus.NewRegistry())
	NewAgent(prometheus.NewRegistry())
}

// --- Integration Tests ---

func TestServer_Endpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDispatcher(reg)
	m.Registered()

	s := NewServer("127.0.0.1:0", reg)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "dcn_dispatcher_registrations_total 1") {
		t.Errorf("/metrics missing registrations:\n%s", body)
	}

	resp, err = http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d, want 200", resp.StatusCode)
	}
}

func TestServer_StartShutdown(t *testing.T) {
	s := NewServer("127.0.0.1:0", prometheus.NewRegistry())
	addr, err := s.Start()
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	resp, err := http.Get("http://" + addr.String() + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()

	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

// --- Failure Tests ---

func TestServer_Unhealthy(t *testing.T) {
	s := NewServer("", prometheus.NewRegistry())
	s.AddCheck("broker", func(context.Context) error { return errors.New("link down") })
	s.AddCheck("control", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var h Health
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if h.Status != "unhealthy" || h.Checks["broker"] != "link down" || h.Checks["control"] != "ok" {
		t.Errorf("health = %+v", h)
	}
}
