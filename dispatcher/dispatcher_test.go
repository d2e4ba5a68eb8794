package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vinayprograms/dcn/control"
	"github.com/vinayprograms/dcn/directory"
	"github.com/vinayprograms/dcn/logging"
	"github.com/vinayprograms/dcn/metrics"
	"github.com/vinayprograms/dcn/queue"
	"github.com/vinayprograms/dcn/wire"
)

type fixture struct {
	d      *Dispatcher
	server *queue.MemoryServer
	reg    *prometheus.Registry
	log    *bytes.Buffer
	mu     sync.Mutex
	now    time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		server: queue.NewMemoryServer(),
		reg:    prometheus.NewRegistry(),
		log:    &bytes.Buffer{},
		now:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	log := logging.New().WithComponent("dispatcher")
	log.SetOutput(f.log)

	broker := f.server.Dial(queue.Config{URL: "localhost"})
	f.d = New(directory.NewStatic(directory.DefaultTable()), broker, cfg,
		WithLogger(log), WithMetrics(metrics.NewDispatcher(f.reg)), WithClock(f.clock))
	if err := f.d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { f.d.Close() })
	return f
}

func (f *fixture) call(t *testing.T, req wire.Request) *wire.Response {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return f.callRaw(t, data)
}

func (f *fixture) callRaw(t *testing.T, data []byte) *wire.Response {
	t.Helper()
	resp, err := wire.DecodeResponse(f.d.Handle(context.Background(), data))
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func (f *fixture) register(t *testing.T, name, token string) int {
	t.Helper()
	resp := f.call(t, wire.Request{Command: wire.CmdRegisterAgent, Name: name, Token: token})
	if !resp.Result {
		t.Fatalf("register_agent result = false")
	}
	return resp.ID
}

// --- Unit Tests ---

func TestRegister_IDsIncrease(t *testing.T) {
	f := newFixture(t, Config{})

	prev := 0
	for i := 0; i < 5; i++ {
		id := f.register(t, "agent", "localhost")
		if i == 0 && id != 1001 {
			t.Errorf("first id = %d, want 1001", id)
		}
		if id <= prev {
			t.Errorf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}

	// Ids are not reused after disconnect.
	f.call(t, wire.Request{Command: wire.CmdDisconnect, ID: prev})
	if id := f.register(t, "agent", "localhost"); id != prev+1 {
		t.Errorf("id after disconnect = %d, want %d", id, prev+1)
	}

	if got := len(f.d.Agents()); got != 5 {
		t.Errorf("Agents() = %d records, want 5", got)
	}
}

func TestRegister_FirstID(t *testing.T) {
	f := newFixture(t, Config{FirstAgentID: 7})
	if id := f.register(t, "", ""); id != 7 {
		t.Errorf("first id = %d, want 7", id)
	}
}

func TestPulse(t *testing.T) {
	f := newFixture(t, Config{})

	if resp := f.call(t, wire.Request{Command: wire.CmdPulse, ID: 1001}); resp.Result {
		t.Error("pulse for unknown id: result = true, want false")
	}

	id := f.register(t, "a", "localhost")
	f.advance(time.Minute)
	resp := f.call(t, wire.Request{
		Command: wire.CmdPulse,
		ID:      id,
		Reply:   &wire.Reply{Fields: map[string]any{"load": 0.25}},
	})
	if !resp.Result {
		t.Fatal("pulse after registration: result = false, want true")
	}
	if resp.Reply == nil || resp.Reply.Fields["load"] != 0.25 {
		t.Errorf("Reply = %+v, want load echoed", resp.Reply)
	}
	if len(resp.Reply.Commands) != 0 {
		t.Errorf("Commands = %v, want none", resp.Reply.Commands)
	}

	rec := f.d.Agents()[0]
	if !rec.LastSync.Equal(f.clock()) {
		t.Errorf("LastSync = %v, want %v", rec.LastSync, f.clock())
	}
}

func TestPulse_DeliversCommandsOnce(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.register(t, "a", "localhost")

	resp := f.call(t, wire.Request{
		Command:  wire.CmdAgentCommand,
		ID:       id,
		Commands: []wire.RemoteCommand{wire.RemoteDisconnect, wire.RemoteShutdown},
	})
	if !resp.Result {
		t.Fatalf("agent_command result = false, error %q", resp.Error)
	}

	resp = f.call(t, wire.Request{Command: wire.CmdPulse, ID: id})
	want := []wire.RemoteCommand{wire.RemoteDisconnect, wire.RemoteShutdown}
	if resp.Reply == nil || len(resp.Reply.Commands) != 2 ||
		resp.Reply.Commands[0] != want[0] || resp.Reply.Commands[1] != want[1] {
		t.Errorf("first pulse commands = %+v, want %v", resp.Reply, want)
	}

	resp = f.call(t, wire.Request{Command: wire.CmdPulse, ID: id})
	if len(resp.Reply.Commands) != 0 {
		t.Errorf("second pulse commands = %v, want none", resp.Reply.Commands)
	}
}

func TestAgentQueues(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.register(t, "a", "docker")

	resp := f.call(t, wire.Request{Command: wire.CmdAgentQueues, ID: id, Token: "docker"})
	if !resp.Result {
		t.Fatal("agent_queues result = false, want true")
	}
	if resp.BrokerHost != "nats" {
		t.Errorf("BrokerHost = %q, want nats", resp.BrokerHost)
	}
	want := wire.QueueDescriptor{Exchange: wire.DefaultExchange, Queue: wire.TaskQueue}
	if resp.Queue == nil || *resp.Queue != want {
		t.Errorf("Queue = %v, want %v", resp.Queue, want)
	}
	if st := f.d.Agents()[0].State; st != StateQueueAssigned {
		t.Errorf("State = %s, want %s", st, StateQueueAssigned)
	}
}

func TestAgentQueues_Refused(t *testing.T) {
	tests := []struct {
		name     string
		regToken string
		reqToken string
		id       func(registered int) int
		down     bool
	}{
		{"unknown id", "localhost", "localhost", func(int) int { return 4242 }, false},
		{"token mismatch", "localhost", "docker", func(id int) int { return id }, false},
		{"no directory entry", "nobody", "nobody", func(id int) int { return id }, false},
		{"broker down", "localhost", "localhost", func(id int) int { return id }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			id := f.register(t, "a", tt.regToken)
			f.server.SetDown(tt.down)

			resp := f.call(t, wire.Request{Command: wire.CmdAgentQueues, ID: tt.id(id), Token: tt.reqToken})
			if resp.Result {
				t.Error("result = true, want false")
			}
			if resp.Error != "" {
				t.Errorf("Error = %q, want none", resp.Error)
			}
			if resp.Queue != nil || resp.BrokerHost != "" {
				t.Errorf("refusal carries queue data: %+v", resp)
			}
		})
	}
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.register(t, "a", "localhost")

	if resp := f.call(t, wire.Request{Command: wire.CmdDisconnect, ID: id}); !resp.Result {
		t.Error("disconnect result = false, want true")
	}
	if resp := f.call(t, wire.Request{Command: wire.CmdAgentQueues, ID: id, Token: "localhost"}); resp.Result {
		t.Error("agent_queues after disconnect: result = true, want false")
	}
	if resp := f.call(t, wire.Request{Command: wire.CmdPulse, ID: id}); resp.Result {
		t.Error("pulse after disconnect: result = true, want false")
	}
	if resp := f.call(t, wire.Request{Command: wire.CmdDisconnect, ID: 999}); !resp.Result {
		t.Error("disconnect of unknown id: result = false, want true")
	}
	if n := len(f.d.Agents()); n != 0 {
		t.Errorf("Agents() = %d, want 0", n)
	}
}

func TestClientQueues(t *testing.T) {
	f := newFixture(t, Config{})

	for i := 0; i < 2; i++ {
		resp := f.call(t, wire.Request{Command: wire.CmdClientQueues, Name: "c1", Token: "localhost"})
		if !resp.Result {
			t.Fatalf("call %d: result = false", i)
		}
		if resp.BrokerHost != "localhost" {
			t.Errorf("BrokerHost = %q, want localhost", resp.BrokerHost)
		}
		if resp.TaskQueue == nil || resp.TaskQueue.Queue != wire.TaskQueue {
			t.Errorf("TaskQueue = %v, want %s", resp.TaskQueue, wire.TaskQueue)
		}
		if resp.ResultQueue == nil || *resp.ResultQueue != wire.NewQueue("c1") {
			t.Errorf("ResultQueue = %v, want default/c1", resp.ResultQueue)
		}
	}

	for _, req := range []wire.Request{
		{Command: wire.CmdClientQueues, Token: "localhost"},
		{Command: wire.CmdClientQueues, Name: "c2", Token: "nobody"},
	} {
		if resp := f.call(t, req); resp.Result {
			t.Errorf("client_queues(%q, %q) result = true, want false", req.Name, req.Token)
		}
	}

	f.server.SetDown(true)
	if resp := f.call(t, wire.Request{Command: wire.CmdClientQueues, Name: "c3", Token: "localhost"}); resp.Result {
		t.Error("client_queues with broker down: result = true, want false")
	}
}

func TestRelay(t *testing.T) {
	f := newFixture(t, Config{})
	resp := f.callRaw(t, []byte(`{"command":"relay","name":"ping","extra":[1,2]}`))
	if !resp.Result {
		t.Fatal("relay result = false")
	}
	var echo map[string]any
	if err := json.Unmarshal(resp.Echo, &echo); err != nil {
		t.Fatalf("decode echo: %v", err)
	}
	if echo["name"] != "ping" || echo["extra"] == nil {
		t.Errorf("Echo = %s, want the request", resp.Echo)
	}
}

func TestIsAlive(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.register(t, "a", "localhost")

	if !f.d.IsAlive(id, 30*time.Second) {
		t.Error("IsAlive right after registration = false")
	}
	f.advance(time.Minute)
	if f.d.IsAlive(id, 30*time.Second) {
		t.Error("IsAlive after a silent minute = true")
	}
	f.call(t, wire.Request{Command: wire.CmdPulse, ID: id})
	if !f.d.IsAlive(id, 30*time.Second) {
		t.Error("IsAlive after pulse = false")
	}
	if f.d.IsAlive(4242, time.Hour) {
		t.Error("IsAlive(unknown) = true")
	}
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, "a", "localhost")
	f.register(t, "b", "localhost")
	f.callRaw(t, []byte(`{"command":"reboot"}`))

	expected := `
# HELP dcn_dispatcher_agents Agents currently registered.
# TYPE dcn_dispatcher_agents gauge
dcn_dispatcher_agents 2
# HELP dcn_dispatcher_registrations_total Agent registrations since start.
# TYPE dcn_dispatcher_registrations_total counter
dcn_dispatcher_registrations_total 2
`
	if err := testutil.GatherAndCompare(f.reg, strings.NewReader(expected),
		"dcn_dispatcher_agents", "dcn_dispatcher_registrations_total"); err != nil {
		t.Errorf("metrics mismatch: %v", err)
	}
	if n, _ := testutil.GatherAndCount(f.reg, "dcn_dispatcher_rejected_total"); n != 1 {
		t.Errorf("rejected series = %d, want 1", n)
	}
}

// --- Integration Tests ---

func TestServe_SequentialRequests(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 20 * time.Millisecond})
	srv := control.NewMemoryServer(16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.d.Serve(ctx, srv, nil) }()

	const n = 10
	var wg sync.WaitGroup
	ids := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := control.NewClient(srv.Dial(), control.Config{RequestTimeout: 5 * time.Second})
			resp, err := c.Send(ctx, &wire.Request{Command: wire.CmdRegisterAgent, Token: "localhost"})
			if err != nil {
				t.Errorf("Send() error = %v", err)
				return
			}
			ids <- resp.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("id %d handed out twice", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Errorf("got %d distinct ids, want %d", len(seen), n)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve() error = %v", err)
	}
}

func TestServe_Interrupt(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 10 * time.Millisecond})
	srv := control.NewMemoryServer(4)

	var polls, handled int
	err := f.d.Serve(context.Background(), srv, func(h bool) bool {
		polls++
		if h {
			handled++
		}
		return polls == 3
	})
	if err != nil {
		t.Errorf("Serve() error = %v", err)
	}
	if polls != 3 || handled != 0 {
		t.Errorf("polls = %d handled = %d, want 3 and 0", polls, handled)
	}
}

func TestServe_ListenerClosed(t *testing.T) {
	f := newFixture(t, Config{PollInterval: 10 * time.Millisecond})
	srv := control.NewMemoryServer(4)
	srv.Close()
	if err := f.d.Serve(context.Background(), srv, nil); err != nil {
		t.Errorf("Serve() on closed listener error = %v, want nil", err)
	}
}

func TestLiveness_Drain(t *testing.T) {
	f := newFixture(t, Config{})
	q := wire.NewQueue(wire.DispatcherQueue)

	pub := f.server.Dial(queue.Config{})
	if err := pub.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer pub.Close()
	for i := 0; i < 3; i++ {
		if err := pub.Publish(context.Background(), map[string]int{"n": i}, &q); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	if err := f.d.Liveness(context.Background()); err != nil {
		t.Fatalf("Liveness() error = %v", err)
	}
	if got := f.server.Depth(q); got != 0 {
		t.Errorf("dispatcher queue depth = %d, want 0", got)
	}
	if got := f.server.Unacked(q); got != 0 {
		t.Errorf("dispatcher queue unacked = %d, want 0", got)
	}
	if !strings.Contains(f.log.String(), "dispatcher queue message") {
		t.Error("drained messages were not logged")
	}
}

func TestLiveness_Reconnect(t *testing.T) {
	f := newFixture(t, Config{ReconnectAttempts: 2, ReconnectDelay: time.Millisecond})
	id := f.register(t, "a", "localhost")

	f.server.SetDown(true)
	if err := f.d.Liveness(context.Background()); err == nil {
		t.Error("Liveness() with broker down: error = nil")
	}
	if resp := f.call(t, wire.Request{Command: wire.CmdAgentQueues, ID: id, Token: "localhost"}); resp.Result {
		t.Error("agent_queues while down: result = true")
	}

	f.server.SetDown(false)
	if err := f.d.Liveness(context.Background()); err != nil {
		t.Fatalf("Liveness() after recovery error = %v", err)
	}
	if resp := f.call(t, wire.Request{Command: wire.CmdAgentQueues, ID: id, Token: "localhost"}); !resp.Result {
		t.Error("agent_queues after reconnect: result = false")
	}
}

// --- Failure Tests ---

func TestHandle_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		cmd  wire.Command
	}{
		{"not json", `not json`, ""},
		{"array", `[1]`, ""},
		{"missing command", `{"id":1}`, ""},
		{"unknown command", `{"command":"reboot"}`, "reboot"},
		{"bad field type", `{"command":"pulse","id":"x"}`, ""},
		{"unknown remote command", `{"command":"agent_command","id":1001,"commands":["reboot"]}`, wire.CmdAgentCommand},
		{"no remote commands", `{"command":"agent_command","id":1001}`, wire.CmdAgentCommand},
	}

	f := newFixture(t, Config{})
	f.register(t, "a", "localhost")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.callRaw(t, []byte(tt.body))
			if resp.Result {
				t.Error("result = true, want false")
			}
			if resp.Error == "" {
				t.Error("Error is empty")
			}
			if resp.Command != tt.cmd {
				t.Errorf("Command = %q, want %q", resp.Command, tt.cmd)
			}
		})
	}

	// The service keeps working after rejections.
	if resp := f.call(t, wire.Request{Command: wire.CmdPulse, ID: 1001}); !resp.Result {
		t.Error("pulse after rejections: result = false")
	}
}

func TestAgentCommand_UnknownAgent(t *testing.T) {
	f := newFixture(t, Config{})
	resp := f.call(t, wire.Request{
		Command:  wire.CmdAgentCommand,
		ID:       4242,
		Commands: []wire.RemoteCommand{wire.RemoteShutdown},
	})
	if resp.Result || resp.Error != "" {
		t.Errorf("agent_command(unknown) = %+v, want result false without error", resp)
	}
}

func TestStart_BrokerDown(t *testing.T) {
	server := queue.NewMemoryServer()
	server.SetDown(true)
	d := New(directory.NewStatic(nil), server.Dial(queue.Config{}),
		Config{ReconnectAttempts: 2, ReconnectDelay: time.Millisecond},
		WithLogger(quietLogger()))
	defer d.Close()

	if err := d.Start(context.Background()); err == nil {
		t.Error("Start() with broker down: error = nil")
	}
}

func quietLogger() *logging.Logger {
	l := logging.New()
	l.SetOutput(&bytes.Buffer{})
	return l
}
