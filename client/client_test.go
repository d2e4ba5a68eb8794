package client

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vinayprograms/dcn/control"
	"github.com/vinayprograms/dcn/directory"
	"github.com/vinayprograms/dcn/dispatcher"
	dcnerr "github.com/vinayprograms/dcn/errors"
	"github.com/vinayprograms/dcn/logging"
	"github.com/vinayprograms/dcn/queue"
	"github.com/vinayprograms/dcn/wire"
)

func quiet() *logging.Logger {
	l := logging.New()
	l.SetOutput(&bytes.Buffer{})
	return l
}

// setup serves a dispatcher over in-process transports and returns a client
// factory.
func setup(t *testing.T) (*queue.MemoryServer, func(name, token string) *Client) {
	t.Helper()
	queues := queue.NewMemoryServer()
	ctrl := control.NewMemoryServer(16)
	d := dispatcher.New(directory.NewStatic(directory.DefaultTable()),
		queues.Dial(queue.Config{}), dispatcher.Config{PollInterval: 10 * time.Millisecond},
		dispatcher.WithLogger(quiet()))

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Serve(ctx, ctrl, nil)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		d.Close()
	})

	return queues, func(name, token string) *Client {
		c := New(control.NewClient(ctrl.Dial(), control.Config{RequestTimeout: 2 * time.Second}),
			queues.Dialer(queue.Config{}), Config{Name: name, Token: token}, quiet())
		t.Cleanup(func() { c.Close() })
		return c
	}
}

// --- Unit Tests ---

func TestDefaultName(t *testing.T) {
	c := New(nil, nil, Config{}, quiet())
	if len(c.Name()) != len("client-")+8 {
		t.Errorf("Name() = %q, want client-<8 chars>", c.Name())
	}
}

// --- Integration Tests ---

func TestResolveQueues(t *testing.T) {
	_, newClient := setup(t)
	c := newClient("c1", "localhost")

	if err := c.ResolveQueues(context.Background()); err != nil {
		t.Fatalf("ResolveQueues() error = %v", err)
	}
	if got := c.ResultQueue(); got != wire.NewQueue("c1") {
		t.Errorf("ResultQueue() = %v, want default/c1", got)
	}
	// Idempotent.
	if err := c.ResolveQueues(context.Background()); err != nil {
		t.Errorf("second ResolveQueues() error = %v", err)
	}
}

func TestSubmit(t *testing.T) {
	queues, newClient := setup(t)
	c := newClient("c1", "localhost")
	if err := c.ResolveQueues(context.Background()); err != nil {
		t.Fatalf("ResolveQueues() error = %v", err)
	}

	for want := 1; want <= 3; want++ {
		id, err := c.Submit(context.Background(), "builtin", "echo", map[string]int{"n": want})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		if id != want {
			t.Errorf("Submit() id = %d, want %d", id, want)
		}
	}

	// Read the tasks back as an agent would.
	agent := queues.Dial(queue.Config{})
	agent.Connect(context.Background())
	defer agent.Close()
	if err := agent.Declare(context.Background(), wire.NewQueue(wire.TaskQueue), wire.QueueDescriptor{}); err != nil {
		t.Fatalf("Declare() error = %v", err)
	}
	d, err := agent.PullOne(context.Background())
	if err != nil {
		t.Fatalf("PullOne() error = %v", err)
	}
	task, err := wire.DecodeTask(d.Body)
	if err != nil {
		t.Fatalf("DecodeTask() error = %v", err)
	}
	if task.ID != 1 || task.Client != wire.NewQueue("c1") || task.Module != "builtin" || string(task.Arguments) != `{"n":1}` {
		t.Errorf("task = %+v", task)
	}
	if d.MsgID() != c.TaskMsgID(1) {
		t.Errorf("MsgID() = %q, want %q", d.MsgID(), c.TaskMsgID(1))
	}
}

func TestTaskMsgID_PerSession(t *testing.T) {
	_, newClient := setup(t)
	first := newClient("c1", "localhost")
	restarted := newClient("c1", "localhost")

	if first.TaskMsgID(1) == first.TaskMsgID(2) {
		t.Error("task ids of one client share a message id")
	}
	if first.TaskMsgID(1) == restarted.TaskMsgID(1) {
		t.Errorf("a restarted client reuses message id %q", first.TaskMsgID(1))
	}
}

func TestResultsAndCollect(t *testing.T) {
	queues, newClient := setup(t)
	c := newClient("c1", "localhost")
	if err := c.ResolveQueues(context.Background()); err != nil {
		t.Fatalf("ResolveQueues() error = %v", err)
	}

	pub := queues.Dial(queue.Config{})
	pub.Connect(context.Background())
	defer pub.Close()
	dest := wire.NewQueue("c1")
	bodies := []string{
		`{"id":1,"client":{"exchange":"default","queue":"c1"},"result":2,"status":true,"resolution":""}`,
		`{"id":"bad","status":true}`,
		`{"nothing":true}`,
		`{"id":2,"client":{"exchange":"default","queue":"c1"},"result":null,"status":false,"resolution":"module not found"}`,
	}
	for _, b := range bodies {
		if err := pub.Publish(context.Background(), []byte(b), &dest); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	reports, err := c.Collect(context.Background(), 2, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if reports[0].ID != 1 || !reports[0].Status || reports[1].ID != 2 || reports[1].Resolution != "module not found" {
		t.Errorf("reports = %+v, %+v", reports[0], reports[1])
	}
	if queues.Depth(dest) != 0 || queues.Unacked(dest) != 0 {
		t.Error("result queue not drained")
	}

	reports, err = c.Collect(context.Background(), 1, 30*time.Millisecond)
	if !errors.Is(err, queue.ErrIdle) || len(reports) != 0 {
		t.Errorf("Collect() on empty queue = %d, %v; want 0, ErrIdle", len(reports), err)
	}
}

// --- Failure Tests ---

func TestNotResolved(t *testing.T) {
	c := New(nil, nil, Config{Name: "c"}, quiet())
	if _, err := c.Submit(context.Background(), "builtin", "ping", nil); !errors.Is(err, ErrNotResolved) {
		t.Errorf("Submit() error = %v, want %v", err, ErrNotResolved)
	}
	if _, err := c.Results(ResultOptions{}); !errors.Is(err, ErrNotResolved) {
		t.Errorf("Results() error = %v, want %v", err, ErrNotResolved)
	}
}

func TestResolveQueues_Refused(t *testing.T) {
	_, newClient := setup(t)
	c := newClient("c1", "stranger")
	err := c.ResolveQueues(context.Background())
	if !dcnerr.Is(err, dcnerr.ErrCodeUnavailable) {
		t.Errorf("ResolveQueues() error = %v, want UNAVAILABLE", err)
	}
}

func TestSubmit_UnencodableArgs(t *testing.T) {
	_, newClient := setup(t)
	c := newClient("c1", "localhost")
	if err := c.ResolveQueues(context.Background()); err != nil {
		t.Fatalf("ResolveQueues() error = %v", err)
	}
	if _, err := c.Submit(context.Background(), "builtin", "echo", make(chan int)); !dcnerr.Is(err, dcnerr.ErrCodeValidation) {
		t.Errorf("Submit(chan) error = %v, want VALIDATION", err)
	}
}
