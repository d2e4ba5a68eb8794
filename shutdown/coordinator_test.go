package shutdown

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/dcn/logging"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// --- Unit Tests ---

func TestShutdown_SingleHandler(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	called := false
	coord.Register("listener", Func(func(ctx context.Context) error {
		called = true
		return nil
	}), PhaseIntake)

	if err := coord.ShutdownWithTimeout(5 * time.Second); err != nil {
		t.Fatalf("ShutdownWithTimeout() = %v, want nil", err)
	}
	if !called {
		t.Fatal("expected handler to be called")
	}

	select {
	case <-coord.Done():
	default:
		t.Fatal("expected Done channel to be closed")
	}

	result := coord.Result()
	if result == nil || len(result.Results) != 1 {
		t.Fatalf("Result() = %+v, want 1 handler result", result)
	}
	if result.Results[0].Name != "listener" || result.Results[0].Phase != PhaseIntake {
		t.Errorf("Results[0] = %+v", result.Results[0])
	}
	if len(result.Failed()) != 0 {
		t.Errorf("Failed() = %v, want none", result.Failed())
	}
}

func TestShutdown_PhaseOrder(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var mu sync.Mutex
	var order []int
	record := func(phase int) Handler {
		return Func(func(context.Context) error {
			mu.Lock()
			order = append(order, phase)
			mu.Unlock()
			return nil
		})
	}

	coord.Register("tracing", record(PhaseTelemetry), PhaseTelemetry)
	coord.Register("listener", record(PhaseIntake), PhaseIntake)
	coord.Register("broker", record(PhaseConnections), PhaseConnections)
	coord.Register("control", record(PhaseConnections), PhaseConnections)

	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatal(err)
	}

	want := []int{PhaseIntake, PhaseConnections, PhaseConnections, PhaseTelemetry}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}
}

func TestShutdown_SamePhaseConcurrent(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var running, peak int32
	slow := Func(func(context.Context) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})
	for _, name := range []string{"a", "b", "c"} {
		coord.Register(name, slow, PhaseConnections)
	}

	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&peak); got != 3 {
		t.Errorf("peak concurrency = %d, want 3", got)
	}
}

func TestCloser(t *testing.T) {
	closed := false
	h := Closer(closerFunc(func() error { closed = true; return nil }))
	if err := h.OnShutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !closed {
		t.Error("Closer did not call Close")
	}
}

func TestShutdown_Logging(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New().WithComponent("shutdown")
	log.SetOutput(&buf)

	cfg := DefaultConfig()
	cfg.Logger = log
	coord := NewCoordinator(cfg)
	coord.Register("broker", Func(func(context.Context) error { return nil }), PhaseConnections)
	coord.Register("tracing", Func(func(context.Context) error { return errors.New("export failed") }), PhaseTelemetry)

	_ = coord.ShutdownWithTimeout(time.Second)

	out := buf.String()
	if !strings.Contains(out, "shutdown handler done") || !strings.Contains(out, "handler=broker") {
		t.Errorf("missing success line in %q", out)
	}
	if !strings.Contains(out, "shutdown handler failed") || !strings.Contains(out, "export failed") {
		t.Errorf("missing failure line in %q", out)
	}
}

// --- Failure Tests ---

func TestShutdown_HandlerFailure(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	later := false
	coord.Register("broker", Func(func(context.Context) error { return errors.New("close failed") }), PhaseConnections)
	coord.Register("tracing", Func(func(context.Context) error { later = true; return nil }), PhaseTelemetry)

	err := coord.ShutdownWithTimeout(time.Second)
	if !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("ShutdownWithTimeout() = %v, want ErrHandlerFailed", err)
	}
	if !strings.Contains(err.Error(), "broker") {
		t.Errorf("error %q does not name the failed handler", err)
	}
	if !later {
		t.Error("later phase skipped with ContinueOnError")
	}
}

func TestShutdown_StopOnError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ContinueOnError = false
	coord := NewCoordinator(cfg)

	later := false
	coord.Register("broker", Func(func(context.Context) error { return errors.New("close failed") }), PhaseConnections)
	coord.Register("tracing", Func(func(context.Context) error { later = true; return nil }), PhaseTelemetry)

	if err := coord.ShutdownWithTimeout(time.Second); !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("ShutdownWithTimeout() = %v, want ErrHandlerFailed", err)
	}
	if later {
		t.Error("later phase ran after failure without ContinueOnError")
	}
}

func TestShutdown_Timeout(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	coord.Register("stuck", Func(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), PhaseIntake)
	skipped := false
	coord.Register("tracing", Func(func(context.Context) error { skipped = true; return nil }), PhaseTelemetry)

	err := coord.ShutdownWithTimeout(20 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("ShutdownWithTimeout() = %v, want ErrTimeout", err)
	}
	if skipped {
		t.Error("phase ran after the deadline")
	}
}

func TestShutdown_Twice(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var calls int32
	coord.Register("broker", Func(func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}), PhaseConnections)

	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := coord.ShutdownWithTimeout(time.Second); !errors.Is(err, ErrAlreadyShutdown) {
		t.Errorf("second Shutdown() = %v, want ErrAlreadyShutdown", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("handler calls = %d, want 1", got)
	}
}

func TestResult_BeforeShutdown(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())
	if coord.Result() != nil {
		t.Error("Result() before shutdown should be nil")
	}
}
