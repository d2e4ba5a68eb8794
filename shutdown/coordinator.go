package shutdown

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/dcn/logging"
)

var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Phases used by the dcn binaries.
const (
	// PhaseIntake stops new work: control listeners, metrics endpoints.
	PhaseIntake = 10

	// PhaseConnections closes brokers, control clients and directories.
	PhaseConnections = 20

	// PhaseTelemetry flushes and stops tracing.
	PhaseTelemetry = 30
)

// Handler is implemented by components that need graceful shutdown.
// The context is cancelled when the timeout is reached.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Closer adapts an io.Closer to Handler.
func Closer(c io.Closer) Handler {
	return Func(func(context.Context) error { return c.Close() })
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a whole shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

// Failed returns the names of handlers that failed.
func (r *Result) Failed() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the shutdown coordinator.
type Config struct {
	// Timeout bounds ShutdownWithTimeout(0) and signal-triggered shutdowns.
	// Default: 30s
	Timeout time.Duration

	// ContinueOnError runs later phases after a handler fails.
	// Default: true
	ContinueOnError bool

	// Logger receives one line per handler. Nil disables logging.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}

// Coordinator runs registered handlers once, phase by phase.
type Coordinator struct {
	config Config

	mu       sync.Mutex
	handlers []registration
	once     sync.Once
	done     chan struct{}
	result   *Result
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(config Config) *Coordinator {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Coordinator{
		config: config,
		done:   make(chan struct{}),
	}
}

// Register adds a handler to a phase.
func (c *Coordinator) Register(name string, h Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
}

// SignalContext returns a context cancelled on SIGTERM or SIGINT. The caller
// returns from its main loop when it is done and then calls Shutdown.
func (c *Coordinator) SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Shutdown runs every handler. Only the first call does any work; later
// calls wait for it and return ErrAlreadyShutdown.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	first := false
	c.once.Do(func() {
		first = true
		c.result = c.run(ctx)
		close(c.done)
	})
	if !first {
		<-c.done
		return ErrAlreadyShutdown
	}
	return c.result.Err
}

// ShutdownWithTimeout runs Shutdown bounded by timeout, or by the
// configured timeout when it is zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// Done is closed when shutdown completes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the shutdown outcome, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) *Result {
	start := time.Now()

	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{}
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			result.Err = ErrTimeout
			break
		}
		result.Results = append(result.Results, c.runPhase(ctx, group)...)
		if failed := result.Failed(); len(failed) > 0 {
			result.Err = fmt.Errorf("%w: %s", ErrHandlerFailed, strings.Join(failed, ", "))
			if !c.config.ContinueOnError {
				break
			}
		}
	}
	result.TotalDuration = time.Since(start)
	return result
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, r := range group {
		wg.Add(1)
		go func(i int, r registration) {
			defer wg.Done()
			start := time.Now()
			err := r.handler.OnShutdown(ctx)
			results[i] = HandlerResult{Name: r.name, Phase: r.phase, Duration: time.Since(start), Err: err}
			c.logResult(results[i])
		}(i, r)
	}
	wg.Wait()
	return results
}

func (c *Coordinator) logResult(hr HandlerResult) {
	if c.config.Logger == nil {
		return
	}
	fields := map[string]interface{}{
		"handler":     hr.Name,
		"phase":       hr.Phase,
		"duration_ms": hr.Duration.Milliseconds(),
	}
	if hr.Err != nil {
		fields["error"] = hr.Err.Error()
		c.config.Logger.Warn("shutdown handler failed", fields)
		return
	}
	c.config.Logger.Info("shutdown handler done", fields)
}

// groupByPhase splits handlers, already sorted by phase, into runs of the
// same phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
