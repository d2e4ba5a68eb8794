// Package runner executes one task document and turns every outcome into a
// report. It never returns an error: each failure ends up in the report's
// status and resolution.
package runner

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	dcnerr "github.com/vinayprograms/dcn/errors"
	"github.com/vinayprograms/dcn/logging"
	"github.com/vinayprograms/dcn/modules"
	"github.com/vinayprograms/dcn/telemetry"
	"github.com/vinayprograms/dcn/wire"
)

// Resolutions reported for tasks that never reached their function.
const (
	ResolutionMissingField     = "missing field"
	ResolutionModuleNotFound   = "module not found"
	ResolutionFunctionNotFound = "function not found"
)

// Stage names, as logged.
const (
	StageValidate = "validate"
	StageModule   = "module"
	StageFunction = "function"
	StageExecute  = "execute"
)

// Runner runs tasks against a module registry.
type Runner struct {
	modules *modules.Registry
	log     *logging.Logger
	timeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithTimeout bounds each function call. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// New creates a Runner.
func New(reg *modules.Registry, opts ...Option) *Runner {
	r := &Runner{modules: reg}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logging.New().WithComponent("runner")
	}
	return r
}

// RunTask runs a decoded task.
func (r *Runner) RunTask(ctx context.Context, t *wire.Task) *wire.TaskReport {
	body, err := t.Marshal()
	if err != nil {
		return &wire.TaskReport{ID: t.ID, Client: t.Client, Resolution: err.Error()}
	}
	return r.Run(ctx, body)
}

// Run validates the task document in body, resolves its function, calls it
// and reports the outcome. The report's id and client always come from body.
func (r *Runner) Run(ctx context.Context, body []byte) *wire.TaskReport {
	start := time.Now()
	report := envelope(body)

	ctx, span := telemetry.GetTracer().StartTaskSpan(ctx, report.ID,
		gjson.GetBytes(body, "module").String(), gjson.GetBytes(body, "function").String())
	defer func() {
		var result string
		if report.Status && telemetry.GetTracer().Debug() {
			if b, err := json.Marshal(report.Result); err == nil {
				result = string(b)
			}
		}
		telemetry.GetTracer().EndTaskSpan(span, telemetry.TaskSpanOptions{
			Status:     report.Status,
			Resolution: report.Resolution,
			Result:     result,
		})
		r.log.TaskComplete(report.ID, report.Client.Queue, report.Status, time.Since(start))
	}()

	task, err := r.validate(body)
	if err != nil {
		return r.fail(report, StageValidate, ResolutionMissingField, err)
	}
	r.log.TaskStage(task.ID, StageValidate, nil)

	mod, ok := r.modules.Module(task.Module)
	if !ok {
		return r.fail(report, StageModule, ResolutionModuleNotFound,
			dcnerr.Resolution(ResolutionModuleNotFound, dcnerr.WithTaskID(task.ID), dcnerr.WithMetadata("module", task.Module)))
	}
	r.log.TaskStage(task.ID, StageModule, nil)

	fn, ok := mod.Function(task.Function)
	if !ok {
		return r.fail(report, StageFunction, ResolutionFunctionNotFound,
			dcnerr.Resolution(ResolutionFunctionNotFound, dcnerr.WithTaskID(task.ID), dcnerr.WithMetadata("function", task.Function)))
	}
	r.log.TaskStage(task.ID, StageFunction, nil)

	var args json.RawMessage
	if !emptyArguments(task.Arguments) {
		args = task.Arguments
	}
	result, err := r.call(ctx, task.ID, fn, args)
	if err != nil {
		resolution := err.Error()
		if dcnerr.Is(err, dcnerr.ErrCodePanic) {
			resolution = "panic: " + resolution
		}
		return r.fail(report, StageExecute, resolution, dcnerr.Execution(task.ID, "function raised", dcnerr.WithCause(err)))
	}
	r.log.TaskStage(task.ID, StageExecute, nil)

	report.Result = result
	report.Status = true
	report.Resolution = ""
	return report
}

// envelope starts a report from whatever id and client body carries.
func envelope(body []byte) *wire.TaskReport {
	report := &wire.TaskReport{ID: int(gjson.GetBytes(body, "id").Int())}
	if c := gjson.GetBytes(body, "client"); c.IsObject() {
		json.Unmarshal([]byte(c.Raw), &report.Client)
	}
	return report
}

func (r *Runner) validate(body []byte) (*wire.Task, error) {
	if err := wire.CheckObject(body); err != nil {
		return nil, dcnerr.Validation(ResolutionMissingField, dcnerr.WithCause(err))
	}
	if missing := wire.MissingFields(body, wire.TaskFields...); len(missing) > 0 {
		return nil, dcnerr.Validation(ResolutionMissingField,
			dcnerr.WithMetadata("fields", strings.Join(missing, ",")))
	}
	task, err := wire.DecodeTask(body)
	if err != nil {
		return nil, dcnerr.Validation(ResolutionMissingField, dcnerr.WithCause(err))
	}
	if task.Client.IsZero() {
		return nil, dcnerr.Validation(ResolutionMissingField, dcnerr.WithMetadata("fields", "client.queue"))
	}
	return task, nil
}

// call runs fn inside a failure boundary. A returned error comes back as is.
// A panic comes back as a PANIC error carrying only the panic value; the
// stack goes to the log and onto the task span.
func (r *Runner) call(ctx context.Context, id int, fn modules.Func, args json.RawMessage) (result any, err error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			perr := dcnerr.RecoverPanic(p)
			stack := string(debug.Stack())
			r.log.Error("task function panicked", map[string]interface{}{
				"task":  id,
				"panic": perr.Error(),
				"stack": stack,
			})
			trace.SpanFromContext(ctx).AddEvent("panic", trace.WithAttributes(
				semconv.ExceptionMessage(perr.Error()),
				semconv.ExceptionStacktrace(stack),
			))
			err = perr
		}
	}()
	return fn(ctx, args)
}

func (r *Runner) fail(report *wire.TaskReport, stage, resolution string, err error) *wire.TaskReport {
	r.log.TaskStage(report.ID, stage, err)
	report.Status = false
	report.Result = nil
	report.Resolution = resolution
	return report
}

// emptyArguments reports whether raw holds no usable arguments: absent,
// null, an empty string, an empty object or an empty array.
func emptyArguments(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	v := gjson.ParseBytes(raw)
	switch {
	case v.Type == gjson.Null:
		return true
	case v.Type == gjson.String:
		return v.Str == ""
	case v.IsObject():
		return len(v.Map()) == 0
	case v.IsArray():
		return len(v.Array()) == 0
	}
	return false
}
