// Package metrics defines the Prometheus collectors exported by dispatchers
// and agents, and the HTTP server that exposes them.
//
// Collectors register on a caller-supplied registry so several participants
// can live in one process. Every recording method is safe on a nil receiver;
// components built without metrics simply skip recording.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dcn"

// Dispatcher holds control-plane metrics.
type Dispatcher struct {
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	rejected        *prometheus.CounterVec
	agents          prometheus.Gauge
	registered      prometheus.Counter
	reconnects      *prometheus.CounterVec
	drained         prometheus.Counter
}

// NewDispatcher creates dispatcher collectors and registers them on reg.
func NewDispatcher(reg prometheus.Registerer) *Dispatcher {
	m := &Dispatcher{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "commands_total",
			Help:      "Control commands handled, by command and result.",
		}, []string{"command", "result"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "command_duration_seconds",
			Help:      "Time spent handling one control command.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"command"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "rejected_total",
			Help:      "Control documents rejected as malformed or unknown.",
		}, []string{"reason"}),
		agents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "agents",
			Help:      "Agents currently registered.",
		}),
		registered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "registrations_total",
			Help:      "Agent registrations since start.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "broker_reconnects_total",
			Help:      "Broker reconnection attempts after a lost link, by outcome.",
		}, []string{"outcome"}),
		drained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "drained_messages_total",
			Help:      "Messages drained from the dispatcher queue.",
		}),
	}
	reg.MustRegister(m.commands, m.commandDuration, m.rejected, m.agents,
		m.registered, m.reconnects, m.drained)
	return m
}

// Command records one handled command.
func (m *Dispatcher) Command(command string, result bool, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, boolLabel(result)).Inc()
	m.commandDuration.WithLabelValues(command).Observe(d.Seconds())
}

// Rejected records a rejected document.
func (m *Dispatcher) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

// Registered records a new agent.
func (m *Dispatcher) Registered() {
	if m == nil {
		return
	}
	m.registered.Inc()
}

// Agents sets the number of registered agents.
func (m *Dispatcher) Agents(n int) {
	if m == nil {
		return
	}
	m.agents.Set(float64(n))
}

// Reconnect records a reconnection attempt.
func (m *Dispatcher) Reconnect(ok bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if ok {
		outcome = "connected"
	}
	m.reconnects.WithLabelValues(outcome).Inc()
}

// Drained records messages found on the dispatcher queue.
func (m *Dispatcher) Drained(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.drained.Add(float64(n))
}

// Agent holds worker metrics.
type Agent struct {
	tasks        *prometheus.CounterVec
	taskDuration prometheus.Histogram
	dropped      prometheus.Counter
	cycles       prometheus.Counter
	state        *prometheus.GaugeVec
	commands     *prometheus.CounterVec
}

// AgentStates lists the values of the agent state gauge.
var AgentStates = []string{"unregistered", "registered", "connected", "stopped"}

// NewAgent creates agent collectors and registers them on reg.
func NewAgent(reg prometheus.Registerer) *Agent {
	m := &Agent{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "tasks_total",
			Help:      "Tasks executed, by report status.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "task_duration_seconds",
			Help:      "Time from delivery to acknowledgement.",
			Buckets:   prometheus.DefBuckets,
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "dropped_messages_total",
			Help:      "Malformed task messages dropped.",
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "cycles_total",
			Help:      "Agent cycles run.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "state",
			Help:      "1 for the agent's current state, 0 otherwise.",
		}, []string{"state"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "remote_commands_total",
			Help:      "Remote commands applied, by command.",
		}, []string{"command"}),
	}
	reg.MustRegister(m.tasks, m.taskDuration, m.dropped, m.cycles, m.state, m.commands)
	return m
}

// Task records one finished task.
func (m *Agent) Task(status bool, d time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(boolLabel(status)).Inc()
	m.taskDuration.Observe(d.Seconds())
}

// Dropped records discarded messages.
func (m *Agent) Dropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dropped.Add(float64(n))
}

// Cycle records one cycle.
func (m *Agent) Cycle() {
	if m == nil {
		return
	}
	m.cycles.Inc()
}

// State marks state as current.
func (m *Agent) State(state string) {
	if m == nil {
		return
	}
	for _, s := range AgentStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

// RemoteCommand records an applied remote command.
func (m *Agent) RemoteCommand(command string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
