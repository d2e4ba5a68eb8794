package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	dcnerr "github.com/vinayprograms/dcn/errors"
	"github.com/vinayprograms/dcn/telemetry"
	"github.com/vinayprograms/dcn/wire"
)

type handler func(ctx context.Context, req *wire.Request, raw []byte) *wire.Response

func (d *Dispatcher) commandTable() map[wire.Command]handler {
	return map[wire.Command]handler{
		wire.CmdRegisterAgent: d.registerAgent,
		wire.CmdAgentQueues:   d.agentQueues,
		wire.CmdPulse:         d.pulse,
		wire.CmdClientQueues:  d.clientQueues,
		wire.CmdDisconnect:    d.disconnect,
		wire.CmdRelay:         d.relay,
		wire.CmdAgentCommand:  d.agentCommand,
	}
}

// Handle processes one encoded control request and returns the encoded
// response. Malformed documents and unknown commands get a rejection.
func (d *Dispatcher) Handle(ctx context.Context, data []byte) []byte {
	resp := d.handle(ctx, data)
	out, err := json.Marshal(resp)
	if err != nil {
		out, _ = json.Marshal(wire.Reject(resp.Command, "encode response: "+err.Error()))
	}
	return out
}

func (d *Dispatcher) handle(ctx context.Context, data []byte) *wire.Response {
	req, err := wire.DecodeRequest(data)
	if err != nil {
		perr := dcnerr.Protocol("malformed request", dcnerr.WithCause(err))
		d.metrics.Rejected("malformed")
		d.log.CommandRejected("", perr.Error())
		return wire.Reject("", perr.Error())
	}

	h, ok := d.handlers[req.Command]
	if !ok {
		perr := dcnerr.Protocol(fmt.Sprintf("unknown command %q", req.Command))
		d.metrics.Rejected("unknown_command")
		d.log.CommandRejected(string(req.Command), perr.Error())
		return wire.Reject(req.Command, perr.Error())
	}

	ctx, span := telemetry.GetTracer().StartCommandSpan(ctx, string(req.Command), false)
	start := time.Now()
	resp := h(ctx, req, data)
	resp.Command = req.Command
	elapsed := time.Since(start)

	var spanErr error
	if resp.Error != "" {
		spanErr = dcnerr.Protocol(resp.Error)
	}
	telemetry.GetTracer().EndSpan(span, spanErr)
	d.metrics.Command(string(req.Command), resp.Result, elapsed)
	d.log.CommandHandled(string(req.Command), resp.ID, resp.Result, elapsed)
	return resp
}

func (d *Dispatcher) registerAgent(_ context.Context, req *wire.Request, _ []byte) *wire.Response {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.agents[id] = &Record{
		ID:       id,
		Name:     req.Name,
		Token:    req.Token,
		State:    StateRegistered,
		LastSync: d.now(),
	}
	n := len(d.agents)
	d.mu.Unlock()

	d.metrics.Registered()
	d.metrics.Agents(n)
	d.log.Info("agent registered", map[string]interface{}{
		"agent": id,
		"name":  req.Name,
	})
	return &wire.Response{ID: id, Result: true}
}

func (d *Dispatcher) agentQueues(ctx context.Context, req *wire.Request, _ []byte) *wire.Response {
	fail := &wire.Response{ID: req.ID}

	d.mu.RLock()
	rec, ok := d.agents[req.ID]
	var token string
	if ok {
		token = rec.Token
	}
	d.mu.RUnlock()

	if !ok {
		d.log.Warn("agent queues refused", map[string]interface{}{
			"error": dcnerr.Registration(req.ID).Error(),
		})
		return fail
	}
	if token != req.Token {
		d.log.Warn("agent queues refused", map[string]interface{}{
			"agent":  req.ID,
			"reason": "token mismatch",
		})
		return fail
	}
	if !d.broker.Connected() {
		d.log.Warn("agent queues refused", map[string]interface{}{
			"agent":  req.ID,
			"reason": "broker link down",
		})
		return fail
	}
	entry, err := d.directory.AgentParams(ctx, token)
	if err != nil {
		d.log.Warn("agent queues refused", map[string]interface{}{
			"agent": req.ID,
			"error": err.Error(),
		})
		return fail
	}

	d.mu.Lock()
	if rec, ok := d.agents[req.ID]; ok {
		rec.State = StateQueueAssigned
	}
	d.mu.Unlock()

	q := d.queue(wire.TaskQueue)
	return &wire.Response{
		ID:         req.ID,
		Result:     true,
		BrokerHost: entry.BrokerHost,
		Queue:      &q,
	}
}

func (d *Dispatcher) pulse(_ context.Context, req *wire.Request, _ []byte) *wire.Response {
	d.mu.Lock()
	rec, ok := d.agents[req.ID]
	var pending []wire.RemoteCommand
	if ok {
		rec.LastSync = d.now()
		pending = rec.Pending
		rec.Pending = nil
	}
	d.mu.Unlock()

	if !ok {
		return &wire.Response{ID: req.ID}
	}
	reply := &wire.Reply{Commands: pending}
	if req.Reply != nil {
		reply.Fields = req.Reply.Fields
	}
	return &wire.Response{ID: req.ID, Result: true, Reply: reply}
}

func (d *Dispatcher) clientQueues(ctx context.Context, req *wire.Request, _ []byte) *wire.Response {
	fail := &wire.Response{}
	if req.Name == "" {
		d.log.Warn("client queues refused", map[string]interface{}{"reason": "missing name"})
		return fail
	}
	if !d.broker.Connected() {
		d.log.Warn("client queues refused", map[string]interface{}{
			"client": req.Name,
			"reason": "broker link down",
		})
		return fail
	}
	entry, err := d.directory.ClientParams(ctx, req.Token)
	if err != nil {
		d.log.Warn("client queues refused", map[string]interface{}{
			"client": req.Name,
			"error":  err.Error(),
		})
		return fail
	}

	task := d.queue(wire.TaskQueue)
	result := d.queue(req.Name)
	for _, q := range []wire.QueueDescriptor{task, result} {
		if err := d.broker.Bind(ctx, q); err != nil {
			d.log.Warn("client queues refused", map[string]interface{}{
				"client": req.Name,
				"queue":  q.String(),
				"error":  err.Error(),
			})
			return fail
		}
	}

	return &wire.Response{
		Result:      true,
		BrokerHost:  entry.BrokerHost,
		TaskQueue:   &task,
		ResultQueue: &result,
	}
}

func (d *Dispatcher) disconnect(_ context.Context, req *wire.Request, _ []byte) *wire.Response {
	d.mu.Lock()
	_, existed := d.agents[req.ID]
	delete(d.agents, req.ID)
	n := len(d.agents)
	d.mu.Unlock()

	if existed {
		d.metrics.Agents(n)
		d.log.Info("agent disconnected", map[string]interface{}{"agent": req.ID})
	}
	return &wire.Response{ID: req.ID, Result: true}
}

func (d *Dispatcher) relay(_ context.Context, req *wire.Request, raw []byte) *wire.Response {
	return &wire.Response{ID: req.ID, Result: true, Echo: json.RawMessage(raw)}
}

func (d *Dispatcher) agentCommand(_ context.Context, req *wire.Request, _ []byte) *wire.Response {
	if len(req.Commands) == 0 {
		return wire.Reject(req.Command, "no remote commands given")
	}
	for _, c := range req.Commands {
		if !c.Known() {
			return wire.Reject(req.Command, fmt.Sprintf("unknown remote command %q", c))
		}
	}

	d.mu.Lock()
	rec, ok := d.agents[req.ID]
	if ok {
		rec.Pending = append(rec.Pending, req.Commands...)
	}
	d.mu.Unlock()

	if !ok {
		return &wire.Response{ID: req.ID}
	}
	return &wire.Response{ID: req.ID, Result: true}
}
