package agent

import (
	"context"
	"fmt"

	dcnerr "github.com/vinayprograms/dcn/errors"
	"github.com/vinayprograms/dcn/wire"
)

func (a *Agent) commandTable() map[wire.RemoteCommand]func(context.Context) error {
	return map[wire.RemoteCommand]func(context.Context) error{
		wire.RemoteDisconnect: a.disconnect,
		wire.RemoteShutdown:   a.shutdown,
	}
}

// ApplyCommands applies remote commands in order. The first unknown or
// failing command stops the rest.
func (a *Agent) ApplyCommands(ctx context.Context, commands []wire.RemoteCommand) error {
	for _, c := range commands {
		fn, ok := a.commands[c]
		if !ok {
			err := dcnerr.Protocol(fmt.Sprintf("unknown remote command %q", c), dcnerr.WithAgentID(a.ID()))
			a.log.Error("remote command rejected", map[string]interface{}{"error": err.Error()})
			return err
		}
		if err := fn(ctx); err != nil {
			a.log.Error("remote command failed", map[string]interface{}{
				"command": string(c),
				"error":   err.Error(),
			})
			return err
		}
		a.metrics.RemoteCommand(string(c))
		a.log.Info("remote command applied", map[string]interface{}{"command": string(c)})
	}
	return nil
}

// disconnect leaves the dispatcher. The next cycle registers with a new id.
func (a *Agent) disconnect(ctx context.Context) error {
	id := a.ID()
	resp, err := a.control.Send(ctx, &wire.Request{Command: wire.CmdDisconnect, ID: id})
	if err != nil {
		return err
	}
	if !resp.Result {
		return dcnerr.Registration(id)
	}
	a.reset()
	return nil
}

// shutdown stops the agent after the current cycle.
func (a *Agent) shutdown(context.Context) error {
	a.mu.Lock()
	b := a.broker
	a.broker = nil
	a.mu.Unlock()
	if b != nil {
		b.Close()
	}
	a.setState(StateStopped)
	return nil
}
