// Command dcn-client submits tasks to the agents and prints their reports.
//
//	dcn-client -module builtin -function echo -args '{"msg":"hi"}' -count 3
//	dcn-client -agent 1002 -command shutdown
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/vinayprograms/dcn/client"
	"github.com/vinayprograms/dcn/control"
	"github.com/vinayprograms/dcn/internal/cli"
	"github.com/vinayprograms/dcn/queue"
	"github.com/vinayprograms/dcn/shutdown"
	"github.com/vinayprograms/dcn/wire"
)

// version is set at build time.
var version = "dev"

type options struct {
	config   string
	module   string
	function string
	args     string
	count    int
	wait     time.Duration
	agent    int
	commands string
}

func main() {
	var o options
	flag.StringVar(&o.config, "config", os.Getenv("DCN_CONFIG"), "config file (TOML, or YAML by extension)")
	flag.StringVar(&o.module, "module", "builtin", "task module")
	flag.StringVar(&o.function, "function", "echo", "task function")
	flag.StringVar(&o.args, "args", "", "task arguments as JSON")
	flag.IntVar(&o.count, "count", 1, "number of tasks to submit")
	flag.DurationVar(&o.wait, "wait", 60*time.Second, "stop waiting after this long without a report (0 submits only)")
	flag.IntVar(&o.agent, "agent", 0, "agent id for -command")
	flag.StringVar(&o.commands, "command", "", "comma-separated remote commands for -agent (disconnect, shutdown)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("dcn-client", version)
		return
	}
	if err := run(o); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(o options) error {
	env, err := cli.Setup(o.config)
	if err != nil {
		return err
	}
	ccfg := env.Config.ClientConfig()

	ctx, stop := env.Shutdown.SignalContext(context.Background())
	defer stop()

	ctl, err := env.ControlClient(ctx, ccfg.Name)
	if err != nil {
		return env.Finish(err)
	}

	if o.commands != "" {
		err := sendCommands(ctx, ctl, o.agent, o.commands)
		ctl.Close()
		return env.Finish(err)
	}

	c := client.New(ctl, env.Dialer(ccfg.Name), ccfg, env.Log.WithComponent("client"))
	env.Shutdown.Register("client", shutdown.Closer(c), shutdown.PhaseConnections)
	return env.Finish(submit(ctx, c, o))
}

func submit(ctx context.Context, c *client.Client, o options) error {
	var args any
	if o.args != "" {
		raw := json.RawMessage(o.args)
		if !json.Valid(raw) {
			return fmt.Errorf("-args is not valid JSON: %s", o.args)
		}
		args = raw
	}

	if err := c.ResolveQueues(ctx); err != nil {
		return err
	}

	for i := 0; i < o.count; i++ {
		id, err := c.Submit(ctx, o.module, o.function, args)
		if err != nil {
			return err
		}
		color.New(color.FgHiBlack).Printf("submitted task %d: %s.%s\n", id, o.module, o.function)
	}
	if o.wait <= 0 {
		return nil
	}

	reports, err := c.Collect(ctx, o.count, o.wait)
	for _, r := range reports {
		printReport(r)
	}
	if errors.Is(err, queue.ErrIdle) {
		return fmt.Errorf("%d of %d reports arrived before the result queue went quiet", len(reports), o.count)
	}
	return err
}

func printReport(r *wire.TaskReport) {
	result, _ := json.Marshal(r.Result)
	if r.Status {
		color.New(color.FgGreen).Printf("task %d ok", r.ID)
		fmt.Printf("  %s\n", result)
		return
	}
	color.New(color.FgRed).Printf("task %d failed", r.ID)
	fmt.Printf("  %s\n", r.Resolution)
}

func sendCommands(ctx context.Context, ctl *control.Client, agentID int, list string) error {
	if agentID <= 0 {
		return fmt.Errorf("-command needs -agent")
	}
	var cmds []wire.RemoteCommand
	for _, s := range strings.Split(list, ",") {
		cmd := wire.RemoteCommand(strings.TrimSpace(s))
		if !cmd.Known() {
			return fmt.Errorf("unknown remote command %q", s)
		}
		cmds = append(cmds, cmd)
	}

	resp, err := ctl.Send(ctx, &wire.Request{
		Command:  wire.CmdAgentCommand,
		ID:       agentID,
		Commands: cmds,
	})
	if err != nil {
		return err
	}
	if !resp.Result {
		return fmt.Errorf("dispatcher does not know agent %d", agentID)
	}
	color.Green("queued %s for agent %d\n", list, agentID)
	return nil
}
