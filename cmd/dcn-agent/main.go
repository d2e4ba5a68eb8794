// Command dcn-agent registers with the dispatcher and runs tasks from its
// queue until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vinayprograms/dcn/agent"
	"github.com/vinayprograms/dcn/internal/cli"
	"github.com/vinayprograms/dcn/metrics"
	"github.com/vinayprograms/dcn/modules"
	"github.com/vinayprograms/dcn/runner"
	"github.com/vinayprograms/dcn/shutdown"
)

// version is set at build time.
var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("DCN_CONFIG"), "config file (TOML, or YAML by extension)")
	name := flag.String("name", "", "agent name (overrides agent.name)")
	token := flag.String("token", "", "directory token (overrides agent.token)")
	listModules := flag.Bool("modules", false, "list available task functions and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("dcn-agent", version)
		return
	}
	if *listModules {
		for _, n := range modules.Default().Names() {
			fmt.Println(n)
		}
		return
	}
	if err := run(*configPath, *name, *token); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, name, token string) error {
	env, err := cli.Setup(configPath)
	if err != nil {
		return err
	}
	cfg := env.Config
	if name != "" {
		cfg.Agent.Name = name
	}
	if token != "" {
		cfg.Agent.Token = token
	}
	acfg := cfg.AgentConfig()
	log := env.Log.WithComponent("agent")

	reg := modules.Default()
	if err := reg.Validate(cfg.Agent.Require...); err != nil {
		return env.Finish(fmt.Errorf("module registry: %w", err))
	}

	ctx, stop := env.Shutdown.SignalContext(context.Background())
	defer stop()

	if err := env.Tracing(ctx, "agent", cfg.Agent.Name, version); err != nil {
		return env.Finish(err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	m := metrics.NewAgent(promReg)

	ctl, err := env.ControlClient(ctx, acfg.Name)
	if err != nil {
		return env.Finish(err)
	}

	r := runner.New(reg,
		runner.WithLogger(env.Log.WithComponent("runner")),
		runner.WithTimeout(cfg.Agent.TaskTimeout.Duration),
	)
	a := agent.New(ctl, env.Dialer(acfg.Name), r, acfg,
		agent.WithLogger(log),
		agent.WithMetrics(m),
	)
	env.Shutdown.Register("agent", shutdown.Closer(a), shutdown.PhaseConnections)

	if _, err := env.Metrics(promReg, map[string]metrics.HealthCheck{
		"registered": func(context.Context) error {
			if a.State() == agent.StateUnregistered {
				return fmt.Errorf("agent %s is not registered", a.Name())
			}
			return nil
		},
	}); err != nil {
		return env.Finish(err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("    %s", a.Name())
	fmt.Printf(" serving %s\n\n", strings.Join(reg.Names(), ", "))

	err = a.Run(ctx, nil)
	log.Info("agent stopping", map[string]interface{}{
		"id":        a.ID(),
		"processed": a.Processed(),
	})
	return env.Finish(err)
}
