// Command dcn-dispatcher answers control requests from agents and clients
// and hands out their queues.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vinayprograms/dcn/dispatcher"
	"github.com/vinayprograms/dcn/internal/cli"
	"github.com/vinayprograms/dcn/metrics"
	"github.com/vinayprograms/dcn/queue"
	"github.com/vinayprograms/dcn/shutdown"
)

// version is set at build time.
var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("DCN_CONFIG"), "config file (TOML, or YAML by extension)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("dcn-dispatcher", version)
		return
	}
	if err := run(*configPath); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	env, err := cli.Setup(configPath)
	if err != nil {
		return err
	}
	cfg := env.Config
	log := env.Log.WithComponent("dispatcher")

	ctx, stop := env.Shutdown.SignalContext(context.Background())
	defer stop()

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Control:   %s %s\n", cfg.Control.Transport, cfg.Control.URL)
	green.Print("    ▶ ")
	fmt.Printf("Broker:    %s\n", cfg.Dispatcher.BrokerHost)
	green.Print("    ▶ ")
	fmt.Printf("Directory: %s\n\n", cfg.Directory.Backend)

	if err := env.Tracing(ctx, "dispatcher", "", version); err != nil {
		return env.Finish(err)
	}

	dir, err := env.Directory(ctx)
	if err != nil {
		return env.Finish(err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	broker := env.Broker("dcn-dispatcher", cfg.Dispatcher.BrokerHost)
	d := dispatcher.New(dir, broker, cfg.DispatcherConfig(),
		dispatcher.WithLogger(log),
		dispatcher.WithMetrics(metrics.NewDispatcher(reg)),
	)
	env.Shutdown.Register("broker", shutdown.Closer(d), shutdown.PhaseConnections)

	if err := d.Start(ctx); err != nil {
		// The liveness check keeps reconnecting.
		log.Warn("broker unavailable at start", map[string]interface{}{"error": err.Error()})
	}

	if _, err := env.Metrics(reg, map[string]metrics.HealthCheck{
		"broker": func(context.Context) error {
			if !broker.Connected() {
				return queue.ErrNotConnected
			}
			return nil
		},
	}); err != nil {
		return env.Finish(err)
	}

	l, err := env.Listener()
	if err != nil {
		return env.Finish(err)
	}

	err = d.Serve(ctx, l, nil)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("dispatcher stopping", map[string]interface{}{"agents": len(d.Agents())})
	return env.Finish(err)
}
