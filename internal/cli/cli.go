// Package cli holds the setup shared by the dcn binaries: configuration,
// credentials, logging, tracing, transports and the shutdown sequence.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vinayprograms/dcn/config"
	"github.com/vinayprograms/dcn/control"
	"github.com/vinayprograms/dcn/credentials"
	"github.com/vinayprograms/dcn/directory"
	"github.com/vinayprograms/dcn/logging"
	"github.com/vinayprograms/dcn/metrics"
	"github.com/vinayprograms/dcn/queue"
	"github.com/vinayprograms/dcn/shutdown"
	"github.com/vinayprograms/dcn/telemetry"
)

// phaseLogs closes the log file after everything else has logged.
const phaseLogs = shutdown.PhaseTelemetry + 10

// Env is a configured process.
type Env struct {
	Config      *config.Config
	Credentials *credentials.Credentials
	Log         *logging.Logger
	Shutdown    *shutdown.Coordinator

	// CredentialsPath is where credentials were read from, if anywhere.
	CredentialsPath string
}

// Setup loads the configuration at path, or the defaults when path is
// empty, and prepares logging and credentials.
func Setup(path string) (*Env, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	log := logging.New()
	log.SetLevel(logging.ParseLevel(cfg.Logging.Level))

	var logFile io.Closer
	if cfg.Logging.File != "" {
		f, err := log.OpenFile(cfg.Logging.File)
		if err != nil {
			return nil, err
		}
		logFile = f
	}

	env := &Env{Config: cfg, Log: log}
	env.Shutdown = shutdown.NewCoordinator(shutdown.Config{
		ContinueOnError: true,
		Logger:          log.WithComponent("shutdown"),
	})
	if logFile != nil {
		env.Shutdown.Register("log file", shutdown.Closer(logFile), phaseLogs)
	}

	var err error
	if cfg.Control.Credentials != "" {
		env.CredentialsPath = cfg.Control.Credentials
		env.Credentials, err = credentials.LoadFile(cfg.Control.Credentials)
	} else {
		env.Credentials, env.CredentialsPath, err = credentials.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	return env, nil
}

// Tracing starts the OTLP exporter when telemetry is enabled and registers
// its flush with the shutdown sequence.
func (e *Env) Tracing(ctx context.Context, role, instance, version string) error {
	if !e.Config.Telemetry.Enabled {
		return nil
	}
	p, err := telemetry.InitProvider(ctx, e.Config.ProviderConfig(role, instance, version))
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	e.Shutdown.Register("tracing", shutdown.Func(p.Shutdown), shutdown.PhaseTelemetry)
	return nil
}

// natsConfig returns the control plane NATS settings with credentials.
func (e *Env) natsConfig(name string) control.NATSConfig {
	cfg := e.Config.NATSConfig(name)
	e.Credentials.ControlLogin().ApplyNATS(&cfg)
	return cfg
}

// ControlClient connects a requester to the dispatcher.
func (e *Env) ControlClient(ctx context.Context, name string) (*control.Client, error) {
	var (
		t   control.Transport
		err error
	)
	switch e.Config.Control.Transport {
	case config.TransportWebSocket:
		t, err = control.DialWebSocket(ctx, e.Config.Control.URL, e.Config.WebSocketConfig())
	default:
		t, err = control.NewNATSTransport(e.natsConfig(name))
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to dispatcher: %w", err)
	}
	return control.NewClient(t, e.Config.ControlConfig()), nil
}

// Listener opens the dispatcher's request endpoint and registers it with
// the shutdown sequence.
func (e *Env) Listener() (control.Listener, error) {
	if e.Config.Control.Transport != config.TransportWebSocket {
		l, err := control.NewNATSListener(e.natsConfig("dcn-dispatcher"))
		if err != nil {
			return nil, fmt.Errorf("control listener: %w", err)
		}
		e.Shutdown.Register("control listener", shutdown.Closer(l), shutdown.PhaseIntake)
		return l, nil
	}

	ws := control.NewWebSocketServer(e.Config.WebSocketConfig())
	ln, err := net.Listen("tcp", e.Config.Control.Listen)
	if err != nil {
		return nil, fmt.Errorf("control listener: %w", err)
	}
	srv := &http.Server{Handler: ws, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.Log.Error("control listener stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	e.Log.Info("control listener ready", map[string]interface{}{"addr": ln.Addr().String()})
	e.Shutdown.Register("control listener", shutdown.Func(func(ctx context.Context) error {
		ws.Close()
		return srv.Shutdown(ctx)
	}), shutdown.PhaseIntake)
	return ws, nil
}

// Broker returns an unconnected broker client for a fixed host.
func (e *Env) Broker(name, host string) queue.Broker {
	b, _ := e.Dialer(name)(host)
	return b
}

// Dialer returns a Dialer that applies the per-host broker login.
func (e *Env) Dialer(name string) queue.Dialer {
	return func(host string) (queue.Broker, error) {
		cfg := e.Config.QueueConfig(name)
		e.Credentials.BrokerLogin(host).ApplyQueue(&cfg)
		return queue.JetStreamDialer(cfg)(host)
	}
}

// Directory opens the configured token directory, seeds it with the
// configured entries and registers it with the shutdown sequence.
func (e *Env) Directory(ctx context.Context) (directory.Directory, error) {
	dc := e.Config.Directory
	table := dc.Table()

	var (
		d   directory.Directory
		err error
	)
	switch dc.Backend {
	case config.DirectorySQLite:
		d, err = directory.NewSQLite(dc.Path)
	case config.DirectoryKV:
		d, err = e.kvDirectory(ctx)
	default:
		d = directory.NewStatic(table)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s directory: %w", dc.Backend, err)
	}
	if dc.Backend != config.DirectoryStatic {
		if err := directory.Seed(ctx, d, table); err != nil {
			d.Close()
			return nil, fmt.Errorf("seeding directory: %w", err)
		}
	}
	e.Shutdown.Register("directory", shutdown.Closer(d), shutdown.PhaseConnections)
	return d, nil
}

func (e *Env) kvDirectory(ctx context.Context) (directory.Directory, error) {
	nc, err := control.Connect(e.natsConfig("dcn-directory"))
	if err != nil {
		return nil, err
	}
	cfg := directory.DefaultKVConfig()
	cfg.Conn = nc
	cfg.Bucket = e.Config.Directory.Bucket
	kv, err := directory.NewKV(ctx, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	e.Shutdown.Register("directory connection", shutdown.Func(func(context.Context) error {
		nc.Close()
		return nil
	}), shutdown.PhaseConnections+1)
	return kv, nil
}

// Metrics serves /metrics and /health when enabled and returns the server,
// or nil when metrics are disabled.
func (e *Env) Metrics(g prometheus.Gatherer, checks map[string]metrics.HealthCheck) (*metrics.Server, error) {
	if !e.Config.Metrics.Enabled {
		return nil, nil
	}
	srv := metrics.NewServer(e.Config.Metrics.Addr, g)
	for name, check := range checks {
		srv.AddCheck(name, check)
	}
	addr, err := srv.Start()
	if err != nil {
		return nil, fmt.Errorf("metrics server: %w", err)
	}
	e.Log.Info("metrics listening", map[string]interface{}{"addr": addr.String()})
	e.Shutdown.Register("metrics", shutdown.Func(srv.Shutdown), shutdown.PhaseIntake)
	return srv, nil
}

// Finish runs the shutdown sequence and joins its error with err.
func (e *Env) Finish(err error) error {
	if serr := e.Shutdown.ShutdownWithTimeout(0); serr != nil {
		return errors.Join(err, serr)
	}
	return err
}
