// Package shutdown stops a dcn process in phases.
//
// A dispatcher or agent first stops taking work, then closes its broker and
// control connections, then flushes telemetry:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	ctx, stop := coord.SignalContext(context.Background()) // SIGTERM, SIGINT
//	defer stop()
//
//	coord.Register("listener", shutdown.Closer(listener), shutdown.PhaseIntake)
//	coord.Register("broker", shutdown.Closer(broker), shutdown.PhaseConnections)
//	coord.Register("tracing", shutdown.Func(provider.Shutdown), shutdown.PhaseTelemetry)
//
//	_ = dispatcher.Serve(ctx, listener, nil) // returns once a signal arrives
//	_ = coord.ShutdownWithTimeout(0)
//
// Handlers in the same phase run concurrently. Lower phases run first.
package shutdown
