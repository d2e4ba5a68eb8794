// Package control provides the synchronous request/reply transport between
// agents or clients and the dispatcher.
//
// # Overview
//
// The requesting side sends one document and blocks until the reply arrives
// or the request timeout elapses; a timeout is reported as an explicit
// failure and never retried silently. The replying side hands requests to a
// single handler loop one at a time through Listener.Accept, so the handler
// needs no locking.
//
// # Available Implementations
//
//   - NATSTransport / NATSListener: core NATS request/reply on one subject
//   - WebSocketTransport / WebSocketServer: lockstep frames over gorilla/websocket
//   - MemoryServer: in-process channels for tests and single-binary setups
//
// # Usage
//
//	// Dispatcher
//	for {
//	    ex, err := listener.Accept(ctx, time.Second)
//	    if errors.Is(err, control.ErrIdle) {
//	        continue
//	    }
//	    ex.Reply(handle(ex.Data))
//	}
//
//	// Agent
//	client := control.NewClient(transport, control.DefaultConfig())
//	resp, err := client.Send(ctx, &wire.Request{Command: wire.CmdRegisterAgent})
package control
