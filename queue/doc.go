// Package queue provides the durable, acknowledgment-capable queue transport
// that carries tasks to agents and reports back to clients.
//
// # Overview
//
// Every queue is bound to one exchange under its own name. A participant
// declares an input queue it consumes from and/or an output queue it
// publishes to. Delivery is at-least-once: a message stays owned by the
// consumer that pulled it until that consumer acks it, drops it, rejects it,
// or disconnects, in which case it is delivered again.
//
// Each consumer holds at most one unacked delivery. With several consumers
// on one queue, every message goes to exactly one of them.
//
// # Available Implementations
//
//   - JetStreamBroker: NATS JetStream work-queue stream per exchange,
//     durable pull consumer per queue
//   - MemoryBroker: in-process broker sharing a MemoryServer, for tests and
//     single-binary setups
//
// # Pulling
//
// Stream wraps a broker's input queue in a bounded-wait iterator. It ends
// with ErrIdle, which is not a failure, once nothing has arrived for the
// inactivity timeout:
//
//	s := queue.NewStream(b, queue.StreamConfig{Inactivity: time.Minute})
//	for d := range s.All(ctx) {
//	    handle(d)
//	    b.Ack(ctx, d)
//	}
//	if err := s.Err(); err != nil {
//	    // transport failure
//	}
package queue
