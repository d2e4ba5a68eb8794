// Package wire defines the JSON documents exchanged between dcn participants.
//
// Two families travel on two different transports:
//
//   - Control documents (Request, Response) go over the synchronous
//     request/reply control transport between agents or clients and the
//     dispatcher. Every document is keyed by its Command.
//   - Task documents (Task, TaskReport) go over the durable queue transport.
//     A Task carries its own return address in Client, and the report for it
//     is published to exactly that queue.
//
// Queue topology is fixed: every queue is bound to DefaultExchange using its
// own name as routing key. TaskQueue is shared by all agents; each client owns
// a result queue named after the client.
package wire
