// Package router bridges connection sessions and the out-of-repo
// conversational handlers: inbound messages are queued and dispatched off
// the transport read path, replies flow back through the fleet supervisor.
package router
