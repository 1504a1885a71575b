/*
Package session implements the per-branch connection state machine.

A session moves through disconnected, connecting, awaiting_pairing,
connected and closing. One control loop goroutine owns every transition and
the underlying transport handle; commands (connect, disconnect, invalidate,
backup) and transport events are both consumed from channels, so within a
branch all transitions and their side effects are strictly sequential.

The session deliberately contains no retry logic: on every disconnect it
backs up the branch's credentials, reports the reason on Disconnects() and
waits. The fleet supervisor consults the reconnection policy and issues the
next Connect, which keeps "what to do" separate from "when it runs".
*/
package session
