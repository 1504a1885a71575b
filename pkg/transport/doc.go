/*
Package transport is the boundary to the external messaging service.

Everything wire-level (encryption, device pairing, message framing) lives
behind the Transport interface, which exposes just connect, send,
receive-events and logout. Transports push typed events onto a channel;
nothing in this package calls back into the session, which keeps event
ordering and backpressure explicit.

Two implementations are provided: an MQTT-backed transport that talks to a
messaging gateway over a broker, and an in-process loopback transport used
for dev mode and tests.
*/
package transport
