package transport

import (
	"context"
	"time"

	"github.com/branchline/branchline/pkg/types"
)

// Event is a typed lifecycle or content event emitted by a transport. The
// session's control loop consumes these from a channel; transports never
// call back into the session.
type Event interface {
	isEvent()
}

// PairingChallengeEvent carries the opaque token an operator must present
// out-of-band to authorize a new session.
type PairingChallengeEvent struct {
	Challenge string
	IssuedAt  time.Time
}

// ConnectedEvent signals successful authentication.
type ConnectedEvent struct {
	Identity string
}

// DisconnectedEvent signals the connection ended, with a reason the
// reconnection policy understands.
type DisconnectedEvent struct {
	Reason  types.DisconnectReason
	Message string
}

// MessageEvent carries one inbound content message.
type MessageEvent struct {
	SenderID   string
	Payload    []byte
	Metadata   map[string]string
	ReceivedAt time.Time
}

// CredentialsUpdateEvent carries refreshed session material that must be
// persisted so the session stays resumable across restarts.
type CredentialsUpdateEvent struct {
	Credentials *types.Credentials
}

func (PairingChallengeEvent) isEvent()  {}
func (ConnectedEvent) isEvent()         {}
func (DisconnectedEvent) isEvent()      {}
func (MessageEvent) isEvent()           {}
func (CredentialsUpdateEvent) isEvent() {}

// Transport is the external messaging client boundary. The wire protocol
// (encryption, pairing, framing) lives entirely behind this interface; the
// session treats it as connect / send / receive-events / logout.
//
// A Transport instance backs exactly one connection attempt's lifetime.
// After a DisconnectedEvent the owner closes it and builds a fresh one for
// the next attempt, which is how the one-live-handle-per-branch invariant
// is kept.
type Transport interface {
	// Connect opens the connection, authenticating with creds when
	// present. A nil creds starts a pairing flow: the transport emits a
	// PairingChallengeEvent and, once authorized, a CredentialsUpdateEvent
	// followed by ConnectedEvent.
	Connect(ctx context.Context, creds *types.Credentials) error

	// Events returns the channel the transport emits on. Closed when the
	// transport is closed.
	Events() <-chan Event

	// Send delivers one outbound message.
	Send(ctx context.Context, msg *types.OutboundMessage) error

	// Alive reports whether the transport's liveness indicator is active.
	// Used by health probes; a transport can be "connected" at the socket
	// level but dead at the protocol level.
	Alive() bool

	// Logout tears down the server-side session so the credentials stop
	// being usable. Best effort.
	Logout(ctx context.Context) error

	// Close releases the connection and closes the event channel.
	Close() error
}

// Dialer builds a fresh Transport for one branch connection attempt.
type Dialer interface {
	Dial(branch *types.BranchConfig) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(branch *types.BranchConfig) (Transport, error)

func (f DialerFunc) Dial(branch *types.BranchConfig) (Transport, error) {
	return f(branch)
}
