package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/branchline/branchline/pkg/types"
)

// MemoryDialer builds in-process transports. Used by dev mode (running the
// fleet without a real messaging gateway) and by tests that need scripted
// connection behavior.
type MemoryDialer struct {
	// AutoPair makes pairing succeed immediately: a connect without
	// credentials emits the challenge, then fresh credentials, then
	// connected. When false the transport stays in awaiting-pairing until
	// CompletePairing is called.
	AutoPair bool

	mu     sync.Mutex
	opened map[string]*MemoryTransport
}

// NewMemoryDialer creates a loopback dialer.
func NewMemoryDialer(autoPair bool) *MemoryDialer {
	return &MemoryDialer{
		AutoPair: autoPair,
		opened:   make(map[string]*MemoryTransport),
	}
}

func (d *MemoryDialer) Dial(branch *types.BranchConfig) (Transport, error) {
	if branch == nil || branch.ID == "" {
		return nil, fmt.Errorf("branch config with id required")
	}
	t := &MemoryTransport{
		branchID: branch.ID,
		autoPair: d.AutoPair,
		events:   make(chan Event, eventBuffer),
		alive:    true,
	}
	d.mu.Lock()
	d.opened[branch.ID] = t
	d.mu.Unlock()
	return t, nil
}

// Last returns the most recently dialed transport for a branch, or nil.
func (d *MemoryDialer) Last(branchID string) *MemoryTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened[branchID]
}

// MemoryTransport is a loopback Transport with scriptable behavior.
type MemoryTransport struct {
	branchID string
	autoPair bool

	mu        sync.Mutex
	connected bool
	alive     bool
	closed    bool
	sent      []types.OutboundMessage

	events chan Event
}

func (t *MemoryTransport) Connect(ctx context.Context, creds *types.Credentials) error {
	t.mu.Lock()
	t.connected = true
	t.alive = true
	t.mu.Unlock()

	if creds != nil {
		t.emit(ConnectedEvent{Identity: creds.DeviceID})
		return nil
	}

	challenge := uuid.New().String()
	t.emit(PairingChallengeEvent{Challenge: challenge, IssuedAt: time.Now()})

	if t.autoPair {
		t.CompletePairing()
	}
	return nil
}

// CompletePairing simulates the operator authorizing the pairing challenge:
// fresh credentials arrive, then the session is connected.
func (t *MemoryTransport) CompletePairing() {
	deviceID := "mem-" + uuid.New().String()[:8]
	t.emit(CredentialsUpdateEvent{Credentials: &types.Credentials{
		BranchID:  t.branchID,
		DeviceID:  deviceID,
		Keys:      []byte("mem-keys"),
		Payload:   []byte(`{"session":"` + deviceID + `"}`),
		UpdatedAt: time.Now().UTC(),
	}})
	t.emit(ConnectedEvent{Identity: deviceID})
}

func (t *MemoryTransport) Events() <-chan Event {
	return t.events
}

func (t *MemoryTransport) Send(ctx context.Context, msg *types.OutboundMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return fmt.Errorf("transport not connected")
	}
	t.sent = append(t.sent, *msg)
	return nil
}

// Sent returns a copy of every message sent through this transport.
func (t *MemoryTransport) Sent() []types.OutboundMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.OutboundMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *MemoryTransport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && t.alive
}

// SetAlive flips the liveness indicator without emitting a disconnect,
// simulating a silently dead socket for health probe tests.
func (t *MemoryTransport) SetAlive(alive bool) {
	t.mu.Lock()
	t.alive = alive
	t.mu.Unlock()
}

// Drop simulates the connection ending with the given reason.
func (t *MemoryTransport) Drop(reason types.DisconnectReason) {
	t.mu.Lock()
	t.connected = false
	t.alive = false
	t.mu.Unlock()
	t.emit(DisconnectedEvent{Reason: reason, Message: "dropped"})
}

// Deliver injects an inbound content message.
func (t *MemoryTransport) Deliver(senderID string, payload []byte) {
	t.emit(MessageEvent{SenderID: senderID, Payload: payload, ReceivedAt: time.Now()})
}

func (t *MemoryTransport) Logout(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	t.alive = false
	return nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.connected = false
	t.alive = false
	close(t.events)
	return nil
}

func (t *MemoryTransport) emit(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	default:
	}
}
