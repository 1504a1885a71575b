package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchline/branchline/pkg/types"
)

func drainUntil[T Event](t *testing.T, events <-chan Event) T {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("event %T never emitted", zero)
			return zero
		}
	}
}

func TestConnectWithCredentialsGoesStraightOnline(t *testing.T) {
	d := NewMemoryDialer(false)
	tr, err := d.Dial(&types.BranchConfig{ID: "b1"})
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Connect(context.Background(), &types.Credentials{
		BranchID: "b1",
		DeviceID: "dev-1",
		Payload:  []byte(`{}`),
	}))

	ev := drainUntil[ConnectedEvent](t, tr.Events())
	assert.Equal(t, "dev-1", ev.Identity)
	assert.True(t, tr.Alive())
}

func TestConnectWithoutCredentialsIssuesChallenge(t *testing.T) {
	d := NewMemoryDialer(false)
	tr, err := d.Dial(&types.BranchConfig{ID: "b1"})
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Connect(context.Background(), nil))

	challenge := drainUntil[PairingChallengeEvent](t, tr.Events())
	assert.NotEmpty(t, challenge.Challenge)

	// Pairing not completed yet: no credentials, no connected event.
	select {
	case ev := <-tr.Events():
		t.Fatalf("unexpected event before pairing completion: %T", ev)
	case <-time.After(50 * time.Millisecond):
	}

	d.Last("b1").CompletePairing()
	creds := drainUntil[CredentialsUpdateEvent](t, tr.Events())
	assert.Equal(t, "b1", creds.Credentials.BranchID)
	drainUntil[ConnectedEvent](t, tr.Events())
}

func TestDropEmitsDisconnect(t *testing.T) {
	d := NewMemoryDialer(true)
	tr, err := d.Dial(&types.BranchConfig{ID: "b1"})
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Connect(context.Background(), nil))
	drainUntil[ConnectedEvent](t, tr.Events())

	d.Last("b1").Drop(types.ReasonSessionReplaced)
	ev := drainUntil[DisconnectedEvent](t, tr.Events())
	assert.Equal(t, types.ReasonSessionReplaced, ev.Reason)
	assert.False(t, tr.Alive())
}

func TestSendRequiresConnection(t *testing.T) {
	d := NewMemoryDialer(false)
	tr, err := d.Dial(&types.BranchConfig{ID: "b1"})
	require.NoError(t, err)
	defer tr.Close()

	err = tr.Send(context.Background(), &types.OutboundMessage{BranchID: "b1"})
	assert.Error(t, err)

	require.NoError(t, tr.Connect(context.Background(), &types.Credentials{BranchID: "b1", DeviceID: "d", Payload: []byte(`{}`)}))
	require.NoError(t, tr.Send(context.Background(), &types.OutboundMessage{BranchID: "b1", Payload: []byte("x")}))

	mem := d.Last("b1")
	assert.Len(t, mem.Sent(), 1)
}

func TestCloseIsIdempotent(t *testing.T) {
	d := NewMemoryDialer(false)
	tr, err := d.Dial(&types.BranchConfig{ID: "b1"})
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, open := <-tr.Events()
	assert.False(t, open)
}
