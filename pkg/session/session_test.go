package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchline/branchline/pkg/credstore"
	"github.com/branchline/branchline/pkg/publisher"
	"github.com/branchline/branchline/pkg/transport"
	"github.com/branchline/branchline/pkg/types"
)

func testSession(t *testing.T, store credstore.Store, autoPair bool) (*Session, *transport.MemoryDialer, *publisher.Broker) {
	t.Helper()

	if store == nil {
		bolt, err := credstore.NewBoltStore(t.TempDir(), 5)
		require.NoError(t, err)
		t.Cleanup(func() { bolt.Close() })
		store = bolt
	}

	broker := publisher.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	dialer := transport.NewMemoryDialer(autoPair)

	sess := New(Config{
		Branch: &types.BranchConfig{ID: "b1", Name: "Branch One"},
		Store:  store,
		Dialer: dialer,
		Broker: broker,
	})
	sess.Run()
	t.Cleanup(sess.Shutdown)
	return sess, dialer, broker
}

func waitState(t *testing.T, sess *Session, want types.SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session state %s, want %s", sess.State(), want)
}

func TestFirstConnectRunsPairing(t *testing.T) {
	bolt, err := credstore.NewBoltStore(t.TempDir(), 5)
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	sess, _, broker := testSession(t, bolt, true)
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	sess.Connect()
	waitState(t, sess, types.SessionStateConnected)

	// Pairing produced durable credentials.
	creds, err := bolt.Load("b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", creds.BranchID)
	assert.NotEmpty(t, creds.DeviceID)

	seen := map[publisher.EventType]bool{}
	deadline := time.After(2 * time.Second)
	for !seen[publisher.EventPairingChallenge] || !seen[publisher.EventCredentialsSaved] || !seen[publisher.EventBranchConnected] {
		select {
		case ev := <-sub:
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("missing lifecycle events, saw %v", seen)
		}
	}
}

func TestReconnectSkipsPairingWithSavedCredentials(t *testing.T) {
	bolt, err := credstore.NewBoltStore(t.TempDir(), 5)
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	require.NoError(t, bolt.Save("b1", &types.Credentials{
		BranchID: "b1",
		DeviceID: "existing-device",
		Payload:  []byte(`{"session":"saved"}`),
	}))

	// autoPair off: if the session went through pairing it would hang in
	// awaiting_pairing and the asserts below would fail.
	sess, _, _ := testSession(t, bolt, false)

	sess.Connect()
	waitState(t, sess, types.SessionStateConnected)

	status := sess.Status()
	assert.Equal(t, types.SessionStateConnected, status.State)
	assert.Zero(t, sess.Attempt())
}

func TestDisconnectReportsAndSnapshotsCredentials(t *testing.T) {
	bolt, err := credstore.NewBoltStore(t.TempDir(), 5)
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	sess, dialer, _ := testSession(t, bolt, true)
	sess.Connect()
	waitState(t, sess, types.SessionStateConnected)

	dialer.Last("b1").Drop(types.ReasonConnectionLost)

	select {
	case reason := <-sess.Disconnects():
		assert.Equal(t, types.ReasonConnectionLost, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect never reported")
	}

	waitState(t, sess, types.SessionStateDisconnected)
	assert.Equal(t, 1, sess.Attempt())

	backups, err := bolt.ListBackups("b1")
	require.NoError(t, err)
	assert.NotEmpty(t, backups, "credentials snapshotted on disconnect")
}

func TestOperatorDisconnectIsNotAnAttempt(t *testing.T) {
	sess, _, _ := testSession(t, nil, true)
	sess.Connect()
	waitState(t, sess, types.SessionStateConnected)

	sess.Disconnect()
	waitState(t, sess, types.SessionStateDisconnected)

	assert.Zero(t, sess.Attempt())
	select {
	case reason := <-sess.Disconnects():
		t.Fatalf("operator disconnect must not be reported, got %s", reason)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCorruptedCredentialsAreInvalidatedBeforePairing(t *testing.T) {
	bolt, err := credstore.NewBoltStore(t.TempDir(), 5)
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	store := &corruptedStore{Store: bolt}

	sess, _, _ := testSession(t, store, true)
	sess.Connect()
	waitState(t, sess, types.SessionStateConnected)

	assert.True(t, store.invalidated(), "corrupted record must be cleared before re-pairing")
}

func TestPersistenceFailureDoesNotKillSession(t *testing.T) {
	bolt, err := credstore.NewBoltStore(t.TempDir(), 5)
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	store := &flakyStore{Store: bolt, failSaves: true}

	sess, _, broker := testSession(t, store, true)
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	sess.Connect()
	waitState(t, sess, types.SessionStateConnected)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == publisher.EventPersistenceError {
				assert.Equal(t, types.SessionStateConnected, sess.State())
				return
			}
		case <-deadline:
			t.Fatal("persistence error never surfaced")
		}
	}
}

func TestSendRequiresConnectedState(t *testing.T) {
	sess, dialer, _ := testSession(t, nil, true)

	err := sess.Send(context.Background(), &types.OutboundMessage{BranchID: "b1", RecipientID: "r1"})
	assert.Error(t, err)

	sess.Connect()
	waitState(t, sess, types.SessionStateConnected)

	require.NoError(t, sess.Send(context.Background(), &types.OutboundMessage{BranchID: "b1", RecipientID: "r1", Payload: []byte("hi")}))
	assert.Len(t, dialer.Last("b1").Sent(), 1)
}

func TestInvalidateKeepsBackups(t *testing.T) {
	bolt, err := credstore.NewBoltStore(t.TempDir(), 5)
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	sess, _, _ := testSession(t, bolt, true)
	sess.Connect()
	waitState(t, sess, types.SessionStateConnected)

	require.NoError(t, sess.Backup())
	require.NoError(t, sess.InvalidateCredentials())

	_, err = bolt.Load("b1")
	assert.ErrorIs(t, err, credstore.ErrNotFound)

	backups, err := bolt.ListBackups("b1")
	require.NoError(t, err)
	assert.NotEmpty(t, backups)
}

func TestShutdownBeforeRunDoesNotBlock(t *testing.T) {
	sess := New(Config{
		Branch: &types.BranchConfig{ID: "b1"},
		Store:  nil,
		Dialer: transport.NewMemoryDialer(true),
		Broker: publisher.NewBroker(),
	})

	done := make(chan struct{})
	go func() {
		sess.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown blocked without Run")
	}
}

// corruptedStore reports a corrupted record until it is invalidated.
type corruptedStore struct {
	credstore.Store

	mu      sync.Mutex
	cleared bool
}

func (s *corruptedStore) Load(branchID string) (*types.Credentials, error) {
	s.mu.Lock()
	cleared := s.cleared
	s.mu.Unlock()
	if !cleared {
		return nil, fmt.Errorf("%w: truncated record", credstore.ErrCorrupted)
	}
	return s.Store.Load(branchID)
}

func (s *corruptedStore) Invalidate(branchID string) error {
	s.mu.Lock()
	s.cleared = true
	s.mu.Unlock()
	return s.Store.Invalidate(branchID)
}

func (s *corruptedStore) invalidated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleared
}

// flakyStore fails saves while failSaves is set.
type flakyStore struct {
	credstore.Store

	mu        sync.Mutex
	failSaves bool
}

func (s *flakyStore) Save(branchID string, creds *types.Credentials) error {
	s.mu.Lock()
	failing := s.failSaves
	s.mu.Unlock()
	if failing {
		return fmt.Errorf("disk full")
	}
	return s.Store.Save(branchID, creds)
}
