package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/branchline/branchline/pkg/credstore"
	"github.com/branchline/branchline/pkg/log"
	"github.com/branchline/branchline/pkg/publisher"
	"github.com/branchline/branchline/pkg/router"
	"github.com/branchline/branchline/pkg/transport"
	"github.com/branchline/branchline/pkg/types"
)

// Config wires one session's collaborators.
type Config struct {
	Branch *types.BranchConfig
	Store  credstore.Store
	Dialer transport.Dialer
	Broker *publisher.Broker
	Router *router.Router

	// ConnectTimeout bounds one transport connect. A timed-out connect is
	// handled like a connection_lost disconnect.
	ConnectTimeout time.Duration

	// HeartbeatInterval paces the liveness heartbeat while connected.
	HeartbeatInterval time.Duration
}

const (
	defaultConnectTimeout    = 30 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
)

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdInvalidate
	cmdBackup
)

type command struct {
	kind  commandKind
	reply chan error
}

// Session is the per-branch connection state machine. One control loop
// goroutine owns all state transitions; the transport handle, attempt
// counter and timestamps are never mutated from outside the loop. The
// session executes no retry decisions itself: every disconnect is reported
// on Disconnects() and the owner (the fleet supervisor) decides what
// happens next.
type Session struct {
	cfg    Config
	branch *types.BranchConfig
	logger zerolog.Logger

	cmdCh    chan command
	ctx      context.Context
	cancel   context.CancelFunc
	doneCh   chan struct{}
	runOnce  sync.Once
	stopOnce sync.Once

	disconnects chan types.DisconnectReason

	mu               sync.RWMutex
	started          bool
	state            types.SessionState
	attempt          int
	connectedAt      time.Time
	lastDisconnectAt time.Time
	lastActivityAt   time.Time
	challenge        string
	identity         string
	transport        transport.Transport

	// pendingCreds holds credentials that could not be persisted; the
	// session keeps operating in-memory and retries at the next natural
	// save point.
	pendingCreds *types.Credentials
}

// New creates a session in the disconnected state. Run must be called
// before any command.
func New(cfg Config) *Session {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:         cfg,
		branch:      cfg.Branch,
		logger:      log.WithBranchID("session", cfg.Branch.ID),
		cmdCh:       make(chan command, 8),
		ctx:         ctx,
		cancel:      cancel,
		doneCh:      make(chan struct{}),
		disconnects: make(chan types.DisconnectReason, 8),
		state:       types.SessionStateDisconnected,
	}
}

// Run starts the control loop.
func (s *Session) Run() {
	s.runOnce.Do(func() {
		s.mu.Lock()
		s.started = true
		s.mu.Unlock()
		go s.loop()
	})
}

// Connect asks the loop to start (or restart) the connection. Valid only
// from the disconnected state; the outcome arrives as events and, on
// failure, on Disconnects().
func (s *Session) Connect() {
	s.post(command{kind: cmdConnect})
}

// Disconnect tears the connection down without scheduling a reconnect.
func (s *Session) Disconnect() {
	s.post(command{kind: cmdDisconnect})
}

// InvalidateCredentials deletes the branch's persisted credentials so the
// next connect runs a fresh pairing cycle. Serialized with every other
// credential operation through the control loop.
func (s *Session) InvalidateCredentials() error {
	reply := make(chan error, 1)
	s.post(command{kind: cmdInvalidate, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-s.doneCh:
		return fmt.Errorf("session closed")
	}
}

// Backup snapshots the branch's credentials on demand.
func (s *Session) Backup() error {
	reply := make(chan error, 1)
	s.post(command{kind: cmdBackup, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-s.doneCh:
		return fmt.Errorf("session closed")
	}
}

// Shutdown moves the session to closing, closes the transport and stops
// the loop. The session cannot be restarted afterwards.
func (s *Session) Shutdown() {
	s.stopOnce.Do(func() {
		s.cancel()
	})
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if started {
		<-s.doneCh
	}
}

// Disconnects reports every disconnect reason to the owner, in order.
func (s *Session) Disconnects() <-chan types.DisconnectReason {
	return s.disconnects
}

// Send delivers one outbound message through the live transport. Runs off
// the control loop; transports are safe for concurrent use.
func (s *Session) Send(ctx context.Context, msg *types.OutboundMessage) error {
	s.mu.RLock()
	state := s.state
	t := s.transport
	s.mu.RUnlock()

	if state != types.SessionStateConnected || t == nil {
		return fmt.Errorf("branch %s not connected (state %s)", s.branch.ID, state)
	}
	if err := t.Send(ctx, msg); err != nil {
		return fmt.Errorf("send via branch %s: %w", s.branch.ID, err)
	}
	s.touchActivity()
	return nil
}

// State returns the current session state.
func (s *Session) State() types.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Attempt returns the reconnect attempt counter.
func (s *Session) Attempt() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempt
}

// ResetAttempts zeroes the attempt counter. Called by the owner when a
// give-up cooldown elapses and a fresh retry cycle begins.
func (s *Session) ResetAttempts() {
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
}

// Alive reports whether the transport's liveness indicator is active.
func (s *Session) Alive() bool {
	s.mu.RLock()
	t := s.transport
	s.mu.RUnlock()
	return t != nil && t.Alive()
}

// LastActivity returns the last time the session saw traffic.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivityAt
}

// Status returns the dashboard-facing snapshot of this session.
func (s *Session) Status() types.BranchStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := types.BranchStatus{
		BranchID:     s.branch.ID,
		Name:         s.branch.Name,
		State:        s.state,
		Attempt:      s.attempt,
		ConnectedAt:  s.connectedAt,
		LastActivity: s.lastActivityAt,
	}
	if s.state == types.SessionStateConnected && !s.connectedAt.IsZero() {
		status.Uptime = time.Since(s.connectedAt).Round(time.Second).String()
	}
	return status
}

func (s *Session) post(cmd command) {
	select {
	case s.cmdCh <- cmd:
	case <-s.ctx.Done():
		if cmd.reply != nil {
			cmd.reply <- fmt.Errorf("session closed")
		}
	}
}
