package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/branchline/branchline/pkg/config"
	"github.com/branchline/branchline/pkg/credstore"
	"github.com/branchline/branchline/pkg/log"
	"github.com/branchline/branchline/pkg/publisher"
	"github.com/branchline/branchline/pkg/router"
	"github.com/branchline/branchline/pkg/session"
	"github.com/branchline/branchline/pkg/transport"
	"github.com/branchline/branchline/pkg/types"
)

// Options wires the supervisor's collaborators.
type Options struct {
	Branches []*types.BranchConfig
	Defaults config.Defaults
	Store    credstore.Store
	Dialer   transport.Dialer
	Broker   *publisher.Broker
	Router   *router.Router

	// ConnectTimeout is passed through to every session.
	ConnectTimeout time.Duration
}

// branchState is everything the supervisor tracks for one branch. The
// branch's monitor goroutine is the only writer of health and failover
// fields; command handlers mutate only under mu.
type branchState struct {
	config *types.BranchConfig

	mu               sync.RWMutex
	session          *session.Session
	health           types.HealthRecord
	failoverAttempts int

	// inFailover excludes the branch from health probing while the
	// failover cooldown runs. A supervisor-level label, not a session
	// state.
	inFailover bool

	// terminal means automatic recovery stopped: identity conflict or
	// exhausted failover attempts. Cleared only by an operator reconnect.
	terminal bool

	// suspended means an operator disconnected the branch on purpose;
	// probes skip it until an operator reconnect.
	suspended bool
}

func (b *branchState) sess() *session.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// Supervisor owns one connection session per configured branch, probes
// their health on independent schedules and decides restarts and failover.
// It is constructed explicitly and passed by handle; nothing here is
// package-global.
type Supervisor struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.RWMutex
	branches map[string]*branchState

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a supervisor for the configured branches.
func New(opts Options) (*Supervisor, error) {
	if len(opts.Branches) == 0 {
		return nil, fmt.Errorf("no branches configured")
	}
	if opts.Store == nil || opts.Dialer == nil || opts.Broker == nil {
		return nil, fmt.Errorf("store, dialer and broker are required")
	}

	s := &Supervisor{
		opts:     opts,
		logger:   log.WithComponent("supervisor"),
		branches: make(map[string]*branchState),
		stopCh:   make(chan struct{}),
	}

	for _, branch := range opts.Branches {
		if _, exists := s.branches[branch.ID]; exists {
			return nil, fmt.Errorf("duplicate branch id %q", branch.ID)
		}
		s.branches[branch.ID] = &branchState{
			config: branch,
			health: types.HealthRecord{
				BranchID: branch.ID,
				State:    types.HealthStateUnhealthy,
			},
		}
	}

	return s, nil
}

// Start builds and connects every branch session and launches the
// per-branch monitor goroutines. Branches start independently; one
// branch's failure never delays the others.
func (s *Supervisor) Start() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.branches {
		b.mu.Lock()
		b.session = s.newSession(b.config)
		b.mu.Unlock()

		b.session.Run()
		b.session.Connect()

		s.wg.Add(1)
		go s.monitor(b)
	}

	s.logger.Info().Int("branches", len(s.branches)).Msg("fleet supervisor started")
}

// Stop shuts down monitors and sessions. Safe to call more than once.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.branches {
		if sess := b.sess(); sess != nil {
			sess.Shutdown()
		}
	}
	s.logger.Info().Msg("fleet supervisor stopped")
}

func (s *Supervisor) newSession(branch *types.BranchConfig) *session.Session {
	return session.New(session.Config{
		Branch:            branch,
		Store:             s.opts.Store,
		Dialer:            s.opts.Dialer,
		Broker:            s.opts.Broker,
		Router:            s.opts.Router,
		ConnectTimeout:    s.opts.ConnectTimeout,
		HeartbeatInterval: s.opts.Defaults.HeartbeatInterval,
	})
}

// ErrUnknownBranch is returned for branch IDs outside the configured fleet.
var ErrUnknownBranch = errors.New("unknown branch")

func (s *Supervisor) branch(branchID string) (*branchState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches[branchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBranch, branchID)
	}
	return b, nil
}

// Send implements router.Sender: replies flow back out through the
// recipient branch's live session.
func (s *Supervisor) Send(ctx context.Context, msg *types.OutboundMessage) error {
	b, err := s.branch(msg.BranchID)
	if err != nil {
		return err
	}
	sess := b.sess()
	if sess == nil {
		return fmt.Errorf("branch %s not started", msg.BranchID)
	}
	return sess.Send(ctx, msg)
}

// RequestNewPairing invalidates the branch's credentials and restarts the
// session so the next connect issues a fresh pairing challenge.
func (s *Supervisor) RequestNewPairing(branchID string) error {
	b, err := s.branch(branchID)
	if err != nil {
		return err
	}
	sess := b.sess()
	if sess == nil {
		return fmt.Errorf("branch %s not started", branchID)
	}

	if err := sess.InvalidateCredentials(); err != nil {
		return err
	}

	b.mu.Lock()
	b.terminal = false
	b.suspended = false
	b.failoverAttempts = 0
	b.mu.Unlock()

	sess.Disconnect()
	sess.ResetAttempts()
	sess.Connect()
	return nil
}

// DisconnectBranch takes a branch offline until an operator reconnects it.
func (s *Supervisor) DisconnectBranch(branchID string) error {
	b, err := s.branch(branchID)
	if err != nil {
		return err
	}
	sess := b.sess()
	if sess == nil {
		return fmt.Errorf("branch %s not started", branchID)
	}

	b.mu.Lock()
	b.suspended = true
	b.mu.Unlock()

	sess.Disconnect()
	s.logger.Info().Str("branch_id", branchID).Msg("branch disconnected by operator")
	return nil
}

// ReconnectBranch clears every hold on the branch and starts a fresh
// connect cycle.
func (s *Supervisor) ReconnectBranch(branchID string) error {
	b, err := s.branch(branchID)
	if err != nil {
		return err
	}
	sess := b.sess()
	if sess == nil {
		return fmt.Errorf("branch %s not started", branchID)
	}

	b.mu.Lock()
	b.terminal = false
	b.suspended = false
	b.failoverAttempts = 0
	b.health.ConsecutiveFailures = 0
	if b.health.State == types.HealthStateFailed {
		b.health.State = types.HealthStateUnhealthy
	}
	b.mu.Unlock()

	sess.ResetAttempts()
	sess.Disconnect()
	sess.Connect()
	s.logger.Info().Str("branch_id", branchID).Msg("branch reconnect requested")
	return nil
}

// BackupBranch snapshots the branch's credentials on demand.
func (s *Supervisor) BackupBranch(branchID string) error {
	b, err := s.branch(branchID)
	if err != nil {
		return err
	}
	sess := b.sess()
	if sess == nil {
		return fmt.Errorf("branch %s not started", branchID)
	}
	return sess.Backup()
}

// FleetStatus aggregates every branch for the pull-mode dashboard API.
func (s *Supervisor) FleetStatus() types.FleetStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := types.FleetStatus{Timestamp: time.Now()}
	for _, b := range s.branches {
		var branchStatus types.BranchStatus
		if sess := b.sess(); sess != nil {
			branchStatus = sess.Status()
		} else {
			branchStatus = types.BranchStatus{
				BranchID: b.config.ID,
				Name:     b.config.Name,
				State:    types.SessionStateDisconnected,
			}
		}
		b.mu.RLock()
		branchStatus.Health = b.health.State
		b.mu.RUnlock()
		status.Branches = append(status.Branches, branchStatus)
	}

	sort.Slice(status.Branches, func(i, j int) bool {
		return status.Branches[i].BranchID < status.Branches[j].BranchID
	})
	return status
}

// HealthRecord returns the current health record for one branch.
func (s *Supervisor) HealthRecord(branchID string) (types.HealthRecord, error) {
	b, err := s.branch(branchID)
	if err != nil {
		return types.HealthRecord{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.health, nil
}

// HealthHistory returns the branch's persisted probe history window.
func (s *Supervisor) HealthHistory(branchID string) ([]types.HealthRecord, error) {
	if _, err := s.branch(branchID); err != nil {
		return nil, err
	}
	return s.opts.Store.HealthHistory(branchID)
}
