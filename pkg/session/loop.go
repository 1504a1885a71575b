package session

import (
	"context"
	"errors"
	"time"

	"github.com/branchline/branchline/pkg/credstore"
	"github.com/branchline/branchline/pkg/metrics"
	"github.com/branchline/branchline/pkg/publisher"
	"github.com/branchline/branchline/pkg/transport"
	"github.com/branchline/branchline/pkg/types"
)

// loop is the single goroutine that owns every state transition. Within a
// branch, transitions are strictly sequential: no transition starts before
// the previous one's side effects (credential backup included) complete.
func (s *Session) loop() {
	defer close(s.doneCh)

	var events <-chan transport.Event
	var heartbeatC <-chan time.Time
	var heartbeat *time.Ticker

	stopHeartbeat := func() {
		if heartbeat != nil {
			heartbeat.Stop()
			heartbeat = nil
			heartbeatC = nil
		}
	}
	defer stopHeartbeat()

	for {
		select {
		case cmd := <-s.cmdCh:
			switch cmd.kind {
			case cmdConnect:
				events = s.startConnect(events)
			case cmdDisconnect:
				if s.State() != types.SessionStateDisconnected {
					s.teardown(types.ReasonShutdown, false)
					events = nil
					stopHeartbeat()
				}
			case cmdInvalidate:
				cmd.reply <- s.invalidate()
			case cmdBackup:
				cmd.reply <- s.backup()
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev := ev.(type) {
			case transport.PairingChallengeEvent:
				s.onPairingChallenge(ev)
			case transport.ConnectedEvent:
				s.onConnected(ev)
				heartbeat = time.NewTicker(s.cfg.HeartbeatInterval)
				heartbeatC = heartbeat.C
			case transport.CredentialsUpdateEvent:
				s.onCredentialsUpdate(ev.Credentials)
			case transport.MessageEvent:
				s.onMessage(ev)
			case transport.DisconnectedEvent:
				s.onDisconnected(ev)
				events = nil
				stopHeartbeat()
			}

		case <-heartbeatC:
			s.onHeartbeat()

		case <-s.ctx.Done():
			s.close()
			return
		}
	}
}

// startConnect drives disconnected -> connecting and opens the transport.
// It returns the new transport's event channel, or the old one unchanged
// when the command is not valid in the current state.
func (s *Session) startConnect(current <-chan transport.Event) <-chan transport.Event {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()

	if state != types.SessionStateDisconnected {
		s.logger.Debug().Str("state", string(state)).Msg("ignoring connect in non-disconnected state")
		return current
	}

	s.setState(types.SessionStateConnecting)

	creds := s.loadCredentials()

	t, err := s.cfg.Dialer.Dial(s.branch)
	if err != nil {
		s.logger.Error().Err(err).Msg("dial transport")
		s.connectFailed(types.ReasonConnectionLost)
		return nil
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	err = t.Connect(ctx, creds)
	cancel()
	if err != nil {
		_ = t.Close()
		reason := types.ReasonConnectionLost
		if errors.Is(err, context.DeadlineExceeded) {
			reason = types.ReasonTimeout
		}
		s.logger.Warn().Err(err).Str("reason", string(reason)).Msg("connect failed")
		s.connectFailed(reason)
		return nil
	}

	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()

	return t.Events()
}

// loadCredentials reads the branch's stored credentials. Absent means a
// pairing cycle; corrupted means invalidate first so the transport does not
// choke on garbage and report a confusing protocol error.
func (s *Session) loadCredentials() *types.Credentials {
	creds, err := s.cfg.Store.Load(s.branch.ID)
	switch {
	case err == nil:
		metrics.CredstoreOpsTotal.WithLabelValues("load", "ok").Inc()
		return creds
	case errors.Is(err, credstore.ErrNotFound):
		metrics.CredstoreOpsTotal.WithLabelValues("load", "not_found").Inc()
		s.logger.Info().Msg("no credentials, starting pairing cycle")
		return nil
	case errors.Is(err, credstore.ErrCorrupted):
		metrics.CredstoreOpsTotal.WithLabelValues("load", "corrupted").Inc()
		s.logger.Warn().Err(err).Msg("corrupted credentials, invalidating")
		if ierr := s.cfg.Store.Invalidate(s.branch.ID); ierr != nil {
			s.persistenceError("invalidate", ierr)
		}
		return nil
	default:
		s.persistenceError("load", err)
		return nil
	}
}

func (s *Session) onPairingChallenge(ev transport.PairingChallengeEvent) {
	s.mu.Lock()
	if s.state != types.SessionStateConnecting && s.state != types.SessionStateAwaitingPairing {
		s.mu.Unlock()
		return
	}
	s.state = types.SessionStateAwaitingPairing
	s.challenge = ev.Challenge
	s.mu.Unlock()

	metrics.SetSessionState(s.branch.ID, string(types.SessionStateAwaitingPairing))
	s.logger.Info().Msg("pairing challenge issued")

	s.cfg.Broker.Publish(&publisher.Event{
		Type:     publisher.EventPairingChallenge,
		BranchID: s.branch.ID,
		Message:  "pairing required",
		Data:     map[string]string{"challenge": ev.Challenge},
	})
}

func (s *Session) onConnected(ev transport.ConnectedEvent) {
	now := time.Now()

	s.mu.Lock()
	s.state = types.SessionStateConnected
	s.attempt = 0
	s.connectedAt = now
	s.lastActivityAt = now
	s.challenge = ""
	s.identity = ev.Identity
	s.mu.Unlock()

	metrics.SetSessionState(s.branch.ID, string(types.SessionStateConnected))
	metrics.BranchesConnected.Inc()
	s.logger.Info().Str("identity", ev.Identity).Msg("branch online")

	s.cfg.Broker.Publish(&publisher.Event{
		Type:     publisher.EventBranchConnected,
		BranchID: s.branch.ID,
		Message:  "branch online",
		Data:     map[string]string{"identity": ev.Identity},
	})
}

// onCredentialsUpdate persists refreshed session material. Persistence
// failures never kill the session: the material stays in memory and the
// save is retried at the next natural save point.
func (s *Session) onCredentialsUpdate(creds *types.Credentials) {
	if creds == nil {
		return
	}
	if err := s.cfg.Store.Save(s.branch.ID, creds); err != nil {
		s.mu.Lock()
		s.pendingCreds = creds
		s.mu.Unlock()
		s.persistenceError("save", err)
		return
	}
	s.mu.Lock()
	s.pendingCreds = nil
	s.mu.Unlock()

	metrics.CredstoreOpsTotal.WithLabelValues("save", "ok").Inc()
	s.cfg.Broker.Publish(&publisher.Event{
		Type:     publisher.EventCredentialsSaved,
		BranchID: s.branch.ID,
	})
}

func (s *Session) onMessage(ev transport.MessageEvent) {
	s.mu.RLock()
	connected := s.state == types.SessionStateConnected
	s.mu.RUnlock()
	if !connected {
		return
	}

	s.touchActivity()

	if s.cfg.Router != nil {
		s.cfg.Router.Enqueue(&types.InboundMessage{
			BranchID:   s.branch.ID,
			SenderID:   ev.SenderID,
			Payload:    ev.Payload,
			Metadata:   ev.Metadata,
			ReceivedAt: ev.ReceivedAt,
		})
	}
}

func (s *Session) onDisconnected(ev transport.DisconnectedEvent) {
	s.logger.Warn().
		Str("reason", string(ev.Reason)).
		Str("message", ev.Message).
		Msg("branch disconnected")

	// Snapshot credentials before anything touches them again; a failed
	// backup is surfaced but never blocks the disconnect handling.
	if err := s.backup(); err != nil && !errors.Is(err, credstore.ErrNotFound) {
		s.persistenceError("backup", err)
	}

	s.teardown(ev.Reason, true)
}

// teardown closes the transport and finishes the transition to
// disconnected. countAttempt is false for operator-requested disconnects.
func (s *Session) teardown(reason types.DisconnectReason, countAttempt bool) {
	now := time.Now()

	s.mu.Lock()
	wasConnected := s.state == types.SessionStateConnected
	t := s.transport
	s.transport = nil
	s.state = types.SessionStateDisconnected
	s.lastDisconnectAt = now
	if countAttempt {
		s.attempt++
	}
	attempt := s.attempt
	s.mu.Unlock()

	// The old handle must be fully closed before any new one is opened.
	if t != nil {
		_ = t.Close()
	}

	if wasConnected {
		metrics.BranchesConnected.Dec()
	}
	metrics.SetSessionState(s.branch.ID, string(types.SessionStateDisconnected))

	s.cfg.Broker.Publish(&publisher.Event{
		Type:     publisher.EventBranchDisconnected,
		BranchID: s.branch.ID,
		Message:  string(reason),
		Data:     map[string]string{"reason": string(reason)},
	})

	if countAttempt {
		select {
		case s.disconnects <- reason:
		default:
			s.logger.Error().Int("attempt", attempt).Msg("disconnect report dropped, owner not draining")
		}
	}
}

// connectFailed handles a connect that never produced a transport event.
func (s *Session) connectFailed(reason types.DisconnectReason) {
	s.teardown(reason, true)
}

func (s *Session) onHeartbeat() {
	s.mu.RLock()
	connected := s.state == types.SessionStateConnected
	pending := s.pendingCreds
	s.mu.RUnlock()
	if !connected {
		return
	}

	// Natural save point for credentials that failed to persist earlier.
	if pending != nil {
		s.onCredentialsUpdate(pending)
	}

	s.logger.Debug().Msg("heartbeat")
}

func (s *Session) invalidate() error {
	if err := s.cfg.Store.Invalidate(s.branch.ID); err != nil {
		s.persistenceError("invalidate", err)
		return err
	}
	metrics.CredstoreOpsTotal.WithLabelValues("invalidate", "ok").Inc()
	s.logger.Info().Msg("credentials invalidated, next connect will re-pair")
	return nil
}

func (s *Session) backup() error {
	_, err := s.cfg.Store.Backup(s.branch.ID)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return err
		}
		metrics.CredstoreOpsTotal.WithLabelValues("backup", "error").Inc()
		return err
	}
	metrics.CredstoreOpsTotal.WithLabelValues("backup", "ok").Inc()
	return nil
}

// close finishes the disconnected -> closing -> terminal transition.
func (s *Session) close() {
	s.mu.Lock()
	wasConnected := s.state == types.SessionStateConnected
	s.state = types.SessionStateClosing
	t := s.transport
	s.transport = nil
	s.mu.Unlock()

	metrics.SetSessionState(s.branch.ID, string(types.SessionStateClosing))

	if t != nil {
		// Best-effort notify-and-close, independent of reconnect logic.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = t.Logout(ctx)
		cancel()
		_ = t.Close()
	}
	if wasConnected {
		metrics.BranchesConnected.Dec()
	}

	s.logger.Info().Msg("session closed")
}

func (s *Session) setState(state types.SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	metrics.SetSessionState(s.branch.ID, string(state))
}

func (s *Session) touchActivity() {
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

// persistenceError logs and surfaces a storage failure without crashing
// the branch.
func (s *Session) persistenceError(op string, err error) {
	metrics.CredstoreOpsTotal.WithLabelValues(op, "error").Inc()
	s.logger.Error().Err(err).Str("op", op).Msg("credential store error")

	s.cfg.Broker.Publish(&publisher.Event{
		Type:     publisher.EventPersistenceError,
		BranchID: s.branch.ID,
		Message:  err.Error(),
		Data:     map[string]string{"op": op},
	})
}
