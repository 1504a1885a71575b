package supervisor

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/branchline/branchline/pkg/metrics"
	"github.com/branchline/branchline/pkg/policy"
	"github.com/branchline/branchline/pkg/publisher"
	"github.com/branchline/branchline/pkg/types"
)

// pendingReconnect carries what the scheduled reconnect has to do before
// calling Connect again.
type pendingReconnect struct {
	invalidate bool
	reset      bool
}

// monitor is the single goroutine that owns one branch's recovery: it
// drains the session's disconnect reports, runs health probes on the
// branch's own schedule and executes the reconnection policy's decisions.
// Everything recovery-related for a branch is serialized here, so a
// disconnect report and a probe can never race into two reconnects.
func (s *Supervisor) monitor(b *branchState) {
	defer s.wg.Done()

	logger := s.logger.With().Str("branch_id", b.config.ID).Logger()

	ticker := time.NewTicker(b.config.HealthCheck.Interval)
	defer ticker.Stop()

	var (
		timer      *time.Timer
		reconnectC <-chan time.Time
		pending    pendingReconnect
	)
	clearTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		reconnectC = nil
		pending = pendingReconnect{}
	}
	defer clearTimer()

	for {
		select {
		case <-s.stopCh:
			return

		case reason := <-b.sess().Disconnects():
			if b.held() || reconnectC != nil {
				continue
			}
			dec := policy.Decide(reason, b.sess().Attempt(), b.config.MaxReconnectAttempts,
				s.opts.Defaults.ExhaustedCooldown)
			switch dec.Action {
			case policy.ActionGiveUp:
				if dec.Delay == 0 {
					// Identity conflict: the credentials are fine and a
					// retry would just steal the session back. Park the
					// branch until an operator sorts it out.
					b.mu.Lock()
					b.terminal = true
					b.mu.Unlock()
					logger.Error().Str("reason", string(reason)).Msg("session replaced by another client, automatic recovery disabled")
					s.publish(publisher.EventBranchFailed, b.config.ID,
						"session replaced by another client", map[string]string{"reason": string(reason)})
					continue
				}
				// Attempts exhausted: rest, then reset the counter and
				// start a fresh cycle.
				logger.Warn().
					Dur("cooldown", dec.Delay).
					Int("attempts", b.sess().Attempt()).
					Msg("reconnect attempts exhausted, cooling down")
				s.publish(publisher.EventBranchReconnecting, b.config.ID,
					"reconnect attempts exhausted, cooling down",
					map[string]string{"cooldown": dec.Delay.String()})
				pending = pendingReconnect{reset: true}
				timer = time.NewTimer(dec.Delay)
				reconnectC = timer.C

			case policy.ActionInvalidateAndRetry:
				logger.Warn().
					Str("reason", string(reason)).
					Dur("delay", dec.Delay).
					Msg("credentials rejected, invalidating before retry")
				s.publish(publisher.EventBranchReconnecting, b.config.ID,
					"credentials rejected, re-pairing",
					map[string]string{"reason": string(reason), "delay": dec.Delay.String()})
				pending = pendingReconnect{invalidate: true}
				timer = time.NewTimer(dec.Delay)
				reconnectC = timer.C

			default:
				logger.Info().
					Str("reason", string(reason)).
					Int("attempt", b.sess().Attempt()).
					Dur("delay", dec.Delay).
					Msg("scheduling reconnect")
				s.publish(publisher.EventBranchReconnecting, b.config.ID,
					"reconnecting",
					map[string]string{"reason": string(reason), "delay": dec.Delay.String()})
				timer = time.NewTimer(dec.Delay)
				reconnectC = timer.C
			}

		case <-reconnectC:
			p := pending
			clearTimer()
			if b.held() {
				continue
			}
			sess := b.sess()
			if p.reset {
				sess.ResetAttempts()
			}
			if p.invalidate {
				if err := sess.InvalidateCredentials(); err != nil {
					logger.Error().Err(err).Msg("invalidate before retry failed")
				}
			}
			metrics.ReconnectAttemptsTotal.WithLabelValues(b.config.ID).Inc()
			sess.Connect()

		case <-ticker.C:
			if b.held() || reconnectC != nil {
				// A pending reconnect already owns this branch's recovery;
				// probing a branch that is knowingly backing off would just
				// burn its failure budget.
				continue
			}
			switch s.probe(b, logger) {
			case probeReconnect:
				sess := b.sess()
				if sess.State() == types.SessionStateConnected {
					// Dead-but-open handle. Tear it down first so the
					// single-live-transport rule holds across the retry.
					sess.Disconnect()
				}
				b.mu.RLock()
				failures := b.health.ConsecutiveFailures
				b.mu.RUnlock()
				delay := policy.Delay(failures)
				s.publish(publisher.EventBranchReconnecting, b.config.ID,
					"health probe failed, reconnecting",
					map[string]string{"failures": fmt.Sprintf("%d", failures), "delay": delay.String()})
				timer = time.NewTimer(delay)
				reconnectC = timer.C
			case probeFailover:
				if !s.failover(b, logger) {
					return
				}
			}
		}
	}
}

type probeResult int

const (
	probeOK probeResult = iota
	probeReconnect
	probeFailover
)

// held reports whether automatic recovery is currently off for the branch.
func (b *branchState) held() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.terminal || b.suspended || b.inFailover
}

// probe runs one health check: session state, transport aliveness and
// recency of activity. The aliveness check is bounded by the probe timeout
// so a hung transport cannot stall this branch's monitor, and a single
// success resets the failure counter to zero.
func (s *Supervisor) probe(b *branchState, logger zerolog.Logger) probeResult {
	sess := b.sess()

	healthy := false
	message := ""
	switch {
	case sess.State() != types.SessionStateConnected:
		message = fmt.Sprintf("session %s", sess.State())
	case !s.aliveWithin(sess, b.config.HealthCheck.Timeout):
		message = "transport not responding"
	case time.Since(sess.LastActivity()) > b.config.HealthCheck.LivenessThreshold:
		message = fmt.Sprintf("no activity for %s", time.Since(sess.LastActivity()).Round(time.Second))
	default:
		healthy = true
	}

	b.mu.Lock()
	if healthy {
		b.health.State = types.HealthStateHealthy
		b.health.ConsecutiveFailures = 0
		b.health.Message = ""
		b.failoverAttempts = 0
	} else {
		b.health.State = types.HealthStateUnhealthy
		b.health.ConsecutiveFailures++
		b.health.Message = message
	}
	b.health.LastCheck = time.Now()
	record := b.health
	failures := b.health.ConsecutiveFailures
	b.mu.Unlock()

	metrics.SetBranchHealth(b.config.ID, string(record.State))
	if healthy {
		metrics.HealthChecksTotal.WithLabelValues("success").Inc()
	} else {
		metrics.HealthChecksTotal.WithLabelValues("failure").Inc()
	}

	if err := s.opts.Store.AppendHealth(&record, s.opts.Defaults.HealthHistoryWindow); err != nil {
		logger.Error().Err(err).Msg("recording health history failed")
		s.publish(publisher.EventPersistenceError, b.config.ID,
			"recording health history failed", map[string]string{"error": err.Error()})
	}

	if healthy {
		return probeOK
	}

	logger.Warn().Int("consecutive_failures", failures).Str("cause", message).Msg("health probe failed")
	s.publish(publisher.EventBranchHealth, b.config.ID, message,
		map[string]string{"state": string(record.State), "consecutive_failures": fmt.Sprintf("%d", failures)})

	if failures > b.config.MaxReconnectAttempts {
		return probeFailover
	}
	return probeReconnect
}

// aliveWithin asks the session's transport whether the link is up, giving
// up after timeout so a wedged transport reads as dead.
func (s *Supervisor) aliveWithin(sess aliveChecker, timeout time.Duration) bool {
	if timeout <= 0 {
		return sess.Alive()
	}
	done := make(chan bool, 1)
	go func() { done <- sess.Alive() }()
	select {
	case alive := <-done:
		return alive
	case <-time.After(timeout):
		return false
	}
}

type aliveChecker interface {
	Alive() bool
}

// failover is the last resort after a branch burned through its failure
// budget: mark it failed, rest through the cooldown, then tear the whole
// session down and rebuild it from scratch. Failover cycles themselves are
// bounded; past the limit the branch stays failed until an operator steps
// in. Returns false only when the supervisor is stopping.
func (s *Supervisor) failover(b *branchState, logger zerolog.Logger) bool {
	b.mu.Lock()
	b.health.State = types.HealthStateFailed
	b.health.LastCheck = time.Now()
	b.inFailover = true
	b.failoverAttempts++
	attempts := b.failoverAttempts
	record := b.health
	b.mu.Unlock()

	metrics.SetBranchHealth(b.config.ID, string(types.HealthStateFailed))
	if err := s.opts.Store.AppendHealth(&record, s.opts.Defaults.HealthHistoryWindow); err != nil {
		logger.Error().Err(err).Msg("recording health history failed")
	}

	logger.Error().Int("failover_attempt", attempts).Msg("branch failed, starting failover")
	s.publish(publisher.EventBranchFailed, b.config.ID, "failure budget exhausted",
		map[string]string{"consecutive_failures": fmt.Sprintf("%d", record.ConsecutiveFailures)})

	if attempts > s.opts.Defaults.FailoverAttempts {
		b.mu.Lock()
		b.terminal = true
		b.inFailover = false
		b.mu.Unlock()
		logger.Error().Int("failover_attempts", attempts-1).Msg("failover attempts exhausted, operator intervention required")
		s.publish(publisher.EventBranchFailed, b.config.ID,
			"failover attempts exhausted, operator intervention required",
			map[string]string{"failover_attempts": fmt.Sprintf("%d", attempts-1)})
		return true
	}

	metrics.FailoversTotal.WithLabelValues(b.config.ID).Inc()
	s.publish(publisher.EventBranchFailover, b.config.ID, "failover cycle started",
		map[string]string{"attempt": fmt.Sprintf("%d", attempts), "cooldown": s.opts.Defaults.FailoverCooldown.String()})

	select {
	case <-s.stopCh:
		return false
	case <-time.After(s.opts.Defaults.FailoverCooldown):
	}

	old := b.sess()
	old.Shutdown()

	fresh := s.newSession(b.config)
	b.mu.Lock()
	b.session = fresh
	b.health.State = types.HealthStateUnhealthy
	b.health.ConsecutiveFailures = 0
	b.health.Message = ""
	b.inFailover = false
	b.mu.Unlock()

	fresh.Run()
	fresh.Connect()
	logger.Info().Int("failover_attempt", attempts).Msg("branch session rebuilt")
	return true
}

func (s *Supervisor) publish(t publisher.EventType, branchID, msg string, data map[string]string) {
	s.opts.Broker.Publish(&publisher.Event{
		Type:     t,
		BranchID: branchID,
		Message:  msg,
		Data:     data,
	})
}
