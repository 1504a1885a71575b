package policy

import (
	"time"

	"github.com/branchline/branchline/pkg/types"
)

// Action is the reconnect decision for a disconnected branch.
type Action string

const (
	// ActionRetry reconnects with the current credentials after Delay.
	ActionRetry Action = "retry"

	// ActionInvalidateAndRetry deletes the branch's credentials first, so
	// the next connect falls through a fresh pairing challenge.
	ActionInvalidateAndRetry Action = "invalidate_and_retry"

	// ActionGiveUp stops automatic reconnects. When Delay is non-zero the
	// owner should wait it out, reset the attempt counter and start one
	// more full retry cycle.
	ActionGiveUp Action = "give_up"
)

// Decision is the output of Decide.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// backoffTable is the fixed ascending delay schedule, indexed by
// min(attempt-1, len-1). Capped rather than exponential so the worst-case
// reconnection latency stays bounded.
var backoffTable = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	30 * time.Second,
}

// ExhaustedCooldown is the default rest period after a branch exhausts its
// reconnect attempts, before the owner resets the counter and retries.
// Decide falls back to it when the caller passes no cooldown.
const ExhaustedCooldown = 5 * time.Minute

// Delay returns the backoff delay for the given attempt (1-based).
func Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	idx := attempt - 1
	if idx >= len(backoffTable) {
		idx = len(backoffTable) - 1
	}
	return backoffTable[idx]
}

// Decide maps a disconnect reason and attempt counter to a reconnect
// decision. It is a pure function: no I/O, no clock, deterministic for
// identical inputs. The owning task executes the decision; the session
// itself never retries. exhaustedCooldown is the rest period returned when
// the attempt budget is spent; zero or negative means ExhaustedCooldown.
func Decide(reason types.DisconnectReason, attempt, maxAttempts int, exhaustedCooldown time.Duration) Decision {
	// Another client instance owns this identity. Retrying would steal the
	// session back and forth, and the credentials are still valid, so do
	// not invalidate either. Operator has to resolve this one.
	if reason == types.ReasonSessionReplaced {
		return Decision{Action: ActionGiveUp}
	}

	if maxAttempts > 0 && attempt >= maxAttempts {
		if exhaustedCooldown <= 0 {
			exhaustedCooldown = ExhaustedCooldown
		}
		return Decision{Action: ActionGiveUp, Delay: exhaustedCooldown}
	}

	switch reason {
	case types.ReasonLoggedOut, types.ReasonBadCredentials, types.ReasonDeviceMismatch:
		return Decision{Action: ActionInvalidateAndRetry, Delay: Delay(attempt)}
	default:
		// Transient transport failures: connection lost, timeouts, and
		// anything unrecognized gets the benefit of the doubt.
		return Decision{Action: ActionRetry, Delay: Delay(attempt)}
	}
}
