package policy

import (
	"testing"
	"time"

	"github.com/branchline/branchline/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name        string
		reason      types.DisconnectReason
		attempt     int
		maxAttempts int
		action      Action
		delay       time.Duration
	}{
		{
			name:        "connection lost first attempt",
			reason:      types.ReasonConnectionLost,
			attempt:     1,
			maxAttempts: 5,
			action:      ActionRetry,
			delay:       1 * time.Second,
		},
		{
			name:        "timeout treated as transient",
			reason:      types.ReasonTimeout,
			attempt:     2,
			maxAttempts: 5,
			action:      ActionRetry,
			delay:       2 * time.Second,
		},
		{
			name:        "logged out invalidates",
			reason:      types.ReasonLoggedOut,
			attempt:     1,
			maxAttempts: 5,
			action:      ActionInvalidateAndRetry,
			delay:       1 * time.Second,
		},
		{
			name:        "bad credentials invalidates",
			reason:      types.ReasonBadCredentials,
			attempt:     3,
			maxAttempts: 5,
			action:      ActionInvalidateAndRetry,
			delay:       5 * time.Second,
		},
		{
			name:        "device mismatch invalidates",
			reason:      types.ReasonDeviceMismatch,
			attempt:     1,
			maxAttempts: 5,
			action:      ActionInvalidateAndRetry,
			delay:       1 * time.Second,
		},
		{
			name:        "session replaced gives up immediately",
			reason:      types.ReasonSessionReplaced,
			attempt:     1,
			maxAttempts: 5,
			action:      ActionGiveUp,
			delay:       0,
		},
		{
			name:        "session replaced gives up even past budget",
			reason:      types.ReasonSessionReplaced,
			attempt:     9,
			maxAttempts: 5,
			action:      ActionGiveUp,
			delay:       0,
		},
		{
			name:        "attempts exhausted gives up with cooldown",
			reason:      types.ReasonConnectionLost,
			attempt:     5,
			maxAttempts: 5,
			action:      ActionGiveUp,
			delay:       ExhaustedCooldown,
		},
		{
			name:        "credential reason past budget still gives up",
			reason:      types.ReasonLoggedOut,
			attempt:     5,
			maxAttempts: 5,
			action:      ActionGiveUp,
			delay:       ExhaustedCooldown,
		},
		{
			name:        "unknown reason retries",
			reason:      types.DisconnectReason("weather"),
			attempt:     1,
			maxAttempts: 5,
			action:      ActionRetry,
			delay:       1 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.reason, tt.attempt, tt.maxAttempts, 0)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.delay, d.Delay)
		})
	}
}

func TestDecideConfigurableExhaustedCooldown(t *testing.T) {
	d := Decide(types.ReasonConnectionLost, 5, 5, 30*time.Second)
	assert.Equal(t, ActionGiveUp, d.Action)
	assert.Equal(t, 30*time.Second, d.Delay)

	// Zero cooldown means the caller did not configure one.
	d = Decide(types.ReasonConnectionLost, 5, 5, 0)
	assert.Equal(t, ExhaustedCooldown, d.Delay)
}

// Decide must be deterministic: same inputs, same output.
func TestDecideDeterministic(t *testing.T) {
	reasons := []types.DisconnectReason{
		types.ReasonConnectionLost,
		types.ReasonTimeout,
		types.ReasonLoggedOut,
		types.ReasonBadCredentials,
		types.ReasonDeviceMismatch,
		types.ReasonSessionReplaced,
	}

	for _, reason := range reasons {
		for attempt := 1; attempt <= 8; attempt++ {
			first := Decide(reason, attempt, 5, 0)
			second := Decide(reason, attempt, 5, 0)
			assert.Equal(t, first, second, "reason=%s attempt=%d", reason, attempt)
		}
	}
}

func TestDelayNonDecreasing(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}

	// Past the table the delay stays constant at the cap.
	assert.Equal(t, Delay(len(backoffTable)), Delay(100))
}

func TestDelayClampsLowAttempts(t *testing.T) {
	assert.Equal(t, backoffTable[0], Delay(0))
	assert.Equal(t, backoffTable[0], Delay(-3))
}

func TestDecideZeroMaxAttemptsNeverExhausts(t *testing.T) {
	// maxAttempts == 0 means no budget configured; transient failures keep
	// retrying at the capped delay.
	d := Decide(types.ReasonConnectionLost, 500, 0, 0)
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, 30*time.Second, d.Delay)
}
