package types

import (
	"time"
)

// BranchConfig describes one messaging identity managed by the fleet.
// It is immutable at runtime; the supervisor loads the full set once at
// startup.
type BranchConfig struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Address     string            `json:"address,omitempty" yaml:"address,omitempty"`
	Phone       string            `json:"phone,omitempty" yaml:"phone,omitempty"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Features    *FeatureFlags     `json:"features,omitempty" yaml:"features,omitempty"`
	HealthCheck *HealthCheck      `json:"health_check,omitempty" yaml:"health_check,omitempty"`

	// MaxReconnectAttempts bounds automatic reconnects before the branch
	// is handed to failover.
	MaxReconnectAttempts int `json:"max_reconnect_attempts,omitempty" yaml:"max_reconnect_attempts,omitempty"`
}

// FeatureFlags toggles optional per-branch behavior.
type FeatureFlags struct {
	AutoReply    bool `json:"auto_reply" yaml:"auto_reply"`
	Broadcasts   bool `json:"broadcasts" yaml:"broadcasts"`
	ReadReceipts bool `json:"read_receipts" yaml:"read_receipts"`
}

// HealthCheck defines per-branch health probe tuning.
type HealthCheck struct {
	Interval          time.Duration `json:"interval" yaml:"interval"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`
	LivenessThreshold time.Duration `json:"liveness_threshold" yaml:"liveness_threshold"`
}

// SessionState represents the state of a branch's connection session.
type SessionState string

const (
	SessionStateDisconnected    SessionState = "disconnected"
	SessionStateConnecting      SessionState = "connecting"
	SessionStateAwaitingPairing SessionState = "awaiting_pairing"
	SessionStateConnected       SessionState = "connected"
	SessionStateClosing         SessionState = "closing"
)

// DisconnectReason classifies why a transport connection ended.
type DisconnectReason string

const (
	ReasonConnectionLost  DisconnectReason = "connection_lost"
	ReasonTimeout         DisconnectReason = "timeout"
	ReasonLoggedOut       DisconnectReason = "logged_out"
	ReasonBadCredentials  DisconnectReason = "bad_credentials"
	ReasonDeviceMismatch  DisconnectReason = "device_mismatch"
	ReasonSessionReplaced DisconnectReason = "session_replaced"
	ReasonShutdown        DisconnectReason = "shutdown"
)

// Credentials is the durable authentication material that lets a branch
// resume its session without a new pairing challenge. The payload is opaque
// to everything but the transport; the structural fields exist so the store
// can validate a record without understanding the protocol.
type Credentials struct {
	BranchID  string    `json:"branch_id"`
	DeviceID  string    `json:"device_id"`
	Keys      []byte    `json:"keys"`
	Payload   []byte    `json:"payload"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionBackup identifies one retained credentials snapshot.
type SessionBackup struct {
	ID        string    `json:"id"`
	BranchID  string    `json:"branch_id"`
	CreatedAt time.Time `json:"created_at"`
}

// HealthState classifies a branch's rolling health.
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateUnhealthy HealthState = "unhealthy"
	HealthStateFailed    HealthState = "failed"
)

// HealthRecord is the supervisor's rolling view of one branch. It is
// mutated only by that branch's monitor goroutine.
type HealthRecord struct {
	BranchID            string      `json:"branch_id"`
	State               HealthState `json:"state"`
	LastCheck           time.Time   `json:"last_check"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	Message             string      `json:"message,omitempty"`
}

// BranchStatus is the dashboard-facing snapshot of one branch.
type BranchStatus struct {
	BranchID     string       `json:"branch_id"`
	Name         string       `json:"name"`
	State        SessionState `json:"state"`
	Health       HealthState  `json:"health"`
	Attempt      int          `json:"attempt"`
	ConnectedAt  time.Time    `json:"connected_at,omitzero"`
	LastActivity time.Time    `json:"last_activity,omitzero"`
	Uptime       string       `json:"uptime,omitempty"`
}

// FleetStatus aggregates all branches for the pull-mode dashboard API.
type FleetStatus struct {
	Branches  []BranchStatus `json:"branches"`
	Timestamp time.Time      `json:"timestamp"`
}

// InboundMessage is a content message received on a branch's session.
type InboundMessage struct {
	BranchID   string            `json:"branch_id"`
	SenderID   string            `json:"sender_id"`
	Payload    []byte            `json:"payload"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// OutboundMessage is a reply sent back through a branch's session.
type OutboundMessage struct {
	BranchID    string `json:"branch_id"`
	RecipientID string `json:"recipient_id"`
	Payload     []byte `json:"payload"`
}
