package credstore

import (
	"errors"

	"github.com/branchline/branchline/pkg/types"
)

var (
	// ErrNotFound means no credentials have ever been saved for the branch
	// (or they were invalidated). The session starts a fresh pairing cycle.
	ErrNotFound = errors.New("credentials not found")

	// ErrCorrupted means persisted data exists but cannot be parsed or is
	// structurally incomplete. Distinct from ErrNotFound so the session can
	// invalidate and re-pair instead of silently starting an empty session.
	ErrCorrupted = errors.New("credentials corrupted")

	// ErrBackupNotFound means the referenced backup no longer exists,
	// usually because the ring pruned it.
	ErrBackupNotFound = errors.New("backup not found")
)

// Store persists per-branch credentials and a bounded ring of timestamped
// backups. All operations for one branch are serialized by the
// implementation; branches never share keys.
type Store interface {
	// Load returns the live credentials for a branch. ErrNotFound when
	// absent, ErrCorrupted when present but unreadable.
	Load(branchID string) (*types.Credentials, error)

	// Save atomically replaces the live credentials. A concurrent Load
	// observes either the old or the new record, never a partial one.
	Save(branchID string, creds *types.Credentials) error

	// Backup snapshots the live credentials into the branch's backup ring
	// and prunes the oldest entries beyond the configured limit. The live
	// record is never touched; a failed backup surfaces its error.
	Backup(branchID string) (*types.SessionBackup, error)

	// Restore replaces the live credentials with a backup's contents.
	Restore(branchID, backupID string) error

	// ListBackups returns the branch's retained backups, oldest first.
	ListBackups(branchID string) ([]types.SessionBackup, error)

	// Invalidate deletes the live credentials so the next connect goes
	// through a fresh pairing challenge. The backup ring is retained.
	Invalidate(branchID string) error

	// Validate reports whether the branch's persisted credentials are
	// present and structurally sound.
	Validate(branchID string) bool

	// AppendHealth records a health probe outcome in the branch's bounded
	// history window.
	AppendHealth(record *types.HealthRecord, window int) error

	// HealthHistory returns the branch's retained health records, oldest
	// first.
	HealthHistory(branchID string) ([]types.HealthRecord, error)

	// Close releases the underlying database.
	Close() error
}
