package credstore

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio/v2"

	"github.com/branchline/branchline/pkg/types"
)

// ExportToFile writes a branch's live credentials to an operator-readable
// snapshot file. The write is atomic and durable (fsync before rename), so
// a crash mid-export never leaves a truncated file behind.
func ExportToFile(store Store, branchID, path string) error {
	creds, err := store.Load(branchID)
	if err != nil {
		return fmt.Errorf("load credentials for export: %w", err)
	}

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0600))
	if err != nil {
		return fmt.Errorf("create pending export file: %w", err)
	}
	defer func() {
		// renameio removes the temp file if we never committed.
		_ = pending.Cleanup()
	}()

	enc := json.NewEncoder(pending)
	enc.SetIndent("", "  ")
	if err := enc.Encode(creds); err != nil {
		return fmt.Errorf("write export data: %w", err)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace export file: %w", err)
	}
	return nil
}

// ImportFromFile loads a snapshot file produced by ExportToFile and installs
// it as the branch's live credentials. The record is validated before the
// store is touched.
func ImportFromFile(store Store, branchID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read import file: %w", err)
	}

	var creds types.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	creds.BranchID = branchID
	if err := validateRecord(&creds); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	return store.Save(branchID, &creds)
}
