package credstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/branchline/branchline/pkg/types"
)

var (
	// Bucket names
	bucketCredentials = []byte("credentials")
	bucketBackups     = []byte("backups")
	bucketHealth      = []byte("health")
)

// backupKeyFormat is fixed-width so bbolt's lexicographic key order matches
// chronological order (RFC3339Nano trims trailing zeros and does not sort).
const backupKeyFormat = "2006-01-02T15:04:05.000000000Z"

// DefaultMaxBackups bounds the per-branch backup ring.
const DefaultMaxBackups = 10

// BoltStore implements Store using BoltDB. Credentials live in one bucket
// keyed by branch ID; backups and health history live in nested per-branch
// buckets, which keeps every branch's keyspace fully isolated.
type BoltStore struct {
	db         *bolt.DB
	maxBackups int
}

// NewBoltStore opens (or creates) the credential database in dataDir.
func NewBoltStore(dataDir string, maxBackups int) (*BoltStore, error) {
	if maxBackups <= 0 {
		maxBackups = DefaultMaxBackups
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "branchline.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketCredentials, bucketBackups, bucketHealth}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, maxBackups: maxBackups}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Load(branchID string) (*types.Credentials, error) {
	var creds types.Credentials
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		data := b.Get([]byte(branchID))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, &creds); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		if err := validateRecord(&creds); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &creds, nil
}

func (s *BoltStore) Save(branchID string, creds *types.Credentials) error {
	if creds == nil {
		return fmt.Errorf("nil credentials for branch %s", branchID)
	}
	creds.BranchID = branchID
	if creds.UpdatedAt.IsZero() {
		creds.UpdatedAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		data, err := json.Marshal(creds)
		if err != nil {
			return err
		}
		return b.Put([]byte(branchID), data)
	})
}

func (s *BoltStore) Backup(branchID string) (*types.SessionBackup, error) {
	backup := &types.SessionBackup{
		ID:        uuid.New().String(),
		BranchID:  branchID,
		CreatedAt: time.Now().UTC(),
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		live := tx.Bucket(bucketCredentials).Get([]byte(branchID))
		if live == nil {
			return ErrNotFound
		}

		branchBucket, err := tx.Bucket(bucketBackups).CreateBucketIfNotExists([]byte(branchID))
		if err != nil {
			return fmt.Errorf("failed to create backup bucket: %w", err)
		}

		key := backupKey(backup.CreatedAt, backup.ID)
		if err := branchBucket.Put(key, live); err != nil {
			return err
		}

		return pruneOldest(branchBucket, s.maxBackups)
	})
	if err != nil {
		return nil, err
	}
	return backup, nil
}

func (s *BoltStore) Restore(branchID, backupID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		branchBucket := tx.Bucket(bucketBackups).Bucket([]byte(branchID))
		if branchBucket == nil {
			return ErrBackupNotFound
		}

		var snapshot []byte
		c := branchBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if keyBackupID(k) == backupID {
				snapshot = make([]byte, len(v))
				copy(snapshot, v)
				break
			}
		}
		if snapshot == nil {
			return ErrBackupNotFound
		}

		var creds types.Credentials
		if err := json.Unmarshal(snapshot, &creds); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupted, err)
		}

		return tx.Bucket(bucketCredentials).Put([]byte(branchID), snapshot)
	})
}

func (s *BoltStore) ListBackups(branchID string) ([]types.SessionBackup, error) {
	var backups []types.SessionBackup
	err := s.db.View(func(tx *bolt.Tx) error {
		branchBucket := tx.Bucket(bucketBackups).Bucket([]byte(branchID))
		if branchBucket == nil {
			return nil
		}
		c := branchBucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			createdAt, err := time.Parse(backupKeyFormat, keyTimestamp(k))
			if err != nil {
				continue
			}
			backups = append(backups, types.SessionBackup{
				ID:        keyBackupID(k),
				BranchID:  branchID,
				CreatedAt: createdAt,
			})
		}
		return nil
	})
	return backups, err
}

func (s *BoltStore) Invalidate(branchID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		return b.Delete([]byte(branchID))
	})
}

func (s *BoltStore) Validate(branchID string) bool {
	_, err := s.Load(branchID)
	return err == nil
}

func (s *BoltStore) AppendHealth(record *types.HealthRecord, window int) error {
	if window <= 0 {
		window = 1
	}
	if record.LastCheck.IsZero() {
		record.LastCheck = time.Now().UTC()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		branchBucket, err := tx.Bucket(bucketHealth).CreateBucketIfNotExists([]byte(record.BranchID))
		if err != nil {
			return fmt.Errorf("failed to create health bucket: %w", err)
		}

		data, err := json.Marshal(record)
		if err != nil {
			return err
		}

		seq, err := branchBucket.NextSequence()
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%016d", seq))
		if err := branchBucket.Put(key, data); err != nil {
			return err
		}

		return pruneOldest(branchBucket, window)
	})
}

func (s *BoltStore) HealthHistory(branchID string) ([]types.HealthRecord, error) {
	var records []types.HealthRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		branchBucket := tx.Bucket(bucketHealth).Bucket([]byte(branchID))
		if branchBucket == nil {
			return nil
		}
		return branchBucket.ForEach(func(k, v []byte) error {
			var record types.HealthRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	return records, err
}

// pruneOldest deletes entries from the front of the bucket until at most
// max remain. Keys are fixed-width, so key order is chronological.
func pruneOldest(b *bolt.Bucket, max int) error {
	var keys [][]byte
	if err := b.ForEach(func(k, v []byte) error {
		key := make([]byte, len(k))
		copy(key, k)
		keys = append(keys, key)
		return nil
	}); err != nil {
		return err
	}

	excess := len(keys) - max
	for i := 0; i < excess; i++ {
		if err := b.Delete(keys[i]); err != nil {
			return err
		}
	}
	return nil
}

func backupKey(createdAt time.Time, id string) []byte {
	return []byte(createdAt.UTC().Format(backupKeyFormat) + "_" + id)
}

func keyTimestamp(k []byte) string {
	if i := bytes.IndexByte(k, '_'); i >= 0 {
		return string(k[:i])
	}
	return string(k)
}

func keyBackupID(k []byte) string {
	if i := bytes.IndexByte(k, '_'); i >= 0 {
		return string(k[i+1:])
	}
	return ""
}

// validateRecord checks the structural fields a resumable session needs.
func validateRecord(creds *types.Credentials) error {
	if creds.BranchID == "" {
		return fmt.Errorf("missing branch id")
	}
	if creds.DeviceID == "" {
		return fmt.Errorf("missing device id")
	}
	if len(creds.Payload) == 0 {
		return fmt.Errorf("empty session payload")
	}
	return nil
}
