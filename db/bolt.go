package db

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"timeclock/models"
)

// Bucket layout. employee_atwork_idx is a secondary index on IsAtWork:
// key present means the employee is currently at work. It is maintained
// in the same write transaction as the employee record itself.
var (
	bucketEmployees = []byte("employee_states")
	bucketAtWorkIdx = []byte("employee_atwork_idx")
	bucketQueue     = []byte("action_queue")
	bucketMetadata  = []byte("metadata")
)

// Metadata keys.
const (
	MetaCachedActivities = "cachedActivities"
	MetaLastFullSync     = "lastFullSync"
)

// Store is the terminal's durable key-value layer, an embedded bbolt
// database with three collections plus the at-work index. Everything the
// kiosk must not lose across restarts lives here.
type Store struct {
	db *bolt.DB
}

// Open opens (creating on first run) the database and its buckets.
// A bucket-create failure is fatal to initialization.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEmployees, bucketAtWorkIdx, bucketQueue, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.db.Path()
}

// --- Employee state operations ---

// PutEmployee upserts one employee record and keeps the at-work index in
// step within the same transaction.
func (s *Store) PutEmployee(e *models.EmployeeState) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putEmployeeTx(tx, e)
	})
	if err != nil {
		return fmt.Errorf("failed to save employee %s: %w", e.EmployeeID, err)
	}
	return nil
}

// PutEmployees bulk-upserts employee records in a single transaction.
func (s *Store) PutEmployees(list []models.EmployeeState) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for i := range list {
			if err := putEmployeeTx(tx, &list[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to bulk-save %d employees: %w", len(list), err)
	}
	return nil
}

func putEmployeeTx(tx *bolt.Tx, e *models.EmployeeState) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode employee %s: %w", e.EmployeeID, err)
	}
	key := []byte(e.EmployeeID)
	if err := tx.Bucket(bucketEmployees).Put(key, data); err != nil {
		return err
	}
	idx := tx.Bucket(bucketAtWorkIdx)
	if e.IsAtWork {
		return idx.Put(key, []byte{1})
	}
	return idx.Delete(key)
}

// GetEmployee retrieves one employee record, or nil when absent.
func (s *Store) GetEmployee(employeeID string) (*models.EmployeeState, error) {
	var e *models.EmployeeState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEmployees).Get([]byte(employeeID))
		if data == nil {
			return nil
		}
		e = &models.EmployeeState{}
		return json.Unmarshal(data, e)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load employee %s: %w", employeeID, err)
	}
	return e, nil
}

// AllEmployees scans the full employee collection.
func (s *Store) AllEmployees() ([]models.EmployeeState, error) {
	var list []models.EmployeeState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEmployees).ForEach(func(_, v []byte) error {
			var e models.EmployeeState
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			list = append(list, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan employees: %w", err)
	}
	return list, nil
}

// EmployeesAtWork resolves the at-work index to full records.
func (s *Store) EmployeesAtWork() ([]models.EmployeeState, error) {
	var list []models.EmployeeState
	err := s.db.View(func(tx *bolt.Tx) error {
		employees := tx.Bucket(bucketEmployees)
		return tx.Bucket(bucketAtWorkIdx).ForEach(func(k, _ []byte) error {
			data := employees.Get(k)
			if data == nil {
				// Dangling index entry; skip rather than fail the scan.
				return nil
			}
			var e models.EmployeeState
			if err := json.Unmarshal(data, &e); err != nil {
				return err
			}
			list = append(list, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan at-work index: %w", err)
	}
	return list, nil
}

// --- Action queue operations ---

// PutAction upserts a queued action. First-time writes get a monotonic
// sequence number so load can reproduce append order.
func (s *Store) PutAction(a *models.QueuedAction) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		if a.Seq == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			a.Seq = seq
		}
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to encode action %s: %w", a.ID, err)
		}
		return b.Put([]byte(a.ID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save action %s: %w", a.ID, err)
	}
	return nil
}

// DeleteAction removes a queued action by id.
func (s *Store) DeleteAction(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("failed to delete action %s: %w", id, err)
	}
	return nil
}

// AllActions loads the full queue in append order.
func (s *Store) AllActions() ([]models.QueuedAction, error) {
	var list []models.QueuedAction
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(_, v []byte) error {
			var a models.QueuedAction
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			list = append(list, a)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan action queue: %w", err)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	return list, nil
}

// ClearActions empties the queue collection.
func (s *Store) ClearActions() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketQueue); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketQueue)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to clear action queue: %w", err)
	}
	return nil
}

// --- Metadata operations ---

// PutMetadata stores a scalar metadata value under a string name.
func (s *Store) PutMetadata(key, value string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetadata).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("failed to save metadata %s: %w", key, err)
	}
	return nil
}

// GetMetadata retrieves a metadata value, or "" when absent.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketMetadata).Get([]byte(key)); data != nil {
			value = string(data)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to load metadata %s: %w", key, err)
	}
	return value, nil
}

// --- Reset ---

// ResetLocalData wipes employee states, the at-work index and metadata.
// The action queue is cleared separately (ClearActions) so callers decide
// explicitly about unsynced attendance events.
func (s *Store) ResetLocalData() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEmployees, bucketAtWorkIdx, bucketMetadata} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reset local data: %w", err)
	}
	return nil
}
