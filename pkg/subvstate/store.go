// Persists the daemon's last run per scanned root
package subvstate

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const currentSchemaVersion = 1

var (
	metaBucketKey    = []byte("_meta")
	schemaVersionKey = []byte("schemaVersion")
	lastRunBucketKey = []byte("lastrun")
)

type Run struct {
	Root          string    `json:"root"`
	Started       time.Time `json:"started"`
	Finished      time.Time `json:"finished"`
	Subvolumes    int       `json:"subvolumes"`
	SkippedMounts int       `json:"skipped_mounts"`
	Warnings      int       `json:"warnings"`
	Error         string    `json:"error,omitempty"`
}

type Store struct {
	db *bbolt.DB
}

func Open(path string) (*Store, error) {
	// timeout so that a second daemon doesn't hang forever on the file lock
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("state DB %s: %w", path, err)
	}

	if err := db.Update(bootstrap); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveLastRun(run Run) error {
	runJson, err := json.Marshal(&run)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(lastRunBucketKey).Put([]byte(run.Root), runJson)
	})
}

// nil if root has never been run
func (s *Store) LastRun(root string) (*Run, error) {
	var run *Run

	return run, s.db.View(func(tx *bbolt.Tx) error {
		runJson := tx.Bucket(lastRunBucketKey).Get([]byte(root))
		if runJson == nil {
			return nil
		}

		run = &Run{}
		return json.Unmarshal(runJson, run)
	})
}

// sorted by root
func (s *Store) LastRuns() ([]Run, error) {
	runs := []Run{}

	if err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(lastRunBucketKey).ForEach(func(_, runJson []byte) error {
			run := Run{}
			if err := json.Unmarshal(runJson, &run); err != nil {
				return err
			}

			runs = append(runs, run)
			return nil
		})
	}); err != nil {
		return nil, err
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].Root < runs[j].Root })

	return runs, nil
}

func bootstrap(tx *bbolt.Tx) error {
	metaBucket, err := tx.CreateBucketIfNotExists(metaBucketKey)
	if err != nil {
		return err
	}

	if versionBytes := metaBucket.Get(schemaVersionKey); versionBytes != nil {
		if version := binary.LittleEndian.Uint32(versionBytes); version != currentSchemaVersion {
			return fmt.Errorf("state DB schema version %d; expecting %d", version, currentSchemaVersion)
		}
	} else {
		versionBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(versionBytes, currentSchemaVersion)

		if err := metaBucket.Put(schemaVersionKey, versionBytes); err != nil {
			return err
		}
	}

	if _, err := tx.CreateBucketIfNotExists(lastRunBucketKey); err != nil {
		return err
	}

	return nil
}
