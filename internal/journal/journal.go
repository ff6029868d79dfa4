package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pghook/pghook/internal/cdc"
	"github.com/pghook/pghook/internal/forward"
	bolt "go.etcd.io/bbolt"
)

var (
	FailuresBucket = []byte("failures")
	MetadataBucket = []byte("metadata")
)

const lastFailureKey = "last_failure"

var ErrReadOnly = errors.New("journal is read-only")

// Journal keeps a record of deliveries that failed so operators can see what
// the webhook missed. Entries are never replayed.
//
// The bbolt file is opened only for the duration of each call, so a running
// listener and the failures command can share it: writers hold the file lock
// for one transaction, and read-only journals take a shared lock.
type Journal struct {
	path     string
	readOnly bool
}

type Failure struct {
	Seq        uint64     `json:"seq"`
	Channel    string     `json:"channel"`
	PID        uint32     `json:"pid"`
	Table      string     `json:"table,omitempty"`
	Action     cdc.Action `json:"action,omitempty"`
	Payload    string     `json:"payload"`
	URL        string     `json:"url"`
	StatusCode int        `json:"status_code,omitempty"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Open prepares a writable journal at path, creating the file and buckets
// if needed.
func Open(path string) (*Journal, error) {
	j := &Journal{path: path}

	err := j.update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{FailuresBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return j, nil
}

// OpenReadOnly returns a journal for inspecting an existing file. Write
// methods fail on it.
func OpenReadOnly(path string) (*Journal, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &Journal{path: path, readOnly: true}, nil
}

func (j *Journal) open() (*bolt.DB, error) {
	db, err := bolt.Open(j.path, 0600, &bolt.Options{
		Timeout:  5 * time.Second,
		ReadOnly: j.readOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return db, nil
}

func (j *Journal) update(fn func(tx *bolt.Tx) error) error {
	if j.readOnly {
		return ErrReadOnly
	}
	db, err := j.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(fn)
}

func (j *Journal) view(fn func(tx *bolt.Tx) error) error {
	db, err := j.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(FailuresBucket) == nil || tx.Bucket(MetadataBucket) == nil {
			return fmt.Errorf("journal %s is not initialized", j.path)
		}
		return fn(tx)
	})
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// RecordFailure stores a failed delivery. event may be nil when only the raw
// notification is known.
func (j *Journal) RecordFailure(n *cdc.Notification, event *cdc.Event, res *forward.Result) error {
	entry := &Failure{
		Channel:    n.Channel,
		PID:        n.PID,
		Payload:    n.Payload,
		URL:        res.URL,
		StatusCode: res.StatusCode,
		Attempts:   res.Attempts,
		Timestamp:  time.Now().UTC(),
	}
	if event != nil {
		entry.Table = event.Table
		entry.Action = event.Action
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}

	return j.update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(FailuresBucket)

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		entry.Seq = seq

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal failure: %w", err)
		}

		if err := bucket.Put(seqKey(seq), data); err != nil {
			return err
		}
		return tx.Bucket(MetadataBucket).Put([]byte(lastFailureKey), []byte(entry.Timestamp.Format(time.RFC3339Nano)))
	})
}

func (j *Journal) GetFailure(seq uint64) (*Failure, error) {
	var entry Failure

	err := j.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(FailuresBucket).Get(seqKey(seq))
		if data == nil {
			return fmt.Errorf("failure entry not found: %d", seq)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}

	return &entry, nil
}

// ListFailures returns up to limit entries, newest first. limit <= 0 means all.
func (j *Journal) ListFailures(limit int) ([]*Failure, error) {
	var entries []*Failure

	err := j.view(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(FailuresBucket).Cursor()

		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var entry Failure
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			entries = append(entries, &entry)
		}
		return nil
	})

	return entries, err
}

// Count returns the number of recorded failures.
func (j *Journal) Count() (int, error) {
	var n int
	err := j.view(func(tx *bolt.Tx) error {
		n = tx.Bucket(FailuresBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// LastFailure returns when the most recent failure was recorded.
func (j *Journal) LastFailure() (time.Time, error) {
	var ts time.Time

	err := j.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(MetadataBucket).Get([]byte(lastFailureKey))
		if data == nil {
			return fmt.Errorf("no failures recorded")
		}
		var err error
		ts, err = time.Parse(time.RFC3339Nano, string(data))
		return err
	})

	return ts, err
}

// Purge deletes every recorded failure and returns how many were removed.
func (j *Journal) Purge() (int, error) {
	var n int

	err := j.update(func(tx *bolt.Tx) error {
		n = tx.Bucket(FailuresBucket).Stats().KeyN
		if err := tx.DeleteBucket(FailuresBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(FailuresBucket); err != nil {
			return err
		}
		return tx.Bucket(MetadataBucket).Delete([]byte(lastFailureKey))
	})

	return n, err
}
