package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/vouch/pkg/compliance"
)

// Bucket names in bbolt
var (
	bucketProjects = []byte("projects")
	bucketTables   = []byte("tables")
	bucketUsers    = []byte("users")
	bucketLogs     = []byte("logs")
)

// BoltStore keeps compliance state in a single bbolt file.
type BoltStore struct {
	db *bbolt.DB

	// In-memory index over the log bucket, ordered by org, resource and time
	mu    sync.RWMutex
	index *btree.BTreeG[logIndexEntry]

	path string
}

type logIndexEntry struct {
	Org      string
	Resource compliance.Kind
	Key      []byte
}

func logIndexLess(a, b logIndexEntry) bool {
	if a.Org != b.Org {
		return a.Org < b.Org
	}
	if a.Resource != b.Resource {
		return a.Resource < b.Resource
	}
	return bytes.Compare(a.Key, b.Key) < 0
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketProjects, bucketTables, bucketUsers, bucketLogs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &BoltStore{
		db:    db,
		index: btree.NewG[logIndexEntry](32, logIndexLess),
		path:  path,
	}

	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to rebuild log index: %w", err)
	}

	return s, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping checks the database file is still open.
func (s *BoltStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(*bbolt.Tx) error { return nil })
}

// Update runs fn inside a bbolt read-write transaction.
func (s *BoltStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(btx *bbolt.Tx) error {
		tx := &boltTx{tx: btx}
		if err := fn(tx); err != nil {
			return err
		}

		// Index only what actually committed
		pending := tx.indexed
		btx.OnCommit(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for _, entry := range pending {
				s.index.ReplaceOrInsert(entry)
			}
		})
		return nil
	})
}

// AppendLog writes a single log entry in its own transaction.
func (s *BoltStore) AppendLog(ctx context.Context, entry ComplianceLog) error {
	return s.Update(ctx, func(tx Tx) error {
		return tx.AppendLog(ctx, entry)
	})
}

// ListLogs returns matching log entries, newest first.
func (s *BoltStore) ListLogs(ctx context.Context, q LogQuery) ([]ComplianceLog, error) {
	if q.Org != "" && q.Resource != "" {
		return s.listIndexedLogs(ctx, q)
	}
	return s.scanLogs(ctx, q)
}

// listIndexedLogs walks the btree backwards over one (org, resource) range.
func (s *BoltStore) listIndexedLogs(ctx context.Context, q LogQuery) ([]ComplianceLog, error) {
	s.mu.RLock()
	var keys [][]byte
	pivot := logIndexEntry{Org: q.Org, Resource: q.Resource, Key: bytes.Repeat([]byte{0xff}, 17)}
	s.index.DescendLessOrEqual(pivot, func(e logIndexEntry) bool {
		if e.Org != q.Org || e.Resource != q.Resource {
			return false
		}
		keys = append(keys, e.Key)
		return q.Limit <= 0 || len(keys) < q.Limit
	})
	s.mu.RUnlock()

	results := make([]ComplianceLog, 0, len(keys))
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLogs)
		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				return err
			}
			v := bucket.Get(key)
			if v == nil {
				continue
			}
			var entry ComplianceLog
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to decode log %x: %w", key, err)
			}
			results = append(results, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return results, nil
}

// scanLogs walks the log bucket from the newest key backwards.
func (s *BoltStore) scanLogs(ctx context.Context, q LogQuery) ([]ComplianceLog, error) {
	results := make([]ComplianceLog, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketLogs).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var entry ComplianceLog
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to decode log %x: %w", k, err)
			}
			if !q.matches(entry) {
				continue
			}
			results = append(results, entry)
			if q.Limit > 0 && len(results) >= q.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return results, nil
}

func (s *BoltStore) rebuildIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLogs).ForEach(func(k, v []byte) error {
			var entry struct {
				Org      string          `json:"org"`
				Resource compliance.Kind `json:"resource"`
			}
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to decode log %x: %w", k, err)
			}
			s.index.ReplaceOrInsert(logIndexEntry{
				Org:      entry.Org,
				Resource: entry.Resource,
				Key:      append([]byte(nil), k...),
			})
			return nil
		})
	})
}

// boltTx adapts a bbolt transaction to Tx.
type boltTx struct {
	tx      *bbolt.Tx
	indexed []logIndexEntry
}

func (t *boltTx) GetRecord(ctx context.Context, kind compliance.Kind, id, org string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	bucket, err := recordBucket(t.tx, kind)
	if err != nil {
		return Record{}, err
	}

	v := bucket.Get(makeRecordKey(id, org))
	if v == nil {
		return Record{}, ErrNotFound
	}

	var rec Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to decode %s record %s: %w", kind, id, err)
	}
	rec.Kind = kind
	return rec, nil
}

func (t *boltTx) PutRecord(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bucket, err := recordBucket(t.tx, rec.Kind)
	if err != nil {
		return err
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record %s: %w", rec.Kind, rec.ID, err)
	}
	if err := bucket.Put(makeRecordKey(rec.ID, rec.Org), value); err != nil {
		return fmt.Errorf("failed to put %s record %s: %w", rec.Kind, rec.ID, err)
	}
	return nil
}

func (t *boltTx) AppendLog(ctx context.Context, entry ComplianceLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bucket := t.tx.Bucket(bucketLogs)

	seq, err := bucket.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate log sequence: %w", err)
	}
	key := makeLogKey(entry.CreatedAt, seq)

	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log: %w", err)
	}
	if err := bucket.Put(key, value); err != nil {
		return fmt.Errorf("failed to put log: %w", err)
	}

	t.indexed = append(t.indexed, logIndexEntry{Org: entry.Org, Resource: entry.Resource, Key: key})
	return nil
}

func recordBucket(tx *bbolt.Tx, kind compliance.Kind) (*bbolt.Bucket, error) {
	var name []byte
	switch kind {
	case compliance.KindProject:
		name = bucketProjects
	case compliance.KindTable:
		name = bucketTables
	case compliance.KindUser:
		name = bucketUsers
	default:
		return nil, fmt.Errorf("unknown resource kind %q", kind)
	}
	return tx.Bucket(name), nil
}

// makeRecordKey joins org and id; NUL cannot appear in either.
func makeRecordKey(id, org string) []byte {
	return []byte(org + "\x00" + id)
}

// makeLogKey creates a time-ordered key: creation time in nanoseconds, then sequence.
func makeLogKey(at time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[0:8], uint64(at.UnixNano())) //nolint:gosec // log timestamps are after 1970
	binary.BigEndian.PutUint64(key[8:16], seq)
	return key
}
