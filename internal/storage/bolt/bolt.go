// Package bolt implements the event log on an embedded bbolt database.
package bolt

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/goodtune/usagetrail/internal/events"
	"github.com/goodtune/usagetrail/internal/storage"
)

const (
	// bucketEvents maps the big-endian event ID to its JSON envelope.
	bucketEvents = "events"
	// bucketEventsByTime is an index keyed by timestamp then ID.
	bucketEventsByTime = "events_by_ts"
)

// Store implements storage.EventStore using bbolt.
type Store struct {
	db *bbolt.DB
}

var _ storage.EventStore = (*Store)(nil)

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := storage.EnsureParentDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketEvents, bucketEventsByTime} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Append(ctx context.Context, ev events.TimelineEvent) (events.TimelineEvent, error) {
	if err := storage.ValidateForAppend(ev); err != nil {
		return events.TimelineEvent{}, err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketEvents))
		idx := tx.Bucket([]byte(bucketEventsByTime))
		if b == nil || idx == nil {
			return fmt.Errorf("event buckets missing")
		}
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next event id: %w", err)
		}
		ev.ID = int64(seq)
		data, err := events.Marshal(ev)
		if err != nil {
			return err
		}
		if err := b.Put(idKey(ev.ID), data); err != nil {
			return err
		}
		return idx.Put(timeKey(ev.TimestampMillis, ev.ID), []byte{})
	})
	if err != nil {
		return events.TimelineEvent{}, err
	}
	return ev, nil
}

func (s *Store) Event(ctx context.Context, id int64) (events.TimelineEvent, error) {
	var ev events.TimelineEvent
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketEvents))
		if b == nil {
			return storage.ErrNotFound
		}
		value := b.Get(idKey(id))
		if value == nil {
			return storage.ErrNotFound
		}
		var err error
		ev, err = events.Unmarshal(value)
		return err
	})
	return ev, err
}

func (s *Store) EventsInRange(ctx context.Context, startMillis, endExclusiveMillis int64) ([]events.TimelineEvent, error) {
	return s.scanTime(ctx, timeKey(startMillis, 0), endExclusiveMillis)
}

func (s *Store) EventsBefore(ctx context.Context, beforeMillis int64) ([]events.TimelineEvent, error) {
	return s.scanTime(ctx, nil, beforeMillis)
}

// scanTime walks the time index from seek (or the first key) while the
// timestamp is below end.
func (s *Store) scanTime(ctx context.Context, seek []byte, end int64) ([]events.TimelineEvent, error) {
	out := make([]events.TimelineEvent, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		idx := tx.Bucket([]byte(bucketEventsByTime))
		if b == nil || idx == nil {
			return nil
		}
		c := idx.Cursor()
		var k []byte
		if seek == nil {
			k, _ = c.First()
		} else {
			k, _ = c.Seek(seek)
		}
		for ; k != nil; k, _ = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ts, id := parseTimeKey(k)
			if ts >= end {
				break
			}
			value := b.Get(idKey(id))
			if value == nil {
				continue
			}
			ev, err := events.Unmarshal(value)
			if err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

func (s *Store) EventsAfterID(ctx context.Context, afterID int64, limit int) ([]events.TimelineEvent, error) {
	out := make([]events.TimelineEvent, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(idKey(afterID + 1)); k != nil; k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			ev, err := events.Unmarshal(v)
			if err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

func (s *Store) DeleteBefore(ctx context.Context, beforeMillis int64) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketEvents))
		idx := tx.Bucket([]byte(bucketEventsByTime))
		if b == nil || idx == nil {
			return nil
		}
		// Collect first: deleting under a live cursor skips keys.
		var keys [][]byte
		c := idx.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			ts, _ := parseTimeKey(k)
			if ts >= beforeMillis {
				break
			}
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			_, id := parseTimeKey(k)
			if err := b.Delete(idKey(id)); err != nil {
				return err
			}
			if err := idx.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func idKey(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

// timeKey flips the sign bit so negative timestamps sort before positive
// ones under byte comparison.
func timeKey(ts, id int64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], uint64(ts)^(1<<63))
	binary.BigEndian.PutUint64(buf[8:], uint64(id))
	return buf
}

func parseTimeKey(k []byte) (ts, id int64) {
	if len(k) != 16 {
		return 0, 0
	}
	ts = int64(binary.BigEndian.Uint64(k[:8]) ^ (1 << 63))
	id = int64(binary.BigEndian.Uint64(k[8:]))
	return ts, id
}
