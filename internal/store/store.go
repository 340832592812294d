// Package store implements DurableStore: an ordered key-value file (bbolt)
// hosting many named ring queues with per-queue transactional metadata.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta   = []byte("meta")
	bucketQueues = []byte("queues")
	bucketNames  = []byte("names")
	bucketSlots  = []byte("slots")

	metaKey = []byte("g")
)

// Errors returned by queue operations, checked with errors.Is by callers.
var (
	ErrQueueFull    = errors.New("store: queue full")
	ErrQueueEmpty   = errors.New("store: queue empty")
	ErrQueueBounded = errors.New("store: queue at max-num bound")
	ErrNotFound     = errors.New("store: not found")
)

type globalMeta struct {
	MaxQueueSize uint32
	Count        uint32
}

type queueMeta struct {
	WriteIdx uint64
	ReadIdx  uint64
	Count    uint32
	StartPos uint64
	EndPos   uint64
}

// commitJob serializes every mutating transaction through one goroutine
// (SPEC_FULL.md §4.1 "commit offload"), so all writes remain totally
// ordered. The caller still waits on done until the transaction has
// committed.
type commitJob struct {
	fn   func(tx *bolt.Tx) error
	done chan error
}

// Store is the DurableStore. A single bolt.DB backs the global metadata,
// per-queue metadata, the name→index mapping, and message slots. bbolt's
// own open-time file lock makes a second Open of the same file wait until
// the first one is closed; no separate lock is taken (SPEC_FULL.md §5).
type Store struct {
	db           *bolt.DB
	maxQueueSize uint32
	jobs         chan commitJob
	done         chan struct{}
}

// Open creates or opens the durable store file. It takes no store-type
// argument: bbolt is always an ordered B+tree, so the config file's
// db_type key is not passed here (SPEC_FULL.md §4.1).
func Open(path string, maxQueueSize uint32, sync bool) (*Store, error) {
	db, err := bolt.Open(path, 0640, &bolt.Options{NoSync: !sync})
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	s := &Store{db: db, jobs: make(chan commitJob), done: make(chan struct{})}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketQueues, bucketNames, bucketSlots} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		mb := tx.Bucket(bucketMeta)
		if mb.Get(metaKey) == nil {
			g := globalMeta{MaxQueueSize: maxQueueSize, Count: 0}
			return mb.Put(metaKey, encodeGlobal(g))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init %q: %w", path, err)
	}

	g, err := s.loadGlobal()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.maxQueueSize = g.MaxQueueSize

	go s.commitLoop()

	return s, nil
}

func (s *Store) commitLoop() {
	for {
		select {
		case job := <-s.jobs:
			job.done <- s.db.Update(job.fn)
		case <-s.done:
			return
		}
	}
}

func (s *Store) commit(fn func(tx *bolt.Tx) error) error {
	job := commitJob{fn: fn, done: make(chan error, 1)}
	s.jobs <- job
	return <-job.done
}

func (s *Store) loadGlobal() (globalMeta, error) {
	var g globalMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(metaKey)
		if raw == nil {
			return ErrNotFound
		}
		g = decodeGlobal(raw)
		return nil
	})
	return g, err
}

// Count returns the number of named queues ever created.
func (s *Store) Count() (uint32, error) {
	g, err := s.loadGlobal()
	if err != nil {
		return 0, err
	}
	return g.Count, nil
}

// List enumerates every named queue, in ordered-key order, via fn.
func (s *Store) List(fn func(name string) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketNames).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if err := fn(string(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close flushes and closes the store, optionally deleting the file.
func (s *Store) Close(remove bool) error {
	close(s.done)
	path := s.db.Path()
	if err := s.db.Close(); err != nil {
		return err
	}
	if remove {
		return os.Remove(path)
	}
	return nil
}

func encodeGlobal(g globalMeta) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], g.MaxQueueSize)
	binary.BigEndian.PutUint32(buf[4:8], g.Count)
	return buf
}

func decodeGlobal(b []byte) globalMeta {
	return globalMeta{
		MaxQueueSize: binary.BigEndian.Uint32(b[0:4]),
		Count:        binary.BigEndian.Uint32(b[4:8]),
	}
}

func encodeQueueMeta(m queueMeta) []byte {
	buf := make([]byte, 36)
	binary.BigEndian.PutUint64(buf[0:8], m.WriteIdx)
	binary.BigEndian.PutUint64(buf[8:16], m.ReadIdx)
	binary.BigEndian.PutUint32(buf[16:20], m.Count)
	binary.BigEndian.PutUint64(buf[20:28], m.StartPos)
	binary.BigEndian.PutUint64(buf[28:36], m.EndPos)
	return buf
}

func decodeQueueMeta(b []byte) queueMeta {
	return queueMeta{
		WriteIdx: binary.BigEndian.Uint64(b[0:8]),
		ReadIdx:  binary.BigEndian.Uint64(b[8:16]),
		Count:    binary.BigEndian.Uint32(b[16:20]),
		StartPos: binary.BigEndian.Uint64(b[20:28]),
		EndPos:   binary.BigEndian.Uint64(b[28:36]),
	}
}

func queueKey(idx uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, idx)
	return buf
}

func slotKey(pos uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, pos)
	return buf
}
