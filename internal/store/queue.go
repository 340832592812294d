package store

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"
)

// Queue is a handle to one named or session-private ring queue.
type Queue struct {
	store *Store
	index uint32
}

// QueueByName resolves (allocating on first reference) the queue for a
// durable named destination.
func (s *Store) QueueByName(name string) (*Queue, error) {
	if idx, ok, err := s.lookupName(name); err != nil {
		return nil, err
	} else if ok {
		return &Queue{store: s, index: idx}, nil
	}

	var idx uint32
	err := s.commit(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketNames)
		if raw := names.Get([]byte(name)); raw != nil {
			idx = binary.BigEndian.Uint32(raw)
			return nil
		}

		mb := tx.Bucket(bucketMeta)
		g := decodeGlobal(mb.Get(metaKey))
		idx = g.Count
		g.Count++
		if err := mb.Put(metaKey, encodeGlobal(g)); err != nil {
			return err
		}

		if err := putQueueMeta(tx, idx, s.maxQueueSize); err != nil {
			return err
		}

		return names.Put([]byte(name), queueKey(idx))
	})
	if err != nil {
		return nil, err
	}
	return &Queue{store: s, index: idx}, nil
}

// QueueByIndex resolves the per-session private queue keyed by session id,
// creating its metadata on first reference. Unlike QueueByName it has no
// entry in the names bucket: it is never enumerated by SYSTEM ls.
func (s *Store) QueueByIndex(idx uint32) (*Queue, error) {
	exists, err := s.queueExists(idx)
	if err != nil {
		return nil, err
	}
	if !exists {
		err := s.commit(func(tx *bolt.Tx) error {
			if tx.Bucket(bucketQueues).Get(queueKey(idx)) != nil {
				return nil
			}
			return putQueueMeta(tx, idx, s.maxQueueSize)
		})
		if err != nil {
			return nil, err
		}
	}
	return &Queue{store: s, index: idx}, nil
}

// QueueByNameIfExists resolves name to its queue without allocating one,
// reporting ok=false if the destination has never been referenced.
func (s *Store) QueueByNameIfExists(name string) (*Queue, bool, error) {
	idx, ok, err := s.lookupName(name)
	if err != nil || !ok {
		return nil, false, err
	}
	return &Queue{store: s, index: idx}, true, nil
}

func (s *Store) lookupName(name string) (uint32, bool, error) {
	var idx uint32
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketNames).Get([]byte(name))
		if raw != nil {
			idx = binary.BigEndian.Uint32(raw)
			ok = true
		}
		return nil
	})
	return idx, ok, err
}

func (s *Store) queueExists(idx uint32) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketQueues).Get(queueKey(idx)) != nil
		return nil
	})
	return ok, err
}

func putQueueMeta(tx *bolt.Tx, idx uint32, maxQueueSize uint32) error {
	start := uint64(idx) * uint64(maxQueueSize)
	m := queueMeta{
		WriteIdx: start,
		ReadIdx:  start,
		Count:    0,
		StartPos: start,
		EndPos:   start + uint64(maxQueueSize),
	}
	return tx.Bucket(bucketQueues).Put(queueKey(idx), encodeQueueMeta(m))
}

// Size returns the queue's current message count.
func (q *Queue) Size() (uint32, error) {
	m, err := q.load()
	if err != nil {
		return 0, err
	}
	return m.Count, nil
}

// Clear empties the queue without affecting its registered name or index.
func (q *Queue) Clear() error {
	return q.store.commit(func(tx *bolt.Tx) error {
		qb := tx.Bucket(bucketQueues)
		raw := qb.Get(queueKey(q.index))
		if raw == nil {
			return ErrNotFound
		}
		m := decodeQueueMeta(raw)
		m.ReadIdx = m.StartPos
		m.WriteIdx = m.StartPos
		m.Count = 0
		return qb.Put(queueKey(q.index), encodeQueueMeta(m))
	})
}

func (q *Queue) load() (queueMeta, error) {
	var m queueMeta
	err := q.store.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketQueues).Get(queueKey(q.index))
		if raw == nil {
			return ErrNotFound
		}
		m = decodeQueueMeta(raw)
		return nil
	})
	return m, err
}

// PushFront enqueues value at the ring's write end. If maxNum >= 0 and the
// queue already holds that many messages, it fails with ErrQueueBounded
// without touching the store. curNum is the queue's depth after a
// successful push.
func (q *Queue) PushFront(value []byte, maxNum int) (uint32, error) {
	var curNum uint32
	err := q.store.commit(func(tx *bolt.Tx) error {
		qb := tx.Bucket(bucketQueues)
		raw := qb.Get(queueKey(q.index))
		if raw == nil {
			return ErrNotFound
		}
		m := decodeQueueMeta(raw)

		if maxNum >= 0 && m.Count >= uint32(maxNum) {
			return ErrQueueBounded
		}

		next := m.WriteIdx + 1
		if next == m.EndPos {
			next = m.StartPos
		}
		read := m.ReadIdx
		if read == m.EndPos {
			read = m.StartPos
		}
		if next == read {
			return ErrQueueFull
		}

		slot := m.WriteIdx
		m.WriteIdx = next
		m.Count++
		curNum = m.Count

		if err := tx.Bucket(bucketSlots).Put(slotKey(slot), value); err != nil {
			return err
		}
		return qb.Put(queueKey(q.index), encodeQueueMeta(m))
	})
	return curNum, err
}

// PopBack dequeues the oldest message from the ring's read end.
func (q *Queue) PopBack() ([]byte, error) {
	var value []byte
	err := q.store.commit(func(tx *bolt.Tx) error {
		qb := tx.Bucket(bucketQueues)
		raw := qb.Get(queueKey(q.index))
		if raw == nil {
			return ErrNotFound
		}
		m := decodeQueueMeta(raw)

		read := m.ReadIdx
		if read == m.EndPos {
			read = m.StartPos
		}
		if read == m.WriteIdx {
			return ErrQueueEmpty
		}

		sb := tx.Bucket(bucketSlots)
		raw = sb.Get(slotKey(read))
		value = append([]byte(nil), raw...)
		if err := sb.Delete(slotKey(read)); err != nil {
			return err
		}

		m.ReadIdx = read + 1
		m.Count--

		return qb.Put(queueKey(q.index), encodeQueueMeta(m))
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}
