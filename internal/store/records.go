package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"punchdht/internal/proto"
)

var (
	ErrSeqReused     = errors.New("store: seq reused with different value")
	ErrSeqTooLow     = errors.New("store: seq too low")
	ErrValueTooLarge = errors.New("store: value too large")
	ErrKeyMismatch   = errors.New("store: key mismatch")
)

// Records holds mutable and immutable values. The announce cache is
// always in memory (it is soft state the owners keep alive); these can
// outlive a restart, so they get a bolt backing when a path is
// configured.
type Records interface {
	GetMutable(target [32]byte) (*proto.MutablePutRequest, bool)
	PutMutable(target [32]byte, req *proto.MutablePutRequest) error
	GetImmutable(target [32]byte) ([]byte, bool)
	PutImmutable(target [32]byte, value []byte) error
	Close() error
}

// seqRule applies (I3): history monotonic in seq, seq-equal rewrites
// with a different value rejected, identical re-puts idempotent.
func seqRule(old *proto.MutablePutRequest, next *proto.MutablePutRequest) error {
	if old == nil {
		return nil
	}
	if next.Seq < old.Seq {
		return ErrSeqTooLow
	}
	if next.Seq == old.Seq {
		if string(next.Value) != string(old.Value) {
			return ErrSeqReused
		}
	}
	return nil
}

// MemRecords is the in-memory implementation.
type MemRecords struct {
	mu        sync.RWMutex
	mutable   map[[32]byte]*proto.MutablePutRequest
	immutable map[[32]byte][]byte
}

func NewMemRecords() *MemRecords {
	return &MemRecords{
		mutable:   make(map[[32]byte]*proto.MutablePutRequest),
		immutable: make(map[[32]byte][]byte),
	}
}

func (m *MemRecords) GetMutable(target [32]byte) (*proto.MutablePutRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.mutable[target]
	return rec, ok
}

func (m *MemRecords) PutMutable(target [32]byte, req *proto.MutablePutRequest) error {
	if len(req.Value) > proto.MaxValueSize {
		return ErrValueTooLarge
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := seqRule(m.mutable[target], req); err != nil {
		return err
	}
	m.mutable[target] = req
	return nil
}

func (m *MemRecords) GetImmutable(target [32]byte) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.immutable[target]
	return v, ok
}

func (m *MemRecords) PutImmutable(target [32]byte, value []byte) error {
	if len(value) > proto.MaxValueSize {
		return ErrValueTooLarge
	}
	m.mu.Lock()
	m.immutable[target] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *MemRecords) Close() error { return nil }

const (
	bMutable   = "mutable"
	bImmutable = "immutable"

	boltTimeout = 2 * time.Second
)

// BoltRecords is the bbolt-backed implementation.
type BoltRecords struct {
	db *bolt.DB
}

func OpenBoltRecords(path string) (*BoltRecords, error) {
	if path == "" {
		return nil, errors.New("store: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: boltTimeout})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bMutable)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(bImmutable))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltRecords{db: db}, nil
}

func (s *BoltRecords) Close() error { return s.db.Close() }

func (s *BoltRecords) GetMutable(target [32]byte) (*proto.MutablePutRequest, bool) {
	var rec *proto.MutablePutRequest
	_ = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bMutable)).Get(target[:])
		if raw == nil {
			return nil
		}
		r, err := proto.DecodeMutablePutRequest(raw)
		if err != nil {
			return nil
		}
		rec = r
		return nil
	})
	return rec, rec != nil
}

func (s *BoltRecords) PutMutable(target [32]byte, req *proto.MutablePutRequest) error {
	if len(req.Value) > proto.MaxValueSize {
		return ErrValueTooLarge
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bMutable))
		var old *proto.MutablePutRequest
		if raw := b.Get(target[:]); raw != nil {
			if r, err := proto.DecodeMutablePutRequest(raw); err == nil {
				old = r
			}
		}
		if err := seqRule(old, req); err != nil {
			return err
		}
		return b.Put(target[:], req.Encode())
	})
}

func (s *BoltRecords) GetImmutable(target [32]byte) ([]byte, bool) {
	var out []byte
	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(bImmutable)).Get(target[:]); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, out != nil
}

func (s *BoltRecords) PutImmutable(target [32]byte, value []byte) error {
	if len(value) > proto.MaxValueSize {
		return ErrValueTooLarge
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bImmutable)).Put(target[:], value)
	})
}
