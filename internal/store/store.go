package store

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"punchdht/internal/crypto/identity"
	"punchdht/internal/proto"
	"punchdht/internal/router"
)

// Store is a node's record cache: announces and refresh tokens in
// size-bounded LRUs with a clock-driven TTL, mutable/immutable values
// in Records. All handler mutation is funneled through here.

const sweepInterval = 2 * time.Minute

type Config struct {
	MaxSize int
	MaxAge  time.Duration
	Clock   clock.Clock
}

func DefaultConfig() Config {
	return Config{
		MaxSize: 8192,
		MaxAge:  30 * time.Minute,
	}
}

type annKey struct {
	target [32]byte
	pub    [32]byte
}

type annRecord struct {
	raw      []byte // stored announce, relay addresses already truncated
	storedAt time.Time
}

type refreshSlot struct {
	target       [32]byte
	pub          [32]byte
	record       []byte
	announceSelf bool
	storedAt     time.Time
}

type Store struct {
	cfg     Config
	clk     clock.Clock
	router  *router.Table
	records Records

	mu    sync.Mutex
	index map[[32]byte]map[[32]byte]struct{} // target -> announced pubs

	announces *lru.Cache[annKey, *annRecord]
	refreshes *lru.Cache[[32]byte, *refreshSlot]
}

func New(cfg Config, rt *router.Table, records Records) *Store {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultConfig().MaxAge
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if records == nil {
		records = NewMemRecords()
	}
	s := &Store{
		cfg:     cfg,
		clk:     cfg.Clock,
		router:  rt,
		records: records,
		index:   make(map[[32]byte]map[[32]byte]struct{}),
	}
	// Size bounds come from the LRU; age bounds from the clock so
	// tests can drive expiry.
	s.announces, _ = lru.NewWithEvict[annKey, *annRecord](cfg.MaxSize, s.onAnnEvict)
	s.refreshes, _ = lru.New[[32]byte, *refreshSlot](cfg.MaxSize)
	return s
}

func (s *Store) Close() error {
	return s.records.Close()
}

// RunExpiry sweeps aged-out records until ctx is done. Reads also
// expire lazily, so the sweep only bounds memory.
func (s *Store) RunExpiry(ctx context.Context) {
	interval := sweepInterval
	if s.cfg.MaxAge/4 < interval {
		interval = s.cfg.MaxAge / 4
	}
	if interval <= 0 {
		interval = time.Second
	}
	t := s.clk.Ticker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	now := s.clk.Now()
	for _, k := range s.announces.Keys() {
		if rec, ok := s.announces.Peek(k); ok && s.expired(now, rec.storedAt) {
			s.announces.Remove(k)
		}
	}
	for _, k := range s.refreshes.Keys() {
		if slot, ok := s.refreshes.Peek(k); ok && s.expired(now, slot.storedAt) {
			s.refreshes.Remove(k)
		}
	}
}

func (s *Store) expired(now, storedAt time.Time) bool {
	return now.Sub(storedAt) > s.cfg.MaxAge
}

func (s *Store) onAnnEvict(k annKey, _ *annRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pubs := s.index[k.target]
	if pubs == nil {
		return
	}
	delete(pubs, k.pub)
	if len(pubs) == 0 {
		delete(s.index, k.target)
	}
}

func (s *Store) addAnnounce(target, pub [32]byte, raw []byte) {
	s.announces.Add(annKey{target: target, pub: pub}, &annRecord{raw: raw, storedAt: s.clk.Now()})
	s.mu.Lock()
	pubs := s.index[target]
	if pubs == nil {
		pubs = make(map[[32]byte]struct{})
		s.index[target] = pubs
	}
	pubs[pub] = struct{}{}
	s.mu.Unlock()
}

func (s *Store) removeAnnounce(target, pub [32]byte) {
	s.announces.Remove(annKey{target: target, pub: pub})
}

// getAnnounce fetches a live record, expiring it lazily if its age is
// past MaxAge.
func (s *Store) getAnnounce(k annKey) (*annRecord, bool) {
	rec, ok := s.announces.Get(k)
	if !ok {
		return nil, false
	}
	if s.expired(s.clk.Now(), rec.storedAt) {
		s.announces.Remove(k)
		return nil, false
	}
	return rec, true
}

func (s *Store) getRefresh(key [32]byte) (*refreshSlot, bool) {
	slot, ok := s.refreshes.Get(key)
	if !ok {
		return nil, false
	}
	if s.expired(s.clk.Now(), slot.storedAt) {
		s.refreshes.Remove(key)
		return nil, false
	}
	return slot, true
}

// Lookup returns up to 20 stored announce records for target, plus the
// local router record if room remains.
func (s *Store) Lookup(target [32]byte) [][]byte {
	const max = 20

	s.mu.Lock()
	pubs := make([][32]byte, 0, len(s.index[target]))
	for p := range s.index[target] {
		pubs = append(pubs, p)
	}
	s.mu.Unlock()

	out := make([][]byte, 0, len(pubs)+1)
	for _, p := range pubs {
		if len(out) == max {
			break
		}
		if rec, ok := s.getAnnounce(annKey{target: target, pub: p}); ok {
			out = append(out, rec.raw)
		}
	}
	if len(out) < max {
		if e, ok := s.router.Get(target); ok && e.Record != nil {
			out = append(out, e.Record)
		}
	}
	return out
}

// truncate applies the relay-address cap before storage. The wire copy
// the announcer signed is verified first; only the stored form is
// truncated.
func truncate(a *proto.Announce) []byte {
	p := *a.Peer
	if len(p.RelayAddresses) > proto.MaxRelayAddresses {
		p.RelayAddresses = p.RelayAddresses[:proto.MaxRelayAddresses]
	}
	stored := proto.Announce{Peer: &p, Refresh: a.Refresh, Signature: a.Signature}
	return stored.Encode()
}

func hashToken(tok []byte) [32]byte {
	return identity.Target(tok)
}
