// Package store implements the server's in-memory content store:
// a hash-to-record map with TTL eviction and no persistence across
// restarts.
package store

import (
	"sync"
	"time"

	"github.com/blobdvm/blobdvm/pkg/chunker"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// FileRecord is what the store keeps per file hash: enough to republish
// chunks and answer retrieve/delete without ever touching disk.
type FileRecord struct {
	Hash      string
	Size      uint64
	Chunks    []chunker.Chunk
	Filename  string
	ExpiresAt uint64 // unix seconds
}

// Store is the server's content-addressed, TTL-evicting in-memory table.
// All access is serialized by mu so the background sweeper and request
// handlers never observe torn state.
type Store struct {
	mu      sync.Mutex
	records map[string]FileRecord
	log     zerolog.Logger

	cron *cron.Cron
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger attaches a structured logger to the store's sweeper.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New creates an empty content store.
func New(opts ...Option) *Store {
	s := &Store{
		records: make(map[string]FileRecord),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func now() uint64 {
	return uint64(time.Now().Unix())
}

// Put inserts record under hash. If a live (unexpired) record already
// exists for hash, Put is a no-op and returns alreadyPresent=true —
// content addressing makes re-storing identical bytes idempotent. If the existing record has expired, it is evicted first.
func (s *Store) Put(hash string, record FileRecord) (alreadyPresent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[hash]; ok {
		if existing.ExpiresAt > now() {
			return true
		}
		delete(s.records, hash)
	}

	s.records[hash] = record
	return false
}

// Get returns the record for hash, provided it has not expired. An
// expired record is evicted and reported as not found.
func (s *Store) Get(hash string) (FileRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[hash]
	if !ok {
		return FileRecord{}, false
	}
	if record.ExpiresAt <= now() {
		delete(s.records, hash)
		return FileRecord{}, false
	}
	return record, true
}

// Delete unconditionally removes hash and reports whether it was present.
func (s *Store) Delete(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.records[hash]
	if ok {
		delete(s.records, hash)
	}
	return ok
}

// TotalBytes sums the size of every live record, for capacity-policy
// enforcement.
func (s *Store) TotalBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := now()
	var total uint64
	for _, r := range s.records {
		if r.ExpiresAt > n {
			total += r.Size
		}
	}
	return total
}

// Count returns the number of live (unexpired) records, for the stored-
// files gauge alongside TotalBytes.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := now()
	var count int
	for _, r := range s.records {
		if r.ExpiresAt > n {
			count++
		}
	}
	return count
}

// sweep removes every record whose ExpiresAt has passed.
func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := now()
	for hash, r := range s.records {
		if r.ExpiresAt <= n {
			delete(s.records, hash)
		}
	}
}

// StartSweeper schedules the background TTL sweep on the given interval,
// via robfig/cron/v3's @every scheduling, and returns a stop function.
func (s *Store) StartSweeper(interval time.Duration) (stop func()) {
	c := cron.New()
	spec := "@every " + interval.String()
	_, err := c.AddFunc(spec, func() {
		before := s.len()
		s.sweep()
		after := s.len()
		if before != after {
			s.log.Debug().Int("evicted", before-after).Msg("content store sweep")
		}
	})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to schedule content store sweeper")
		return func() {}
	}
	s.cron = c
	c.Start()
	return func() { c.Stop() }
}

func (s *Store) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
