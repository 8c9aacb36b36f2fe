package session

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// Store holds the sessions of all active calls.
type Store struct {
	shards [shardCount]shard
	locks  keyedMutex
	clock  func() time.Time
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures the Store.
type Option func(*Store)

// WithClock sets the clock used for CreatedAt.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		clock: func() time.Time { return time.Now().UTC() },
		locks: keyedMutex{entries: make(map[string]*lockEntry)},
	}
	for i := range s.shards {
		s.shards[i].sessions = make(map[string]*Session)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) shard(callID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(callID))
	return &s.shards[h.Sum32()%shardCount]
}

// Get returns a copy of the session for callID.
func (s *Store) Get(callID string) (Session, bool) {
	sh := s.shard(callID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	sess, ok := sh.sessions[callID]
	if !ok {
		return Session{}, false
	}
	return sess.clone(), true
}

// Create stores a new session seeded with initial unless one already
// exists. The returned bool is false when the existing session was kept.
func (s *Store) Create(callID, caller string, initial []Turn) (Session, bool, error) {
	for _, t := range initial {
		if err := t.Validate(); err != nil {
			return Session{}, false, err
		}
	}

	sh := s.shard(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.sessions[callID]; ok {
		return existing.clone(), false, nil
	}

	sess := &Session{
		CallID:     callID,
		Caller:     caller,
		Transcript: append([]Turn(nil), initial...),
		CreatedAt:  s.clock(),
	}
	sh.sessions[callID] = sess
	return sess.clone(), true, nil
}

// Append adds turns to the transcript of callID. Either all turns are
// stored or none are.
func (s *Store) Append(callID string, turns ...Turn) error {
	for _, t := range turns {
		if err := t.Validate(); err != nil {
			return err
		}
	}

	sh := s.shard(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[callID]
	if !ok {
		return fmt.Errorf("append to %s: %w", callID, ErrNotFound)
	}
	sess.Transcript = append(sess.Transcript, turns...)
	return nil
}

// Delete removes the session for callID.
func (s *Store) Delete(callID string) error {
	sh := s.shard(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.sessions[callID]; !ok {
		return fmt.Errorf("delete %s: %w", callID, ErrNotFound)
	}
	delete(sh.sessions, callID)
	return nil
}

// Len returns the number of active sessions.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Lock acquires the per-call lock for callID. Callers hold it for a whole
// controller step so turns of one call are appended in order. The lock
// exists independently of the session, so it can guard creation too.
func (s *Store) Lock(callID string) (unlock func()) {
	return s.locks.lock(callID)
}

// keyedMutex hands out one mutex per key and frees it once unused.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &lockEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()

			k.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(k.entries, key)
			}
			k.mu.Unlock()
		})
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
