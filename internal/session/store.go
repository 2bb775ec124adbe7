// Package session provides the process-wide, per-user conversation state.
package session

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/ashureev/yai/internal/domain"
)

const shardCount = 32

// Store holds per-user conversation history and the pending-question slot.
// Absence is a normal result; no method returns an error.
type Store interface {
	// GetHistory returns the user's history, creating it on first access.
	// The same container is returned for a user for the store's lifetime.
	GetHistory(user string) *domain.History

	// SetPending stores a question for the user, overwriting any unclaimed one.
	SetPending(user, text string)

	// ClaimPending atomically reads and clears the pending question.
	ClaimPending(user string) (string, bool)

	// BeginTurn marks a turn in flight. Returns false if one already is.
	BeginTurn(user string) bool

	// EndTurn clears the in-flight mark and records activity.
	EndTurn(user string)

	// Reset clears the user's history and pending question.
	Reset(user string)

	// Sweep drops sessions idle for longer than idle. Returns the count removed.
	Sweep(idle time.Duration, now time.Time) int

	// Len returns the number of live sessions.
	Len() int
}

type userSession struct {
	history *domain.History

	mu           sync.Mutex
	pending      string
	hasPending   bool
	inFlight     bool
	evicted      bool
	lastActivity time.Time
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*userSession
}

// MemoryStore is a sharded in-memory Store. Different users never contend on
// the same lock unless they hash to the same shard, and then only for the
// lookup.
type MemoryStore struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[string]*userSession)}
	}
	return s
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) shardFor(user string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(user))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) lookup(user string) *userSession {
	sh := s.shardFor(user)
	sh.mu.RLock()
	sess, ok := sh.sessions[user]
	sh.mu.RUnlock()
	if ok {
		return sess
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sess, ok = sh.sessions[user]; ok {
		return sess
	}
	sess = &userSession{
		history:      domain.NewHistory(),
		lastActivity: s.now(),
	}
	sh.sessions[user] = sess
	return sess
}

// locked returns the user's live session with its mutex held. A session the
// sweeper evicted between lookup and lock is replaced by a fresh one.
func (s *MemoryStore) locked(user string) *userSession {
	for {
		sess := s.lookup(user)
		sess.mu.Lock()
		if !sess.evicted {
			return sess
		}
		sess.mu.Unlock()
	}
}

// GetHistory implements Store.
func (s *MemoryStore) GetHistory(user string) *domain.History {
	return s.lookup(user).history
}

// SetPending implements Store.
func (s *MemoryStore) SetPending(user, text string) {
	sess := s.locked(user)
	defer sess.mu.Unlock()
	sess.pending = text
	sess.hasPending = true
	sess.lastActivity = s.now()
}

// ClaimPending implements Store.
func (s *MemoryStore) ClaimPending(user string) (string, bool) {
	sess := s.locked(user)
	defer sess.mu.Unlock()
	if !sess.hasPending {
		return "", false
	}
	text := sess.pending
	sess.pending = ""
	sess.hasPending = false
	sess.lastActivity = s.now()
	return text, true
}

// BeginTurn implements Store.
func (s *MemoryStore) BeginTurn(user string) bool {
	sess := s.locked(user)
	defer sess.mu.Unlock()
	if sess.inFlight {
		return false
	}
	sess.inFlight = true
	sess.lastActivity = s.now()
	return true
}

// EndTurn implements Store.
func (s *MemoryStore) EndTurn(user string) {
	sess := s.locked(user)
	defer sess.mu.Unlock()
	sess.inFlight = false
	sess.lastActivity = s.now()
}

// Reset implements Store. A turn in flight keeps streaming into the cleared
// history container; callers reset between turns.
func (s *MemoryStore) Reset(user string) {
	sess := s.locked(user)
	sess.pending = ""
	sess.hasPending = false
	sess.lastActivity = s.now()
	sess.mu.Unlock()
	sess.history.Clear()
}

// Len implements Store.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}
