// Package sessions keeps one in-memory Session per conversation, backed by
// the database. The cache is the source of truth between turns; every Save
// writes the full message list through to the store so a restart reloads
// exactly what the engine last saw.
package sessions

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/driftworks/conduit/internal/providers"
	"github.com/driftworks/conduit/internal/store"
)

// Session is one conversation's state.
type Session struct {
	Key      string
	Messages []providers.Message
	Metadata map[string]string
	Created  time.Time
	Updated  time.Time
}

// Append adds a message and bumps the update time.
func (s *Session) Append(msg providers.Message) {
	s.Messages = append(s.Messages, msg)
	s.Updated = time.Now()
}

// History returns a copy of the message list.
func (s *Session) History() []providers.Message {
	out := make([]providers.Message, len(s.Messages))
	copy(out, s.Messages)
	return out
}

// CompactionCount returns how many times this session has been compacted.
func (s *Session) CompactionCount() int {
	n, _ := strconv.Atoi(s.Metadata["compactionCount"])
	return n
}

// IncrementCompaction bumps the compaction counter.
func (s *Session) IncrementCompaction() {
	s.Metadata["compactionCount"] = strconv.Itoa(s.CompactionCount() + 1)
}

type entry struct {
	turnMu sync.Mutex // serializes whole turns on this session
	sess   *Session
}

// Manager is the hot cache over the session store. Sessions are keyed
// "channel:chatId". Each key has its own turn lock so conversations never
// contend with each other; within one conversation the dispatcher holds the
// turn lock for the duration of the turn, so GetOrCreate and Save run
// single-threaded per key.
type Manager struct {
	mu      sync.Mutex // guards entries map and entry.sess pointers
	entries map[string]*entry
	store   *store.SessionStore
}

func NewManager(st *store.SessionStore) *Manager {
	return &Manager{
		entries: make(map[string]*entry),
		store:   st,
	}
}

func (m *Manager) entryFor(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	return e
}

// Lock serializes turns on one session. The returned function releases it.
// It is separate from the cache's own locking, so GetOrCreate and Save may
// be called while it is held.
func (m *Manager) Lock(key string) func() {
	e := m.entryFor(key)
	e.turnMu.Lock()
	return e.turnMu.Unlock
}

// GetOrCreate returns the cached session, loading it from the database on
// first touch and creating a fresh one when the key is new.
func (m *Manager) GetOrCreate(key string) (*Session, error) {
	e := m.entryFor(key)

	m.mu.Lock()
	cached := e.sess
	m.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	row, err := m.store.Load(key)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}

	var s *Session
	if row != nil {
		s = &Session{
			Key:      row.Key,
			Messages: row.Messages,
			Metadata: row.Metadata,
			Created:  row.Created,
			Updated:  row.Updated,
		}
	} else {
		now := time.Now()
		s = &Session{Key: key, Created: now, Updated: now}
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}

	m.mu.Lock()
	if e.sess == nil {
		e.sess = s
	}
	s = e.sess
	m.mu.Unlock()
	return s, nil
}

// Save writes the session through to the database, replacing its stored
// message rows with the current list.
func (m *Manager) Save(s *Session) error {
	e := m.entryFor(s.Key)

	s.Updated = time.Now()
	m.mu.Lock()
	e.sess = s
	m.mu.Unlock()

	return m.store.Save(&store.SessionRow{
		Key:      s.Key,
		Created:  s.Created,
		Updated:  s.Updated,
		Metadata: s.Metadata,
		Messages: s.Messages,
	})
}

// Delete drops the session from cache and database. Reports whether a
// persisted row existed.
func (m *Manager) Delete(key string) (bool, error) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()

	return m.store.Delete(key)
}

// List returns persisted session metadata, most recently updated first.
func (m *Manager) List() ([]store.SessionInfo, error) {
	return m.store.List()
}
