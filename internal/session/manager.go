package session

import (
	"fmt"
	"sync"
	"time"

	"tandem/internal/events"
	"tandem/internal/logging"
	"tandem/internal/workspace"
)

// Manager owns all live sessions. Every mutation goes through a per-session
// lock and is persisted before the corresponding event is published, so
// subscribers never observe state that could be lost.
type Manager struct {
	store    *Store
	bus      *events.Bus
	autoSave bool

	sessions map[string]*Session
	locks    map[string]*sync.Mutex
	mu       sync.Mutex
}

// NewManager creates a session manager backed by store.
func NewManager(store *Store, bus *events.Bus, autoSave bool) *Manager {
	return &Manager{
		store:    store,
		bus:      bus,
		autoSave: autoSave,
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing writers of one session.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

// Create validates the workspace binding and creates a new session.
func (m *Manager) Create(name, workspacePath string) (*Session, error) {
	abs, err := workspace.Validate(workspacePath)
	if err != nil {
		return nil, fmt.Errorf("invalid workspace: %w", err)
	}

	if name == "" {
		name = fmt.Sprintf("session-%s", time.Now().Format("20060102-150405"))
	}

	s := New(name, abs)

	if err := m.persist(s); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.notify(events.TypeSessionCreated, s)
	logging.Info("session created", "session_id", s.ID, "name", name, "workspace", abs)
	return s, nil
}

// Get returns a session, loading it from disk if not yet resident.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		return s, nil
	}

	s, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	// Another goroutine may have loaded it concurrently.
	if existing, ok := m.sessions[id]; ok {
		s = existing
	} else {
		m.sessions[id] = s
	}
	m.mu.Unlock()

	return s, nil
}

// Snapshot returns a copy of a session that is safe to read while other
// goroutines mutate the session through the manager.
func (m *Manager) Snapshot(id string) (*Session, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// List returns summaries of all stored sessions.
func (m *Manager) List() ([]Info, error) {
	return m.store.List()
}

// Update applies a mutation under the session lock, persists the result,
// and then publishes the update event.
func (m *Manager) Update(id string, mutate func(*Session) error) (*Session, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	if err := mutate(s); err != nil {
		return nil, err
	}

	if err := m.persist(s); err != nil {
		return nil, err
	}

	m.notify(events.TypeSessionUpdated, s)
	return s, nil
}

// AppendMessage appends one message to the active branch.
func (m *Manager) AppendMessage(id string, msg Message) (*Session, error) {
	s, err := m.Update(id, func(s *Session) error {
		s.Append(msg)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if m.bus != nil {
		m.bus.Emit(events.TypeMessageAppended, id, msg)
	}
	return s, nil
}

// EditAndTruncate rewrites a user message and drops everything after it.
func (m *Manager) EditAndTruncate(id, messageID, newContent string) (*Session, error) {
	return m.Update(id, func(s *Session) error {
		return s.EditAndTruncate(messageID, newContent)
	})
}

// AddReaction sets a reaction on a message.
func (m *Manager) AddReaction(id, messageID, reaction string) (*Session, error) {
	return m.Update(id, func(s *Session) error {
		return s.SetReaction(messageID, reaction)
	})
}

// Rename changes a session's display name.
func (m *Manager) Rename(id, name string) (*Session, error) {
	return m.Update(id, func(s *Session) error {
		if name == "" {
			return fmt.Errorf("session name cannot be empty")
		}
		s.Name = name
		return nil
	})
}

// SetStatus records the session's run status.
func (m *Manager) SetStatus(id string, status Status) (*Session, error) {
	return m.Update(id, func(s *Session) error {
		s.Status = status
		return nil
	})
}

// CreateBranch forks the active branch at a message.
func (m *Manager) CreateBranch(id, name, forkMessageID string) (*Branch, error) {
	var branch *Branch
	_, err := m.Update(id, func(s *Session) error {
		var err error
		branch, err = s.CreateBranch(name, forkMessageID)
		return err
	})
	return branch, err
}

// SwitchBranch makes another branch active.
func (m *Manager) SwitchBranch(id, branchID string) (*Session, error) {
	return m.Update(id, func(s *Session) error {
		return s.SwitchBranch(branchID)
	})
}

// DeleteBranch removes an inactive branch.
func (m *Manager) DeleteBranch(id, branchID string) (*Session, error) {
	return m.Update(id, func(s *Session) error {
		return s.DeleteBranch(branchID)
	})
}

// Delete removes a session from disk and memory.
func (m *Manager) Delete(id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.Delete(id); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.sessions, id)
	delete(m.locks, id)
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(events.TypeSessionDeleted, id, nil)
	}
	logging.Info("session deleted", "session_id", id)
	return nil
}

// Cleanup removes old sessions by age and count, keeping keepID.
func (m *Manager) Cleanup(maxAge time.Duration, maxCount int, keepID string) (int, error) {
	return m.store.Cleanup(maxAge, maxCount, keepID)
}

// ValidateWorkspace re-checks a session's workspace binding. Runs must not
// start against a binding that has gone away.
func (m *Manager) ValidateWorkspace(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	_, err = workspace.Validate(s.WorkspacePath)
	return err
}

func (m *Manager) persist(s *Session) error {
	if !m.autoSave {
		return nil
	}
	return m.store.Save(s)
}

func (m *Manager) notify(eventType events.Type, s *Session) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(eventType, s.ID, Info{
		ID:            s.ID,
		Name:          s.Name,
		WorkspacePath: s.WorkspacePath,
		MessageCount:  s.MessageCount(),
		UpdatedAt:     s.UpdatedAt,
	})
}
