package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tandem/internal/fileutil"
	"tandem/internal/logging"
)

// Info is a summary of a stored session, cheap enough to list.
type Info struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	WorkspacePath string    `json:"workspace_path"`
	MessageCount  int       `json:"message_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store persists sessions as one JSON file per session.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (st *Store) Dir() string {
	return st.dir
}

func (st *Store) path(id string) string {
	return filepath.Join(st.dir, id+".json")
}

// Save writes a session atomically.
func (st *Store) Save(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := fileutil.AtomicWrite(st.path(s.ID), data, 0600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}

	logging.Debug("session saved", "session_id", s.ID, "messages", s.MessageCount())
	return nil
}

// Load reads one session by ID.
func (st *Store) Load(id string) (*Session, error) {
	data, err := os.ReadFile(st.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session not found: %s", id)
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}

	// Older files may predate branching.
	if s.Branches == nil {
		s.Branches = map[string]*Branch{
			MainBranch: {ID: MainBranch, Name: MainBranch, CreatedAt: s.CreatedAt},
		}
	}
	if s.ActiveBranch == "" {
		s.ActiveBranch = MainBranch
	}

	return &s, nil
}

// Delete removes a session file.
func (st *Store) Delete(id string) error {
	if err := os.Remove(st.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}

// List returns summaries of all stored sessions, newest first.
func (st *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read session dir: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		id := strings.TrimSuffix(entry.Name(), ".json")
		s, err := st.Load(id)
		if err != nil {
			logging.Debug("skipping unreadable session file", "file", entry.Name(), "error", err)
			continue
		}

		infos = append(infos, Info{
			ID:            s.ID,
			Name:          s.Name,
			WorkspacePath: s.WorkspacePath,
			MessageCount:  s.MessageCount(),
			UpdatedAt:     s.UpdatedAt,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos, nil
}

// Cleanup removes sessions past the age limit and trims the total count,
// keeping the newest. The session named by keepID is never removed.
func (st *Store) Cleanup(maxAge time.Duration, maxCount int, keepID string) (int, error) {
	infos, err := st.List()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	for i, info := range infos {
		if info.ID == keepID {
			continue
		}

		tooOld := maxAge > 0 && info.UpdatedAt.Before(cutoff)
		overCount := maxCount > 0 && i >= maxCount

		if tooOld || overCount {
			if err := st.Delete(info.ID); err != nil {
				logging.Debug("failed to delete old session", "session_id", info.ID, "error", err)
				continue
			}
			deleted++
		}
	}

	if deleted > 0 {
		logging.Info("cleaned up old sessions", "deleted", deleted)
	}
	return deleted, nil
}
