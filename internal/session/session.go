package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusError   Status = "error"
)

// Role identifies a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MainBranch is the branch every session starts with. It cannot be deleted.
const MainBranch = "main"

// ToolCallRecord captures one tool invocation and its outcome inside an
// assistant turn.
type ToolCallRecord struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Args    map[string]any `json:"args,omitempty"`
	Content string         `json:"content,omitempty"`
	Success bool           `json:"success"`
	Cached  bool           `json:"cached,omitempty"`
}

// Message is one conversation turn. Messages are append-only except for
// reaction updates and edit-and-truncate.
type Message struct {
	ID          string           `json:"id"`
	Role        Role             `json:"role"`
	Content     string           `json:"content"`
	Attachments []string         `json:"attachments,omitempty"`
	ToolCalls   []ToolCallRecord `json:"tool_calls,omitempty"`
	ToolCallID  string           `json:"tool_call_id,omitempty"`
	ToolName    string           `json:"tool_name,omitempty"`
	Reaction    string           `json:"reaction,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// NewMessage creates a message with a fresh ID.
func NewMessage(role Role, content string) Message {
	now := time.Now()
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Branch is a named line of conversation. Each branch materializes its full
// message list; forking copies the prefix up to the fork point.
type Branch struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ForkMessageID string    `json:"fork_message_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Messages      []Message `json:"messages"`
}

// Session is a persisted conversation bound to a workspace.
type Session struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	WorkspacePath string             `json:"workspace_path"`
	Provider      string             `json:"provider,omitempty"`
	Model         string             `json:"model,omitempty"`
	Status        Status             `json:"status"`
	Branches      map[string]*Branch `json:"branches"`
	ActiveBranch  string             `json:"active_branch"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// New creates a session with an empty main branch.
func New(name, workspacePath string) *Session {
	now := time.Now()
	return &Session{
		ID:            uuid.NewString(),
		Name:          name,
		WorkspacePath: workspacePath,
		Status:        StatusIdle,
		Branches: map[string]*Branch{
			MainBranch: {
				ID:        MainBranch,
				Name:      MainBranch,
				CreatedAt: now,
			},
		},
		ActiveBranch: MainBranch,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy of the session. Readers running outside the
// manager's per-session lock must work on a clone; the live session is
// mutated in place by writers holding that lock.
func (s *Session) Clone() *Session {
	out := *s
	out.Branches = make(map[string]*Branch, len(s.Branches))
	for id, b := range s.Branches {
		nb := *b
		nb.Messages = make([]Message, len(b.Messages))
		copy(nb.Messages, b.Messages)
		out.Branches[id] = &nb
	}
	return &out
}

// touched updates the modification timestamp.
func (s *Session) touched() {
	s.UpdatedAt = time.Now()
}

// activeBranch returns the branch new messages land on.
func (s *Session) activeBranch() *Branch {
	return s.Branches[s.ActiveBranch]
}

// Messages returns a copy of the active branch's message list.
func (s *Session) Messages() []Message {
	branch := s.activeBranch()
	if branch == nil {
		return nil
	}
	out := make([]Message, len(branch.Messages))
	copy(out, branch.Messages)
	return out
}

// MessageCount returns the number of messages on the active branch.
func (s *Session) MessageCount() int {
	branch := s.activeBranch()
	if branch == nil {
		return 0
	}
	return len(branch.Messages)
}

// Append adds a message to the active branch.
func (s *Session) Append(msg Message) {
	branch := s.activeBranch()
	if branch == nil {
		return
	}
	branch.Messages = append(branch.Messages, msg)
	s.touched()
}

// EditAndTruncate rewrites a user message and drops every later message on
// the active branch. Used for edit-and-resend.
func (s *Session) EditAndTruncate(messageID, newContent string) error {
	branch := s.activeBranch()
	if branch == nil {
		return fmt.Errorf("no active branch")
	}

	for i := range branch.Messages {
		if branch.Messages[i].ID != messageID {
			continue
		}
		if branch.Messages[i].Role != RoleUser {
			return fmt.Errorf("only user messages can be edited")
		}
		branch.Messages[i].Content = newContent
		branch.Messages[i].UpdatedAt = time.Now()
		branch.Messages = branch.Messages[:i+1]
		s.touched()
		return nil
	}

	return fmt.Errorf("message not found: %s", messageID)
}

// SetReaction sets or clears a reaction on a message in the active branch.
func (s *Session) SetReaction(messageID, reaction string) error {
	branch := s.activeBranch()
	if branch == nil {
		return fmt.Errorf("no active branch")
	}

	for i := range branch.Messages {
		if branch.Messages[i].ID == messageID {
			branch.Messages[i].Reaction = reaction
			branch.Messages[i].UpdatedAt = time.Now()
			s.touched()
			return nil
		}
	}

	return fmt.Errorf("message not found: %s", messageID)
}

// CreateBranch forks the active branch at a message. The new branch gets a
// copy of all messages up to and including the fork point. An empty fork
// message ID forks the whole branch.
func (s *Session) CreateBranch(name, forkMessageID string) (*Branch, error) {
	source := s.activeBranch()
	if source == nil {
		return nil, fmt.Errorf("no active branch")
	}

	cut := len(source.Messages)
	if forkMessageID != "" {
		cut = -1
		for i := range source.Messages {
			if source.Messages[i].ID == forkMessageID {
				cut = i + 1
				break
			}
		}
		if cut < 0 {
			return nil, fmt.Errorf("fork message not found: %s", forkMessageID)
		}
	}

	branch := &Branch{
		ID:            uuid.NewString(),
		Name:          name,
		ForkMessageID: forkMessageID,
		CreatedAt:     time.Now(),
		Messages:      make([]Message, cut),
	}
	copy(branch.Messages, source.Messages[:cut])

	s.Branches[branch.ID] = branch
	s.touched()
	return branch, nil
}

// SwitchBranch makes another branch active.
func (s *Session) SwitchBranch(branchID string) error {
	if _, ok := s.Branches[branchID]; !ok {
		return fmt.Errorf("branch not found: %s", branchID)
	}
	s.ActiveBranch = branchID
	s.touched()
	return nil
}

// DeleteBranch removes a branch. The active branch and the main branch
// cannot be deleted.
func (s *Session) DeleteBranch(branchID string) error {
	if branchID == s.ActiveBranch {
		return fmt.Errorf("cannot delete the active branch")
	}
	if branchID == MainBranch {
		return fmt.Errorf("cannot delete the main branch")
	}
	if _, ok := s.Branches[branchID]; !ok {
		return fmt.Errorf("branch not found: %s", branchID)
	}
	delete(s.Branches, branchID)
	s.touched()
	return nil
}
