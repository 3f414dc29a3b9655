package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionStartsOnMainBranch(t *testing.T) {
	s := New("demo", "/tmp/ws")

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, StatusIdle, s.Status)
	assert.Equal(t, MainBranch, s.ActiveBranch)
	require.Contains(t, s.Branches, MainBranch)
	assert.Empty(t, s.Messages())
}

func TestSessionAppend(t *testing.T) {
	s := New("demo", "/tmp/ws")

	s.Append(NewMessage(RoleUser, "hello"))
	s.Append(NewMessage(RoleAssistant, "hi"))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[1].Content)
}

func TestSessionEditAndTruncate(t *testing.T) {
	s := New("demo", "/tmp/ws")

	first := NewMessage(RoleUser, "original question")
	s.Append(first)
	s.Append(NewMessage(RoleAssistant, "answer"))
	s.Append(NewMessage(RoleUser, "follow-up"))

	require.NoError(t, s.EditAndTruncate(first.ID, "better question"))

	msgs := s.Messages()
	require.Len(t, msgs, 1, "messages after the edited one must be dropped")
	assert.Equal(t, "better question", msgs[0].Content)
}

func TestSessionEditAndTruncateRejectsNonUser(t *testing.T) {
	s := New("demo", "/tmp/ws")

	reply := NewMessage(RoleAssistant, "answer")
	s.Append(NewMessage(RoleUser, "question"))
	s.Append(reply)

	assert.Error(t, s.EditAndTruncate(reply.ID, "edited"))
	assert.Error(t, s.EditAndTruncate("no-such-id", "edited"))
	assert.Len(t, s.Messages(), 2)
}

func TestSessionReaction(t *testing.T) {
	s := New("demo", "/tmp/ws")

	msg := NewMessage(RoleAssistant, "answer")
	s.Append(msg)

	require.NoError(t, s.SetReaction(msg.ID, "+1"))
	assert.Equal(t, "+1", s.Messages()[0].Reaction)

	// Clearing works too.
	require.NoError(t, s.SetReaction(msg.ID, ""))
	assert.Empty(t, s.Messages()[0].Reaction)
}

func TestSessionBranchForkCopiesPrefix(t *testing.T) {
	s := New("demo", "/tmp/ws")

	q := NewMessage(RoleUser, "q")
	a := NewMessage(RoleAssistant, "a")
	s.Append(q)
	s.Append(a)
	s.Append(NewMessage(RoleUser, "later"))

	branch, err := s.CreateBranch("alt", a.ID)
	require.NoError(t, err)
	require.Len(t, branch.Messages, 2, "fork copies messages up to and including the fork point")

	require.NoError(t, s.SwitchBranch(branch.ID))
	assert.Len(t, s.Messages(), 2)

	// The new branch diverges without touching main.
	s.Append(NewMessage(RoleUser, "different direction"))
	require.NoError(t, s.SwitchBranch(MainBranch))
	assert.Len(t, s.Messages(), 3)
}

func TestSessionBranchForkUnknownMessage(t *testing.T) {
	s := New("demo", "/tmp/ws")
	_, err := s.CreateBranch("alt", "missing")
	assert.Error(t, err)
}

func TestSessionDeleteBranchRules(t *testing.T) {
	s := New("demo", "/tmp/ws")

	branch, err := s.CreateBranch("alt", "")
	require.NoError(t, err)

	// Neither the active branch nor main can be deleted.
	assert.Error(t, s.DeleteBranch(MainBranch))

	require.NoError(t, s.SwitchBranch(branch.ID))
	assert.Error(t, s.DeleteBranch(branch.ID))

	require.NoError(t, s.SwitchBranch(MainBranch))
	require.NoError(t, s.DeleteBranch(branch.ID))
	assert.NotContains(t, s.Branches, branch.ID)
}
