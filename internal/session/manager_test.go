package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessionManager(t *testing.T) *Manager {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return NewManager(store, nil, true)
}

func TestManagerSnapshotIsDetachedCopy(t *testing.T) {
	m := newTestSessionManager(t)

	s, err := m.Create("demo", t.TempDir())
	require.NoError(t, err)

	msg := NewMessage(RoleUser, "hello")
	_, err = m.AppendMessage(s.ID, msg)
	require.NoError(t, err)

	snap, err := m.Snapshot(s.ID)
	require.NoError(t, err)
	require.Len(t, snap.Messages(), 1)

	// Later mutations do not show up in the snapshot.
	_, err = m.AppendMessage(s.ID, NewMessage(RoleAssistant, "hi"))
	require.NoError(t, err)
	_, err = m.AddReaction(s.ID, msg.ID, "+1")
	require.NoError(t, err)

	assert.Len(t, snap.Messages(), 1)
	assert.Empty(t, snap.Messages()[0].Reaction)
}

// Readers hold snapshots, never the live session, so concurrent command
// mutations must not race with an in-flight reader.
func TestManagerSnapshotSafeDuringConcurrentMutation(t *testing.T) {
	m := newTestSessionManager(t)

	s, err := m.Create("demo", t.TempDir())
	require.NoError(t, err)

	msg := NewMessage(RoleUser, "hello")
	_, err = m.AppendMessage(s.ID, msg)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			m.AddReaction(s.ID, msg.ID, "+1")
			m.AppendMessage(s.ID, NewMessage(RoleAssistant, "reply"))
			m.Rename(s.ID, "renamed")
		}
	}()

	for i := 0; i < 100; i++ {
		snap, err := m.Snapshot(s.ID)
		require.NoError(t, err)
		for _, message := range snap.Messages() {
			_ = message.Content
			_ = message.Reaction
		}
	}
	<-done
}
