package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSaveAndLoad(t *testing.T) {
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)

	s := New("demo", "/tmp/ws")
	s.Append(NewMessage(RoleUser, "hello"))
	require.NoError(t, st.Save(s))

	loaded, err := st.Load(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, loaded.ID)
	assert.Equal(t, "demo", loaded.Name)
	require.Len(t, loaded.Messages(), 1)
	assert.Equal(t, "hello", loaded.Messages()[0].Content)
}

func TestStoreLoadMissing(t *testing.T) {
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = st.Load("nope")
	assert.Error(t, err)
}

func TestStoreListNewestFirst(t *testing.T) {
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)

	old := New("old", "/tmp/ws")
	old.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, st.Save(old))

	recent := New("recent", "/tmp/ws")
	require.NoError(t, st.Save(recent))

	infos, err := st.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "recent", infos[0].Name)
	assert.Equal(t, "old", infos[1].Name)
}

func TestStoreDelete(t *testing.T) {
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)

	s := New("demo", "/tmp/ws")
	require.NoError(t, st.Save(s))
	require.NoError(t, st.Delete(s.ID))

	_, err = st.Load(s.ID)
	assert.Error(t, err)

	// Deleting again is not an error.
	assert.NoError(t, st.Delete(s.ID))
}

func TestStoreCleanup(t *testing.T) {
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)

	stale := New("stale", "/tmp/ws")
	stale.UpdatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, st.Save(stale))

	keep := New("keep", "/tmp/ws")
	require.NoError(t, st.Save(keep))

	deleted, err := st.Cleanup(24*time.Hour, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	infos, err := st.List()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "keep", infos[0].Name)
}

func TestStoreCleanupCountLimit(t *testing.T) {
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		s := New("s", "/tmp/ws")
		s.UpdatedAt = time.Now().Add(-time.Duration(i) * time.Minute)
		require.NoError(t, st.Save(s))
	}

	deleted, err := st.Cleanup(0, 3, "")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	infos, err := st.List()
	require.NoError(t, err)
	assert.Len(t, infos, 3)
}

func TestStoreCleanupKeepsProtectedSession(t *testing.T) {
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)

	protected := New("protected", "/tmp/ws")
	protected.UpdatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, st.Save(protected))

	deleted, err := st.Cleanup(24*time.Hour, 10, protected.ID)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
