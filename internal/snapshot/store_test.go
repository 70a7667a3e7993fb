package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		Cookies: []Cookie{
			{Name: "sid", Value: "abc123", Domain: ".example.test", Path: "/", Expires: 1893456000, HTTPOnly: true, Secure: true, SameSite: "Lax"},
			{Name: "theme", Value: "dark", Domain: "example.test", Path: "/", Expires: -1},
		},
		Storage: []OriginStorage{
			{Origin: "https://example.test", LocalStorage: []NameValue{{Name: "token", Value: "t-1"}}},
		},
		SavedAt: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC),
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewStore(filepath.Join(t.TempDir(), "nested", "session.json"), nil)
	want := sampleSnapshot()

	require.NoError(t, store.Save(context.Background(), want))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(snapshotMode), info.Mode().Perm())
}

func TestStoreSaveLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "session.json"), nil)

	require.NoError(t, store.Save(context.Background(), sampleSnapshot()))
	require.NoError(t, store.Save(context.Background(), &Snapshot{}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "session.json", entries[0].Name())
}

func TestStoreLoadMissingIsNotFound(t *testing.T) {
	t.Parallel()

	store := NewStore(filepath.Join(t.TempDir(), "session.json"), nil)

	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreLoadMalformedWarnsAndKeepsFile(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	store := NewStore(path, zap.New(core))

	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, logs.FilterMessage("ignoring malformed session snapshot").Len())

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "corrupt snapshot must stay on disk")
}

func TestStoreClearIsIdempotent(t *testing.T) {
	t.Parallel()

	store := NewStore(filepath.Join(t.TempDir(), "session.json"), nil)
	require.NoError(t, store.Save(context.Background(), sampleSnapshot()))

	existed, err := store.Clear(context.Background())
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = store.Clear(context.Background())
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = store.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreSaveFailsWhenDirectoryCannotBeCreated(t *testing.T) {
	t.Parallel()

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	// parent is a regular file so MkdirAll fails
	store := NewStore(filepath.Join(blocker, "session.json"), zap.NewNop())
	assert.Error(t, store.Save(context.Background(), sampleSnapshot()))
}

func TestSnapshotEmpty(t *testing.T) {
	t.Parallel()

	var nilSnap *Snapshot
	assert.True(t, nilSnap.Empty())
	assert.True(t, (&Snapshot{}).Empty())
	assert.False(t, sampleSnapshot().Empty())
}
