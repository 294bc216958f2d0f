package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, s.Put(ctx, "k", []byte("v1")))
	require.NoError(t, s.Put(ctx, "k", []byte("v2")))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v2", string(got))

	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	storeContract(t, s)
	require.NoError(t, s.Close())
	_, err := s.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrClosed)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	s, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	storeContract(t, s)
	require.NoError(t, s.Close())
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chat.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	repo := NewRepository(s)
	require.NoError(t, repo.Write(ctx, sampleSet()))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	got, err := NewRepository(s).Read(ctx)
	require.NoError(t, err)
	require.Equal(t, sampleSet(), got)
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFileStore(dir)
	require.NoError(t, err)
	storeContract(t, s)

	require.NoError(t, s.Put(context.Background(), KeyConversations, []byte("[]")))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files may be left behind")
	require.Equal(t, KeyConversations+".json", entries[0].Name())
	require.NoError(t, s.Close())
}

func TestFileStore_WatchReportsForeignWrites(t *testing.T) {
	dir := t.TempDir()
	mine, err := OpenFileStore(dir)
	require.NoError(t, err)
	defer mine.Close()
	theirs, err := OpenFileStore(dir)
	require.NoError(t, err)
	defer theirs.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan string, 16)
	done := make(chan error, 1)
	go func() { done <- mine.Watch(ctx, func(key string) { changed <- key }) }()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, mine.Put(ctx, KeyConversations, []byte(`["mine"]`)))
	require.NoError(t, theirs.Put(ctx, KeyConversations, []byte(`["theirs"]`)))

	select {
	case key := <-changed:
		require.Equal(t, KeyConversations, key)
	case <-time.After(3 * time.Second):
		t.Fatal("foreign write was not reported")
	}

	cancel()
	require.NoError(t, <-done)
}
