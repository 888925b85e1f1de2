package history

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weirdion/weirdion/internal/profile"
	"github.com/weirdion/weirdion/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func recordN(t *testing.T, s *storage.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, s.RecordRevision([]byte(fmt.Sprintf(`{"n":%d}`, i)), i))
	}
}

type countingStore struct {
	calls atomic.Int32
	err   error
}

func (c *countingStore) PruneRevisions(keep int) (int64, error) {
	c.calls.Add(1)
	return 0, c.err
}

func (c *countingStore) GetRevision(id string) (storage.Revision, error) {
	return storage.Revision{}, storage.ErrNotFound
}

func TestPrunerRunOnce(t *testing.T) {
	s := openTestStore(t)
	recordN(t, s, 5)

	p := NewPruner(s, 3, time.Minute)
	removed, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	n, err := s.CountRevisions()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPrunerRunOnce_KeepZeroDisables(t *testing.T) {
	c := &countingStore{}
	p := NewPruner(c, 0, time.Minute)

	removed, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Zero(t, c.calls.Load())
}

func TestPrunerRunOnce_StoreError(t *testing.T) {
	c := &countingStore{err: errors.New("disk full")}
	p := NewPruner(c, 1, time.Minute)

	_, err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestPrunerRun_StopsOnCancel(t *testing.T) {
	c := &countingStore{}
	p := NewPruner(c, 1, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return c.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRestore(t *testing.T) {
	s := openTestStore(t)
	profiles := profile.NewStoreWithRecorder(t.TempDir(), s)

	first := profile.NewUserDocument()
	first.Profiles["A"] = profile.Seed()
	require.NoError(t, profiles.SaveUserProfiles(first))

	second := profile.NewUserDocument()
	second.Profiles["B"] = profile.Seed()
	require.NoError(t, profiles.SaveUserProfiles(second))

	revs, err := s.ListRevisions(10, 0)
	require.NoError(t, err)
	require.Len(t, revs, 2)
	oldest := revs[1].ID

	doc, err := Restore(s, profiles, oldest)
	require.NoError(t, err)
	assert.Contains(t, doc.Profiles, "A")

	current, err := profiles.LoadUserProfiles()
	require.NoError(t, err)
	assert.Contains(t, current.Profiles, "A")
	assert.NotContains(t, current.Profiles, "B")

	n, err := s.CountRevisions()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRestore_UnknownRevision(t *testing.T) {
	profiles := profile.NewStore(t.TempDir())

	_, err := Restore(&countingStore{}, profiles, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRestore_InvalidStoredDocument(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RecordRevision([]byte(`{"profiles": []}`), 0))
	revs, err := s.ListRevisions(1, 0)
	require.NoError(t, err)

	dir := t.TempDir()
	profiles := profile.NewStore(dir)
	_, err = Restore(s, profiles, revs[0].ID)
	assert.ErrorIs(t, err, profile.ErrInvalid)
}
