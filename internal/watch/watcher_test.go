package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weirdion/weirdion/internal/profile"
)

func TestTranslate(t *testing.T) {
	w := &Watcher{files: map[string]bool{profile.DefaultFile: true, profile.UserFile: true}}

	tests := []struct {
		name   string
		ev     fsnotify.Event
		want   Event
		wantOK bool
	}{
		{"create user", fsnotify.Event{Name: "/c/" + profile.UserFile, Op: fsnotify.Create}, Event{profile.UserFile, OpCreated}, true},
		{"write default", fsnotify.Event{Name: "/c/" + profile.DefaultFile, Op: fsnotify.Write}, Event{profile.DefaultFile, OpModified}, true},
		{"remove user", fsnotify.Event{Name: "/c/" + profile.UserFile, Op: fsnotify.Remove}, Event{profile.UserFile, OpRemoved}, true},
		{"rename away", fsnotify.Event{Name: "/c/" + profile.UserFile, Op: fsnotify.Rename}, Event{profile.UserFile, OpRemoved}, true},
		{"chmod only", fsnotify.Event{Name: "/c/" + profile.UserFile, Op: fsnotify.Chmod}, Event{}, false},
		{"temp file", fsnotify.Event{Name: "/c/" + profile.UserFile + ".123.tmp", Op: fsnotify.Create}, Event{}, false},
		{"unrelated", fsnotify.Event{Name: "/c/notes.txt", Op: fsnotify.Write}, Event{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := w.translate(tt.ev)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWatch_ReportsProfileSaves(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "config")
	w, err := New(dir)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := w.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))
	store := profile.NewStore(dir)
	require.NoError(t, store.SaveUserProfiles(profile.NewUserDocument()))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			assert.NotEqual(t, "other.txt", ev.File)
			if ev.File == profile.UserFile {
				return
			}
		case <-deadline:
			t.Fatal("no event for the user profile document")
		}
	}
}

func TestWatch_ChannelClosesOnCancel(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	events, err := w.Watch(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}
}
