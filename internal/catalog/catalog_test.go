package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, root string, rel string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, nil, 0o644))
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	ckpt := filepath.Join(root, "checkpoints")
	loras := filepath.Join(root, "loras")

	touch(t, ckpt, "sdxl/base.safetensors")
	touch(t, ckpt, "anime.CKPT")
	touch(t, ckpt, "readme.txt")
	touch(t, loras, "detail.safetensors")
	touch(t, loras, "styles/ink.pt")
	touch(t, loras, "styles/preview.png")

	m, err := New(ckpt, loras).Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"anime.CKPT", "sdxl/base.safetensors"}, m.Checkpoints)
	assert.Equal(t, []string{"detail.safetensors", "styles/ink.pt"}, m.Loras)
}

func TestScan_MissingDirectories(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "nope"), "")

	m, err := c.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, m.Checkpoints)
	assert.NotNil(t, m.Checkpoints)
	assert.Empty(t, m.Loras)
}

func TestScan_CancelledContext(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "a.safetensors")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(root, root).Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsModelFile(t *testing.T) {
	for _, name := range []string{"x.safetensors", "x.ckpt", "x.pt", "x.pth", "x.bin", "x.sft", "X.SafeTensors"} {
		assert.True(t, isModelFile(name), name)
	}
	for _, name := range []string{"x.txt", "x", "safetensors", "x.png"} {
		assert.False(t, isModelFile(name), name)
	}
}

func TestSamplersAndSchedulersIncludeSeedDefaults(t *testing.T) {
	assert.Contains(t, Samplers(), "euler_ancestral")
	assert.Contains(t, Schedulers(), "karras")

	s := Samplers()
	s[0] = "mutated"
	assert.NotEqual(t, "mutated", Samplers()[0])
}
