// Package catalog lists the model files and sampler names a generation
// host would offer for selection.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ModelExtensions are the file extensions recognised as model weights.
var ModelExtensions = []string{".safetensors", ".ckpt", ".pt", ".pth", ".bin", ".sft"}

var samplers = []string{
	"euler", "euler_cfg_pp", "euler_ancestral", "euler_ancestral_cfg_pp",
	"heun", "heunpp2", "dpm_2", "dpm_2_ancestral", "lms", "dpm_fast",
	"dpm_adaptive", "dpmpp_2s_ancestral", "dpmpp_sde", "dpmpp_sde_gpu",
	"dpmpp_2m", "dpmpp_2m_sde", "dpmpp_2m_sde_gpu", "dpmpp_3m_sde",
	"dpmpp_3m_sde_gpu", "ddpm", "lcm", "ipndm", "ipndm_v", "deis",
	"ddim", "uni_pc", "uni_pc_bh2",
}

var schedulers = []string{
	"normal", "karras", "exponential", "sgm_uniform", "simple",
	"ddim_uniform", "beta", "linear_quadratic", "kl_optimal",
}

// Samplers returns the known sampler names.
func Samplers() []string { return append([]string(nil), samplers...) }

// Schedulers returns the known scheduler names.
func Schedulers() []string { return append([]string(nil), schedulers...) }

// Models is the result of a catalog scan. Paths are relative to their
// model directory, slash separated and sorted.
type Models struct {
	Checkpoints []string `json:"checkpoints"`
	Loras       []string `json:"loras"`
}

// Catalog scans the configured checkpoint and LoRA directories.
type Catalog struct {
	CheckpointsDir string
	LorasDir       string
}

// New creates a Catalog. Either directory may be empty, which yields an
// empty list for that kind.
func New(checkpointsDir, lorasDir string) *Catalog {
	return &Catalog{CheckpointsDir: checkpointsDir, LorasDir: lorasDir}
}

// Scan lists both directories concurrently.
func (c *Catalog) Scan(ctx context.Context) (Models, error) {
	var m Models
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		m.Checkpoints, err = listModels(gctx, c.CheckpointsDir)
		if err != nil {
			return fmt.Errorf("scanning checkpoints: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		m.Loras, err = listModels(gctx, c.LorasDir)
		if err != nil {
			return fmt.Errorf("scanning loras: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Models{}, err
	}
	return m, nil
}

// Checkpoints lists checkpoint files.
func (c *Catalog) Checkpoints(ctx context.Context) ([]string, error) {
	return listModels(ctx, c.CheckpointsDir)
}

// Loras lists LoRA files.
func (c *Catalog) Loras(ctx context.Context) ([]string, error) {
	return listModels(ctx, c.LorasDir)
}

func listModels(ctx context.Context, root string) ([]string, error) {
	names := []string{}
	if root == "" {
		return names, nil
	}
	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		return names, nil
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !isModelFile(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func isModelFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range ModelExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
