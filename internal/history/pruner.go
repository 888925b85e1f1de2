// Package history keeps the revision log of the user profile document
// bounded and restores earlier revisions.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/weirdion/weirdion/internal/profile"
	"github.com/weirdion/weirdion/internal/storage"
)

// RevisionStore abstracts the revision operations of storage.Store.
type RevisionStore interface {
	PruneRevisions(keep int) (int64, error)
	GetRevision(id string) (storage.Revision, error)
}

// Pruner periodically trims the revision log to the newest keep entries.
type Pruner struct {
	store    RevisionStore
	keep     int
	interval time.Duration
	logger   *slog.Logger
}

// NewPruner creates a Pruner. If interval is <= 0, it defaults to one hour.
func NewPruner(store RevisionStore, keep int, interval time.Duration) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Pruner{
		store:    store,
		keep:     keep,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Run prunes once immediately and then on every interval until ctx is
// cancelled.
func (p *Pruner) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx); err != nil {
			p.logger.Error("revision prune failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single prune and returns the number of revisions
// removed. keep <= 0 leaves the log untouched.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if p.keep <= 0 {
		return 0, nil
	}
	removed, err := p.store.PruneRevisions(p.keep)
	if err != nil {
		return 0, fmt.Errorf("pruning to %d revisions: %w", p.keep, err)
	}
	if removed > 0 {
		p.logger.Info("pruned profile revisions", "removed", removed, "keep", p.keep)
	}
	return removed, nil
}

// Restore validates the document stored in revision id and saves it as the
// current user document. The restore itself becomes a new revision.
func Restore(revs RevisionStore, profiles *profile.Store, id string) (profile.UserDocument, error) {
	rev, err := revs.GetRevision(id)
	if err != nil {
		return profile.UserDocument{}, fmt.Errorf("loading revision %s: %w", id, err)
	}
	doc, err := profile.DecodeUserDocument([]byte(rev.Document))
	if err != nil {
		return profile.UserDocument{}, fmt.Errorf("revision %s: %w", id, err)
	}
	if err := profiles.SaveUserProfiles(doc); err != nil {
		return profile.UserDocument{}, err
	}
	return doc, nil
}
