package reaper

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	nberrors "github.com/netbirdio/otaclient/client/errors"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/policy"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/store"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/types"
)

// FileRemover deletes stored asset files
type FileRemover interface {
	Remove(relPath string) error
}

// Stats summarizes a reaper run
type Stats struct {
	// Marked is the number of assets found unreferenced
	Marked int
	// Deleted is the number of assets whose file and row were removed
	Deleted int
	// Failed is the number of assets left marked for the next run
	Failed int
	// UpdatesDeleted is the number of removed update rows
	UpdatesDeleted int64
}

// Reap retires the updates superseded by launched and reclaims the files no remaining update
// references. Files that can't be deleted stay marked and are retried by the next run.
func Reap(ctx context.Context, s store.Store, files FileRemover, launched *types.Update, p policy.SelectionPolicy) (Stats, error) {
	var stats Stats
	if launched == nil {
		log.Debugf("tried to reap while no update was launched, aborting")
		return stats, nil
	}

	unlock := s.AcquireGlobalLock(ctx)
	defer unlock()

	updates, err := s.GetAllUpdates(ctx)
	if err != nil {
		return stats, fmt.Errorf("load updates: %w", err)
	}

	touched := p.MarkUpdatesForDeletion(updates, launched)
	touched = append(touched, releaseStaleKeeps(updates, touched, launched)...)
	if err := s.SaveUpdates(ctx, touched); err != nil {
		return stats, fmt.Errorf("save marked updates: %w", err)
	}

	assets, err := s.MarkAndLoadAssetsForDeletion(ctx)
	if err != nil {
		return stats, fmt.Errorf("mark assets: %w", err)
	}
	stats.Marked = len(assets)

	var deleted, errored []*types.Asset
	for _, asset := range assets {
		if !asset.MarkedForDeletion {
			log.Errorf("tried to delete asset %s but it was not marked for deletion", asset.URL)
			continue
		}
		if err := files.Remove(asset.RelativePath); err != nil {
			log.Debugf("failed to delete asset %s: %v", asset.URL, err)
			errored = append(errored, asset)
			continue
		}
		deleted = append(deleted, asset)
	}

	// retry failed deletions once
	var merr *multierror.Error
	for _, asset := range errored {
		if err := files.Remove(asset.RelativePath); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("asset %s: %w", asset.URL, err))
			continue
		}
		deleted = append(deleted, asset)
	}
	if err := nberrors.FormatErrorOrNil(merr); err != nil {
		log.Warnf("assets left for the next run: %v", err)
		stats.Failed = merr.Len()
	}

	if err := s.DeleteAssets(ctx, deleted); err != nil {
		return stats, fmt.Errorf("delete assets: %w", err)
	}
	stats.Deleted = len(deleted)

	stats.UpdatesDeleted, err = s.DeleteUnusedUpdates(ctx)
	if err != nil {
		return stats, fmt.Errorf("delete unused updates: %w", err)
	}

	log.Infof("reaped %d updates and %d assets, %d assets left", stats.UpdatesDeleted, stats.Deleted, stats.Failed)
	return stats, nil
}

// releaseStaleKeeps clears Keep on updates other than launched so that only the launched update
// stays protected
func releaseStaleKeeps(updates, touched []*types.Update, launched *types.Update) []*types.Update {
	seen := make(map[string]struct{}, len(touched))
	for _, u := range touched {
		seen[u.ID] = struct{}{}
	}

	var released []*types.Update
	for _, u := range updates {
		if _, ok := seen[u.ID]; ok || u.ID == launched.ID || !u.Keep {
			continue
		}
		u.Keep = false
		released = append(released, u)
	}
	return released
}
