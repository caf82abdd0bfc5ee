package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	nberrors "github.com/netbirdio/otaclient/client/errors"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/contentstore"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/status"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/store"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/types"
)

// ErrFileRemoved is reported for an asset whose file disappeared before the update was committed
var ErrFileRemoved = errors.New("stored file was removed")

// Result describes the outcome of loading a manifest
type Result struct {
	Manifest *types.Manifest
	// Update is the stored update. It is nil when the manifest was not loaded.
	Update *types.Update
	// Adopted is set when a launchable update with the same id was already stored
	Adopted bool
	// Failed lists the assets that could not be stored
	Failed []*types.Asset
}

// Ready reports whether the loaded update can be launched
func (r *Result) Ready() bool {
	return r != nil && r.Update != nil && r.Update.Status.Launchable()
}

// fetchFunc stores the bytes of asset under relPath and returns their digest
type fetchFunc func(ctx context.Context, asset *types.Asset, relPath string) ([]byte, error)

// pipeline persists the update and the assets of a manifest
type pipeline struct {
	store       store.Store
	content     *contentstore.Store
	finalStatus types.UpdateStatus
	concurrency int
	fetch       fetchFunc
}

type assetOutcome struct {
	mu       sync.Mutex
	existing []*types.Asset
	finished []*types.Asset
	errored  []*types.Asset
	merr     *multierror.Error
}

func (o *assetOutcome) add(list *[]*types.Asset, a *types.Asset) {
	o.mu.Lock()
	defer o.mu.Unlock()
	*list = append(*list, a)
}

func (o *assetOutcome) fail(a *types.Asset, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errored = append(o.errored, a)
	o.merr = multierror.Append(o.merr, fmt.Errorf("asset %s: %w", a.URL, err))
}

// process stores the update of m. The returned error aggregates the asset failures; the result is
// valid whenever the update row was written.
func (p *pipeline) process(ctx context.Context, m *types.Manifest) (*Result, error) {
	update, adopted, err := p.prepareUpdate(ctx, m)
	if err != nil {
		return nil, err
	}
	res := &Result{Manifest: m, Update: update, Adopted: adopted}
	if adopted {
		log.Debugf("update %s is already %s, nothing to load", update.ID, update.Status)
		return res, nil
	}

	outcome := p.resolveAssets(ctx, m.AssetList())

	if err := p.commit(ctx, update, outcome); err != nil {
		return res, err
	}

	res.Failed = outcome.errored
	if len(outcome.errored) > 0 {
		log.Warnf("update %s stays %s, %d assets failed", update.ID, update.Status, len(outcome.errored))
	} else {
		log.Infof("update %s is %s", update.ID, update.Status)
	}

	return res, nberrors.FormatErrorOrNil(outcome.merr)
}

// prepareUpdate inserts the update of m or continues the stored one
func (p *pipeline) prepareUpdate(ctx context.Context, m *types.Manifest) (*types.Update, bool, error) {
	unlock := p.store.AcquireGlobalLock(ctx)
	defer unlock()

	existing, err := p.store.GetUpdate(ctx, m.ID)
	switch {
	case err == nil && existing.Status.Launchable():
		return existing, true, nil
	case err == nil:
		if existing.Status != types.StatusPending {
			if err := p.store.SetUpdateStatus(ctx, existing.ID, types.StatusPending); err != nil {
				return nil, false, err
			}
			existing.Status = types.StatusPending
		}
		log.Debugf("continuing partially loaded update %s", existing.ID)
		return existing, false, nil
	case status.IsNotFound(err):
		update := m.Update()
		if err := p.store.InsertUpdate(ctx, update); err != nil {
			return nil, false, err
		}
		return update, false, nil
	default:
		return nil, false, err
	}
}

// resolveAssets links files that are already stored and fetches the missing ones. Failures
// are collected per asset.
func (p *pipeline) resolveAssets(ctx context.Context, assets []*types.Asset) *assetOutcome {
	outcome := &assetOutcome{}

	g := errgroup.Group{}
	if p.concurrency > 0 {
		g.SetLimit(p.concurrency)
	}

	for _, asset := range assets {
		asset := asset
		relPath := contentstore.PathFor(asset)
		if p.content.Exists(relPath) {
			asset.RelativePath = relPath
			outcome.add(&outcome.existing, asset)
			continue
		}

		g.Go(func() error {
			digest, err := p.fetch(ctx, asset, relPath)
			if err != nil {
				log.Warnf("failed to load asset %s: %v", asset.URL, err)
				outcome.fail(asset, err)
				return nil
			}
			now := time.Now().UTC()
			asset.Hash = digest
			asset.RelativePath = relPath
			asset.DownloadTime = &now
			outcome.add(&outcome.finished, asset)
			return nil
		})
	}
	_ = g.Wait()

	return outcome
}

// commit links the existing assets, inserts the fetched ones and flips the update status when
// nothing failed
func (p *pipeline) commit(ctx context.Context, update *types.Update, outcome *assetOutcome) error {
	unlock := p.store.AcquireGlobalLock(ctx)
	defer unlock()

	// the lock was released while downloading, files may have been reaped in between
	outcome.existing = p.stillStored(outcome, outcome.existing)
	outcome.finished = p.stillStored(outcome, outcome.finished)

	for _, asset := range outcome.existing {
		found, err := p.store.AddExistingAssetToUpdate(ctx, update.ID, asset)
		if err != nil {
			outcome.fail(asset, err)
			continue
		}
		if found {
			continue
		}

		// the metadata store lost track of a stored file, index it again
		log.Debugf("indexing stored file %s of asset %s", asset.RelativePath, asset.URL)
		digest, err := p.content.HashFile(asset.RelativePath)
		if err != nil {
			outcome.fail(asset, fmt.Errorf("hash stored file: %w", err))
			continue
		}
		now := time.Now().UTC()
		asset.Hash = digest
		asset.DownloadTime = &now
		outcome.finished = append(outcome.finished, asset)
	}

	if err := p.store.InsertAssets(ctx, update.ID, outcome.finished); err != nil {
		return err
	}

	if len(outcome.errored) > 0 {
		return nil
	}

	if err := p.store.SetUpdateStatus(ctx, update.ID, p.finalStatus); err != nil {
		return err
	}
	update.Status = p.finalStatus
	return nil
}

// stillStored returns the assets whose file is on disk and fails the others
func (p *pipeline) stillStored(outcome *assetOutcome, assets []*types.Asset) []*types.Asset {
	stored := make([]*types.Asset, 0, len(assets))
	for _, asset := range assets {
		if !p.content.Exists(asset.RelativePath) {
			outcome.fail(asset, fmt.Errorf("%w: %s", ErrFileRemoved, asset.RelativePath))
			continue
		}
		stored = append(stored, asset)
	}
	return stored
}
