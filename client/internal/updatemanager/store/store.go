package store

import (
	"context"

	"github.com/netbirdio/otaclient/client/internal/updatemanager/types"
)

// Store keeps updates, assets and the links between them. Callers serialize every
// read-modify-write sequence with AcquireGlobalLock.
type Store interface {
	// AcquireGlobalLock blocks until the store lock is held and returns a function that releases it.
	// The lock is not reentrant.
	AcquireGlobalLock(ctx context.Context) func()

	GetUpdate(ctx context.Context, updateID string) (*types.Update, error)
	// GetAllUpdates returns every update ordered by commit time
	GetAllUpdates(ctx context.Context) ([]*types.Update, error)
	// GetLaunchableUpdates returns the READY and EMBEDDED updates ordered by commit time
	GetLaunchableUpdates(ctx context.Context) ([]*types.Update, error)
	InsertUpdate(ctx context.Context, update *types.Update) error
	SetUpdateStatus(ctx context.Context, updateID string, status types.UpdateStatus) error
	// SaveUpdates persists the Status and Keep fields of the given updates
	SaveUpdates(ctx context.Context, updates []*types.Update) error

	// GetAssetsForUpdate returns the assets linked to the update that aren't marked for deletion
	GetAssetsForUpdate(ctx context.Context, updateID string) ([]*types.Asset, error)
	GetAssetByURL(ctx context.Context, url string) (*types.Asset, error)
	// InsertAssets creates or refreshes the assets by URL and links them to the update
	InsertAssets(ctx context.Context, updateID string, assets []*types.Asset) error
	// AddExistingAssetToUpdate links the stored asset with the same URL to the update. It returns
	// false when no such asset is stored.
	AddExistingAssetToUpdate(ctx context.Context, updateID string, asset *types.Asset) (bool, error)
	// UpdateAsset persists the hash, path and download time of a stored asset
	UpdateAsset(ctx context.Context, asset *types.Asset) error

	// MarkAndLoadAssetsForDeletion flags every asset not referenced by a kept or non UNUSED update
	// and returns the flagged assets
	MarkAndLoadAssetsForDeletion(ctx context.Context) ([]*types.Asset, error)
	DeleteAssets(ctx context.Context, assets []*types.Asset) error
	// DeleteUnusedUpdates removes UNUSED updates without Keep and returns how many were removed
	DeleteUnusedUpdates(ctx context.Context) (int64, error)

	// Close should close the store persisting all unsaved data.
	Close() error
}
