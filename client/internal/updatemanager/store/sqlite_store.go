package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/netbirdio/otaclient/client/internal/updatemanager/status"
	"github.com/netbirdio/otaclient/client/internal/updatemanager/types"
)

const storeFileName = "updates.db"

// SqliteStore is a Store backed by a Sqlite DB persisted to disk
type SqliteStore struct {
	db         *gorm.DB
	storeFile  string
	globalLock sync.Mutex
}

// NewSqliteStore opens or creates the metadata database located in dataDir
func NewSqliteStore(dataDir string) (*SqliteStore, error) {
	file := filepath.Join(dataDir, storeFileName)
	db, err := gorm.Open(sqlite.Open(file), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", file, err)
	}

	sql, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway, a single connection keeps transactions from locking each other out
	sql.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&types.Update{}, &types.Asset{}, &types.UpdateAsset{}); err != nil {
		_ = sql.Close()
		return nil, fmt.Errorf("migrate %s: %w", file, err)
	}

	return &SqliteStore{db: db, storeFile: file}, nil
}

// AcquireGlobalLock acquires the store lock and returns a function that releases it
func (s *SqliteStore) AcquireGlobalLock(_ context.Context) (unlock func()) {
	log.Debugf("acquiring global lock")
	start := time.Now()
	s.globalLock.Lock()

	unlock = func() {
		s.globalLock.Unlock()
		log.Debugf("released global lock in %v", time.Since(start))
	}

	log.Debugf("took %v to acquire global lock", time.Since(start))

	return unlock
}

func (s *SqliteStore) GetUpdate(ctx context.Context, updateID string) (*types.Update, error) {
	var update types.Update
	result := s.db.WithContext(ctx).First(&update, "id = ?", updateID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, status.NewUpdateNotFoundError(updateID)
		}
		return nil, status.Errorf(status.Internal, "get update %s: %v", updateID, result.Error)
	}
	return &update, nil
}

func (s *SqliteStore) GetAllUpdates(ctx context.Context) ([]*types.Update, error) {
	var updates []*types.Update
	result := s.db.WithContext(ctx).Order("commit_time, id").Find(&updates)
	if result.Error != nil {
		return nil, status.Errorf(status.Internal, "get updates: %v", result.Error)
	}
	return updates, nil
}

func (s *SqliteStore) GetLaunchableUpdates(ctx context.Context) ([]*types.Update, error) {
	var updates []*types.Update
	result := s.db.WithContext(ctx).
		Where("status IN ?", []types.UpdateStatus{types.StatusReady, types.StatusEmbedded}).
		Order("commit_time, id").
		Find(&updates)
	if result.Error != nil {
		return nil, status.Errorf(status.Internal, "get launchable updates: %v", result.Error)
	}
	return updates, nil
}

func (s *SqliteStore) InsertUpdate(ctx context.Context, update *types.Update) error {
	result := s.db.WithContext(ctx).Create(update)
	if result.Error != nil {
		return status.Errorf(status.Internal, "insert update %s: %v", update.ID, result.Error)
	}
	return nil
}

func (s *SqliteStore) SetUpdateStatus(ctx context.Context, updateID string, updateStatus types.UpdateStatus) error {
	result := s.db.WithContext(ctx).Model(&types.Update{}).Where("id = ?", updateID).Update("status", updateStatus)
	if result.Error != nil {
		return status.Errorf(status.Internal, "set status of update %s: %v", updateID, result.Error)
	}
	if result.RowsAffected == 0 {
		return status.NewUpdateNotFoundError(updateID)
	}
	return nil
}

func (s *SqliteStore) SaveUpdates(ctx context.Context, updates []*types.Update) error {
	if len(updates) == 0 {
		return nil
	}

	start := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range updates {
			result := tx.Model(&types.Update{}).Where("id = ?", u.ID).
				Updates(map[string]interface{}{"status": u.Status, "keep": u.Keep})
			if result.Error != nil {
				return result.Error
			}
		}
		return nil
	})
	log.Debugf("took %d ms to persist %d updates", time.Since(start).Milliseconds(), len(updates))
	if err != nil {
		return status.Errorf(status.Internal, "save updates: %v", err)
	}
	return nil
}

func (s *SqliteStore) GetAssetsForUpdate(ctx context.Context, updateID string) ([]*types.Asset, error) {
	update, err := s.GetUpdate(ctx, updateID)
	if err != nil {
		return nil, err
	}

	var assets []*types.Asset
	result := s.db.WithContext(ctx).
		Joins("JOIN update_assets ON update_assets.asset_id = assets.id").
		Where("update_assets.update_id = ? AND assets.marked_for_deletion = ?", updateID, false).
		Order("assets.id").
		Find(&assets)
	if result.Error != nil {
		return nil, status.Errorf(status.Internal, "get assets of update %s: %v", updateID, result.Error)
	}

	for _, a := range assets {
		a.IsLaunchAsset = update.LaunchAssetID != nil && *update.LaunchAssetID == a.ID
	}
	return assets, nil
}

func (s *SqliteStore) GetAssetByURL(ctx context.Context, url string) (*types.Asset, error) {
	var asset types.Asset
	result := s.db.WithContext(ctx).First(&asset, "url = ?", url)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, status.NewAssetNotFoundError(url)
		}
		return nil, status.Errorf(status.Internal, "get asset %s: %v", url, result.Error)
	}
	return &asset, nil
}

func (s *SqliteStore) InsertAssets(ctx context.Context, updateID string, assets []*types.Asset) error {
	if len(assets) == 0 {
		return nil
	}

	start := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, a := range assets {
			if err := upsertAsset(tx, a); err != nil {
				return err
			}
			if err := linkAsset(tx, updateID, a); err != nil {
				return err
			}
		}
		return nil
	})
	log.Debugf("took %d ms to persist %d assets of update %s", time.Since(start).Milliseconds(), len(assets), updateID)
	if err != nil {
		return status.Errorf(status.Internal, "insert assets of update %s: %v", updateID, err)
	}
	return nil
}

func upsertAsset(tx *gorm.DB, a *types.Asset) error {
	var existing types.Asset
	result := tx.Where("url = ?", a.URL).Limit(1).Find(&existing)
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		a.ID = 0
		a.MarkedForDeletion = false
		return tx.Create(a).Error
	}

	a.ID = existing.ID
	a.MarkedForDeletion = false
	if a.EmbeddedFilename == "" {
		a.EmbeddedFilename = existing.EmbeddedFilename
	}
	return tx.Model(&types.Asset{}).Where("id = ?", a.ID).Updates(map[string]interface{}{
		"type":                a.Type,
		"hash":                a.Hash,
		"relative_path":       a.RelativePath,
		"download_time":       a.DownloadTime,
		"embedded_filename":   a.EmbeddedFilename,
		"marked_for_deletion": false,
	}).Error
}

func linkAsset(tx *gorm.DB, updateID string, a *types.Asset) error {
	link := types.UpdateAsset{UpdateID: updateID, AssetID: a.ID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
		return err
	}
	if !a.IsLaunchAsset {
		return nil
	}
	return tx.Model(&types.Update{}).Where("id = ?", updateID).Update("launch_asset_id", a.ID).Error
}

func (s *SqliteStore) AddExistingAssetToUpdate(ctx context.Context, updateID string, asset *types.Asset) (bool, error) {
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing types.Asset
		result := tx.Where("url = ?", asset.URL).Limit(1).Find(&existing)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		found = true

		if existing.MarkedForDeletion {
			if err := tx.Model(&types.Asset{}).Where("id = ?", existing.ID).Update("marked_for_deletion", false).Error; err != nil {
				return err
			}
			existing.MarkedForDeletion = false
		}

		asset.ID = existing.ID
		asset.Hash = existing.Hash
		asset.RelativePath = existing.RelativePath
		asset.DownloadTime = existing.DownloadTime
		asset.MarkedForDeletion = false
		if asset.EmbeddedFilename == "" {
			asset.EmbeddedFilename = existing.EmbeddedFilename
		}

		return linkAsset(tx, updateID, asset)
	})
	if err != nil {
		return false, status.Errorf(status.Internal, "link asset %s to update %s: %v", asset.URL, updateID, err)
	}
	return found, nil
}

func (s *SqliteStore) UpdateAsset(ctx context.Context, asset *types.Asset) error {
	result := s.db.WithContext(ctx).Model(&types.Asset{}).Where("id = ?", asset.ID).Updates(map[string]interface{}{
		"hash":          asset.Hash,
		"relative_path": asset.RelativePath,
		"download_time": asset.DownloadTime,
	})
	if result.Error != nil {
		return status.Errorf(status.Internal, "update asset %s: %v", asset.URL, result.Error)
	}
	if result.RowsAffected == 0 {
		return status.NewAssetNotFoundError(asset.URL)
	}
	return nil
}

func (s *SqliteStore) MarkAndLoadAssetsForDeletion(ctx context.Context) ([]*types.Asset, error) {
	var marked []*types.Asset
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).
			Model(&types.Asset{}).Update("marked_for_deletion", true).Error; err != nil {
			return err
		}

		referenced := tx.Model(&types.UpdateAsset{}).
			Select("update_assets.asset_id").
			Joins("JOIN updates ON updates.id = update_assets.update_id").
			Where("updates.status <> ? OR updates.keep = ?", types.StatusUnused, true)
		if err := tx.Model(&types.Asset{}).Where("id IN (?)", referenced).
			Update("marked_for_deletion", false).Error; err != nil {
			return err
		}

		return tx.Where("marked_for_deletion = ?", true).Order("id").Find(&marked).Error
	})
	if err != nil {
		return nil, status.Errorf(status.Internal, "mark assets for deletion: %v", err)
	}
	return marked, nil
}

func (s *SqliteStore) DeleteAssets(ctx context.Context, assets []*types.Asset) error {
	if len(assets) == 0 {
		return nil
	}

	ids := make([]uint, 0, len(assets))
	for _, a := range assets {
		ids = append(ids, a.ID)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("asset_id IN ?", ids).Delete(&types.UpdateAsset{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&types.Update{}).Where("launch_asset_id IN ?", ids).
			Update("launch_asset_id", nil).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&types.Asset{}).Error
	})
	if err != nil {
		return status.Errorf(status.Internal, "delete assets: %v", err)
	}
	return nil
}

func (s *SqliteStore) DeleteUnusedUpdates(ctx context.Context) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&types.Update{}).
			Where("status = ? AND keep = ?", types.StatusUnused, false).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Where("update_id IN ?", ids).Delete(&types.UpdateAsset{}).Error; err != nil {
			return err
		}
		result := tx.Where("id IN ?", ids).Delete(&types.Update{})
		deleted = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, status.Errorf(status.Internal, "delete unused updates: %v", err)
	}
	return deleted, nil
}

// Close closes the underlying DB connection
func (s *SqliteStore) Close() error {
	sql, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get db: %w", err)
	}
	return sql.Close()
}
