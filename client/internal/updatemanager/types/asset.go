package types

import "time"

const (
	// LaunchAssetType is the type of the executable entry point of every update
	LaunchAssetType = "bundle"
	// EmbeddedLaunchAssetFilename is the name of the launch asset inside the embedded bundle
	EmbeddedLaunchAssetFilename = "app.bundle"
)

// Asset is one content-addressed file referenced by one or more updates
type Asset struct {
	ID   uint   `gorm:"primaryKey;autoIncrement"`
	URL  string `gorm:"uniqueIndex"`
	Type string
	// Hash is the SHA-256 digest of the stored bytes. It is nil until the bytes were written.
	Hash              []byte
	RelativePath      string
	DownloadTime      *time.Time
	EmbeddedFilename  string
	MarkedForDeletion bool `gorm:"index"`

	// IsLaunchAsset is derived from Update.LaunchAssetID for the update the asset was loaded for
	IsLaunchAsset bool `gorm:"-"`
}

// Copy returns a copy of the asset
func (a *Asset) Copy() *Asset {
	c := *a
	if a.Hash != nil {
		c.Hash = append([]byte(nil), a.Hash...)
	}
	if a.DownloadTime != nil {
		t := *a.DownloadTime
		c.DownloadTime = &t
	}
	return &c
}

// UpdateAsset links an update to one of its assets
type UpdateAsset struct {
	UpdateID string `gorm:"primaryKey"`
	AssetID  uint   `gorm:"primaryKey;index"`
}
