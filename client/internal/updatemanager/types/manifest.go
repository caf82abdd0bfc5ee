package types

import (
	"encoding/json"
	"time"
)

// ManifestAsset is one asset entry of a decoded manifest
type ManifestAsset struct {
	URL              string
	Type             string
	EmbeddedFilename string
}

// Manifest is a decoded wire manifest. It describes exactly one update and its assets.
type Manifest struct {
	ID             string
	CommitTime     time.Time
	BinaryVersions string
	Metadata       json.RawMessage
	LaunchURL      string
	Assets         []ManifestAsset
	// Raw is the verified manifest document
	Raw json.RawMessage
}

// Update returns a pending Update described by the manifest
func (m *Manifest) Update() *Update {
	u := &Update{
		ID:             m.ID,
		CommitTime:     m.CommitTime,
		BinaryVersions: m.BinaryVersions,
		Status:         StatusPending,
	}
	if m.Metadata != nil {
		u.Metadata = append(json.RawMessage(nil), m.Metadata...)
	}
	return u
}

// AssetList returns the assets of the manifest. The first entry is always the launch asset.
func (m *Manifest) AssetList() []*Asset {
	assets := make([]*Asset, 0, len(m.Assets)+1)
	assets = append(assets, &Asset{
		URL:              m.LaunchURL,
		Type:             LaunchAssetType,
		EmbeddedFilename: EmbeddedLaunchAssetFilename,
		IsLaunchAsset:    true,
	})
	for _, a := range m.Assets {
		assets = append(assets, &Asset{
			URL:              a.URL,
			Type:             a.Type,
			EmbeddedFilename: a.EmbeddedFilename,
		})
	}
	return assets
}
