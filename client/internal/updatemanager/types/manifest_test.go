package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifest_AssetList(t *testing.T) {
	m := &Manifest{
		ID:        "0f7a7a53-8a8b-4a9e-9c5b-3b1f3e6c9a10",
		LaunchURL: "https://cdn.example.com/bundle.js",
		Assets: []ManifestAsset{
			{URL: "https://cdn.example.com/a.png", Type: "png", EmbeddedFilename: "asset_a.png"},
			{URL: "https://cdn.example.com/b.ttf", Type: "ttf"},
		},
	}

	assets := m.AssetList()
	require.Len(t, assets, 3)

	assert.True(t, assets[0].IsLaunchAsset)
	assert.Equal(t, m.LaunchURL, assets[0].URL)
	assert.Equal(t, LaunchAssetType, assets[0].Type)
	assert.Equal(t, EmbeddedLaunchAssetFilename, assets[0].EmbeddedFilename)

	for _, a := range assets[1:] {
		assert.False(t, a.IsLaunchAsset)
		assert.Nil(t, a.Hash)
	}
	assert.Equal(t, "asset_a.png", assets[1].EmbeddedFilename)
	assert.Equal(t, "ttf", assets[2].Type)
}

func TestManifest_Update(t *testing.T) {
	commit := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	m := &Manifest{
		ID:             "0f7a7a53-8a8b-4a9e-9c5b-3b1f3e6c9a10",
		CommitTime:     commit,
		BinaryVersions: "1.0,1.1",
		Metadata:       json.RawMessage(`{"channel":"beta"}`),
	}

	u := m.Update()
	assert.Equal(t, StatusPending, u.Status)
	assert.Equal(t, m.ID, u.ID)
	assert.True(t, commit.Equal(u.CommitTime))
	assert.JSONEq(t, `{"channel":"beta"}`, string(u.Metadata))
	assert.False(t, u.Keep)
	assert.Equal(t, []string{"1.0", "1.1"}, u.SupportedBinaryVersions())

	// the update must not share the manifest buffer
	u.Metadata[2] = 'X'
	assert.JSONEq(t, `{"channel":"beta"}`, string(m.Metadata))
}

func TestUpdateStatus_Launchable(t *testing.T) {
	assert.True(t, StatusReady.Launchable())
	assert.True(t, StatusEmbedded.Launchable())
	assert.False(t, StatusPending.Launchable())
	assert.False(t, StatusUnused.Launchable())
}
