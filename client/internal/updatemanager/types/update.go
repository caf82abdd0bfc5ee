package types

import (
	"encoding/json"
	"strings"
	"time"
)

// UpdateStatus is the lifecycle state of an Update
type UpdateStatus string

const (
	// StatusPending is set while the assets of an update are being collected
	StatusPending UpdateStatus = "PENDING"
	// StatusReady marks an update whose assets are all stored on disk
	StatusReady UpdateStatus = "READY"
	// StatusUnused marks an update superseded by the launched one, eligible for deletion
	StatusUnused UpdateStatus = "UNUSED"
	// StatusEmbedded marks the update shipped together with the host binary
	StatusEmbedded UpdateStatus = "EMBEDDED"
)

// Launchable reports whether an update in this state can be selected for a launch
func (s UpdateStatus) Launchable() bool {
	return s == StatusReady || s == StatusEmbedded
}

// Update is a deployable bundle version
type Update struct {
	// ID is the canonical lowercase UUID of the update
	ID             string    `gorm:"primaryKey"`
	CommitTime     time.Time `gorm:"index"`
	BinaryVersions string
	Status         UpdateStatus    `gorm:"index"`
	Metadata       json.RawMessage `gorm:"serializer:json"`
	// Keep protects the update from the reaper. It is held by the launched update.
	Keep          bool
	LaunchAssetID *uint
}

// Copy returns a copy of the update
func (u *Update) Copy() *Update {
	c := *u
	if u.Metadata != nil {
		c.Metadata = append(json.RawMessage(nil), u.Metadata...)
	}
	if u.LaunchAssetID != nil {
		id := *u.LaunchAssetID
		c.LaunchAssetID = &id
	}
	return &c
}

// SupportedBinaryVersions returns the trimmed, non-empty entries of BinaryVersions
func (u *Update) SupportedBinaryVersions() []string {
	var versions []string
	for _, v := range strings.Split(u.BinaryVersions, ",") {
		if v = strings.TrimSpace(v); v != "" {
			versions = append(versions, v)
		}
	}
	return versions
}
