package policy

import (
	"strings"

	goversion "github.com/hashicorp/go-version"

	"github.com/netbirdio/otaclient/client/internal/updatemanager/types"
)

// SelectionPolicy decides which update is launched, which one replaces it and which ones can
// be reclaimed. Implementations only mutate the updates they receive.
type SelectionPolicy interface {
	// SelectUpdateToLaunch returns the update to run or nil when updates is empty
	SelectUpdateToLaunch(updates []*types.Update) *types.Update
	// ShouldLoadNewUpdate reports whether candidate should replace the launched update
	ShouldLoadNewUpdate(candidate, launched *types.Update) bool
	// MarkUpdatesForDeletion flags reclaimable updates and protects the launched one. It returns
	// the updates it changed.
	MarkUpdatesForDeletion(updates []*types.Update, launched *types.Update) []*types.Update
}

// Newest prefers the update with the latest commit time
type Newest struct{}

// NewNewest returns the default selection policy
func NewNewest() *Newest {
	return &Newest{}
}

// SelectUpdateToLaunch returns the update with the greatest commit time. On equal commit times
// the first one in the input wins.
func (p *Newest) SelectUpdateToLaunch(updates []*types.Update) *types.Update {
	var selected *types.Update
	for _, u := range updates {
		if u == nil {
			continue
		}
		if selected == nil || u.CommitTime.After(selected.CommitTime) {
			selected = u
		}
	}
	return selected
}

// ShouldLoadNewUpdate returns true when nothing is launched yet, or when candidate was
// committed strictly after the launched update
func (p *Newest) ShouldLoadNewUpdate(candidate, launched *types.Update) bool {
	if launched == nil {
		return true
	}
	if candidate == nil {
		return false
	}
	return candidate.CommitTime.After(launched.CommitTime)
}

// MarkUpdatesForDeletion sets every update older than launched to UNUSED and sets Keep on the
// launched update. Updates newer than launched are left as they are.
func (p *Newest) MarkUpdatesForDeletion(updates []*types.Update, launched *types.Update) []*types.Update {
	if launched == nil {
		return nil
	}

	var touched []*types.Update
	for _, u := range updates {
		if u == nil {
			continue
		}
		switch {
		case u.ID == launched.ID:
			u.Keep = true
			touched = append(touched, u)
		case u.CommitTime.Before(launched.CommitTime):
			u.Status = types.StatusUnused
			u.Keep = false
			touched = append(touched, u)
		}
	}
	return touched
}

// FilterCompatible returns the updates whose binary versions include binaryVersion. An empty
// binaryVersion matches everything.
func FilterCompatible(updates []*types.Update, binaryVersion string) []*types.Update {
	binaryVersion = strings.TrimSpace(binaryVersion)
	if binaryVersion == "" {
		return updates
	}

	var compatible []*types.Update
	for _, u := range updates {
		if Supports(u, binaryVersion) {
			compatible = append(compatible, u)
		}
	}
	return compatible
}

// Supports reports whether the update declares binaryVersion as compatible. Versions are
// compared literally first and then as semantic versions, so "1.2" matches "1.2.0".
func Supports(u *types.Update, binaryVersion string) bool {
	current, err := goversion.NewVersion(binaryVersion)
	if err != nil {
		current = nil
	}

	for _, v := range u.SupportedBinaryVersions() {
		if v == binaryVersion {
			return true
		}
		if current == nil {
			continue
		}
		declared, err := goversion.NewVersion(v)
		if err != nil {
			continue
		}
		if declared.Equal(current) {
			return true
		}
	}
	return false
}
