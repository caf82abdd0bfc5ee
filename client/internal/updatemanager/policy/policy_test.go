package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/otaclient/client/internal/updatemanager/types"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func update(id string, offset time.Duration) *types.Update {
	return &types.Update{ID: id, CommitTime: base.Add(offset), Status: types.StatusReady}
}

func TestSelectUpdateToLaunch(t *testing.T) {
	p := NewNewest()

	older := update("older", 0)
	newer := update("newer", time.Minute)

	testCases := []struct {
		name     string
		updates  []*types.Update
		expected *types.Update
	}{
		{name: "empty", updates: nil, expected: nil},
		{name: "newest wins", updates: []*types.Update{older, newer}, expected: newer},
		{name: "order does not matter", updates: []*types.Update{newer, older}, expected: newer},
		{name: "single", updates: []*types.Update{older}, expected: older},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Same(t, tc.expected, p.SelectUpdateToLaunch(tc.updates))
		})
	}
}

func TestSelectUpdateToLaunch_TieKeepsFirst(t *testing.T) {
	p := NewNewest()
	first := update("first", time.Hour)
	second := update("second", time.Hour)

	assert.Same(t, first, p.SelectUpdateToLaunch([]*types.Update{first, second}))
	assert.Same(t, second, p.SelectUpdateToLaunch([]*types.Update{second, first}))
}

func TestShouldLoadNewUpdate(t *testing.T) {
	p := NewNewest()
	launched := update("launched", 0)

	assert.True(t, p.ShouldLoadNewUpdate(launched, nil), "nothing launched")
	assert.False(t, p.ShouldLoadNewUpdate(nil, launched), "no candidate")
	assert.False(t, p.ShouldLoadNewUpdate(launched, launched), "equal commit times")
	assert.False(t, p.ShouldLoadNewUpdate(update("other", 0), launched), "equal commit times")
	assert.False(t, p.ShouldLoadNewUpdate(update("old", -time.Second), launched))
	assert.True(t, p.ShouldLoadNewUpdate(update("new", time.Millisecond), launched))
}

func TestMarkUpdatesForDeletion(t *testing.T) {
	p := NewNewest()

	old1 := update("old1", -2*time.Hour)
	old2 := update("old2", -time.Hour)
	old2.Keep = true
	launched := update("launched", 0)
	future := update("future", time.Hour)

	touched := p.MarkUpdatesForDeletion([]*types.Update{old1, launched, future, old2}, launched)
	require.Len(t, touched, 3)
	assert.ElementsMatch(t, []*types.Update{old1, old2, launched}, touched)

	assert.Equal(t, types.StatusUnused, old1.Status)
	assert.Equal(t, types.StatusUnused, old2.Status)
	assert.False(t, old2.Keep)

	assert.True(t, launched.Keep)
	assert.Equal(t, types.StatusReady, launched.Status)

	assert.Equal(t, types.StatusReady, future.Status, "newer updates are left alone")
	assert.False(t, future.Keep)
}

func TestMarkUpdatesForDeletion_LaunchedByIdentity(t *testing.T) {
	p := NewNewest()

	stored := update("launched", 0)
	// the launched update may be a different instance loaded earlier
	launched := stored.Copy()

	touched := p.MarkUpdatesForDeletion([]*types.Update{stored}, launched)
	require.Len(t, touched, 1)
	assert.True(t, stored.Keep)
	assert.NotEqual(t, types.StatusUnused, stored.Status)

	assert.Nil(t, p.MarkUpdatesForDeletion([]*types.Update{stored}, nil))
}

func TestFilterCompatible(t *testing.T) {
	a := &types.Update{ID: "a", BinaryVersions: "1.0.0, 1.1"}
	b := &types.Update{ID: "b", BinaryVersions: "2.0.0"}
	c := &types.Update{ID: "c", BinaryVersions: "nightly"}
	all := []*types.Update{a, b, c}

	assert.Equal(t, []*types.Update{a}, FilterCompatible(all, "1.1.0"))
	assert.Equal(t, []*types.Update{a}, FilterCompatible(all, "1.0"))
	assert.Equal(t, []*types.Update{b}, FilterCompatible(all, "2.0.0"))
	assert.Equal(t, []*types.Update{c}, FilterCompatible(all, "nightly"))
	assert.Empty(t, FilterCompatible(all, "3.0.0"))
	assert.Equal(t, all, FilterCompatible(all, ""))
}
