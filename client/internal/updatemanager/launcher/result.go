package launcher

import "github.com/netbirdio/otaclient/client/internal/updatemanager/types"

// Result is the outcome of a resolution: either *Resolved or *Unavailable
type Result interface {
	isResult()
}

// Resolved is returned when an update can be launched
type Resolved struct {
	Update *types.Update
	// LaunchAssetPath is the absolute path of the launch asset
	LaunchAssetPath string
	// LocalAssets maps asset URLs to the absolute path of their stored file. Assets that could
	// not be stored are missing.
	LocalAssets map[string]string
}

func (*Resolved) isResult() {}

// Unavailable is returned when no update can be launched. The host falls back to the code it
// was shipped with.
type Unavailable struct {
	Reason error
}

func (*Unavailable) isResult() {}
