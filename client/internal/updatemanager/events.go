package updatemanager

import (
	"fmt"

	"github.com/netbirdio/otaclient/client/internal/updatemanager/types"
)

const eventBufferSize = 8

// EventType identifies the outcome of a background update check
type EventType int

const (
	// EventUpdateAvailable is emitted when a newer update was stored and can be launched
	EventUpdateAvailable EventType = iota
	// EventNoUpdateAvailable is emitted when the remote update is not newer than the launched one
	EventNoUpdateAvailable
	// EventError is emitted when the check or the download failed
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventUpdateAvailable:
		return "update_available"
	case EventNoUpdateAvailable:
		return "no_update_available"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event reports the outcome of a background update check
type Event struct {
	Type     EventType
	Manifest *types.Manifest
	// Update is the stored update for EventUpdateAvailable
	Update *types.Update
	Err    error
}
