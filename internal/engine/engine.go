// Package engine defines the playback-engine boundary the deck drives. The
// engine owns exactly one connection attempt per handle and never retries on
// its own; reconnect policy lives with the coordinator.
package engine

import (
	"context"

	"github.com/google/uuid"
)

// EventKind enumerates the events a stream handle emits.
type EventKind int

const (
	// EventConnected fires once the stream is delivering audio data.
	EventConnected EventKind = iota
	// EventMetadata carries a raw now-playing string from the stream.
	EventMetadata
	// EventError reports a connection or read failure. Terminal for the handle.
	EventError
	// EventEnded reports a clean end of stream. Terminal for the handle.
	EventEnded
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventMetadata:
		return "metadata"
	case EventError:
		return "error"
	case EventEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Event is one occurrence on a stream handle. Generation identifies the
// handle it belongs to so consumers can discard events from superseded
// handles.
type Event struct {
	Generation uuid.UUID
	Kind       EventKind
	Raw        string // metadata payload for EventMetadata
	Err        error  // cause for EventError
}

// Handle is one live connection attempt to one stream URL. After an
// EventError or EventEnded no further events are delivered and the events
// channel is closed.
type Handle interface {
	Generation() uuid.UUID
	Events() <-chan Event
	Close()
}

// Engine connects to stream URLs. Connect returns immediately; connection
// progress and failure arrive as events on the handle.
type Engine interface {
	Connect(ctx context.Context, url string) Handle
}
