// Package telemetry implements the best-effort event channel spec.md §6.4
// describes: replication, policy compilation, and audit logging are all
// out-of-scope subscribers on this channel per SPEC_FULL.md §9's design
// notes — this package only defines the event shapes and the
// non-blocking, drop-if-full emission discipline.
package telemetry

import (
	"sync"

	"github.com/i5heu/space/internal/types"
)

// EventKind tags which of the three telemetry events an Event carries.
type EventKind string

const (
	EventNewCapsule       EventKind = "new_capsule"
	EventCapsuleDeleted   EventKind = "capsule_deleted"
	EventSegmentsReclaimed EventKind = "segments_reclaimed"
)

// Event is one telemetry notification. Only the fields relevant to Kind
// are populated.
type Event struct {
	Kind EventKind

	// EventNewCapsule
	CapsuleId      types.CapsuleId
	PolicySnapshot types.Policy
	Size           uint64

	// EventCapsuleDeleted
	FreedSegments []types.SegmentId

	// EventSegmentsReclaimed
	Count uint64
	Bytes uint64
}

// Channel is the attach point protocol adapters, replication, and audit
// subscribers use. Emit never blocks: if the channel's buffer is full, the
// event is dropped, matching spec.md §6.4's "best-effort, non-blocking,
// dropped if the channel is full."
type Channel struct {
	mu   sync.RWMutex
	sink chan Event
}

// NewChannel creates a Channel with the given buffer size.
func NewChannel(buffer int) *Channel {
	if buffer < 1 {
		buffer = 64
	}
	return &Channel{sink: make(chan Event, buffer)}
}

// Events returns the receive side, for a subscriber to range over.
func (c *Channel) Events() <-chan Event {
	return c.sink
}

// Emit sends event without blocking. It returns false if the channel was
// full and the event was dropped. A dropped event is never surfaced as a
// write/read failure; the coordinator ignores the result and does not log
// dropped events either.
func (c *Channel) Emit(event Event) bool {
	select {
	case c.sink <- event:
		return true
	default:
		return false
	}
}

// Close closes the underlying channel. Must only be called once, after no
// more Emit calls will occur.
func (c *Channel) Close() {
	close(c.sink)
}

// Attachment holds an optional telemetry Channel, matching spec.md §6.1's
// attach_telemetry/detach_telemetry pair.
type Attachment struct {
	mu      sync.RWMutex
	channel *Channel
}

// Attach installs channel as the active telemetry sink.
func (a *Attachment) Attach(channel *Channel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.channel = channel
}

// Detach removes the active telemetry sink.
func (a *Attachment) Detach() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.channel = nil
}

// Emit forwards event to the attached channel, if any. Returns false if no
// channel is attached or the channel's buffer was full.
func (a *Attachment) Emit(event Event) bool {
	a.mu.RLock()
	channel := a.channel
	a.mu.RUnlock()
	if channel == nil {
		return false
	}
	return channel.Emit(event)
}
