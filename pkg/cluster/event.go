package cluster

import "fmt"

type EventType uint8

const (
	EventAdded EventType = iota + 1
	EventRemoved
	EventUpdated
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "ADDED"
	case EventRemoved:
		return "REMOVED"
	case EventUpdated:
		return "UPDATED"
	default:
		return "UNKNOWN"
	}
}

// Event is an externally visible membership change. Use the constructors:
// ADDED always carries new metadata, UPDATED carries both old and new, and
// REMOVED may carry the last known metadata.
type Event struct {
	Type        EventType
	Member      Member
	OldMetadata []byte
	NewMetadata []byte
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func NewAddedEvent(m Member, metadata []byte) Event {
	return Event{Type: EventAdded, Member: m, NewMetadata: nonNil(metadata)}
}

func NewRemovedEvent(m Member, metadata []byte) Event {
	return Event{Type: EventRemoved, Member: m, OldMetadata: metadata}
}

func NewUpdatedEvent(m Member, oldMetadata, newMetadata []byte) Event {
	return Event{Type: EventUpdated, Member: m, OldMetadata: nonNil(oldMetadata), NewMetadata: nonNil(newMetadata)}
}

func (e Event) IsAdded() bool   { return e.Type == EventAdded }
func (e Event) IsRemoved() bool { return e.Type == EventRemoved }
func (e Event) IsUpdated() bool { return e.Type == EventUpdated }

func (e Event) String() string {
	return fmt.Sprintf("%s %s", e.Type, e.Member)
}
