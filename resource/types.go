package resource

// Event types for registry lifecycle notifications.
type EventType uint8

const (
	EventRegistered EventType = iota
	EventUnregistered
)

// Event represents a registry lifecycle event.
type Event struct {
	Value any
	ID    string
	Type  EventType
}

// Observer receives notifications about registry lifecycle events.
type Observer interface {
	OnRegistryEvent(Event)
}
