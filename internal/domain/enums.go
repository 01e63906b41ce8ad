// Package domain defines the core domain models for the orchestrator.
package domain

// InstanceStatus represents the lifecycle state of a browser instance.
type InstanceStatus string

const (
	InstanceStatusStarting InstanceStatus = "starting"
	InstanceStatusRunning  InstanceStatus = "running"
	InstanceStatusStopping InstanceStatus = "stopping"
	InstanceStatusStopped  InstanceStatus = "stopped"
	InstanceStatusError    InstanceStatus = "error"
)

// Terminal reports whether no further transition is possible.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusStopped || s == InstanceStatusError
}

var allowedTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceStatusStarting: {InstanceStatusRunning, InstanceStatusStopping, InstanceStatusError},
	InstanceStatusRunning:  {InstanceStatusStopping, InstanceStatusError},
	InstanceStatusStopping: {InstanceStatusStopped, InstanceStatusError},
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s InstanceStatus) CanTransition(next InstanceStatus) bool {
	for _, to := range allowedTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// ProfileSource records how a profile came to exist.
type ProfileSource string

const (
	ProfileSourceCreated  ProfileSource = "created"
	ProfileSourceImported ProfileSource = "imported"
	ProfileSourceInstance ProfileSource = "instance"
)

// AgentStatus is derived from how recently an agent was seen.
type AgentStatus string

const (
	AgentStatusActive       AgentStatus = "active"
	AgentStatusIdle         AgentStatus = "idle"
	AgentStatusDisconnected AgentStatus = "disconnected"
)

// EventType identifies a status event on the bus.
type EventType string

const (
	EventTypeInit             EventType = "init"
	EventTypeAction           EventType = "action"
	EventTypeInstanceStarting EventType = "instance.starting"
	EventTypeInstanceStarted  EventType = "instance.started"
	EventTypeInstanceStopping EventType = "instance.stopping"
	EventTypeInstanceStopped  EventType = "instance.stopped"
	EventTypeInstanceError    EventType = "instance.error"
	EventTypeProfileCreated   EventType = "profile.created"
	EventTypeProfileUpdated   EventType = "profile.updated"
	EventTypeProfileDeleted   EventType = "profile.deleted"
)

// InstanceEventType maps an instance status to the event announcing it.
func InstanceEventType(s InstanceStatus) EventType {
	switch s {
	case InstanceStatusStarting:
		return EventTypeInstanceStarting
	case InstanceStatusRunning:
		return EventTypeInstanceStarted
	case InstanceStatusStopping:
		return EventTypeInstanceStopping
	case InstanceStatusStopped:
		return EventTypeInstanceStopped
	default:
		return EventTypeInstanceError
	}
}
