package domain

// EventType identifies a domain event that tenants can subscribe to.
// The set is closed: anything outside it is rejected at the API boundary.
type EventType string

const (
	EventCallStarted          EventType = "call.started"
	EventCallEnded            EventType = "call.ended"
	EventAppointmentCreated   EventType = "appointment.created"
	EventAppointmentUpdated   EventType = "appointment.updated"
	EventAppointmentCancelled EventType = "appointment.cancelled"
)

// EventTypes lists every valid event type, in a stable order.
func EventTypes() []EventType {
	return []EventType{
		EventCallStarted,
		EventCallEnded,
		EventAppointmentCreated,
		EventAppointmentUpdated,
		EventAppointmentCancelled,
	}
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventCallStarted, EventCallEnded,
		EventAppointmentCreated, EventAppointmentUpdated, EventAppointmentCancelled:
		return true
	}
	return false
}
