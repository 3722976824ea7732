package audit

import "time"

// EventCategory represents the category of an audit event
type EventCategory string

const (
	// CategoryMachineLifecycle represents machine start and stop
	CategoryMachineLifecycle EventCategory = "machine_lifecycle"

	// CategoryMediumChange represents media swapped in a running or stopped machine
	CategoryMediumChange EventCategory = "medium_change"

	// CategorySnapshot represents snapshot machines taken or dropped
	CategorySnapshot EventCategory = "snapshot"

	// CategoryResilience represents breaker trips and lost locks
	CategoryResilience EventCategory = "resilience"
)

// EventSeverity represents the severity level of an audit event
type EventSeverity string

const (
	// SeverityInfo represents informational events
	SeverityInfo EventSeverity = "info"

	// SeverityWarning represents warning events
	SeverityWarning EventSeverity = "warning"

	// SeverityError represents error events
	SeverityError EventSeverity = "error"

	// SeverityCritical means a machine's media are no longer protected
	SeverityCritical EventSeverity = "critical"
)

// EventOutcome represents the outcome of an audited operation
type EventOutcome string

const (
	// OutcomeSuccess indicates the operation succeeded
	OutcomeSuccess EventOutcome = "success"

	// OutcomeFailure indicates the operation failed
	OutcomeFailure EventOutcome = "failure"

	// OutcomeDenied indicates the operation was refused without being attempted
	OutcomeDenied EventOutcome = "denied"
)

// EventType represents specific types of audit events
type EventType string

const (
	// Session operation events
	EventMachineStartSuccess   EventType = "machine_start_success"
	EventMachineStartFailure   EventType = "machine_start_failure"
	EventMachineStopSuccess    EventType = "machine_stop_success"
	EventMachineStopFailure    EventType = "machine_stop_failure"
	EventMediumChangeSuccess   EventType = "medium_change_success"
	EventMediumChangeFailure   EventType = "medium_change_failure"
	EventSnapshotTakeSuccess   EventType = "snapshot_take_success"
	EventSnapshotTakeFailure   EventType = "snapshot_take_failure"
	EventSnapshotDeleteSuccess EventType = "snapshot_delete_success"
	EventSnapshotDeleteFailure EventType = "snapshot_delete_failure"

	// Resilience events
	EventCircuitBreakerOpen EventType = "circuit_breaker_open"
	EventLocksLost          EventType = "locks_lost"
)

// Event is one audited lock operation
type Event struct {
	// Core event fields
	Timestamp time.Time     `json:"timestamp"`
	EventType EventType     `json:"event_type"`
	Category  EventCategory `json:"category"`
	Severity  EventSeverity `json:"severity"`
	Outcome   EventOutcome  `json:"outcome"`
	Message   string        `json:"message"`

	// Resource fields
	Machine   string `json:"machine,omitempty"`
	MachineID string `json:"machine_id,omitempty"`
	Slot      string `json:"slot,omitempty"`
	Medium    string `json:"medium,omitempty"`

	// Operation details
	Operation string            `json:"operation,omitempty"`
	Duration  time.Duration     `json:"duration_ms,omitempty"`
	Error     string            `json:"error,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// NewEvent creates a new audit event with timestamp
func NewEvent(eventType EventType, category EventCategory, severity EventSeverity, message string) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Category:  category,
		Severity:  severity,
		Message:   message,
		Details:   make(map[string]string),
	}
}

// WithOutcome sets the outcome for the event
func (e *Event) WithOutcome(outcome EventOutcome) *Event {
	e.Outcome = outcome
	return e
}

// WithMachine sets the machine the event is about
func (e *Event) WithMachine(name, id string) *Event {
	e.Machine = name
	e.MachineID = id
	return e
}

// WithError sets error information
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDetail adds a custom detail field
func (e *Event) WithDetail(key, value string) *Event {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}
