// Package audit records lock operations on machines as structured klog
// lines, so an operator can trace who held which medium and when.
package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/medialock/pkg/observability"
)

// Logger writes audit events to klog and counts them in metrics
type Logger struct {
	metrics *observability.Metrics
}

// NewLogger creates an audit logger. metrics may be nil.
func NewLogger(metrics *observability.Metrics) *Logger {
	return &Logger{metrics: metrics}
}

// severityMap maps EventSeverity to the klog call that prints it
var severityMap = map[EventSeverity]func(args ...interface{}){
	SeverityInfo:     func(args ...interface{}) { klog.V(2).Info(args...) },
	SeverityWarning:  klog.Warning,
	SeverityError:    klog.Error,
	SeverityCritical: klog.Error,
}

// LogEvent logs an audit event with structured logging
func (l *Logger) LogEvent(event *Event) {
	if l.metrics != nil {
		l.metrics.RecordAuditEvent(string(event.Category), string(event.Severity))
	}

	logFunc, ok := severityMap[event.Severity]
	if !ok {
		logFunc = severityMap[SeverityInfo]
	}
	logFunc(formatLogMessage(event))

	// critical events are also emitted as JSON for log pipelines
	if event.Severity == SeverityCritical {
		if jsonBytes, err := json.Marshal(event); err == nil {
			klog.Errorf("CRITICAL_AUDIT_EVENT: %s", string(jsonBytes))
		}
	}
}

// formatLogMessage formats an audit event as key=value pairs
func formatLogMessage(event *Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[AUDIT] category=%s type=%s severity=%s outcome=%s msg=%q",
		event.Category, event.EventType, event.Severity, event.Outcome, event.Message)

	if event.Machine != "" {
		fmt.Fprintf(&b, " machine=%s", event.Machine)
	}
	if event.MachineID != "" {
		fmt.Fprintf(&b, " machine_id=%s", event.MachineID)
	}
	if event.Slot != "" {
		fmt.Fprintf(&b, " slot=%s", event.Slot)
	}
	if event.Medium != "" {
		fmt.Fprintf(&b, " medium=%s", event.Medium)
	}
	if event.Operation != "" {
		fmt.Fprintf(&b, " operation=%s", event.Operation)
	}
	if event.Duration > 0 {
		fmt.Fprintf(&b, " duration_ms=%d", event.Duration.Milliseconds())
	}
	if event.Error != "" {
		fmt.Fprintf(&b, " error=%q", event.Error)
	}

	keys := make([]string, 0, len(event.Details))
	for key := range event.Details {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, " %s=%q", key, event.Details[key])
	}
	return b.String()
}

// OperationLogConfig defines how one operation's outcomes are logged
type OperationLogConfig struct {
	Operation   string
	Category    EventCategory
	SuccessType EventType
	FailureType EventType
	SuccessSev  EventSeverity
	FailureSev  EventSeverity
	SuccessMsg  string
	FailureMsg  string
}

// operationConfigs is keyed by the operation label used in metrics
var operationConfigs = map[string]OperationLogConfig{
	"start":           {Operation: "StartMachine", Category: CategoryMachineLifecycle, SuccessType: EventMachineStartSuccess, FailureType: EventMachineStartFailure, SuccessSev: SeverityInfo, FailureSev: SeverityWarning, SuccessMsg: "Machine media locked", FailureMsg: "Machine media could not be locked"},
	"stop":            {Operation: "StopMachine", Category: CategoryMachineLifecycle, SuccessType: EventMachineStopSuccess, FailureType: EventMachineStopFailure, SuccessSev: SeverityInfo, FailureSev: SeverityError, SuccessMsg: "Machine media released", FailureMsg: "Machine media released with errors"},
	"change_medium":   {Operation: "ChangeMedium", Category: CategoryMediumChange, SuccessType: EventMediumChangeSuccess, FailureType: EventMediumChangeFailure, SuccessSev: SeverityInfo, FailureSev: SeverityWarning, SuccessMsg: "Medium changed", FailureMsg: "Medium change rolled back"},
	"snapshot":        {Operation: "TakeSnapshot", Category: CategorySnapshot, SuccessType: EventSnapshotTakeSuccess, FailureType: EventSnapshotTakeFailure, SuccessSev: SeverityInfo, FailureSev: SeverityWarning, SuccessMsg: "Snapshot taken", FailureMsg: "Snapshot failed"},
	"delete_snapshot": {Operation: "DeleteSnapshot", Category: CategorySnapshot, SuccessType: EventSnapshotDeleteSuccess, FailureType: EventSnapshotDeleteFailure, SuccessSev: SeverityInfo, FailureSev: SeverityWarning, SuccessMsg: "Snapshot deleted", FailureMsg: "Snapshot deletion failed"},
}

// EventField is a functional option for configuring Event fields
type EventField func(*Event)

// WithMachine sets machine information
func WithMachine(name, id string) EventField {
	return func(e *Event) {
		e.Machine = name
		e.MachineID = id
	}
}

// WithSlot sets the controller slot of the attachment involved
func WithSlot(slot string) EventField {
	return func(e *Event) {
		e.Slot = slot
	}
}

// WithMedium sets the medium involved
func WithMedium(name string) EventField {
	return func(e *Event) {
		e.Medium = name
	}
}

// WithDuration sets operation duration
func WithDuration(d time.Duration) EventField {
	return func(e *Event) {
		e.Duration = d
	}
}

// WithError sets error information
func WithError(err error) EventField {
	return func(e *Event) {
		if err != nil {
			e.Error = err.Error()
		}
	}
}

// WithDetail adds a custom detail field
func WithDetail(key, value string) EventField {
	return func(e *Event) {
		e.WithDetail(key, value)
	}
}

// LogOperation logs one outcome of a session operation. op is the metrics
// label ("start", "stop", ...); unknown operations are logged generically.
func (l *Logger) LogOperation(op string, err error, fields ...EventField) {
	config, ok := operationConfigs[op]
	if !ok {
		config = OperationLogConfig{
			Operation:  op,
			Category:   CategoryMachineLifecycle,
			SuccessSev: SeverityInfo,
			FailureSev: SeverityWarning,
			SuccessMsg: op + " succeeded",
			FailureMsg: op + " failed",
		}
	}

	eventType, severity, message, outcome := config.SuccessType, config.SuccessSev, config.SuccessMsg, OutcomeSuccess
	if err != nil {
		eventType, severity, message, outcome = config.FailureType, config.FailureSev, config.FailureMsg, OutcomeFailure
	}

	event := NewEvent(eventType, config.Category, severity, message).WithOutcome(outcome).WithError(err)
	event.Operation = config.Operation
	for _, field := range fields {
		field(event)
	}
	l.LogEvent(event)
}

// LogCircuitBreakerOpen logs a request refused by the machine's breaker
func (l *Logger) LogCircuitBreakerOpen(machine string, err error) {
	event := NewEvent(EventCircuitBreakerOpen, CategoryResilience, SeverityWarning,
		"Lock request rejected by open circuit breaker").
		WithOutcome(OutcomeDenied).
		WithError(err)
	event.Machine = machine
	l.LogEvent(event)
}

// LogLocksLost logs a running machine that could not get its locks back
// and was left stopped
func (l *Logger) LogLocksLost(machine, slot string, err error) {
	event := NewEvent(EventLocksLost, CategoryResilience, SeverityCritical,
		"Running machine lost its medium locks").
		WithOutcome(OutcomeFailure).
		WithError(err)
	event.Machine = machine
	event.Slot = slot
	l.LogEvent(event)
}
