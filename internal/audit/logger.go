// Package audit records what a deployment run did to which resource and
// when: stage transitions, creates, adoptions and deletions. The journal is
// persisted next to the ledger and printed by the history command.
package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of audit event
type EventType string

const (
	// EventTypeRun is a deploy, cleanup or discover run starting or ending
	EventTypeRun EventType = "run"
	// EventTypeStage is a stage transition
	EventTypeStage EventType = "stage"
	// EventTypeResource is a change to a single provisioned resource
	EventTypeResource EventType = "resource"
	// EventTypeError is an error outside any stage
	EventTypeError EventType = "error"
)

// EventAction represents the action taken
type EventAction string

const (
	ActionBegin    EventAction = "begin"
	ActionComplete EventAction = "complete"
	ActionFail     EventAction = "fail"
	ActionCreate   EventAction = "create"
	ActionAdopt    EventAction = "adopt"
	ActionDelete   EventAction = "delete"
	// ActionAbsent means a resource to delete was already gone
	ActionAbsent EventAction = "absent"
)

// EventSeverity represents the severity of an event
type EventSeverity string

const (
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Type      EventType     `json:"type"`
	Action    EventAction   `json:"action"`
	Severity  EventSeverity `json:"severity"`
	// Deployment is the ledger name
	Deployment string `json:"deployment"`
	// Stage is set for stage and resource events
	Stage        string `json:"stage,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	Actor        string `json:"actor,omitempty"`
	Description  string `json:"description"`
	// CorrelationID is the run id shared by every event of one invocation
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Duration      time.Duration     `json:"duration,omitempty"`
	Success       bool              `json:"success"`
	ErrorKind     string            `json:"error_kind,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
}

// AuditFilter defines criteria for filtering audit events
type AuditFilter struct {
	Types         []EventType   `json:"types,omitempty"`
	Actions       []EventAction `json:"actions,omitempty"`
	Stage         string        `json:"stage,omitempty"`
	ResourceID    string        `json:"resource_id,omitempty"`
	ResourceType  string        `json:"resource_type,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	StartTime     *time.Time    `json:"start_time,omitempty"`
	EndTime       *time.Time    `json:"end_time,omitempty"`
	FailedOnly    bool          `json:"failed_only,omitempty"`
	Limit         int           `json:"limit,omitempty"`
}

// AuditSummary provides statistics about audit events
type AuditSummary struct {
	TotalEvents      int                   `json:"total_events"`
	Runs             int                   `json:"runs"`
	EventsByAction   map[EventAction]int   `json:"events_by_action"`
	EventsBySeverity map[EventSeverity]int `json:"events_by_severity"`
	FailureCount     int                   `json:"failure_count"`
	FirstEvent       *time.Time            `json:"first_event,omitempty"`
	LastEvent        *time.Time            `json:"last_event,omitempty"`
}

// AuditExport is the persisted form of a journal
type AuditExport struct {
	Version    string        `json:"version"`
	Deployment string        `json:"deployment"`
	ExportedAt time.Time     `json:"exported_at"`
	Events     []AuditEvent  `json:"events"`
	Summary    *AuditSummary `json:"summary,omitempty"`
}

// Logger is the interface for audit logging
type Logger interface {
	// Log records an audit event
	Log(event *AuditEvent) error
	// LogRun records the start or end of a run
	LogRun(runID, command string, action EventAction, err error) (*AuditEvent, error)
	// LogStage records a stage transition
	LogStage(runID, stage string, action EventAction, duration time.Duration, errKind string, err error) (*AuditEvent, error)
	// LogResource records a change to a resource
	LogResource(runID, stage, resourceType, resourceID string, action EventAction, err error) (*AuditEvent, error)
	// List returns all events, oldest first
	List() []AuditEvent
	// Query filters events based on criteria
	Query(filter *AuditFilter) []AuditEvent
	// GetSummary returns statistics about audit events
	GetSummary() *AuditSummary
	// ToJSON serializes to JSON
	ToJSON() ([]byte, error)
	// FromJSON deserializes from JSON
	FromJSON(data []byte) error
}

// InMemoryLogger is an in-memory implementation of the audit logger
type InMemoryLogger struct {
	mu         sync.RWMutex
	deployment string
	actor      string
	events     []*AuditEvent
	maxSize    int
	now        func() time.Time
}

// NewInMemoryLogger creates a journal for a deployment. maxSize bounds the
// number of retained events; the oldest are dropped first.
func NewInMemoryLogger(deployment string, maxSize int) *InMemoryLogger {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &InMemoryLogger{
		deployment: deployment,
		actor:      currentActor(),
		maxSize:    maxSize,
		now:        time.Now,
	}
}

// NewRunID returns a correlation id for one invocation
func NewRunID() string {
	return uuid.NewString()
}

// Log records an audit event
func (l *InMemoryLogger) Log(event *AuditEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	if event.Deployment == "" {
		event.Deployment = l.deployment
	}
	if event.Actor == "" {
		event.Actor = l.actor
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	if len(l.events) >= l.maxSize {
		drop := l.maxSize / 10
		if drop == 0 {
			drop = 1
		}
		l.events = append([]*AuditEvent(nil), l.events[drop:]...)
	}
	l.events = append(l.events, event)
	return nil
}

func severityFor(err error) EventSeverity {
	if err != nil {
		return SeverityError
	}
	return SeverityInfo
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// LogRun records the start or end of a run
func (l *InMemoryLogger) LogRun(runID, command string, action EventAction, err error) (*AuditEvent, error) {
	event := &AuditEvent{
		Type:          EventTypeRun,
		Action:        action,
		Severity:      severityFor(err),
		CorrelationID: runID,
		Description:   fmt.Sprintf("%s %s", command, action),
		Metadata:      map[string]string{"command": command},
		Success:       err == nil,
		ErrorMessage:  errorMessage(err),
	}
	if err := l.Log(event); err != nil {
		return nil, err
	}
	return event, nil
}

// LogStage records a stage transition
func (l *InMemoryLogger) LogStage(runID, stage string, action EventAction, duration time.Duration, errKind string, err error) (*AuditEvent, error) {
	event := &AuditEvent{
		Type:          EventTypeStage,
		Action:        action,
		Severity:      severityFor(err),
		Stage:         stage,
		CorrelationID: runID,
		Description:   fmt.Sprintf("stage %s %s", stage, action),
		Duration:      duration,
		Success:       err == nil,
		ErrorKind:     errKind,
		ErrorMessage:  errorMessage(err),
	}
	if err := l.Log(event); err != nil {
		return nil, err
	}
	return event, nil
}

// LogResource records a change to a resource
func (l *InMemoryLogger) LogResource(runID, stage, resourceType, resourceID string, action EventAction, err error) (*AuditEvent, error) {
	severity := severityFor(err)
	if err == nil && action == ActionAbsent {
		severity = SeverityWarning
	}
	event := &AuditEvent{
		Type:          EventTypeResource,
		Action:        action,
		Severity:      severity,
		Stage:         stage,
		ResourceID:    resourceID,
		ResourceType:  resourceType,
		CorrelationID: runID,
		Description:   fmt.Sprintf("%s %s %s", action, resourceType, resourceID),
		Success:       err == nil,
		ErrorMessage:  errorMessage(err),
	}
	if err := l.Log(event); err != nil {
		return nil, err
	}
	return event, nil
}

// List returns all events sorted by timestamp, oldest first
func (l *InMemoryLogger) List() []AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sorted()
}

func (l *InMemoryLogger) sorted() []AuditEvent {
	result := make([]AuditEvent, 0, len(l.events))
	for _, e := range l.events {
		result = append(result, *e)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result
}

// Query filters events based on criteria. Limit keeps the most recent matches.
func (l *InMemoryLogger) Query(filter *AuditFilter) []AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	all := l.sorted()
	if filter == nil {
		return all
	}

	var result []AuditEvent
	for i := range all {
		if matchesFilter(&all[i], filter) {
			result = append(result, all[i])
		}
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[len(result)-filter.Limit:]
	}
	return result
}

func matchesFilter(event *AuditEvent, filter *AuditFilter) bool {
	if len(filter.Types) > 0 && !containsType(filter.Types, event.Type) {
		return false
	}
	if len(filter.Actions) > 0 && !containsAction(filter.Actions, event.Action) {
		return false
	}
	if filter.Stage != "" && event.Stage != filter.Stage {
		return false
	}
	if filter.ResourceID != "" && event.ResourceID != filter.ResourceID {
		return false
	}
	if filter.ResourceType != "" && event.ResourceType != filter.ResourceType {
		return false
	}
	if filter.CorrelationID != "" && event.CorrelationID != filter.CorrelationID {
		return false
	}
	if filter.StartTime != nil && event.Timestamp.Before(*filter.StartTime) {
		return false
	}
	if filter.EndTime != nil && event.Timestamp.After(*filter.EndTime) {
		return false
	}
	if filter.FailedOnly && event.Success {
		return false
	}
	return true
}

func containsType(types []EventType, t EventType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func containsAction(actions []EventAction, a EventAction) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

// GetSummary returns statistics about audit events
func (l *InMemoryLogger) GetSummary() *AuditSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.summary()
}

func (l *InMemoryLogger) summary() *AuditSummary {
	summary := &AuditSummary{
		EventsByAction:   make(map[EventAction]int),
		EventsBySeverity: make(map[EventSeverity]int),
	}
	runs := make(map[string]bool)

	for _, e := range l.events {
		summary.TotalEvents++
		summary.EventsByAction[e.Action]++
		summary.EventsBySeverity[e.Severity]++
		if !e.Success {
			summary.FailureCount++
		}
		if e.CorrelationID != "" {
			runs[e.CorrelationID] = true
		}
		if summary.FirstEvent == nil || e.Timestamp.Before(*summary.FirstEvent) {
			t := e.Timestamp
			summary.FirstEvent = &t
		}
		if summary.LastEvent == nil || e.Timestamp.After(*summary.LastEvent) {
			t := e.Timestamp
			summary.LastEvent = &t
		}
	}
	summary.Runs = len(runs)
	return summary
}

// Export returns the journal in its persisted form
func (l *InMemoryLogger) Export() *AuditExport {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return &AuditExport{
		Version:    "1.0",
		Deployment: l.deployment,
		ExportedAt: l.now().UTC(),
		Events:     l.sorted(),
		Summary:    l.summary(),
	}
}

// Import replaces the journal contents
func (l *InMemoryLogger) Import(export *AuditExport) error {
	if export == nil {
		return fmt.Errorf("export cannot be nil")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = make([]*AuditEvent, 0, len(export.Events))
	for i := range export.Events {
		e := export.Events[i]
		l.events = append(l.events, &e)
	}
	if export.Deployment != "" && l.deployment == "" {
		l.deployment = export.Deployment
	}
	return nil
}

// ToJSON serializes to JSON
func (l *InMemoryLogger) ToJSON() ([]byte, error) {
	return json.MarshalIndent(l.Export(), "", "  ")
}

// FromJSON deserializes from JSON
func (l *InMemoryLogger) FromJSON(data []byte) error {
	var export AuditExport
	if err := json.Unmarshal(data, &export); err != nil {
		return fmt.Errorf("failed to unmarshal audit log: %w", err)
	}
	return l.Import(&export)
}

// SetClock overrides the time source, for tests
func (l *InMemoryLogger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
