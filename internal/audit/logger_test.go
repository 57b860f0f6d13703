package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func steppingClock() func() time.Time {
	t := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newTestLogger() *InMemoryLogger {
	logger := NewInMemoryLogger("moodle", 100)
	logger.SetClock(steppingClock())
	return logger
}

func TestNewInMemoryLogger_DefaultMaxSize(t *testing.T) {
	logger := NewInMemoryLogger("moodle", 0)
	assert.Equal(t, 10000, logger.maxSize)

	logger = NewInMemoryLogger("moodle", -1)
	assert.Equal(t, 10000, logger.maxSize)
}

func TestInMemoryLogger_Log(t *testing.T) {
	logger := newTestLogger()

	event := &AuditEvent{Type: EventTypeRun, Action: ActionBegin, Description: "deploy begin", Success: true}
	require.NoError(t, logger.Log(event))

	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Equal(t, "moodle", event.Deployment)
	assert.NotEmpty(t, event.Actor)
	assert.Equal(t, SeverityInfo, event.Severity)
}

func TestInMemoryLogger_Log_NilEvent(t *testing.T) {
	err := newTestLogger().Log(nil)
	assert.ErrorContains(t, err, "cannot be nil")
}

func TestInMemoryLogger_Log_MaxSizeDropsOldest(t *testing.T) {
	logger := NewInMemoryLogger("moodle", 10)
	logger.SetClock(steppingClock())

	for i := 0; i < 15; i++ {
		require.NoError(t, logger.Log(&AuditEvent{ID: string(rune('a' + i)), Type: EventTypeStage}))
	}

	events := logger.List()
	assert.LessOrEqual(t, len(events), 10)
	assert.Equal(t, "o", events[len(events)-1].ID)
	for _, e := range events {
		assert.NotEqual(t, "a", e.ID)
	}
}

func TestInMemoryLogger_LogStage(t *testing.T) {
	logger := newTestLogger()
	runID := NewRunID()

	ok, err := logger.LogStage(runID, "database", ActionComplete, 3*time.Minute, "", nil)
	require.NoError(t, err)
	assert.Equal(t, EventTypeStage, ok.Type)
	assert.Equal(t, "database", ok.Stage)
	assert.Equal(t, runID, ok.CorrelationID)
	assert.True(t, ok.Success)
	assert.Equal(t, 3*time.Minute, ok.Duration)

	failed, err := logger.LogStage(runID, "ingress", ActionFail, time.Minute, "Timeout", errors.New("no hostname"))
	require.NoError(t, err)
	assert.Equal(t, SeverityError, failed.Severity)
	assert.False(t, failed.Success)
	assert.Equal(t, "Timeout", failed.ErrorKind)
	assert.Equal(t, "no hostname", failed.ErrorMessage)
}

func TestInMemoryLogger_LogResource(t *testing.T) {
	logger := newTestLogger()

	created, err := logger.LogResource("run-1", "storage", "bucket", "moodle-data-abc", ActionCreate, nil)
	require.NoError(t, err)
	assert.Equal(t, "create bucket moodle-data-abc", created.Description)
	assert.Equal(t, SeverityInfo, created.Severity)

	absent, err := logger.LogResource("run-2", "", "bucket", "moodle-data-abc", ActionAbsent, nil)
	require.NoError(t, err)
	assert.Equal(t, SeverityWarning, absent.Severity)
	assert.True(t, absent.Success)
}

func TestInMemoryLogger_LogRun(t *testing.T) {
	logger := newTestLogger()

	event, err := logger.LogRun("run-1", "cleanup", ActionFail, errors.New("2 resources failed"))
	require.NoError(t, err)
	assert.Equal(t, EventTypeRun, event.Type)
	assert.Equal(t, "cleanup", event.Metadata["command"])
	assert.False(t, event.Success)
}

func TestInMemoryLogger_Query(t *testing.T) {
	logger := newTestLogger()

	_, _ = logger.LogRun("run-1", "deploy", ActionBegin, nil)
	_, _ = logger.LogStage("run-1", "cluster", ActionBegin, 0, "", nil)
	_, _ = logger.LogResource("run-1", "cluster", "cluster", "moodle-eks", ActionAdopt, nil)
	_, _ = logger.LogStage("run-1", "cluster", ActionComplete, time.Second, "", nil)
	_, _ = logger.LogRun("run-2", "cleanup", ActionBegin, nil)
	_, _ = logger.LogResource("run-2", "", "bucket", "b1", ActionDelete, errors.New("access denied"))

	tests := []struct {
		name   string
		filter *AuditFilter
		want   int
	}{
		{"nil filter", nil, 6},
		{"by type", &AuditFilter{Types: []EventType{EventTypeResource}}, 2},
		{"by action", &AuditFilter{Actions: []EventAction{ActionBegin}}, 3},
		{"by stage", &AuditFilter{Stage: "cluster"}, 3},
		{"by run", &AuditFilter{CorrelationID: "run-2"}, 2},
		{"by resource", &AuditFilter{ResourceType: "bucket", ResourceID: "b1"}, 1},
		{"failed only", &AuditFilter{FailedOnly: true}, 1},
		{"limit", &AuditFilter{Limit: 2}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, logger.Query(tt.filter), tt.want)
		})
	}

	latest := logger.Query(&AuditFilter{Limit: 1})
	require.Len(t, latest, 1)
	assert.Equal(t, "b1", latest[0].ResourceID)
}

func TestInMemoryLogger_QueryTimeRange(t *testing.T) {
	logger := newTestLogger()
	_, _ = logger.LogRun("run-1", "deploy", ActionBegin, nil)
	second, _ := logger.LogRun("run-1", "deploy", ActionComplete, nil)

	start := second.Timestamp
	assert.Len(t, logger.Query(&AuditFilter{StartTime: &start}), 1)
	assert.Len(t, logger.Query(&AuditFilter{EndTime: &start}), 2)
}

func TestInMemoryLogger_Summary(t *testing.T) {
	logger := newTestLogger()
	_, _ = logger.LogRun("run-1", "deploy", ActionBegin, nil)
	_, _ = logger.LogStage("run-1", "dns", ActionFail, 0, "DependencyMissing", errors.New("zone"))
	_, _ = logger.LogRun("run-2", "deploy", ActionBegin, nil)

	s := logger.GetSummary()
	assert.Equal(t, 3, s.TotalEvents)
	assert.Equal(t, 2, s.Runs)
	assert.Equal(t, 1, s.FailureCount)
	assert.Equal(t, 2, s.EventsByAction[ActionBegin])
	require.NotNil(t, s.FirstEvent)
	require.NotNil(t, s.LastEvent)
	assert.True(t, s.FirstEvent.Before(*s.LastEvent))
}

func TestInMemoryLogger_JSONRoundTrip(t *testing.T) {
	logger := newTestLogger()
	_, _ = logger.LogStage("run-1", "storage", ActionComplete, 90*time.Second, "", nil)
	_, _ = logger.LogResource("run-1", "storage", "filesystem", "fs-123", ActionCreate, nil)

	data, err := logger.ToJSON()
	require.NoError(t, err)

	restored := NewInMemoryLogger("", 0)
	require.NoError(t, restored.FromJSON(data))
	assert.Equal(t, "moodle", restored.deployment)

	events := restored.List()
	require.Len(t, events, 2)
	assert.Equal(t, "storage", events[0].Stage)
	assert.Equal(t, 90*time.Second, events[0].Duration)
	assert.Equal(t, "fs-123", events[1].ResourceID)

	assert.Error(t, restored.FromJSON([]byte("not json")))
	assert.Error(t, restored.Import(nil))
}

type memStorage struct {
	docs map[string][]byte
	err  error
}

func (m *memStorage) LoadAudit(_ context.Context, name string) ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.docs[name], nil
}

func (m *memStorage) SaveAudit(_ context.Context, name string, data []byte) error {
	m.docs[name] = data
	return nil
}

func TestOpenAndSave(t *testing.T) {
	ctx := context.Background()
	storage := &memStorage{docs: map[string][]byte{}}

	logger, err := Open(ctx, storage, "moodle")
	require.NoError(t, err)
	assert.Empty(t, logger.List())

	_, _ = logger.LogRun("run-1", "deploy", ActionComplete, nil)
	require.NoError(t, Save(ctx, storage, logger))
	assert.Contains(t, storage.docs, "moodle")

	reopened, err := Open(ctx, storage, "moodle")
	require.NoError(t, err)
	require.Len(t, reopened.List(), 1)
	assert.Equal(t, "run-1", reopened.List()[0].CorrelationID)

	storage.err = errors.New("denied")
	_, err = Open(ctx, storage, "moodle")
	assert.ErrorContains(t, err, "denied")
}
