package cleanup

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalkan3/moodle-eks/internal/audit"
	"github.com/chalkan3/moodle-eks/internal/failure"
	"github.com/chalkan3/moodle-eks/internal/metrics"
	"github.com/chalkan3/moodle-eks/internal/orchestrator"
	"github.com/chalkan3/moodle-eks/internal/plan"
	"github.com/chalkan3/moodle-eks/internal/state"
	"github.com/chalkan3/moodle-eks/pkg/config"
	"github.com/chalkan3/moodle-eks/pkg/providers"
	"github.com/chalkan3/moodle-eks/pkg/providers/fake"
)

// ==================== Helpers ====================

var fastRetry = plan.RetrySpec{
	MaxRetries:   2,
	InitialDelay: time.Millisecond,
	MaxDelay:     2 * time.Millisecond,
	PollInterval: time.Millisecond,
	PollMaxDelay: 2 * time.Millisecond,
}

func testPlan(t *testing.T) *plan.Plan {
	t.Helper()
	cfg := config.Default()
	cfg.DNS.Domain = "example.com"
	cfg.DNS.Record = "moodle.example.com"
	cfg.Ingress.HostnameAttempts = 3
	p, err := plan.Build(cfg, "seed-1")
	require.NoError(t, err)
	p.Retry = fastRetry
	return p
}

func clientsFor(c *fake.Cloud) orchestrator.Clients {
	return orchestrator.Clients{
		Cluster:       c,
		KeyPairs:      c,
		Network:       c,
		Databases:     c,
		Secrets:       c,
		FileSystems:   c,
		Buckets:       c,
		DNS:           c,
		LoadBalancers: c,
		Identity:      c,
		Connector:     c,
	}
}

type harness struct {
	cloud   *fake.Cloud
	repo    *state.Repository
	plan    *plan.Plan
	journal *audit.InMemoryLogger
	results []Result
}

// deployed runs a full deployment against a fresh fake cloud
func deployed(t *testing.T) (*harness, *state.Ledger) {
	t.Helper()
	c := fake.NewCloud()
	c.Zones["example.com"] = "Z0EXAMPLE"
	h := &harness{
		cloud:   c,
		repo:    state.NewRepository(state.NewMemoryStore(0)),
		plan:    testPlan(t),
		journal: audit.NewInMemoryLogger("moodle", 0),
	}
	o, err := orchestrator.New(orchestrator.Config{
		Clients: clientsFor(c),
		Store:   h.repo,
		KeyDir:  t.TempDir(),
	})
	require.NoError(t, err)
	_, err = o.Run(context.Background(), h.plan)
	require.NoError(t, err)

	l, err := h.repo.Load(context.Background(), h.plan.Name)
	require.NoError(t, err)
	c.Reset()
	return h, l
}

func (h *harness) runner(t *testing.T, mutate func(cfg *Config)) *Runner {
	t.Helper()
	cfg := Config{
		Clients:  clientsFor(h.cloud),
		Store:    h.repo,
		Journal:  h.journal,
		Metrics:  metrics.New("moodle"),
		Timeouts: h.plan.Timeouts,
		Retry:    fastRetry,
		Observer: func(r Result) { h.results = append(h.results, r) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	return r
}

func outcomes(report *Report) map[state.Kind][]Outcome {
	out := make(map[state.Kind][]Outcome)
	for _, res := range report.Results {
		out[res.Handle.Kind] = append(out[res.Handle.Kind], res.Outcome)
	}
	return out
}

func indexOf(calls []string, prefix string) int {
	for i, c := range calls {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}

// ==================== Construction ====================

func TestNew_RequiresClientsAndStore(t *testing.T) {
	_, err := New(Config{Store: state.NewRepository(state.NewMemoryStore(0))})
	assert.Error(t, err)

	_, err = New(Config{Clients: clientsFor(fake.NewCloud())})
	assert.Error(t, err)
}

// ==================== Full teardown ====================

func TestRun_RemovesEverythingRecorded(t *testing.T) {
	h, l := deployed(t)
	total := len(l.Handles())
	require.NotZero(t, total)

	report, errs := h.runner(t, nil).Run(context.Background(), l)
	require.Empty(t, errs)

	assert.Len(t, report.Results, total)
	assert.Equal(t, total, report.Counts()[OutcomeDeleted])
	assert.Empty(t, report.Failed())
	assert.True(t, report.LedgerRemoved)
	assert.True(t, l.Empty())

	_, err := h.repo.Load(context.Background(), h.plan.Name)
	assert.ErrorIs(t, err, state.ErrNotFound)

	c := h.cloud
	assert.Empty(t, c.Clusters)
	assert.Empty(t, c.KeyPairs)
	assert.Empty(t, c.SecurityGroups)
	assert.Empty(t, c.DBInstances)
	assert.Empty(t, c.DBSubnetGroups)
	assert.Empty(t, c.Secrets)
	assert.Empty(t, c.FileSystems)
	assert.Empty(t, c.MountTargets)
	assert.Empty(t, c.Buckets)
	assert.Empty(t, c.Records)
	assert.Empty(t, c.ServiceAccounts)
	assert.Empty(t, c.Objects)
	assert.Empty(t, c.Releases)

	assert.Len(t, h.results, total)
	deletes := h.journal.Query(&audit.AuditFilter{Actions: []audit.EventAction{audit.ActionDelete}})
	assert.Len(t, deletes, total)
}

func TestRun_DeletesInDependencyOrder(t *testing.T) {
	h, l := deployed(t)
	_, errs := h.runner(t, nil).Run(context.Background(), l)
	require.Empty(t, errs)

	p := h.plan
	ns := p.App.Namespace
	order := []string{
		"DeleteAliasRecord",
		"Delete HorizontalPodAutoscaler/" + ns,
		"Delete Ingress/" + ns,
		"Delete Service/" + ns,
		"Delete Deployment/" + ns,
		"Delete PersistentVolumeClaim/" + ns,
		"Delete PersistentVolume/",
		"Delete Secret/" + ns,
		"Delete Namespace/",
		"UninstallRelease " + p.Addons.MetricsServer.Namespace + "/" + p.Addons.MetricsServer.Release,
		"UninstallRelease " + p.Addons.LoadBalancerController.Namespace + "/" + p.Addons.LoadBalancerController.Release,
		"UninstallRelease " + p.Addons.EFSCSIDriver.Namespace + "/" + p.Addons.EFSCSIDriver.Release,
		"DeleteServiceAccount",
		"DeleteDBInstance",
		"DeleteDBSubnetGroup",
		"DeleteSecret",
		"DeleteMountTarget",
		"DeleteFileSystem",
		"DeleteSecurityGroup",
		"EmptyBucket",
		"DeleteBucket",
		"DeleteCluster",
		"DeleteKeyPair",
	}

	calls := h.cloud.Calls()
	last := -1
	for _, prefix := range order {
		i := indexOf(calls, prefix)
		require.NotEqual(t, -1, i, "missing call %q", prefix)
		assert.Greater(t, i, last, "%q ran out of order", prefix)
		last = i
	}
}

func TestOrder_MatchesRun(t *testing.T) {
	h, l := deployed(t)
	r := h.runner(t, nil)
	planned := r.Order(l)
	require.Len(t, planned, len(l.Handles()))

	report, errs := r.Run(context.Background(), l)
	require.Empty(t, errs)
	for i, res := range report.Results {
		assert.Equal(t, planned[i].Key(), res.Handle.Key())
	}
	assert.Equal(t, state.KindDNSRecord, planned[0].Kind)
	assert.Equal(t, state.KindKeyPair, planned[len(planned)-1].Kind)
}

func TestRun_EmptiesBucketBeforeDelete(t *testing.T) {
	h, l := deployed(t)
	h.cloud.Buckets[h.plan.Storage.BucketName] = 2500

	_, errs := h.runner(t, nil).Run(context.Background(), l)
	require.Empty(t, errs)
	assert.NotContains(t, h.cloud.Buckets, h.plan.Storage.BucketName)
}

func TestRun_RemovesPrivateKeyFile(t *testing.T) {
	h, l := deployed(t)
	kp, ok := l.Find(state.KindKeyPair)
	require.True(t, ok)
	path := kp.Attr(state.AttrKeyFile)
	require.NotEmpty(t, path)
	require.FileExists(t, path)

	_, errs := h.runner(t, nil).Run(context.Background(), l)
	require.Empty(t, errs)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

// ==================== Partial ledgers ====================

func TestRun_PartialLedgerReportsAbsent(t *testing.T) {
	h, l := deployed(t)
	c := h.cloud
	p := h.plan

	// removed behind the ledger's back
	delete(c.DBInstances, p.Database.Identifier)
	delete(c.Buckets, p.Storage.BucketName)
	// never recorded
	c.Buckets["someone-elses-bucket"] = 3
	c.Secrets["unrelated"] = &providers.Secret{Name: "unrelated", Value: "x"}

	report, errs := h.runner(t, nil).Run(context.Background(), l)
	require.Empty(t, errs)

	got := outcomes(report)
	assert.Equal(t, []Outcome{OutcomeAbsent}, got[state.KindDBInstance])
	assert.Equal(t, []Outcome{OutcomeAbsent}, got[state.KindBucket])
	assert.Equal(t, 2, report.Counts()[OutcomeAbsent])
	assert.True(t, report.LedgerRemoved)

	assert.Equal(t, 3, c.Buckets["someone-elses-bucket"])
	assert.Contains(t, c.Secrets, "unrelated")

	absent := h.journal.Query(&audit.AuditFilter{Actions: []audit.EventAction{audit.ActionAbsent}})
	assert.Len(t, absent, 2)
}

func TestRun_OnlyTouchesRecordedHandles(t *testing.T) {
	c := fake.NewCloud()
	c.AddCluster("moodle-eks")
	c.Buckets["recorded-bucket"] = 0
	c.Buckets["other-bucket"] = 0

	l := state.NewLedger("moodle", "seed-1", "us-east-1", "moodle-eks", plan.Stages())
	l.Record(plan.StageStorage, state.ResourceHandle{Kind: state.KindBucket, ID: "recorded-bucket"})
	l.Record(plan.StageStorage, state.ResourceHandle{Kind: state.KindFileSystem, ID: "fs-missing"})

	repo := state.NewRepository(state.NewMemoryStore(0))
	require.NoError(t, repo.Save(context.Background(), l))

	r, err := New(Config{Clients: clientsFor(c), Store: repo, Retry: fastRetry})
	require.NoError(t, err)
	report, errs := r.Run(context.Background(), l)
	require.Empty(t, errs)

	got := outcomes(report)
	assert.Equal(t, []Outcome{OutcomeDeleted}, got[state.KindBucket])
	assert.Equal(t, []Outcome{OutcomeAbsent}, got[state.KindFileSystem])
	assert.Contains(t, c.Buckets, "other-bucket")
	assert.Contains(t, c.Clusters, "moodle-eks")
	assert.Zero(t, c.Count("DeleteCluster"))
	assert.Zero(t, c.Count("Connect"))
}

func TestRun_ClusterGoneMarksObjectsAbsent(t *testing.T) {
	h, l := deployed(t)
	delete(h.cloud.Clusters, h.plan.Cluster.Name)

	report, errs := h.runner(t, nil).Run(context.Background(), l)
	require.Empty(t, errs)

	got := outcomes(report)
	for _, kind := range []state.Kind{state.KindHPA, state.KindIngress, state.KindDeployment, state.KindNamespace, state.KindAddon, state.KindCluster} {
		for _, o := range got[kind] {
			assert.Equal(t, OutcomeAbsent, o, "kind %s", kind)
		}
	}
	assert.Zero(t, h.cloud.Count("Connect"))
	assert.Zero(t, h.cloud.Count("Delete Deployment"))
	assert.True(t, report.LedgerRemoved)
}

// ==================== DNS ====================

func TestRun_DNSDeletesExactRecordedTuple(t *testing.T) {
	h, l := deployed(t)
	rec, ok := l.Find(state.KindDNSRecord)
	require.True(t, ok)
	zoneID, alias := orchestrator.AliasOf(rec)

	_, errs := h.runner(t, nil).Run(context.Background(), l)
	require.Empty(t, errs)

	assert.Empty(t, h.cloud.Records)
	assert.Equal(t, "Z0EXAMPLE", zoneID)
	assert.Equal(t, h.plan.DNS.RecordName, alias.Name)
	assert.Equal(t, fake.ALBZoneID, alias.AliasZoneID)
	assert.Equal(t, 1, h.cloud.Count("DeleteAliasRecord "+alias.Name))
}

func TestRun_DNSLeavesRepointedRecord(t *testing.T) {
	h, l := deployed(t)
	rec, ok := l.Find(state.KindDNSRecord)
	require.True(t, ok)
	zoneID, alias := orchestrator.AliasOf(rec)

	// someone pointed the name elsewhere after the deployment
	_, err := h.cloud.UpsertAliasRecord(context.Background(), zoneID, providers.AliasRecord{
		Name:        alias.Name,
		Type:        alias.Type,
		AliasTarget: "other-lb.us-east-1.elb.amazonaws.com",
		AliasZoneID: alias.AliasZoneID,
	})
	require.NoError(t, err)

	report, errs := h.runner(t, nil).Run(context.Background(), l)
	require.Empty(t, errs)
	assert.Equal(t, []Outcome{OutcomeAbsent}, outcomes(report)[state.KindDNSRecord])
	assert.Len(t, h.cloud.Records, 1)
}

func TestRun_DNSWithoutTupleFails(t *testing.T) {
	c := fake.NewCloud()
	l := state.NewLedger("moodle", "seed-1", "us-east-1", "moodle-eks", plan.Stages())
	l.Record(plan.StageDNS, state.ResourceHandle{Kind: state.KindDNSRecord, ID: "moodle.example.com/A", Name: "moodle.example.com"})
	repo := state.NewRepository(state.NewMemoryStore(0))

	r, err := New(Config{Clients: clientsFor(c), Store: repo, Retry: fastRetry})
	require.NoError(t, err)
	report, errs := r.Run(context.Background(), l)
	require.Len(t, errs, 1)
	assert.Equal(t, []Outcome{OutcomeFailed}, outcomes(report)[state.KindDNSRecord])
	assert.Zero(t, c.Count("DeleteAliasRecord"))
	assert.False(t, report.LedgerRemoved)
}

// ==================== Failures ====================

func TestRun_ContinuesPastFailures(t *testing.T) {
	h, l := deployed(t)
	h.cloud.Fail("DeleteDBInstance", errors.New("InvalidDBInstanceState: instance is being modified"))

	report, errs := h.runner(t, nil).Run(context.Background(), l)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), h.plan.Database.Identifier)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, state.KindDBInstance, failed[0].Handle.Kind)
	assert.False(t, report.LedgerRemoved)

	// everything after the failure still ran
	assert.Empty(t, h.cloud.Buckets)
	assert.Empty(t, h.cloud.Clusters)

	saved, err := h.repo.Load(context.Background(), h.plan.Name)
	require.NoError(t, err)
	remaining := saved.Handles()
	require.Len(t, remaining, 1)
	assert.Equal(t, state.KindDBInstance, remaining[0].Kind)

	fails := h.journal.Query(&audit.AuditFilter{Actions: []audit.EventAction{audit.ActionFail}, ResourceID: h.plan.Database.Identifier})
	assert.Len(t, fails, 1)

	// a second run finishes the job
	report, errs = h.runner(t, nil).Run(context.Background(), saved)
	require.Empty(t, errs)
	assert.Equal(t, []Outcome{OutcomeDeleted}, outcomes(report)[state.KindDBInstance])
	assert.True(t, report.LedgerRemoved)
}

func TestRun_RetriesSecurityGroupInUse(t *testing.T) {
	h, l := deployed(t)
	groups := len(l.HandlesOf(state.KindSecurityGroup))
	require.Equal(t, 2, groups)

	inUse := &smithy.GenericAPIError{Code: "DependencyViolation", Message: "resource has a dependent object"}
	h.cloud.Fail("DeleteSecurityGroup", inUse, inUse)

	_, errs := h.runner(t, nil).Run(context.Background(), l)
	require.Empty(t, errs)
	assert.Empty(t, h.cloud.SecurityGroups)
	assert.Equal(t, groups+2, h.cloud.Count("DeleteSecurityGroup"))
}

func TestRun_SecurityGroupRetriesAreBounded(t *testing.T) {
	h, l := deployed(t)
	inUse := &smithy.GenericAPIError{Code: "DependencyViolation", Message: "resource has a dependent object"}
	h.cloud.Fail("DeleteSecurityGroup", inUse, inUse, inUse)

	report, errs := h.runner(t, func(cfg *Config) { cfg.SecurityGroupRetries = 2 }).Run(context.Background(), l)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "DependencyViolation")

	got := outcomes(report)[state.KindSecurityGroup]
	assert.ElementsMatch(t, []Outcome{OutcomeFailed, OutcomeDeleted}, got)
}

func TestRun_SecurityGroupOtherErrorsAreNotRetried(t *testing.T) {
	h, l := deployed(t)
	h.cloud.Fail("DeleteSecurityGroup", errors.New("UnauthorizedOperation"))

	_, errs := h.runner(t, nil).Run(context.Background(), l)
	require.Len(t, errs, 1)
	assert.Equal(t, 2, h.cloud.Count("DeleteSecurityGroup"))
}

func TestRun_Canceled(t *testing.T) {
	h, l := deployed(t)
	before := len(l.Handles())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, errs := h.runner(t, nil).Run(ctx, l)
	require.Len(t, errs, 1)
	assert.Equal(t, failure.KindCanceled, failure.KindOf(errs[0]))
	assert.Empty(t, report.Results)
	assert.False(t, report.LedgerRemoved)
	assert.Len(t, l.Handles(), before)
}

func TestIsDependencyViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"api error", &smithy.GenericAPIError{Code: "DependencyViolation"}, true},
		{"wrapped api error", errors.Join(errors.New("delete"), &smithy.GenericAPIError{Code: "DependencyViolation"}), true},
		{"other api error", &smithy.GenericAPIError{Code: "InvalidGroup.NotFound"}, false},
		{"message only", errors.New("DependencyViolation: resource sg-1 has a dependent object"), true},
		{"unrelated", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isDependencyViolation(tt.err))
		})
	}
}
