package state

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStages = []string{"cluster", "database", "storage", "application", "ingress", "autoscaling", "dns"}

func fixedClock() func() time.Time {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newTestLedger() *Ledger {
	l := NewLedger("moodle", "a1b2c3", "us-east-1", "moodle-eks", testStages)
	l.SetClock(fixedClock())
	return l
}

func TestNewLedger(t *testing.T) {
	l := newTestLedger()

	assert.Equal(t, LedgerVersion, l.Version)
	require.Len(t, l.Stages, len(testStages))
	for i, id := range testStages {
		assert.Equal(t, id, l.Stages[i].ID)
		assert.Equal(t, StatusPending, l.Stages[i].Status)
	}
	assert.True(t, l.Empty())
}

func TestLedger_EnsureStagesKeepsUnknownRecords(t *testing.T) {
	l := newTestLedger()
	l.Record("legacy", ResourceHandle{Kind: KindBucket, ID: "old-bucket"})

	l.EnsureStages([]string{"dns", "cluster"})

	require.Len(t, l.Stages, len(testStages)+1)
	assert.Equal(t, "dns", l.Stages[0].ID)
	assert.Equal(t, "cluster", l.Stages[1].ID)
	assert.Equal(t, "legacy", l.Stages[len(l.Stages)-1].ID)
	_, ok := l.Find(KindBucket)
	assert.True(t, ok)
}

func TestLedger_Lifecycle(t *testing.T) {
	l := newTestLedger()

	l.Begin("database")
	s := l.Stage("database")
	require.NotNil(t, s)
	assert.Equal(t, StatusInProgress, s.Status)
	assert.Equal(t, 1, s.Attempts)
	assert.NotNil(t, s.StartedAt)

	l.Fail("database", "Timeout", errors.New("db not available"))
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, "Timeout", s.ErrorKind)
	assert.Equal(t, "db not available", s.Error)

	l.Begin("database")
	assert.Equal(t, 2, s.Attempts)
	assert.Empty(t, s.Error)

	l.Complete("database")
	assert.Equal(t, StatusDone, s.Status)
	assert.NotNil(t, s.FinishedAt)

	counts := l.Counts()
	assert.Equal(t, 1, counts[StatusDone])
	assert.Equal(t, len(testStages)-1, counts[StatusPending])
}

func TestLedger_RecordDeduplicates(t *testing.T) {
	l := newTestLedger()

	l.Record("database", ResourceHandle{Kind: KindDBInstance, ID: "moodle-db", Attributes: map[string]string{AttrEndpoint: ""}})
	l.Record("database", ResourceHandle{Kind: KindDBInstance, ID: "moodle-db", Attributes: map[string]string{AttrEndpoint: "db.example.com"}})

	hs := l.Stage("database").Handles
	require.Len(t, hs, 1)
	assert.Equal(t, "db.example.com", hs[0].Attr(AttrEndpoint))
}

func TestLedger_RecordKeepsOwnership(t *testing.T) {
	l := newTestLedger()

	l.Record("storage", ResourceHandle{Kind: KindBucket, ID: "moodle-data-abc"})
	created := l.Stage("storage").Handles[0].CreatedAt

	// a rerun discovers the bucket and records it as adopted
	l.Record("storage", ResourceHandle{Kind: KindBucket, ID: "moodle-data-abc", Adopted: true})

	h := l.Stage("storage").Handles[0]
	assert.False(t, h.Adopted)
	assert.Equal(t, created, h.CreatedAt)
}

func TestLedger_HandlesInStageOrder(t *testing.T) {
	l := newTestLedger()
	l.Record("dns", ResourceHandle{Kind: KindDNSRecord, ID: "moodle.example.com"})
	l.Record("cluster", ResourceHandle{Kind: KindCluster, ID: "moodle-eks"})
	l.Record("storage", ResourceHandle{Kind: KindFileSystem, ID: "fs-1"})
	l.Record("storage", ResourceHandle{Kind: KindMountTarget, ID: "fsmt-1"})
	l.Record("storage", ResourceHandle{Kind: KindMountTarget, ID: "fsmt-2"})

	var kinds []Kind
	for _, h := range l.Handles() {
		kinds = append(kinds, h.Kind)
	}
	assert.Equal(t, []Kind{KindCluster, KindFileSystem, KindMountTarget, KindMountTarget, KindDNSRecord}, kinds)
	assert.Len(t, l.HandlesOf(KindMountTarget), 2)

	_, ok := l.Find(KindHPA)
	assert.False(t, ok)
}

func TestLedger_Forget(t *testing.T) {
	l := newTestLedger()
	fs := ResourceHandle{Kind: KindFileSystem, ID: "fs-1"}
	mt := ResourceHandle{Kind: KindMountTarget, ID: "fsmt-1"}
	l.Record("storage", fs)
	l.Record("storage", mt)
	l.Complete("storage")

	assert.True(t, l.Forget(mt))
	assert.Equal(t, StatusPending, l.Stage("storage").Status)
	assert.Len(t, l.Stage("storage").Handles, 1)

	assert.True(t, l.Forget(fs))
	assert.Empty(t, l.Stage("storage").Handles)
	assert.Nil(t, l.Stage("storage").FinishedAt)
	assert.True(t, l.Empty())

	assert.False(t, l.Forget(fs))
}

func TestLedger_StageOf(t *testing.T) {
	l := newTestLedger()
	sg := ResourceHandle{Kind: KindSecurityGroup, ID: "sg-1"}
	l.Record("database", sg)

	assert.Equal(t, "database", l.StageOf(sg))
	assert.Equal(t, "", l.StageOf(ResourceHandle{Kind: KindSecurityGroup, ID: "sg-2"}))
}

func TestLedger_CloneIsDeep(t *testing.T) {
	l := newTestLedger()
	l.Record("database", ResourceHandle{Kind: KindDBInstance, ID: "db", Attributes: map[string]string{AttrPort: "3306"}})

	c := l.Clone()
	c.Stage("database").Handles[0].Attributes[AttrPort] = "5432"
	c.Complete("database")

	assert.Equal(t, "3306", l.Stage("database").Handles[0].Attr(AttrPort))
	assert.Equal(t, StatusPending, l.Stage("database").Status)
}

func TestLedger_JSONRoundTripKeepsHandles(t *testing.T) {
	l := newTestLedger()
	l.Record("dns", ResourceHandle{
		Kind: KindDNSRecord,
		ID:   "Z123/moodle.example.com/A",
		Attributes: map[string]string{
			AttrZoneID:      "Z123",
			AttrRecordName:  "moodle.example.com",
			AttrRecordType:  "A",
			AttrAliasTarget: "k8s-moodle.elb.amazonaws.com",
		},
	})

	data, err := json.Marshal(l)
	require.NoError(t, err)

	var back Ledger
	require.NoError(t, json.Unmarshal(data, &back))
	h, ok := back.Find(KindDNSRecord)
	require.True(t, ok)
	assert.Equal(t, "Z123", h.Attr(AttrZoneID))
	assert.Equal(t, "moodle.example.com", h.Attr(AttrRecordName))
	assert.Equal(t, "A", h.Attr(AttrRecordType))
}

func TestResourceHandle_String(t *testing.T) {
	assert.Equal(t, "bucket b1", ResourceHandle{Kind: KindBucket, ID: "b1"}.String())
	assert.Equal(t, "security-group moodle-efs (sg-1)", ResourceHandle{Kind: KindSecurityGroup, ID: "sg-1", Name: "moodle-efs"}.String())
	assert.Equal(t, "", ResourceHandle{}.Attr("x"))
}

func TestLedger_MarkAdopted(t *testing.T) {
	l := NewLedger("moodle", "seed", "us-east-1", "c", []string{"cluster"})
	l.Record("cluster", ResourceHandle{Kind: KindCluster, ID: "c"})
	require.True(t, l.MarkAdopted("cluster", KindCluster, "c"))

	h, ok := l.Find(KindCluster)
	require.True(t, ok)
	assert.True(t, h.Adopted)

	l.Record("cluster", ResourceHandle{Kind: KindCluster, ID: "c", Adopted: true, Attributes: map[string]string{AttrEndpoint: "https://c"}})
	h, _ = l.Find(KindCluster)
	assert.True(t, h.Adopted)
	assert.False(t, l.MarkAdopted("cluster", KindBucket, "c"))
}

func TestResourceHandle_SetAttr(t *testing.T) {
	var h ResourceHandle
	h.SetAttr(AttrHostname, "k8s-moodle.elb.amazonaws.com")
	assert.Equal(t, "k8s-moodle.elb.amazonaws.com", h.Attr(AttrHostname))

	l := NewLedger("moodle", "seed", "us-east-1", "c", []string{"ingress"})
	recorded := ResourceHandle{Kind: KindIngress, ID: "moodle/moodle", Attributes: map[string]string{AttrNamespace: "moodle"}}
	l.Record("ingress", recorded)
	recorded.SetAttr(AttrHostname, "other")

	stored, ok := l.Find(KindIngress)
	require.True(t, ok)
	assert.Empty(t, stored.Attr(AttrHostname))
	assert.Equal(t, "moodle", recorded.Attr(AttrNamespace))
}
