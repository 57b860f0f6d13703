package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/chalkan3/moodle-eks/internal/cleanup"
	"github.com/chalkan3/moodle-eks/internal/plan"
	"github.com/chalkan3/moodle-eks/internal/state"
)

func testLedger() *state.Ledger {
	l := state.NewLedger("moodle", "seed-1", "us-east-1", "moodle-eks-seed1", plan.Stages())
	l.Begin(plan.StageCluster)
	l.Record(plan.StageCluster, state.ResourceHandle{Kind: state.KindKeyPair, ID: "moodle-key-seed1"})
	l.Record(plan.StageCluster, state.ResourceHandle{Kind: state.KindCluster, ID: "moodle-eks-seed1"})
	l.Complete(plan.StageCluster)
	l.Begin(plan.StageDatabase)
	l.Record(plan.StageDatabase, state.ResourceHandle{Kind: state.KindSecret, ID: "moodle-db-seed1", Adopted: true})
	l.Fail(plan.StageDatabase, "quota", errors.New("DB instance quota exceeded"))
	return l
}

func TestWriteLedger_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeLedger(&buf, testLedger(), "table"))

	out := buf.String()
	assert.Contains(t, out, "Deployment: moodle")
	assert.Contains(t, out, "moodle-eks-seed1")
	assert.Contains(t, out, "adopted")
	assert.Contains(t, out, "quota")
	assert.Contains(t, out, "DB instance quota exceeded")
}

func TestWriteLedger_Empty(t *testing.T) {
	l := state.NewLedger("moodle", "s", "us-east-1", "c", plan.Stages())
	var buf bytes.Buffer
	require.NoError(t, writeLedger(&buf, l, "table"))
	assert.Contains(t, buf.String(), "No resources recorded")
}

func TestWriteLedger_Structured(t *testing.T) {
	l := testLedger()

	var js bytes.Buffer
	require.NoError(t, writeLedger(&js, l, "json"))
	var decoded state.Ledger
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, l.Name, decoded.Name)
	assert.Len(t, decoded.Handles(), 3)

	var ys bytes.Buffer
	require.NoError(t, writeLedger(&ys, l, "yaml"))
	assert.Contains(t, ys.String(), "clusterName: moodle-eks-seed1")
	var fromYAML state.Ledger
	require.NoError(t, sigsyaml.Unmarshal(ys.Bytes(), &fromYAML))
	assert.Equal(t, l.Seed, fromYAML.Seed)
}

func TestWriteNames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeNames(&buf, "/tmp/ledgers", []string{"moodle", "staging"}, "table"))
	assert.Contains(t, buf.String(), "staging")

	buf.Reset()
	require.NoError(t, writeNames(&buf, "/tmp/ledgers", []string{"moodle"}, "json"))
	assert.JSONEq(t, `{"location":"/tmp/ledgers","deployments":["moodle"]}`, buf.String())
}

func TestWriteCleanupOrder(t *testing.T) {
	l := testLedger()
	order := l.Handles()

	var buf bytes.Buffer
	require.NoError(t, writeCleanupOrder(&buf, l, order))
	assert.Contains(t, buf.String(), "would delete")
	assert.Contains(t, buf.String(), "moodle-db-seed1")
	assert.Contains(t, buf.String(), "adopted")

	buf.Reset()
	require.NoError(t, writeCleanupOrder(&buf, l, nil))
	assert.Contains(t, buf.String(), "Nothing to delete")
}

func TestPrintCleanupSummary(t *testing.T) {
	report := &cleanup.Report{
		Deployment: "moodle",
		Results: []cleanup.Result{
			{Handle: state.ResourceHandle{Kind: state.KindCluster, ID: "c"}, Outcome: cleanup.OutcomeDeleted},
			{Handle: state.ResourceHandle{Kind: state.KindBucket, ID: "b"}, Outcome: cleanup.OutcomeFailed, Error: "BucketNotEmpty"},
		},
	}
	var buf bytes.Buffer
	printCleanupSummary(&buf, report)
	out := buf.String()
	assert.Contains(t, out, "Deleted: 1")
	assert.Contains(t, out, "Failed: 1")
	assert.Contains(t, out, "BucketNotEmpty")
	assert.Contains(t, out, "cleanup --name moodle")
}

func TestCleanupCmd_Structure(t *testing.T) {
	assert.Equal(t, "cleanup", cleanupCmd.Use)
	assert.Contains(t, cleanupCmd.Aliases, "destroy")
	assert.NotNil(t, cleanupCmd.Flags().Lookup("discover"))
	assert.NotNil(t, cleanupCmd.Flags().Lookup("dry-run"))
	assert.NotNil(t, cleanupCmd.Flags().Lookup("seed"))
	assert.Nil(t, cleanupObserver(false))
	assert.NotNil(t, cleanupObserver(true))
}

func TestMergeDiscovered(t *testing.T) {
	found := state.NewLedger("moodle", "seed-1", "us-east-1", "moodle-eks-seed1", plan.Stages())
	found.Record(plan.StageCluster, state.ResourceHandle{Kind: state.KindCluster, ID: "moodle-eks-seed1", Adopted: true})
	found.Record(plan.StageStorage, state.ResourceHandle{Kind: state.KindBucket, ID: "moodle-media-seed1", Adopted: true})

	assert.Same(t, found, mergeDiscovered(nil, found))

	l := testLedger()
	merged := mergeDiscovered(l, found)
	assert.Len(t, merged.Handles(), 4)

	cluster, ok := merged.Find(state.KindCluster)
	require.True(t, ok)
	assert.False(t, cluster.Adopted, "a created handle stays created")
	bucket, ok := merged.Find(state.KindBucket)
	require.True(t, ok)
	assert.True(t, bucket.Adopted)
}

func TestRequireSeed(t *testing.T) {
	err := requireSeed(nil, "", "moodle")
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "--seed")
		assert.Contains(t, err.Error(), plan.SeedTag)
	}
	assert.NoError(t, requireSeed(nil, "seed-1", "moodle"))
	assert.NoError(t, requireSeed(testLedger(), "", "moodle"))
}
