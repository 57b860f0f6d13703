// Package cleanup tears down the resources recorded in a deployment ledger,
// in reverse dependency order. Teardown is best effort: a failed deletion is
// reported and the runner moves on, leaving the handle in the ledger so a
// later run can retry it.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/smithy-go"

	"github.com/chalkan3/moodle-eks/internal/audit"
	"github.com/chalkan3/moodle-eks/internal/failure"
	"github.com/chalkan3/moodle-eks/internal/metrics"
	"github.com/chalkan3/moodle-eks/internal/orchestrator"
	"github.com/chalkan3/moodle-eks/internal/plan"
	"github.com/chalkan3/moodle-eks/internal/state"
	"github.com/chalkan3/moodle-eks/pkg/providers"
	"github.com/chalkan3/moodle-eks/pkg/retry"
)

// Stage is the name cleanup events are journaled under
const Stage = "cleanup"

const (
	defaultWait           = 20 * time.Minute
	defaultSecurityGroups = 10
)

// Outcome is what happened to one handle
type Outcome string

const (
	OutcomeDeleted Outcome = "deleted"
	OutcomeAbsent  Outcome = "absent"
	OutcomeFailed  Outcome = "failed"
)

// Result is the outcome of one handle
type Result struct {
	Handle   state.ResourceHandle `json:"handle" yaml:"handle"`
	Stage    string               `json:"stage,omitempty" yaml:"stage,omitempty"`
	Outcome  Outcome              `json:"outcome" yaml:"outcome"`
	Error    string               `json:"error,omitempty" yaml:"error,omitempty"`
	Duration time.Duration        `json:"duration" yaml:"duration"`
}

// Report collects the results of a cleanup run
type Report struct {
	Deployment    string    `json:"deployment" yaml:"deployment"`
	RunID         string    `json:"runId" yaml:"runId"`
	StartedAt     time.Time `json:"startedAt" yaml:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt" yaml:"finishedAt"`
	Results       []Result  `json:"results" yaml:"results"`
	LedgerRemoved bool      `json:"ledgerRemoved" yaml:"ledgerRemoved"`
}

// Counts returns the number of results per outcome
func (r *Report) Counts() map[Outcome]int {
	counts := make(map[Outcome]int)
	for _, res := range r.Results {
		counts[res.Outcome]++
	}
	return counts
}

// Failed returns the results that did not delete
func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			out = append(out, res)
		}
	}
	return out
}

// LedgerStore persists and removes ledgers
type LedgerStore interface {
	Save(ctx context.Context, l *state.Ledger) error
	Delete(ctx context.Context, name string) error
}

// Config wires a Runner
type Config struct {
	Clients orchestrator.Clients
	Store   LedgerStore
	Journal *audit.InMemoryLogger
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	RunID   string
	// Timeouts bound the waits for the database, mount targets and ingress
	Timeouts plan.Timeouts
	// Retry sets the polling cadence and the backoff of security group retries
	Retry plan.RetrySpec
	// SecurityGroupRetries bounds the retries of a group still in use
	SecurityGroupRetries int
	Observer             func(Result)
}

// Runner deletes the handles of a ledger
type Runner struct {
	clients  orchestrator.Clients
	store    LedgerStore
	journal  *audit.InMemoryLogger
	metrics  *metrics.Recorder
	logger   *slog.Logger
	runID    string
	timeouts plan.Timeouts
	retry    plan.RetrySpec
	sgTries  int
	observer func(Result)

	ledger  *state.Ledger
	kube    providers.KubernetesAPI
	addons  providers.AddonAPI
	kubeOK  bool
	kubeErr error
}

// New creates a cleanup runner
func New(cfg Config) (*Runner, error) {
	c := cfg.Clients
	if c.Cluster == nil || c.KeyPairs == nil || c.Network == nil || c.Databases == nil ||
		c.Secrets == nil || c.FileSystems == nil || c.Buckets == nil || c.DNS == nil ||
		c.Identity == nil || c.Connector == nil {
		return nil, errors.New("all provider clients are required")
	}
	if cfg.Store == nil {
		return nil, errors.New("ledger store is required")
	}
	r := &Runner{
		clients:  c,
		store:    cfg.Store,
		journal:  cfg.Journal,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		runID:    cfg.RunID,
		timeouts: cfg.Timeouts,
		retry:    cfg.Retry,
		sgTries:  cfg.SecurityGroupRetries,
		observer: cfg.Observer,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.runID == "" {
		r.runID = audit.NewRunID()
	}
	if r.sgTries <= 0 {
		r.sgTries = defaultSecurityGroups
	}
	return r, nil
}

// step deletes every handle of one kind. settle, when set, waits for the
// deleted handles to be gone; its error fails all of them.
type step struct {
	kind   state.Kind
	remove func(ctx context.Context, h state.ResourceHandle) error
	settle func(ctx context.Context, deleted []state.ResourceHandle) error
}

func (r *Runner) steps() []step {
	return []step{
		{kind: state.KindDNSRecord, remove: r.deleteRecord},
		{kind: state.KindHPA, remove: r.deleteObject},
		{kind: state.KindIngress, remove: r.deleteObject, settle: r.ingressGone},
		{kind: state.KindService, remove: r.deleteObject},
		{kind: state.KindDeployment, remove: r.deleteObject},
		{kind: state.KindPVC, remove: r.deleteObject},
		{kind: state.KindPV, remove: r.deleteObject},
		{kind: state.KindK8sSecret, remove: r.deleteObject},
		{kind: state.KindNamespace, remove: r.deleteObject},
		{kind: state.KindAddon, remove: r.deleteRelease},
		{kind: state.KindServiceAccount, remove: r.deleteServiceAccount},
		{kind: state.KindDBInstance, remove: r.deleteDatabase, settle: r.databaseGone},
		{kind: state.KindDBSubnetGroup, remove: r.deleteSubnetGroup},
		{kind: state.KindSecret, remove: r.deleteSecret},
		{kind: state.KindMountTarget, remove: r.deleteMountTarget, settle: r.mountTargetsGone},
		{kind: state.KindFileSystem, remove: r.deleteFileSystem},
		{kind: state.KindSecurityGroup, remove: r.deleteSecurityGroup},
		{kind: state.KindBucket, remove: r.deleteBucket},
		{kind: state.KindCluster, remove: r.deleteCluster},
		{kind: state.KindKeyPair, remove: r.deleteKeyPair},
	}
}

// handlesOf returns the handles of a kind, most recently recorded first
func handlesOf(l *state.Ledger, kind state.Kind) []state.ResourceHandle {
	hs := l.HandlesOf(kind)
	for i, j := 0, len(hs)-1; i < j; i, j = i+1, j-1 {
		hs[i], hs[j] = hs[j], hs[i]
	}
	return hs
}

// Order returns the handles of l in the order Run deletes them
func (r *Runner) Order(l *state.Ledger) []state.ResourceHandle {
	var out []state.ResourceHandle
	for _, st := range r.steps() {
		out = append(out, handlesOf(l, st.kind)...)
	}
	return out
}

// Run deletes every handle in l. Deleted and absent handles are forgotten
// and the ledger is persisted after each step; the ledger is removed once
// empty. The returned errors name every handle that could not be deleted.
func (r *Runner) Run(ctx context.Context, l *state.Ledger) (*Report, []error) {
	report := &Report{Deployment: l.Name, RunID: r.runID, StartedAt: time.Now().UTC()}
	r.ledger = l
	r.kube, r.addons, r.kubeOK, r.kubeErr = nil, nil, false, nil

	r.logger.Info("cleanup started", "deployment", l.Name, "handles", len(l.Handles()), "run", r.runID)
	r.audit(func(j *audit.InMemoryLogger) {
		j.LogStage(r.runID, Stage, audit.ActionBegin, 0, "", nil)
	})

	var errs []error
	for _, st := range r.steps() {
		hs := handlesOf(l, st.kind)
		if len(hs) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, failure.Canceled(Stage, err))
			break
		}
		errs = append(errs, r.apply(ctx, st, hs, report)...)
		if err := r.store.Save(context.WithoutCancel(ctx), l); err != nil {
			errs = append(errs, fmt.Errorf("persist ledger: %w", err))
		}
	}

	for _, h := range l.Handles() {
		if !cleanable(h.Kind) {
			r.logger.Warn("no cleanup step for handle", "kind", h.Kind, "id", h.ID)
		}
	}

	if l.Empty() {
		if err := r.store.Delete(context.WithoutCancel(ctx), l.Name); err != nil && !errors.Is(err, state.ErrNotFound) {
			errs = append(errs, fmt.Errorf("remove ledger: %w", err))
		} else {
			report.LedgerRemoved = true
		}
	}

	report.FinishedAt = time.Now().UTC()
	elapsed := report.FinishedAt.Sub(report.StartedAt)
	counts := report.Counts()
	if len(errs) > 0 {
		r.logger.Error("cleanup finished with failures", "deployment", l.Name, "failed", len(errs), "deleted", counts[OutcomeDeleted], "absent", counts[OutcomeAbsent])
		r.audit(func(j *audit.InMemoryLogger) {
			j.LogStage(r.runID, Stage, audit.ActionFail, elapsed, string(failure.KindExternalAPI), errors.Join(errs...))
		})
		r.metrics.ObserveStage(Stage, string(state.StatusFailed), elapsed)
	} else {
		r.logger.Info("cleanup complete", "deployment", l.Name, "deleted", counts[OutcomeDeleted], "absent", counts[OutcomeAbsent])
		r.audit(func(j *audit.InMemoryLogger) {
			j.LogStage(r.runID, Stage, audit.ActionComplete, elapsed, "", nil)
		})
		r.metrics.ObserveStage(Stage, string(state.StatusDone), elapsed)
	}
	return report, errs
}

func cleanable(kind state.Kind) bool {
	switch kind {
	case state.KindDNSRecord, state.KindHPA, state.KindIngress, state.KindService,
		state.KindDeployment, state.KindPVC, state.KindPV, state.KindK8sSecret,
		state.KindNamespace, state.KindAddon, state.KindServiceAccount,
		state.KindDBInstance, state.KindDBSubnetGroup, state.KindSecret,
		state.KindMountTarget, state.KindFileSystem, state.KindSecurityGroup,
		state.KindBucket, state.KindCluster, state.KindKeyPair:
		return true
	}
	return false
}

// apply runs one step and settles its results into the report and ledger
func (r *Runner) apply(ctx context.Context, st step, hs []state.ResourceHandle, report *Report) []error {
	results := make([]Result, len(hs))
	var deleted []state.ResourceHandle
	for i, h := range hs {
		start := time.Now()
		err := st.remove(ctx, h)
		res := Result{Handle: h, Stage: r.ledger.StageOf(h), Duration: time.Since(start)}
		switch {
		case err == nil:
			res.Outcome = OutcomeDeleted
			deleted = append(deleted, h)
		case providers.IsNotFound(err):
			res.Outcome = OutcomeAbsent
		default:
			res.Outcome = OutcomeFailed
			res.Error = err.Error()
		}
		results[i] = res
	}

	if st.settle != nil && len(deleted) > 0 {
		if err := st.settle(ctx, deleted); err != nil {
			for i := range results {
				if results[i].Outcome == OutcomeDeleted {
					results[i].Outcome = OutcomeFailed
					results[i].Error = err.Error()
				}
			}
		}
	}

	var errs []error
	for _, res := range results {
		errs = append(errs, r.settle(res)...)
		report.Results = append(report.Results, res)
	}
	return errs
}

// settle journals one result and forgets the handle unless it failed
func (r *Runner) settle(res Result) []error {
	h := res.Handle
	action := audit.ActionDelete
	var err error
	switch res.Outcome {
	case OutcomeAbsent:
		action = audit.ActionAbsent
	case OutcomeFailed:
		action = audit.ActionFail
		err = errors.New(res.Error)
	}

	if err != nil {
		r.logger.Error("delete failed", "kind", h.Kind, "id", h.ID, "error", err)
	} else {
		r.ledger.Forget(h)
		r.logger.Info("resource removed", "kind", h.Kind, "id", h.ID, "outcome", res.Outcome)
	}
	r.audit(func(j *audit.InMemoryLogger) {
		j.LogResource(r.runID, Stage, string(h.Kind), h.ID, action, err)
	})
	r.metrics.Resource(string(h.Kind), string(action))
	if r.observer != nil {
		r.observer(res)
	}
	if err != nil {
		return []error{fmt.Errorf("delete %s: %w", h, err)}
	}
	return nil
}

func (r *Runner) audit(fn func(j *audit.InMemoryLogger)) {
	if r.journal != nil {
		fn(r.journal)
	}
}

// wait polls cond until it holds or timeout passes
func (r *Runner) wait(ctx context.Context, timeout time.Duration, cond retry.Condition) error {
	if timeout <= 0 {
		timeout = defaultWait
	}
	return retry.Poll(ctx, r.retry.Poll(timeout, 0), cond)
}

// ==================== Kubernetes ====================

// connect reaches the recorded cluster once per run. A cluster that no
// longer exists took its objects and releases with it, which is reported
// as not found.
func (r *Runner) connect(ctx context.Context) (providers.KubernetesAPI, providers.AddonAPI, error) {
	if r.kubeOK {
		return r.kube, r.addons, nil
	}
	if r.kubeErr != nil {
		return nil, nil, r.kubeErr
	}

	name := r.ledger.ClusterName
	info, err := r.clients.Cluster.DescribeCluster(ctx, name)
	switch {
	case providers.IsNotFound(err):
		r.kubeErr = fmt.Errorf("%w: cluster %s no longer exists", providers.ErrNotFound, name)
		return nil, nil, r.kubeErr
	case err != nil:
		// not cached: a later step may reach the cluster
		return nil, nil, fmt.Errorf("describe cluster %s: %w", name, err)
	case info.Endpoint == "":
		r.kubeErr = fmt.Errorf("cluster %s has no endpoint (status %s)", name, info.Status)
		return nil, nil, r.kubeErr
	}

	kube, addons, err := r.clients.Connector.Connect(ctx, info)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to cluster %s: %w", name, err)
	}
	r.kube, r.addons, r.kubeOK = kube, addons, true
	return kube, addons, nil
}

func (r *Runner) deleteObject(ctx context.Context, h state.ResourceHandle) error {
	ref, ok := orchestrator.ObjectRef(h)
	if !ok {
		return fmt.Errorf("%s is not a Kubernetes object", h.Kind)
	}
	kube, _, err := r.connect(ctx)
	if err != nil {
		return err
	}
	return kube.Delete(ctx, ref)
}

// ingressGone waits until the load balancer controller has released the
// ingress, which happens once the ALB is deprovisioned
func (r *Runner) ingressGone(ctx context.Context, deleted []state.ResourceHandle) error {
	kube, _, err := r.connect(ctx)
	if err != nil {
		return err
	}
	for _, h := range deleted {
		ns, name := h.Attr(state.AttrNamespace), h.Name
		err := r.wait(ctx, r.timeouts.Ingress, func(ctx context.Context) (bool, error) {
			host, err := kube.IngressHostname(ctx, ns, name)
			if providers.IsNotFound(err) {
				return true, nil
			}
			if err != nil {
				return false, err
			}
			r.logger.Debug("waiting for load balancer release", "ingress", h.ID, "hostname", host)
			return false, nil
		})
		if err != nil {
			return fmt.Errorf("ingress %s still present: %w", h.ID, err)
		}
	}
	return nil
}

func (r *Runner) deleteRelease(ctx context.Context, h state.ResourceHandle) error {
	_, addons, err := r.connect(ctx)
	if err != nil {
		return err
	}
	name := h.Name
	if name == "" {
		name = h.ID[strings.LastIndex(h.ID, "/")+1:]
	}
	return addons.UninstallRelease(ctx, name, h.Attr(state.AttrNamespace))
}

func (r *Runner) deleteServiceAccount(ctx context.Context, h state.ResourceHandle) error {
	return r.clients.Identity.DeleteServiceAccount(ctx, r.ledger.ClusterName, r.ledger.Region, h.Attr(state.AttrNamespace), h.Name)
}

// ==================== AWS ====================

func (r *Runner) deleteRecord(ctx context.Context, h state.ResourceHandle) error {
	zoneID, rec := orchestrator.AliasOf(h)
	if zoneID == "" || rec.AliasTarget == "" {
		return fmt.Errorf("record %s has no recorded alias tuple", h.ID)
	}
	change, err := r.clients.DNS.DeleteAliasRecord(ctx, zoneID, rec)
	if err != nil {
		return err
	}
	r.logger.Debug("alias record deleted", "record", rec.Name, "type", rec.Type, "change", change)
	return nil
}

func (r *Runner) deleteDatabase(ctx context.Context, h state.ResourceHandle) error {
	return r.clients.Databases.DeleteDBInstance(ctx, h.ID)
}

func (r *Runner) databaseGone(ctx context.Context, deleted []state.ResourceHandle) error {
	for _, h := range deleted {
		err := r.wait(ctx, r.timeouts.Database, func(ctx context.Context) (bool, error) {
			db, err := r.clients.Databases.DescribeDBInstance(ctx, h.ID)
			if providers.IsNotFound(err) {
				return true, nil
			}
			if err != nil {
				return false, err
			}
			r.logger.Debug("waiting for database deletion", "db", h.ID, "status", db.Status)
			return false, nil
		})
		if err != nil {
			return fmt.Errorf("database %s still present: %w", h.ID, err)
		}
	}
	return nil
}

func (r *Runner) deleteSubnetGroup(ctx context.Context, h state.ResourceHandle) error {
	return r.clients.Databases.DeleteDBSubnetGroup(ctx, h.ID)
}

func (r *Runner) deleteSecret(ctx context.Context, h state.ResourceHandle) error {
	return r.clients.Secrets.DeleteSecret(ctx, h.ID)
}

func (r *Runner) deleteMountTarget(ctx context.Context, h state.ResourceHandle) error {
	return r.clients.FileSystems.DeleteMountTarget(ctx, h.ID)
}

// mountTargetsGone waits until none of the deleted targets is listed anymore
func (r *Runner) mountTargetsGone(ctx context.Context, deleted []state.ResourceHandle) error {
	byFS := make(map[string]map[string]bool)
	for _, h := range deleted {
		fs := h.Attr(state.AttrFileSystemID)
		if byFS[fs] == nil {
			byFS[fs] = make(map[string]bool)
		}
		byFS[fs][h.ID] = true
	}

	for fs, ids := range byFS {
		if fs == "" {
			continue
		}
		err := r.wait(ctx, r.timeouts.Storage, func(ctx context.Context) (bool, error) {
			mts, err := r.clients.FileSystems.ListMountTargets(ctx, fs)
			if providers.IsNotFound(err) {
				return true, nil
			}
			if err != nil {
				return false, err
			}
			for _, mt := range mts {
				if ids[mt.ID] {
					return false, nil
				}
			}
			return true, nil
		})
		if err != nil {
			return fmt.Errorf("mount targets of %s still present: %w", fs, err)
		}
	}
	return nil
}

func (r *Runner) deleteFileSystem(ctx context.Context, h state.ResourceHandle) error {
	return r.clients.FileSystems.DeleteFileSystem(ctx, h.ID)
}

// isDependencyViolation reports whether a group is still referenced, usually
// by network interfaces that are being released
func isDependencyViolation(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "DependencyViolation"
	}
	return err != nil && strings.Contains(err.Error(), "DependencyViolation")
}

func (r *Runner) deleteSecurityGroup(ctx context.Context, h state.ResourceHandle) error {
	cfg := r.retry.Stage()
	cfg.MaxRetries = r.sgTries
	cfg.RetryIf = isDependencyViolation
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.logger.Warn("security group still in use", "group", h.ID, "attempt", attempt, "delay", delay)
	}
	return retry.New(cfg).Do(ctx, func(int) error {
		return r.clients.Network.DeleteSecurityGroup(ctx, h.ID)
	})
}

func (r *Runner) deleteBucket(ctx context.Context, h state.ResourceHandle) error {
	n, err := r.clients.Buckets.EmptyBucket(ctx, h.ID)
	if err != nil {
		return err
	}
	r.logger.Info("bucket emptied", "bucket", h.ID, "objects", n)
	return r.clients.Buckets.DeleteBucket(ctx, h.ID)
}

func (r *Runner) deleteCluster(ctx context.Context, h state.ResourceHandle) error {
	r.logger.Info("deleting cluster", "cluster", h.ID)
	return r.clients.Cluster.DeleteCluster(ctx, h.ID, r.ledger.Region)
}

// deleteKeyPair removes the key pair and the private key written next to it
func (r *Runner) deleteKeyPair(ctx context.Context, h state.ResourceHandle) error {
	err := r.clients.KeyPairs.DeleteKeyPair(ctx, h.ID)
	if err != nil && !providers.IsNotFound(err) {
		return err
	}
	if path := h.Attr(state.AttrKeyFile); path != "" {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			r.logger.Warn("could not remove private key", "path", path, "error", rmErr)
		}
	}
	return err
}
