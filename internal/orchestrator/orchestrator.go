// Package orchestrator runs the provisioning stages of a Moodle deployment
// in order against the provider clients. Every stage checks for existing
// resources before creating, records each handle in the ledger as soon as it
// exists and bounds every readiness wait, so a rerun resumes where the last
// one stopped without duplicating anything.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chalkan3/moodle-eks/internal/audit"
	"github.com/chalkan3/moodle-eks/internal/failure"
	"github.com/chalkan3/moodle-eks/internal/metrics"
	"github.com/chalkan3/moodle-eks/internal/plan"
	"github.com/chalkan3/moodle-eks/internal/state"
	"github.com/chalkan3/moodle-eks/pkg/providers"
	"github.com/chalkan3/moodle-eks/pkg/retry"
)

// Clients are the provider surfaces the stages call
type Clients struct {
	Cluster       providers.ClusterAPI
	KeyPairs      providers.KeyPairAPI
	Network       providers.NetworkAPI
	Databases     providers.DatabaseAPI
	Secrets       providers.SecretStoreAPI
	FileSystems   providers.FileSystemAPI
	Buckets       providers.BucketAPI
	DNS           providers.DNSAPI
	LoadBalancers providers.LoadBalancerAPI
	Identity      providers.IdentityAPI
	Connector     providers.ClusterConnector
}

func (c Clients) validate() error {
	missing := []struct {
		name string
		nil  bool
	}{
		{"cluster", c.Cluster == nil},
		{"key pairs", c.KeyPairs == nil},
		{"network", c.Network == nil},
		{"databases", c.Databases == nil},
		{"secrets", c.Secrets == nil},
		{"filesystems", c.FileSystems == nil},
		{"buckets", c.Buckets == nil},
		{"dns", c.DNS == nil},
		{"load balancers", c.LoadBalancers == nil},
		{"identity", c.Identity == nil},
		{"connector", c.Connector == nil},
	}
	for _, m := range missing {
		if m.nil {
			return fmt.Errorf("%s client is required", m.name)
		}
	}
	return nil
}

// LedgerStore loads and persists ledgers
type LedgerStore interface {
	Load(ctx context.Context, name string) (*state.Ledger, error)
	Save(ctx context.Context, l *state.Ledger) error
}

// EventType is the kind of progress notification
type EventType string

const (
	EventStageStart EventType = "stage-start"
	EventStageDone  EventType = "stage-done"
	EventStageSkip  EventType = "stage-skip"
	EventStageFail  EventType = "stage-fail"
	EventRetry      EventType = "retry"
	EventResource   EventType = "resource"
)

// Event is a progress notification for the operator surface
type Event struct {
	Type     EventType
	Stage    string
	Handle   *state.ResourceHandle
	Err      error
	Attempt  int
	Delay    time.Duration
	Duration time.Duration
}

// Config wires an Orchestrator
type Config struct {
	Clients Clients
	Store   LedgerStore
	Journal *audit.InMemoryLogger
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	// KeyDir receives the private key of a created key pair
	KeyDir string
	RunID  string
	// From resets this stage and every later one before running
	From string
	// Only runs this single stage
	Only     string
	Observer func(Event)
}

// DeploymentRecord summarizes a finished deployment
type DeploymentRecord struct {
	Name                 string                 `json:"name" yaml:"name"`
	Region               string                 `json:"region" yaml:"region"`
	ClusterName          string                 `json:"clusterName" yaml:"clusterName"`
	DBEndpoint           string                 `json:"dbEndpoint,omitempty" yaml:"dbEndpoint,omitempty"`
	BucketName           string                 `json:"bucketName,omitempty" yaml:"bucketName,omitempty"`
	FileSystemID         string                 `json:"fileSystemId,omitempty" yaml:"fileSystemId,omitempty"`
	LoadBalancerHostname string                 `json:"loadBalancerHostname,omitempty" yaml:"loadBalancerHostname,omitempty"`
	URL                  string                 `json:"url,omitempty" yaml:"url,omitempty"`
	Handles              []state.ResourceHandle `json:"handles" yaml:"handles"`
}

// Orchestrator executes the stage pipeline for one deployment
type Orchestrator struct {
	clients  Clients
	store    LedgerStore
	journal  *audit.InMemoryLogger
	metrics  *metrics.Recorder
	logger   *slog.Logger
	keyDir   string
	runID    string
	from     string
	only     string
	observer func(Event)

	ledger *state.Ledger
	kube   providers.KubernetesAPI
	addons providers.AddonAPI
}

var errPlanRequired = errors.New("plan is required")

type stage struct {
	id  string
	run func(ctx context.Context, p *plan.Plan) error
}

// New creates an orchestrator
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Clients.validate(); err != nil {
		return nil, err
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if cfg.From != "" && cfg.Only != "" {
		return nil, failure.InvalidPlan("", fmt.Errorf("--from and --only are mutually exclusive"))
	}
	for _, id := range []string{cfg.From, cfg.Only} {
		if id != "" && !plan.IsStage(id) {
			return nil, failure.InvalidPlan(id, fmt.Errorf("unknown stage %q", id))
		}
	}

	o := &Orchestrator{
		clients:  cfg.Clients,
		store:    cfg.Store,
		journal:  cfg.Journal,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		keyDir:   cfg.KeyDir,
		runID:    cfg.RunID,
		from:     cfg.From,
		only:     cfg.Only,
		observer: cfg.Observer,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.runID == "" {
		o.runID = audit.NewRunID()
	}
	return o, nil
}

// Ledger returns the ledger of the last Run or Discover
func (o *Orchestrator) Ledger() *state.Ledger {
	return o.ledger
}

func (o *Orchestrator) stages() []stage {
	return []stage{
		{plan.StageCluster, o.cluster},
		{plan.StageDatabase, o.database},
		{plan.StageStorage, o.storage},
		{plan.StageApplication, o.application},
		{plan.StageIngress, o.ingress},
		{plan.StageAutoscaling, o.autoscaling},
		{plan.StageDNS, o.dns},
	}
}

// Run executes every stage that is not done yet and returns the deployment
// record. The error is always a *failure.StageError naming the stage.
func (o *Orchestrator) Run(ctx context.Context, p *plan.Plan) (*DeploymentRecord, error) {
	if p == nil {
		return nil, failure.InvalidPlan("", errPlanRequired)
	}
	if err := o.open(ctx, p); err != nil {
		return nil, err
	}

	selected := o.selectStages()
	if err := o.persist(ctx); err != nil {
		return nil, failure.External(selected[0].id, p.Name, err)
	}

	o.logger.Info("deployment started", "deployment", p.Name, "region", p.Region, "run", o.runID)
	for _, st := range selected {
		if err := ctx.Err(); err != nil {
			se := failure.Canceled(st.id, err)
			o.fail(ctx, st.id, se, 0)
			return nil, se
		}
		if s := o.ledger.Stage(st.id); s != nil && s.Status == state.StatusDone {
			o.logger.Info("stage already done", "stage", st.id)
			o.notify(Event{Type: EventStageSkip, Stage: st.id})
			continue
		}
		if err := o.runStage(ctx, p, st); err != nil {
			return nil, err
		}
	}

	o.logger.Info("deployment complete", "deployment", p.Name)
	return RecordFromLedger(p, o.ledger), nil
}

// open loads the ledger of the deployment or starts a new one
func (o *Orchestrator) open(ctx context.Context, p *plan.Plan) error {
	o.kube, o.addons = nil, nil

	l, err := o.store.Load(ctx, p.Name)
	switch {
	case errors.Is(err, state.ErrNotFound):
		o.ledger = state.NewLedger(p.Name, p.Seed, p.Region, p.Cluster.Name, plan.Stages())
		return nil
	case err != nil:
		return failure.External("", p.Name, fmt.Errorf("load ledger: %w", err))
	}
	if l.Seed != "" && l.Seed != p.Seed {
		return failure.InvalidPlan("", fmt.Errorf("ledger %s was created with seed %s, plan uses %s", p.Name, l.Seed, p.Seed))
	}
	if l.Seed == "" {
		l.Seed = p.Seed
	}
	l.EnsureStages(plan.Stages())
	o.ledger = l
	return nil
}

// selectStages applies --from and --only to the ledger and returns the stages to visit
func (o *Orchestrator) selectStages() []stage {
	all := o.stages()
	switch {
	case o.only != "":
		for _, st := range all {
			if st.id == o.only {
				o.ledger.Reset(st.id)
				return []stage{st}
			}
		}
	case o.from != "":
		reset := false
		for _, st := range all {
			if st.id == o.from {
				reset = true
			}
			if reset {
				o.ledger.Reset(st.id)
			}
		}
	}
	return all
}

func (o *Orchestrator) runStage(ctx context.Context, p *plan.Plan, st stage) error {
	o.ledger.Begin(st.id)
	if err := o.persist(ctx); err != nil {
		return failure.External(st.id, "", err)
	}
	o.logger.Info("stage started", "stage", st.id)
	o.audit(func(j *audit.InMemoryLogger) {
		j.LogStage(o.runID, st.id, audit.ActionBegin, 0, "", nil)
	})
	o.notify(Event{Type: EventStageStart, Stage: st.id})

	cfg := p.Retry.Stage()
	cfg.RetryIf = failure.IsTransient
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		o.logger.Warn("retrying stage after transient error", "stage", st.id, "attempt", attempt, "delay", delay, "error", err)
		o.notify(Event{Type: EventRetry, Stage: st.id, Err: err, Attempt: attempt, Delay: delay})
	}

	start := time.Now()
	err := retry.New(cfg).Do(ctx, func(int) error {
		return st.run(ctx, p)
	})
	elapsed := time.Since(start)

	if err != nil {
		se := failure.Classify(st.id, err)
		if ctx.Err() != nil && se.Kind != failure.KindCanceled {
			se = failure.Canceled(st.id, err)
		}
		o.fail(ctx, st.id, se, elapsed)
		return se
	}

	o.ledger.Complete(st.id)
	if err := o.persist(ctx); err != nil {
		return failure.External(st.id, "", err)
	}
	o.logger.Info("stage complete", "stage", st.id, "duration", elapsed.Round(time.Second))
	o.audit(func(j *audit.InMemoryLogger) {
		j.LogStage(o.runID, st.id, audit.ActionComplete, elapsed, "", nil)
	})
	o.metrics.ObserveStage(st.id, string(state.StatusDone), elapsed)
	o.notify(Event{Type: EventStageDone, Stage: st.id, Duration: elapsed})
	return nil
}

// fail marks the stage failed and persists, even when ctx was canceled
func (o *Orchestrator) fail(ctx context.Context, stageID string, se *failure.StageError, elapsed time.Duration) {
	o.ledger.Fail(stageID, string(se.Kind), se.Err)
	if err := o.persist(ctx); err != nil {
		o.logger.Error("failed to persist ledger", "stage", stageID, "error", err)
	}
	o.logger.Error("stage failed", "stage", stageID, "kind", se.Kind, "resource", se.ResourceID, "error", se.Err)
	o.audit(func(j *audit.InMemoryLogger) {
		j.LogStage(o.runID, stageID, audit.ActionFail, elapsed, string(se.Kind), se)
	})
	o.metrics.ObserveStage(stageID, string(state.StatusFailed), elapsed)
	o.notify(Event{Type: EventStageFail, Stage: stageID, Err: se, Duration: elapsed})
}

func (o *Orchestrator) persist(ctx context.Context) error {
	return o.store.Save(context.WithoutCancel(ctx), o.ledger)
}

// record adds a handle to the stage and persists the ledger right away
func (o *Orchestrator) record(ctx context.Context, stageID string, h state.ResourceHandle) error {
	o.ledger.Record(stageID, h)
	if err := o.persist(ctx); err != nil {
		return failure.External(stageID, h.ID, err)
	}

	action := audit.ActionCreate
	if h.Adopted {
		action = audit.ActionAdopt
	}
	o.logger.Info("resource recorded", "stage", stageID, "kind", h.Kind, "id", h.ID, "action", action)
	o.audit(func(j *audit.InMemoryLogger) {
		j.LogResource(o.runID, stageID, string(h.Kind), h.ID, action, nil)
	})
	o.metrics.Resource(string(h.Kind), string(action))
	o.notify(Event{Type: EventResource, Stage: stageID, Handle: &h})
	return nil
}

// wait polls cond within the stage's bound. Exhausting the bound is a
// Timeout on resourceID; attempts, when positive, also bounds the wait.
func (o *Orchestrator) wait(ctx context.Context, p *plan.Plan, stageID, resourceID string, attempts int, cond retry.Condition) error {
	cfg := p.Retry.Poll(p.Timeouts.For(stageID), attempts)
	o.logger.Debug("waiting for resource", "stage", stageID, "resource", resourceID, "timeout", cfg.Timeout, "attempts", attempts)
	err := retry.Poll(ctx, cfg, cond)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, retry.ErrPollTimeout):
		return failure.Timeout(stageID, resourceID, err)
	case ctx.Err() != nil:
		return failure.Canceled(stageID, err)
	}
	return err
}

func (o *Orchestrator) audit(fn func(j *audit.InMemoryLogger)) {
	if o.journal != nil {
		fn(o.journal)
	}
}

func (o *Orchestrator) notify(e Event) {
	if o.observer != nil {
		o.observer(e)
	}
}

// RecordFromLedger summarizes the handles of a ledger
func RecordFromLedger(p *plan.Plan, l *state.Ledger) *DeploymentRecord {
	rec := &DeploymentRecord{
		Name:        p.Name,
		Region:      p.Region,
		ClusterName: p.Cluster.Name,
	}
	if l == nil {
		return rec
	}
	rec.Handles = l.Handles()
	if h, ok := l.Find(state.KindDBInstance); ok {
		rec.DBEndpoint = h.Attr(state.AttrEndpoint)
	}
	if h, ok := l.Find(state.KindBucket); ok {
		rec.BucketName = h.ID
	}
	if h, ok := l.Find(state.KindFileSystem); ok {
		rec.FileSystemID = h.ID
	}
	if h, ok := l.Find(state.KindIngress); ok {
		rec.LoadBalancerHostname = h.Attr(state.AttrHostname)
	}

	host := rec.LoadBalancerHostname
	if h, ok := l.Find(state.KindDNSRecord); ok {
		host = h.Attr(state.AttrRecordName)
	}
	if host != "" {
		scheme := "http"
		if p.Ingress.CertificateARN != "" {
			scheme = "https"
		}
		rec.URL = scheme + "://" + host
	}
	return rec
}
