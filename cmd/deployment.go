package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/chalkan3/moodle-eks/internal/audit"
	"github.com/chalkan3/moodle-eks/internal/metrics"
	"github.com/chalkan3/moodle-eks/internal/orchestrator"
	"github.com/chalkan3/moodle-eks/internal/plan"
	"github.com/chalkan3/moodle-eks/internal/state"
	"github.com/chalkan3/moodle-eks/internal/validation"
	"github.com/chalkan3/moodle-eks/pkg/config"
	"github.com/chalkan3/moodle-eks/pkg/providers"
	awsprov "github.com/chalkan3/moodle-eks/pkg/providers/aws"
	"github.com/chalkan3/moodle-eks/pkg/providers/eksctl"
	"github.com/chalkan3/moodle-eks/pkg/providers/execx"
	"github.com/chalkan3/moodle-eks/pkg/providers/kube"
)

// session is what every command needs to work on one deployment
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	repo    *state.Repository
	aws     *awsprov.Clients
	metrics *metrics.Recorder
}

// newLogger writes diagnostics to w, at debug level with --verbose
func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig layers the config file, MOODLE_* variables, the global flags
// and the given command overrides
func loadConfig(overrides map[string]interface{}) (*config.Config, error) {
	loader := config.NewLoader(cfgFile)
	globals := map[string]string{
		"name":          deploymentName,
		"region":        regionFlag,
		"state.backend": stateBackend,
		"state.dir":     stateDir,
	}
	for key, value := range globals {
		if value != "" {
			loader.SetOverride(key, value)
		}
	}
	for key, value := range overrides {
		loader.SetOverride(key, value)
	}
	loader.AddValidator(validation.Validator())

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// openSession loads the configuration and the ledger repository. AWS
// clients are built when withAWS is set or the ledger lives in S3.
func openSession(ctx context.Context, overrides map[string]interface{}, withAWS bool) (*session, error) {
	cfg, err := loadConfig(overrides)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, logger: newLogger(os.Stderr)}
	if metricsFile != "" {
		s.metrics = metrics.New(cfg.Name)
	}

	remote := strings.HasPrefix(cfg.State.Backend, "s3://")
	if withAWS || remote {
		s.aws, err = awsprov.New(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case remote:
		bucket, prefix, err := state.ParseS3URL(cfg.State.Backend)
		if err != nil {
			return nil, err
		}
		s.repo = state.NewRepository(state.NewS3Store(s.aws.S3, bucket, prefix))
	case cfg.State.Backend == "" || cfg.State.Backend == "local":
		dir := cfg.State.Dir
		if dir == "" {
			dir, err = state.DefaultStateDir()
			if err != nil {
				return nil, err
			}
		}
		s.repo = state.NewRepository(state.NewLocalStore(dir))
	default:
		return nil, fmt.Errorf("unknown state backend %q (use local or s3://bucket/prefix)", cfg.State.Backend)
	}

	s.logger.Debug("session opened", "deployment", cfg.Name, "region", cfg.Region, "state", s.repo.Location())
	return s, nil
}

// ledger loads the deployment's ledger; a missing ledger returns nil
func (s *session) ledger(ctx context.Context) (*state.Ledger, error) {
	l, err := s.repo.Load(ctx, s.cfg.Name)
	if errors.Is(err, state.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger for %s: %w", s.cfg.Name, err)
	}
	return l, nil
}

// requireLedger is ledger for commands that only make sense after a deploy
func (s *session) requireLedger(ctx context.Context) (*state.Ledger, error) {
	l, err := s.ledger(ctx)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, fmt.Errorf("no deployment named %q in %s\nRun 'moodle-eks deploy' first", s.cfg.Name, s.repo.Location())
	}
	return l, nil
}

// plan builds the deployment plan, reusing the seed of an existing ledger
func (s *session) plan(l *state.Ledger) (*plan.Plan, error) {
	ledgerSeed := ""
	if l != nil {
		ledgerSeed = l.Seed
	}
	seed, generated, err := plan.ResolveSeed(ledgerSeed, s.cfg.Seed)
	if err != nil {
		return nil, err
	}
	if generated {
		s.logger.Debug("generated seed", "seed", seed)
	}
	return plan.Build(s.cfg, seed)
}

// clients wires the AWS adapters and the eksctl, helm and kubernetes
// command-line backed clients into the orchestrator surfaces
func (s *session) clients() (orchestrator.Clients, error) {
	if s.aws == nil {
		return orchestrator.Clients{}, errors.New("AWS clients are not configured")
	}
	kubeDir, err := kube.DefaultKubeconfigDir()
	if err != nil {
		return orchestrator.Clients{}, err
	}
	runner := execx.NewOSRunner(s.logger)
	runner.Stream = verbose
	ctl := eksctl.New(runner)

	return orchestrator.Clients{
		Cluster:       providers.CombineCluster(s.aws.Clusters, ctl),
		KeyPairs:      s.aws.EC2,
		Network:       s.aws.EC2,
		Databases:     s.aws.Databases,
		Secrets:       s.aws.Secrets,
		FileSystems:   s.aws.FileSystems,
		Buckets:       s.aws.Buckets,
		DNS:           s.aws.DNS,
		LoadBalancers: s.aws.LoadBalancers,
		Identity:      providers.CombineIdentity(s.aws.Identity, ctl),
		Connector: &kube.Connector{
			Dir:    kubeDir,
			Region: s.cfg.Region,
			Runner: runner,
			Logger: s.logger,
		},
	}, nil
}

// journal opens the audit journal; failures degrade to an unsaved journal
func (s *session) journal(ctx context.Context) *audit.InMemoryLogger {
	j, err := audit.Open(ctx, s.repo, s.cfg.Name)
	if err != nil {
		s.logger.Warn("starting a fresh audit journal", "error", err)
		return audit.NewInMemoryLogger(s.cfg.Name, 0)
	}
	return j
}

func (s *session) saveJournal(ctx context.Context, j *audit.InMemoryLogger) {
	if err := audit.Save(ctx, s.repo, j); err != nil {
		s.logger.Warn("failed to save audit journal", "error", err)
	}
}

// finish records the run outcome and writes the metrics file
func (s *session) finish(command string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.Run(command, err, time.Now())
	if werr := s.metrics.WriteTextfile(metricsFile); werr != nil {
		s.logger.Warn("failed to write metrics", "path", metricsFile, "error", werr)
	}
}

// detached returns a context for persisting state after ctx was canceled
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}
