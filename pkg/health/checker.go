// Package health re-checks every resource recorded in a deployment ledger
// against the live provider state
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/chalkan3/moodle-eks/internal/state"
	"github.com/chalkan3/moodle-eks/pkg/providers"
)

// CheckStatus represents the status of a health check
type CheckStatus string

const (
	StatusHealthy  CheckStatus = "healthy"
	StatusWarning  CheckStatus = "warning"
	StatusCritical CheckStatus = "critical"
	StatusUnknown  CheckStatus = "unknown"
)

// severity orders statuses for the overall verdict
func (s CheckStatus) severity() int {
	switch s {
	case StatusCritical:
		return 3
	case StatusWarning:
		return 2
	case StatusUnknown:
		return 1
	}
	return 0
}

// CheckResult represents the result of a single health check
type CheckResult struct {
	Name        string        `json:"name" yaml:"name"`
	Kind        state.Kind    `json:"kind" yaml:"kind"`
	ResourceID  string        `json:"resourceId" yaml:"resourceId"`
	Status      CheckStatus   `json:"status" yaml:"status"`
	Message     string        `json:"message" yaml:"message"`
	Details     []string      `json:"details,omitempty" yaml:"details,omitempty"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
	CheckedAt   time.Time     `json:"checkedAt" yaml:"checkedAt"`
	Remediation string        `json:"remediation,omitempty" yaml:"remediation,omitempty"`
}

// HealthReport represents the overall health of a deployment
type HealthReport struct {
	Deployment      string        `json:"deployment" yaml:"deployment"`
	CheckedAt       time.Time     `json:"checkedAt" yaml:"checkedAt"`
	Duration        time.Duration `json:"duration" yaml:"duration"`
	OverallStatus   CheckStatus   `json:"overallStatus" yaml:"overallStatus"`
	Checks          []CheckResult `json:"checks" yaml:"checks"`
	Summary         Summary       `json:"summary" yaml:"summary"`
	Recommendations []string      `json:"recommendations,omitempty" yaml:"recommendations,omitempty"`
}

// Summary provides aggregate statistics
type Summary struct {
	TotalChecks    int `json:"total" yaml:"total"`
	HealthyChecks  int `json:"healthy" yaml:"healthy"`
	WarningChecks  int `json:"warning" yaml:"warning"`
	CriticalChecks int `json:"critical" yaml:"critical"`
	UnknownChecks  int `json:"unknown" yaml:"unknown"`
}

// Clients are the provider surfaces the checks read from
type Clients struct {
	Cluster     providers.ClusterDescriber
	KeyPairs    providers.KeyPairAPI
	Network     providers.NetworkAPI
	Databases   providers.DatabaseAPI
	Secrets     providers.SecretStoreAPI
	FileSystems providers.FileSystemAPI
	Buckets     providers.BucketAPI
	DNS         providers.DNSAPI
	Identity    providers.ServiceAccountAPI
	Connector   providers.ClusterConnector
}

const defaultParallelism = 8

// Checker verifies the resources of a ledger
type Checker struct {
	clients     Clients
	logger      *slog.Logger
	parallelism int

	ledger  *state.Ledger
	connect singleflight.Group
	mu      sync.Mutex
	kube    providers.KubernetesAPI
	addons  providers.AddonAPI
	kubeErr error
}

// NewChecker creates a new health checker
func NewChecker(clients Clients, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{clients: clients, logger: logger, parallelism: defaultParallelism}
}

// SetParallelism bounds how many checks run at once
func (c *Checker) SetParallelism(n int) {
	if n > 0 {
		c.parallelism = n
	}
}

// RunAllChecks checks every handle of l and returns a report in ledger order
func (c *Checker) RunAllChecks(ctx context.Context, l *state.Ledger) (*HealthReport, error) {
	startTime := time.Now()
	c.ledger = l
	c.kube, c.addons, c.kubeErr = nil, nil, nil

	handles := l.Handles()
	results := make([]CheckResult, len(handles))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for i, h := range handles {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = c.check(gctx, h)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("health check canceled: %w", err)
	}

	report := &HealthReport{
		Deployment:    l.Name,
		CheckedAt:     startTime,
		OverallStatus: StatusHealthy,
		Checks:        results,
	}
	for _, result := range results {
		if result.Status.severity() > report.OverallStatus.severity() {
			report.OverallStatus = result.Status
		}
		switch result.Status {
		case StatusHealthy:
			report.Summary.HealthyChecks++
		case StatusWarning:
			report.Summary.WarningChecks++
		case StatusCritical:
			report.Summary.CriticalChecks++
		default:
			report.Summary.UnknownChecks++
		}
		report.Summary.TotalChecks++
	}

	report.Recommendations = generateRecommendations(report)
	report.Duration = time.Since(startTime)
	c.logger.Info("health check complete", "deployment", l.Name, "status", report.OverallStatus, "checks", report.Summary.TotalChecks)
	return report, nil
}

// generateRecommendations creates actionable recommendations based on check results
func generateRecommendations(report *HealthReport) []string {
	var recommendations []string
	seen := make(map[string]bool)

	for _, check := range report.Checks {
		if check.Status == StatusCritical || check.Status == StatusWarning {
			if check.Remediation != "" && !seen[check.Remediation] {
				seen[check.Remediation] = true
				recommendations = append(recommendations, check.Remediation)
			}
		}
	}
	return recommendations
}

// kubernetes connects to the recorded cluster once, shared by concurrent
// checks. A failed connection is not retried within a run.
func (c *Checker) kubernetes(ctx context.Context) (providers.KubernetesAPI, providers.AddonAPI, error) {
	c.mu.Lock()
	kube, addons, kubeErr := c.kube, c.addons, c.kubeErr
	c.mu.Unlock()
	if kube != nil || kubeErr != nil {
		return kube, addons, kubeErr
	}

	_, err, _ := c.connect.Do(c.ledger.ClusterName, func() (interface{}, error) {
		c.mu.Lock()
		done := c.kube != nil || c.kubeErr != nil
		c.mu.Unlock()
		if done {
			return nil, nil
		}
		err := c.dial(ctx)
		c.mu.Lock()
		c.kubeErr = err
		c.mu.Unlock()
		return nil, err
	})
	if err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kube, c.addons, c.kubeErr
}

func (c *Checker) dial(ctx context.Context) error {
	info, err := c.clients.Cluster.DescribeCluster(ctx, c.ledger.ClusterName)
	if err != nil {
		return fmt.Errorf("describe cluster: %w", err)
	}
	if info.Endpoint == "" {
		return fmt.Errorf("cluster %s has no endpoint (status %s)", info.Name, info.Status)
	}
	kube, addons, err := c.clients.Connector.Connect(ctx, info)
	if err != nil {
		return fmt.Errorf("connect to cluster: %w", err)
	}
	c.mu.Lock()
	c.kube, c.addons = kube, addons
	c.mu.Unlock()
	return nil
}

// PrintReport writes the health report in a formatted way
func (r *HealthReport) PrintReport(w io.Writer) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "  Deployment Health Report: %s\n", r.Deployment)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "  Checked At: %s\n", r.CheckedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  Duration:   %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintln(w)

	fmt.Fprintf(w, "  Overall Status: %s %s\n", getStatusIcon(r.OverallStatus), strings.ToUpper(string(r.OverallStatus)))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "─────────────────────────────────────────────────────────────────────")
	fmt.Fprintln(w, "  Summary")
	fmt.Fprintln(w, "─────────────────────────────────────────────────────────────────────")
	fmt.Fprintf(w, "  Total Checks:    %d\n", r.Summary.TotalChecks)
	fmt.Fprintf(w, "  Healthy:         %d\n", r.Summary.HealthyChecks)
	fmt.Fprintf(w, "  Warnings:        %d\n", r.Summary.WarningChecks)
	fmt.Fprintf(w, "  Critical:        %d\n", r.Summary.CriticalChecks)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "─────────────────────────────────────────────────────────────────────")
	fmt.Fprintln(w, "  Detailed Checks")
	fmt.Fprintln(w, "─────────────────────────────────────────────────────────────────────")
	fmt.Fprintln(w)

	for _, check := range r.Checks {
		fmt.Fprintf(w, "  %s %s\n", getStatusIcon(check.Status), check.Name)
		fmt.Fprintf(w, "     Status:  %s\n", check.Status)
		fmt.Fprintf(w, "     Message: %s\n", check.Message)
		if len(check.Details) > 0 {
			fmt.Fprintln(w, "     Details:")
			for _, detail := range check.Details {
				fmt.Fprintf(w, "       - %s\n", detail)
			}
		}
		fmt.Fprintln(w)
	}

	if len(r.Recommendations) > 0 {
		fmt.Fprintln(w, "─────────────────────────────────────────────────────────────────────")
		fmt.Fprintln(w, "  Recommendations")
		fmt.Fprintln(w, "─────────────────────────────────────────────────────────────────────")
		for i, rec := range r.Recommendations {
			fmt.Fprintf(w, "  %d. %s\n", i+1, rec)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
}

// PrintCompact writes only the overall verdict and the failing checks
func (r *HealthReport) PrintCompact(w io.Writer) {
	fmt.Fprintf(w, "\n%s Deployment: %s - %s\n", getStatusIcon(r.OverallStatus), r.Deployment, strings.ToUpper(string(r.OverallStatus)))
	fmt.Fprintf(w, "   Checks: %d total, %d healthy, %d warning, %d critical\n",
		r.Summary.TotalChecks, r.Summary.HealthyChecks, r.Summary.WarningChecks, r.Summary.CriticalChecks)

	for _, check := range r.Checks {
		if check.Status == StatusCritical || check.Status == StatusWarning {
			fmt.Fprintf(w, "   %s %s: %s\n", getStatusIcon(check.Status), check.Name, check.Message)
		}
	}
	fmt.Fprintln(w)
}

func getStatusIcon(status CheckStatus) string {
	switch status {
	case StatusHealthy:
		return "[OK]"
	case StatusWarning:
		return "[WARN]"
	case StatusCritical:
		return "[FAIL]"
	default:
		return "[?]"
	}
}
