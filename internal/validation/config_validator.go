package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"
	k8svalidation "k8s.io/apimachinery/pkg/util/validation"

	"github.com/chalkan3/moodle-eks/internal/state"
	"github.com/chalkan3/moodle-eks/pkg/config"
)

var (
	regionPattern         = regexp.MustCompile(`^[a-z]{2}(-gov)?-[a-z]+-\d$`)
	clusterNamePattern    = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9-]{0,99}$`)
	versionPattern        = regexp.MustCompile(`^1\.\d{2}$`)
	dbIdentifierPattern   = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9-]{0,62}$`)
	dbUsernamePattern     = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,15}$`)
	dbNamePattern         = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,63}$`)
	bucketPrefixPattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,39}$`)
	certificateARNPattern = regexp.MustCompile(`^arn:aws[a-z-]*:acm:[a-z0-9-]+:\d{12}:certificate/.+$`)
	policyARNPattern      = regexp.MustCompile(`^arn:aws[a-z-]*:iam::\d{12}:policy/.+$`)
)

// ValidateConfig performs comprehensive validation of a deployment configuration.
// All problems are reported together.
func ValidateConfig(cfg *config.Config) error {
	checks := []struct {
		section string
		fn      func(*config.Config) error
	}{
		{"metadata", ValidateMetadata},
		{"state", ValidateState},
		{"cluster", ValidateCluster},
		{"database", ValidateDatabase},
		{"storage", ValidateStorage},
		{"app", ValidateApp},
		{"ingress", ValidateIngress},
		{"scaling", ValidateScaling},
		{"dns", ValidateDNS},
		{"timeouts", ValidateTimeouts},
	}

	var errs []error
	for _, c := range checks {
		if err := c.fn(cfg); err != nil {
			errs = append(errs, fmt.Errorf("%s validation failed: %w", c.section, err))
		}
	}
	return errors.Join(errs...)
}

// Validator adapts ValidateConfig to the config loader
func Validator() config.Validator {
	return config.ValidatorFunc(ValidateConfig)
}

// ValidateMetadata validates the deployment name and region
func ValidateMetadata(cfg *config.Config) error {
	if msgs := k8svalidation.IsDNS1123Label(cfg.Name); len(msgs) > 0 {
		return fmt.Errorf("deployment name %q is invalid: %s", cfg.Name, strings.Join(msgs, "; "))
	}
	if !regionPattern.MatchString(cfg.Region) {
		return fmt.Errorf("region %q is not a valid AWS region", cfg.Region)
	}
	return nil
}

// ValidateState validates the ledger backend
func ValidateState(cfg *config.Config) error {
	if cfg.State.Backend == "local" {
		return nil
	}
	if _, _, err := state.ParseS3URL(cfg.State.Backend); err != nil {
		return fmt.Errorf("state backend must be \"local\" or s3://bucket/prefix: %w", err)
	}
	return nil
}

// ValidateCluster validates EKS cluster sizing
func ValidateCluster(cfg *config.Config) error {
	c := cfg.Cluster
	if !clusterNamePattern.MatchString(c.Name) {
		return fmt.Errorf("cluster name %q must start with a letter and contain only letters, digits and hyphens", c.Name)
	}
	if !versionPattern.MatchString(c.Version) {
		return fmt.Errorf("cluster version %q must look like 1.30", c.Version)
	}
	if c.NodeType == "" {
		return fmt.Errorf("node type is required")
	}
	if c.MinNodes < 1 {
		return fmt.Errorf("minNodes must be at least 1, got %d", c.MinNodes)
	}
	if c.MaxNodes < c.MinNodes {
		return fmt.Errorf("maxNodes (%d) must be >= minNodes (%d)", c.MaxNodes, c.MinNodes)
	}
	if c.DesiredNodes < c.MinNodes || c.DesiredNodes > c.MaxNodes {
		return fmt.Errorf("desiredNodes (%d) must be between minNodes (%d) and maxNodes (%d)",
			c.DesiredNodes, c.MinNodes, c.MaxNodes)
	}
	return nil
}

// ValidateDatabase validates the RDS instance settings
func ValidateDatabase(cfg *config.Config) error {
	d := cfg.Database
	if !dbIdentifierPattern.MatchString(d.Identifier) || strings.Contains(d.Identifier, "--") || strings.HasSuffix(d.Identifier, "-") {
		return fmt.Errorf("database identifier %q must be 1-63 letters, digits or single hyphens, starting with a letter", d.Identifier)
	}
	switch d.Engine {
	case "mysql", "mariadb", "postgres":
	default:
		return fmt.Errorf("database engine %q is not supported (mysql, mariadb, postgres)", d.Engine)
	}
	if !strings.HasPrefix(d.InstanceClass, "db.") {
		return fmt.Errorf("database instance class %q must start with db.", d.InstanceClass)
	}
	if d.AllocatedStorage < 20 || d.AllocatedStorage > 65536 {
		return fmt.Errorf("database allocatedStorage must be between 20 and 65536 GiB, got %d", d.AllocatedStorage)
	}
	if !dbNamePattern.MatchString(d.Name) {
		return fmt.Errorf("database name %q must start with a letter and contain only letters, digits and underscores", d.Name)
	}
	if !dbUsernamePattern.MatchString(d.Username) {
		return fmt.Errorf("database username %q must be 1-16 letters, digits or underscores, starting with a letter", d.Username)
	}
	switch strings.ToLower(d.Username) {
	case "admin", "root", "rdsadmin":
		return fmt.Errorf("database username %q is reserved", d.Username)
	}
	return nil
}

// ValidateStorage validates EFS and S3 settings
func ValidateStorage(cfg *config.Config) error {
	s := cfg.Storage
	if !bucketPrefixPattern.MatchString(s.BucketPrefix) {
		return fmt.Errorf("bucket prefix %q must be 2-40 lowercase letters, digits or hyphens", s.BucketPrefix)
	}
	switch s.PerformanceMode {
	case "generalPurpose", "maxIO":
	default:
		return fmt.Errorf("EFS performance mode %q is not supported (generalPurpose, maxIO)", s.PerformanceMode)
	}
	switch s.ThroughputMode {
	case "bursting", "elastic":
	default:
		return fmt.Errorf("EFS throughput mode %q is not supported (bursting, elastic)", s.ThroughputMode)
	}
	return nil
}

// ValidateApp validates the Moodle workload settings
func ValidateApp(cfg *config.Config) error {
	a := cfg.App
	if msgs := k8svalidation.IsDNS1123Label(a.Namespace); len(msgs) > 0 {
		return fmt.Errorf("namespace %q is invalid: %s", a.Namespace, strings.Join(msgs, "; "))
	}
	if a.Image == "" {
		return fmt.Errorf("image is required")
	}
	if a.Replicas < 1 {
		return fmt.Errorf("replicas must be at least 1, got %d", a.Replicas)
	}
	if !strings.Contains(a.AdminEmail, "@") {
		return fmt.Errorf("admin email %q is invalid", a.AdminEmail)
	}

	quantities := []struct{ name, value string }{
		{"cpuRequest", a.CPURequest},
		{"memoryRequest", a.MemoryRequest},
		{"cpuLimit", a.CPULimit},
		{"memoryLimit", a.MemoryLimit},
		{"storageSize", a.StorageSize},
	}
	parsed := make(map[string]resource.Quantity, len(quantities))
	for _, q := range quantities {
		v, err := resource.ParseQuantity(q.value)
		if err != nil {
			return fmt.Errorf("%s %q is not a valid quantity: %w", q.name, q.value, err)
		}
		parsed[q.name] = v
	}
	cpuReq, cpuLim := parsed["cpuRequest"], parsed["cpuLimit"]
	if cpuReq.Cmp(cpuLim) > 0 {
		return fmt.Errorf("cpuRequest (%s) exceeds cpuLimit (%s)", a.CPURequest, a.CPULimit)
	}
	memReq, memLim := parsed["memoryRequest"], parsed["memoryLimit"]
	if memReq.Cmp(memLim) > 0 {
		return fmt.Errorf("memoryRequest (%s) exceeds memoryLimit (%s)", a.MemoryRequest, a.MemoryLimit)
	}
	return nil
}

// ValidateIngress validates the load balancer settings
func ValidateIngress(cfg *config.Config) error {
	i := cfg.Ingress
	if i.ClassName == "" {
		return fmt.Errorf("ingress class name is required")
	}
	switch i.Scheme {
	case "internet-facing", "internal":
	default:
		return fmt.Errorf("ingress scheme %q must be internet-facing or internal", i.Scheme)
	}
	if i.CertificateARN != "" && !certificateARNPattern.MatchString(i.CertificateARN) {
		return fmt.Errorf("certificate ARN %q is not an ACM certificate ARN", i.CertificateARN)
	}
	if i.ControllerPolicyARN != "" && !policyARNPattern.MatchString(i.ControllerPolicyARN) {
		return fmt.Errorf("controller policy ARN %q is not an IAM policy ARN", i.ControllerPolicyARN)
	}
	if i.HostnameAttempts < 1 {
		return fmt.Errorf("hostnameAttempts must be at least 1, got %d", i.HostnameAttempts)
	}
	return nil
}

// ValidateScaling validates autoscaler bounds
func ValidateScaling(cfg *config.Config) error {
	s := cfg.Scaling
	if s.MinPods < 1 {
		return fmt.Errorf("minPods must be at least 1, got %d", s.MinPods)
	}
	if s.MaxPods < s.MinPods {
		return fmt.Errorf("maxPods (%d) must be >= minPods (%d)", s.MaxPods, s.MinPods)
	}
	if s.TargetCPU < 1 || s.TargetCPU > 100 {
		return fmt.Errorf("targetCPU must be between 1 and 100, got %d", s.TargetCPU)
	}
	return nil
}

// ValidateDNS validates the alias record settings. An empty domain disables DNS.
func ValidateDNS(cfg *config.Config) error {
	d := cfg.DNS
	if d.Domain == "" {
		if d.Record != "" {
			return fmt.Errorf("record %q requires a domain", d.Record)
		}
		return nil
	}
	domain := strings.TrimSuffix(strings.ToLower(d.Domain), ".")
	record := strings.TrimSuffix(strings.ToLower(d.Record), ".")
	if msgs := k8svalidation.IsDNS1123Subdomain(domain); len(msgs) > 0 {
		return fmt.Errorf("domain %q is invalid: %s", d.Domain, strings.Join(msgs, "; "))
	}
	if record != domain && !strings.HasSuffix(record, "."+domain) {
		return fmt.Errorf("record %q is not inside domain %q", d.Record, d.Domain)
	}
	return nil
}

// ValidateTimeouts requires every readiness bound to be positive
func ValidateTimeouts(cfg *config.Config) error {
	t := cfg.Timeouts
	for name, d := range map[string]int64{
		"cluster":     int64(t.Cluster),
		"database":    int64(t.Database),
		"storage":     int64(t.Storage),
		"application": int64(t.Application),
		"ingress":     int64(t.Ingress),
		"autoscaling": int64(t.Autoscaling),
		"dns":         int64(t.DNS),
	} {
		if d <= 0 {
			return fmt.Errorf("timeout %s must be positive", name)
		}
	}
	if cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.maxRetries must not be negative")
	}
	return nil
}
