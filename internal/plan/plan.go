// Package plan turns a configuration into the immutable description of one
// Moodle deployment: every resource name, size and wait bound the stages use.
// Names that must be unique in an account or globally are derived from a
// seed so that reruns reproduce them.
package plan

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chalkan3/moodle-eks/pkg/config"
	"github.com/chalkan3/moodle-eks/pkg/retry"
)

// Stage ids in pipeline order
const (
	StageCluster     = "cluster"
	StageDatabase    = "database"
	StageStorage     = "storage"
	StageApplication = "application"
	StageIngress     = "ingress"
	StageAutoscaling = "autoscaling"
	StageDNS         = "dns"
)

// Stages returns every stage id in pipeline order
func Stages() []string {
	return []string{StageCluster, StageDatabase, StageStorage, StageApplication, StageIngress, StageAutoscaling, StageDNS}
}

// IsStage reports whether id names a stage
func IsStage(id string) bool {
	for _, s := range Stages() {
		if s == id {
			return true
		}
	}
	return false
}

// Plan is the desired end state of a deployment
type Plan struct {
	Name   string `yaml:"name"`
	Region string `yaml:"region"`
	Seed   string `yaml:"seed"`
	Suffix string `yaml:"suffix"`

	Cluster  ClusterSpec       `yaml:"cluster"`
	Database DatabaseSpec      `yaml:"database"`
	Storage  StorageSpec       `yaml:"storage"`
	App      AppSpec           `yaml:"app"`
	Ingress  IngressSpec       `yaml:"ingress"`
	Scaling  ScalingSpec       `yaml:"scaling"`
	DNS      DNSSpec           `yaml:"dns"`
	Addons   Addons            `yaml:"addons"`
	Timeouts Timeouts          `yaml:"timeouts"`
	Retry    RetrySpec         `yaml:"retry"`
	Tags     map[string]string `yaml:"tags"`
}

// ClusterSpec describes the EKS cluster and its managed node group
type ClusterSpec struct {
	Name         string `yaml:"name"`
	Version      string `yaml:"version"`
	NodeGroup    string `yaml:"nodeGroup"`
	NodeType     string `yaml:"nodeType"`
	MinNodes     int    `yaml:"minNodes"`
	MaxNodes     int    `yaml:"maxNodes"`
	DesiredNodes int    `yaml:"desiredNodes"`
	KeyPairName  string `yaml:"keyPairName"`
}

// DatabaseSpec describes the RDS instance and its supporting resources
type DatabaseSpec struct {
	Identifier        string `yaml:"identifier"`
	Engine            string `yaml:"engine"`
	EngineVersion     string `yaml:"engineVersion"`
	InstanceClass     string `yaml:"instanceClass"`
	AllocatedStorage  int    `yaml:"allocatedStorage"`
	DBName            string `yaml:"dbName"`
	Username          string `yaml:"username"`
	Port              int    `yaml:"port"`
	SubnetGroupName   string `yaml:"subnetGroupName"`
	SecurityGroupName string `yaml:"securityGroupName"`
	SecretName        string `yaml:"secretName"`
}

// StorageSpec describes the EFS filesystem and the S3 bucket
type StorageSpec struct {
	FileSystemToken   string `yaml:"fileSystemToken"`
	PerformanceMode   string `yaml:"performanceMode"`
	ThroughputMode    string `yaml:"throughputMode"`
	SecurityGroupName string `yaml:"securityGroupName"`
	BucketName        string `yaml:"bucketName"`
	Versioning        bool   `yaml:"versioning"`
}

// AppSpec describes the Moodle workload
type AppSpec struct {
	Namespace      string            `yaml:"namespace"`
	Image          string            `yaml:"image"`
	Replicas       int               `yaml:"replicas"`
	SiteName       string            `yaml:"siteName"`
	AdminUser      string            `yaml:"adminUser"`
	AdminEmail     string            `yaml:"adminEmail"`
	CPURequest     string            `yaml:"cpuRequest"`
	MemoryRequest  string            `yaml:"memoryRequest"`
	CPULimit       string            `yaml:"cpuLimit"`
	MemoryLimit    string            `yaml:"memoryLimit"`
	StorageSize    string            `yaml:"storageSize"`
	SecretName     string            `yaml:"secretName"`
	PVName         string            `yaml:"pvName"`
	PVCName        string            `yaml:"pvcName"`
	DeploymentName string            `yaml:"deploymentName"`
	ServiceName    string            `yaml:"serviceName"`
	Labels         map[string]string `yaml:"labels"`
}

// IngressSpec describes the ALB ingress and its controller identity
type IngressSpec struct {
	Name                string `yaml:"name"`
	ClassName           string `yaml:"className"`
	Scheme              string `yaml:"scheme"`
	CertificateARN      string `yaml:"certificateArn,omitempty"`
	ControllerPolicyARN string `yaml:"controllerPolicyArn,omitempty"`
	ServiceAccount      string `yaml:"serviceAccount"`
	ServiceAccountNS    string `yaml:"serviceAccountNamespace"`
	HostnameAttempts    int    `yaml:"hostnameAttempts"`
}

// ScalingSpec describes the horizontal pod autoscaler
type ScalingSpec struct {
	Name      string `yaml:"name"`
	MinPods   int    `yaml:"minPods"`
	MaxPods   int    `yaml:"maxPods"`
	TargetCPU int    `yaml:"targetCPU"`
}

// DNSSpec describes the Route 53 alias record
type DNSSpec struct {
	Domain     string `yaml:"domain,omitempty"`
	RecordName string `yaml:"recordName,omitempty"`
	RecordType string `yaml:"recordType,omitempty"`
}

// Enabled reports whether the DNS stage has anything to do
func (d DNSSpec) Enabled() bool {
	return d.Domain != ""
}

// AddonSpec is one helm release
type AddonSpec struct {
	Release   string            `yaml:"release"`
	Namespace string            `yaml:"namespace"`
	RepoName  string            `yaml:"repoName"`
	RepoURL   string            `yaml:"repoUrl"`
	Chart     string            `yaml:"chart"`
	Version   string            `yaml:"version,omitempty"`
	Values    map[string]string `yaml:"values,omitempty"`
}

// Addons are the cluster add-ons the stages install
type Addons struct {
	EFSCSIDriver           AddonSpec `yaml:"efsCsiDriver"`
	LoadBalancerController AddonSpec `yaml:"loadBalancerController"`
	MetricsServer          AddonSpec `yaml:"metricsServer"`
}

// Timeouts bound the readiness wait of each stage
type Timeouts struct {
	Cluster     time.Duration `yaml:"cluster"`
	Database    time.Duration `yaml:"database"`
	Storage     time.Duration `yaml:"storage"`
	Application time.Duration `yaml:"application"`
	Ingress     time.Duration `yaml:"ingress"`
	Autoscaling time.Duration `yaml:"autoscaling"`
	DNS         time.Duration `yaml:"dns"`
}

// For returns the timeout of a stage; unknown ids get the cluster timeout
func (t Timeouts) For(stage string) time.Duration {
	switch stage {
	case StageCluster:
		return t.Cluster
	case StageDatabase:
		return t.Database
	case StageStorage:
		return t.Storage
	case StageApplication:
		return t.Application
	case StageIngress:
		return t.Ingress
	case StageAutoscaling:
		return t.Autoscaling
	case StageDNS:
		return t.DNS
	}
	return t.Cluster
}

// RetrySpec tunes stage retries and readiness polling
type RetrySpec struct {
	MaxRetries   int           `yaml:"maxRetries"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	PollInterval time.Duration `yaml:"pollInterval"`
	PollMaxDelay time.Duration `yaml:"pollMaxDelay"`
}

// Stage returns the retry configuration of the stage wrapper
func (r RetrySpec) Stage() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = r.MaxRetries
	cfg.InitialDelay = r.InitialDelay
	cfg.MaxDelay = r.MaxDelay
	return cfg
}

// Poll returns a readiness poll bounded by timeout and, when positive, attempts
func (r RetrySpec) Poll(timeout time.Duration, attempts int) retry.PollConfig {
	return retry.PollConfig{
		InitialDelay: r.PollInterval,
		MaxDelay:     r.PollMaxDelay,
		Multiplier:   1.5,
		MaxAttempts:  attempts,
		Timeout:      timeout,
	}
}

// SeedTag carries the seed on every tagged resource so a lost ledger can
// be rebuilt with --seed
const SeedTag = "moodle-eks/seed"

// NewSeed returns a fresh random seed
func NewSeed() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ResolveSeed picks the seed of a run: the ledger's, then the configured
// one, then a fresh one. generated is true only in the last case, and the
// caller must persist the result before creating anything.
func ResolveSeed(ledgerSeed, configSeed string) (seed string, generated bool, err error) {
	if ledgerSeed != "" {
		return ledgerSeed, false, nil
	}
	if configSeed != "" {
		return configSeed, false, nil
	}
	seed, err = NewSeed()
	return seed, err == nil, err
}

// Derive returns n hex characters of sha256(seed + "/" + purpose)
func Derive(seed, purpose string, n int) string {
	sum := sha256.Sum256([]byte(seed + "/" + purpose))
	h := hex.EncodeToString(sum[:])
	if n > len(h) {
		n = len(h)
	}
	return h[:n]
}

var (
	bucketPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)
	ipPattern     = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)
)

// ValidateBucketName checks the S3 general purpose bucket naming rules
func ValidateBucketName(name string) error {
	if !bucketPattern.MatchString(name) {
		return fmt.Errorf("bucket name %q must be 3-63 lowercase letters, digits, dots or hyphens", name)
	}
	if strings.Contains(name, "..") || strings.Contains(name, ".-") || strings.Contains(name, "-.") {
		return fmt.Errorf("bucket name %q has adjacent separators", name)
	}
	if ipPattern.MatchString(name) {
		return fmt.Errorf("bucket name %q must not look like an IP address", name)
	}
	if strings.HasPrefix(name, "xn--") || strings.HasSuffix(name, "-s3alias") {
		return fmt.Errorf("bucket name %q uses a reserved prefix or suffix", name)
	}
	return nil
}

// BucketName joins prefix, deployment name and hash into a valid bucket
// name, trimming the middle part so the hash always survives.
func BucketName(prefix, name, hash string) (string, error) {
	const maxLen = 63
	head := strings.ToLower(prefix + "-" + name)
	head = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, head)
	if room := maxLen - len(hash) - 1; len(head) > room {
		head = head[:room]
	}
	head = strings.Trim(head, "-")
	bucket := head + "-" + strings.ToLower(hash)
	if err := ValidateBucketName(bucket); err != nil {
		return "", err
	}
	return bucket, nil
}

// Build creates the plan for cfg with the given seed
func Build(cfg *config.Config, seed string) (*Plan, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if seed == "" {
		return nil, fmt.Errorf("seed is required")
	}

	p := &Plan{
		Name:   cfg.Name,
		Region: cfg.Region,
		Seed:   seed,
		Suffix: Derive(seed, "deployment", 6),
		Tags: map[string]string{
			"app":                   "moodle",
			"managed-by":            "moodle-eks",
			"moodle-eks/deployment": cfg.Name,
			SeedTag:                 seed,
		},
	}

	clusterName := cfg.Cluster.Name
	if cfg.Cluster.UniqueName {
		clusterName = clusterName + "-" + Derive(seed, "cluster", 6)
	}
	p.Cluster = ClusterSpec{
		Name:         clusterName,
		Version:      cfg.Cluster.Version,
		NodeGroup:    clusterName + "-nodes",
		NodeType:     cfg.Cluster.NodeType,
		MinNodes:     cfg.Cluster.MinNodes,
		MaxNodes:     cfg.Cluster.MaxNodes,
		DesiredNodes: cfg.Cluster.DesiredNodes,
		KeyPairName:  fmt.Sprintf("%s-key-%s", clusterName, Derive(seed, "key-pair", 8)),
	}

	port := 3306
	if cfg.Database.Engine == "postgres" {
		port = 5432
	}
	p.Database = DatabaseSpec{
		Identifier:        cfg.Database.Identifier,
		Engine:            cfg.Database.Engine,
		EngineVersion:     cfg.Database.EngineVersion,
		InstanceClass:     cfg.Database.InstanceClass,
		AllocatedStorage:  cfg.Database.AllocatedStorage,
		DBName:            cfg.Database.Name,
		Username:          cfg.Database.Username,
		Port:              port,
		SubnetGroupName:   cfg.Database.Identifier + "-subnets",
		SecurityGroupName: clusterName + "-rds",
		SecretName:        fmt.Sprintf("moodle-eks/%s/%s", cfg.Name, cfg.Database.Identifier),
	}

	bucket, err := BucketName(cfg.Storage.BucketPrefix, cfg.Name, Derive(seed, "bucket", 8))
	if err != nil {
		return nil, err
	}
	p.Storage = StorageSpec{
		FileSystemToken:   fmt.Sprintf("%s-efs-%s", cfg.Name, Derive(seed, "filesystem", 8)),
		PerformanceMode:   cfg.Storage.PerformanceMode,
		ThroughputMode:    cfg.Storage.ThroughputMode,
		SecurityGroupName: clusterName + "-efs",
		BucketName:        bucket,
		Versioning:        cfg.Storage.Versioning,
	}

	p.App = AppSpec{
		Namespace:      cfg.App.Namespace,
		Image:          cfg.App.Image,
		Replicas:       cfg.App.Replicas,
		SiteName:       cfg.App.SiteName,
		AdminUser:      cfg.App.AdminUser,
		AdminEmail:     cfg.App.AdminEmail,
		CPURequest:     cfg.App.CPURequest,
		MemoryRequest:  cfg.App.MemoryRequest,
		CPULimit:       cfg.App.CPULimit,
		MemoryLimit:    cfg.App.MemoryLimit,
		StorageSize:    cfg.App.StorageSize,
		SecretName:     "moodle-database",
		PVName:         fmt.Sprintf("%s-moodledata-%s", cfg.Name, p.Suffix),
		PVCName:        "moodledata",
		DeploymentName: "moodle",
		ServiceName:    "moodle",
		Labels: map[string]string{
			"app.kubernetes.io/name":       "moodle",
			"app.kubernetes.io/instance":   cfg.Name,
			"app.kubernetes.io/managed-by": "moodle-eks",
		},
	}

	p.Ingress = IngressSpec{
		Name:                "moodle",
		ClassName:           cfg.Ingress.ClassName,
		Scheme:              cfg.Ingress.Scheme,
		CertificateARN:      cfg.Ingress.CertificateARN,
		ControllerPolicyARN: cfg.Ingress.ControllerPolicyARN,
		ServiceAccount:      "aws-load-balancer-controller",
		ServiceAccountNS:    "kube-system",
		HostnameAttempts:    cfg.Ingress.HostnameAttempts,
	}

	p.Scaling = ScalingSpec{
		Name:      "moodle",
		MinPods:   cfg.Scaling.MinPods,
		MaxPods:   cfg.Scaling.MaxPods,
		TargetCPU: cfg.Scaling.TargetCPU,
	}

	if cfg.DNS.Domain != "" {
		p.DNS = DNSSpec{
			Domain:     strings.TrimSuffix(strings.ToLower(cfg.DNS.Domain), "."),
			RecordName: strings.TrimSuffix(strings.ToLower(cfg.DNS.Record), "."),
			RecordType: "A",
		}
	}

	p.Addons = Addons{
		EFSCSIDriver: AddonSpec{
			Release:   "aws-efs-csi-driver",
			Namespace: "kube-system",
			RepoName:  "aws-efs-csi-driver",
			RepoURL:   "https://kubernetes-sigs.github.io/aws-efs-csi-driver/",
			Chart:     "aws-efs-csi-driver/aws-efs-csi-driver",
			Version:   cfg.Addons.EFSCSIDriverVersion,
		},
		LoadBalancerController: AddonSpec{
			Release:   "aws-load-balancer-controller",
			Namespace: "kube-system",
			RepoName:  "eks",
			RepoURL:   "https://aws.github.io/eks-charts",
			Chart:     "eks/aws-load-balancer-controller",
			Version:   cfg.Addons.LoadBalancerControllerVersion,
			Values: map[string]string{
				"clusterName":           clusterName,
				"region":                cfg.Region,
				"serviceAccount.create": "false",
				"serviceAccount.name":   "aws-load-balancer-controller",
			},
		},
		MetricsServer: AddonSpec{
			Release:   "metrics-server",
			Namespace: "kube-system",
			RepoName:  "metrics-server",
			RepoURL:   "https://kubernetes-sigs.github.io/metrics-server/",
			Chart:     "metrics-server/metrics-server",
			Version:   cfg.Addons.MetricsServerVersion,
		},
	}

	p.Timeouts = Timeouts{
		Cluster:     cfg.Timeouts.Cluster,
		Database:    cfg.Timeouts.Database,
		Storage:     cfg.Timeouts.Storage,
		Application: cfg.Timeouts.Application,
		Ingress:     cfg.Timeouts.Ingress,
		Autoscaling: cfg.Timeouts.Autoscaling,
		DNS:         cfg.Timeouts.DNS,
	}

	p.Retry = RetrySpec{
		MaxRetries:   cfg.Retry.MaxRetries,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		PollInterval: cfg.Retry.PollInterval,
		PollMaxDelay: cfg.Retry.PollMaxDelay,
	}

	return p, nil
}
