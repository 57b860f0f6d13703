// Package config defines the moodle-eks configuration file, its documented
// defaults and the loader that layers environment and flag overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is read from the working directory when --config is not given
const DefaultConfigFile = "moodle-eks.yaml"

// Config is the complete user-facing configuration
type Config struct {
	// Name identifies the deployment and keys its ledger
	Name   string `yaml:"name"`
	Region string `yaml:"region"`
	// Seed fixes the suffix of generated names; empty means generate once and persist
	Seed string `yaml:"seed,omitempty"`

	State    StateConfig    `yaml:"state"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	App      AppConfig      `yaml:"app"`
	Ingress  IngressConfig  `yaml:"ingress"`
	Scaling  ScalingConfig  `yaml:"scaling"`
	DNS      DNSConfig      `yaml:"dns"`
	Addons   AddonsConfig   `yaml:"addons"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Retry    RetryConfig    `yaml:"retry"`
}

// StateConfig selects where the ledger lives
type StateConfig struct {
	// Backend is "local" or an s3://bucket/prefix URL
	Backend string `yaml:"backend"`
	// Dir overrides the local state directory
	Dir string `yaml:"dir,omitempty"`
}

// ClusterConfig sizes the EKS cluster
type ClusterConfig struct {
	Name         string `yaml:"name"`
	Version      string `yaml:"version"`
	NodeType     string `yaml:"nodeType"`
	MinNodes     int    `yaml:"minNodes"`
	MaxNodes     int    `yaml:"maxNodes"`
	DesiredNodes int    `yaml:"desiredNodes"`
	// UniqueName appends the seeded suffix to the cluster name
	UniqueName bool `yaml:"uniqueName,omitempty"`
}

// DatabaseConfig sizes the RDS instance
type DatabaseConfig struct {
	Identifier       string `yaml:"identifier"`
	Engine           string `yaml:"engine"`
	EngineVersion    string `yaml:"engineVersion"`
	InstanceClass    string `yaml:"instanceClass"`
	AllocatedStorage int    `yaml:"allocatedStorage"`
	Name             string `yaml:"name"`
	Username         string `yaml:"username"`
}

// StorageConfig configures EFS and S3
type StorageConfig struct {
	BucketPrefix    string `yaml:"bucketPrefix"`
	Versioning      bool   `yaml:"versioning"`
	PerformanceMode string `yaml:"performanceMode"`
	ThroughputMode  string `yaml:"throughputMode"`
}

// AppConfig configures the Moodle workload
type AppConfig struct {
	Namespace     string `yaml:"namespace"`
	Image         string `yaml:"image"`
	Replicas      int    `yaml:"replicas"`
	SiteName      string `yaml:"siteName"`
	AdminUser     string `yaml:"adminUser"`
	AdminEmail    string `yaml:"adminEmail"`
	CPURequest    string `yaml:"cpuRequest"`
	MemoryRequest string `yaml:"memoryRequest"`
	CPULimit      string `yaml:"cpuLimit"`
	MemoryLimit   string `yaml:"memoryLimit"`
	StorageSize   string `yaml:"storageSize"`
}

// IngressConfig configures the ALB ingress
type IngressConfig struct {
	ClassName string `yaml:"className"`
	Scheme    string `yaml:"scheme"`
	// CertificateARN enables HTTPS on the load balancer
	CertificateARN string `yaml:"certificateArn,omitempty"`
	// ControllerPolicyARN defaults to arn:aws:iam::<account>:policy/AWSLoadBalancerControllerIAMPolicy
	ControllerPolicyARN string `yaml:"controllerPolicyArn,omitempty"`
	HostnameAttempts    int    `yaml:"hostnameAttempts"`
}

// ScalingConfig bounds the horizontal pod autoscaler
type ScalingConfig struct {
	MinPods   int `yaml:"minPods"`
	MaxPods   int `yaml:"maxPods"`
	TargetCPU int `yaml:"targetCPU"`
}

// DNSConfig configures the Route 53 alias. An empty domain skips the DNS stage.
type DNSConfig struct {
	Domain string `yaml:"domain,omitempty"`
	Record string `yaml:"record,omitempty"`
}

// AddonsConfig pins helm chart versions; empty means latest
type AddonsConfig struct {
	EFSCSIDriverVersion           string `yaml:"efsCsiDriverVersion,omitempty"`
	LoadBalancerControllerVersion string `yaml:"loadBalancerControllerVersion,omitempty"`
	MetricsServerVersion          string `yaml:"metricsServerVersion,omitempty"`
}

// TimeoutsConfig bounds readiness waits per operation class
type TimeoutsConfig struct {
	Cluster     time.Duration `yaml:"cluster"`
	Database    time.Duration `yaml:"database"`
	Storage     time.Duration `yaml:"storage"`
	Application time.Duration `yaml:"application"`
	Ingress     time.Duration `yaml:"ingress"`
	Autoscaling time.Duration `yaml:"autoscaling"`
	DNS         time.Duration `yaml:"dns"`
}

// RetryConfig tunes stage retries and readiness polling
type RetryConfig struct {
	MaxRetries   int           `yaml:"maxRetries"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	PollInterval time.Duration `yaml:"pollInterval"`
	PollMaxDelay time.Duration `yaml:"pollMaxDelay"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills every unset field
func applyDefaults(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = "moodle"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.State.Backend == "" {
		cfg.State.Backend = "local"
	}

	c := &cfg.Cluster
	if c.Name == "" {
		c.Name = "moodle-eks"
	}
	if c.Version == "" {
		c.Version = "1.30"
	}
	if c.NodeType == "" {
		c.NodeType = "t3.medium"
	}
	if c.MinNodes == 0 {
		c.MinNodes = 1
	}
	if c.MaxNodes == 0 {
		c.MaxNodes = 2
	}
	if c.DesiredNodes == 0 {
		c.DesiredNodes = c.MinNodes
	}

	d := &cfg.Database
	if d.Identifier == "" {
		d.Identifier = "moodle-db"
	}
	if d.Engine == "" {
		d.Engine = "mysql"
	}
	if d.EngineVersion == "" {
		d.EngineVersion = "8.0"
	}
	if d.InstanceClass == "" {
		d.InstanceClass = "db.t3.micro"
	}
	if d.AllocatedStorage == 0 {
		d.AllocatedStorage = 20
	}
	if d.Name == "" {
		d.Name = "moodle"
	}
	if d.Username == "" {
		d.Username = "moodleadmin"
	}

	s := &cfg.Storage
	if s.BucketPrefix == "" {
		s.BucketPrefix = "moodle-data"
	}
	if s.PerformanceMode == "" {
		s.PerformanceMode = "generalPurpose"
	}
	if s.ThroughputMode == "" {
		s.ThroughputMode = "bursting"
	}

	a := &cfg.App
	if a.Namespace == "" {
		a.Namespace = "moodle"
	}
	if a.Image == "" {
		a.Image = "bitnami/moodle:4.3"
	}
	if a.Replicas == 0 {
		a.Replicas = 1
	}
	if a.SiteName == "" {
		a.SiteName = "Moodle"
	}
	if a.AdminUser == "" {
		a.AdminUser = "admin"
	}
	if a.AdminEmail == "" {
		a.AdminEmail = "admin@example.com"
	}
	if a.CPURequest == "" {
		a.CPURequest = "250m"
	}
	if a.MemoryRequest == "" {
		a.MemoryRequest = "512Mi"
	}
	if a.CPULimit == "" {
		a.CPULimit = "1"
	}
	if a.MemoryLimit == "" {
		a.MemoryLimit = "1Gi"
	}
	if a.StorageSize == "" {
		a.StorageSize = "10Gi"
	}

	i := &cfg.Ingress
	if i.ClassName == "" {
		i.ClassName = "alb"
	}
	if i.Scheme == "" {
		i.Scheme = "internet-facing"
	}
	if i.HostnameAttempts == 0 {
		i.HostnameAttempts = 60
	}

	sc := &cfg.Scaling
	if sc.MinPods == 0 {
		sc.MinPods = 1
	}
	if sc.MaxPods == 0 {
		sc.MaxPods = 4
	}
	if sc.TargetCPU == 0 {
		sc.TargetCPU = 60
	}

	if cfg.DNS.Domain != "" && cfg.DNS.Record == "" {
		cfg.DNS.Record = "moodle." + cfg.DNS.Domain
	}

	t := &cfg.Timeouts
	if t.Cluster == 0 {
		t.Cluster = 30 * time.Minute
	}
	if t.Database == 0 {
		t.Database = 25 * time.Minute
	}
	if t.Storage == 0 {
		t.Storage = 10 * time.Minute
	}
	if t.Application == 0 {
		t.Application = 15 * time.Minute
	}
	if t.Ingress == 0 {
		t.Ingress = 10 * time.Minute
	}
	if t.Autoscaling == 0 {
		t.Autoscaling = 5 * time.Minute
	}
	if t.DNS == 0 {
		t.DNS = 5 * time.Minute
	}

	r := &cfg.Retry
	if r.MaxRetries == 0 {
		r.MaxRetries = 3
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = 2 * time.Second
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 30 * time.Second
	}
	if r.PollInterval == 0 {
		r.PollInterval = 5 * time.Second
	}
	if r.PollMaxDelay == 0 {
		r.PollMaxDelay = 30 * time.Second
	}
}

// SaveToYAML writes the configuration to path, creating parent directories
func SaveToYAML(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadFromYAML parses a configuration file without applying overrides or defaults
func LoadFromYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &cfg, nil
}
