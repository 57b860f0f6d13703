package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix marks environment variables that override configuration values
const EnvPrefix = "MOODLE_"

var errUnknownKey = errors.New("unknown configuration key")

// Loader handles configuration loading and validation
type Loader struct {
	configPath string
	// explicit is true when the path came from --config and must exist
	explicit   bool
	config     *Config
	overrides  map[string]interface{}
	validators []Validator
	environ    func() []string
}

// Validator interface for config validation
type Validator interface {
	Validate(config *Config) error
}

// ValidatorFunc adapts a function to Validator
type ValidatorFunc func(config *Config) error

// Validate calls f
func (f ValidatorFunc) Validate(config *Config) error {
	return f(config)
}

// NewLoader creates a new configuration loader. An empty path reads
// DefaultConfigFile when it exists and otherwise starts from defaults.
func NewLoader(configPath string) *Loader {
	l := &Loader{
		configPath: configPath,
		explicit:   configPath != "",
		overrides:  make(map[string]interface{}),
		environ:    os.Environ,
	}
	if l.configPath == "" {
		l.configPath = DefaultConfigFile
	}
	return l
}

// Load reads the file, then applies environment overrides, explicit
// overrides, defaults and validators in that order.
func (l *Loader) Load() (*Config, error) {
	config := &Config{}

	if _, err := os.Stat(l.configPath); err == nil {
		loaded, err := LoadFromYAML(l.configPath)
		if err != nil {
			return nil, err
		}
		config = loaded
	} else if l.explicit {
		return nil, fmt.Errorf("configuration file not found: %s", l.configPath)
	}

	if err := l.applyEnvironmentOverrides(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := l.applyOverrides(config); err != nil {
		return nil, fmt.Errorf("failed to apply overrides: %w", err)
	}

	applyDefaults(config)

	if err := l.validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	l.config = config
	return config, nil
}

// Path returns the configuration file path the loader reads
func (l *Loader) Path() string {
	return l.configPath
}

// SetOverride sets a configuration override using dot notation, e.g. "cluster.minNodes"
func (l *Loader) SetOverride(key string, value interface{}) {
	l.overrides[key] = value
}

// AddValidator adds a configuration validator
func (l *Loader) AddValidator(v Validator) {
	l.validators = append(l.validators, v)
}

// GetConfig returns the loaded configuration
func (l *Loader) GetConfig() *Config {
	return l.config
}

// applyEnvironmentOverrides applies MOODLE_<SECTION>_<KEY> variables.
// Unknown keys are ignored so unrelated MOODLE_ variables do not break loading.
func (l *Loader) applyEnvironmentOverrides(config *Config) error {
	for _, env := range l.environ() {
		if !strings.HasPrefix(env, EnvPrefix) {
			continue
		}
		name, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}

		key := envKey(strings.TrimPrefix(name, EnvPrefix))
		if err := setConfigValue(config, key, value); err != nil {
			if errors.Is(err, errUnknownKey) {
				continue
			}
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

var sections = map[string]bool{
	"state": true, "cluster": true, "database": true, "storage": true, "app": true,
	"ingress": true, "scaling": true, "dns": true, "addons": true, "timeouts": true, "retry": true,
}

// envKey maps CLUSTER_MIN_NODES to cluster.minnodes and REGION to region
func envKey(name string) string {
	parts := strings.Split(strings.ToLower(name), "_")
	if len(parts) > 1 && sections[parts[0]] {
		return parts[0] + "." + strings.Join(parts[1:], "")
	}
	return strings.Join(parts, "")
}

// applyOverrides applies explicit overrides in key order
func (l *Loader) applyOverrides(config *Config) error {
	keys := make([]string, 0, len(l.overrides))
	for k := range l.overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := setConfigValue(config, key, l.overrides[key]); err != nil {
			return fmt.Errorf("failed to apply override %s: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a value in the config using a case-insensitive dot path
func setConfigValue(config *Config, path string, value interface{}) error {
	key := strings.ToLower(strings.ReplaceAll(path, "_", ""))

	var err error
	switch key {
	case "name":
		config.Name = toString(value)
	case "region":
		config.Region = toString(value)
	case "seed":
		config.Seed = toString(value)

	case "state.backend":
		config.State.Backend = toString(value)
	case "state.dir":
		config.State.Dir = toString(value)

	case "cluster.name":
		config.Cluster.Name = toString(value)
	case "cluster.version":
		config.Cluster.Version = toString(value)
	case "cluster.nodetype":
		config.Cluster.NodeType = toString(value)
	case "cluster.minnodes":
		config.Cluster.MinNodes, err = toInt(value)
	case "cluster.maxnodes":
		config.Cluster.MaxNodes, err = toInt(value)
	case "cluster.desirednodes":
		config.Cluster.DesiredNodes, err = toInt(value)
	case "cluster.uniquename":
		config.Cluster.UniqueName, err = toBool(value)

	case "database.identifier":
		config.Database.Identifier = toString(value)
	case "database.engine":
		config.Database.Engine = toString(value)
	case "database.engineversion":
		config.Database.EngineVersion = toString(value)
	case "database.instanceclass", "database.class":
		config.Database.InstanceClass = toString(value)
	case "database.allocatedstorage":
		config.Database.AllocatedStorage, err = toInt(value)
	case "database.name":
		config.Database.Name = toString(value)
	case "database.username":
		config.Database.Username = toString(value)

	case "storage.bucketprefix":
		config.Storage.BucketPrefix = toString(value)
	case "storage.versioning":
		config.Storage.Versioning, err = toBool(value)
	case "storage.performancemode":
		config.Storage.PerformanceMode = toString(value)
	case "storage.throughputmode":
		config.Storage.ThroughputMode = toString(value)

	case "app.namespace":
		config.App.Namespace = toString(value)
	case "app.image":
		config.App.Image = toString(value)
	case "app.replicas":
		config.App.Replicas, err = toInt(value)
	case "app.sitename":
		config.App.SiteName = toString(value)
	case "app.adminuser":
		config.App.AdminUser = toString(value)
	case "app.adminemail":
		config.App.AdminEmail = toString(value)

	case "ingress.classname":
		config.Ingress.ClassName = toString(value)
	case "ingress.scheme":
		config.Ingress.Scheme = toString(value)
	case "ingress.certificatearn":
		config.Ingress.CertificateARN = toString(value)
	case "ingress.controllerpolicyarn":
		config.Ingress.ControllerPolicyARN = toString(value)
	case "ingress.hostnameattempts":
		config.Ingress.HostnameAttempts, err = toInt(value)

	case "scaling.minpods":
		config.Scaling.MinPods, err = toInt(value)
	case "scaling.maxpods":
		config.Scaling.MaxPods, err = toInt(value)
	case "scaling.targetcpu":
		config.Scaling.TargetCPU, err = toInt(value)

	case "dns.domain":
		config.DNS.Domain = toString(value)
	case "dns.record":
		config.DNS.Record = toString(value)

	case "timeouts.cluster":
		config.Timeouts.Cluster, err = toDuration(value)
	case "timeouts.database":
		config.Timeouts.Database, err = toDuration(value)
	case "timeouts.storage":
		config.Timeouts.Storage, err = toDuration(value)
	case "timeouts.application":
		config.Timeouts.Application, err = toDuration(value)
	case "timeouts.ingress":
		config.Timeouts.Ingress, err = toDuration(value)
	case "timeouts.autoscaling":
		config.Timeouts.Autoscaling, err = toDuration(value)
	case "timeouts.dns":
		config.Timeouts.DNS, err = toDuration(value)

	case "retry.maxretries":
		config.Retry.MaxRetries, err = toInt(value)
	case "retry.initialdelay":
		config.Retry.InitialDelay, err = toDuration(value)
	case "retry.maxdelay":
		config.Retry.MaxDelay, err = toDuration(value)
	case "retry.pollinterval":
		config.Retry.PollInterval, err = toDuration(value)
	case "retry.pollmaxdelay":
		config.Retry.PollMaxDelay, err = toDuration(value)

	default:
		return fmt.Errorf("%w: %s", errUnknownKey, path)
	}

	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", path, err)
	}
	return nil
}

func toString(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

func toInt(value interface{}) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(v))
	}
	return 0, fmt.Errorf("cannot convert %T to int", value)
}

func toBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	}
	return false, fmt.Errorf("cannot convert %T to bool", value)
}

func toDuration(value interface{}) (time.Duration, error) {
	switch v := value.(type) {
	case time.Duration:
		return v, nil
	case string:
		return time.ParseDuration(strings.TrimSpace(v))
	}
	return 0, fmt.Errorf("cannot convert %T to duration", value)
}

// validate runs the structural checks every configuration must pass, then
// the registered validators
func (l *Loader) validate(config *Config) error {
	if config.Name == "" {
		return fmt.Errorf("deployment name is required")
	}
	if config.Region == "" {
		return fmt.Errorf("region is required")
	}
	if config.Cluster.MinNodes > config.Cluster.MaxNodes {
		return fmt.Errorf("cluster.minNodes (%d) must not exceed cluster.maxNodes (%d)",
			config.Cluster.MinNodes, config.Cluster.MaxNodes)
	}
	if config.Scaling.MinPods > config.Scaling.MaxPods {
		return fmt.Errorf("scaling.minPods (%d) must not exceed scaling.maxPods (%d)",
			config.Scaling.MinPods, config.Scaling.MaxPods)
	}

	for _, validator := range l.validators {
		if err := validator.Validate(config); err != nil {
			return err
		}
	}
	return nil
}
