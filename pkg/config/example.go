package config

import (
	"fmt"
	"os"
)

// ExampleYAML is the documented starting configuration written by "config init"
const ExampleYAML = `# moodle-eks configuration
#
# Every value below is the default. Any key can also be set through the
# environment as MOODLE_<SECTION>_<KEY>, e.g. MOODLE_CLUSTER_MIN_NODES=2.

# Deployment name; keys the ledger under ~/.moodle-eks/deployments
name: moodle
region: us-east-1
# Fixes the suffix of bucket, key-pair and filesystem names. Leave empty to
# generate one on the first deploy; it is stored in the ledger.
# seed: ""

state:
  # "local" or s3://bucket/prefix
  backend: local

cluster:
  name: moodle-eks
  version: "1.30"
  nodeType: t3.medium
  minNodes: 1
  maxNodes: 2
  desiredNodes: 1

database:
  identifier: moodle-db
  engine: mysql
  engineVersion: "8.0"
  instanceClass: db.t3.micro
  allocatedStorage: 20
  name: moodle
  username: moodleadmin

storage:
  bucketPrefix: moodle-data
  versioning: false
  performanceMode: generalPurpose
  throughputMode: bursting

app:
  namespace: moodle
  image: bitnami/moodle:4.3
  replicas: 1
  siteName: Moodle
  adminUser: admin
  adminEmail: admin@example.com
  cpuRequest: 250m
  memoryRequest: 512Mi
  cpuLimit: "1"
  memoryLimit: 1Gi
  storageSize: 10Gi

ingress:
  className: alb
  scheme: internet-facing
  # certificateArn: arn:aws:acm:us-east-1:123456789012:certificate/...
  # controllerPolicyArn: arn:aws:iam::123456789012:policy/AWSLoadBalancerControllerIAMPolicy
  hostnameAttempts: 60

scaling:
  minPods: 1
  maxPods: 4
  targetCPU: 60

# The DNS stage is skipped while domain is empty
dns:
  # domain: example.com
  # record: moodle.example.com

timeouts:
  cluster: 30m
  database: 25m
  storage: 10m
  application: 15m
  ingress: 10m
  autoscaling: 5m
  dns: 5m

retry:
  maxRetries: 3
  initialDelay: 2s
  maxDelay: 30s
  pollInterval: 5s
  pollMaxDelay: 30s
`

// WriteExample writes ExampleYAML to path. An existing file is only replaced when force is set.
func WriteExample(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.WriteFile(path, []byte(ExampleYAML), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
