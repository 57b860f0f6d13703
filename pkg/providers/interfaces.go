// Package providers declares the typed operations the provisioning stages
// need from AWS, Kubernetes, helm and eksctl. Implementations live in the
// sub-packages and are thin adapters: no retries and no business logic.
// Missing resources are reported with ErrNotFound and create conflicts with
// ErrAlreadyExists, both wrapped so errors.Is works.
package providers

import (
	"context"
	"errors"

	"k8s.io/apimachinery/pkg/runtime"
)

var (
	// ErrNotFound is returned when the requested resource does not exist
	ErrNotFound = errors.New("resource not found")
	// ErrAlreadyExists is returned when a create targets an existing resource
	ErrAlreadyExists = errors.New("resource already exists")
)

// IsNotFound reports whether err wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists reports whether err wraps ErrAlreadyExists
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// Cluster status values reported by EKS
const (
	ClusterActive   = "ACTIVE"
	ClusterCreating = "CREATING"
	ClusterDeleting = "DELETING"
	ClusterFailed   = "FAILED"
)

// ClusterInfo is the observed state of an EKS cluster
type ClusterInfo struct {
	Name                   string
	Status                 string
	Version                string
	Endpoint               string
	CertificateAuthority   string
	VPCID                  string
	SubnetIDs              []string
	ClusterSecurityGroupID string
	OIDCIssuer             string
}

// ClusterSpec is what eksctl is asked to create
type ClusterSpec struct {
	Name         string
	Region       string
	Version      string
	NodeGroup    string
	NodeType     string
	MinNodes     int
	MaxNodes     int
	DesiredNodes int
	KeyPairName  string
	Tags         map[string]string
}

// ClusterDescriber reads cluster state
type ClusterDescriber interface {
	DescribeCluster(ctx context.Context, name string) (*ClusterInfo, error)
}

// ClusterLifecycle creates and deletes clusters
type ClusterLifecycle interface {
	CreateCluster(ctx context.Context, spec ClusterSpec) error
	DeleteCluster(ctx context.Context, name, region string) error
}

// ClusterAPI is the full cluster surface
type ClusterAPI interface {
	ClusterDescriber
	ClusterLifecycle
}

type clusterAPI struct {
	ClusterDescriber
	ClusterLifecycle
}

// CombineCluster joins a describer and a lifecycle manager
func CombineCluster(d ClusterDescriber, l ClusterLifecycle) ClusterAPI {
	return clusterAPI{ClusterDescriber: d, ClusterLifecycle: l}
}

// KeyPair is an EC2 key pair. PrivateKey is only set right after creation.
type KeyPair struct {
	Name        string
	ID          string
	Fingerprint string
	PrivateKey  string
}

// KeyPairAPI manages EC2 key pairs
type KeyPairAPI interface {
	DescribeKeyPair(ctx context.Context, name string) (*KeyPair, error)
	CreateKeyPair(ctx context.Context, name string, tags map[string]string) (*KeyPair, error)
	DeleteKeyPair(ctx context.Context, name string) error
}

// Subnet is a VPC subnet
type Subnet struct {
	ID               string
	AvailabilityZone string
	Public           bool
}

// SecurityGroup is a VPC security group
type SecurityGroup struct {
	ID    string
	Name  string
	VPCID string
}

// SecurityGroupSpec describes a security group to create
type SecurityGroupSpec struct {
	Name        string
	Description string
	VPCID       string
	Tags        map[string]string
}

// NetworkAPI covers the VPC lookups and security groups the stages need
type NetworkAPI interface {
	ListSubnets(ctx context.Context, vpcID string) ([]Subnet, error)
	FindSecurityGroup(ctx context.Context, vpcID, name string) (*SecurityGroup, error)
	CreateSecurityGroup(ctx context.Context, spec SecurityGroupSpec) (*SecurityGroup, error)
	// AuthorizeIngress allows TCP port from another group; an existing rule is not an error
	AuthorizeIngress(ctx context.Context, groupID string, port int32, sourceGroupID string) error
	DeleteSecurityGroup(ctx context.Context, groupID string) error
}

// DB instance status values reported by RDS
const (
	DBAvailable = "available"
	DBCreating  = "creating"
	DBDeleting  = "deleting"
)

// DBInstance is the observed state of an RDS instance
type DBInstance struct {
	Identifier string
	Status     string
	Engine     string
	Endpoint   string
	Port       int32
}

// DBInstanceSpec describes an RDS instance to create
type DBInstanceSpec struct {
	Identifier       string
	Engine           string
	EngineVersion    string
	InstanceClass    string
	AllocatedStorage int32
	DBName           string
	Username         string
	Password         string
	SubnetGroupName  string
	SecurityGroupIDs []string
	Tags             map[string]string
}

// DatabaseAPI manages the RDS instance and its subnet group
type DatabaseAPI interface {
	DescribeDBInstance(ctx context.Context, identifier string) (*DBInstance, error)
	CreateDBInstance(ctx context.Context, spec DBInstanceSpec) (*DBInstance, error)
	// DeleteDBInstance skips the final snapshot and drops automated backups
	DeleteDBInstance(ctx context.Context, identifier string) error
	DescribeDBSubnetGroup(ctx context.Context, name string) error
	CreateDBSubnetGroup(ctx context.Context, name, description string, subnetIDs []string, tags map[string]string) error
	DeleteDBSubnetGroup(ctx context.Context, name string) error
}

// Secret is a Secrets Manager secret
type Secret struct {
	ARN   string
	Name  string
	Value string
}

// SecretStoreAPI manages credential secrets
type SecretStoreAPI interface {
	GetSecret(ctx context.Context, name string) (*Secret, error)
	CreateSecret(ctx context.Context, name, value string, tags map[string]string) (*Secret, error)
	// DeleteSecret deletes immediately, without a recovery window
	DeleteSecret(ctx context.Context, name string) error
}

// EFS lifecycle states
const (
	FileSystemAvailable = "available"
	FileSystemCreating  = "creating"
	FileSystemDeleting  = "deleting"
)

// FileSystem is an EFS filesystem
type FileSystem struct {
	ID            string
	CreationToken string
	State         string
}

// FileSystemSpec describes a filesystem to create
type FileSystemSpec struct {
	CreationToken   string
	PerformanceMode string
	ThroughputMode  string
	Tags            map[string]string
}

// MountTarget is an EFS mount target
type MountTarget struct {
	ID               string
	FileSystemID     string
	SubnetID         string
	AvailabilityZone string
	State            string
}

// FileSystemAPI manages EFS filesystems and mount targets
type FileSystemAPI interface {
	FindFileSystem(ctx context.Context, creationToken string) (*FileSystem, error)
	DescribeFileSystem(ctx context.Context, id string) (*FileSystem, error)
	CreateFileSystem(ctx context.Context, spec FileSystemSpec) (*FileSystem, error)
	DeleteFileSystem(ctx context.Context, id string) error
	ListMountTargets(ctx context.Context, fileSystemID string) ([]MountTarget, error)
	CreateMountTarget(ctx context.Context, fileSystemID, subnetID string, securityGroupIDs []string) (*MountTarget, error)
	DeleteMountTarget(ctx context.Context, id string) error
}

// BucketSpec describes a bucket to create
type BucketSpec struct {
	Name       string
	Region     string
	Versioning bool
	Tags       map[string]string
}

// BucketAPI manages S3 buckets
type BucketAPI interface {
	HeadBucket(ctx context.Context, name string) error
	// CreateBucket creates the bucket, blocks public access and applies versioning and tags
	CreateBucket(ctx context.Context, spec BucketSpec) error
	// EmptyBucket deletes every object version and delete marker, returning how many were removed
	EmptyBucket(ctx context.Context, name string) (int, error)
	DeleteBucket(ctx context.Context, name string) error
}

// HostedZone is a Route 53 hosted zone
type HostedZone struct {
	ID   string
	Name string
}

// AliasRecord is the exact record tuple the DNS stage writes and cleanup deletes
type AliasRecord struct {
	Name        string
	Type        string
	AliasTarget string
	AliasZoneID string
}

// Route 53 change status values
const (
	ChangePending = "PENDING"
	ChangeInSync  = "INSYNC"
)

// DNSAPI manages the Route 53 alias record
type DNSAPI interface {
	FindHostedZone(ctx context.Context, domain string) (*HostedZone, error)
	FindAliasRecord(ctx context.Context, zoneID, name, recordType string) (*AliasRecord, error)
	UpsertAliasRecord(ctx context.Context, zoneID string, record AliasRecord) (changeID string, err error)
	DeleteAliasRecord(ctx context.Context, zoneID string, record AliasRecord) (changeID string, err error)
	ChangeStatus(ctx context.Context, changeID string) (string, error)
}

// LoadBalancer is an ELBv2 load balancer
type LoadBalancer struct {
	ARN                   string
	DNSName               string
	CanonicalHostedZoneID string
	State                 string
}

// LoadBalancerAPI looks up the ALB behind the ingress
type LoadBalancerAPI interface {
	FindLoadBalancerByDNSName(ctx context.Context, dnsName string) (*LoadBalancer, error)
}

// ServiceAccountSpec describes an IAM-backed Kubernetes service account
type ServiceAccountSpec struct {
	Cluster   string
	Region    string
	Namespace string
	Name      string
	PolicyARN string
}

// AccountAPI identifies the caller
type AccountAPI interface {
	AccountID(ctx context.Context) (string, error)
}

// ServiceAccountAPI manages IRSA service accounts
type ServiceAccountAPI interface {
	GetServiceAccount(ctx context.Context, cluster, region, namespace, name string) error
	CreateServiceAccount(ctx context.Context, spec ServiceAccountSpec) error
	DeleteServiceAccount(ctx context.Context, cluster, region, namespace, name string) error
}

// IdentityAPI is the full identity surface
type IdentityAPI interface {
	AccountAPI
	ServiceAccountAPI
}

type identityAPI struct {
	AccountAPI
	ServiceAccountAPI
}

// CombineIdentity joins an account lookup and a service account manager
func CombineIdentity(a AccountAPI, s ServiceAccountAPI) IdentityAPI {
	return identityAPI{AccountAPI: a, ServiceAccountAPI: s}
}

// Kubernetes object kinds handled by KubernetesAPI
const (
	KindNamespace  = "Namespace"
	KindSecret     = "Secret"
	KindPV         = "PersistentVolume"
	KindPVC        = "PersistentVolumeClaim"
	KindDeployment = "Deployment"
	KindService    = "Service"
	KindIngress    = "Ingress"
	KindHPA        = "HorizontalPodAutoscaler"
)

// ObjectRef names a Kubernetes object. Namespace is empty for cluster-scoped kinds.
type ObjectRef struct {
	Kind      string
	Namespace string
	Name      string
}

// DeploymentStatus is the rollout progress of a Deployment
type DeploymentStatus struct {
	Desired   int32
	Ready     int32
	Available int32
}

// KubernetesAPI manages the Moodle objects in the cluster
type KubernetesAPI interface {
	Get(ctx context.Context, ref ObjectRef) error
	Create(ctx context.Context, obj runtime.Object) error
	Delete(ctx context.Context, ref ObjectRef) error
	GetSecretData(ctx context.Context, namespace, name string) (map[string][]byte, error)
	DeploymentStatus(ctx context.Context, namespace, name string) (*DeploymentStatus, error)
	// IngressHostname returns the load balancer hostname, or "" while unassigned
	IngressHostname(ctx context.Context, namespace, name string) (string, error)
}

// ReleaseDeployed is the helm status of a healthy release
const ReleaseDeployed = "deployed"

// Release is a helm release to install
type Release struct {
	Name      string
	Namespace string
	RepoName  string
	RepoURL   string
	Chart     string
	Version   string
	Values    map[string]string
}

// AddonAPI manages helm releases
type AddonAPI interface {
	ReleaseStatus(ctx context.Context, name, namespace string) (string, error)
	InstallRelease(ctx context.Context, release Release) error
	UninstallRelease(ctx context.Context, name, namespace string) error
}

// ClusterConnector builds in-cluster clients once the cluster exists
type ClusterConnector interface {
	Connect(ctx context.Context, cluster *ClusterInfo) (KubernetesAPI, AddonAPI, error)
}
