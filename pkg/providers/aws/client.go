// Package aws implements the provider interfaces on aws-sdk-go-v2. Each
// service adapter depends on a narrow interface of the SDK client so tests
// can substitute fakes.
package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/efs"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/chalkan3/moodle-eks/pkg/providers"
)

// Clients bundles one adapter per AWS service
type Clients struct {
	Region        string
	Config        aws.Config
	Clusters      *EKS
	EC2           *EC2
	Databases     *RDS
	Secrets       *SecretsManager
	FileSystems   *EFS
	Buckets       *S3
	DNS           *Route53
	LoadBalancers *ELB
	Identity      *STS
	// S3 is the raw client, shared with the S3 ledger store
	S3 *s3.Client
}

// New loads the default credential chain for region and builds every adapter
func New(ctx context.Context, region string) (*Clients, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewFromConfig(cfg), nil
}

// NewFromConfig builds every adapter from an existing aws.Config
func NewFromConfig(cfg aws.Config) *Clients {
	s3Client := s3.NewFromConfig(cfg)
	return &Clients{
		Region:        cfg.Region,
		Config:        cfg,
		Clusters:      NewEKS(eks.NewFromConfig(cfg)),
		EC2:           NewEC2(ec2.NewFromConfig(cfg)),
		Databases:     NewRDS(rds.NewFromConfig(cfg)),
		Secrets:       NewSecretsManager(secretsmanager.NewFromConfig(cfg)),
		FileSystems:   NewEFS(efs.NewFromConfig(cfg)),
		Buckets:       NewS3(s3Client, cfg.Region),
		DNS:           NewRoute53(route53.NewFromConfig(cfg)),
		LoadBalancers: NewELB(elasticloadbalancingv2.NewFromConfig(cfg)),
		Identity:      NewSTS(sts.NewFromConfig(cfg)),
		S3:            s3Client,
	}
}

// errorCode returns the smithy error code of err, or ""
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// mapError wraps err with ErrNotFound or ErrAlreadyExists when its API code
// is one of the given codes. The original error stays in the chain.
func mapError(err error, notFound, conflict []string) error {
	if err == nil {
		return nil
	}
	code := errorCode(err)
	for _, c := range notFound {
		if code == c {
			return fmt.Errorf("%w: %w", providers.ErrNotFound, err)
		}
	}
	for _, c := range conflict {
		if code == c {
			return fmt.Errorf("%w: %w", providers.ErrAlreadyExists, err)
		}
	}
	return err
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", providers.ErrNotFound, fmt.Sprintf(format, args...))
}
