package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"

	"github.com/chalkan3/moodle-eks/pkg/providers"
)

// EKSAPI is the subset of the EKS client used here
type EKSAPI interface {
	DescribeCluster(ctx context.Context, params *eks.DescribeClusterInput, optFns ...func(*eks.Options)) (*eks.DescribeClusterOutput, error)
}

// EKS reads cluster state. Creation and deletion go through eksctl.
type EKS struct {
	client EKSAPI
}

// NewEKS wraps an EKS client
func NewEKS(client EKSAPI) *EKS {
	return &EKS{client: client}
}

// DescribeCluster returns the cluster or ErrNotFound
func (e *EKS) DescribeCluster(ctx context.Context, name string) (*providers.ClusterInfo, error) {
	out, err := e.client.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(name)})
	if err != nil {
		return nil, mapError(fmt.Errorf("describe cluster %s: %w", name, err), []string{"ResourceNotFoundException"}, nil)
	}
	c := out.Cluster
	if c == nil {
		return nil, notFound("cluster %s", name)
	}

	info := &providers.ClusterInfo{
		Name:     aws.ToString(c.Name),
		Status:   string(c.Status),
		Version:  aws.ToString(c.Version),
		Endpoint: aws.ToString(c.Endpoint),
	}
	if c.CertificateAuthority != nil {
		info.CertificateAuthority = aws.ToString(c.CertificateAuthority.Data)
	}
	if vpc := c.ResourcesVpcConfig; vpc != nil {
		info.VPCID = aws.ToString(vpc.VpcId)
		info.SubnetIDs = append([]string(nil), vpc.SubnetIds...)
		info.ClusterSecurityGroupID = aws.ToString(vpc.ClusterSecurityGroupId)
	}
	if c.Identity != nil && c.Identity.Oidc != nil {
		info.OIDCIssuer = aws.ToString(c.Identity.Oidc.Issuer)
	}
	return info, nil
}
