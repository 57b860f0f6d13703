package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"

	"github.com/chalkan3/moodle-eks/pkg/providers"
)

// ELBAPI is the subset of the ELBv2 client used here
type ELBAPI interface {
	DescribeLoadBalancers(ctx context.Context, params *elbv2.DescribeLoadBalancersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeLoadBalancersOutput, error)
}

// ELB finds the ALB provisioned by the load balancer controller
type ELB struct {
	client ELBAPI
}

// NewELB wraps an ELBv2 client
func NewELB(client ELBAPI) *ELB {
	return &ELB{client: client}
}

// FindLoadBalancerByDNSName scans the region's load balancers for dnsName
func (e *ELB) FindLoadBalancerByDNSName(ctx context.Context, dnsName string) (*providers.LoadBalancer, error) {
	want := normalizeName(strings.TrimPrefix(strings.ToLower(dnsName), "dualstack."))
	paginator := elbv2.NewDescribeLoadBalancersPaginator(e.client, &elbv2.DescribeLoadBalancersInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe load balancers: %w", err)
		}
		for _, lb := range page.LoadBalancers {
			if normalizeName(aws.ToString(lb.DNSName)) != want {
				continue
			}
			out := &providers.LoadBalancer{
				ARN:                   aws.ToString(lb.LoadBalancerArn),
				DNSName:               normalizeName(aws.ToString(lb.DNSName)),
				CanonicalHostedZoneID: aws.ToString(lb.CanonicalHostedZoneId),
			}
			if lb.State != nil {
				out.State = string(lb.State.Code)
			}
			return out, nil
		}
	}
	return nil, notFound("load balancer %s", dnsName)
}
