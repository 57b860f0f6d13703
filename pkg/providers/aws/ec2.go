package aws

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/chalkan3/moodle-eks/pkg/providers"
)

// EC2API is the subset of the EC2 client used here
type EC2API interface {
	DescribeKeyPairs(ctx context.Context, params *ec2.DescribeKeyPairsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error)
	CreateKeyPair(ctx context.Context, params *ec2.CreateKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.CreateKeyPairOutput, error)
	DeleteKeyPair(ctx context.Context, params *ec2.DeleteKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	CreateSecurityGroup(ctx context.Context, params *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	DeleteSecurityGroup(ctx context.Context, params *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)
}

// EC2 manages key pairs, subnets and security groups
type EC2 struct {
	client EC2API
}

// NewEC2 wraps an EC2 client
func NewEC2(client EC2API) *EC2 {
	return &EC2{client: client}
}

func ec2Tags(resource types.ResourceType, tags map[string]string) []types.TagSpecification {
	if len(tags) == 0 {
		return nil
	}
	keys := sortedKeys(tags)
	out := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return []types.TagSpecification{{ResourceType: resource, Tags: out}}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DescribeKeyPair returns the key pair or ErrNotFound
func (e *EC2) DescribeKeyPair(ctx context.Context, name string) (*providers.KeyPair, error) {
	out, err := e.client.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{KeyNames: []string{name}})
	if err != nil {
		return nil, mapError(fmt.Errorf("describe key pair %s: %w", name, err), []string{"InvalidKeyPair.NotFound"}, nil)
	}
	for _, kp := range out.KeyPairs {
		if aws.ToString(kp.KeyName) == name {
			return &providers.KeyPair{
				Name:        name,
				ID:          aws.ToString(kp.KeyPairId),
				Fingerprint: aws.ToString(kp.KeyFingerprint),
			}, nil
		}
	}
	return nil, notFound("key pair %s", name)
}

// CreateKeyPair creates an RSA key pair and returns its private key material
func (e *EC2) CreateKeyPair(ctx context.Context, name string, tags map[string]string) (*providers.KeyPair, error) {
	out, err := e.client.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName:           aws.String(name),
		KeyType:           types.KeyTypeRsa,
		KeyFormat:         types.KeyFormatPem,
		TagSpecifications: ec2Tags(types.ResourceTypeKeyPair, tags),
	})
	if err != nil {
		return nil, mapError(fmt.Errorf("create key pair %s: %w", name, err), nil, []string{"InvalidKeyPair.Duplicate"})
	}
	return &providers.KeyPair{
		Name:        aws.ToString(out.KeyName),
		ID:          aws.ToString(out.KeyPairId),
		Fingerprint: aws.ToString(out.KeyFingerprint),
		PrivateKey:  aws.ToString(out.KeyMaterial),
	}, nil
}

// DeleteKeyPair deletes a key pair. EC2 reports success for unknown names,
// so a missing pair is checked first.
func (e *EC2) DeleteKeyPair(ctx context.Context, name string) error {
	if _, err := e.DescribeKeyPair(ctx, name); err != nil {
		return err
	}
	if _, err := e.client.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(name)}); err != nil {
		return mapError(fmt.Errorf("delete key pair %s: %w", name, err), []string{"InvalidKeyPair.NotFound"}, nil)
	}
	return nil
}

// ListSubnets returns every subnet of a VPC ordered by availability zone
func (e *EC2) ListSubnets(ctx context.Context, vpcID string) ([]providers.Subnet, error) {
	var subnets []providers.Subnet
	paginator := ec2.NewDescribeSubnetsPaginator(e.client, &ec2.DescribeSubnetsInput{
		Filters: []types.Filter{{Name: aws.String("vpc-id"), Values: []string{vpcID}}},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe subnets of %s: %w", vpcID, err)
		}
		for _, s := range page.Subnets {
			subnets = append(subnets, providers.Subnet{
				ID:               aws.ToString(s.SubnetId),
				AvailabilityZone: aws.ToString(s.AvailabilityZone),
				Public:           aws.ToBool(s.MapPublicIpOnLaunch),
			})
		}
	}
	sort.Slice(subnets, func(i, j int) bool {
		if subnets[i].AvailabilityZone != subnets[j].AvailabilityZone {
			return subnets[i].AvailabilityZone < subnets[j].AvailabilityZone
		}
		return subnets[i].ID < subnets[j].ID
	})
	return subnets, nil
}

// FindSecurityGroup looks a group up by VPC and name
func (e *EC2) FindSecurityGroup(ctx context.Context, vpcID, name string) (*providers.SecurityGroup, error) {
	out, err := e.client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{vpcID}},
			{Name: aws.String("group-name"), Values: []string{name}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describe security group %s: %w", name, err)
	}
	for _, g := range out.SecurityGroups {
		if aws.ToString(g.GroupName) == name {
			return &providers.SecurityGroup{
				ID:    aws.ToString(g.GroupId),
				Name:  name,
				VPCID: aws.ToString(g.VpcId),
			}, nil
		}
	}
	return nil, notFound("security group %s in %s", name, vpcID)
}

// CreateSecurityGroup creates a group in a VPC
func (e *EC2) CreateSecurityGroup(ctx context.Context, spec providers.SecurityGroupSpec) (*providers.SecurityGroup, error) {
	out, err := e.client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(spec.Name),
		Description:       aws.String(spec.Description),
		VpcId:             aws.String(spec.VPCID),
		TagSpecifications: ec2Tags(types.ResourceTypeSecurityGroup, spec.Tags),
	})
	if err != nil {
		return nil, mapError(fmt.Errorf("create security group %s: %w", spec.Name, err), nil, []string{"InvalidGroup.Duplicate"})
	}
	return &providers.SecurityGroup{ID: aws.ToString(out.GroupId), Name: spec.Name, VPCID: spec.VPCID}, nil
}

// AuthorizeIngress opens a TCP port to members of sourceGroupID
func (e *EC2) AuthorizeIngress(ctx context.Context, groupID string, port int32, sourceGroupID string) error {
	_, err := e.client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: aws.String(groupID),
		IpPermissions: []types.IpPermission{{
			IpProtocol:       aws.String("tcp"),
			FromPort:         aws.Int32(port),
			ToPort:           aws.Int32(port),
			UserIdGroupPairs: []types.UserIdGroupPair{{GroupId: aws.String(sourceGroupID)}},
		}},
	})
	if err != nil {
		if errorCode(err) == "InvalidPermission.Duplicate" {
			return nil
		}
		return fmt.Errorf("authorize port %d on %s: %w", port, groupID, err)
	}
	return nil
}

// DeleteSecurityGroup deletes a group by id
func (e *EC2) DeleteSecurityGroup(ctx context.Context, groupID string) error {
	_, err := e.client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(groupID)})
	if err != nil {
		return mapError(fmt.Errorf("delete security group %s: %w", groupID, err), []string{"InvalidGroup.NotFound"}, nil)
	}
	return nil
}
