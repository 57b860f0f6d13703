package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/chalkan3/moodle-eks/pkg/providers"
)

// RDSAPI is the subset of the RDS client used here
type RDSAPI interface {
	DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
	CreateDBInstance(ctx context.Context, params *rds.CreateDBInstanceInput, optFns ...func(*rds.Options)) (*rds.CreateDBInstanceOutput, error)
	DeleteDBInstance(ctx context.Context, params *rds.DeleteDBInstanceInput, optFns ...func(*rds.Options)) (*rds.DeleteDBInstanceOutput, error)
	DescribeDBSubnetGroups(ctx context.Context, params *rds.DescribeDBSubnetGroupsInput, optFns ...func(*rds.Options)) (*rds.DescribeDBSubnetGroupsOutput, error)
	CreateDBSubnetGroup(ctx context.Context, params *rds.CreateDBSubnetGroupInput, optFns ...func(*rds.Options)) (*rds.CreateDBSubnetGroupOutput, error)
	DeleteDBSubnetGroup(ctx context.Context, params *rds.DeleteDBSubnetGroupInput, optFns ...func(*rds.Options)) (*rds.DeleteDBSubnetGroupOutput, error)
}

// RDS manages the database instance and its subnet group
type RDS struct {
	client RDSAPI
}

// NewRDS wraps an RDS client
func NewRDS(client RDSAPI) *RDS {
	return &RDS{client: client}
}

func rdsTags(tags map[string]string) []types.Tag {
	out := make([]types.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func toDBInstance(db types.DBInstance) *providers.DBInstance {
	out := &providers.DBInstance{
		Identifier: aws.ToString(db.DBInstanceIdentifier),
		Status:     aws.ToString(db.DBInstanceStatus),
		Engine:     aws.ToString(db.Engine),
	}
	if db.Endpoint != nil {
		out.Endpoint = aws.ToString(db.Endpoint.Address)
		out.Port = aws.ToInt32(db.Endpoint.Port)
	}
	return out
}

// DescribeDBInstance returns the instance or ErrNotFound
func (r *RDS) DescribeDBInstance(ctx context.Context, identifier string) (*providers.DBInstance, error) {
	out, err := r.client.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(identifier),
	})
	if err != nil {
		return nil, mapError(fmt.Errorf("describe db instance %s: %w", identifier, err), []string{"DBInstanceNotFound", "DBInstanceNotFoundFault"}, nil)
	}
	for _, db := range out.DBInstances {
		if aws.ToString(db.DBInstanceIdentifier) == identifier {
			return toDBInstance(db), nil
		}
	}
	return nil, notFound("db instance %s", identifier)
}

// CreateDBInstance creates a private, encrypted instance
func (r *RDS) CreateDBInstance(ctx context.Context, spec providers.DBInstanceSpec) (*providers.DBInstance, error) {
	input := &rds.CreateDBInstanceInput{
		DBInstanceIdentifier: aws.String(spec.Identifier),
		DBInstanceClass:      aws.String(spec.InstanceClass),
		Engine:               aws.String(spec.Engine),
		AllocatedStorage:     aws.Int32(spec.AllocatedStorage),
		DBName:               aws.String(spec.DBName),
		MasterUsername:       aws.String(spec.Username),
		MasterUserPassword:   aws.String(spec.Password),
		DBSubnetGroupName:    aws.String(spec.SubnetGroupName),
		VpcSecurityGroupIds:  spec.SecurityGroupIDs,
		PubliclyAccessible:   aws.Bool(false),
		StorageEncrypted:     aws.Bool(true),
		Tags:                 rdsTags(spec.Tags),
	}
	if spec.EngineVersion != "" {
		input.EngineVersion = aws.String(spec.EngineVersion)
	}

	out, err := r.client.CreateDBInstance(ctx, input)
	if err != nil {
		return nil, mapError(fmt.Errorf("create db instance %s: %w", spec.Identifier, err), nil, []string{"DBInstanceAlreadyExists", "DBInstanceAlreadyExistsFault"})
	}
	if out.DBInstance == nil {
		return &providers.DBInstance{Identifier: spec.Identifier, Status: providers.DBCreating}, nil
	}
	return toDBInstance(*out.DBInstance), nil
}

// DeleteDBInstance deletes without a final snapshot
func (r *RDS) DeleteDBInstance(ctx context.Context, identifier string) error {
	_, err := r.client.DeleteDBInstance(ctx, &rds.DeleteDBInstanceInput{
		DBInstanceIdentifier:   aws.String(identifier),
		SkipFinalSnapshot:      aws.Bool(true),
		DeleteAutomatedBackups: aws.Bool(true),
	})
	if err != nil {
		return mapError(fmt.Errorf("delete db instance %s: %w", identifier, err), []string{"DBInstanceNotFound", "DBInstanceNotFoundFault"}, nil)
	}
	return nil
}

// DescribeDBSubnetGroup returns nil when the group exists, ErrNotFound otherwise
func (r *RDS) DescribeDBSubnetGroup(ctx context.Context, name string) error {
	out, err := r.client.DescribeDBSubnetGroups(ctx, &rds.DescribeDBSubnetGroupsInput{
		DBSubnetGroupName: aws.String(name),
	})
	if err != nil {
		return mapError(fmt.Errorf("describe db subnet group %s: %w", name, err), []string{"DBSubnetGroupNotFoundFault"}, nil)
	}
	if len(out.DBSubnetGroups) == 0 {
		return notFound("db subnet group %s", name)
	}
	return nil
}

// CreateDBSubnetGroup creates a subnet group over subnetIDs
func (r *RDS) CreateDBSubnetGroup(ctx context.Context, name, description string, subnetIDs []string, tags map[string]string) error {
	_, err := r.client.CreateDBSubnetGroup(ctx, &rds.CreateDBSubnetGroupInput{
		DBSubnetGroupName:        aws.String(name),
		DBSubnetGroupDescription: aws.String(description),
		SubnetIds:                subnetIDs,
		Tags:                     rdsTags(tags),
	})
	if err != nil {
		return mapError(fmt.Errorf("create db subnet group %s: %w", name, err), nil, []string{"DBSubnetGroupAlreadyExists", "DBSubnetGroupAlreadyExistsFault"})
	}
	return nil
}

// DeleteDBSubnetGroup deletes a subnet group
func (r *RDS) DeleteDBSubnetGroup(ctx context.Context, name string) error {
	_, err := r.client.DeleteDBSubnetGroup(ctx, &rds.DeleteDBSubnetGroupInput{DBSubnetGroupName: aws.String(name)})
	if err != nil {
		return mapError(fmt.Errorf("delete db subnet group %s: %w", name, err), []string{"DBSubnetGroupNotFoundFault"}, nil)
	}
	return nil
}
