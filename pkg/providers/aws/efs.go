package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/efs"
	"github.com/aws/aws-sdk-go-v2/service/efs/types"

	"github.com/chalkan3/moodle-eks/pkg/providers"
)

// EFSAPI is the subset of the EFS client used here
type EFSAPI interface {
	DescribeFileSystems(ctx context.Context, params *efs.DescribeFileSystemsInput, optFns ...func(*efs.Options)) (*efs.DescribeFileSystemsOutput, error)
	CreateFileSystem(ctx context.Context, params *efs.CreateFileSystemInput, optFns ...func(*efs.Options)) (*efs.CreateFileSystemOutput, error)
	DeleteFileSystem(ctx context.Context, params *efs.DeleteFileSystemInput, optFns ...func(*efs.Options)) (*efs.DeleteFileSystemOutput, error)
	DescribeMountTargets(ctx context.Context, params *efs.DescribeMountTargetsInput, optFns ...func(*efs.Options)) (*efs.DescribeMountTargetsOutput, error)
	CreateMountTarget(ctx context.Context, params *efs.CreateMountTargetInput, optFns ...func(*efs.Options)) (*efs.CreateMountTargetOutput, error)
	DeleteMountTarget(ctx context.Context, params *efs.DeleteMountTargetInput, optFns ...func(*efs.Options)) (*efs.DeleteMountTargetOutput, error)
}

// EFS manages the shared moodledata filesystem
type EFS struct {
	client EFSAPI
}

// NewEFS wraps an EFS client
func NewEFS(client EFSAPI) *EFS {
	return &EFS{client: client}
}

func toFileSystem(fs types.FileSystemDescription) *providers.FileSystem {
	return &providers.FileSystem{
		ID:            aws.ToString(fs.FileSystemId),
		CreationToken: aws.ToString(fs.CreationToken),
		State:         string(fs.LifeCycleState),
	}
}

// FindFileSystem looks a filesystem up by creation token
func (e *EFS) FindFileSystem(ctx context.Context, creationToken string) (*providers.FileSystem, error) {
	out, err := e.client.DescribeFileSystems(ctx, &efs.DescribeFileSystemsInput{CreationToken: aws.String(creationToken)})
	if err != nil {
		return nil, fmt.Errorf("describe filesystem %s: %w", creationToken, err)
	}
	for _, fs := range out.FileSystems {
		if fs.LifeCycleState == types.LifeCycleStateDeleted {
			continue
		}
		return toFileSystem(fs), nil
	}
	return nil, notFound("filesystem with token %s", creationToken)
}

// DescribeFileSystem returns the filesystem or ErrNotFound
func (e *EFS) DescribeFileSystem(ctx context.Context, id string) (*providers.FileSystem, error) {
	out, err := e.client.DescribeFileSystems(ctx, &efs.DescribeFileSystemsInput{FileSystemId: aws.String(id)})
	if err != nil {
		return nil, mapError(fmt.Errorf("describe filesystem %s: %w", id, err), []string{"FileSystemNotFound"}, nil)
	}
	if len(out.FileSystems) == 0 || out.FileSystems[0].LifeCycleState == types.LifeCycleStateDeleted {
		return nil, notFound("filesystem %s", id)
	}
	return toFileSystem(out.FileSystems[0]), nil
}

// CreateFileSystem creates an encrypted filesystem. A token collision
// returns ErrAlreadyExists together with the existing filesystem.
func (e *EFS) CreateFileSystem(ctx context.Context, spec providers.FileSystemSpec) (*providers.FileSystem, error) {
	tags := make([]types.Tag, 0, len(spec.Tags))
	for _, k := range sortedKeys(spec.Tags) {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(spec.Tags[k])})
	}
	out, err := e.client.CreateFileSystem(ctx, &efs.CreateFileSystemInput{
		CreationToken:   aws.String(spec.CreationToken),
		PerformanceMode: types.PerformanceMode(spec.PerformanceMode),
		ThroughputMode:  types.ThroughputMode(spec.ThroughputMode),
		Encrypted:       aws.Bool(true),
		Tags:            tags,
	})
	if err != nil {
		var exists *types.FileSystemAlreadyExists
		if errors.As(err, &exists) {
			return &providers.FileSystem{
				ID:            aws.ToString(exists.FileSystemId),
				CreationToken: spec.CreationToken,
			}, fmt.Errorf("%w: %w", providers.ErrAlreadyExists, err)
		}
		return nil, fmt.Errorf("create filesystem %s: %w", spec.CreationToken, err)
	}
	return &providers.FileSystem{
		ID:            aws.ToString(out.FileSystemId),
		CreationToken: aws.ToString(out.CreationToken),
		State:         string(out.LifeCycleState),
	}, nil
}

// DeleteFileSystem deletes a filesystem whose mount targets are gone
func (e *EFS) DeleteFileSystem(ctx context.Context, id string) error {
	_, err := e.client.DeleteFileSystem(ctx, &efs.DeleteFileSystemInput{FileSystemId: aws.String(id)})
	if err != nil {
		return mapError(fmt.Errorf("delete filesystem %s: %w", id, err), []string{"FileSystemNotFound"}, nil)
	}
	return nil
}

// ListMountTargets returns the mount targets of a filesystem
func (e *EFS) ListMountTargets(ctx context.Context, fileSystemID string) ([]providers.MountTarget, error) {
	var targets []providers.MountTarget
	input := &efs.DescribeMountTargetsInput{FileSystemId: aws.String(fileSystemID)}
	for {
		out, err := e.client.DescribeMountTargets(ctx, input)
		if err != nil {
			return nil, mapError(fmt.Errorf("describe mount targets of %s: %w", fileSystemID, err), []string{"FileSystemNotFound"}, nil)
		}
		for _, mt := range out.MountTargets {
			if mt.LifeCycleState == types.LifeCycleStateDeleted {
				continue
			}
			targets = append(targets, providers.MountTarget{
				ID:               aws.ToString(mt.MountTargetId),
				FileSystemID:     aws.ToString(mt.FileSystemId),
				SubnetID:         aws.ToString(mt.SubnetId),
				AvailabilityZone: aws.ToString(mt.AvailabilityZoneName),
				State:            string(mt.LifeCycleState),
			})
		}
		if aws.ToString(out.NextMarker) == "" {
			return targets, nil
		}
		input.Marker = out.NextMarker
	}
}

// CreateMountTarget exposes the filesystem in one subnet
func (e *EFS) CreateMountTarget(ctx context.Context, fileSystemID, subnetID string, securityGroupIDs []string) (*providers.MountTarget, error) {
	out, err := e.client.CreateMountTarget(ctx, &efs.CreateMountTargetInput{
		FileSystemId:   aws.String(fileSystemID),
		SubnetId:       aws.String(subnetID),
		SecurityGroups: securityGroupIDs,
	})
	if err != nil {
		return nil, mapError(fmt.Errorf("create mount target for %s in %s: %w", fileSystemID, subnetID, err), nil, []string{"MountTargetConflict"})
	}
	return &providers.MountTarget{
		ID:               aws.ToString(out.MountTargetId),
		FileSystemID:     aws.ToString(out.FileSystemId),
		SubnetID:         aws.ToString(out.SubnetId),
		AvailabilityZone: aws.ToString(out.AvailabilityZoneName),
		State:            string(out.LifeCycleState),
	}, nil
}

// DeleteMountTarget deletes one mount target
func (e *EFS) DeleteMountTarget(ctx context.Context, id string) error {
	_, err := e.client.DeleteMountTarget(ctx, &efs.DeleteMountTargetInput{MountTargetId: aws.String(id)})
	if err != nil {
		return mapError(fmt.Errorf("delete mount target %s: %w", id, err), []string{"MountTargetNotFound"}, nil)
	}
	return nil
}
