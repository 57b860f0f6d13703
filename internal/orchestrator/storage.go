package orchestrator

import (
	"context"
	"fmt"

	"github.com/chalkan3/moodle-eks/internal/failure"
	"github.com/chalkan3/moodle-eks/internal/plan"
	"github.com/chalkan3/moodle-eks/internal/state"
	"github.com/chalkan3/moodle-eks/pkg/providers"
)

const nfsPort = 2049

// storage ensures the EFS filesystem with its mount targets and CSI driver,
// and the S3 bucket
func (o *Orchestrator) storage(ctx context.Context, p *plan.Plan) error {
	const stageID = plan.StageStorage

	info, err := o.clusterDependency(ctx, stageID, p)
	if err != nil {
		return err
	}
	subnets, err := o.clients.Network.ListSubnets(ctx, info.VPCID)
	if err != nil {
		return failure.External(stageID, info.VPCID, err)
	}
	zonal := onePerZone(subnets)
	if len(zonal) == 0 {
		return failure.DependencyMissing(stageID, "subnets of "+info.VPCID)
	}

	fs, err := o.ensureFileSystem(ctx, p)
	if err != nil {
		return err
	}

	sgID, err := o.ensureSecurityGroup(ctx, stageID, p, info.VPCID, p.Storage.SecurityGroupName,
		"Moodle NFS access from the EKS cluster", nfsPort, info.ClusterSecurityGroupID, "filesystem")
	if err != nil {
		return err
	}

	if err := o.ensureMountTargets(ctx, p, fs.ID, zonal, sgID); err != nil {
		return err
	}

	if err := o.ensureRelease(ctx, stageID, p, p.Addons.EFSCSIDriver, nil); err != nil {
		return err
	}

	return o.ensureBucket(ctx, p)
}

func (o *Orchestrator) ensureFileSystem(ctx context.Context, p *plan.Plan) (*providers.FileSystem, error) {
	const stageID = plan.StageStorage
	token := p.Storage.FileSystemToken

	fs, err := o.clients.FileSystems.FindFileSystem(ctx, token)
	adopted := true
	if providers.IsNotFound(err) {
		adopted = false
		fs, err = o.clients.FileSystems.CreateFileSystem(ctx, providers.FileSystemSpec{
			CreationToken:   token,
			PerformanceMode: p.Storage.PerformanceMode,
			ThroughputMode:  p.Storage.ThroughputMode,
			Tags:            p.Tags,
		})
		if providers.IsAlreadyExists(err) {
			adopted = true
			if fs == nil || fs.ID == "" {
				fs, err = o.clients.FileSystems.FindFileSystem(ctx, token)
			} else {
				err = nil
			}
		}
	}
	if err != nil {
		return nil, failure.External(stageID, token, err)
	}
	if err := o.record(ctx, stageID, state.ResourceHandle{Kind: state.KindFileSystem, ID: fs.ID, Name: token, Adopted: adopted}); err != nil {
		return nil, err
	}

	if fs.State == providers.FileSystemAvailable {
		return fs, nil
	}
	err = o.wait(ctx, p, stageID, fs.ID, 0, func(ctx context.Context) (bool, error) {
		cur, err := o.clients.FileSystems.DescribeFileSystem(ctx, fs.ID)
		if err != nil {
			return false, failure.External(stageID, fs.ID, err)
		}
		if cur.State == providers.FileSystemDeleting {
			return false, failure.External(stageID, fs.ID, fmt.Errorf("filesystem is being deleted"))
		}
		return cur.State == providers.FileSystemAvailable, nil
	})
	if err != nil {
		return nil, err
	}
	return fs, nil
}

// ensureMountTargets gives the filesystem one mount target per zone and
// waits for all of them
func (o *Orchestrator) ensureMountTargets(ctx context.Context, p *plan.Plan, fsID string, zonal []providers.Subnet, sgID string) error {
	const stageID = plan.StageStorage

	existing, err := o.clients.FileSystems.ListMountTargets(ctx, fsID)
	if err != nil {
		return failure.External(stageID, fsID, err)
	}
	byZone := make(map[string]providers.MountTarget, len(existing))
	for _, mt := range existing {
		byZone[mt.AvailabilityZone] = mt
	}

	for _, subnet := range zonal {
		mt, ok := byZone[subnet.AvailabilityZone]
		adopted := ok
		if !ok {
			created, err := o.clients.FileSystems.CreateMountTarget(ctx, fsID, subnet.ID, []string{sgID})
			switch {
			case providers.IsAlreadyExists(err):
				adopted = true
				found, ferr := o.findMountTarget(ctx, fsID, subnet.AvailabilityZone)
				if ferr != nil {
					return ferr
				}
				mt = *found
			case err != nil:
				return failure.External(stageID, subnet.ID, err)
			default:
				mt = *created
			}
		}
		if err := o.record(ctx, stageID, state.ResourceHandle{
			Kind:    state.KindMountTarget,
			ID:      mt.ID,
			Name:    mt.AvailabilityZone,
			Adopted: adopted,
			Attributes: map[string]string{
				state.AttrFileSystemID: fsID,
				state.AttrSubnetID:     mt.SubnetID,
			},
		}); err != nil {
			return err
		}
	}

	return o.wait(ctx, p, stageID, fsID, 0, func(ctx context.Context) (bool, error) {
		mts, err := o.clients.FileSystems.ListMountTargets(ctx, fsID)
		if err != nil {
			return false, failure.External(stageID, fsID, err)
		}
		ready := 0
		for _, mt := range mts {
			if mt.State == providers.FileSystemAvailable {
				ready++
			}
		}
		return ready >= len(zonal), nil
	})
}

func (o *Orchestrator) findMountTarget(ctx context.Context, fsID, zone string) (*providers.MountTarget, error) {
	const stageID = plan.StageStorage
	mts, err := o.clients.FileSystems.ListMountTargets(ctx, fsID)
	if err != nil {
		return nil, failure.External(stageID, fsID, err)
	}
	for _, mt := range mts {
		if mt.AvailabilityZone == zone {
			return &mt, nil
		}
	}
	return nil, failure.External(stageID, fsID, fmt.Errorf("mount target in %s reported as existing but not listed", zone))
}

func (o *Orchestrator) ensureBucket(ctx context.Context, p *plan.Plan) error {
	const stageID = plan.StageStorage
	name := p.Storage.BucketName

	err := o.clients.Buckets.HeadBucket(ctx, name)
	adopted := err == nil
	if providers.IsNotFound(err) {
		err = o.clients.Buckets.CreateBucket(ctx, providers.BucketSpec{
			Name:       name,
			Region:     p.Region,
			Versioning: p.Storage.Versioning,
			Tags:       p.Tags,
		})
		if providers.IsAlreadyExists(err) {
			adopted, err = true, nil
		}
	}
	if err != nil {
		return failure.External(stageID, name, err)
	}
	return o.record(ctx, stageID, state.ResourceHandle{Kind: state.KindBucket, ID: name, Name: name, Adopted: adopted})
}
