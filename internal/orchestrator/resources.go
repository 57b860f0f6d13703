package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"k8s.io/apimachinery/pkg/runtime"

	"github.com/chalkan3/moodle-eks/internal/failure"
	"github.com/chalkan3/moodle-eks/internal/plan"
	"github.com/chalkan3/moodle-eks/internal/state"
	"github.com/chalkan3/moodle-eks/pkg/manifests"
	"github.com/chalkan3/moodle-eks/pkg/providers"
)

// clusterDependency looks up the cluster and fails with DependencyMissing
// when it or any value later stages build on is absent
func (o *Orchestrator) clusterDependency(ctx context.Context, stageID string, p *plan.Plan) (*providers.ClusterInfo, error) {
	name := p.Cluster.Name
	info, err := o.clients.Cluster.DescribeCluster(ctx, name)
	if providers.IsNotFound(err) {
		return nil, failure.DependencyMissing(stageID, "cluster "+name)
	}
	if err != nil {
		return nil, failure.External(stageID, name, err)
	}
	switch {
	case info.Status != providers.ClusterActive:
		return nil, failure.DependencyMissing(stageID, "active cluster "+name)
	case info.Endpoint == "":
		return nil, failure.DependencyMissing(stageID, "cluster endpoint")
	case info.VPCID == "":
		return nil, failure.DependencyMissing(stageID, "cluster VPC id")
	case info.ClusterSecurityGroupID == "":
		return nil, failure.DependencyMissing(stageID, "cluster security group")
	}
	return info, nil
}

// kubernetes connects to the cluster once per run
func (o *Orchestrator) kubernetes(ctx context.Context, stageID string, p *plan.Plan) (providers.KubernetesAPI, providers.AddonAPI, error) {
	if o.kube != nil && o.addons != nil {
		return o.kube, o.addons, nil
	}
	info, err := o.clusterDependency(ctx, stageID, p)
	if err != nil {
		return nil, nil, err
	}
	kube, addons, err := o.clients.Connector.Connect(ctx, info)
	if err != nil {
		return nil, nil, failure.External(stageID, info.Name, fmt.Errorf("connect to cluster: %w", err))
	}
	o.kube, o.addons = kube, addons
	return kube, addons, nil
}

// onePerZone picks one subnet per availability zone, private ones first,
// ordered by zone
func onePerZone(subnets []providers.Subnet) []providers.Subnet {
	byZone := make(map[string]providers.Subnet)
	for _, s := range subnets {
		if s.AvailabilityZone == "" {
			continue
		}
		cur, ok := byZone[s.AvailabilityZone]
		if !ok || (cur.Public && !s.Public) {
			byZone[s.AvailabilityZone] = s
		}
	}
	out := make([]providers.Subnet, 0, len(byZone))
	for _, s := range byZone {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AvailabilityZone < out[j].AvailabilityZone
	})
	return out
}

func subnetIDs(subnets []providers.Subnet) []string {
	ids := make([]string, len(subnets))
	for i, s := range subnets {
		ids[i] = s.ID
	}
	return ids
}

// ensureSecurityGroup finds or creates a group in the VPC that admits port
// from sourceGroupID
func (o *Orchestrator) ensureSecurityGroup(ctx context.Context, stageID string, p *plan.Plan, vpcID, name, description string, port int, sourceGroupID, purpose string) (string, error) {
	sg, err := o.clients.Network.FindSecurityGroup(ctx, vpcID, name)
	adopted := true
	if providers.IsNotFound(err) {
		adopted = false
		sg, err = o.clients.Network.CreateSecurityGroup(ctx, providers.SecurityGroupSpec{
			Name:        name,
			Description: description,
			VPCID:       vpcID,
			Tags:        p.Tags,
		})
		if providers.IsAlreadyExists(err) {
			adopted = true
			sg, err = o.clients.Network.FindSecurityGroup(ctx, vpcID, name)
		}
	}
	if err != nil {
		return "", failure.External(stageID, name, err)
	}

	if err := o.record(ctx, stageID, state.ResourceHandle{
		Kind:    state.KindSecurityGroup,
		ID:      sg.ID,
		Name:    name,
		Adopted: adopted,
		Attributes: map[string]string{
			state.AttrVPCID:   vpcID,
			state.AttrPurpose: purpose,
		},
	}); err != nil {
		return "", err
	}

	if err := o.clients.Network.AuthorizeIngress(ctx, sg.ID, int32(port), sourceGroupID); err != nil {
		return "", failure.External(stageID, sg.ID, fmt.Errorf("allow port %d from %s: %w", port, sourceGroupID, err))
	}
	return sg.ID, nil
}

// ensureRelease installs a helm release unless it is already deployed
func (o *Orchestrator) ensureRelease(ctx context.Context, stageID string, p *plan.Plan, spec plan.AddonSpec, extra map[string]string) error {
	_, addons, err := o.kubernetes(ctx, stageID, p)
	if err != nil {
		return err
	}

	id := spec.Namespace + "/" + spec.Release
	status, err := addons.ReleaseStatus(ctx, spec.Release, spec.Namespace)
	if err != nil && !providers.IsNotFound(err) {
		return failure.External(stageID, id, err)
	}
	adopted := err == nil && status == providers.ReleaseDeployed

	if !adopted {
		values := make(map[string]string, len(spec.Values)+len(extra))
		for k, v := range spec.Values {
			values[k] = v
		}
		for k, v := range extra {
			values[k] = v
		}
		o.logger.Info("installing add-on", "stage", stageID, "release", spec.Release, "chart", spec.Chart, "status", status)
		if err := addons.InstallRelease(ctx, providers.Release{
			Name:      spec.Release,
			Namespace: spec.Namespace,
			RepoName:  spec.RepoName,
			RepoURL:   spec.RepoURL,
			Chart:     spec.Chart,
			Version:   spec.Version,
			Values:    values,
		}); err != nil {
			return failure.External(stageID, id, err)
		}
	}

	return o.record(ctx, stageID, state.ResourceHandle{
		Kind:    state.KindAddon,
		ID:      id,
		Name:    spec.Release,
		Adopted: adopted,
		Attributes: map[string]string{
			state.AttrNamespace: spec.Namespace,
			state.AttrChart:     spec.Chart,
			state.AttrVersion:   spec.Version,
		},
	})
}

// objectKinds maps Kubernetes kinds to ledger kinds
var objectKinds = map[string]state.Kind{
	providers.KindNamespace:  state.KindNamespace,
	providers.KindSecret:     state.KindK8sSecret,
	providers.KindPV:         state.KindPV,
	providers.KindPVC:        state.KindPVC,
	providers.KindDeployment: state.KindDeployment,
	providers.KindService:    state.KindService,
	providers.KindIngress:    state.KindIngress,
	providers.KindHPA:        state.KindHPA,
}

// objectHandle builds the ledger handle of a Kubernetes object
func objectHandle(ref providers.ObjectRef, adopted bool) state.ResourceHandle {
	id := ref.Name
	if ref.Namespace != "" {
		id = ref.Namespace + "/" + ref.Name
	}
	h := state.ResourceHandle{Kind: objectKinds[ref.Kind], ID: id, Name: ref.Name, Adopted: adopted}
	if ref.Namespace != "" {
		h.Attributes = map[string]string{state.AttrNamespace: ref.Namespace}
	}
	return h
}

// ObjectRef returns the Kubernetes reference a ledger handle points at
func ObjectRef(h state.ResourceHandle) (providers.ObjectRef, bool) {
	for kind, k := range objectKinds {
		if k == h.Kind {
			name := h.Name
			if name == "" {
				name = h.ID
			}
			return providers.ObjectRef{Kind: kind, Namespace: h.Attr(state.AttrNamespace), Name: name}, true
		}
	}
	return providers.ObjectRef{}, false
}

// ensureObject creates obj unless it exists and records it
func (o *Orchestrator) ensureObject(ctx context.Context, stageID string, kube providers.KubernetesAPI, obj runtime.Object) (state.ResourceHandle, error) {
	ref, err := manifests.RefOf(obj)
	if err != nil {
		return state.ResourceHandle{}, failure.InvalidPlan(stageID, err)
	}
	id := objectHandle(ref, false).ID

	err = kube.Get(ctx, ref)
	adopted := err == nil
	if providers.IsNotFound(err) {
		err = kube.Create(ctx, obj)
		if providers.IsAlreadyExists(err) {
			adopted, err = true, nil
		}
	}
	if err != nil {
		return state.ResourceHandle{}, failure.External(stageID, ref.Kind+" "+id, err)
	}

	h := objectHandle(ref, adopted)
	if err := o.record(ctx, stageID, h); err != nil {
		return state.ResourceHandle{}, err
	}
	return h, nil
}
