package plan

import (
	"github.com/emicklei/dot"

	"github.com/chalkan3/moodle-eks/internal/state"
)

// Resource is one resource the plan will create, with the resources it
// needs to exist first
type Resource struct {
	Stage     string     `json:"stage" yaml:"stage"`
	Kind      state.Kind `json:"kind" yaml:"kind"`
	Name      string     `json:"name" yaml:"name"`
	DependsOn []string   `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
}

// ID is unique within a plan
func (r Resource) ID() string {
	return string(r.Kind) + "/" + r.Name
}

// Resources lists the planned resources in stage order. Mount targets are
// one per availability zone and only known at run time, so they appear
// once under the filesystem token.
func (p *Plan) Resources() []Resource {
	id := func(kind state.Kind, name string) string { return string(kind) + "/" + name }

	keyPair := id(state.KindKeyPair, p.Cluster.KeyPairName)
	cluster := id(state.KindCluster, p.Cluster.Name)
	dbSG := id(state.KindSecurityGroup, p.Database.SecurityGroupName)
	subnetGroup := id(state.KindDBSubnetGroup, p.Database.SubnetGroupName)
	secret := id(state.KindSecret, p.Database.SecretName)
	db := id(state.KindDBInstance, p.Database.Identifier)
	efsSG := id(state.KindSecurityGroup, p.Storage.SecurityGroupName)
	fs := id(state.KindFileSystem, p.Storage.FileSystemToken)
	efsCSI := id(state.KindAddon, p.Addons.EFSCSIDriver.Release)
	ns := id(state.KindNamespace, p.App.Namespace)
	k8sSecret := id(state.KindK8sSecret, p.App.SecretName)
	pv := id(state.KindPV, p.App.PVName)
	pvc := id(state.KindPVC, p.App.PVCName)
	deployment := id(state.KindDeployment, p.App.DeploymentName)
	service := id(state.KindService, p.App.ServiceName)
	sa := id(state.KindServiceAccount, p.Ingress.ServiceAccount)
	lbc := id(state.KindAddon, p.Addons.LoadBalancerController.Release)
	ingress := id(state.KindIngress, p.Ingress.Name)
	metricsServer := id(state.KindAddon, p.Addons.MetricsServer.Release)

	rs := []Resource{
		{StageCluster, state.KindKeyPair, p.Cluster.KeyPairName, nil},
		{StageCluster, state.KindCluster, p.Cluster.Name, []string{keyPair}},
		{StageDatabase, state.KindSecurityGroup, p.Database.SecurityGroupName, []string{cluster}},
		{StageDatabase, state.KindDBSubnetGroup, p.Database.SubnetGroupName, []string{cluster}},
		{StageDatabase, state.KindSecret, p.Database.SecretName, nil},
		{StageDatabase, state.KindDBInstance, p.Database.Identifier, []string{dbSG, subnetGroup, secret}},
		{StageStorage, state.KindSecurityGroup, p.Storage.SecurityGroupName, []string{cluster}},
		{StageStorage, state.KindFileSystem, p.Storage.FileSystemToken, nil},
		{StageStorage, state.KindMountTarget, p.Storage.FileSystemToken, []string{fs, efsSG}},
		{StageStorage, state.KindBucket, p.Storage.BucketName, nil},
		{StageStorage, state.KindAddon, p.Addons.EFSCSIDriver.Release, []string{cluster}},
		{StageApplication, state.KindNamespace, p.App.Namespace, []string{cluster}},
		{StageApplication, state.KindK8sSecret, p.App.SecretName, []string{ns, db}},
		{StageApplication, state.KindPV, p.App.PVName, []string{fs, efsCSI}},
		{StageApplication, state.KindPVC, p.App.PVCName, []string{ns, pv}},
		{StageApplication, state.KindDeployment, p.App.DeploymentName, []string{pvc, k8sSecret}},
		{StageApplication, state.KindService, p.App.ServiceName, []string{deployment}},
		{StageIngress, state.KindServiceAccount, p.Ingress.ServiceAccount, []string{cluster}},
		{StageIngress, state.KindAddon, p.Addons.LoadBalancerController.Release, []string{sa}},
		{StageIngress, state.KindIngress, p.Ingress.Name, []string{service, lbc}},
		{StageAutoscaling, state.KindAddon, p.Addons.MetricsServer.Release, []string{cluster}},
		{StageAutoscaling, state.KindHPA, p.Scaling.Name, []string{deployment, metricsServer}},
	}
	if p.DNS.Enabled() {
		rs = append(rs, Resource{StageDNS, state.KindDNSRecord, p.DNS.RecordName, []string{ingress}})
	}
	return rs
}

// Graph renders the planned resources as a Graphviz digraph, one cluster
// per stage, with an edge from each resource to what it depends on
func (p *Plan) Graph() *dot.Graph {
	g := dot.NewGraph(dot.Directed)
	g.Attr("rankdir", "LR")
	g.Attr("label", p.Name+" ("+p.Region+")")
	g.NodeInitializer(func(n dot.Node) {
		n.Attr("shape", "box")
		n.Attr("fontname", "Arial")
	})

	stages := make(map[string]*dot.Graph)
	for _, id := range Stages() {
		sub := g.Subgraph(id, dot.ClusterOption{})
		sub.Attr("style", "rounded")
		stages[id] = sub
	}

	rs := p.Resources()
	nodes := make(map[string]dot.Node, len(rs))
	for _, r := range rs {
		n := stages[r.Stage].Node(r.ID())
		n.Label(r.Name + "\\n[" + string(r.Kind) + "]")
		nodes[r.ID()] = n
	}
	for _, r := range rs {
		for _, dep := range r.DependsOn {
			if to, ok := nodes[dep]; ok {
				g.Edge(nodes[r.ID()], to)
			}
		}
	}
	return g
}
