package orchestrator

import (
	"context"
	"strconv"

	"github.com/chalkan3/moodle-eks/internal/failure"
	"github.com/chalkan3/moodle-eks/internal/plan"
	"github.com/chalkan3/moodle-eks/internal/state"
	"github.com/chalkan3/moodle-eks/pkg/manifests"
	"github.com/chalkan3/moodle-eks/pkg/providers"
)

// Discover runs the existence check of every stage without creating
// anything. The returned ledger holds only the resources that were found,
// all marked adopted, and is not persisted.
func (o *Orchestrator) Discover(ctx context.Context, p *plan.Plan) (*state.Ledger, error) {
	if p == nil {
		return nil, failure.InvalidPlan("", errPlanRequired)
	}
	o.kube, o.addons = nil, nil
	l := state.NewLedger(p.Name, p.Seed, p.Region, p.Cluster.Name, plan.Stages())
	d := &discovery{o: o, p: p, ledger: l}

	steps := []struct {
		stage string
		run   func(ctx context.Context) error
	}{
		{plan.StageCluster, d.cluster},
		{plan.StageDatabase, d.database},
		{plan.StageStorage, d.storage},
		{plan.StageApplication, d.application},
		{plan.StageIngress, d.ingress},
		{plan.StageAutoscaling, d.autoscaling},
		{plan.StageDNS, d.dns},
	}
	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return nil, failure.Canceled(st.stage, err)
		}
		if err := st.run(ctx); err != nil {
			return nil, failure.Classify(st.stage, err)
		}
	}

	o.ledger = l
	o.logger.Info("discovery complete", "deployment", p.Name, "found", len(l.Handles()))
	return l, nil
}

type discovery struct {
	o      *Orchestrator
	p      *plan.Plan
	ledger *state.Ledger

	info     *providers.ClusterInfo
	kube     providers.KubernetesAPI
	addons   providers.AddonAPI
	hostname string
}

func (d *discovery) found(stageID string, h state.ResourceHandle) {
	h.Adopted = true
	d.ledger.Record(stageID, h)
	d.o.logger.Debug("resource found", "stage", stageID, "kind", h.Kind, "id", h.ID)
}

// lookup turns a describe error into found or not; not found is not an error
func lookup(stageID, id string, err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case providers.IsNotFound(err):
		return false, nil
	}
	return false, failure.External(stageID, id, err)
}

func (d *discovery) cluster(ctx context.Context) error {
	const stageID = plan.StageCluster
	clients := d.o.clients

	if name := d.p.Cluster.KeyPairName; name != "" {
		_, err := clients.KeyPairs.DescribeKeyPair(ctx, name)
		ok, err := lookup(stageID, name, err)
		if err != nil {
			return err
		}
		if ok {
			d.found(stageID, state.ResourceHandle{Kind: state.KindKeyPair, ID: name, Name: name})
		}
	}

	name := d.p.Cluster.Name
	info, err := clients.Cluster.DescribeCluster(ctx, name)
	ok, err := lookup(stageID, name, err)
	if err != nil || !ok {
		return err
	}
	d.info = info
	d.found(stageID, state.ResourceHandle{
		Kind: state.KindCluster,
		ID:   name,
		Name: name,
		Attributes: map[string]string{
			state.AttrEndpoint:  info.Endpoint,
			state.AttrVPCID:     info.VPCID,
			state.AttrClusterSG: info.ClusterSecurityGroupID,
			state.AttrVersion:   info.Version,
		},
	})

	if info.Status == providers.ClusterActive && info.Endpoint != "" {
		kube, addons, err := clients.Connector.Connect(ctx, info)
		if err != nil {
			d.o.logger.Warn("cluster not reachable, skipping in-cluster discovery", "cluster", name, "error", err)
			return nil
		}
		d.kube, d.addons = kube, addons
	}
	return nil
}

func (d *discovery) securityGroup(ctx context.Context, stageID, name, purpose string) error {
	if d.info == nil || d.info.VPCID == "" {
		return nil
	}
	sg, err := d.o.clients.Network.FindSecurityGroup(ctx, d.info.VPCID, name)
	ok, err := lookup(stageID, name, err)
	if err != nil || !ok {
		return err
	}
	d.found(stageID, state.ResourceHandle{
		Kind: state.KindSecurityGroup,
		ID:   sg.ID,
		Name: name,
		Attributes: map[string]string{
			state.AttrVPCID:   d.info.VPCID,
			state.AttrPurpose: purpose,
		},
	})
	return nil
}

func (d *discovery) database(ctx context.Context) error {
	const stageID = plan.StageDatabase
	clients := d.o.clients
	spec := d.p.Database

	if err := d.securityGroup(ctx, stageID, spec.SecurityGroupName, "database"); err != nil {
		return err
	}

	ok, err := lookup(stageID, spec.SubnetGroupName, clients.Databases.DescribeDBSubnetGroup(ctx, spec.SubnetGroupName))
	if err != nil {
		return err
	}
	if ok {
		d.found(stageID, state.ResourceHandle{Kind: state.KindDBSubnetGroup, ID: spec.SubnetGroupName, Name: spec.SubnetGroupName})
	}

	secret, err := clients.Secrets.GetSecret(ctx, spec.SecretName)
	ok, err = lookup(stageID, spec.SecretName, err)
	if err != nil {
		return err
	}
	secretARN := ""
	if ok {
		secretARN = secret.ARN
		d.found(stageID, state.ResourceHandle{
			Kind:       state.KindSecret,
			ID:         spec.SecretName,
			Name:       spec.SecretName,
			Attributes: map[string]string{state.AttrSecretARN: secret.ARN},
		})
	}

	db, err := clients.Databases.DescribeDBInstance(ctx, spec.Identifier)
	ok, err = lookup(stageID, spec.Identifier, err)
	if err != nil || !ok {
		return err
	}
	d.found(stageID, state.ResourceHandle{
		Kind: state.KindDBInstance,
		ID:   spec.Identifier,
		Name: spec.Identifier,
		Attributes: map[string]string{
			state.AttrEndpoint:  db.Endpoint,
			state.AttrPort:      strconv.Itoa(int(db.Port)),
			state.AttrSecretARN: secretARN,
		},
	})
	return nil
}

func (d *discovery) storage(ctx context.Context) error {
	const stageID = plan.StageStorage
	clients := d.o.clients
	spec := d.p.Storage

	fs, err := clients.FileSystems.FindFileSystem(ctx, spec.FileSystemToken)
	ok, err := lookup(stageID, spec.FileSystemToken, err)
	if err != nil {
		return err
	}
	if ok {
		d.found(stageID, state.ResourceHandle{Kind: state.KindFileSystem, ID: fs.ID, Name: spec.FileSystemToken})
		mts, err := clients.FileSystems.ListMountTargets(ctx, fs.ID)
		if _, err := lookup(stageID, fs.ID, err); err != nil {
			return err
		}
		for _, mt := range mts {
			d.found(stageID, state.ResourceHandle{
				Kind: state.KindMountTarget,
				ID:   mt.ID,
				Name: mt.AvailabilityZone,
				Attributes: map[string]string{
					state.AttrFileSystemID: fs.ID,
					state.AttrSubnetID:     mt.SubnetID,
				},
			})
		}
	}

	if err := d.securityGroup(ctx, stageID, spec.SecurityGroupName, "filesystem"); err != nil {
		return err
	}
	if err := d.release(ctx, stageID, d.p.Addons.EFSCSIDriver); err != nil {
		return err
	}

	ok, err = lookup(stageID, spec.BucketName, clients.Buckets.HeadBucket(ctx, spec.BucketName))
	if err != nil {
		return err
	}
	if ok {
		d.found(stageID, state.ResourceHandle{Kind: state.KindBucket, ID: spec.BucketName, Name: spec.BucketName})
	}
	return nil
}

func (d *discovery) release(ctx context.Context, stageID string, spec plan.AddonSpec) error {
	if d.addons == nil {
		return nil
	}
	id := spec.Namespace + "/" + spec.Release
	_, err := d.addons.ReleaseStatus(ctx, spec.Release, spec.Namespace)
	ok, err := lookup(stageID, id, err)
	if err != nil || !ok {
		return err
	}
	d.found(stageID, state.ResourceHandle{
		Kind: state.KindAddon,
		ID:   id,
		Name: spec.Release,
		Attributes: map[string]string{
			state.AttrNamespace: spec.Namespace,
			state.AttrChart:     spec.Chart,
			state.AttrVersion:   spec.Version,
		},
	})
	return nil
}

// object records a Kubernetes object when it exists
func (d *discovery) object(ctx context.Context, stageID string, ref providers.ObjectRef) (state.ResourceHandle, bool, error) {
	if d.kube == nil {
		return state.ResourceHandle{}, false, nil
	}
	h := objectHandle(ref, true)
	ok, err := lookup(stageID, h.ID, d.kube.Get(ctx, ref))
	if err != nil || !ok {
		return h, false, err
	}
	d.found(stageID, h)
	return h, true, nil
}

func (d *discovery) application(ctx context.Context) error {
	const stageID = plan.StageApplication
	for _, obj := range manifests.Objects(d.p, manifests.Inputs{}) {
		ref, err := manifests.RefOf(obj)
		if err != nil {
			return failure.InvalidPlan(stageID, err)
		}
		if _, _, err := d.object(ctx, stageID, ref); err != nil {
			return err
		}
	}
	return nil
}

func (d *discovery) ingress(ctx context.Context) error {
	const stageID = plan.StageIngress
	spec := d.p.Ingress

	if d.info != nil {
		id := spec.ServiceAccountNS + "/" + spec.ServiceAccount
		err := d.o.clients.Identity.GetServiceAccount(ctx, d.p.Cluster.Name, d.p.Region, spec.ServiceAccountNS, spec.ServiceAccount)
		ok, err := lookup(stageID, id, err)
		if err != nil {
			return err
		}
		if ok {
			d.found(stageID, state.ResourceHandle{
				Kind:       state.KindServiceAccount,
				ID:         id,
				Name:       spec.ServiceAccount,
				Attributes: map[string]string{state.AttrNamespace: spec.ServiceAccountNS},
			})
		}
	}

	if err := d.release(ctx, stageID, d.p.Addons.LoadBalancerController); err != nil {
		return err
	}

	ref := providers.ObjectRef{Kind: providers.KindIngress, Namespace: d.p.App.Namespace, Name: spec.Name}
	h, ok, err := d.object(ctx, stageID, ref)
	if err != nil || !ok {
		return err
	}
	host, err := d.kube.IngressHostname(ctx, ref.Namespace, ref.Name)
	if _, err := lookup(stageID, h.ID, err); err != nil {
		return err
	}
	if host != "" {
		d.hostname = host
		h.SetAttr(state.AttrHostname, host)
		d.found(stageID, h)
	}
	return nil
}

func (d *discovery) autoscaling(ctx context.Context) error {
	const stageID = plan.StageAutoscaling
	if err := d.release(ctx, stageID, d.p.Addons.MetricsServer); err != nil {
		return err
	}
	_, _, err := d.object(ctx, stageID, providers.ObjectRef{Kind: providers.KindHPA, Namespace: d.p.App.Namespace, Name: d.p.Scaling.Name})
	return err
}

func (d *discovery) dns(ctx context.Context) error {
	const stageID = plan.StageDNS
	if !d.p.DNS.Enabled() {
		return nil
	}
	clients := d.o.clients

	zone, err := clients.DNS.FindHostedZone(ctx, d.p.DNS.Domain)
	ok, err := lookup(stageID, d.p.DNS.Domain, err)
	if err != nil || !ok {
		return err
	}
	rec, err := clients.DNS.FindAliasRecord(ctx, zone.ID, d.p.DNS.RecordName, d.p.DNS.RecordType)
	ok, err = lookup(stageID, d.p.DNS.RecordName, err)
	if err != nil || !ok {
		return err
	}
	// only a record aliasing our own load balancer is ours to delete
	if d.hostname == "" || !sameHost(rec.AliasTarget, d.hostname) {
		d.o.logger.Warn("alias record does not point at the deployment's load balancer, leaving it alone",
			"record", rec.Name, "target", rec.AliasTarget, "hostname", d.hostname)
		return nil
	}
	d.found(stageID, dnsHandle(zone.ID, *rec, true))
	return nil
}
