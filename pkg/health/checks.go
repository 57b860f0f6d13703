package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chalkan3/moodle-eks/internal/state"
	"github.com/chalkan3/moodle-eks/pkg/providers"
)

const (
	remediateMissing = "Run 'moodle-eks deploy' to recreate missing resources, or 'moodle-eks cleanup' to forget them"
	remediateAccess  = "Check AWS credentials and cluster connectivity, then run 'moodle-eks verify' again"
)

// kubeKinds maps ledger kinds to Kubernetes kinds
var kubeKinds = map[state.Kind]string{
	state.KindNamespace:  providers.KindNamespace,
	state.KindK8sSecret:  providers.KindSecret,
	state.KindPV:         providers.KindPV,
	state.KindPVC:        providers.KindPVC,
	state.KindDeployment: providers.KindDeployment,
	state.KindService:    providers.KindService,
	state.KindIngress:    providers.KindIngress,
	state.KindHPA:        providers.KindHPA,
}

// check verifies one handle
func (c *Checker) check(ctx context.Context, h state.ResourceHandle) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:       h.String(),
		Kind:       h.Kind,
		ResourceID: h.ID,
		CheckedAt:  start,
	}

	var err error
	switch h.Kind {
	case state.KindCluster:
		err = c.checkCluster(ctx, h, &result)
	case state.KindKeyPair:
		_, err = c.clients.KeyPairs.DescribeKeyPair(ctx, h.ID)
	case state.KindSecurityGroup:
		err = c.checkSecurityGroup(ctx, h, &result)
	case state.KindDBInstance:
		err = c.checkDatabase(ctx, h, &result)
	case state.KindDBSubnetGroup:
		err = c.clients.Databases.DescribeDBSubnetGroup(ctx, h.ID)
	case state.KindSecret:
		_, err = c.clients.Secrets.GetSecret(ctx, h.ID)
	case state.KindFileSystem:
		err = c.checkFileSystem(ctx, h, &result)
	case state.KindMountTarget:
		err = c.checkMountTarget(ctx, h, &result)
	case state.KindBucket:
		err = c.clients.Buckets.HeadBucket(ctx, h.ID)
	case state.KindDNSRecord:
		err = c.checkRecord(ctx, h, &result)
	case state.KindServiceAccount:
		err = c.clients.Identity.GetServiceAccount(ctx, c.ledger.ClusterName, c.ledger.Region, h.Attr(state.AttrNamespace), h.Name)
	case state.KindAddon:
		err = c.checkRelease(ctx, h, &result)
	default:
		if _, ok := kubeKinds[h.Kind]; ok {
			err = c.checkObject(ctx, h, &result)
		} else {
			result.Status = StatusUnknown
			result.Message = fmt.Sprintf("no check for %s", h.Kind)
		}
	}

	switch {
	case providers.IsNotFound(err):
		result.Status = StatusCritical
		result.Message = "Not found"
		result.Remediation = remediateMissing
	case err != nil:
		result.Status = StatusUnknown
		result.Message = fmt.Sprintf("Check failed: %v", err)
		result.Remediation = remediateAccess
	case result.Status == "":
		result.Status = StatusHealthy
		result.Message = "Exists"
	}
	if h.Adopted {
		result.Details = append(result.Details, "adopted: existed before this tool recorded it")
	}

	result.Duration = time.Since(start)
	return result
}

func (c *Checker) checkCluster(ctx context.Context, h state.ResourceHandle, result *CheckResult) error {
	info, err := c.clients.Cluster.DescribeCluster(ctx, h.ID)
	if err != nil {
		return err
	}
	result.Details = append(result.Details, "version: "+info.Version, "endpoint: "+info.Endpoint)
	switch info.Status {
	case providers.ClusterActive:
		result.Status = StatusHealthy
		result.Message = "Cluster is active"
	case providers.ClusterCreating:
		result.Status = StatusWarning
		result.Message = "Cluster is still being created"
	default:
		result.Status = StatusCritical
		result.Message = "Cluster status is " + info.Status
		result.Remediation = "Inspect the cluster in the EKS console; a failed cluster must be cleaned up and redeployed"
	}
	return nil
}

func (c *Checker) checkSecurityGroup(ctx context.Context, h state.ResourceHandle, result *CheckResult) error {
	vpc := h.Attr(state.AttrVPCID)
	if vpc == "" {
		result.Status = StatusUnknown
		result.Message = "No VPC recorded for the group"
		return nil
	}
	sg, err := c.clients.Network.FindSecurityGroup(ctx, vpc, h.Name)
	if err != nil {
		return err
	}
	if sg.ID != h.ID {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Group %s now resolves to %s", h.Name, sg.ID)
		result.Remediation = "Run 'moodle-eks deploy --from " + c.ledger.StageOf(h) + "' to re-record the group"
	}
	return nil
}

func (c *Checker) checkDatabase(ctx context.Context, h state.ResourceHandle, result *CheckResult) error {
	db, err := c.clients.Databases.DescribeDBInstance(ctx, h.ID)
	if err != nil {
		return err
	}
	result.Details = append(result.Details, "status: "+db.Status, "endpoint: "+db.Endpoint)
	switch {
	case db.Status != providers.DBAvailable:
		result.Status = StatusWarning
		result.Message = "Database status is " + db.Status
	case h.Attr(state.AttrEndpoint) != "" && db.Endpoint != h.Attr(state.AttrEndpoint):
		result.Status = StatusWarning
		result.Message = "Endpoint differs from the recorded one"
		result.Remediation = "Run 'moodle-eks deploy --from database' so the application picks up the new endpoint"
	default:
		result.Status = StatusHealthy
		result.Message = "Database is available"
	}
	return nil
}

func (c *Checker) checkFileSystem(ctx context.Context, h state.ResourceHandle, result *CheckResult) error {
	fs, err := c.clients.FileSystems.DescribeFileSystem(ctx, h.ID)
	if err != nil {
		return err
	}
	if fs.State != providers.FileSystemAvailable {
		result.Status = StatusWarning
		result.Message = "Filesystem state is " + fs.State
	}
	return nil
}

func (c *Checker) checkMountTarget(ctx context.Context, h state.ResourceHandle, result *CheckResult) error {
	mts, err := c.clients.FileSystems.ListMountTargets(ctx, h.Attr(state.AttrFileSystemID))
	if err != nil {
		return err
	}
	for _, mt := range mts {
		if mt.ID != h.ID {
			continue
		}
		result.Details = append(result.Details, "zone: "+mt.AvailabilityZone, "subnet: "+mt.SubnetID)
		if mt.State != providers.FileSystemAvailable {
			result.Status = StatusWarning
			result.Message = "Mount target state is " + mt.State
		}
		return nil
	}
	return fmt.Errorf("%w: mount target %s", providers.ErrNotFound, h.ID)
}

func sameName(a, b string) bool {
	norm := func(s string) string { return strings.TrimSuffix(strings.ToLower(s), ".") }
	return norm(a) == norm(b)
}

func (c *Checker) checkRecord(ctx context.Context, h state.ResourceHandle, result *CheckResult) error {
	zoneID := h.Attr(state.AttrZoneID)
	rec, err := c.clients.DNS.FindAliasRecord(ctx, zoneID, h.Attr(state.AttrRecordName), h.Attr(state.AttrRecordType))
	if err != nil {
		return err
	}
	result.Details = append(result.Details, "alias: "+rec.AliasTarget)
	if !sameName(rec.AliasTarget, h.Attr(state.AttrAliasTarget)) || rec.AliasZoneID != h.Attr(state.AttrAliasZoneID) {
		result.Status = StatusWarning
		result.Message = "Record points at " + rec.AliasTarget + ", not the recorded load balancer"
		result.Remediation = "Run 'moodle-eks deploy --only dns' to point the record back at the load balancer"
	}
	return nil
}

func (c *Checker) checkRelease(ctx context.Context, h state.ResourceHandle, result *CheckResult) error {
	_, addons, err := c.kubernetes(ctx)
	if err != nil {
		return err
	}
	status, err := addons.ReleaseStatus(ctx, h.Name, h.Attr(state.AttrNamespace))
	if err != nil {
		return err
	}
	if status != providers.ReleaseDeployed {
		result.Status = StatusWarning
		result.Message = "Release status is " + status
		result.Remediation = "Run 'moodle-eks helm status " + h.Name + " -n " + h.Attr(state.AttrNamespace) + "' for details"
	}
	return nil
}

func (c *Checker) checkObject(ctx context.Context, h state.ResourceHandle, result *CheckResult) error {
	kube, _, err := c.kubernetes(ctx)
	if err != nil {
		return err
	}
	ns := h.Attr(state.AttrNamespace)
	ref := providers.ObjectRef{Kind: kubeKinds[h.Kind], Namespace: ns, Name: h.Name}
	if err := kube.Get(ctx, ref); err != nil {
		return err
	}

	switch h.Kind {
	case state.KindDeployment:
		st, err := kube.DeploymentStatus(ctx, ns, h.Name)
		if err != nil {
			return err
		}
		result.Details = append(result.Details, fmt.Sprintf("replicas: %d desired, %d ready, %d available", st.Desired, st.Ready, st.Available))
		if st.Desired == 0 || st.Available < st.Desired {
			result.Status = StatusWarning
			result.Message = fmt.Sprintf("%d/%d replicas available", st.Available, st.Desired)
			result.Remediation = "Inspect the pods with 'moodle-eks kubectl -n " + ns + " describe deployment " + h.Name + "'"
		}
	case state.KindIngress:
		host, err := kube.IngressHostname(ctx, ns, h.Name)
		if err != nil {
			return err
		}
		switch {
		case host == "":
			result.Status = StatusWarning
			result.Message = "No load balancer assigned"
			result.Remediation = "Check the aws-load-balancer-controller logs in kube-system"
		case h.Attr(state.AttrHostname) != "" && !sameName(host, h.Attr(state.AttrHostname)):
			result.Status = StatusWarning
			result.Message = "Load balancer changed to " + host
			result.Remediation = "Run 'moodle-eks deploy --from ingress' to re-record the hostname and repoint DNS"
		default:
			result.Details = append(result.Details, "hostname: "+host)
		}
	}
	return nil
}
