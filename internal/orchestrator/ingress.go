package orchestrator

import (
	"context"
	"fmt"

	"github.com/chalkan3/moodle-eks/internal/failure"
	"github.com/chalkan3/moodle-eks/internal/plan"
	"github.com/chalkan3/moodle-eks/internal/state"
	"github.com/chalkan3/moodle-eks/pkg/manifests"
	"github.com/chalkan3/moodle-eks/pkg/providers"
)

// DefaultControllerPolicy is the IAM policy name the load balancer
// controller documentation creates
const DefaultControllerPolicy = "AWSLoadBalancerControllerIAMPolicy"

// controllerPolicyARN returns the configured policy or the account default
func (o *Orchestrator) controllerPolicyARN(ctx context.Context, p *plan.Plan) (string, error) {
	if p.Ingress.ControllerPolicyARN != "" {
		return p.Ingress.ControllerPolicyARN, nil
	}
	account, err := o.clients.Identity.AccountID(ctx)
	if err != nil {
		return "", failure.External(plan.StageIngress, "caller identity", err)
	}
	if account == "" {
		return "", failure.DependencyMissing(plan.StageIngress, "account id")
	}
	return fmt.Sprintf("arn:aws:iam::%s:policy/%s", account, DefaultControllerPolicy), nil
}

// ensureServiceAccount creates the IAM-backed service account of the controller
func (o *Orchestrator) ensureServiceAccount(ctx context.Context, p *plan.Plan) error {
	const stageID = plan.StageIngress
	ns, name := p.Ingress.ServiceAccountNS, p.Ingress.ServiceAccount
	id := ns + "/" + name

	err := o.clients.Identity.GetServiceAccount(ctx, p.Cluster.Name, p.Region, ns, name)
	adopted := err == nil
	if providers.IsNotFound(err) {
		policy, perr := o.controllerPolicyARN(ctx, p)
		if perr != nil {
			return perr
		}
		err = o.clients.Identity.CreateServiceAccount(ctx, providers.ServiceAccountSpec{
			Cluster:   p.Cluster.Name,
			Region:    p.Region,
			Namespace: ns,
			Name:      name,
			PolicyARN: policy,
		})
		if providers.IsAlreadyExists(err) {
			adopted, err = true, nil
		}
	}
	if err != nil {
		return failure.External(stageID, id, err)
	}
	return o.record(ctx, stageID, state.ResourceHandle{
		Kind:       state.KindServiceAccount,
		ID:         id,
		Name:       name,
		Adopted:    adopted,
		Attributes: map[string]string{state.AttrNamespace: ns},
	})
}

// ingress exposes Moodle through an ALB and waits for its hostname
func (o *Orchestrator) ingress(ctx context.Context, p *plan.Plan) error {
	const stageID = plan.StageIngress

	info, err := o.clusterDependency(ctx, stageID, p)
	if err != nil {
		return err
	}
	kube, _, err := o.kubernetes(ctx, stageID, p)
	if err != nil {
		return err
	}

	if err := o.ensureServiceAccount(ctx, p); err != nil {
		return err
	}
	if err := o.ensureRelease(ctx, stageID, p, p.Addons.LoadBalancerController, map[string]string{"vpcId": info.VPCID}); err != nil {
		return err
	}

	h, err := o.ensureObject(ctx, stageID, kube, manifests.Ingress(p))
	if err != nil {
		return err
	}

	var hostname string
	ns, name := p.App.Namespace, p.Ingress.Name
	err = o.wait(ctx, p, stageID, h.ID, p.Ingress.HostnameAttempts, func(ctx context.Context) (bool, error) {
		host, err := kube.IngressHostname(ctx, ns, name)
		if err != nil {
			return false, failure.External(stageID, h.ID, err)
		}
		hostname = host
		return host != "", nil
	})
	if err != nil {
		return err
	}

	h.SetAttr(state.AttrHostname, hostname)
	o.logger.Info("load balancer assigned", "ingress", h.ID, "hostname", hostname)
	return o.record(ctx, stageID, h)
}

// autoscaling installs metrics-server and the pod autoscaler
func (o *Orchestrator) autoscaling(ctx context.Context, p *plan.Plan) error {
	const stageID = plan.StageAutoscaling

	kube, _, err := o.kubernetes(ctx, stageID, p)
	if err != nil {
		return err
	}
	if err := kube.Get(ctx, providers.ObjectRef{Kind: providers.KindDeployment, Namespace: p.App.Namespace, Name: p.App.DeploymentName}); err != nil {
		if providers.IsNotFound(err) {
			return failure.DependencyMissing(stageID, "deployment "+p.App.Namespace+"/"+p.App.DeploymentName)
		}
		return failure.External(stageID, p.App.DeploymentName, err)
	}

	if err := o.ensureRelease(ctx, stageID, p, p.Addons.MetricsServer, nil); err != nil {
		return err
	}
	_, err = o.ensureObject(ctx, stageID, kube, manifests.HorizontalPodAutoscaler(p))
	return err
}
