package orchestrator

import (
	"context"
	"strings"

	"github.com/chalkan3/moodle-eks/internal/failure"
	"github.com/chalkan3/moodle-eks/internal/plan"
	"github.com/chalkan3/moodle-eks/internal/state"
	"github.com/chalkan3/moodle-eks/pkg/providers"
)

// AliasOf rebuilds the record tuple stored on a DNS handle
func AliasOf(h state.ResourceHandle) (zoneID string, rec providers.AliasRecord) {
	return h.Attr(state.AttrZoneID), providers.AliasRecord{
		Name:        h.Attr(state.AttrRecordName),
		Type:        h.Attr(state.AttrRecordType),
		AliasTarget: h.Attr(state.AttrAliasTarget),
		AliasZoneID: h.Attr(state.AttrAliasZoneID),
	}
}

func dnsHandle(zoneID string, rec providers.AliasRecord, adopted bool) state.ResourceHandle {
	return state.ResourceHandle{
		Kind:    state.KindDNSRecord,
		ID:      rec.Name + "/" + rec.Type,
		Name:    rec.Name,
		Adopted: adopted,
		Attributes: map[string]string{
			state.AttrZoneID:      zoneID,
			state.AttrRecordName:  rec.Name,
			state.AttrRecordType:  rec.Type,
			state.AttrAliasTarget: rec.AliasTarget,
			state.AttrAliasZoneID: rec.AliasZoneID,
		},
	}
}

func sameAlias(a, b providers.AliasRecord) bool {
	return normHost(a.Name) == normHost(b.Name) &&
		a.Type == b.Type &&
		sameHost(a.AliasTarget, b.AliasTarget) &&
		a.AliasZoneID == b.AliasZoneID
}

// sameHost compares DNS names ignoring case, a trailing dot and the
// dualstack prefix Route 53 accepts on ELB aliases
func sameHost(a, b string) bool {
	return strings.TrimPrefix(normHost(a), "dualstack.") == strings.TrimPrefix(normHost(b), "dualstack.")
}

func normHost(s string) string {
	return strings.TrimSuffix(strings.ToLower(s), ".")
}

// loadBalancerHostname prefers the ledger and falls back to the live ingress
func (o *Orchestrator) loadBalancerHostname(ctx context.Context, stageID string, p *plan.Plan) (string, error) {
	if o.ledger != nil {
		for _, h := range o.ledger.HandlesOf(state.KindIngress) {
			if host := h.Attr(state.AttrHostname); host != "" {
				return host, nil
			}
		}
	}
	kube, _, err := o.kubernetes(ctx, stageID, p)
	if err != nil {
		return "", err
	}
	host, err := kube.IngressHostname(ctx, p.App.Namespace, p.Ingress.Name)
	if err != nil && !providers.IsNotFound(err) {
		return "", failure.External(stageID, p.Ingress.Name, err)
	}
	if host == "" {
		return "", failure.DependencyMissing(stageID, "load balancer hostname")
	}
	return host, nil
}

// dns points the configured name at the ALB with an alias record
func (o *Orchestrator) dns(ctx context.Context, p *plan.Plan) error {
	const stageID = plan.StageDNS
	if !p.DNS.Enabled() {
		o.logger.Info("no domain configured, skipping DNS", "stage", stageID)
		return nil
	}

	zone, err := o.clients.DNS.FindHostedZone(ctx, p.DNS.Domain)
	if providers.IsNotFound(err) {
		return failure.DependencyMissing(stageID, "hosted zone "+p.DNS.Domain)
	}
	if err != nil {
		return failure.External(stageID, p.DNS.Domain, err)
	}

	host, err := o.loadBalancerHostname(ctx, stageID, p)
	if err != nil {
		return err
	}
	lb, err := o.clients.LoadBalancers.FindLoadBalancerByDNSName(ctx, host)
	if providers.IsNotFound(err) {
		return failure.DependencyMissing(stageID, "load balancer "+host)
	}
	if err != nil {
		return failure.External(stageID, host, err)
	}
	if lb.CanonicalHostedZoneID == "" {
		return failure.DependencyMissing(stageID, "load balancer hosted zone id")
	}

	want := providers.AliasRecord{
		Name:        p.DNS.RecordName,
		Type:        p.DNS.RecordType,
		AliasTarget: lb.DNSName,
		AliasZoneID: lb.CanonicalHostedZoneID,
	}

	cur, err := o.clients.DNS.FindAliasRecord(ctx, zone.ID, want.Name, want.Type)
	if err != nil && !providers.IsNotFound(err) {
		return failure.External(stageID, want.Name, err)
	}
	if err == nil && sameAlias(*cur, want) {
		return o.record(ctx, stageID, dnsHandle(zone.ID, *cur, true))
	}

	change, err := o.clients.DNS.UpsertAliasRecord(ctx, zone.ID, want)
	if err != nil {
		return failure.External(stageID, want.Name, err)
	}
	h := dnsHandle(zone.ID, want, false)
	if err := o.record(ctx, stageID, h); err != nil {
		return err
	}

	return o.wait(ctx, p, stageID, h.ID, 0, func(ctx context.Context) (bool, error) {
		status, err := o.clients.DNS.ChangeStatus(ctx, change)
		if err != nil {
			return false, failure.External(stageID, change, err)
		}
		return status == providers.ChangeInSync, nil
	})
}
