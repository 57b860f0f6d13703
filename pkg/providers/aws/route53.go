package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"

	"github.com/chalkan3/moodle-eks/pkg/providers"
)

// Route53API is the subset of the Route 53 client used here
type Route53API interface {
	ListHostedZonesByName(ctx context.Context, params *route53.ListHostedZonesByNameInput, optFns ...func(*route53.Options)) (*route53.ListHostedZonesByNameOutput, error)
	ListResourceRecordSets(ctx context.Context, params *route53.ListResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error)
	ChangeResourceRecordSets(ctx context.Context, params *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
	GetChange(ctx context.Context, params *route53.GetChangeInput, optFns ...func(*route53.Options)) (*route53.GetChangeOutput, error)
}

// Route53 manages the alias record in front of the load balancer
type Route53 struct {
	client Route53API
}

// NewRoute53 wraps a Route 53 client
func NewRoute53(client Route53API) *Route53 {
	return &Route53{client: client}
}

// normalizeName lowercases a DNS name and strips the trailing dot
func normalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}

func fqdn(name string) string {
	return normalizeName(name) + "."
}

// FindHostedZone returns the public zone whose name is exactly domain
func (r *Route53) FindHostedZone(ctx context.Context, domain string) (*providers.HostedZone, error) {
	out, err := r.client.ListHostedZonesByName(ctx, &route53.ListHostedZonesByNameInput{
		DNSName:  aws.String(fqdn(domain)),
		MaxItems: aws.Int32(10),
	})
	if err != nil {
		return nil, fmt.Errorf("list hosted zones for %s: %w", domain, err)
	}
	for _, z := range out.HostedZones {
		if normalizeName(aws.ToString(z.Name)) != normalizeName(domain) {
			continue
		}
		if z.Config != nil && z.Config.PrivateZone {
			continue
		}
		return &providers.HostedZone{
			ID:   strings.TrimPrefix(aws.ToString(z.Id), "/hostedzone/"),
			Name: normalizeName(aws.ToString(z.Name)),
		}, nil
	}
	return nil, notFound("hosted zone %s", domain)
}

// FindAliasRecord returns the alias record with the given name and type
func (r *Route53) FindAliasRecord(ctx context.Context, zoneID, name, recordType string) (*providers.AliasRecord, error) {
	out, err := r.client.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(zoneID),
		StartRecordName: aws.String(fqdn(name)),
		StartRecordType: types.RRType(recordType),
		MaxItems:        aws.Int32(1),
	})
	if err != nil {
		return nil, mapError(fmt.Errorf("list records of %s: %w", zoneID, err), []string{"NoSuchHostedZone"}, nil)
	}
	for _, rs := range out.ResourceRecordSets {
		if normalizeName(aws.ToString(rs.Name)) != normalizeName(name) || string(rs.Type) != recordType {
			continue
		}
		if rs.AliasTarget == nil {
			return nil, fmt.Errorf("record %s %s exists but is not an alias", name, recordType)
		}
		return &providers.AliasRecord{
			Name:        normalizeName(aws.ToString(rs.Name)),
			Type:        string(rs.Type),
			AliasTarget: normalizeName(aws.ToString(rs.AliasTarget.DNSName)),
			AliasZoneID: aws.ToString(rs.AliasTarget.HostedZoneId),
		}, nil
	}
	return nil, notFound("record %s %s", name, recordType)
}

func (r *Route53) change(ctx context.Context, zoneID string, action types.ChangeAction, record providers.AliasRecord) (string, error) {
	out, err := r.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		ChangeBatch: &types.ChangeBatch{
			Comment: aws.String("managed by moodle-eks"),
			Changes: []types.Change{{
				Action: action,
				ResourceRecordSet: &types.ResourceRecordSet{
					Name: aws.String(fqdn(record.Name)),
					Type: types.RRType(record.Type),
					AliasTarget: &types.AliasTarget{
						DNSName:              aws.String(fqdn(record.AliasTarget)),
						HostedZoneId:         aws.String(record.AliasZoneID),
						EvaluateTargetHealth: true,
					},
				},
			}},
		},
	})
	if err != nil {
		return "", err
	}
	if out.ChangeInfo == nil {
		return "", nil
	}
	return aws.ToString(out.ChangeInfo.Id), nil
}

// UpsertAliasRecord creates or replaces the alias record
func (r *Route53) UpsertAliasRecord(ctx context.Context, zoneID string, record providers.AliasRecord) (string, error) {
	id, err := r.change(ctx, zoneID, types.ChangeActionUpsert, record)
	if err != nil {
		return "", fmt.Errorf("upsert %s %s: %w", record.Name, record.Type, err)
	}
	return id, nil
}

// DeleteAliasRecord deletes exactly the given tuple
func (r *Route53) DeleteAliasRecord(ctx context.Context, zoneID string, record providers.AliasRecord) (string, error) {
	id, err := r.change(ctx, zoneID, types.ChangeActionDelete, record)
	if err != nil {
		if recordGone(err) {
			return "", fmt.Errorf("%w: record %s %s: %w", providers.ErrNotFound, record.Name, record.Type, err)
		}
		return "", mapError(fmt.Errorf("delete %s %s: %w", record.Name, record.Type, err), []string{"NoSuchHostedZone"}, nil)
	}
	return id, nil
}

// recordGone reports whether a delete failed because the tuple no longer
// exists: the record was removed, or now holds different values
func recordGone(err error) bool {
	if errorCode(err) != "InvalidChangeBatch" {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "not found") || strings.Contains(msg, "values provided do not match the current values")
}

// ChangeStatus returns PENDING or INSYNC
func (r *Route53) ChangeStatus(ctx context.Context, changeID string) (string, error) {
	out, err := r.client.GetChange(ctx, &route53.GetChangeInput{Id: aws.String(changeID)})
	if err != nil {
		return "", mapError(fmt.Errorf("get change %s: %w", changeID, err), []string{"NoSuchChange"}, nil)
	}
	if out.ChangeInfo == nil {
		return "", notFound("change %s", changeID)
	}
	return string(out.ChangeInfo.Status), nil
}
