package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// STSAPI is the subset of the STS client used here
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// CallerIdentity is who the credentials belong to
type CallerIdentity struct {
	Account string
	ARN     string
	UserID  string
}

// STS identifies the caller
type STS struct {
	client STSAPI
}

// NewSTS wraps an STS client
func NewSTS(client STSAPI) *STS {
	return &STS{client: client}
}

// CallerIdentity returns the full identity of the credentials in use
func (s *STS) CallerIdentity(ctx context.Context) (*CallerIdentity, error) {
	out, err := s.client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("get caller identity: %w", err)
	}
	return &CallerIdentity{
		Account: aws.ToString(out.Account),
		ARN:     aws.ToString(out.Arn),
		UserID:  aws.ToString(out.UserId),
	}, nil
}

// AccountID returns the account of the credentials in use
func (s *STS) AccountID(ctx context.Context) (string, error) {
	id, err := s.CallerIdentity(ctx)
	if err != nil {
		return "", err
	}
	return id.Account, nil
}
