package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/chalkan3/moodle-eks/pkg/providers"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
}

// SecretsManager stores the database credentials
type SecretsManager struct {
	client SecretsManagerAPI
}

// NewSecretsManager wraps a Secrets Manager client
func NewSecretsManager(client SecretsManagerAPI) *SecretsManager {
	return &SecretsManager{client: client}
}

// GetSecret returns the current value of a secret
func (s *SecretsManager) GetSecret(ctx context.Context, name string) (*providers.Secret, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(name)})
	if err != nil {
		return nil, mapError(fmt.Errorf("get secret %s: %w", name, err), []string{"ResourceNotFoundException"}, nil)
	}
	return &providers.Secret{
		ARN:   aws.ToString(out.ARN),
		Name:  aws.ToString(out.Name),
		Value: aws.ToString(out.SecretString),
	}, nil
}

// CreateSecret stores a new string secret
func (s *SecretsManager) CreateSecret(ctx context.Context, name, value string, tags map[string]string) (*providers.Secret, error) {
	smTags := make([]types.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		smTags = append(smTags, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	out, err := s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(value),
		Description:  aws.String("Moodle database credentials managed by moodle-eks"),
		Tags:         smTags,
	})
	if err != nil {
		return nil, mapError(fmt.Errorf("create secret %s: %w", name, err), nil, []string{"ResourceExistsException"})
	}
	return &providers.Secret{ARN: aws.ToString(out.ARN), Name: aws.ToString(out.Name), Value: value}, nil
}

// DeleteSecret deletes a secret without a recovery window
func (s *SecretsManager) DeleteSecret(ctx context.Context, name string) error {
	_, err := s.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(name),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil {
		return mapError(fmt.Errorf("delete secret %s: %w", name, err), []string{"ResourceNotFoundException"}, nil)
	}
	return nil
}
