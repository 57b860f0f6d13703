package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/chalkan3/moodle-eks/pkg/providers"
)

// deleteBatchSize is the DeleteObjects limit
const deleteBatchSize = 1000

// S3API is the subset of the S3 client used here
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutPublicAccessBlock(ctx context.Context, params *s3.PutPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error)
	PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
	PutBucketTagging(ctx context.Context, params *s3.PutBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error)
	ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
}

// S3 manages the Moodle data bucket
type S3 struct {
	client S3API
	region string
}

// NewS3 wraps an S3 client
func NewS3(client S3API, region string) *S3 {
	return &S3{client: client, region: region}
}

func isBucketMissing(err error) bool {
	var nf *types.NotFound
	var nsb *types.NoSuchBucket
	return errors.As(err, &nf) || errors.As(err, &nsb) || errorCode(err) == "NoSuchBucket"
}

// HeadBucket returns nil when the bucket exists and is ours to use
func (s *S3) HeadBucket(ctx context.Context, name string) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
	if err == nil {
		return nil
	}
	if isBucketMissing(err) {
		return fmt.Errorf("%w: bucket %s: %w", providers.ErrNotFound, name, err)
	}
	return fmt.Errorf("head bucket %s: %w", name, err)
}

// CreateBucket creates the bucket, blocks public access, then applies
// versioning and tags
func (s *S3) CreateBucket(ctx context.Context, spec providers.BucketSpec) error {
	region := spec.Region
	if region == "" {
		region = s.region
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(spec.Name)}
	// us-east-1 rejects an explicit location constraint
	if region != "" && region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return fmt.Errorf("%w: bucket %s: %w", providers.ErrAlreadyExists, spec.Name, err)
		}
		return fmt.Errorf("create bucket %s: %w", spec.Name, err)
	}

	_, err := s.client.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: aws.String(spec.Name),
		PublicAccessBlockConfiguration: &types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("block public access on %s: %w", spec.Name, err)
	}

	if spec.Versioning {
		_, err := s.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
			Bucket: aws.String(spec.Name),
			VersioningConfiguration: &types.VersioningConfiguration{
				Status: types.BucketVersioningStatusEnabled,
			},
		})
		if err != nil {
			return fmt.Errorf("enable versioning on %s: %w", spec.Name, err)
		}
	}

	if len(spec.Tags) > 0 {
		tagSet := make([]types.Tag, 0, len(spec.Tags))
		for _, k := range sortedKeys(spec.Tags) {
			tagSet = append(tagSet, types.Tag{Key: aws.String(k), Value: aws.String(spec.Tags[k])})
		}
		_, err := s.client.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
			Bucket:  aws.String(spec.Name),
			Tagging: &types.Tagging{TagSet: tagSet},
		})
		if err != nil {
			return fmt.Errorf("tag bucket %s: %w", spec.Name, err)
		}
	}
	return nil
}

// EmptyBucket deletes every object version and delete marker
func (s *S3) EmptyBucket(ctx context.Context, name string) (int, error) {
	var objects []types.ObjectIdentifier
	paginator := s3.NewListObjectVersionsPaginator(s.client, &s3.ListObjectVersionsInput{
		Bucket: aws.String(name),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			if isBucketMissing(err) {
				return 0, fmt.Errorf("%w: bucket %s: %w", providers.ErrNotFound, name, err)
			}
			return 0, fmt.Errorf("list object versions in %s: %w", name, err)
		}
		for _, v := range page.Versions {
			objects = append(objects, types.ObjectIdentifier{Key: v.Key, VersionId: v.VersionId})
		}
		for _, m := range page.DeleteMarkers {
			objects = append(objects, types.ObjectIdentifier{Key: m.Key, VersionId: m.VersionId})
		}
	}

	deleted := 0
	for start := 0; start < len(objects); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(objects) {
			end = len(objects)
		}
		batch := objects[start:end]
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(name),
			Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, fmt.Errorf("delete objects in %s: %w", name, err)
		}
		if len(out.Errors) > 0 {
			msgs := make([]string, 0, len(out.Errors))
			for _, e := range out.Errors {
				msgs = append(msgs, fmt.Sprintf("%s: %s", aws.ToString(e.Key), aws.ToString(e.Message)))
			}
			return deleted + len(batch) - len(out.Errors),
				fmt.Errorf("delete objects in %s: %d failed: %s", name, len(out.Errors), strings.Join(msgs, "; "))
		}
		deleted += len(batch)
	}
	return deleted, nil
}

// DeleteBucket deletes an empty bucket
func (s *S3) DeleteBucket(ctx context.Context, name string) error {
	_, err := s.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)})
	if err != nil {
		if isBucketMissing(err) {
			return fmt.Errorf("%w: bucket %s: %w", providers.ErrNotFound, name, err)
		}
		return fmt.Errorf("delete bucket %s: %w", name, err)
	}
	return nil
}
