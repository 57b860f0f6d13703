package aws

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/efs"
	efstypes "github.com/aws/aws-sdk-go-v2/service/efs/types"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalkan3/moodle-eks/pkg/providers"
)

func apiErr(code, msg string) error {
	return &smithy.GenericAPIError{Code: code, Message: msg}
}

func TestMapError(t *testing.T) {
	base := apiErr("DBInstanceNotFound", "no such instance")

	err := mapError(fmt.Errorf("describe: %w", base), []string{"DBInstanceNotFound"}, nil)
	assert.True(t, providers.IsNotFound(err))
	assert.ErrorIs(t, err, base)

	err = mapError(apiErr("Conflict", "x"), nil, []string{"Conflict"})
	assert.True(t, providers.IsAlreadyExists(err))

	err = mapError(apiErr("Throttling", "slow down"), []string{"NotFound"}, []string{"Conflict"})
	assert.False(t, providers.IsNotFound(err))
	assert.False(t, providers.IsAlreadyExists(err))

	assert.NoError(t, mapError(nil, nil, nil))
}

type fakeEKS struct {
	cluster *ekstypes.Cluster
	err     error
}

func (f *fakeEKS) DescribeCluster(_ context.Context, in *eks.DescribeClusterInput, _ ...func(*eks.Options)) (*eks.DescribeClusterOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &eks.DescribeClusterOutput{Cluster: f.cluster}, nil
}

func TestEKSDescribeCluster(t *testing.T) {
	ctx := context.Background()

	t.Run("maps fields", func(t *testing.T) {
		e := NewEKS(&fakeEKS{cluster: &ekstypes.Cluster{
			Name:                 aws.String("moodle-eks"),
			Status:               ekstypes.ClusterStatusActive,
			Version:              aws.String("1.30"),
			Endpoint:             aws.String("https://abc.eks.amazonaws.com"),
			CertificateAuthority: &ekstypes.Certificate{Data: aws.String("Q0E=")},
			ResourcesVpcConfig: &ekstypes.VpcConfigResponse{
				VpcId:                  aws.String("vpc-1"),
				SubnetIds:              []string{"subnet-a", "subnet-b"},
				ClusterSecurityGroupId: aws.String("sg-cluster"),
			},
		}})
		info, err := e.DescribeCluster(ctx, "moodle-eks")
		require.NoError(t, err)
		assert.Equal(t, providers.ClusterActive, info.Status)
		assert.Equal(t, "vpc-1", info.VPCID)
		assert.Equal(t, "sg-cluster", info.ClusterSecurityGroupID)
		assert.Equal(t, []string{"subnet-a", "subnet-b"}, info.SubnetIDs)
		assert.Equal(t, "Q0E=", info.CertificateAuthority)
	})

	t.Run("missing cluster", func(t *testing.T) {
		e := NewEKS(&fakeEKS{err: &ekstypes.ResourceNotFoundException{Message: aws.String("No cluster found")}})
		_, err := e.DescribeCluster(ctx, "moodle-eks")
		assert.True(t, providers.IsNotFound(err))
	})
}

type fakeEC2 struct {
	EC2API
	keyPairs      map[string]ec2types.KeyPairInfo
	subnets       []ec2types.Subnet
	groups        []ec2types.SecurityGroup
	authorizeErr  error
	deletedKeys   []string
	createdGroups []string
}

func (f *fakeEC2) DescribeKeyPairs(_ context.Context, in *ec2.DescribeKeyPairsInput, _ ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error) {
	kp, ok := f.keyPairs[in.KeyNames[0]]
	if !ok {
		return nil, apiErr("InvalidKeyPair.NotFound", "The key pair does not exist")
	}
	return &ec2.DescribeKeyPairsOutput{KeyPairs: []ec2types.KeyPairInfo{kp}}, nil
}

func (f *fakeEC2) CreateKeyPair(_ context.Context, in *ec2.CreateKeyPairInput, _ ...func(*ec2.Options)) (*ec2.CreateKeyPairOutput, error) {
	name := aws.ToString(in.KeyName)
	if _, ok := f.keyPairs[name]; ok {
		return nil, apiErr("InvalidKeyPair.Duplicate", "exists")
	}
	f.keyPairs[name] = ec2types.KeyPairInfo{KeyName: in.KeyName, KeyPairId: aws.String("key-1")}
	return &ec2.CreateKeyPairOutput{KeyName: in.KeyName, KeyPairId: aws.String("key-1"), KeyMaterial: aws.String("PEM")}, nil
}

func (f *fakeEC2) DeleteKeyPair(_ context.Context, in *ec2.DeleteKeyPairInput, _ ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error) {
	f.deletedKeys = append(f.deletedKeys, aws.ToString(in.KeyName))
	delete(f.keyPairs, aws.ToString(in.KeyName))
	return &ec2.DeleteKeyPairOutput{}, nil
}

func (f *fakeEC2) DescribeSubnets(_ context.Context, _ *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	return &ec2.DescribeSubnetsOutput{Subnets: f.subnets}, nil
}

func (f *fakeEC2) DescribeSecurityGroups(_ context.Context, _ *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: f.groups}, nil
}

func (f *fakeEC2) CreateSecurityGroup(_ context.Context, in *ec2.CreateSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	f.createdGroups = append(f.createdGroups, aws.ToString(in.GroupName))
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String("sg-new")}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(_ context.Context, _ *ec2.AuthorizeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, f.authorizeErr
}

func (f *fakeEC2) DeleteSecurityGroup(_ context.Context, _ *ec2.DeleteSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
	return nil, apiErr("InvalidGroup.NotFound", "gone")
}

func TestEC2KeyPairs(t *testing.T) {
	ctx := context.Background()
	fake := &fakeEC2{keyPairs: map[string]ec2types.KeyPairInfo{}}
	e := NewEC2(fake)

	_, err := e.DescribeKeyPair(ctx, "moodle-key")
	assert.True(t, providers.IsNotFound(err))

	kp, err := e.CreateKeyPair(ctx, "moodle-key", map[string]string{"app": "moodle"})
	require.NoError(t, err)
	assert.Equal(t, "PEM", kp.PrivateKey)

	_, err = e.CreateKeyPair(ctx, "moodle-key", nil)
	assert.True(t, providers.IsAlreadyExists(err))

	require.NoError(t, e.DeleteKeyPair(ctx, "moodle-key"))
	assert.Equal(t, []string{"moodle-key"}, fake.deletedKeys)

	// EC2 accepts deletes of unknown names, the adapter reports them missing
	err = e.DeleteKeyPair(ctx, "moodle-key")
	assert.True(t, providers.IsNotFound(err))
	assert.Len(t, fake.deletedKeys, 1)
}

func TestEC2Network(t *testing.T) {
	ctx := context.Background()
	fake := &fakeEC2{
		subnets: []ec2types.Subnet{
			{SubnetId: aws.String("subnet-c"), AvailabilityZone: aws.String("us-east-1b")},
			{SubnetId: aws.String("subnet-a"), AvailabilityZone: aws.String("us-east-1a"), MapPublicIpOnLaunch: aws.Bool(true)},
		},
		groups: []ec2types.SecurityGroup{
			{GroupId: aws.String("sg-other"), GroupName: aws.String("other"), VpcId: aws.String("vpc-1")},
			{GroupId: aws.String("sg-rds"), GroupName: aws.String("moodle-eks-rds"), VpcId: aws.String("vpc-1")},
		},
	}
	e := NewEC2(fake)

	subnets, err := e.ListSubnets(ctx, "vpc-1")
	require.NoError(t, err)
	require.Len(t, subnets, 2)
	assert.Equal(t, "subnet-a", subnets[0].ID)
	assert.True(t, subnets[0].Public)

	sg, err := e.FindSecurityGroup(ctx, "vpc-1", "moodle-eks-rds")
	require.NoError(t, err)
	assert.Equal(t, "sg-rds", sg.ID)

	_, err = e.FindSecurityGroup(ctx, "vpc-1", "missing")
	assert.True(t, providers.IsNotFound(err))

	fake.authorizeErr = apiErr("InvalidPermission.Duplicate", "rule exists")
	assert.NoError(t, e.AuthorizeIngress(ctx, "sg-rds", 3306, "sg-cluster"))

	fake.authorizeErr = apiErr("UnauthorizedOperation", "denied")
	assert.Error(t, e.AuthorizeIngress(ctx, "sg-rds", 3306, "sg-cluster"))

	assert.True(t, providers.IsNotFound(e.DeleteSecurityGroup(ctx, "sg-gone")))
}

type fakeRDS struct {
	RDSAPI
	instances  map[string]rdstypes.DBInstance
	lastCreate *rds.CreateDBInstanceInput
	lastDelete *rds.DeleteDBInstanceInput
}

func (f *fakeRDS) DescribeDBInstances(_ context.Context, in *rds.DescribeDBInstancesInput, _ ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error) {
	db, ok := f.instances[aws.ToString(in.DBInstanceIdentifier)]
	if !ok {
		return nil, &rdstypes.DBInstanceNotFoundFault{Message: aws.String("not found")}
	}
	return &rds.DescribeDBInstancesOutput{DBInstances: []rdstypes.DBInstance{db}}, nil
}

func (f *fakeRDS) CreateDBInstance(_ context.Context, in *rds.CreateDBInstanceInput, _ ...func(*rds.Options)) (*rds.CreateDBInstanceOutput, error) {
	f.lastCreate = in
	db := rdstypes.DBInstance{DBInstanceIdentifier: in.DBInstanceIdentifier, DBInstanceStatus: aws.String("creating")}
	f.instances[aws.ToString(in.DBInstanceIdentifier)] = db
	return &rds.CreateDBInstanceOutput{DBInstance: &db}, nil
}

func (f *fakeRDS) DeleteDBInstance(_ context.Context, in *rds.DeleteDBInstanceInput, _ ...func(*rds.Options)) (*rds.DeleteDBInstanceOutput, error) {
	f.lastDelete = in
	return &rds.DeleteDBInstanceOutput{}, nil
}

func TestRDSInstances(t *testing.T) {
	ctx := context.Background()
	fake := &fakeRDS{instances: map[string]rdstypes.DBInstance{}}
	r := NewRDS(fake)

	_, err := r.DescribeDBInstance(ctx, "moodle-db")
	assert.True(t, providers.IsNotFound(err))

	db, err := r.CreateDBInstance(ctx, providers.DBInstanceSpec{
		Identifier:       "moodle-db",
		Engine:           "mysql",
		InstanceClass:    "db.t3.micro",
		AllocatedStorage: 20,
		Username:         "moodleadmin",
		Password:         "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, providers.DBCreating, db.Status)
	assert.False(t, aws.ToBool(fake.lastCreate.PubliclyAccessible))
	assert.Nil(t, fake.lastCreate.EngineVersion)

	fake.instances["moodle-db"] = rdstypes.DBInstance{
		DBInstanceIdentifier: aws.String("moodle-db"),
		DBInstanceStatus:     aws.String("available"),
		Endpoint:             &rdstypes.Endpoint{Address: aws.String("moodle-db.abc.rds.amazonaws.com"), Port: aws.Int32(3306)},
	}
	db, err = r.DescribeDBInstance(ctx, "moodle-db")
	require.NoError(t, err)
	assert.Equal(t, "moodle-db.abc.rds.amazonaws.com", db.Endpoint)
	assert.Equal(t, int32(3306), db.Port)

	require.NoError(t, r.DeleteDBInstance(ctx, "moodle-db"))
	assert.True(t, aws.ToBool(fake.lastDelete.SkipFinalSnapshot))
	assert.True(t, aws.ToBool(fake.lastDelete.DeleteAutomatedBackups))
}

type fakeEFS struct {
	EFSAPI
	createErr error
	targets   []efstypes.MountTargetDescription
}

func (f *fakeEFS) CreateFileSystem(_ context.Context, in *efs.CreateFileSystemInput, _ ...func(*efs.Options)) (*efs.CreateFileSystemOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &efs.CreateFileSystemOutput{
		FileSystemId:   aws.String("fs-1"),
		CreationToken:  in.CreationToken,
		LifeCycleState: efstypes.LifeCycleStateCreating,
	}, nil
}

func (f *fakeEFS) DescribeMountTargets(_ context.Context, _ *efs.DescribeMountTargetsInput, _ ...func(*efs.Options)) (*efs.DescribeMountTargetsOutput, error) {
	return &efs.DescribeMountTargetsOutput{MountTargets: f.targets}, nil
}

func TestEFS(t *testing.T) {
	ctx := context.Background()

	t.Run("create", func(t *testing.T) {
		fs, err := NewEFS(&fakeEFS{}).CreateFileSystem(ctx, providers.FileSystemSpec{CreationToken: "tok"})
		require.NoError(t, err)
		assert.Equal(t, "fs-1", fs.ID)
		assert.Equal(t, providers.FileSystemCreating, fs.State)
	})

	t.Run("token collision returns existing id", func(t *testing.T) {
		fake := &fakeEFS{createErr: &efstypes.FileSystemAlreadyExists{FileSystemId: aws.String("fs-old"), Message: aws.String("exists")}}
		fs, err := NewEFS(fake).CreateFileSystem(ctx, providers.FileSystemSpec{CreationToken: "tok"})
		assert.True(t, providers.IsAlreadyExists(err))
		require.NotNil(t, fs)
		assert.Equal(t, "fs-old", fs.ID)
	})

	t.Run("deleted mount targets are skipped", func(t *testing.T) {
		fake := &fakeEFS{targets: []efstypes.MountTargetDescription{
			{MountTargetId: aws.String("fsmt-1"), SubnetId: aws.String("subnet-a"), LifeCycleState: efstypes.LifeCycleStateAvailable},
			{MountTargetId: aws.String("fsmt-2"), SubnetId: aws.String("subnet-b"), LifeCycleState: efstypes.LifeCycleStateDeleted},
		}}
		targets, err := NewEFS(fake).ListMountTargets(ctx, "fs-1")
		require.NoError(t, err)
		require.Len(t, targets, 1)
		assert.Equal(t, "fsmt-1", targets[0].ID)
	})
}

type fakeS3 struct {
	S3API
	headErr      error
	createInput  *s3.CreateBucketInput
	createErr    error
	versioning   bool
	tagged       bool
	versions     int
	deleteCalls  []int
	bucketDelete bool
}

func (f *fakeS3) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.headErr
}

func (f *fakeS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.createInput = in
	return &s3.CreateBucketOutput{}, f.createErr
}

func (f *fakeS3) PutPublicAccessBlock(_ context.Context, _ *s3.PutPublicAccessBlockInput, _ ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error) {
	return &s3.PutPublicAccessBlockOutput{}, nil
}

func (f *fakeS3) PutBucketVersioning(_ context.Context, _ *s3.PutBucketVersioningInput, _ ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error) {
	f.versioning = true
	return &s3.PutBucketVersioningOutput{}, nil
}

func (f *fakeS3) PutBucketTagging(_ context.Context, _ *s3.PutBucketTaggingInput, _ ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error) {
	f.tagged = true
	return &s3.PutBucketTaggingOutput{}, nil
}

func (f *fakeS3) ListObjectVersions(_ context.Context, _ *s3.ListObjectVersionsInput, _ ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error) {
	out := &s3.ListObjectVersionsOutput{IsTruncated: aws.Bool(false)}
	for i := 0; i < f.versions; i++ {
		key := aws.String(fmt.Sprintf("file-%d", i))
		out.Versions = append(out.Versions, s3types.ObjectVersion{Key: key, VersionId: aws.String("v1")})
	}
	out.DeleteMarkers = []s3types.DeleteMarkerEntry{{Key: aws.String("gone"), VersionId: aws.String("dm1")}}
	return out, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.deleteCalls = append(f.deleteCalls, len(in.Delete.Objects))
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) DeleteBucket(_ context.Context, _ *s3.DeleteBucketInput, _ ...func(*s3.Options)) (*s3.DeleteBucketOutput, error) {
	f.bucketDelete = true
	return &s3.DeleteBucketOutput{}, nil
}

func TestS3CreateBucket(t *testing.T) {
	ctx := context.Background()

	t.Run("us-east-1 has no location constraint", func(t *testing.T) {
		fake := &fakeS3{}
		require.NoError(t, NewS3(fake, "us-east-1").CreateBucket(ctx, providers.BucketSpec{Name: "b"}))
		assert.Nil(t, fake.createInput.CreateBucketConfiguration)
		assert.False(t, fake.versioning)
		assert.False(t, fake.tagged)
	})

	t.Run("other regions set the constraint", func(t *testing.T) {
		fake := &fakeS3{}
		spec := providers.BucketSpec{Name: "b", Region: "eu-west-1", Versioning: true, Tags: map[string]string{"app": "moodle"}}
		require.NoError(t, NewS3(fake, "us-east-1").CreateBucket(ctx, spec))
		require.NotNil(t, fake.createInput.CreateBucketConfiguration)
		assert.Equal(t, s3types.BucketLocationConstraint("eu-west-1"), fake.createInput.CreateBucketConfiguration.LocationConstraint)
		assert.True(t, fake.versioning)
		assert.True(t, fake.tagged)
	})

	t.Run("already owned", func(t *testing.T) {
		fake := &fakeS3{createErr: &s3types.BucketAlreadyOwnedByYou{}}
		err := NewS3(fake, "us-east-1").CreateBucket(ctx, providers.BucketSpec{Name: "b"})
		assert.True(t, providers.IsAlreadyExists(err))
	})

	t.Run("head missing", func(t *testing.T) {
		fake := &fakeS3{headErr: &s3types.NotFound{}}
		assert.True(t, providers.IsNotFound(NewS3(fake, "us-east-1").HeadBucket(ctx, "b")))
	})
}

func TestS3EmptyBucketBatches(t *testing.T) {
	fake := &fakeS3{versions: 2400}
	n, err := NewS3(fake, "us-east-1").EmptyBucket(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, 2401, n)
	assert.Equal(t, []int{1000, 1000, 401}, fake.deleteCalls)
}

type fakeRoute53 struct {
	Route53API
	zones      []r53types.HostedZone
	records    []r53types.ResourceRecordSet
	changeErr  error
	lastChange *route53.ChangeResourceRecordSetsInput
}

func (f *fakeRoute53) ListHostedZonesByName(_ context.Context, _ *route53.ListHostedZonesByNameInput, _ ...func(*route53.Options)) (*route53.ListHostedZonesByNameOutput, error) {
	return &route53.ListHostedZonesByNameOutput{HostedZones: f.zones}, nil
}

func (f *fakeRoute53) ListResourceRecordSets(_ context.Context, _ *route53.ListResourceRecordSetsInput, _ ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error) {
	return &route53.ListResourceRecordSetsOutput{ResourceRecordSets: f.records}, nil
}

func (f *fakeRoute53) ChangeResourceRecordSets(_ context.Context, in *route53.ChangeResourceRecordSetsInput, _ ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error) {
	f.lastChange = in
	if f.changeErr != nil {
		return nil, f.changeErr
	}
	return &route53.ChangeResourceRecordSetsOutput{ChangeInfo: &r53types.ChangeInfo{Id: aws.String("/change/C1"), Status: r53types.ChangeStatusPending}}, nil
}

func TestRoute53(t *testing.T) {
	ctx := context.Background()
	fake := &fakeRoute53{
		zones: []r53types.HostedZone{
			{Id: aws.String("/hostedzone/ZPRIVATE"), Name: aws.String("example.com."), Config: &r53types.HostedZoneConfig{PrivateZone: true}},
			{Id: aws.String("/hostedzone/ZPUBLIC"), Name: aws.String("example.com.")},
		},
		records: []r53types.ResourceRecordSet{{
			Name: aws.String("moodle.example.com."),
			Type: r53types.RRTypeA,
			AliasTarget: &r53types.AliasTarget{
				DNSName:      aws.String("k8s-moodle-123.us-east-1.elb.amazonaws.com."),
				HostedZoneId: aws.String("Z35SXDOTRQ7X7K"),
			},
		}},
	}
	r := NewRoute53(fake)

	zone, err := r.FindHostedZone(ctx, "Example.com")
	require.NoError(t, err)
	assert.Equal(t, "ZPUBLIC", zone.ID)

	rec, err := r.FindAliasRecord(ctx, "ZPUBLIC", "moodle.example.com", "A")
	require.NoError(t, err)
	assert.Equal(t, providers.AliasRecord{
		Name:        "moodle.example.com",
		Type:        "A",
		AliasTarget: "k8s-moodle-123.us-east-1.elb.amazonaws.com",
		AliasZoneID: "Z35SXDOTRQ7X7K",
	}, *rec)

	_, err = r.FindAliasRecord(ctx, "ZPUBLIC", "other.example.com", "A")
	assert.True(t, providers.IsNotFound(err))

	id, err := r.DeleteAliasRecord(ctx, "ZPUBLIC", *rec)
	require.NoError(t, err)
	assert.Equal(t, "/change/C1", id)
	change := fake.lastChange.ChangeBatch.Changes[0]
	assert.Equal(t, r53types.ChangeActionDelete, change.Action)
	assert.Equal(t, "moodle.example.com.", aws.ToString(change.ResourceRecordSet.Name))
	assert.Equal(t, "Z35SXDOTRQ7X7K", aws.ToString(change.ResourceRecordSet.AliasTarget.HostedZoneId))

	tests := []struct {
		name     string
		err      error
		notFound bool
	}{
		{"deleted", apiErr("InvalidChangeBatch", "[Tried to delete resource record set [name='moodle.example.com.', type='A'] but it was not found]"), true},
		{"repointed", apiErr("InvalidChangeBatch", "[Tried to delete resource record set [name='moodle.example.com.', type='A'] but the values provided do not match the current values]"), true},
		{"other batch error", apiErr("InvalidChangeBatch", "[RRSet of type A with DNS name moodle.example.com. is not permitted]"), false},
		{"throttled", apiErr("Throttling", "Rate exceeded"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake.changeErr = tt.err
			_, err := r.DeleteAliasRecord(ctx, "ZPUBLIC", *rec)
			require.Error(t, err)
			assert.Equal(t, tt.notFound, providers.IsNotFound(err))
		})
	}
}

type fakeELB struct {
	lbs []elbtypes.LoadBalancer
}

func (f *fakeELB) DescribeLoadBalancers(_ context.Context, _ *elbv2.DescribeLoadBalancersInput, _ ...func(*elbv2.Options)) (*elbv2.DescribeLoadBalancersOutput, error) {
	return &elbv2.DescribeLoadBalancersOutput{LoadBalancers: f.lbs}, nil
}

func TestELBFindByDNSName(t *testing.T) {
	e := NewELB(&fakeELB{lbs: []elbtypes.LoadBalancer{
		{DNSName: aws.String("other.elb.amazonaws.com"), CanonicalHostedZoneId: aws.String("ZOTHER")},
		{
			LoadBalancerArn:       aws.String("arn:lb"),
			DNSName:               aws.String("K8s-Moodle-123.us-east-1.elb.amazonaws.com"),
			CanonicalHostedZoneId: aws.String("Z35SXDOTRQ7X7K"),
			State:                 &elbtypes.LoadBalancerState{Code: elbtypes.LoadBalancerStateEnumActive},
		},
	}})

	lb, err := e.FindLoadBalancerByDNSName(context.Background(), "dualstack.k8s-moodle-123.us-east-1.elb.amazonaws.com.")
	require.NoError(t, err)
	assert.Equal(t, "Z35SXDOTRQ7X7K", lb.CanonicalHostedZoneID)
	assert.Equal(t, "active", lb.State)

	_, err = e.FindLoadBalancerByDNSName(context.Background(), "missing.elb.amazonaws.com")
	assert.True(t, providers.IsNotFound(err))
}
