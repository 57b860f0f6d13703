package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/chalkan3/moodle-eks/internal/failure"
	"github.com/chalkan3/moodle-eks/internal/plan"
	"github.com/chalkan3/moodle-eks/internal/state"
	"github.com/chalkan3/moodle-eks/pkg/providers"
)

const (
	passwordLength   = 24
	passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Credentials is the JSON document kept in the database secret
type Credentials struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	AdminPassword string `json:"adminPassword"`
}

// ParseCredentials decodes the value of the database secret
func ParseCredentials(value string) (*Credentials, error) {
	var c Credentials
	if err := json.Unmarshal([]byte(value), &c); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	if c.Username == "" || c.Password == "" {
		return nil, fmt.Errorf("credentials secret has no username or password")
	}
	return &c, nil
}

func generatePassword(n int) (string, error) {
	limit := big.NewInt(int64(len(passwordAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		b[i] = passwordAlphabet[idx.Int64()]
	}
	return string(b), nil
}

// database ensures the RDS instance with its security group, subnet group
// and credentials secret
func (o *Orchestrator) database(ctx context.Context, p *plan.Plan) error {
	const stageID = plan.StageDatabase
	spec := p.Database

	info, err := o.clusterDependency(ctx, stageID, p)
	if err != nil {
		return err
	}
	subnets, err := o.clients.Network.ListSubnets(ctx, info.VPCID)
	if err != nil {
		return failure.External(stageID, info.VPCID, err)
	}
	zonal := onePerZone(subnets)
	if len(zonal) < 2 {
		return failure.DependencyMissing(stageID, fmt.Sprintf("subnets in two availability zones of %s", info.VPCID))
	}

	sgID, err := o.ensureSecurityGroup(ctx, stageID, p, info.VPCID, spec.SecurityGroupName,
		"Moodle database access from the EKS cluster", spec.Port, info.ClusterSecurityGroupID, "database")
	if err != nil {
		return err
	}

	if err := o.ensureDBSubnetGroup(ctx, p, subnetIDs(zonal)); err != nil {
		return err
	}

	secret, creds, err := o.ensureCredentials(ctx, p)
	if err != nil {
		return err
	}

	id := spec.Identifier
	db, err := o.clients.Databases.DescribeDBInstance(ctx, id)
	adopted := true
	if providers.IsNotFound(err) {
		adopted = false
		o.logger.Info("creating database instance", "identifier", id, "engine", spec.Engine, "class", spec.InstanceClass)
		db, err = o.clients.Databases.CreateDBInstance(ctx, providers.DBInstanceSpec{
			Identifier:       id,
			Engine:           spec.Engine,
			EngineVersion:    spec.EngineVersion,
			InstanceClass:    spec.InstanceClass,
			AllocatedStorage: int32(spec.AllocatedStorage),
			DBName:           spec.DBName,
			Username:         creds.Username,
			Password:         creds.Password,
			SubnetGroupName:  spec.SubnetGroupName,
			SecurityGroupIDs: []string{sgID},
			Tags:             p.Tags,
		})
		if providers.IsAlreadyExists(err) {
			adopted = true
			db, err = o.clients.Databases.DescribeDBInstance(ctx, id)
		}
	}
	if err != nil {
		return failure.External(stageID, id, err)
	}
	if err := o.record(ctx, stageID, state.ResourceHandle{Kind: state.KindDBInstance, ID: id, Name: id, Adopted: adopted}); err != nil {
		return err
	}

	if db.Status != providers.DBAvailable || db.Endpoint == "" {
		err = o.wait(ctx, p, stageID, id, 0, func(ctx context.Context) (bool, error) {
			cur, err := o.clients.Databases.DescribeDBInstance(ctx, id)
			if err != nil {
				return false, failure.External(stageID, id, err)
			}
			if cur.Status == providers.DBDeleting {
				return false, failure.External(stageID, id, fmt.Errorf("database instance is being deleted"))
			}
			if cur.Status == providers.DBAvailable && cur.Endpoint != "" {
				db = cur
				return true, nil
			}
			return false, nil
		})
		if err != nil {
			return err
		}
	}

	port := db.Port
	if port == 0 {
		port = int32(spec.Port)
	}
	return o.record(ctx, stageID, state.ResourceHandle{
		Kind:    state.KindDBInstance,
		ID:      id,
		Name:    id,
		Adopted: adopted,
		Attributes: map[string]string{
			state.AttrEndpoint:  db.Endpoint,
			state.AttrPort:      strconv.Itoa(int(port)),
			state.AttrSecretARN: secret.ARN,
		},
	})
}

func (o *Orchestrator) ensureDBSubnetGroup(ctx context.Context, p *plan.Plan, subnets []string) error {
	const stageID = plan.StageDatabase
	name := p.Database.SubnetGroupName

	err := o.clients.Databases.DescribeDBSubnetGroup(ctx, name)
	adopted := err == nil
	if providers.IsNotFound(err) {
		err = o.clients.Databases.CreateDBSubnetGroup(ctx, name, "Moodle database subnets for "+p.Name, subnets, p.Tags)
		if providers.IsAlreadyExists(err) {
			adopted, err = true, nil
		}
	}
	if err != nil {
		return failure.External(stageID, name, err)
	}
	return o.record(ctx, stageID, state.ResourceHandle{Kind: state.KindDBSubnetGroup, ID: name, Name: name, Adopted: adopted})
}

// ensureCredentials reuses the stored secret or generates new passwords once
func (o *Orchestrator) ensureCredentials(ctx context.Context, p *plan.Plan) (*providers.Secret, *Credentials, error) {
	const stageID = plan.StageDatabase
	name := p.Database.SecretName

	var creds *Credentials
	secret, err := o.clients.Secrets.GetSecret(ctx, name)
	adopted := err == nil
	if providers.IsNotFound(err) {
		fresh := Credentials{Username: p.Database.Username}
		if fresh.Password, err = generatePassword(passwordLength); err != nil {
			return nil, nil, failure.External(stageID, name, err)
		}
		if fresh.AdminPassword, err = generatePassword(passwordLength); err != nil {
			return nil, nil, failure.External(stageID, name, err)
		}
		value, merr := json.Marshal(fresh)
		if merr != nil {
			return nil, nil, failure.External(stageID, name, merr)
		}
		secret, err = o.clients.Secrets.CreateSecret(ctx, name, string(value), p.Tags)
		switch {
		case providers.IsAlreadyExists(err):
			// lost a race; the stored passwords win
			adopted = true
			secret, err = o.clients.Secrets.GetSecret(ctx, name)
		case err == nil:
			creds = &fresh
		}
	}
	if err != nil {
		return nil, nil, failure.External(stageID, name, err)
	}

	if creds == nil {
		if creds, err = ParseCredentials(secret.Value); err != nil {
			return nil, nil, failure.External(stageID, name, err)
		}
	}
	if err := o.record(ctx, stageID, state.ResourceHandle{
		Kind:       state.KindSecret,
		ID:         name,
		Name:       name,
		Adopted:    adopted,
		Attributes: map[string]string{state.AttrSecretARN: secret.ARN},
	}); err != nil {
		return nil, nil, err
	}
	return secret, creds, nil
}
