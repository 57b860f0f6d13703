package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chalkan3/moodle-eks/internal/failure"
	"github.com/chalkan3/moodle-eks/internal/plan"
	"github.com/chalkan3/moodle-eks/internal/state"
	"github.com/chalkan3/moodle-eks/pkg/providers"
)

// DefaultKeyDir is where private keys of created key pairs are written
func DefaultKeyDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".moodle-eks", "keys"), nil
}

// writeKeyFile stores key material with owner-only permissions
func writeKeyFile(dir, name, material string) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create key directory: %w", err)
	}
	path := filepath.Join(dir, name+".pem")
	if err := os.WriteFile(path, []byte(material), 0600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}
	return path, nil
}

// cluster ensures the node key pair and the EKS cluster
func (o *Orchestrator) cluster(ctx context.Context, p *plan.Plan) error {
	const stageID = plan.StageCluster

	if err := o.ensureKeyPair(ctx, p); err != nil {
		return err
	}

	name := p.Cluster.Name
	info, err := o.clients.Cluster.DescribeCluster(ctx, name)
	adopted := true
	if providers.IsNotFound(err) {
		adopted = false
		// eksctl runs for many minutes; record first so an interrupted
		// create is still visible to cleanup
		if err := o.record(ctx, stageID, state.ResourceHandle{Kind: state.KindCluster, ID: name, Name: name}); err != nil {
			return err
		}
		o.logger.Info("creating cluster", "cluster", name, "version", p.Cluster.Version, "nodes", fmt.Sprintf("%d-%d", p.Cluster.MinNodes, p.Cluster.MaxNodes))
		err = o.clients.Cluster.CreateCluster(ctx, providers.ClusterSpec{
			Name:         name,
			Region:       p.Region,
			Version:      p.Cluster.Version,
			NodeGroup:    p.Cluster.NodeGroup,
			NodeType:     p.Cluster.NodeType,
			MinNodes:     p.Cluster.MinNodes,
			MaxNodes:     p.Cluster.MaxNodes,
			DesiredNodes: p.Cluster.DesiredNodes,
			KeyPairName:  p.Cluster.KeyPairName,
			Tags:         p.Tags,
		})
		if providers.IsAlreadyExists(err) {
			adopted, err = true, nil
			o.ledger.MarkAdopted(stageID, state.KindCluster, name)
		}
	}
	if err != nil {
		return failure.External(stageID, name, err)
	}

	err = o.wait(ctx, p, stageID, name, 0, func(ctx context.Context) (bool, error) {
		cur, err := o.clients.Cluster.DescribeCluster(ctx, name)
		if err != nil {
			return false, failure.External(stageID, name, err)
		}
		switch cur.Status {
		case providers.ClusterActive:
			info = cur
			return true, nil
		case providers.ClusterFailed, providers.ClusterDeleting:
			return false, failure.External(stageID, name, fmt.Errorf("cluster is %s", cur.Status))
		}
		return false, nil
	})
	if err != nil {
		return err
	}

	return o.record(ctx, stageID, state.ResourceHandle{
		Kind:    state.KindCluster,
		ID:      name,
		Name:    name,
		Adopted: adopted,
		Attributes: map[string]string{
			state.AttrEndpoint:        info.Endpoint,
			state.AttrVPCID:           info.VPCID,
			state.AttrClusterSG:       info.ClusterSecurityGroupID,
			state.AttrVersion:         info.Version,
			state.AttrCertificateData: info.CertificateAuthority,
		},
	})
}

// ensureKeyPair finds or creates the EC2 key pair of the node group
func (o *Orchestrator) ensureKeyPair(ctx context.Context, p *plan.Plan) error {
	const stageID = plan.StageCluster
	name := p.Cluster.KeyPairName
	if name == "" {
		return failure.DependencyMissing(stageID, "key pair name")
	}

	kp, err := o.clients.KeyPairs.DescribeKeyPair(ctx, name)
	if err == nil {
		return o.record(ctx, stageID, state.ResourceHandle{Kind: state.KindKeyPair, ID: name, Name: name, Adopted: true})
	}
	if !providers.IsNotFound(err) {
		return failure.External(stageID, name, err)
	}

	kp, err = o.clients.KeyPairs.CreateKeyPair(ctx, name, p.Tags)
	if providers.IsAlreadyExists(err) {
		return o.record(ctx, stageID, state.ResourceHandle{Kind: state.KindKeyPair, ID: name, Name: name, Adopted: true})
	}
	if err != nil {
		return failure.External(stageID, name, err)
	}

	h := state.ResourceHandle{Kind: state.KindKeyPair, ID: name, Name: name}
	if o.keyDir != "" && kp.PrivateKey != "" {
		path, err := writeKeyFile(o.keyDir, name, kp.PrivateKey)
		if err != nil {
			// the pair exists now; record it before reporting the local failure
			if rerr := o.record(ctx, stageID, h); rerr != nil {
				return rerr
			}
			return failure.External(stageID, name, err)
		}
		h.Attributes = map[string]string{state.AttrKeyFile: path}
	} else {
		o.logger.Warn("private key of the new key pair was not saved", "key_pair", name)
	}
	return o.record(ctx, stageID, h)
}
