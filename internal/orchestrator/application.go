package orchestrator

import (
	"context"
	"fmt"

	"github.com/chalkan3/moodle-eks/internal/failure"
	"github.com/chalkan3/moodle-eks/internal/plan"
	"github.com/chalkan3/moodle-eks/pkg/manifests"
	"github.com/chalkan3/moodle-eks/pkg/providers"
)

// applicationInputs gathers the database connection and the filesystem id
// from the live resources of the earlier stages
func (o *Orchestrator) applicationInputs(ctx context.Context, stageID string, p *plan.Plan) (manifests.Inputs, error) {
	var in manifests.Inputs

	fs, err := o.clients.FileSystems.FindFileSystem(ctx, p.Storage.FileSystemToken)
	if providers.IsNotFound(err) {
		return in, failure.DependencyMissing(stageID, "filesystem "+p.Storage.FileSystemToken)
	}
	if err != nil {
		return in, failure.External(stageID, p.Storage.FileSystemToken, err)
	}
	if fs.ID == "" {
		return in, failure.DependencyMissing(stageID, "filesystem id")
	}

	db, err := o.clients.Databases.DescribeDBInstance(ctx, p.Database.Identifier)
	if providers.IsNotFound(err) {
		return in, failure.DependencyMissing(stageID, "database "+p.Database.Identifier)
	}
	if err != nil {
		return in, failure.External(stageID, p.Database.Identifier, err)
	}
	if db.Endpoint == "" {
		return in, failure.DependencyMissing(stageID, "database endpoint")
	}

	secret, err := o.clients.Secrets.GetSecret(ctx, p.Database.SecretName)
	if providers.IsNotFound(err) {
		return in, failure.DependencyMissing(stageID, "database credentials "+p.Database.SecretName)
	}
	if err != nil {
		return in, failure.External(stageID, p.Database.SecretName, err)
	}
	creds, err := ParseCredentials(secret.Value)
	if err != nil {
		return in, failure.External(stageID, p.Database.SecretName, err)
	}

	port := int(db.Port)
	if port == 0 {
		port = p.Database.Port
	}
	in.FileSystemID = fs.ID
	in.Connection = manifests.Connection{
		Host:          db.Endpoint,
		Port:          port,
		Username:      creds.Username,
		Password:      creds.Password,
		AdminPassword: creds.AdminPassword,
	}
	return in, nil
}

// application creates the Moodle objects and waits for the pods
func (o *Orchestrator) application(ctx context.Context, p *plan.Plan) error {
	const stageID = plan.StageApplication

	kube, _, err := o.kubernetes(ctx, stageID, p)
	if err != nil {
		return err
	}
	in, err := o.applicationInputs(ctx, stageID, p)
	if err != nil {
		return err
	}

	for _, obj := range manifests.Objects(p, in) {
		if _, err := o.ensureObject(ctx, stageID, kube, obj); err != nil {
			return err
		}
	}

	ns, name := p.App.Namespace, p.App.DeploymentName
	id := ns + "/" + name
	return o.wait(ctx, p, stageID, id, 0, func(ctx context.Context) (bool, error) {
		st, err := kube.DeploymentStatus(ctx, ns, name)
		if err != nil {
			return false, failure.External(stageID, id, fmt.Errorf("deployment status: %w", err))
		}
		o.logger.Debug("deployment rollout", "deployment", id, "desired", st.Desired, "available", st.Available)
		return st.Desired > 0 && st.Available >= st.Desired, nil
	})
}
