package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/clusterforge/pkg/models"
)

// DefaultProvisionTimeout is how long a cluster may stay Deploying.
const DefaultProvisionTimeout = 3600 * time.Second

// ForCluster resolves the engine of cluster through its provisioner relation.
func ForCluster(reg *Registry, cluster *models.Cluster, deps Deps) (Engine, error) {
	prov := cluster.Provisioner()
	if prov == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoProvisioner, cluster.ID())
	}
	return reg.New(prov.Engine(), cluster, prov.Parameters(), deps)
}

// SaveProvisioner validates the parameters, optionally probes the backend
// and stores the resulting state, then saves p.
func SaveProvisioner(ctx context.Context, reg *Registry, p *models.Provisioner, checkStatus bool, deps Deps) error {
	if err := reg.ValidateParameters(p.Engine(), p.Parameters()); err != nil {
		return err
	}

	if checkStatus {
		state, err := reg.Status(ctx, p.Engine(), p.Parameters(), deps)
		if err != nil {
			return err
		}
		p.SetState(state)
	} else if p.State() == "" {
		p.SetState(models.ProvisionerStateOK)
	}

	return deps.Manager.Save(ctx, p, true)
}

// UpdateState copies the backend state onto the stored cluster. A cluster
// Deploying for longer than provisionTimeout is moved to Error. It returns
// the backend view it acted on.
func UpdateState(ctx context.Context, e Engine, cluster *models.Cluster, mgr *models.Manager, provisionTimeout time.Duration) (ClusterInfo, error) {
	info := e.ClusterGet(ctx)

	current := cluster.State()
	next := current
	if !info.Empty() && info.State != "" {
		next = info.State
	}

	if next == models.ClusterStateDeploying && provisionTimeout > 0 {
		created := cluster.CreatedAt()
		if !created.IsZero() && time.Since(created) > provisionTimeout {
			next = models.ClusterStateError
		}
	}

	if next == current {
		return info, nil
	}

	cluster.SetState(next)
	if err := mgr.Save(ctx, cluster, true); err != nil {
		return info, fmt.Errorf("failed to update state of cluster %s: %w", cluster.ID(), err)
	}
	return info, nil
}
