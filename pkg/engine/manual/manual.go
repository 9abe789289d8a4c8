// Package manual implements the engine for clusters imported with an
// existing kubeconfig. Nothing is created or removed on any backend.
package manual

import (
	"context"
	"net/http"

	"github.com/openfroyo/clusterforge/pkg/engine"
	"github.com/openfroyo/clusterforge/pkg/models"
)

// Name is the registered engine name.
const Name = "manual"

// Engine reflects the stored cluster.
type Engine struct {
	engine.Base
}

// Factory returns the registry entry for the manual engine.
func Factory() engine.Factory {
	return engine.Factory{
		Name:        Name,
		VerboseName: "Manual Engine",
		New: func(cluster *models.Cluster, params map[string]any, deps engine.Deps) (engine.Engine, error) {
			return New(cluster, params, deps), nil
		},
		Status: func(context.Context, map[string]any, engine.Deps) models.ProvisionerState {
			return models.ProvisionerStateOK
		},
	}
}

// New creates a manual engine for cluster.
func New(cluster *models.Cluster, params map[string]any, deps engine.Deps) *Engine {
	return &Engine{Base: engine.NewBase(Name, cluster, params, deps)}
}

// Provision marks the cluster OK. It was provisioned before it was imported.
func (e *Engine) Provision(ctx context.Context) error {
	e.Cluster.SetState(models.ClusterStateOK)
	return e.SaveCluster(ctx)
}

// Deprovision leaves the cluster alone and always succeeds.
func (e *Engine) Deprovision(context.Context) error {
	return nil
}

func (e *Engine) ClusterGet(context.Context) engine.ClusterInfo {
	if e.Cluster == nil || e.Cluster.ID() == "" {
		return engine.ClusterInfo{}
	}
	return engine.ClusterInfo{
		Key:      e.Cluster.Key(),
		Name:     e.Cluster.Name(),
		ID:       e.Cluster.ID(),
		State:    models.ClusterStateOK,
		Metadata: e.Cluster.Metadata(),
	}
}

func (e *Engine) GetKubeconfig(context.Context) (map[string]any, error) {
	return e.Cluster.Kubeconfig(), nil
}

func (e *Engine) GetProgress(context.Context) engine.Progress {
	return engine.Progress{
		Response: http.StatusOK,
		Progress: 100,
		Result:   string(models.ClusterStateOK),
	}
}
