package manual

import (
	"context"
	"testing"

	"github.com/openfroyo/clusterforge/pkg/engine"
	"github.com/openfroyo/clusterforge/pkg/models"
	"github.com/openfroyo/clusterforge/pkg/stores"
	"github.com/rs/zerolog"
)

func setup(t *testing.T) (*Engine, engine.Deps) {
	t.Helper()

	kv, err := stores.NewBadgerStore(stores.BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	deps := engine.Deps{Manager: models.NewManager(kv), Logger: zerolog.Nop()}

	cluster := models.NewCluster("acme", "imported")
	cluster.SetKubeconfig(map[string]any{"apiVersion": "v1", "kind": "Config"})
	if err := deps.Manager.Save(context.Background(), cluster, true); err != nil {
		t.Fatalf("failed to save cluster: %v", err)
	}

	return New(cluster, nil, deps), deps
}

func TestManual_Provision(t *testing.T) {
	ctx := context.Background()
	e, deps := setup(t)

	if err := e.Provision(ctx); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	// Idempotent
	if err := e.Provision(ctx); err != nil {
		t.Fatalf("second Provision() error = %v", err)
	}

	stored, err := deps.Manager.LoadCluster(ctx, "acme", e.Cluster.ID())
	if err != nil {
		t.Fatalf("LoadCluster() error = %v", err)
	}
	if stored.State() != models.ClusterStateOK {
		t.Errorf("state = %s, want OK", stored.State())
	}
}

func TestManual_Contract(t *testing.T) {
	ctx := context.Background()
	e, _ := setup(t)

	info := e.ClusterGet(ctx)
	if info.ID != e.Cluster.ID() || info.State != models.ClusterStateOK || info.Name != "imported" {
		t.Errorf("ClusterGet() = %+v", info)
	}

	if got := e.ClusterList(ctx); len(got) != 0 {
		t.Errorf("ClusterList() = %v, want empty", got)
	}

	kc, err := e.GetKubeconfig(ctx)
	if err != nil || kc["kind"] != "Config" {
		t.Errorf("GetKubeconfig() = %v, %v", kc, err)
	}

	p := e.GetProgress(ctx)
	if !p.OK() || p.Progress != 100 || p.Result != "OK" {
		t.Errorf("GetProgress() = %+v", p)
	}

	if err := e.Deprovision(ctx); err != nil {
		t.Errorf("Deprovision() error = %v", err)
	}
	if err := e.Resize(ctx, 3); err == nil {
		t.Error("expected Resize() to be unsupported")
	}
}

func TestManual_Factory(t *testing.T) {
	reg := engine.NewRegistry()
	reg.MustRegister(Factory())

	state, err := reg.Status(context.Background(), Name, nil, engine.Deps{})
	if err != nil || state != models.ProvisionerStateOK {
		t.Errorf("Status() = %s, %v", state, err)
	}
}
