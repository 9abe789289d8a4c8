package models

import (
	"context"
	"fmt"
	"time"
)

// ClusterState is the lifecycle state of a cluster.
type ClusterState string

// Cluster states
const (
	ClusterStateUnknown    ClusterState = "Unknown"
	ClusterStateDeploying  ClusterState = "Deploying"
	ClusterStateOK         ClusterState = "OK"
	ClusterStateResizing   ClusterState = "Resizing"
	ClusterStateDestroying ClusterState = "Destroying"
	ClusterStateError      ClusterState = "Error"
)

// ClusterStates returns every valid cluster state.
func ClusterStates() []ClusterState {
	return []ClusterState{
		ClusterStateUnknown,
		ClusterStateDeploying,
		ClusterStateOK,
		ClusterStateResizing,
		ClusterStateDestroying,
		ClusterStateError,
	}
}

// Valid reports whether s is a known cluster state.
func (s ClusterState) Valid() bool {
	for _, known := range ClusterStates() {
		if s == known {
			return true
		}
	}
	return false
}

// Cluster is one managed Kubernetes cluster.
type Cluster struct {
	Meta

	name        String
	state       String
	provisioner Relation
	owner       Relation
	kubeconfig  JSON
	metadata    JSON
	createdAt   Datetime
}

func (c *Cluster) Kind() string { return KindCluster }
func (c *Cluster) Global() bool { return false }

func (c *Cluster) Fields() []NamedField {
	return []NamedField{
		{Name: "name", Field: &c.name, Required: true},
		{Name: "state", Field: &c.state, Rule: "cluster_state"},
		{Name: "provisioner", Field: relationTo(&c.provisioner, KindProvisioner)},
		{Name: "owner", Field: relationTo(&c.owner, KindUser)},
		{Name: "kubeconfig", Field: &c.kubeconfig},
		{Name: "metadata", Field: &c.metadata},
		{Name: "created_at", Field: &c.createdAt},
	}
}

// NewCluster returns an unsaved cluster in namespace with state Unknown.
func NewCluster(namespace, name string) *Cluster {
	c := &Cluster{}
	c.namespace = namespace
	c.name.Set(name)
	c.state.Set(string(ClusterStateUnknown))
	return c
}

func (c *Cluster) Name() string        { return c.name.Get() }
func (c *Cluster) SetName(name string) { c.name.Set(name) }

// State returns the stored state, Unknown when unset.
func (c *Cluster) State() ClusterState {
	if c.state.IsEmpty() {
		return ClusterStateUnknown
	}
	return ClusterState(c.state.Get())
}

func (c *Cluster) SetState(s ClusterState) { c.state.Set(string(s)) }

// Provisioner returns the loaded provisioner, or nil.
func (c *Cluster) Provisioner() *Provisioner {
	p, _ := c.provisioner.Target().(*Provisioner)
	return p
}

func (c *Cluster) SetProvisioner(p *Provisioner) {
	if p == nil {
		c.provisioner.Set(nil)
		return
	}
	c.provisioner.Set(p)
}

// Owner returns the loaded owner, or nil.
func (c *Cluster) Owner() *User {
	u, _ := c.owner.Target().(*User)
	return u
}

func (c *Cluster) SetOwner(u *User) {
	if u == nil {
		c.owner.Set(nil)
		return
	}
	c.owner.Set(u)
}

// Kubeconfig returns the stored kubeconfig document.
func (c *Cluster) Kubeconfig() map[string]any { return c.kubeconfig.Map() }

func (c *Cluster) SetKubeconfig(kc map[string]any) { c.kubeconfig.Set(kc) }

// Metadata returns the engine metadata bag, creating it when absent.
func (c *Cluster) Metadata() map[string]any {
	if c.metadata.Map() == nil {
		c.metadata.Set(map[string]any{})
	}
	return c.metadata.Map()
}

func (c *Cluster) SetMetadata(m map[string]any) { c.metadata.Set(m) }

func (c *Cluster) CreatedAt() time.Time     { return c.createdAt.Get() }
func (c *Cluster) SetCreatedAt(t time.Time) { c.createdAt.Set(t) }

// LoadCluster loads a cluster and its relations.
func (m *Manager) LoadCluster(ctx context.Context, namespace, id string) (*Cluster, error) {
	c := &Cluster{}
	if err := m.Load(ctx, c, namespace, id); err != nil {
		return nil, err
	}
	return c, nil
}

// ListClusters returns every cluster in namespace.
func (m *Manager) ListClusters(ctx context.Context, namespace string) ([]*Cluster, error) {
	recs, err := m.List(ctx, KindCluster, namespace, true)
	if err != nil {
		return nil, err
	}
	out := make([]*Cluster, 0, len(recs))
	for _, r := range recs {
		c, ok := r.(*Cluster)
		if !ok {
			return nil, fmt.Errorf("unexpected record type %T", r)
		}
		out = append(out, c)
	}
	sortByID(out)
	return out, nil
}
