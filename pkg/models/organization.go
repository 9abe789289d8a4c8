package models

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Organization is a tenant. Its namespace scopes every namespaced record.
type Organization struct {
	Meta

	name      String
	ns        String
	policy    JSON
	createdAt Datetime
}

func (o *Organization) Kind() string { return KindOrganization }
func (o *Organization) Global() bool { return true }

func (o *Organization) Fields() []NamedField {
	return []NamedField{
		{Name: "name", Field: &o.name, Required: true},
		{Name: "namespace", Field: &o.ns, Required: true, Rule: "hostname_rfc1123"},
		{Name: "policy", Field: &o.policy},
		{Name: "created_at", Field: &o.createdAt},
	}
}

// NewOrganization returns an unsaved organization.
func NewOrganization(name, namespace string) *Organization {
	o := &Organization{}
	o.name.Set(name)
	o.ns.Set(namespace)
	return o
}

func (o *Organization) Name() string { return o.name.Get() }

// NamespaceName returns the namespace the organization owns.
func (o *Organization) NamespaceName() string { return o.ns.Get() }

// Policy returns the "<type>:<action>" to rule overrides.
func (o *Organization) Policy() map[string]string {
	out := make(map[string]string)
	for k, v := range o.policy.Map() {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func (o *Organization) SetPolicy(p map[string]string) {
	m := make(map[string]any, len(p))
	for k, v := range p {
		m[k] = v
	}
	o.policy.Set(m)
}

func (o *Organization) CreatedAt() time.Time { return o.createdAt.Get() }

// LoadOrganization loads an organization by id.
func (m *Manager) LoadOrganization(ctx context.Context, id string) (*Organization, error) {
	o := &Organization{}
	if err := m.Load(ctx, o, GlobalNamespace, id); err != nil {
		return nil, err
	}
	return o, nil
}

// ListOrganizations returns every organization.
func (m *Manager) ListOrganizations(ctx context.Context) ([]*Organization, error) {
	recs, err := m.List(ctx, KindOrganization, GlobalNamespace, true)
	if err != nil {
		return nil, err
	}
	out := make([]*Organization, 0, len(recs))
	for _, r := range recs {
		o, ok := r.(*Organization)
		if !ok {
			return nil, fmt.Errorf("unexpected record type %T", r)
		}
		out = append(out, o)
	}
	sortByID(out)
	return out, nil
}

func sortByID[R Record](recs []R) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID() < recs[j].ID() })
}
