package models

import (
	"context"
	"fmt"
	"time"
)

// ProvisionerState mirrors backend reachability.
type ProvisionerState string

// Provisioner states
const (
	ProvisionerStateOK           ProvisionerState = "OK"
	ProvisionerStateError        ProvisionerState = "Error"
	ProvisionerStateNotReachable ProvisionerState = "Not Reachable"
)

// Valid reports whether s is a known provisioner state.
func (s ProvisionerState) Valid() bool {
	switch s {
	case ProvisionerStateOK, ProvisionerStateError, ProvisionerStateNotReachable:
		return true
	}
	return false
}

// Provisioner selects and parameterizes an engine.
type Provisioner struct {
	Meta

	name       String
	engine     String
	state      String
	parameters Secret
	owner      Relation
	createdAt  Datetime
}

func (p *Provisioner) Kind() string { return KindProvisioner }
func (p *Provisioner) Global() bool { return false }

func (p *Provisioner) Fields() []NamedField {
	return []NamedField{
		{Name: "name", Field: &p.name, Required: true},
		{Name: "engine", Field: &p.engine, Required: true},
		{Name: "state", Field: &p.state, Rule: "provisioner_state"},
		{Name: "parameters", Field: &p.parameters},
		{Name: "owner", Field: relationTo(&p.owner, KindUser)},
		{Name: "created_at", Field: &p.createdAt},
	}
}

func (p *Provisioner) validateRecord(m *Manager) error {
	if m.engines == nil {
		return nil
	}
	if !m.engines.Has(p.Engine()) {
		return &ValidationError{
			Kind:   KindProvisioner,
			Field:  "engine",
			Reason: fmt.Sprintf("engine %q is not registered", p.Engine()),
		}
	}
	return nil
}

// NewProvisioner returns an unsaved provisioner in namespace.
func NewProvisioner(namespace, name, engine string) *Provisioner {
	p := &Provisioner{}
	p.namespace = namespace
	p.name.Set(name)
	p.engine.Set(engine)
	return p
}

func (p *Provisioner) Name() string        { return p.name.Get() }
func (p *Provisioner) SetName(name string) { p.name.Set(name) }
func (p *Provisioner) Engine() string      { return p.engine.Get() }
func (p *Provisioner) SetEngine(e string)  { p.engine.Set(e) }

func (p *Provisioner) State() ProvisionerState     { return ProvisionerState(p.state.Get()) }
func (p *Provisioner) SetState(s ProvisionerState) { p.state.Set(string(s)) }

// Parameters returns the engine parameters, never nil.
func (p *Provisioner) Parameters() map[string]any {
	if m := p.parameters.Map(); m != nil {
		return m
	}
	return map[string]any{}
}

func (p *Provisioner) SetParameters(params map[string]any) { p.parameters.Set(params) }

// Owner returns the loaded owner, or nil.
func (p *Provisioner) Owner() *User {
	u, _ := p.owner.Target().(*User)
	return u
}

func (p *Provisioner) SetOwner(u *User) {
	if u == nil {
		p.owner.Set(nil)
		return
	}
	p.owner.Set(u)
}

func (p *Provisioner) CreatedAt() time.Time { return p.createdAt.Get() }

// LoadProvisioner loads a provisioner and its relations.
func (m *Manager) LoadProvisioner(ctx context.Context, namespace, id string) (*Provisioner, error) {
	p := &Provisioner{}
	if err := m.Load(ctx, p, namespace, id); err != nil {
		return nil, err
	}
	return p, nil
}

// ListProvisioners returns every provisioner in namespace.
func (m *Manager) ListProvisioners(ctx context.Context, namespace string) ([]*Provisioner, error) {
	recs, err := m.List(ctx, KindProvisioner, namespace, true)
	if err != nil {
		return nil, err
	}
	out := make([]*Provisioner, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.(*Provisioner))
	}
	sortByID(out)
	return out, nil
}
