package models

import (
	"fmt"
	"strings"
)

// GlobalNamespace is the namespace segment used by global record kinds.
const GlobalNamespace = "global"

// Record is a typed entity persisted under "<root>/<namespace>/<kind>/<id>".
type Record interface {
	// Kind returns the record type name, e.g. "Cluster".
	Kind() string

	// Global reports whether the kind skips namespace isolation.
	Global() bool

	// Fields returns the declared fields, owned by the record.
	Fields() []NamedField

	ID() string
	SetID(id string)
	Namespace() string

	// Key returns the store key the record was last read from or written to.
	Key() string

	meta() *Meta
}

// Meta holds the attributes every record has.
type Meta struct {
	id        Identifier
	namespace string
	key       string
}

// ID returns the record identifier, empty until the first save.
func (m *Meta) ID() string { return m.id.Get() }

// SetID assigns the record identifier.
func (m *Meta) SetID(id string) { m.id.Set(id) }

// Namespace returns the namespace the record lives in.
func (m *Meta) Namespace() string { return m.namespace }

// Key returns the store key the record was last read from or written to.
func (m *Meta) Key() string { return m.key }

func (m *Meta) meta() *Meta { return m }

// registry maps record kinds to constructors.
var registry = map[string]func() Record{
	KindCluster:      func() Record { return &Cluster{} },
	KindProvisioner:  func() Record { return &Provisioner{} },
	KindOrganization: func() Record { return &Organization{} },
	KindUser:         func() Record { return &User{} },
}

// Record kinds
const (
	KindCluster      = "Cluster"
	KindProvisioner  = "Provisioner"
	KindOrganization = "Organization"
	KindUser         = "User"
)

// Kinds returns every registered record kind.
func Kinds() []string {
	return []string{KindCluster, KindProvisioner, KindOrganization, KindUser}
}

func newRecord(kind string) (Record, error) {
	ctor, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return ctor(), nil
}

// kindSegment returns the store path segment of a kind.
func kindSegment(kind string) string {
	return strings.ToLower(kind)
}
