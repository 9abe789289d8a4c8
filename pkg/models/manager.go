package models

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/openfroyo/clusterforge/pkg/stores"
	"github.com/rs/zerolog"
)

// DefaultPrefix is the root of every record key.
const DefaultPrefix = "/clusterforge"

// EngineLookup reports whether an engine name is registered.
type EngineLookup interface {
	Has(name string) bool
}

// Manager maps records onto a stores.KV. It is created once per process
// and passed to every object layer call.
type Manager struct {
	kv        stores.KV
	prefix    string
	secretKey *[32]byte
	engines   EngineLookup
	validate  *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithPrefix sets the root key prefix.
func WithPrefix(prefix string) Option {
	return func(m *Manager) { m.prefix = prefix }
}

// WithSecretKey enables encryption of secret fields. Keys of any length
// are stretched to 32 bytes with SHA-256.
func WithSecretKey(key []byte) Option {
	return func(m *Manager) {
		if len(key) == 0 {
			return
		}
		k := sha256.Sum256(key)
		m.secretKey = &k
	}
}

// WithEngineLookup makes Provisioner saves reject unknown engine names.
func WithEngineLookup(l EngineLookup) Option {
	return func(m *Manager) { m.engines = l }
}

// WithLogger sets the manager logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger.With().Str("component", "models").Logger() }
}

// NewManager creates a record manager on top of kv.
func NewManager(kv stores.KV, opts ...Option) *Manager {
	m := &Manager{
		kv:       kv,
		prefix:   DefaultPrefix,
		validate: newValidator(),
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Prefix returns the store prefix for a kind in a namespace.
func (m *Manager) Prefix(kind string, global bool, namespace string) string {
	if global {
		namespace = GlobalNamespace
	}
	return stores.JoinKey(m.prefix, namespace, kindSegment(kind))
}

// keyFor returns the store key of a record.
func (m *Manager) keyFor(rec Record, namespace, id string) string {
	return stores.JoinKey(m.Prefix(rec.Kind(), rec.Global(), namespace), id)
}

// Save assigns an id when missing, optionally validates the record and
// writes it to the store.
func (m *Manager) Save(ctx context.Context, rec Record, validate bool) error {
	meta := rec.meta()
	if !rec.Global() && meta.namespace == "" {
		return &ValidationError{Kind: rec.Kind(), Field: "namespace", Reason: "namespace is required"}
	}

	if meta.ID() == "" {
		meta.SetID(uuid.NewString())
	}

	for _, nf := range rec.Fields() {
		if dt, ok := nf.Field.(*Datetime); ok && nf.Name == "created_at" && dt.IsEmpty() {
			dt.Set(m.now())
		}
	}

	if validate {
		if err := m.Validate(rec); err != nil {
			return err
		}
	}

	data, err := m.Serialize(ctx, rec)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", rec.Kind(), err)
	}

	key := m.keyFor(rec, meta.namespace, meta.ID())
	if err := m.kv.Write(ctx, key, payload); err != nil {
		return fmt.Errorf("failed to save %s %s: %w", rec.Kind(), meta.ID(), err)
	}
	meta.key = key

	m.logger.Debug().
		Str("kind", rec.Kind()).
		Str("id", meta.ID()).
		Str("key", key).
		Msg("Record saved")

	return nil
}

// Validate checks required fields, field rules and record level constraints.
func (m *Manager) Validate(rec Record) error {
	if err := rec.meta().id.Validate(); err != nil {
		return &ValidationError{Kind: rec.Kind(), Field: "id", Reason: err.Error()}
	}

	for _, nf := range rec.Fields() {
		if nf.Field.IsEmpty() {
			if nf.Required {
				return &ValidationError{Kind: rec.Kind(), Field: nf.Name, Reason: "required field is empty"}
			}
			continue
		}

		if err := nf.Field.Validate(); err != nil {
			return &ValidationError{Kind: rec.Kind(), Field: nf.Name, Reason: err.Error()}
		}

		if nf.Rule != "" {
			if err := m.validate.Var(nf.Field.Value(), nf.Rule); err != nil {
				return &ValidationError{Kind: rec.Kind(), Field: nf.Name, Reason: err.Error()}
			}
		}
	}

	if rv, ok := rec.(interface{ validateRecord(*Manager) error }); ok {
		if err := rv.validateRecord(m); err != nil {
			return err
		}
	}

	return nil
}

// Serialize returns the sparse wire form of a record: one string per
// non-empty field, plus the id.
func (m *Manager) Serialize(ctx context.Context, rec Record) (map[string]string, error) {
	c := &codec{ctx: ctx, manager: m, namespace: rec.Namespace()}
	out := make(map[string]string)

	if id := rec.ID(); id != "" {
		out["id"] = id
	}

	for _, nf := range rec.Fields() {
		s, ok, err := nf.Field.Serialize(c)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize %s.%s: %w", rec.Kind(), nf.Name, err)
		}
		if ok {
			out[nf.Name] = s
		}
	}

	return out, nil
}

// Dict returns the plain values of every non-empty field, plus the id.
func Dict(rec Record) map[string]any {
	out := make(map[string]any)
	if id := rec.ID(); id != "" {
		out["id"] = id
	}
	for _, nf := range rec.Fields() {
		if !nf.Field.IsEmpty() {
			out[nf.Name] = nf.Field.Value()
		}
	}
	return out
}

// Load reads the record stored under (namespace, id) into rec. Relations
// are loaded recursively.
func (m *Manager) Load(ctx context.Context, rec Record, namespace, id string) error {
	key := m.keyFor(rec, namespace, id)

	payload, err := m.kv.Read(ctx, key)
	if errors.Is(err, stores.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, rec.Kind(), id)
	}
	if err != nil {
		return fmt.Errorf("failed to load %s %s: %w", rec.Kind(), id, err)
	}

	return m.decode(ctx, rec, namespace, key, id, payload)
}

func (m *Manager) decode(ctx context.Context, rec Record, namespace, key, id string, payload []byte) error {
	var data map[string]string
	if err := json.Unmarshal(payload, &data); err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", rec.Kind(), id, err)
	}

	meta := rec.meta()
	if !rec.Global() {
		meta.namespace = namespace
	}
	meta.key = key
	meta.SetID(id)
	if stored, ok := data["id"]; ok && stored != "" {
		meta.SetID(stored)
	}

	return m.apply(ctx, rec, data)
}

// apply deserializes the fields present in data and leaves the rest alone.
func (m *Manager) apply(ctx context.Context, rec Record, data map[string]string) error {
	c := &codec{ctx: ctx, manager: m, namespace: rec.Namespace()}
	for _, nf := range rec.Fields() {
		s, ok := data[nf.Name]
		if !ok {
			continue
		}
		if err := nf.Field.Deserialize(c, s); err != nil {
			return fmt.Errorf("failed to deserialize %s.%s: %w", rec.Kind(), nf.Name, err)
		}
	}
	return nil
}

// Merge applies a partial update. Keys absent from patch keep their value.
func (m *Manager) Merge(ctx context.Context, rec Record, patch map[string]string) error {
	return m.apply(ctx, rec, patch)
}

// Create builds a record in memory from wire-form values. Nothing is written.
func (m *Manager) Create(ctx context.Context, kind, namespace string, fields map[string]string) (Record, error) {
	rec, err := newRecord(kind)
	if err != nil {
		return nil, err
	}
	if !rec.Global() {
		rec.meta().namespace = namespace
	}
	if id, ok := fields["id"]; ok {
		rec.SetID(id)
	}
	if err := m.apply(ctx, rec, fields); err != nil {
		return nil, err
	}
	return rec, nil
}

// List enumerates records of kind in namespace. Values are nil unless
// returnObjects is set. A missing prefix yields an empty map.
func (m *Manager) List(ctx context.Context, kind, namespace string, returnObjects bool) (map[string]Record, error) {
	proto, err := newRecord(kind)
	if err != nil {
		return nil, err
	}

	nodes, err := m.kv.List(ctx, m.Prefix(kind, proto.Global(), namespace))
	if errors.Is(err, stores.ErrKeyNotFound) {
		return map[string]Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}

	out := make(map[string]Record, len(nodes))
	for _, node := range nodes {
		if node.Value == nil {
			continue
		}

		id := path.Base(node.Key)
		if !returnObjects {
			out[id] = nil
			continue
		}

		rec, _ := newRecord(kind)
		if err := m.decode(ctx, rec, namespace, node.Key, id, node.Value); err != nil {
			return nil, err
		}
		out[id] = rec
	}

	return out, nil
}

// Delete removes a record. Records pointing at it are left untouched.
func (m *Manager) Delete(ctx context.Context, rec Record) error {
	if rec.ID() == "" {
		return fmt.Errorf("cannot delete %s without id", rec.Kind())
	}

	key := m.keyFor(rec, rec.Namespace(), rec.ID())
	if err := m.kv.Delete(ctx, key, false); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", rec.Kind(), rec.ID(), err)
	}

	m.logger.Debug().Str("kind", rec.Kind()).Str("id", rec.ID()).Msg("Record deleted")
	return nil
}

// Exists reports whether a record is stored. Only not-found errors
// collapse to false.
func (m *Manager) Exists(ctx context.Context, kind, namespace, id string) (bool, error) {
	rec, err := newRecord(kind)
	if err != nil {
		return false, err
	}

	err = m.Load(ctx, rec, namespace, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Namespaces returns the namespaces of every organization.
func (m *Manager) Namespaces(ctx context.Context) ([]string, error) {
	orgs, err := m.ListOrganizations(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	namespaces := make([]string, 0, len(orgs))
	for _, org := range orgs {
		ns := org.NamespaceName()
		if ns == "" || seen[ns] {
			continue
		}
		seen[ns] = true
		namespaces = append(namespaces, ns)
	}
	return namespaces, nil
}

// HealthCheck verifies the underlying store.
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.kv.HealthCheck(ctx)
}
