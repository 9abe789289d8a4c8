package engine

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/openfroyo/clusterforge/pkg/cache"
	"github.com/openfroyo/clusterforge/pkg/models"
	"github.com/rs/zerolog"
)

// Engine drives one cluster through a provisioning backend. Every method
// converts backend failures into a returned error or an empty result.
type Engine interface {
	// Name returns the registered engine name.
	Name() string

	// Provision creates the backend cluster. Calling it again for a
	// cluster that already exists must not create a duplicate.
	Provision(ctx context.Context) error

	// Deprovision removes the backend cluster. An absent cluster counts as success.
	Deprovision(ctx context.Context) error

	// ClusterGet reads backend truth. It returns the empty ClusterInfo on any error.
	ClusterGet(ctx context.Context) ClusterInfo

	// ClusterList enumerates backend clusters. Engines that cannot enumerate return nil.
	ClusterList(ctx context.Context) []ClusterInfo

	// Resize changes the node count. Unsupported engines return ErrNotSupported.
	Resize(ctx context.Context, nodeCount int) error

	// GetKubeconfig returns the access document for the cluster.
	GetKubeconfig(ctx context.Context) (map[string]any, error)

	// GetProgress estimates provisioning progress.
	GetProgress(ctx context.Context) Progress
}

// ClusterInfo is the canonical backend view of a cluster.
// The zero value means the backend reported nothing.
type ClusterInfo struct {
	Key      string              `json:"key,omitempty"`
	Name     string              `json:"name,omitempty"`
	ID       string              `json:"id,omitempty"`
	State    models.ClusterState `json:"state,omitempty"`
	Metadata map[string]any      `json:"metadata,omitempty"`
}

// Empty reports whether the backend returned no data.
func (c ClusterInfo) Empty() bool {
	return c.Key == "" && c.Name == "" && c.ID == "" && c.State == "" && len(c.Metadata) == 0
}

// Progress is an advisory provisioning estimate. Response is 200 when the
// estimate could be computed.
type Progress struct {
	Response int    `json:"response"`
	Progress int    `json:"progress"`
	Result   string `json:"result"`
}

// OK reports whether the estimate was computed.
func (p Progress) OK() bool { return p.Response == http.StatusOK }

// ClampProgress bounds an estimate to 0..100, and to 99 while the cluster
// is still deploying.
func ClampProgress(pct int, state models.ClusterState) int {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if state == models.ClusterStateDeploying && pct > 99 {
		pct = 99
	}
	return pct
}

// StateMap translates backend status strings into cluster states.
type StateMap map[string]models.ClusterState

// Translate returns the mapped state, or Unknown for unmapped statuses.
func (m StateMap) Translate(status string) models.ClusterState {
	if s, ok := m[status]; ok {
		return s
	}
	return models.ClusterStateUnknown
}

// Deps are the process wide handles shared by every engine instance.
type Deps struct {
	Manager    *models.Manager
	Cache      cache.Cache
	Logger     zerolog.Logger
	HTTPClient *http.Client
}

// Base carries the state every engine needs and the default behavior of
// the optional operations. Engines embed it.
type Base struct {
	Deps

	name    string
	Cluster *models.Cluster
	Params  map[string]any
	Logger  zerolog.Logger
}

// NewBase returns the embedded part of an engine named name.
func NewBase(name string, cluster *models.Cluster, params map[string]any, deps Deps) Base {
	if params == nil {
		params = map[string]any{}
	}
	logger := deps.Logger.With().Str("engine", name).Logger()
	if cluster != nil {
		logger = logger.With().Str("cluster", cluster.ID()).Logger()
	}
	return Base{
		Deps:    deps,
		name:    name,
		Cluster: cluster,
		Params:  params,
		Logger:  logger,
	}
}

// Name returns the engine name.
func (b *Base) Name() string { return b.name }

// ClusterList returns nil. Enumeration is optional.
func (b *Base) ClusterList(context.Context) []ClusterInfo { return nil }

// Resize is not supported by default.
func (b *Base) Resize(context.Context, int) error { return ErrNotSupported }

// GetProgress cannot compute an estimate by default.
func (b *Base) GetProgress(context.Context) Progress {
	return Progress{Response: http.StatusNotImplemented, Result: string(models.ClusterStateUnknown)}
}

// SaveCluster persists the engine's cluster.
func (b *Base) SaveCluster(ctx context.Context) error {
	if b.Manager == nil {
		return fmt.Errorf("%s engine has no record manager", b.name)
	}
	return b.Manager.Save(ctx, b.Cluster, true)
}

// Backend returns a BackendError for this engine and cluster.
func (b *Base) Backend(class ErrorClass, op, message string, err error) *BackendError {
	be := NewBackendError(class, b.name, message, err).WithOperation(op)
	if b.Cluster != nil {
		be.WithCluster(b.Cluster.ID())
	}
	return be
}

// Param returns a string parameter, or def when absent.
func (b *Base) Param(key, def string) string {
	return StringParam(b.Params, key, def)
}

// IntParam returns an integer parameter, or def when absent or malformed.
func (b *Base) IntParam(key string, def int) int {
	return IntParam(b.Params, key, def)
}

// BoolParam returns a boolean parameter, or def when absent.
func (b *Base) BoolParam(key string, def bool) bool {
	switch v := b.Params[key].(type) {
	case bool:
		return v
	case string:
		if p, err := strconv.ParseBool(v); err == nil {
			return p
		}
	}
	return def
}

// StringParam reads a string out of a parameter bag.
func StringParam(params map[string]any, key, def string) string {
	switch v := params[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case fmt.Stringer:
		return v.String()
	case float64, int, int64:
		return fmt.Sprint(v)
	}
	return def
}

// IntParam reads an integer out of a parameter bag. JSON numbers decode
// as float64 and form values as strings, both are accepted.
func IntParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// DefaultDeprovision treats a cluster the backend reports nothing about as
// already removed. Otherwise it fails with ErrNotImplemented.
//
// An empty ClusterGet can also mean the backend never had the cluster, so
// a success here does not prove a deletion happened.
func DefaultDeprovision(ctx context.Context, e Engine) error {
	if e.ClusterGet(ctx).Empty() {
		return nil
	}
	return fmt.Errorf("%w: deprovision on engine %s", ErrNotImplemented, e.Name())
}
