package engine

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/clusterforge/pkg/models"
	"github.com/openfroyo/clusterforge/pkg/stores"
	"github.com/rs/zerolog"
)

// mockEngine is a hand-written Engine whose backend view is set by the test.
type mockEngine struct {
	Base

	mu         sync.Mutex
	info       ClusterInfo
	provisions int
}

func (m *mockEngine) Provision(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provisions++
	return nil
}

func (m *mockEngine) Deprovision(ctx context.Context) error { return DefaultDeprovision(ctx, m) }

func (m *mockEngine) ClusterGet(context.Context) ClusterInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

func (m *mockEngine) GetKubeconfig(context.Context) (map[string]any, error) {
	return map[string]any{}, nil
}

func newMockFactory(status models.ProvisionerState) Factory {
	return Factory{
		Name:        "mock",
		VerboseName: "Mock",
		Schema: `
url:      string & =~"^https?://"
retries?: int & >=0
`,
		New: func(cluster *models.Cluster, params map[string]any, deps Deps) (Engine, error) {
			return &mockEngine{Base: NewBase("mock", cluster, params, deps)}, nil
		},
		Status: func(context.Context, map[string]any, Deps) models.ProvisionerState { return status },
	}
}

func newTestDeps(t *testing.T, reg *Registry) Deps {
	t.Helper()

	kv, err := stores.NewBadgerStore(stores.BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	opts := []models.Option{}
	if reg != nil {
		opts = append(opts, models.WithEngineLookup(reg))
	}
	return Deps{Manager: models.NewManager(kv, opts...), Logger: zerolog.Nop()}
}

func TestStateMap_Translate(t *testing.T) {
	m := StateMap{
		"RUNNING": models.ClusterStateOK,
		"ERROR":   models.ClusterStateError,
	}

	tests := []struct {
		status string
		want   models.ClusterState
	}{
		{status: "RUNNING", want: models.ClusterStateOK},
		{status: "ERROR", want: models.ClusterStateError},
		{status: "running", want: models.ClusterStateUnknown},
		{status: "SOMETHING_NEW", want: models.ClusterStateUnknown},
		{status: "", want: models.ClusterStateUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			if got := m.Translate(tt.status); got != tt.want {
				t.Errorf("Translate(%q) = %s, want %s", tt.status, got, tt.want)
			}
		})
	}
}

func TestDefaultDeprovision(t *testing.T) {
	ctx := context.Background()
	e := &mockEngine{Base: NewBase("mock", models.NewCluster("acme", "demo"), nil, Deps{})}

	if err := e.Deprovision(ctx); err != nil {
		t.Errorf("expected success for empty ClusterGet, got %v", err)
	}

	e.info = ClusterInfo{ID: "x", State: models.ClusterStateOK}
	err := e.Deprovision(ctx)
	if !errors.Is(err, ErrNotImplemented) {
		t.Errorf("expected ErrNotImplemented, got %v", err)
	}
}

func TestBase_Defaults(t *testing.T) {
	ctx := context.Background()
	b := NewBase("mock", nil, map[string]any{"count": float64(3), "name": "x", "flag": "true"}, Deps{})

	if err := b.Resize(ctx, 3); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Resize() = %v, want ErrNotSupported", err)
	}
	if got := b.ClusterList(ctx); got != nil {
		t.Errorf("ClusterList() = %v, want nil", got)
	}
	if p := b.GetProgress(ctx); p.Response == http.StatusOK || p.OK() {
		t.Errorf("GetProgress() = %+v, want a non-200 response", p)
	}
	if b.IntParam("count", 1) != 3 || b.IntParam("missing", 7) != 7 {
		t.Error("IntParam() returned unexpected values")
	}
	if b.Param("name", "") != "x" || b.Param("missing", "d") != "d" {
		t.Error("Param() returned unexpected values")
	}
	if !b.BoolParam("flag", false) {
		t.Error("BoolParam() did not parse string value")
	}
}

func TestClampProgress(t *testing.T) {
	tests := []struct {
		pct   int
		state models.ClusterState
		want  int
	}{
		{pct: 50, state: models.ClusterStateDeploying, want: 50},
		{pct: 150, state: models.ClusterStateDeploying, want: 99},
		{pct: 100, state: models.ClusterStateDeploying, want: 99},
		{pct: 100, state: models.ClusterStateOK, want: 100},
		{pct: -5, state: models.ClusterStateDeploying, want: 0},
	}

	for _, tt := range tests {
		if got := ClampProgress(tt.pct, tt.state); got != tt.want {
			t.Errorf("ClampProgress(%d, %s) = %d, want %d", tt.pct, tt.state, got, tt.want)
		}
	}
}

func TestClusterInfo_Empty(t *testing.T) {
	if !(ClusterInfo{}).Empty() {
		t.Error("zero ClusterInfo should be empty")
	}
	if (ClusterInfo{State: models.ClusterStateOK}).Empty() {
		t.Error("ClusterInfo with state should not be empty")
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(newMockFactory(models.ProvisionerStateOK))

	if err := reg.Register(newMockFactory(models.ProvisionerStateOK)); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if !reg.Has("mock") || reg.Has("nope") {
		t.Error("Has() returned unexpected values")
	}
	if _, err := reg.Get("nope"); !errors.Is(err, ErrUnknownEngine) {
		t.Errorf("Get() = %v, want ErrUnknownEngine", err)
	}
	if len(reg.List()) != 1 {
		t.Errorf("List() = %d factories, want 1", len(reg.List()))
	}

	bad := Factory{Name: "bad", Schema: "url: string &", New: newMockFactory("").New}
	if err := reg.Register(bad); err == nil {
		t.Error("expected invalid schema to fail registration")
	}
}

func TestRegistry_ValidateParameters(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(newMockFactory(models.ProvisionerStateOK))

	tests := []struct {
		name    string
		params  map[string]any
		wantErr bool
	}{
		{name: "valid", params: map[string]any{"url": "https://ci.example.com"}},
		{name: "extra keys allowed", params: map[string]any{"url": "http://ci", "job": "x"}},
		{name: "optional field", params: map[string]any{"url": "http://ci", "retries": 2}},
		{name: "missing url", params: map[string]any{}, wantErr: true},
		{name: "bad url", params: map[string]any{"url": "ftp://ci"}, wantErr: true},
		{name: "negative retries", params: map[string]any{"url": "http://ci", "retries": -1}, wantErr: true},
		{name: "decoded integer", params: map[string]any{"url": "http://ci", "retries": float64(2)}},
		{name: "fractional retries", params: map[string]any{"url": "http://ci", "retries": 1.5}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.ValidateParameters("mock", tt.params)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateParameters() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, models.ErrValidation) {
				t.Errorf("expected a validation error, got %v", err)
			}
		})
	}

	if err := reg.ValidateParameters("nope", nil); !errors.Is(err, ErrUnknownEngine) {
		t.Errorf("expected ErrUnknownEngine, got %v", err)
	}
}

func TestSaveProvisioner(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	reg.MustRegister(newMockFactory(models.ProvisionerStateNotReachable))
	deps := newTestDeps(t, reg)

	p := models.NewProvisioner("acme", "ci", "mock")
	p.SetParameters(map[string]any{"url": "https://ci", "retries": 3})
	if err := SaveProvisioner(ctx, reg, p, true, deps); err != nil {
		t.Fatalf("SaveProvisioner() error = %v", err)
	}
	if p.State() != models.ProvisionerStateNotReachable {
		t.Errorf("state = %s, want the probed state", p.State())
	}

	bad := models.NewProvisioner("acme", "ci", "mock")
	if err := SaveProvisioner(ctx, reg, bad, false, deps); !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected parameter validation to fail, got %v", err)
	}

	unknown := models.NewProvisioner("acme", "ci", "nope")
	if err := SaveProvisioner(ctx, reg, unknown, false, deps); err == nil {
		t.Error("expected unknown engine to fail")
	}
}

func TestForClusterAndUpdateState(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	reg.MustRegister(newMockFactory(models.ProvisionerStateOK))
	deps := newTestDeps(t, reg)

	p := models.NewProvisioner("acme", "ci", "mock")
	p.SetParameters(map[string]any{"url": "https://ci", "retries": 3})
	if err := SaveProvisioner(ctx, reg, p, false, deps); err != nil {
		t.Fatalf("SaveProvisioner() error = %v", err)
	}

	cluster := models.NewCluster("acme", "demo")
	cluster.SetProvisioner(p)
	cluster.SetState(models.ClusterStateDeploying)
	if err := deps.Manager.Save(ctx, cluster, true); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := deps.Manager.LoadCluster(ctx, "acme", cluster.ID())
	if err != nil {
		t.Fatalf("LoadCluster() error = %v", err)
	}

	e, err := ForCluster(reg, loaded, deps)
	if err != nil {
		t.Fatalf("ForCluster() error = %v", err)
	}
	mock := e.(*mockEngine)

	// Backend reports nothing, state is kept
	if _, err := UpdateState(ctx, e, loaded, deps.Manager, time.Hour); err != nil {
		t.Fatalf("UpdateState() error = %v", err)
	}
	if loaded.State() != models.ClusterStateDeploying {
		t.Errorf("state = %s, want Deploying", loaded.State())
	}

	// Backend reports OK, state is persisted
	mock.info = ClusterInfo{ID: loaded.ID(), State: models.ClusterStateOK}
	if _, err := UpdateState(ctx, e, loaded, deps.Manager, time.Hour); err != nil {
		t.Fatalf("UpdateState() error = %v", err)
	}
	stored, _ := deps.Manager.LoadCluster(ctx, "acme", cluster.ID())
	if stored.State() != models.ClusterStateOK {
		t.Errorf("stored state = %s, want OK", stored.State())
	}

	// Stuck in Deploying past the timeout
	mock.info = ClusterInfo{ID: loaded.ID(), State: models.ClusterStateDeploying}
	loaded.SetCreatedAt(time.Now().Add(-2 * time.Hour))
	if _, err := UpdateState(ctx, e, loaded, deps.Manager, time.Hour); err != nil {
		t.Fatalf("UpdateState() error = %v", err)
	}
	if loaded.State() != models.ClusterStateError {
		t.Errorf("state = %s, want Error after provision timeout", loaded.State())
	}

	orphan := models.NewCluster("acme", "orphan")
	if _, err := ForCluster(reg, orphan, deps); !errors.Is(err, ErrNoProvisioner) {
		t.Errorf("expected ErrNoProvisioner, got %v", err)
	}
}

func TestBackendError(t *testing.T) {
	b := NewBase("jenkins", nil, nil, Deps{})
	err := b.Backend(ErrorClassTransient, "provision", "request failed", errors.New("connection refused")).
		WithCode(ErrCodeTimeout)

	if !IsRetryable(err) {
		t.Error("transient error should be retryable")
	}
	if got := err.Error(); got != "provision: jenkins request failed: connection refused" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, &BackendError{Class: ErrorClassTransient, Code: ErrCodeTimeout}) {
		t.Error("errors.Is should match class and code")
	}

	perm := NewBackendError(ErrorClassPermanent, "gke", "bad credentials", nil)
	if IsRetryable(perm) {
		t.Error("permanent error should not be retryable")
	}
	if !IsRetryable(context.DeadlineExceeded) {
		t.Error("deadline exceeded should be retryable")
	}

	tests := []struct {
		status int
		want   ErrorClass
	}{
		{status: http.StatusTooManyRequests, want: ErrorClassThrottled},
		{status: http.StatusConflict, want: ErrorClassConflict},
		{status: http.StatusBadGateway, want: ErrorClassTransient},
		{status: http.StatusUnauthorized, want: ErrorClassPermanent},
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}
