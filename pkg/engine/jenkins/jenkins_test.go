package jenkins

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/clusterforge/pkg/cache"
	"github.com/openfroyo/clusterforge/pkg/engine"
	"github.com/openfroyo/clusterforge/pkg/models"
	"github.com/openfroyo/clusterforge/pkg/stores"
	"github.com/rs/zerolog"
)

const testKubeconfig = `
apiVersion: v1
kind: Config
current-context: demo
clusters:
  - name: demo
    cluster:
      server: https://10.0.0.1
`

// fakeJenkins serves the subset of the Jenkins API the engine uses.
type fakeJenkins struct {
	mu        sync.Mutex
	builds    []map[string]any
	posts     []map[string]string
	buildGets int
}

func (f *fakeJenkins) addBuild(stack string, result any, timestamp, estimate int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	number := len(f.builds) + 1
	f.builds = append(f.builds, map[string]any{
		"number":            number,
		"result":            result,
		"timestamp":         timestamp,
		"estimatedDuration": estimate,
		"description":       "stack-" + strconv.Itoa(number) + " deployed",
		"actions": []any{
			map[string]any{},
			map[string]any{"parameters": []any{
				map[string]any{"name": "STACK_NAME", "value": stack},
			}},
		},
	})
	return number
}

func (f *fakeJenkins) setResult(number int, result string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds[number-1]["result"] = result
}

func (f *fakeJenkins) setDescription(number int, description string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds[number-1]["description"] = description
}

func (f *fakeJenkins) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Jenkins", "2.440.1")
	})

	mux.HandleFunc("GET /job/{job}/api/json", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"name": r.PathValue("job"), "builds": f.builds})
	})

	mux.HandleFunc("GET /job/{job}/{number}/api/json", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.buildGets++
		n, _ := strconv.Atoi(r.PathValue("number"))
		if n < 1 || n > len(f.builds) {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(f.builds[n-1])
	})

	mux.HandleFunc("GET /job/{job}/{number}/artifact/kubeconfig", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testKubeconfig))
	})

	mux.HandleFunc("POST /job/{job}/buildWithParameters", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		f.mu.Lock()
		f.posts = append(f.posts, form)
		f.mu.Unlock()
		f.addBuild(form["STACK_NAME"], nil, time.Now().UnixMilli(), 600000)
		w.WriteHeader(http.StatusCreated)
	})

	return mux
}

func setup(t *testing.T) (*fakeJenkins, *httptest.Server, engine.Deps, *models.Cluster) {
	t.Helper()

	fake := &fakeJenkins{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	kv, err := stores.NewBadgerStore(stores.BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	deps := engine.Deps{
		Manager: models.NewManager(kv),
		Cache:   cache.NewMemoryCache(time.Minute),
		Logger:  zerolog.Nop(),
	}

	cluster := models.NewCluster("acme", "demo")
	if err := deps.Manager.Save(context.Background(), cluster, true); err != nil {
		t.Fatalf("failed to save cluster: %v", err)
	}

	return fake, srv, deps, cluster
}

func params(url string) map[string]any {
	return map[string]any{
		"url":            url,
		"username":       "admin",
		"password":       "secret",
		"retries":        0,
		"job_parameters": map[string]any{"REGION": "eu-west-1"},
	}
}

func TestJenkins_ProvisionLifecycle(t *testing.T) {
	ctx := context.Background()
	fake, srv, deps, cluster := setup(t)
	e := New(cluster, params(srv.URL), deps)

	if err := e.Provision(ctx); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if len(fake.posts) != 1 {
		t.Fatalf("expected one queued build, got %d", len(fake.posts))
	}
	if fake.posts[0]["STACK_NAME"] != "KQUEEN__"+cluster.ID() || fake.posts[0]["REGION"] != "eu-west-1" {
		t.Errorf("unexpected build parameters: %v", fake.posts[0])
	}

	// Running build
	info := e.ClusterGet(ctx)
	if info.ID != cluster.ID() || info.State != models.ClusterStateDeploying {
		t.Fatalf("ClusterGet() = %+v", info)
	}
	if engine.IntParam(cluster.Metadata(), "external_id", 0) != 1 {
		t.Errorf("external id not stored: %v", cluster.Metadata())
	}

	// Provisioning again must not queue a duplicate
	if err := e.Provision(ctx); err != nil {
		t.Fatalf("second Provision() error = %v", err)
	}
	if len(fake.posts) != 1 {
		t.Errorf("Provision() is not idempotent: %d builds queued", len(fake.posts))
	}

	p := e.GetProgress(ctx)
	if !p.OK() || p.Progress > 99 || p.Result != "Deploying" {
		t.Errorf("GetProgress() = %+v", p)
	}

	fake.setResult(1, "SUCCESS")
	info = e.ClusterGet(ctx)
	if info.State != models.ClusterStateOK || info.Name != "stack-1" {
		t.Errorf("ClusterGet() after success = %+v", info)
	}

	p = e.GetProgress(ctx)
	if p.Progress != 100 || p.Result != "OK" {
		t.Errorf("GetProgress() after success = %+v", p)
	}

	kc, err := e.GetKubeconfig(ctx)
	if err != nil {
		t.Fatalf("GetKubeconfig() error = %v", err)
	}
	if kc["current-context"] != "demo" {
		t.Errorf("GetKubeconfig() = %v", kc)
	}

	// The backend still has the build, the default deprovision refuses
	if err := e.Deprovision(ctx); !errors.Is(err, engine.ErrNotImplemented) {
		t.Errorf("Deprovision() = %v, want ErrNotImplemented", err)
	}
}

func TestJenkins_FinishedBuildsAreCached(t *testing.T) {
	ctx := context.Background()
	fake, srv, deps, cluster := setup(t)
	fake.addBuild("KQUEEN__"+cluster.ID(), "FAILURE", 0, 0)
	cluster.Metadata()["external_id"] = 1

	e := New(cluster, params(srv.URL), deps)
	for i := 0; i < 3; i++ {
		if info := e.ClusterGet(ctx); info.State != models.ClusterStateError {
			t.Fatalf("ClusterGet() = %+v", info)
		}
	}
	if fake.buildGets != 1 {
		t.Errorf("expected one build fetch, got %d", fake.buildGets)
	}
}

func TestJenkins_BlankDescription(t *testing.T) {
	ctx := context.Background()
	fake, srv, deps, cluster := setup(t)

	tests := []struct {
		description string
		wantName    string
	}{
		{"  ", ""},
		{"", ""},
		{"\t\n", ""},
		{" demo-stack ready", "demo-stack"},
	}
	for _, tt := range tests {
		n := fake.addBuild("KQUEEN__"+cluster.ID(), "SUCCESS", 0, 0)
		fake.setDescription(n, tt.description)
		cluster.Metadata()["external_id"] = n

		e := New(cluster, params(srv.URL), deps)
		info := e.ClusterGet(ctx)
		if info.State != models.ClusterStateOK || info.Name != tt.wantName {
			t.Errorf("ClusterGet() with description %q = %+v, want name %q", tt.description, info, tt.wantName)
		}
	}
}

func TestJenkins_UnknownAndMissing(t *testing.T) {
	ctx := context.Background()
	fake, srv, deps, cluster := setup(t)
	fake.addBuild("KQUEEN__"+cluster.ID(), "SOMETHING_NEW", 0, 0)
	fake.addBuild("OTHER__x", "SUCCESS", 0, 0)

	e := New(cluster, params(srv.URL), deps)
	if info := e.ClusterGet(ctx); info.State != models.ClusterStateUnknown {
		t.Errorf("unmapped result gave %s, want Unknown", info.State)
	}

	list := e.ClusterList(ctx)
	if len(list) != 2 || list[1].ID != "" {
		t.Errorf("ClusterList() = %+v", list)
	}

	other := models.NewCluster("acme", "other")
	other.SetID("does-not-exist")
	e2 := New(other, params(srv.URL), deps)
	if info := e2.ClusterGet(ctx); !info.Empty() {
		t.Errorf("ClusterGet() for unknown cluster = %+v", info)
	}
	if err := e2.Deprovision(ctx); err != nil {
		t.Errorf("Deprovision() of absent cluster = %v", err)
	}
}

func TestJenkins_BackendDown(t *testing.T) {
	ctx := context.Background()
	_, srv, deps, cluster := setup(t)
	url := srv.URL
	srv.Close()

	e := New(cluster, params(url), deps)
	if info := e.ClusterGet(ctx); !info.Empty() {
		t.Errorf("ClusterGet() = %+v, want empty", info)
	}

	err := e.Provision(ctx)
	var be *engine.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("Provision() = %v, want BackendError", err)
	}
	if be.Operation != "provision" || be.Cluster != cluster.ID() {
		t.Errorf("unexpected error context: %+v", be)
	}

	if p := e.GetProgress(ctx); p.OK() {
		t.Errorf("GetProgress() = %+v, want failure response", p)
	}

	if state := Status(ctx, params(url), deps); state != models.ProvisionerStateError {
		t.Errorf("Status() = %s, want Error", state)
	}
}

func TestJenkins_Status(t *testing.T) {
	_, srv, deps, _ := setup(t)

	if state := Status(context.Background(), params(srv.URL), deps); state != models.ProvisionerStateOK {
		t.Errorf("Status() = %s, want OK", state)
	}

	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer plain.Close()
	if state := Status(context.Background(), params(plain.URL), deps); state != models.ProvisionerStateError {
		t.Errorf("Status() against non-Jenkins = %s, want Error", state)
	}
}

func TestJenkins_Schema(t *testing.T) {
	reg := engine.NewRegistry()
	reg.MustRegister(Factory())

	if err := reg.ValidateParameters(Name, params("https://ci.example.com")); err != nil {
		t.Errorf("ValidateParameters() error = %v", err)
	}
	if err := reg.ValidateParameters(Name, map[string]any{"url": "https://ci"}); err == nil {
		t.Error("expected missing credentials to fail")
	}
}

func TestStates(t *testing.T) {
	tests := map[string]models.ClusterState{
		"ABORTED":   models.ClusterStateError,
		"FAILURE":   models.ClusterStateError,
		"NOT_BUILT": models.ClusterStateUnknown,
		"SUCCESS":   models.ClusterStateOK,
		"UNSTABLE":  models.ClusterStateUnknown,
		"BOGUS":     models.ClusterStateUnknown,
	}
	for status, want := range tests {
		if got := States.Translate(status); got != want {
			t.Errorf("Translate(%s) = %s, want %s", status, got, want)
		}
	}
}
