package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/clusterforge/pkg/engine"
)

// testConfig writes a configuration keeping every record under dir.
func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := `
store:
  backend: badger
  badger:
    path: ` + filepath.Join(dir, "badger") + `
cache:
  backend: memory
reconcile:
  task_timeout: 5s
telemetry:
  logging:
    level: error
  metrics:
    enabled: false
`
	path := filepath.Join(dir, "clusterforge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// run executes the CLI with args and returns what it printed to stdout.
func run(t *testing.T, configFile string, args ...string) (string, error) {
	t.Helper()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	stdout := os.Stdout
	os.Stdout = w

	out := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		out <- buf.String()
	}()

	cmd := newRootCommand("test", "none", "today")
	cmd.SetArgs(append([]string{"--config", configFile}, args...))
	runErr := cmd.ExecuteContext(context.Background())

	w.Close()
	os.Stdout = stdout
	return <-out, runErr
}

func runJSON(t *testing.T, configFile string, v any, args ...string) {
	t.Helper()
	out, err := run(t, configFile, append(args, "--json")...)
	if err != nil {
		t.Fatalf("%v failed: %v", args, err)
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		t.Fatalf("%v printed invalid JSON %q: %v", args, out, err)
	}
}

func TestCLI_Lifecycle(t *testing.T) {
	cfgFile := testConfig(t)

	var org map[string]any
	runJSON(t, cfgFile, &org, "organization", "create", "Acme")
	orgID, _ := org["id"].(string)
	if orgID == "" || org["namespace"] != "acme" {
		t.Fatalf("organization = %v", org)
	}

	var alice, bob map[string]any
	runJSON(t, cfgFile, &alice, "user", "create", "alice", "--org", orgID, "--role", "admin", "--password", "pw")
	runJSON(t, cfgFile, &bob, "user", "create", "bob", "--org", orgID)
	aliceID, bobID := alice["id"].(string), bob["id"].(string)
	if _, leaked := alice["password"]; leaked {
		t.Error("password hash printed")
	}

	var prov map[string]any
	runJSON(t, cfgFile, &prov, "provisioner", "create", "local", "--engine", "manual", "-n", "acme", "--owner", aliceID)
	provID := prov["id"].(string)
	if prov["state"] != "OK" {
		t.Errorf("provisioner state = %v", prov["state"])
	}

	var cluster map[string]any
	runJSON(t, cfgFile, &cluster, "cluster", "create", "web", "--provisioner", provID, "-n", "acme", "--as", aliceID, "--meta", "node_count=3")
	clusterID := cluster["id"].(string)
	if cluster["state"] != "OK" {
		t.Errorf("manual cluster state = %v", cluster["state"])
	}

	var clusters []map[string]any
	runJSON(t, cfgFile, &clusters, "cluster", "list", "-n", "acme")
	if len(clusters) != 1 || clusters[0]["id"] != clusterID {
		t.Errorf("clusters = %v", clusters)
	}

	var results []map[string]any
	runJSON(t, cfgFile, &results, "reconcile")
	if len(results) != 1 || results[0]["backend_cached"] != true || results[0]["status_cached"] != false {
		t.Errorf("reconcile results = %v", results)
	}

	var progress engine.Progress
	runJSON(t, cfgFile, &progress, "cluster", "progress", clusterID, "-n", "acme")
	if !progress.OK() || progress.Progress != 100 {
		t.Errorf("progress = %+v", progress)
	}

	if _, err := run(t, cfgFile, "cluster", "update", clusterID, "-n", "acme", "--as", bobID, "--set", "name=mine"); !errors.Is(err, ErrForbidden) {
		t.Errorf("update as member error = %v, want ErrForbidden", err)
	}
	var updated map[string]any
	runJSON(t, cfgFile, &updated, "cluster", "update", clusterID, "-n", "acme", "--as", aliceID,
		"--set", "name=web-2", "--set", "owner="+bobID, "--meta", "node_count=5", "--meta", "zone=eu")
	meta, _ := updated["metadata"].(map[string]any)
	if updated["name"] != "web-2" || updated["owner"] != "User:"+bobID || meta["node_count"] != float64(5) || meta["zone"] != "eu" {
		t.Errorf("updated cluster = %v", updated)
	}
	var reread map[string]any
	runJSON(t, cfgFile, &reread, "cluster", "get", clusterID, "-n", "acme")
	if reread["name"] != "web-2" || reread["state"] != "OK" {
		t.Errorf("cluster after update = %v", reread)
	}
	if _, err := run(t, cfgFile, "cluster", "update", clusterID, "-n", "acme", "--as", bobID, "--set", "owner="+aliceID); err != nil {
		t.Fatalf("owner hands cluster back: %v", err)
	}

	decisions := []struct {
		user    string
		allowed bool
	}{
		{aliceID, true},
		{bobID, false},
	}
	for _, d := range decisions {
		var got map[string]any
		runJSON(t, cfgFile, &got, "policy", "check", "cluster:delete", "cluster/"+clusterID, "--user", d.user, "-n", "acme")
		if got["allowed"] != d.allowed || got["rule"] != "ADMIN_OR_OWNER" {
			t.Errorf("decision for %s = %v", d.user, got)
		}
	}

	if _, err := run(t, cfgFile, "cluster", "delete", clusterID, "-n", "acme", "--as", bobID); !errors.Is(err, ErrForbidden) {
		t.Errorf("delete as member error = %v, want ErrForbidden", err)
	}

	if _, err := run(t, cfgFile, "cluster", "resize", clusterID, "5", "-n", "acme"); !errors.Is(err, engine.ErrNotSupported) {
		t.Errorf("manual resize error = %v, want ErrNotSupported", err)
	}

	if _, err := run(t, cfgFile, "cluster", "delete", clusterID, "-n", "acme", "--as", aliceID); err != nil {
		t.Fatalf("delete as admin: %v", err)
	}
	runJSON(t, cfgFile, &clusters, "cluster", "list", "-n", "acme")
	if len(clusters) != 0 {
		t.Errorf("clusters after delete = %v", clusters)
	}
}

func TestCLI_Errors(t *testing.T) {
	cfgFile := testConfig(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown engine", []string{"provisioner", "create", "x", "--engine", "nope"}, "unknown engine"},
		{"missing organization", []string{"user", "create", "carol", "--org", "absent"}, "record not found"},
		{"bad parameter", []string{"provisioner", "create", "x", "--engine", "manual", "--param", "novalue"}, "key=value"},
		{"bad node count", []string{"cluster", "resize", "id", "zero"}, "invalid node count"},
		{"engine-owned field", []string{"cluster", "update", "id", "--set", "state=OK"}, "cannot be updated"},
		{"empty update", []string{"cluster", "update", "id"}, "nothing to update"},
		{"bad reference", []string{"policy", "check", "cluster:get", "cluster", "--user", "u"}, "record not found"},
		{"worker without nats", []string{"worker"}, "nats.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, cfgFile, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestEngineList(t *testing.T) {
	var engines []map[string]any
	runJSON(t, testConfig(t), &engines, "engine", "list")

	var names []string
	for _, e := range engines {
		names = append(names, e["name"].(string))
	}
	if strings.Join(names, ",") != "gke,jenkins,kubespray,manual" {
		t.Errorf("engines = %v", names)
	}
}

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"node_count=3", "zone=europe-west1-b", "network_policy=true", "labels={\"team\":\"a\"}"})
	if err != nil {
		t.Fatal(err)
	}
	if got["node_count"] != float64(3) || got["zone"] != "europe-west1-b" || got["network_policy"] != true {
		t.Errorf("parseParams() = %v", got)
	}
	if labels, ok := got["labels"].(map[string]any); !ok || labels["team"] != "a" {
		t.Errorf("labels = %v", got["labels"])
	}

	if _, err := parseParams([]string{"=x"}); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestReadParams(t *testing.T) {
	file := filepath.Join(t.TempDir(), "params.yaml")
	content := "control_api: https://jenkins.example.com\njob_name: deploy\nretries: 2\n"
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := readParams(file, []string{"job_name=override"})
	if err != nil {
		t.Fatal(err)
	}
	if got["control_api"] != "https://jenkins.example.com" || got["job_name"] != "override" || got["retries"] != 2 {
		t.Errorf("readParams() = %v", got)
	}
}
