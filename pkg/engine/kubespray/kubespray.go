// Package kubespray implements an engine that deploys Kubernetes onto
// existing hosts by running kubespray playbooks with ansible.
//
// Every cluster gets a work directory holding its inventory, the ansible
// log, the kubeconfig artifact and run.json, the record of the last
// playbook run. run.json is the backend truth ClusterGet reports.
package kubespray

import (
	"context"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/clusterforge/pkg/engine"
	"github.com/openfroyo/clusterforge/pkg/models"
	"gopkg.in/yaml.v3"
)

// Name is the registered engine name.
const Name = "kubespray"

const (
	defaultPlaybookCmd = "ansible-playbook"
	defaultSSHUser     = "ubuntu"

	runFile       = "run.json"
	inventoryFile = "hosts.yaml"
	logFile       = "ansible.log"
	artifactsDir  = "artifacts"
)

// Run statuses recorded in run.json.
const (
	statusRunning   = "running"
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusScaling   = "scaling"
	statusResetting = "resetting"
)

// States maps run statuses to cluster states.
var States = engine.StateMap{
	statusRunning:   models.ClusterStateDeploying,
	statusSucceeded: models.ClusterStateOK,
	statusFailed:    models.ClusterStateError,
	statusScaling:   models.ClusterStateResizing,
	statusResetting: models.ClusterStateDestroying,
}

// Schema constrains provisioner parameters.
const Schema = `
#Host: {
	hostname:   string & =~"^[a-z0-9]([-a-z0-9]*[a-z0-9])?$"
	ip:         string & !=""
	access_ip?: string & !=""
}

kubespray_path:        string & !=""
work_dir?:             string & !=""
ansible_playbook_cmd?: string & !=""
ssh_username?:         string & !=""
ssh_key_file?:         string & !=""
masters: [#Host, ...#Host]
workers?: [...#Host]
node_count?: int & >=1
extra_vars?: {...}
`

// Host is one machine of the inventory.
type Host struct {
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
	AccessIP string `json:"access_ip,omitempty"`
}

// run records the last playbook run of a cluster.
type run struct {
	Status     string     `json:"status"`
	Playbook   string     `json:"playbook"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Workers    int        `json:"workers"`
	Error      string     `json:"error,omitempty"`
}

// Engine deploys one cluster with kubespray.
type Engine struct {
	engine.Base

	runner    Runner
	kubespray string
	binary    string
	user      string
	keyFile   string
	dir       string
	stack     string
	masters   []Host
	workers   []Host
}

// Factory returns the registry entry for the kubespray engine.
func Factory() engine.Factory {
	return engine.Factory{
		Name:        Name,
		VerboseName: "Kubespray Engine",
		Schema:      Schema,
		New: func(cluster *models.Cluster, params map[string]any, deps engine.Deps) (engine.Engine, error) {
			e, err := New(cluster, params, deps)
			if err != nil {
				return nil, err
			}
			return e, nil
		},
		Status: Status,
	}
}

// New creates a kubespray engine for cluster.
func New(cluster *models.Cluster, params map[string]any, deps engine.Deps) (*Engine, error) {
	e := &Engine{Base: engine.NewBase(Name, cluster, params, deps)}
	e.runner = execRunner{logger: e.Logger}
	e.kubespray = e.Param("kubespray_path", "")
	e.binary = e.Param("ansible_playbook_cmd", defaultPlaybookCmd)
	e.user = e.Param("ssh_username", defaultSSHUser)
	e.keyFile = e.Param("ssh_key_file", "")
	e.stack = stackName(cluster.ID())

	workDir := e.Param("work_dir", filepath.Join(os.TempDir(), "clusterforge-kubespray"))
	e.dir = filepath.Join(workDir, cluster.ID())

	var err error
	if e.masters, err = hosts(e.Params, "masters"); err != nil {
		return nil, err
	}
	if e.workers, err = hosts(e.Params, "workers"); err != nil {
		return nil, err
	}
	return e, nil
}

// WithRunner replaces the playbook runner.
func (e *Engine) WithRunner(r Runner) *Engine {
	e.runner = r
	return e
}

// Status checks that ansible-playbook can be started and the kubespray
// checkout has its cluster playbook.
func Status(_ context.Context, params map[string]any, deps engine.Deps) models.ProvisionerState {
	logger := deps.Logger.With().Str("engine", Name).Logger()

	binary := engine.StringParam(params, "ansible_playbook_cmd", defaultPlaybookCmd)
	if _, err := exec.LookPath(binary); err != nil {
		logger.Warn().Err(err).Str("command", binary).Msg("ansible-playbook is not available")
		return models.ProvisionerStateError
	}

	playbook := filepath.Join(engine.StringParam(params, "kubespray_path", ""), "cluster.yml")
	if _, err := os.Stat(playbook); err != nil {
		logger.Warn().Err(err).Str("playbook", playbook).Msg("kubespray_path is not a kubespray checkout")
		return models.ProvisionerStateError
	}
	return models.ProvisionerStateOK
}

func hosts(params map[string]any, key string) ([]Host, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	var out []Host
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%s must be a list of hosts: %w", key, err)
	}
	return out, nil
}

// stackName derives a short DNS friendly name from a record id.
func stackName(id string) string {
	u, err := uuid.Parse(id)
	if err != nil {
		return "cf-" + strings.ToLower(id)
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(u[:])
	return "cf-" + strings.ToLower(enc)
}

func (e *Engine) path(elem ...string) string {
	return filepath.Join(append([]string{e.dir}, elem...)...)
}

func (e *Engine) readRun() (run, error) {
	var r run
	b, err := os.ReadFile(e.path(runFile))
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("corrupt %s: %w", runFile, err)
	}
	return r, nil
}

func (e *Engine) writeRun(r run) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	tmp := e.path(runFile + ".tmp")
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, e.path(runFile))
}

// writeInventory renders the inventory with the first workers worker hosts.
func (e *Engine) writeInventory(workers int) error {
	all := map[string]any{}
	controlPlane := map[string]any{}
	nodes := map[string]any{}

	hostVars := func(h Host) map[string]any {
		access := h.AccessIP
		if access == "" {
			access = h.IP
		}
		return map[string]any{
			"ansible_host":   access,
			"ip":             h.IP,
			"access_ip":      access,
			"ansible_user":   e.user,
			"ansible_become": true,
		}
	}
	for _, h := range e.masters {
		all[h.Hostname] = hostVars(h)
		controlPlane[h.Hostname] = map[string]any{}
	}
	for _, h := range e.workers[:workers] {
		all[h.Hostname] = hostVars(h)
		nodes[h.Hostname] = map[string]any{}
	}

	inventory := map[string]any{
		"all": map[string]any{
			"hosts": all,
			"children": map[string]any{
				"kube_control_plane": map[string]any{"hosts": controlPlane},
				"etcd":               map[string]any{"hosts": controlPlane},
				"kube_node":          map[string]any{"hosts": nodes},
				"k8s_cluster": map[string]any{"children": map[string]any{
					"kube_control_plane": map[string]any{},
					"kube_node":          map[string]any{},
				}},
			},
		},
	}

	b, err := yaml.Marshal(inventory)
	if err != nil {
		return fmt.Errorf("failed to encode inventory: %w", err)
	}
	return os.WriteFile(e.path(inventoryFile), b, 0o600)
}

func (e *Engine) initialWorkers() (int, error) {
	want := e.IntParam("node_count", len(e.masters)+len(e.workers))
	workers := want - len(e.masters)
	if workers < 0 || workers > len(e.workers) {
		return 0, e.Backend(engine.ErrorClassPermanent, "provision",
			fmt.Sprintf("node_count %d needs %d worker hosts, %d are listed", want, workers, len(e.workers)), nil).
			WithCode(engine.ErrCodeDenied)
	}
	return workers, nil
}

// playbook runs one playbook and records the outcome in run.json. prev is
// the worker count kept when the run fails.
func (e *Engine) playbook(ctx context.Context, op, name, status string, workers, prev int, vars map[string]any) error {
	r := run{Status: status, Playbook: name, StartedAt: time.Now().UTC(), Workers: prev}
	if err := e.writeRun(r); err != nil {
		return e.Backend(engine.ErrorClassPermanent, op, "failed to record playbook run", err)
	}

	all := map[string]any{
		"kubeconfig_localhost": true,
		"artifacts_dir":        e.path(artifactsDir),
		"cluster_name":         e.stack,
	}
	if extra, ok := e.Params["extra_vars"].(map[string]any); ok {
		for k, v := range extra {
			all[k] = v
		}
	}
	for k, v := range vars {
		all[k] = v
	}

	err := e.runner.Run(ctx, Command{
		Binary:     e.binary,
		Dir:        e.kubespray,
		Playbook:   name,
		Inventory:  e.path(inventoryFile),
		PrivateKey: e.keyFile,
		Vars:       all,
		Log:        e.path(logFile),
	})

	finished := time.Now().UTC()
	r.FinishedAt = &finished
	if err != nil {
		r.Status = statusFailed
		r.Error = err.Error()
		if werr := e.writeRun(r); werr != nil {
			e.Logger.Error().Err(werr).Msg("Failed to record playbook failure")
		}
		return e.Backend(engine.Classify(err), op,
			fmt.Sprintf("%s failed, details in %s", name, e.path(logFile)), err)
	}

	r.Status = statusSucceeded
	r.Workers = workers
	if err := e.writeRun(r); err != nil {
		return e.Backend(engine.ErrorClassPermanent, op, "failed to record playbook run", err)
	}
	return nil
}

// Provision writes the inventory and runs cluster.yml. The kubeconfig
// artifact is stored on the cluster once the run succeeds. A cluster whose
// last run did not fail is not deployed again.
func (e *Engine) Provision(ctx context.Context) error {
	if r, err := e.readRun(); err == nil && r.Status != statusFailed {
		e.Logger.Info().Str("status", r.Status).Msg("Cluster already deployed")
		return nil
	}

	if len(e.masters) == 0 || len(e.masters)%2 == 0 {
		return e.Backend(engine.ErrorClassPermanent, "provision",
			fmt.Sprintf("master count must be odd, got %d", len(e.masters)), nil).WithCode(engine.ErrCodeDenied)
	}
	workers, err := e.initialWorkers()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(e.path(artifactsDir), 0o700); err != nil {
		return e.Backend(engine.ErrorClassPermanent, "provision", "failed to create work directory", err)
	}
	if err := e.writeInventory(workers); err != nil {
		return e.Backend(engine.ErrorClassPermanent, "provision", "failed to write inventory", err)
	}

	meta := e.Cluster.Metadata()
	meta["stack_name"] = e.stack
	meta["master_count"] = len(e.masters)
	meta["worker_count"] = workers
	meta["node_count"] = len(e.masters) + workers
	delete(meta, "status_message")
	if err := e.SaveCluster(ctx); err != nil {
		return err
	}

	if err := e.playbook(ctx, "provision", "cluster.yml", statusRunning, workers, workers, nil); err != nil {
		e.fail(ctx, err)
		return err
	}

	kc, err := e.artifact()
	if err != nil {
		be := e.Backend(engine.ErrorClassPermanent, "provision", "kubeconfig artifact missing", err)
		e.fail(ctx, be)
		return be
	}
	e.Cluster.SetKubeconfig(kc)
	e.Cluster.SetState(models.ClusterStateOK)
	return e.SaveCluster(ctx)
}

// fail stores the failure on the cluster record.
func (e *Engine) fail(ctx context.Context, err error) {
	e.Cluster.Metadata()["status_message"] = err.Error()
	e.Cluster.SetState(models.ClusterStateError)
	if serr := e.SaveCluster(ctx); serr != nil {
		e.Logger.Error().Err(serr).Msg("Failed to save cluster")
	}
}

func (e *Engine) artifact() (map[string]any, error) {
	b, err := os.ReadFile(e.path(artifactsDir, "admin.conf"))
	if err != nil {
		return nil, err
	}
	var kc map[string]any
	if err := yaml.Unmarshal(b, &kc); err != nil {
		return nil, fmt.Errorf("invalid kubeconfig artifact: %w", err)
	}
	return kc, nil
}

// Deprovision runs reset.yml and removes the work directory. A cluster
// without a recorded run was never deployed.
func (e *Engine) Deprovision(ctx context.Context) error {
	r, err := e.readRun()
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return e.Backend(engine.ErrorClassPermanent, "deprovision", "failed to read playbook run", err)
	}
	if r.Status == statusRunning || r.Status == statusScaling {
		return e.Backend(engine.ErrorClassConflict, "deprovision",
			fmt.Sprintf("%s is still running", r.Playbook), nil)
	}

	vars := map[string]any{"reset_confirmation": "yes"}
	if err := e.playbook(ctx, "deprovision", "reset.yml", statusResetting, 0, r.Workers, vars); err != nil {
		return err
	}
	if err := os.RemoveAll(e.dir); err != nil {
		return e.Backend(engine.ErrorClassPermanent, "deprovision", "failed to remove work directory", err)
	}
	return nil
}

// Resize adds workers from the host list with scale.yml or removes the
// last ones with remove-node.yml. Masters are never resized.
func (e *Engine) Resize(ctx context.Context, nodeCount int) error {
	deny := func(msg string) error {
		return e.Backend(engine.ErrorClassPermanent, "resize", msg, nil).WithCode(engine.ErrCodeDenied)
	}

	target := nodeCount - len(e.masters)
	if target <= 0 {
		return deny("at least one worker node is needed besides the masters")
	}
	if target > len(e.workers) {
		return deny(fmt.Sprintf("%d worker hosts are listed, %d requested", len(e.workers), target))
	}

	r, err := e.readRun()
	if errors.Is(err, fs.ErrNotExist) {
		return e.Backend(engine.ErrorClassPermanent, "resize", "cluster is not deployed", err).WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return e.Backend(engine.ErrorClassPermanent, "resize", "failed to read playbook run", err)
	}
	if r.Status != statusSucceeded {
		return e.Backend(engine.ErrorClassConflict, "resize",
			fmt.Sprintf("last run of %s is %s", r.Playbook, r.Status), nil)
	}
	current := r.Workers
	if target == current {
		return deny(fmt.Sprintf("cluster already has %d nodes", nodeCount))
	}

	e.Cluster.SetState(models.ClusterStateResizing)
	if err := e.SaveCluster(ctx); err != nil {
		return err
	}

	if target > current {
		e.Logger.Info().Int("from", current).Int("to", target).Msg("Scaling workers up")
		if err := e.writeInventory(target); err != nil {
			return e.Backend(engine.ErrorClassPermanent, "resize", "failed to write inventory", err)
		}
		err = e.playbook(ctx, "resize", "scale.yml", statusScaling, target, current, nil)
	} else {
		e.Logger.Info().Int("from", current).Int("to", target).Msg("Scaling workers down")
		var names []string
		for _, h := range e.workers[target:current] {
			names = append(names, h.Hostname)
		}
		sort.Strings(names)
		vars := map[string]any{"node": strings.Join(names, ","), "delete_nodes_confirmation": "yes"}
		err = e.playbook(ctx, "resize", "remove-node.yml", statusScaling, target, current, vars)
		if err == nil {
			err = e.writeInventory(target)
		}
	}

	if err != nil {
		e.fail(ctx, err)
		return err
	}

	meta := e.Cluster.Metadata()
	meta["worker_count"] = target
	meta["node_count"] = nodeCount
	e.Cluster.SetState(models.ClusterStateOK)
	return e.SaveCluster(ctx)
}

// ClusterGet reports the last playbook run.
func (e *Engine) ClusterGet(context.Context) engine.ClusterInfo {
	r, err := e.readRun()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			e.Logger.Warn().Err(err).Msg("Failed to read playbook run")
		}
		return engine.ClusterInfo{}
	}

	meta := map[string]any{
		"playbook":     r.Playbook,
		"started_at":   r.StartedAt.Format(time.RFC3339),
		"worker_count": r.Workers,
	}
	if r.FinishedAt != nil {
		meta["finished_at"] = r.FinishedAt.Format(time.RFC3339)
	}
	if r.Error != "" {
		meta["status_message"] = r.Error
	}
	return engine.ClusterInfo{
		Key:      e.stack,
		Name:     e.stack,
		ID:       e.Cluster.ID(),
		State:    States.Translate(r.Status),
		Metadata: meta,
	}
}

// GetKubeconfig returns the stored kubeconfig, or the artifact of a
// finished run.
func (e *Engine) GetKubeconfig(context.Context) (map[string]any, error) {
	if kc := e.Cluster.Kubeconfig(); len(kc) > 0 {
		return kc, nil
	}
	kc, err := e.artifact()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, e.Backend(engine.ErrorClassPermanent, "kubeconfig", "failed to read kubeconfig artifact", err)
	}
	return kc, nil
}
