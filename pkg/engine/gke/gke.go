// Package gke implements an engine backed by Google Kubernetes Engine
// through the Container API v1.
package gke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openfroyo/clusterforge/pkg/engine"
	"github.com/openfroyo/clusterforge/pkg/models"
	container "google.golang.org/api/container/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Name is the registered engine name.
const Name = "gke"

const (
	defaultZone        = "-"
	defaultMachineType = "n1-standard-1"
	defaultPool        = "default-pool"
)

// States maps GKE cluster statuses to cluster states.
var States = engine.StateMap{
	"PROVISIONING": models.ClusterStateDeploying,
	"RUNNING":      models.ClusterStateOK,
	"STOPPING":     models.ClusterStateDestroying,
	"RECONCILING":  models.ClusterStateResizing,
	"ERROR":        models.ClusterStateError,
}

// Machine types too small to enforce network policies.
var unsupportedPolicyMachines = map[string]bool{
	"g1-small": true,
	"f1-micro": true,
}

// Schema constrains provisioner parameters.
const Schema = `
service_account_info: {
	project_id:   string & !=""
	client_email: string & !=""
	private_key:  string & !=""
	...
} | string
zone?:           string & !=""
node_count?:     int & >=1
machine_type?:   string & !=""
network_policy?: "none" | "CALICO"
network_range?:  string & =~"^([0-9]{1,3}\\.){3}[0-9]{1,3}(/[0-9]{1,2})?$"
endpoint?:       string & =~"^https?://"
`

// Engine manages one GKE cluster.
type Engine struct {
	engine.Base

	svc       *container.Service
	project   string
	zone      string
	backendID string
	config    *container.Cluster
}

// Factory returns the registry entry for the GKE engine.
func Factory() engine.Factory {
	return engine.Factory{
		Name:        Name,
		VerboseName: "Google Kubernetes Engine",
		Schema:      Schema,
		New: func(cluster *models.Cluster, params map[string]any, deps engine.Deps) (engine.Engine, error) {
			return New(context.Background(), cluster, params, deps)
		},
		Status: Status,
	}
}

// New creates a GKE engine for cluster.
func New(ctx context.Context, cluster *models.Cluster, params map[string]any, deps engine.Deps) (*Engine, error) {
	e := &Engine{Base: engine.NewBase(Name, cluster, params, deps)}

	account, err := serviceAccount(params)
	if err != nil {
		return nil, err
	}
	e.project = engine.StringParam(account, "project_id", "")
	e.zone = e.Param("zone", defaultZone)
	e.backendID = backendID(cluster.ID())
	e.config = e.clusterConfig()

	e.svc, err = newService(ctx, params, account, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create container service: %w", err)
	}
	return e, nil
}

// Status lists the clusters of the project to check the credentials.
func Status(ctx context.Context, params map[string]any, deps engine.Deps) models.ProvisionerState {
	account, err := serviceAccount(params)
	if err != nil {
		return models.ProvisionerStateError
	}
	svc, err := newService(ctx, params, account, deps)
	if err != nil {
		deps.Logger.Warn().Err(err).Str("engine", Name).Msg("Failed to create container service")
		return models.ProvisionerStateError
	}

	project := engine.StringParam(account, "project_id", "")
	zone := engine.StringParam(params, "zone", defaultZone)
	if _, err := svc.Projects.Zones.Clusters.List(project, zone).Context(ctx).Do(); err != nil {
		deps.Logger.Warn().Err(err).Str("engine", Name).Str("project", project).Msg("Failed to discover GKE project")
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			return models.ProvisionerStateError
		}
		return models.ProvisionerStateNotReachable
	}
	return models.ProvisionerStateOK
}

// serviceAccount returns the service account document, which is stored
// either as an object or as its JSON text.
func serviceAccount(params map[string]any) (map[string]any, error) {
	switch v := params["service_account_info"].(type) {
	case map[string]any:
		return v, nil
	case string:
		var out map[string]any
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return nil, fmt.Errorf("service_account_info is not valid JSON: %w", err)
		}
		return out, nil
	case nil:
		return map[string]any{}, nil
	default:
		return nil, fmt.Errorf("service_account_info has unsupported type %T", v)
	}
}

func newService(ctx context.Context, params, account map[string]any, deps engine.Deps) (*container.Service, error) {
	var opts []option.ClientOption
	if endpoint := engine.StringParam(params, "endpoint", ""); endpoint != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimRight(endpoint, "/")+"/"))
	}
	if deps.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(deps.HTTPClient))
	} else {
		data, err := json.Marshal(account)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithCredentialsJSON(data))
	}
	return container.NewService(ctx, opts...)
}

// backendID derives a GKE compatible name from a record id. GKE names must
// start with a letter and cannot contain dashes.
func backendID(id string) string {
	return "a" + strings.ReplaceAll(id, "-", "")
}

func (e *Engine) clusterConfig() *container.Cluster {
	c := &container.Cluster{
		Name:             e.backendID,
		InitialNodeCount: int64(e.IntParam("node_count", 1)),
		NodeConfig:       &container.NodeConfig{MachineType: e.Param("machine_type", defaultMachineType)},
		AddonsConfig:     &container.AddonsConfig{},
		ClusterIpv4Cidr:  e.Param("network_range", ""),
		NetworkPolicy:    &container.NetworkPolicy{Provider: "PROVIDER_UNSPECIFIED"},
	}

	if provider := e.Param("network_policy", "none"); provider != "none" {
		c.NetworkPolicy = &container.NetworkPolicy{Provider: provider, Enabled: true}
		c.AddonsConfig.NetworkPolicyConfig = &container.NetworkPolicyConfig{Disabled: false}
		e.Logger.Debug().Str("provider", provider).Msg("Network policy addon enabled")
	}
	return c
}

func (e *Engine) clusters() *container.ProjectsZonesClustersService {
	return e.svc.Projects.Zones.Clusters
}

// Provision requests the cluster. A cluster that already exists on GKE is
// not requested again.
func (e *Engine) Provision(ctx context.Context) error {
	if _, err := e.clusters().Get(e.project, e.zone, e.backendID).Context(ctx).Do(); err == nil {
		e.Logger.Info().Str("backend_id", e.backendID).Msg("Cluster already exists")
		return nil
	}

	req := &container.CreateClusterRequest{Cluster: e.config}
	if _, err := e.clusters().Create(e.project, e.zone, req).Context(ctx).Do(); err != nil {
		return e.wrap("provision", fmt.Sprintf("creating cluster %s failed", e.backendID), err)
	}

	e.Cluster.Metadata()["network_policy"] = map[string]any{
		"provider": e.config.NetworkPolicy.Provider,
		"enabled":  e.config.NetworkPolicy.Enabled,
	}
	if err := e.SaveCluster(ctx); err != nil {
		return err
	}

	e.Logger.Info().Str("backend_id", e.backendID).Msg("Provisioning started")
	return nil
}

// Deprovision deletes the cluster unless GKE no longer reports it.
func (e *Engine) Deprovision(ctx context.Context) error {
	if e.ClusterGet(ctx).Empty() {
		return nil
	}
	if _, err := e.clusters().Delete(e.project, e.zone, e.backendID).Context(ctx).Do(); err != nil {
		if isNotFound(err) {
			return nil
		}
		return e.wrap("deprovision", fmt.Sprintf("deleting cluster %s failed", e.backendID), err)
	}
	return nil
}

// Resize sets the size of the default node pool. Clusters enforcing network
// policies need at least two nodes.
func (e *Engine) Resize(ctx context.Context, nodeCount int) error {
	if nodeCount < 1 {
		return e.Backend(engine.ErrorClassPermanent, "resize", fmt.Sprintf("invalid node count %d", nodeCount), nil).
			WithCode(engine.ErrCodeDenied)
	}
	if nodeCount < 2 && e.config.NetworkPolicy.Enabled {
		return e.Backend(engine.ErrorClassPermanent, "resize",
			"network policy enforcement needs at least 2 nodes, turn it off before resizing", nil).
			WithCode(engine.ErrCodeDenied)
	}

	req := &container.SetNodePoolSizeRequest{NodeCount: int64(nodeCount)}
	if _, err := e.clusters().NodePools.SetSize(e.project, e.zone, e.backendID, defaultPool, req).Context(ctx).Do(); err != nil {
		return e.wrap("resize", fmt.Sprintf("resizing cluster %s failed", e.backendID), err)
	}

	e.Cluster.Metadata()["node_count"] = nodeCount
	return e.SaveCluster(ctx)
}

// SetNetworkPolicy switches network policy enforcement. The cluster must
// have been created with the network policy addon and be large enough to
// run it.
func (e *Engine) SetNetworkPolicy(ctx context.Context, provider string, enabled bool) error {
	if provider == "" {
		provider = "CALICO"
	}

	if e.config.InitialNodeCount < 2 || unsupportedPolicyMachines[e.config.NodeConfig.MachineType] {
		return e.Backend(engine.ErrorClassPermanent, "network_policy",
			fmt.Sprintf("%s network policy needs at least 2 nodes of a supported machine type", provider), nil).
			WithCode(engine.ErrCodeDenied)
	}
	addon := e.config.AddonsConfig.NetworkPolicyConfig
	if addon == nil || addon.Disabled {
		return e.Backend(engine.ErrorClassPermanent, "network_policy",
			"network policy addon is disabled, recreate the cluster with a network policy", nil).
			WithCode(engine.ErrCodeDenied)
	}

	req := &container.SetNetworkPolicyRequest{
		NetworkPolicy: &container.NetworkPolicy{Provider: provider, Enabled: enabled},
	}
	if _, err := e.clusters().SetNetworkPolicy(e.project, e.zone, e.backendID, req).Context(ctx).Do(); err != nil {
		return e.wrap("network_policy", fmt.Sprintf("setting network policy on %s failed", e.backendID), err)
	}

	e.Cluster.Metadata()["network_policy"] = map[string]any{"provider": provider, "enabled": enabled}
	return e.SaveCluster(ctx)
}

// GetKubeconfig builds the kubeconfig from the master endpoint once the
// cluster is running and stores it on the cluster.
func (e *Engine) GetKubeconfig(ctx context.Context) (map[string]any, error) {
	if kc := e.Cluster.Kubeconfig(); len(kc) > 0 {
		return kc, nil
	}

	c, err := e.clusters().Get(e.project, e.zone, e.backendID).Context(ctx).Do()
	if err != nil {
		return nil, e.wrap("kubeconfig", fmt.Sprintf("reading cluster %s failed", e.backendID), err)
	}
	if c.Status != "RUNNING" {
		return e.Cluster.Kubeconfig(), nil
	}

	kc := kubeconfig(c)
	e.Cluster.SetKubeconfig(kc)
	if err := e.SaveCluster(ctx); err != nil {
		return nil, err
	}
	return kc, nil
}

func kubeconfig(c *container.Cluster) map[string]any {
	user := map[string]any{}
	cluster := map[string]any{"server": "https://" + c.Endpoint}
	if c.MasterAuth != nil {
		cluster["certificate-authority-data"] = c.MasterAuth.ClusterCaCertificate
		user["username"] = c.MasterAuth.Username
		user["password"] = c.MasterAuth.Password
	}

	return map[string]any{
		"apiVersion":      "v1",
		"kind":            "Config",
		"preferences":     map[string]any{},
		"current-context": c.Name,
		"clusters":        []any{map[string]any{"name": c.Name, "cluster": cluster}},
		"users":           []any{map[string]any{"name": "admin", "user": user}},
		"contexts": []any{map[string]any{
			"name":    c.Name,
			"context": map[string]any{"cluster": c.Name, "user": "admin"},
		}},
	}
}

func (e *Engine) key() string {
	return fmt.Sprintf("cluster-%s-%s", Name, e.backendID)
}

// ClusterGet reads the cluster from GKE on every call.
func (e *Engine) ClusterGet(ctx context.Context) engine.ClusterInfo {
	c, err := e.clusters().Get(e.project, e.zone, e.backendID).Context(ctx).Do()
	if err != nil {
		if !isNotFound(err) {
			e.Logger.Warn().Err(err).Str("backend_id", e.backendID).Msg("Failed to fetch cluster from backend")
		}
		return engine.ClusterInfo{}
	}

	return engine.ClusterInfo{
		Key:      e.key(),
		Name:     e.backendID,
		ID:       e.Cluster.ID(),
		State:    States.Translate(c.Status),
		Metadata: map[string]any{},
	}
}

// ClusterList returns every cluster of the project in the configured zone.
// Clusters not created by this cluster record have no id.
func (e *Engine) ClusterList(ctx context.Context) []engine.ClusterInfo {
	resp, err := e.clusters().List(e.project, e.zone).Context(ctx).Do()
	if err != nil {
		e.Logger.Warn().Err(err).Str("project", e.project).Msg("Failed to list clusters")
		return nil
	}

	out := make([]engine.ClusterInfo, 0, len(resp.Clusters))
	for _, c := range resp.Clusters {
		info := engine.ClusterInfo{
			Key:   fmt.Sprintf("cluster-%s-%s", Name, c.Name),
			Name:  c.Name,
			State: States.Translate(c.Status),
			Metadata: map[string]any{
				"current_master_version": c.CurrentMasterVersion,
				"zone":                   c.Zone,
			},
		}
		if c.NodeConfig != nil {
			info.Metadata["node_config"] = map[string]any{
				"machine_type": c.NodeConfig.MachineType,
				"disk_size_gb": c.NodeConfig.DiskSizeGb,
			}
		}
		if c.Name == e.backendID {
			info.ID = e.Cluster.ID()
		}
		out = append(out, info)
	}
	return out
}

// GetProgress reports 100 for any state other than Deploying. GKE has no
// progress estimate for running operations.
func (e *Engine) GetProgress(ctx context.Context) engine.Progress {
	info := e.ClusterGet(ctx)
	if info.Empty() {
		return engine.Progress{Response: http.StatusInternalServerError, Progress: 1, Result: string(models.ClusterStateUnknown)}
	}
	if info.State == models.ClusterStateDeploying {
		return engine.Progress{Response: http.StatusOK, Progress: 50, Result: string(info.State)}
	}
	return engine.Progress{Response: http.StatusOK, Progress: 100, Result: string(info.State)}
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func (e *Engine) wrap(op, msg string, err error) error {
	class := engine.Classify(err)
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		class = engine.ClassifyStatus(gerr.Code)
	}
	be := e.Backend(class, op, msg, err)
	if gerr != nil {
		switch gerr.Code {
		case http.StatusNotFound:
			be.WithCode(engine.ErrCodeNotFound)
		case http.StatusUnauthorized, http.StatusForbidden:
			be.WithCode(engine.ErrCodeUnauthorized)
		case http.StatusTooManyRequests:
			be.WithCode(engine.ErrCodeRateLimited)
		}
	}
	return be
}
