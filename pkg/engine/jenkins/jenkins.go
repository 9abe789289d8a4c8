// Package jenkins implements an engine that provisions clusters by running
// a parameterized Jenkins job. The build that carries the cluster id in its
// anchor parameter is the backend record of the cluster.
package jenkins

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openfroyo/clusterforge/pkg/cache"
	"github.com/openfroyo/clusterforge/pkg/engine"
	"github.com/openfroyo/clusterforge/pkg/models"
	"gopkg.in/yaml.v3"
)

// Name is the registered engine name.
const Name = "jenkins"

const (
	defaultJob    = "provision-cluster"
	defaultAnchor = "STACK_NAME"
	anchorPrefix  = "KQUEEN__"
	cacheTTL      = 5 * time.Minute
)

// States maps Jenkins build results to cluster states. A build without a
// result is still running.
var States = engine.StateMap{
	"ABORTED":   models.ClusterStateError,
	"FAILURE":   models.ClusterStateError,
	"NOT_BUILT": models.ClusterStateUnknown,
	"SUCCESS":   models.ClusterStateOK,
	"UNSTABLE":  models.ClusterStateUnknown,
}

// Schema constrains provisioner parameters.
const Schema = `
url:               string & =~"^https?://"
username:          string & !=""
password:          string & !=""
job_name?:         string & !=""
anchor_parameter?: string & !=""
job_parameters?: {[string]: string | number | bool}
retries?: int & >=0 & <=10
`

// Engine drives a cluster through a Jenkins job.
type Engine struct {
	engine.Base

	client *client
	job    string
	anchor string
	extra  map[string]string
	now    func() time.Time
}

// Factory returns the registry entry for the Jenkins engine.
func Factory() engine.Factory {
	return engine.Factory{
		Name:        Name,
		VerboseName: "Jenkins",
		Schema:      Schema,
		New: func(cluster *models.Cluster, params map[string]any, deps engine.Deps) (engine.Engine, error) {
			return New(cluster, params, deps), nil
		},
		Status: Status,
	}
}

// New creates a Jenkins engine for cluster.
func New(cluster *models.Cluster, params map[string]any, deps engine.Deps) *Engine {
	e := &Engine{
		Base:  engine.NewBase(Name, cluster, params, deps),
		extra: map[string]string{},
		now:   time.Now,
	}
	e.job = e.Param("job_name", defaultJob)
	e.anchor = e.Param("anchor_parameter", defaultAnchor)
	if jp, ok := params["job_parameters"].(map[string]any); ok {
		for k, v := range jp {
			e.extra[k] = fmt.Sprint(v)
		}
	}
	e.client = newClient(
		e.Param("url", ""),
		e.Param("username", ""),
		e.Param("password", ""),
		e.IntParam("retries", 3),
		deps.HTTPClient,
		e.Logger,
	)
	return e
}

// Status reports whether the Jenkins server answers with its version header.
func Status(ctx context.Context, params map[string]any, deps engine.Deps) models.ProvisionerState {
	c := newClient(
		engine.StringParam(params, "url", ""),
		engine.StringParam(params, "username", ""),
		engine.StringParam(params, "password", ""),
		engine.IntParam(params, "retries", 1),
		deps.HTTPClient,
		deps.Logger,
	)
	if _, err := c.version(ctx); err != nil {
		deps.Logger.Warn().Err(err).Str("engine", Name).Msg("Backend not reachable")
		return models.ProvisionerStateError
	}
	return models.ProvisionerStateOK
}

func (e *Engine) stackName() string {
	return anchorPrefix + e.Cluster.ID()
}

// Provision queues the provisioning job. A cluster that already has a
// build is not provisioned again.
func (e *Engine) Provision(ctx context.Context) error {
	if e.resolveExternalID(ctx) != 0 {
		return nil
	}

	params := make(map[string]string, len(e.extra)+1)
	for k, v := range e.extra {
		params[k] = v
	}
	params[e.anchor] = e.stackName()

	if err := e.client.buildWithParameters(ctx, e.job, params); err != nil {
		return e.wrap("provision", "failed to queue provisioning job", err)
	}

	e.Logger.Info().Str("job", e.job).Str("stack", e.stackName()).Msg("Provisioning job queued")
	return nil
}

// Deprovision falls back to the default: a cluster without a build is gone.
func (e *Engine) Deprovision(ctx context.Context) error {
	return engine.DefaultDeprovision(ctx, e)
}

func (e *Engine) ClusterGet(ctx context.Context) engine.ClusterInfo {
	info, err := e.byExternalID(ctx)
	if err == nil && !info.Empty() {
		return info
	}
	if err != nil {
		e.Logger.Warn().Err(err).Msg("Failed to read build by external id")
	}

	info, err = e.byID(ctx)
	if err != nil {
		e.Logger.Warn().Err(err).Msg("Failed to read cluster from build history")
		return engine.ClusterInfo{}
	}
	return info
}

func (e *Engine) ClusterList(ctx context.Context) []engine.ClusterInfo {
	list, err := e.list(ctx)
	if err != nil {
		e.Logger.Warn().Err(err).Msg("Failed to list builds")
		return nil
	}
	return list
}

func (e *Engine) list(ctx context.Context) ([]engine.ClusterInfo, error) {
	job, err := e.client.jobInfo(ctx, e.job)
	if err != nil {
		return nil, err
	}
	out := make([]engine.ClusterInfo, 0, len(job.Builds))
	for i := range job.Builds {
		out = append(out, e.fromBuild(ctx, &job.Builds[i]))
	}
	return out, nil
}

// GetKubeconfig downloads the kubeconfig artifact of the provisioning build.
// The stored kubeconfig is returned while no build is known.
func (e *Engine) GetKubeconfig(ctx context.Context) (map[string]any, error) {
	id := e.resolveExternalID(ctx)
	if id == 0 {
		return e.Cluster.Kubeconfig(), nil
	}

	data, err := e.client.artifact(ctx, e.job, id, "kubeconfig")
	if err != nil {
		if kc := e.Cluster.Kubeconfig(); kc != nil {
			return kc, nil
		}
		return nil, e.wrap("kubeconfig", "failed to download kubeconfig", err)
	}

	var kc map[string]any
	if err := yaml.Unmarshal(data, &kc); err != nil {
		return nil, e.Backend(engine.ErrorClassPermanent, "kubeconfig", "kubeconfig artifact is not valid YAML", err).
			WithCode(engine.ErrCodeBadResponse)
	}
	return kc, nil
}

// GetProgress estimates completion from the build start time and the
// duration Jenkins expects.
func (e *Engine) GetProgress(ctx context.Context) engine.Progress {
	info := e.ClusterGet(ctx)
	if info.Empty() {
		return engine.Progress{Response: http.StatusInternalServerError, Progress: 1, Result: string(models.ClusterStateUnknown)}
	}

	if info.State != models.ClusterStateDeploying {
		return engine.Progress{Response: http.StatusOK, Progress: 100, Result: string(info.State)}
	}

	start := engine.IntParam(info.Metadata, "build_timestamp", 0)
	estimate := engine.IntParam(info.Metadata, "build_estimated_duration", 0)
	if start == 0 || estimate <= 0 {
		return engine.Progress{Response: http.StatusInternalServerError, Progress: 1, Result: string(info.State)}
	}

	elapsed := e.now().UnixMilli() - int64(start)
	pct := int(elapsed * 100 / int64(estimate))
	return engine.Progress{
		Response: http.StatusOK,
		Progress: engine.ClampProgress(pct, info.State),
		Result:   string(info.State),
	}
}

func (e *Engine) externalID() int {
	if e.Cluster == nil {
		return 0
	}
	return engine.IntParam(e.Cluster.Metadata(), "external_id", 0)
}

// resolveExternalID returns the build number of the cluster, looking it up
// in the build history and saving it on the cluster when first found.
func (e *Engine) resolveExternalID(ctx context.Context) int {
	if id := e.externalID(); id != 0 {
		return id
	}

	info, err := e.byID(ctx)
	if err != nil || info.Empty() {
		return 0
	}
	id := engine.IntParam(info.Metadata, "external_id", 0)
	if id == 0 {
		return 0
	}

	e.Cluster.Metadata()["external_id"] = id
	if err := e.SaveCluster(ctx); err != nil {
		e.Logger.Warn().Err(err).Msg("Failed to save external id")
	}
	return id
}

func (e *Engine) byID(ctx context.Context) (engine.ClusterInfo, error) {
	list, err := e.list(ctx)
	if err != nil {
		return engine.ClusterInfo{}, err
	}
	for _, c := range list {
		if c.ID == e.Cluster.ID() {
			return c, nil
		}
	}
	return engine.ClusterInfo{}, nil
}

func (e *Engine) byExternalID(ctx context.Context) (engine.ClusterInfo, error) {
	id := e.resolveExternalID(ctx)
	if id == 0 {
		return engine.ClusterInfo{}, nil
	}

	if info, ok := e.cached(ctx, id); ok {
		return info, nil
	}

	b, err := e.client.buildInfo(ctx, e.job, id)
	if err != nil {
		return engine.ClusterInfo{}, err
	}
	return e.fromBuild(ctx, b), nil
}

func cacheKey(number int) string {
	return fmt.Sprintf("cluster-%s-%d", Name, number)
}

func (e *Engine) cached(ctx context.Context, number int) (engine.ClusterInfo, bool) {
	if e.Cache == nil {
		return engine.ClusterInfo{}, false
	}
	var info engine.ClusterInfo
	if err := cache.GetJSON(ctx, e.Cache, cacheKey(number), &info); err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			e.Logger.Debug().Err(err).Msg("Build cache read failed")
		}
		return engine.ClusterInfo{}, false
	}
	return info, true
}

// fromBuild converts a build into the backend view of a cluster. Finished
// builds are cached.
func (e *Engine) fromBuild(ctx context.Context, b *build) engine.ClusterInfo {
	if info, ok := e.cached(ctx, b.Number); ok {
		return info
	}

	state := models.ClusterStateDeploying
	result := ""
	if b.Result != nil {
		result = *b.Result
		state = States.Translate(result)
	}

	name := ""
	if f := strings.Fields(b.Description); result == "SUCCESS" && len(f) > 0 {
		name = f[0]
	}

	id := ""
	if v, ok := b.parameter(e.anchor); ok && strings.HasPrefix(v, anchorPrefix) {
		id = strings.TrimPrefix(v, anchorPrefix)
	}

	info := engine.ClusterInfo{
		Key:   cacheKey(b.Number),
		Name:  name,
		ID:    id,
		State: state,
		Metadata: map[string]any{
			"external_id":              b.Number,
			"build_timestamp":          b.Timestamp,
			"build_estimated_duration": b.EstimatedDuration,
		},
	}

	if state != models.ClusterStateDeploying && e.Cache != nil {
		if err := cache.SetJSON(ctx, e.Cache, info.Key, info, cacheTTL); err != nil {
			e.Logger.Debug().Err(err).Msg("Build cache write failed")
		}
	}
	return info
}

func (e *Engine) wrap(op, msg string, err error) error {
	var be *engine.BackendError
	if errors.As(err, &be) {
		be.WithOperation(op).WithCluster(e.Cluster.ID())
		return be
	}
	return e.Backend(engine.Classify(err), op, msg, err)
}
