// Package tasks dispatches background jobs to an in-process worker pool or
// to remote workers over NATS. Dispatch is fire and forget: callers never
// wait for a job to run.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names a job type.
type Kind string

const (
	KindClusterStatus      Kind = "cluster_status"
	KindClusterBackendData Kind = "cluster_backend_data"
	KindReconcileAll       Kind = "reconcile_all"
)

var (
	// ErrQueueFull is returned when the pool cannot take more jobs.
	ErrQueueFull = errors.New("task queue is full")

	// ErrClosed is returned by dispatchers that were stopped.
	ErrClosed = errors.New("dispatcher is closed")

	// ErrUnknownKind is returned by a Mux for a job nobody handles.
	ErrUnknownKind = errors.New("unknown job kind")
)

// Job is one unit of background work.
type Job struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Namespace string    `json:"namespace,omitempty"`
	ClusterID string    `json:"cluster_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewJob creates a job with a fresh id.
func NewJob(kind Kind, namespace, clusterID string) Job {
	return Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Namespace: namespace,
		ClusterID: clusterID,
		CreatedAt: time.Now().UTC(),
	}
}

func (j Job) String() string {
	if j.ClusterID == "" {
		return string(j.Kind)
	}
	return fmt.Sprintf("%s(%s/%s)", j.Kind, j.Namespace, j.ClusterID)
}

// Handler executes jobs.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

// Dispatcher hands jobs to whatever executes them.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// Mux routes jobs to a handler per kind.
type Mux struct {
	handlers map[Kind]Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[Kind]Handler)}
}

// Register sets the handler of kind, replacing any previous one.
func (m *Mux) Register(kind Kind, h Handler) {
	m.handlers[kind] = h
}

// RegisterFunc sets a function as the handler of kind.
func (m *Mux) RegisterFunc(kind Kind, fn func(ctx context.Context, job Job) error) {
	m.Register(kind, HandlerFunc(fn))
}

// Handle executes job with the handler registered for its kind.
func (m *Mux) Handle(ctx context.Context, job Job) error {
	h, ok := m.handlers[job.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)
	}
	return h.Handle(ctx, job)
}

// Recorder receives job outcomes. telemetry.Metrics implements it.
type Recorder interface {
	RecordTask(kind string, outcome string, duration time.Duration)
}

// Outcomes passed to Recorder.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)
