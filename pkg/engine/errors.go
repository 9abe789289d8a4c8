package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotSupported is returned by optional operations a backend lacks.
	ErrNotSupported = errors.New("not supported")

	// ErrNotImplemented is returned when an engine cannot answer an operation.
	ErrNotImplemented = errors.New("not implemented")

	// ErrUnknownEngine is returned for engine names missing from the registry.
	ErrUnknownEngine = errors.New("unknown engine")

	// ErrNoProvisioner is returned for clusters without a provisioner relation.
	ErrNoProvisioner = errors.New("cluster has no provisioner")
)

// ErrorClass classifies backend failures for retry decisions.
type ErrorClass string

const (
	// ErrorClassTransient covers timeouts and temporary unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled covers rate limiting and quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict covers concurrent modification of the backend resource.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent covers bad credentials, bad parameters and missing resources.
	ErrorClassPermanent ErrorClass = "permanent"
)

// BackendError is a classified failure talking to a provisioning backend.
// Engines return it from every operation that reaches the backend.
type BackendError struct {
	Class ErrorClass `json:"class"`

	// Engine is the engine name, e.g. "jenkins".
	Engine string `json:"engine"`

	// Operation is the engine operation, e.g. "provision".
	Operation string `json:"operation,omitempty"`

	// Cluster is the cluster id, if any.
	Cluster string `json:"cluster,omitempty"`

	// Code is an optional machine readable code.
	Code string `json:"code,omitempty"`

	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Engine, e.Message)
	if e.Operation != "" {
		msg = fmt.Sprintf("%s: %s", e.Operation, msg)
	}
	if e.Cluster != "" {
		msg = fmt.Sprintf("%s (cluster=%s)", msg, e.Cluster)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// Is matches another BackendError with the same class and code.
func (e *BackendError) Is(target error) bool {
	t, ok := target.(*BackendError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewBackendError creates a backend error for engine.
func NewBackendError(class ErrorClass, engine, message string, err error) *BackendError {
	return &BackendError{
		Class:   class,
		Engine:  engine,
		Message: message,
		Err:     err,
	}
}

// WithOperation adds operation context.
func (e *BackendError) WithOperation(op string) *BackendError {
	e.Operation = op
	return e
}

// WithCluster adds the cluster id.
func (e *BackendError) WithCluster(id string) *BackendError {
	e.Cluster = id
	return e
}

// WithCode adds an error code.
func (e *BackendError) WithCode(code string) *BackendError {
	e.Code = code
	return e
}

// ClassifyStatus maps an HTTP status code returned by a backend to an error class.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassThrottled
	case status == http.StatusConflict:
		return ErrorClassConflict
	case status == http.StatusRequestTimeout, status >= 500:
		return ErrorClassTransient
	default:
		return ErrorClassPermanent
	}
}

// Classify picks a class for an arbitrary error returned by a backend client.
func Classify(err error) ErrorClass {
	var be *BackendError
	switch {
	case errors.As(err, &be):
		return be.Class
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorClassTransient
	default:
		return ErrorClassPermanent
	}
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	var be *BackendError
	if !errors.As(err, &be) {
		return errors.Is(err, context.DeadlineExceeded)
	}
	return be.Class != ErrorClassPermanent
}

// Common error codes
const (
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeRateLimited  = "RATE_LIMITED"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeBadResponse  = "BAD_RESPONSE"
	ErrCodeDenied       = "DENIED"
)
