package jenkins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/openfroyo/clusterforge/pkg/engine"
	"github.com/rs/zerolog"
)

// client speaks the Jenkins JSON API.
type client struct {
	baseURL  string
	username string
	password string
	http     *retryablehttp.Client
}

type build struct {
	Number            int     `json:"number"`
	Result            *string `json:"result"`
	Timestamp         int64   `json:"timestamp"`
	EstimatedDuration int64   `json:"estimatedDuration"`
	Description       string  `json:"description"`
	Actions           []struct {
		Parameters []struct {
			Name  string `json:"name"`
			Value any    `json:"value"`
		} `json:"parameters"`
	} `json:"actions"`
}

// parameter returns the value of a build parameter.
func (b *build) parameter(name string) (string, bool) {
	for _, a := range b.Actions {
		for _, p := range a.Parameters {
			if p.Name == name {
				return fmt.Sprint(p.Value), true
			}
		}
	}
	return "", false
}

type jobInfo struct {
	Name   string  `json:"name"`
	Builds []build `json:"builds"`
}

type crumb struct {
	Field string `json:"crumbRequestField"`
	Crumb string `json:"crumb"`
}

func newClient(baseURL, username, password string, retries int, httpClient *http.Client, logger zerolog.Logger) *client {
	rc := retryablehttp.NewClient()
	if httpClient != nil {
		rc.HTTPClient = httpClient
	}
	rc.RetryMax = retries
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = &retryLogger{logger: logger}

	return &client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     rc,
	}
}

func (c *client) do(ctx context.Context, method, path string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return c.http.Do(req)
}

func (c *client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, http.Header{"Accept": {"application/json"}})
	if err != nil {
		return engine.NewBackendError(engine.ErrorClassTransient, Name, "request failed", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return engine.NewBackendError(engine.ErrorClassPermanent, Name, "malformed response", err).
			WithCode(engine.ErrCodeBadResponse)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	be := engine.NewBackendError(engine.ClassifyStatus(resp.StatusCode), Name,
		fmt.Sprintf("returned %s for %s", resp.Status, resp.Request.URL.Path), nil)
	switch resp.StatusCode {
	case http.StatusNotFound:
		be.WithCode(engine.ErrCodeNotFound)
	case http.StatusUnauthorized, http.StatusForbidden:
		be.WithCode(engine.ErrCodeUnauthorized)
	case http.StatusTooManyRequests:
		be.WithCode(engine.ErrCodeRateLimited)
	}
	return be
}

func jobPath(job string) string {
	return "/job/" + url.PathEscape(job)
}

// jobInfo returns the job with its build history.
func (c *client) jobInfo(ctx context.Context, job string) (*jobInfo, error) {
	var info jobInfo
	if err := c.getJSON(ctx, jobPath(job)+"/api/json?depth=1", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *client) buildInfo(ctx context.Context, job string, number int) (*build, error) {
	var b build
	if err := c.getJSON(ctx, jobPath(job)+"/"+strconv.Itoa(number)+"/api/json", &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// crumb fetches a CSRF crumb. Servers without CSRF protection have none.
func (c *client) crumb(ctx context.Context) (*crumb, error) {
	var cr crumb
	err := c.getJSON(ctx, "/crumbIssuer/api/json", &cr)
	if err == nil {
		return &cr, nil
	}
	var be *engine.BackendError
	if errors.As(err, &be) && be.Code == engine.ErrCodeNotFound {
		return nil, nil
	}
	return nil, err
}

// buildWithParameters queues a build of job.
func (c *client) buildWithParameters(ctx context.Context, job string, params map[string]string) error {
	cr, err := c.crumb(ctx)
	if err != nil {
		return err
	}

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	header := http.Header{"Content-Type": {"application/x-www-form-urlencoded"}}
	if cr != nil && cr.Field != "" {
		header.Set(cr.Field, cr.Crumb)
	}

	resp, err := c.do(ctx, http.MethodPost, jobPath(job)+"/buildWithParameters", strings.NewReader(form.Encode()), header)
	if err != nil {
		return engine.NewBackendError(engine.ErrorClassTransient, Name, "request failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return checkStatus(resp)
}

// artifact downloads an archived build artifact.
func (c *client) artifact(ctx context.Context, job string, number int, name string) ([]byte, error) {
	path := fmt.Sprintf("%s/%d/artifact/%s", jobPath(job), number, name)
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, engine.NewBackendError(engine.ErrorClassTransient, Name, "request failed", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// version returns the server version from the X-Jenkins header.
func (c *client) version(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/", nil, nil)
	if err != nil {
		return "", engine.NewBackendError(engine.ErrorClassTransient, Name, "request failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if err := checkStatus(resp); err != nil {
		return "", err
	}
	v := resp.Header.Get("X-Jenkins")
	if v == "" {
		return "", engine.NewBackendError(engine.ErrorClassPermanent, Name, "server did not identify as Jenkins", nil).
			WithCode(engine.ErrCodeBadResponse)
	}
	return v, nil
}

// retryLogger adapts zerolog to retryablehttp.LeveledLogger.
type retryLogger struct {
	logger zerolog.Logger
}

func (l *retryLogger) log(ev *zerolog.Event, msg string, kv ...interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		ev = ev.Interface(fmt.Sprint(kv[i]), kv[i+1])
	}
	ev.Msg(msg)
}

func (l *retryLogger) Error(msg string, kv ...interface{}) { l.log(l.logger.Error(), msg, kv...) }
func (l *retryLogger) Info(msg string, kv ...interface{})  { l.log(l.logger.Debug(), msg, kv...) }
func (l *retryLogger) Debug(msg string, kv ...interface{}) { l.log(l.logger.Debug(), msg, kv...) }
func (l *retryLogger) Warn(msg string, kv ...interface{})  { l.log(l.logger.Warn(), msg, kv...) }
