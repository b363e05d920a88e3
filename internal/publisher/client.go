// Package publisher is the REST client for the API publisher backend: API
// definitions, tenant lint rule sets, the policy catalog and API updates.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/portico/internal/config"
	"github.com/pitabwire/portico/internal/observability"
	"github.com/pitabwire/portico/model"
)

// TenantHeader carries the tenant of the caller to the backend.
const TenantHeader = "X-Tenant-ID"

// Client calls the publisher backend.
type Client struct {
	http    *resty.Client
	breaker *Breaker
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithToken authenticates every request with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) {
		if token != "" {
			c.http.SetAuthToken(token)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics records request counts, latencies and breaker state on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New creates a Client for the backend described by cfg.
func New(cfg config.PublisherConfig, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{logger: zap.NewNop()}
	c.http = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		AddRetryCondition(retryable).
		SetHeader("Accept", "application/json")
	for _, opt := range opts {
		opt(c)
	}
	c.http.SetLogger(restyLogger{c.logger.Sugar()})
	c.breaker = NewBreaker(cfg.CircuitBreaker, func(s BreakerState) {
		c.metrics.SetBackendCircuitBreakerState(float64(s))
		c.logger.Warn("publisher circuit breaker changed state", zap.Stringer("state", s))
	})
	return c
}

// Breaker returns the circuit breaker guarding the backend.
func (c *Client) Breaker() *Breaker { return c.breaker }

// HealthCheck reports the backend as unhealthy while the breaker is open.
func (c *Client) HealthCheck(context.Context) error {
	if c.breaker.State() == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// GetSwagger returns the OpenAPI definition of an HTTP API.
func (c *Client) GetSwagger(ctx context.Context, apiID string) ([]byte, error) {
	return c.getDefinition(ctx, "get_swagger", "/apis/{apiId}/swagger", apiID)
}

// UpdateSwagger replaces the OpenAPI definition of an HTTP API and returns
// the stored definition.
func (c *Client) UpdateSwagger(ctx context.Context, apiID string, content []byte) ([]byte, error) {
	return c.putDefinition(ctx, "update_swagger", "/apis/{apiId}/swagger", apiID, content)
}

// GetAsyncAPIDefinition returns the AsyncAPI definition of a streaming API.
func (c *Client) GetAsyncAPIDefinition(ctx context.Context, apiID string) ([]byte, error) {
	return c.getDefinition(ctx, "get_asyncapi", "/apis/{apiId}/asyncapi", apiID)
}

// UpdateAsyncAPIDefinition replaces the AsyncAPI definition of a streaming
// API and returns the stored definition.
func (c *Client) UpdateAsyncAPIDefinition(ctx context.Context, apiID string, content []byte) ([]byte, error) {
	return c.putDefinition(ctx, "update_asyncapi", "/apis/{apiId}/asyncapi", apiID, content)
}

// ValidationReport is the backend's verdict on an OpenAPI definition.
type ValidationReport struct {
	IsValid bool            `json:"isValid"`
	Content string          `json:"content,omitempty"`
	Info    *DefinitionInfo `json:"info,omitempty"`
	Errors  []ErrorDetail   `json:"errors,omitempty"`
}

// DefinitionInfo summarizes a validated definition.
type DefinitionInfo struct {
	Name           string   `json:"name"`
	Version        string   `json:"version"`
	Context        string   `json:"context,omitempty"`
	Description    string   `json:"description,omitempty"`
	OpenAPIVersion string   `json:"openAPIVersion,omitempty"`
	Endpoints      []string `json:"endpoints,omitempty"`
}

// ValidateOpenAPIByInlineDefinition validates definition content.
func (c *Client) ValidateOpenAPIByInlineDefinition(ctx context.Context, content []byte) (ValidationReport, error) {
	req := c.http.R().SetMultipartFormData(map[string]string{"inlineAPIDefinition": string(content)})
	return c.validate(ctx, "validate_inline", req)
}

// ValidateOpenAPIByURL validates the definition the backend fetches from
// url.
func (c *Client) ValidateOpenAPIByURL(ctx context.Context, url string) (ValidationReport, error) {
	req := c.http.R().SetMultipartFormData(map[string]string{"url": url})
	return c.validate(ctx, "validate_url", req)
}

// ValidateOpenAPIByFile uploads a definition file for validation.
func (c *Client) ValidateOpenAPIByFile(ctx context.Context, fileName string, content []byte) (ValidationReport, error) {
	req := c.http.R().SetFileReader("file", fileName, bytes.NewReader(content))
	return c.validate(ctx, "validate_file", req)
}

// GetLintRuleset returns the custom lint rule set of the tenant. ok is false
// when the tenant has none.
func (c *Client) GetLintRuleset(ctx context.Context, tenantID string) (data []byte, ok bool, err error) {
	req := c.http.R().SetHeader(TenantHeader, tenantID)
	resp, err := c.do(ctx, "get_lint_ruleset", req, http.MethodGet, "/linter-custom-rules")
	if err != nil {
		return nil, false, err
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound, resp.StatusCode() == http.StatusNoContent:
		return nil, false, nil
	case resp.IsError():
		return nil, false, backendError(resp)
	}
	body := bytes.TrimSpace(resp.Body())
	if len(body) == 0 || bytes.Equal(body, []byte("null")) || bytes.Equal(body, []byte("{}")) {
		return nil, false, nil
	}
	return body, true, nil
}

// CustomRuleset implements lint.RulesetSource.
func (c *Client) CustomRuleset(ctx context.Context, tenantID string) ([]byte, bool, error) {
	return c.GetLintRuleset(ctx, tenantID)
}

// ListCommonPolicies lists the operation policies shared by the tenant.
func (c *Client) ListCommonPolicies(ctx context.Context) (model.PolicyList, error) {
	var out model.PolicyList
	err := c.getJSON(ctx, "list_common_policies", c.http.R().SetQueryParam("limit", "1000"), "/operation-policies", &out)
	return out, err
}

// ListAPIPolicies lists the operation policies specific to one API.
func (c *Client) ListAPIPolicies(ctx context.Context, apiID string) (model.PolicyList, error) {
	var out model.PolicyList
	req := c.http.R().SetPathParam("apiId", apiID).SetQueryParam("limit", "1000")
	err := c.getJSON(ctx, "list_api_policies", req, "/apis/{apiId}/operation-policies", &out)
	return out, err
}

// GetAPI returns the API resource.
func (c *Client) GetAPI(ctx context.Context, apiID string) (model.APIResource, error) {
	var out model.APIResource
	err := c.getJSON(ctx, "get_api", c.http.R().SetPathParam("apiId", apiID), "/apis/{apiId}", &out)
	return out, err
}

// UpdateAPI replaces the operations of the API and returns the updated
// resource.
func (c *Client) UpdateAPI(ctx context.Context, apiID string, ops []model.APIOperation) (model.APIResource, error) {
	req := c.http.R().
		SetPathParam("apiId", apiID).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"operations": ops})
	resp, err := c.do(ctx, "update_api", req, http.MethodPut, "/apis/{apiId}")
	if err != nil {
		return model.APIResource{}, err
	}
	if resp.IsError() {
		return model.APIResource{}, backendError(resp)
	}
	var out model.APIResource
	if err := decode(resp, &out); err != nil {
		return model.APIResource{}, err
	}
	return out, nil
}

// UpdateOperations implements policy.Repository.
func (c *Client) UpdateOperations(ctx context.Context, apiID string, ops []model.APIOperation) error {
	_, err := c.UpdateAPI(ctx, apiID, ops)
	return err
}

func (c *Client) getDefinition(ctx context.Context, op, path, apiID string) ([]byte, error) {
	resp, err := c.do(ctx, op, c.http.R().SetPathParam("apiId", apiID), http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, backendError(resp)
	}
	return resp.Body(), nil
}

func (c *Client) putDefinition(ctx context.Context, op, path, apiID string, content []byte) ([]byte, error) {
	req := c.http.R().
		SetPathParam("apiId", apiID).
		SetMultipartFormData(map[string]string{"apiDefinition": string(content)})
	resp, err := c.do(ctx, op, req, http.MethodPut, path)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, backendError(resp)
	}
	return resp.Body(), nil
}

func (c *Client) validate(ctx context.Context, op string, req *resty.Request) (ValidationReport, error) {
	req.SetQueryParam("returnContent", "true")
	resp, err := c.do(ctx, op, req, http.MethodPost, "/apis/validate-openapi")
	if err != nil {
		return ValidationReport{}, err
	}
	if resp.IsError() {
		return ValidationReport{}, backendError(resp)
	}
	var out ValidationReport
	if err := decode(resp, &out); err != nil {
		return ValidationReport{}, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, op string, req *resty.Request, path string, out any) error {
	resp, err := c.do(ctx, op, req, http.MethodGet, path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return backendError(resp)
	}
	return decode(resp, out)
}

// do executes one request behind the circuit breaker. Transport failures
// come back as error envelopes; HTTP error statuses are left to the caller.
func (c *Client) do(ctx context.Context, op string, req *resty.Request, method, path string) (*resty.Response, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, model.NewBackendUnavailableError()
	}

	ctx, span := observability.StartBackendSpan(ctx, op, method, path)
	defer span.End()

	req.SetContext(ctx)
	observability.InjectTraceHeaders(ctx, req.Header)
	if tenant := model.TenantFrom(ctx); tenant != "" && req.Header.Get(TenantHeader) == "" {
		req.SetHeader(TenantHeader, tenant)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	status := 0
	if resp != nil {
		status = resp.StatusCode()
	}
	c.metrics.RecordBackendRequest(op, status, time.Since(start))

	logger := observability.RequestLogger(ctx, c.logger)
	if err != nil {
		observability.RecordSpanError(span, err)
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		c.breaker.Failure()
		logger.Warn("publisher request failed",
			zap.String("operation", op),
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		if isTimeout(err) {
			return nil, model.NewBackendTimeoutError()
		}
		return nil, model.NewBackendError("")
	}

	span.SetAttributes(attribute.Int("http.status_code", status))
	if status >= http.StatusInternalServerError {
		c.breaker.Failure()
		logger.Warn("publisher returned a server error",
			zap.String("operation", op),
			zap.Int("status", status),
		)
	} else {
		c.breaker.Success()
	}
	return resp, nil
}

// ErrorDetail is one entry of the backend's error list.
type ErrorDetail struct {
	Code        int    `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Description string `json:"description,omitempty"`
}

type errorBody struct {
	Code        int           `json:"code"`
	Message     string        `json:"message"`
	Description string        `json:"description"`
	Errors      []ErrorDetail `json:"error"`
}

// backendError converts an error response into an envelope. The backend's
// description is shown when it has one.
func backendError(resp *resty.Response) error {
	var body errorBody
	_ = json.Unmarshal(resp.Body(), &body)

	var env *model.ErrorEnvelope
	switch resp.StatusCode() {
	case http.StatusNotFound:
		msg := body.Description
		if msg == "" {
			msg = "resource not found"
		}
		env = model.NewNotFoundError(msg)
	case http.StatusConflict:
		msg := body.Description
		if msg == "" {
			msg = "resource was changed concurrently"
		}
		env = model.NewConflictError(msg)
	case http.StatusTooManyRequests:
		env = model.NewRateLimitedError()
	default:
		env = model.NewBackendError(body.Description)
	}
	for _, d := range body.Errors {
		env.Details = append(env.Details, model.FieldError{
			Field:   d.Message,
			Code:    fmt.Sprint(d.Code),
			Message: d.Description,
		})
	}
	return env
}

func decode(resp *resty.Response, out any) error {
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("publisher: decode %s response: %w", resp.Request.URL, err)
	}
	return nil
}

func retryable(resp *resty.Response, err error) bool {
	if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
		return false
	}
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	return resp.StatusCode() >= http.StatusInternalServerError || resp.StatusCode() == http.StatusTooManyRequests
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// restyLogger routes resty's own messages to zap.
type restyLogger struct {
	l *zap.SugaredLogger
}

func (r restyLogger) Errorf(format string, v ...any) { r.l.Errorf(format, v...) }
func (r restyLogger) Warnf(format string, v ...any)  { r.l.Warnf(format, v...) }
func (r restyLogger) Debugf(format string, v ...any) { r.l.Debugf(format, v...) }
