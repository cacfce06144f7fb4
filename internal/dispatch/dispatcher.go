package dispatch

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Senneseph/edge-hive/internal/observability"
	"github.com/Senneseph/edge-hive/sdk"
)

// DefaultMaxBodyBytes caps an inbound request body unless configured
// otherwise.
const DefaultMaxBodyBytes = 1 << 20

// DefaultHandlerTimeout bounds one handler invocation.
const DefaultHandlerTimeout = 30 * time.Second

// Executor runs a handler for an endpoint id. Implemented by the handler
// registry; tests substitute fakes.
type Executor interface {
	ExecuteWithTimeout(id string, ctx *sdk.Context, req *sdk.Request, d time.Duration) (*sdk.Response, error)
}

// Config holds the dispatcher's per-request limits.
type Config struct {
	HandlerTimeout time.Duration
	MaxBodyBytes   int64
	// Env is the read-only configuration exposed to handler code.
	Env map[string]string
}

// Dispatcher is the gateway's catch-all request path: match a route, build
// the ABI request value, execute under the registry's admission control,
// and serialize the handler's response.
type Dispatcher struct {
	index     *Index
	exec      Executor
	providers sdk.ProviderResolver
	cfg       Config
	log       *zap.Logger
	metrics   *observability.Metrics
}

// NewDispatcher wires the route index to the executor.
func NewDispatcher(index *Index, exec Executor, providers sdk.ProviderResolver, cfg Config, log *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Dispatcher{index: index, exec: exec, providers: providers, cfg: cfg, log: log, metrics: metrics}
}

var tracer = otel.Tracer("edge-hive/dispatch")

// ServeHTTP implements the gateway's catch-all handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	domain := hostOnly(r.Host)

	_, span := tracer.Start(r.Context(), "dispatch")
	defer span.End()

	endpointID, params, ok := d.index.Match(domain, r.Method, r.URL.Path)
	if !ok {
		d.metrics.RecordRouteMiss()
		writeEnvelope(w, requestID, sdk.NewRouteNotFoundError())
		return
	}
	span.SetAttributes(
		attribute.String("endpoint.id", endpointID),
		attribute.String("request.id", requestID),
	)

	body, err := readBody(w, r, d.cfg.MaxBodyBytes)
	if err != nil {
		writeStatusEnvelope(w, http.StatusRequestEntityTooLarge, requestID,
			sdk.NewBadRequestError("request body exceeds the configured limit"))
		return
	}

	req := &sdk.Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     flattenQuery(r),
		Headers:   flattenHeaders(r),
		Body:      body,
		Params:    params,
		ClientIP:  hostOnly(r.RemoteAddr),
		RequestID: requestID,
	}
	ctx := sdk.NewContext(requestID, d.providers, d.cfg.Env).
		WithDeadline(time.Now().Add(d.cfg.HandlerTimeout))

	d.metrics.HandlerInFlight.Inc()
	start := time.Now()
	resp, execErr := d.exec.ExecuteWithTimeout(endpointID, ctx, req, d.cfg.HandlerTimeout)
	if isDraining(execErr) {
		// A swap retired the image between lookup and acquire; the new
		// image is already published, so one retry suffices.
		d.metrics.RecordDispatchRetry()
		resp, execErr = d.exec.ExecuteWithTimeout(endpointID, ctx, req, d.cfg.HandlerTimeout)
	}
	d.metrics.HandlerInFlight.Dec()
	if execErr != nil {
		env := asEnvelope(execErr)
		env.RequestID = requestID
		d.recordExecution(endpointID, env.Code, time.Since(start))
		d.log.Warn("request failed",
			zap.String("request_id", requestID),
			zap.String("endpoint_id", endpointID),
			zap.String("code", env.Code),
			zap.String("domain", domain),
			zap.String("path", r.URL.Path))
		writeEnvelope(w, requestID, env)
		return
	}
	d.metrics.RecordHandlerExecution(endpointID, "ok", time.Since(start))

	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

func flattenQuery(r *http.Request) map[string]string {
	values := r.URL.Query()
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func flattenHeaders(r *http.Request) sdk.Headers {
	out := make(sdk.Headers, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// hostOnly strips a port, if present.
func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

// recordExecution maps a failed execution's error code onto the handler
// instruments.
func (d *Dispatcher) recordExecution(endpointID, code string, duration time.Duration) {
	switch code {
	case sdk.ErrHandlerTimeout:
		d.metrics.RecordHandlerExecution(endpointID, "timeout", duration)
		d.metrics.RecordHandlerTimeout(endpointID)
	case sdk.ErrHandlerPanic:
		d.metrics.RecordHandlerExecution(endpointID, "panic", duration)
		d.metrics.RecordHandlerPanic(endpointID)
	default:
		d.metrics.RecordHandlerExecution(endpointID, "error", duration)
	}
}

func isDraining(err error) bool {
	env := &sdk.ErrorEnvelope{}
	return errors.As(err, &env) && env.Code == sdk.ErrDraining
}

func asEnvelope(err error) *sdk.ErrorEnvelope {
	env := &sdk.ErrorEnvelope{}
	if errors.As(err, &env) {
		return &sdk.ErrorEnvelope{Code: env.Code, Message: env.Message, Details: env.Details}
	}
	return sdk.NewInternalError()
}

func writeEnvelope(w http.ResponseWriter, requestID string, env *sdk.ErrorEnvelope) {
	writeStatusEnvelope(w, sdk.StatusForCode(env.Code), requestID, env)
}

func writeStatusEnvelope(w http.ResponseWriter, status int, requestID string, env *sdk.ErrorEnvelope) {
	env.RequestID = requestID
	resp := sdk.Error(env)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Request-Id", requestID)
	if env.Transient() {
		w.Header().Set("Retry-After", "1")
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}
