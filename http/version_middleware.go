package http

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/influxdata/apiversion"
	"github.com/influxdata/apiversion/kit/platform/errors"
	"github.com/influxdata/apiversion/kit/tracing"
	kithttp "github.com/influxdata/apiversion/kit/transport/http"
	"github.com/influxdata/apiversion/logger"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

//go:generate go run github.com/golang/mock/mockgen -package mock -destination mock/migrator.go github.com/influxdata/apiversion/http Migrator

// Migrator rewrites payloads between a requested and a current version.
// *migration.Engine satisfies it.
type Migrator interface {
	ApplyUp(payload []byte, requested, current string) ([]byte, error)
	ApplyDown(payload []byte, requested, current string) ([]byte, error)
}

// VersionMigrator runs the migrations for one exchange.
type VersionMigrator struct {
	migrator  Migrator
	adapter   RequestResponseAdapter
	requested string
	current   string
}

// NewVersionMigrator binds m to the bodies exposed by adapter.
func NewVersionMigrator(m Migrator, adapter RequestResponseAdapter, requested, current string) *VersionMigrator {
	return &VersionMigrator{
		migrator:  m,
		adapter:   adapter,
		requested: requested,
		current:   current,
	}
}

// ApplyUpMigrations rewrites the request body into the current version.
func (v *VersionMigrator) ApplyUpMigrations() error {
	body, err := v.migrator.ApplyUp([]byte(v.adapter.GetRequestBody()), v.requested, v.current)
	if err != nil {
		return err
	}
	v.adapter.SetRequestBody(string(body))
	return nil
}

// ApplyDownMigrations rewrites the response body into the requested version.
func (v *VersionMigrator) ApplyDownMigrations() error {
	body, err := v.migrator.ApplyDown([]byte(v.adapter.GetResponseBody()), v.requested, v.current)
	if err != nil {
		return err
	}
	v.adapter.SetResponseBody(string(body))
	return nil
}

// MiddlewareOption customizes VersionMiddleware.
type MiddlewareOption func(*versionMiddleware)

// WithRegisterer registers the middleware's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) MiddlewareOption {
	return func(m *versionMiddleware) {
		m.registerer = reg
	}
}

// WithErrorHandler replaces the handler used to encode errors.
func WithErrorHandler(h kithttp.HTTPErrorHandler) MiddlewareOption {
	return func(m *versionMiddleware) {
		m.errorHandler = h
	}
}

type versionMiddleware struct {
	log          *zap.Logger
	migrator     Migrator
	opts         VersionOptions
	current      apiversion.Tag
	configErr    error
	errorHandler kithttp.HTTPErrorHandler
	registerer   prometheus.Registerer

	migrations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// VersionMiddleware upgrades request bodies from the client's requested
// version to opts.CurrentVersion before calling the next handler and
// downgrades the response on the way back.
//
// The next handler's response is buffered in full. Requests without a body
// skip the upgrade. A malformed requested version is logged and the request
// is served in the current version.
//
// An invalid opts.CurrentVersion is logged here and every request is then
// answered with the configuration error; use opts.Validate to check it up
// front.
func VersionMiddleware(log *zap.Logger, m Migrator, opts VersionOptions, mopts ...MiddlewareOption) kithttp.Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	vm := &versionMiddleware{
		log:          log,
		migrator:     m,
		opts:         opts,
		errorHandler: kithttp.ErrorHandler(0),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apiversion",
			Subsystem: "http",
			Name:      "migrations_total",
			Help:      "Number of payload migration passes by direction and result",
		}, []string{"direction", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "apiversion",
			Subsystem: "http",
			Name:      "migration_duration_seconds",
			Help:      "Time spent migrating payloads",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"direction"}),
	}
	for _, o := range mopts {
		o(vm)
	}
	if err := opts.Validate(); err != nil {
		// every request fails until the current version is fixed
		log.Error("Invalid current API version", zap.String("current_version", opts.CurrentVersion), zap.Error(err))
		vm.configErr = err
	} else {
		vm.current = apiversion.MustParseTag(opts.CurrentVersion)
	}
	if vm.registerer != nil {
		vm.registerer.MustRegister(vm.migrations, vm.duration)
	}

	return vm.wrap
}

func (vm *versionMiddleware) wrap(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		span, ctx := tracing.StartSpanFromContext(r.Context(), "VersionMiddleware")
		defer span.Finish()
		r = r.WithContext(ctx)

		if vm.configErr != nil {
			vm.handleError(ctx, span, w, vm.configErr)
			return
		}

		requested := vm.opts.requested(r)
		served := vm.served(requested, span)
		span.SetTag("requested_version", requested)
		span.SetTag("current_version", vm.opts.CurrentVersion)

		body, err := readBody(r)
		if err != nil {
			vm.handleError(ctx, span, w, err)
			return
		}

		exchange := NewExchange(body)
		migrator := NewVersionMigrator(vm.migrator, exchange, requested, vm.opts.CurrentVersion)

		if len(body) > 0 {
			if err := vm.observe(apiversion.Up, served, migrator.ApplyUpMigrations); err != nil {
				vm.handleError(ctx, span, w, upError(err))
				return
			}
			upgraded := []byte(exchange.GetRequestBody())
			r.Body = io.NopCloser(bytes.NewReader(upgraded))
			r.ContentLength = int64(len(upgraded))
			r.Header.Set("Content-Length", strconv.Itoa(len(upgraded)))
		}

		next.ServeHTTP(exchange.ResponseWriter(), r)

		if exchange.GetResponseBody() != "" {
			if err := vm.observe(apiversion.Down, served, migrator.ApplyDownMigrations); err != nil {
				vm.handleError(ctx, span, w, downError(err))
				return
			}
		}

		w.Header().Set(VersionServedHeader, served.String())
		if err := exchange.Flush(w); err != nil {
			vm.log.Debug("Failed to write migrated response", zap.Error(err))
		}
	}
	return http.HandlerFunc(fn)
}

// served returns the version the response will be shaped as, logging a
// warning when the client asked for something unparsable.
func (vm *versionMiddleware) served(requested string, span opentracing.Span) apiversion.Tag {
	if requested == "" {
		return vm.current
	}
	tag, err := apiversion.ParseTag(requested)
	if err != nil {
		vm.log.Warn("Malformed requested API version, serving current version",
			zap.String("requested_version", requested),
			zap.String("current_version", vm.opts.CurrentVersion),
			zap.Error(err))
		span.LogKV("malformed_requested_version", requested)
		return vm.current
	}
	if vm.current.Less(tag) {
		// no migration is newer than the current version
		return vm.current
	}
	return tag
}

func (vm *versionMiddleware) observe(dir apiversion.Direction, served apiversion.Tag, fn func() error) error {
	if served.Equal(vm.current) {
		vm.migrations.WithLabelValues(dir.String(), "noop").Inc()
		return fn()
	}

	start := time.Now()
	err := fn()
	vm.duration.WithLabelValues(dir.String()).Observe(time.Since(start).Seconds())

	result := "ok"
	if err != nil {
		result = "error"
	}
	vm.migrations.WithLabelValues(dir.String(), result).Inc()
	return err
}

func (vm *versionMiddleware) handleError(ctx context.Context, span opentracing.Span, w http.ResponseWriter, err error) {
	_ = tracing.LogError(span, err)
	log := logger.FromContext(ctx)
	if log == nil {
		log = vm.log
	}
	switch errors.ErrorCode(err) {
	case errors.EInternal, errors.EConfiguration:
		log.Error("API version migration failed", zap.Error(err))
	default:
		log.Debug("API version migration rejected request", zap.Error(err))
	}
	vm.errorHandler.HandleHTTPError(ctx, err, w)
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if stderrors.As(err, &maxErr) {
			return nil, &errors.Error{
				Code: errors.ETooLarge,
				Op:   "http/VersionMiddleware",
				Msg:  "request body exceeds " + strconv.FormatInt(maxErr.Limit, 10) + " bytes",
			}
		}
		return nil, &errors.Error{
			Code: errors.EInvalid,
			Op:   "http/VersionMiddleware",
			Msg:  "unable to read request body",
			Err:  err,
		}
	}
	return body, nil
}

// upError reports a request the client sent in a shape that could not be
// upgraded as the client's fault.
func upError(err error) error {
	if !apiversion.IsTransformError(err) {
		return err
	}
	return &errors.Error{
		Code: errors.EInvalid,
		Op:   "http/VersionMiddleware",
		Msg:  "request body could not be migrated to the current API version",
		Err:  err,
	}
}

// downError reports a response that could not be downgraded as a server
// fault.
func downError(err error) error {
	if !apiversion.IsTransformError(err) {
		return err
	}
	return &errors.Error{
		Code: errors.EInternal,
		Op:   "http/VersionMiddleware",
		Msg:  "response body could not be migrated to the requested API version",
		Err:  err,
	}
}
