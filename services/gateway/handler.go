package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httputil"

	"github.com/NYTimes/gziphandler"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/influxdata/apiversion"
	apihttp "github.com/influxdata/apiversion/http"
	"github.com/influxdata/apiversion/kit/platform/errors"
	"github.com/influxdata/apiversion/kit/tracing"
	kithttp "github.com/influxdata/apiversion/kit/transport/http"
	"github.com/influxdata/apiversion/migration"
	"github.com/influxdata/apiversion/toml"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler routes gateway requests. Anything that is not one of the
// gateway's own endpoints is migrated and proxied to the upstream.
type Handler struct {
	chi.Router

	log      *zap.Logger
	config   Config
	registry *migration.Registry
	engine   *migration.Engine

	kithttp.HTTPErrorHandler
}

// NewHandler returns a new Handler. c must be valid.
func NewHandler(log *zap.Logger, c Config, reg *migration.Registry, promReg *prometheus.Registry) *Handler {
	h := &Handler{
		Router:           chi.NewRouter(),
		log:              log,
		config:           c,
		registry:         reg,
		engine:           migration.NewEngine(reg),
		HTTPErrorHandler: kithttp.ErrorHandler(0),
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "http",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Number of http requests received",
	}, kithttp.MetricLabels)
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "http",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Time taken to respond to HTTP request",
	}, kithttp.MetricLabels)
	promReg.MustRegister(requests, durations)

	versionOpts := apihttp.VersionOptions{
		CurrentVersion:   c.CurrentVersion,
		RequestedVersion: c.versionFunc(),
	}

	mws := []kithttp.Middleware{kithttp.Trace("gateway")}
	if c.LogEnabled {
		mws = append(mws, apihttp.LoggingMW(log, versionOpts.RequestedVersion))
	}
	mws = append(mws,
		kithttp.Metrics("gateway", requests, durations),
		limitBody(int64(c.MaxBodySize)),
		apihttp.VersionMiddleware(log, h.engine, versionOpts,
			apihttp.WithRegisterer(promReg),
			apihttp.WithErrorHandler(h.HTTPErrorHandler),
		),
	)

	h.Use(middleware.Recoverer)
	h.Get("/health", apihttp.ReadyHandler().ServeHTTP)
	h.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	h.Get("/api/versions", gziphandler.GzipHandler(http.HandlerFunc(h.handleGetVersions)).ServeHTTP)
	h.Handle("/*", kithttp.Chain(h.newProxy(), mws...))

	return h
}

func (h *Handler) newProxy() http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(h.config.upstream())
	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		// Migrations need plain bodies; without a client Accept-Encoding the
		// transport asks for gzip itself and decodes the response.
		r.Header.Del("Accept-Encoding")
		if span := opentracing.SpanFromContext(r.Context()); span != nil {
			tracing.InjectToHTTPRequest(span, r)
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		h.log.Info("Upstream request failed", zap.String("path", r.URL.Path), zap.Error(err))
		h.HandleHTTPError(r.Context(), &errors.Error{
			Code: errors.EUnavailable,
			Op:   "gateway/proxy",
			Msg:  "upstream unavailable",
			Err:  err,
		}, w)
	}
	return proxy
}

type migrationResponse struct {
	Version string `json:"version"`
	Name    string `json:"name"`
}

type versionsResponse struct {
	Current    string              `json:"current"`
	Migrations []migrationResponse `json:"migrations"`
	Requested  string              `json:"requested,omitempty"`
	Up         []migrationResponse `json:"up,omitempty"`
	Down       []migrationResponse `json:"down,omitempty"`
}

// handleGetVersions lists the registered migrations. With ?requested=<version>
// it also shows the chains that would run for that version.
func (h *Handler) handleGetVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ms, err := h.registry.Migrations()
	if err != nil {
		h.HandleHTTPError(ctx, err, w)
		return
	}
	res := versionsResponse{
		Current:    h.config.CurrentVersion,
		Migrations: newMigrationsResponse(ms),
	}

	if requested := r.URL.Query().Get("requested"); requested != "" {
		if _, err := apiversion.ParseTag(requested); err != nil {
			h.HandleHTTPError(ctx, err, w)
			return
		}
		res.Requested = requested
		up, err := h.engine.Plan(apiversion.Up, requested, h.config.CurrentVersion)
		if err != nil {
			h.HandleHTTPError(ctx, err, w)
			return
		}
		down, err := h.engine.Plan(apiversion.Down, requested, h.config.CurrentVersion)
		if err != nil {
			h.HandleHTTPError(ctx, err, w)
			return
		}
		res.Up = newMigrationsResponse(up)
		res.Down = newMigrationsResponse(down)
	}

	if err := encodeResponse(ctx, w, http.StatusOK, res); err != nil {
		h.log.Info("Failed to encode response", zap.Error(err))
	}
}

func newMigrationsResponse(ms []apiversion.Migration) []migrationResponse {
	out := make([]migrationResponse, 0, len(ms))
	for _, m := range ms {
		out = append(out, migrationResponse{
			Version: m.Version().String(),
			Name:    m.Name(),
		})
	}
	return out
}

func encodeResponse(ctx context.Context, w http.ResponseWriter, code int, res interface{}) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(res)
}

// limitBody caps request bodies at n bytes; 0 disables the limit.
func limitBody(n int64) kithttp.Middleware {
	return func(next http.Handler) http.Handler {
		if n <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > n {
				kithttp.ErrorHandler(0).HandleHTTPError(r.Context(), &errors.Error{
					Code: errors.ETooLarge,
					Op:   "gateway/limitBody",
					Msg:  "request body exceeds " + toml.Size(n).String(),
				}, w)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}
