package http_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/influxdata/apiversion"
	apihttp "github.com/influxdata/apiversion/http"
	"github.com/influxdata/apiversion/kit/prom/promtest"
	kithttp "github.com/influxdata/apiversion/kit/transport/http"
	"github.com/influxdata/apiversion/migration"
	"github.com/influxdata/apiversion/migration/migrationtest"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func newEngine(t *testing.T, ms ...apiversion.Migration) *migration.Engine {
	t.Helper()
	return migration.NewEngine(migration.NewRegistry(zaptest.NewLogger(t), migration.StaticSource(ms...)))
}

// upstream records the request it received and answers with response.
type upstream struct {
	called      bool
	body        string
	length      int64
	status      int
	contentType string
	response    string
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.called = true
	b, _ := io.ReadAll(r.Body)
	u.body = string(b)
	u.length = r.ContentLength

	if u.contentType != "" {
		w.Header().Set("Content-Type", u.contentType)
	}
	// a stale length that the middleware must replace
	w.Header().Set("Content-Length", strconv.Itoa(len(u.response)))
	status := u.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, u.response)
}

func serve(h http.Handler, method, version, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "/api/widgets", r)
	if version != "" {
		req.Header.Set(apihttp.DefaultVersionHeader, version)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestVersionMiddleware_Scenario(t *testing.T) {
	up := &upstream{
		status:      http.StatusCreated,
		contentType: "application/json",
		response:    `{"b":2,"c":[7]}`,
	}
	mw := apihttp.VersionMiddleware(zaptest.NewLogger(t), newEngine(t, migrationtest.Scenario()...), apihttp.VersionOptions{
		CurrentVersion: migrationtest.CurrentVersion,
	})

	rec := serve(mw(up), http.MethodPost, "1.0.0", `{"a":1,"c":5}`)

	require.True(t, up.called)
	assert.JSONEq(t, `{"b":1,"c":[5]}`, up.body)
	assert.Equal(t, int64(len(up.body)), up.length)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"a":2,"c":7}`, rec.Body.String())
	assert.Equal(t, strconv.Itoa(rec.Body.Len()), rec.Header().Get("Content-Length"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1.0.0", rec.Header().Get(apihttp.VersionServedHeader))
}

func TestVersionMiddleware_CurrentVersionIsUntouched(t *testing.T) {
	var log migrationtest.Log
	const (
		reqBody  = `{ "b": 1,   "c": [5] }`
		respBody = `{ "b": 2,   "c": [7] }`
	)

	for _, version := range []string{"", migrationtest.CurrentVersion, "1.2", "3.0.0"} {
		t.Run("version="+version, func(t *testing.T) {
			up := &upstream{response: respBody}
			mw := apihttp.VersionMiddleware(zaptest.NewLogger(t), newEngine(t, migrationtest.Recorders(&log, "1.1.0", "1.2.0")...), apihttp.VersionOptions{
				CurrentVersion: migrationtest.CurrentVersion,
			})

			rec := serve(mw(up), http.MethodPut, version, reqBody)

			assert.Equal(t, reqBody, up.body)
			assert.Equal(t, respBody, rec.Body.String())
			assert.Equal(t, "1.2.0", rec.Header().Get(apihttp.VersionServedHeader))
		})
	}
	assert.Empty(t, log.Calls())
}

func TestVersionMiddleware_MalformedRequestedVersion(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	up := &upstream{response: `{"b":2,"c":[7]}`}
	mw := apihttp.VersionMiddleware(zap.New(core), newEngine(t, migrationtest.Scenario()...), apihttp.VersionOptions{
		CurrentVersion: migrationtest.CurrentVersion,
	})

	rec := serve(mw(up), http.MethodPost, "banana", `{"b":1,"c":[5]}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"b":1,"c":[5]}`, up.body)
	assert.Equal(t, `{"b":2,"c":[7]}`, rec.Body.String())
	assert.Equal(t, migrationtest.CurrentVersion, rec.Header().Get(apihttp.VersionServedHeader))

	entries := logs.FilterMessageSnippet("Malformed requested API version").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "banana", entries[0].ContextMap()["requested_version"])
}

func TestVersionMiddleware_NoBodySkipsUp(t *testing.T) {
	var log migrationtest.Log
	up := &upstream{response: `{}`}
	mw := apihttp.VersionMiddleware(zaptest.NewLogger(t), newEngine(t, migrationtest.Recorders(&log, "1.0.0", "1.1.0", "1.2.0")...), apihttp.VersionOptions{
		CurrentVersion:   migrationtest.CurrentVersion,
		RequestedVersion: apihttp.QueryVersion(apihttp.DefaultVersionQueryParam),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/widgets?api-version=1.1.0", nil)
	rec := httptest.NewRecorder()
	mw(up).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []migrationtest.Call{
		{Version: "1.2.0", Direction: apiversion.Down},
		{Version: "1.1.0", Direction: apiversion.Down},
	}, log.Calls())
}

func TestVersionMiddleware_EmptyResponseSkipsDown(t *testing.T) {
	var log migrationtest.Log
	up := &upstream{status: http.StatusNoContent}
	mw := apihttp.VersionMiddleware(zaptest.NewLogger(t), newEngine(t, migrationtest.Recorders(&log, "1.1.0")...), apihttp.VersionOptions{
		CurrentVersion: migrationtest.CurrentVersion,
	})

	rec := serve(mw(up), http.MethodDelete, "1.0.0", "")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, log.Calls())
}

func TestVersionMiddleware_HeadKeepsContentLength(t *testing.T) {
	var log migrationtest.Log
	mw := apihttp.VersionMiddleware(zaptest.NewLogger(t), newEngine(t, migrationtest.Recorders(&log, "1.1.0")...), apihttp.VersionOptions{
		CurrentVersion: migrationtest.CurrentVersion,
	})
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", "2048")
		w.WriteHeader(http.StatusOK)
	}))

	rec := serve(h, http.MethodHead, "1.0.0", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2048", rec.Header().Get("Content-Length"))
	assert.Empty(t, log.Calls())
}

func TestVersionMiddleware_InvalidCurrentVersion(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	var log migrationtest.Log
	mw := apihttp.VersionMiddleware(zap.New(core), newEngine(t, migrationtest.Recorders(&log, "1.1.0")...), apihttp.VersionOptions{
		CurrentVersion: "latest",
	})

	entries := logs.FilterMessage("Invalid current API version").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "latest", entries[0].ContextMap()["current_version"])

	for _, requested := range []string{"", "1.0.0", "banana"} {
		up := &upstream{response: `{"b":1}`}
		rec := serve(mw(up), http.MethodGet, requested, "")

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "configuration error", rec.Header().Get(kithttp.PlatformErrorCodeHeader))
		assert.Empty(t, rec.Header().Get(apihttp.VersionServedHeader))
		assert.False(t, up.called, "requested %q", requested)
	}
	assert.Empty(t, log.Calls())
}

func TestVersionMiddleware_Errors(t *testing.T) {
	tests := []struct {
		name       string
		current    string
		migrations []apiversion.Migration
		body       string
		response   string
		wantStatus int
		wantCode   string
		wantCalled bool
	}{
		{
			name:       "request body cannot be upgraded",
			current:    migrationtest.CurrentVersion,
			migrations: migrationtest.Scenario(),
			body:       `not json`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid",
		},
		{
			name:       "response body cannot be downgraded",
			current:    migrationtest.CurrentVersion,
			migrations: migrationtest.Scenario(),
			response:   `plain text`,
			wantStatus: http.StatusInternalServerError,
			wantCode:   "internal error",
			wantCalled: true,
		},
		{
			name:       "malformed current version",
			current:    "latest",
			migrations: migrationtest.Scenario(),
			body:       `{"a":1}`,
			wantStatus: http.StatusInternalServerError,
			wantCode:   "configuration error",
		},
		{
			name:    "duplicate migrations",
			current: migrationtest.CurrentVersion,
			migrations: []apiversion.Migration{
				migrationtest.Failing(apiversion.MustParseTag("1.1.0"), errors.New("one")),
				migrationtest.Failing(apiversion.MustParseTag("1.1.0"), errors.New("two")),
			},
			body:       `{"a":1}`,
			wantStatus: http.StatusInternalServerError,
			wantCode:   "configuration error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &upstream{response: tt.response}
			mw := apihttp.VersionMiddleware(zaptest.NewLogger(t), newEngine(t, tt.migrations...), apihttp.VersionOptions{
				CurrentVersion: tt.current,
			})

			method := http.MethodGet
			if tt.body != "" {
				method = http.MethodPost
			}
			rec := serve(mw(up), method, "1.0.0", tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, rec.Header().Get(kithttp.PlatformErrorCodeHeader))
			assert.Equal(t, tt.wantCalled, up.called)
			assert.Empty(t, rec.Header().Get(apihttp.VersionServedHeader))
		})
	}
}

func TestVersionMiddleware_BodyTooLarge(t *testing.T) {
	up := &upstream{}
	mw := apihttp.VersionMiddleware(zaptest.NewLogger(t), newEngine(t, migrationtest.Scenario()...), apihttp.VersionOptions{
		CurrentVersion: migrationtest.CurrentVersion,
	})

	req := httptest.NewRequest(http.MethodPost, "/api/widgets", strings.NewReader(`{"a":"0123456789"}`))
	req.Header.Set(apihttp.DefaultVersionHeader, "1.0.0")
	rec := httptest.NewRecorder()
	req.Body = http.MaxBytesReader(rec, req.Body, 8)
	mw(up).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "request too large", rec.Header().Get(kithttp.PlatformErrorCodeHeader))
	assert.False(t, up.called)
}

func TestVersionMiddleware_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	mw := apihttp.VersionMiddleware(zaptest.NewLogger(t), newEngine(t, migrationtest.Scenario()...), apihttp.VersionOptions{
		CurrentVersion: migrationtest.CurrentVersion,
	}, apihttp.WithRegisterer(reg))

	h := mw(&upstream{response: `{"b":2,"c":[7]}`})
	serve(h, http.MethodPost, "1.0.0", `{"a":1,"c":5}`)
	serve(h, http.MethodPost, "1.0.0", `{"a":1,"c":5}`)
	serve(h, http.MethodPost, migrationtest.CurrentVersion, `{"b":1,"c":[5]}`)
	serve(h, http.MethodPost, "1.0.0", `[`)

	mfs := promtest.MustGather(t, reg)
	counter := func(dir, result string) float64 {
		m := promtest.MustFindMetric(t, mfs, "apiversion_http_migrations_total", map[string]string{
			"direction": dir,
			"result":    result,
		})
		return m.GetCounter().GetValue()
	}
	assert.Equal(t, float64(2), counter("up", "ok"))
	assert.Equal(t, float64(2), counter("down", "ok"))
	assert.Equal(t, float64(1), counter("up", "noop"))
	assert.Equal(t, float64(1), counter("down", "noop"))
	assert.Equal(t, float64(1), counter("up", "error"))

	hist := promtest.MustFindMetric(t, mfs, "apiversion_http_migration_duration_seconds", map[string]string{
		"direction": "up",
	})
	assert.Equal(t, uint64(3), hist.GetHistogram().GetSampleCount())
}

func TestVersionMiddleware_Tracing(t *testing.T) {
	tracer := mocktracer.New()
	opentracing.SetGlobalTracer(tracer)
	defer opentracing.SetGlobalTracer(opentracing.NoopTracer{})

	mw := apihttp.VersionMiddleware(zaptest.NewLogger(t), newEngine(t, migrationtest.Scenario()...), apihttp.VersionOptions{
		CurrentVersion: migrationtest.CurrentVersion,
	})
	serve(mw(&upstream{response: `{}`}), http.MethodPost, "1.1.0", `{"c":1}`)

	spans := tracer.FinishedSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "VersionMiddleware", spans[0].OperationName)
	assert.Equal(t, "1.1.0", spans[0].Tag("requested_version"))
	assert.Equal(t, migrationtest.CurrentVersion, spans[0].Tag("current_version"))
}

func TestVersionOptions_Validate(t *testing.T) {
	assert.NoError(t, apihttp.VersionOptions{CurrentVersion: "1.2"}.Validate())

	err := apihttp.VersionOptions{CurrentVersion: "v1"}.Validate()
	require.Error(t, err)
	assert.True(t, apiversion.IsConfigurationError(err))
}
