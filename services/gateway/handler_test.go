package gateway_test

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/NYTimes/gziphandler"
	"github.com/influxdata/apiversion"
	apihttp "github.com/influxdata/apiversion/http"
	"github.com/influxdata/apiversion/kit/prom/promtest"
	kithttp "github.com/influxdata/apiversion/kit/transport/http"
	"github.com/influxdata/apiversion/migration"
	"github.com/influxdata/apiversion/migration/migrationtest"
	"github.com/influxdata/apiversion/services/gateway"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// widgets is an upstream that only understands the current version. It
// echoes the request body back with an id added.
func widgets(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Content-Encoding"))
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"b":7,"c":[8]}`)
			return
		}

		var obj map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&obj); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, ok := obj["c"].([]interface{}); !ok {
			http.Error(w, `{"error":"c must be a list"}`, http.StatusUnprocessableEntity)
			return
		}
		obj["id"] = "w1"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(obj)
	}))
}

func newHandler(t *testing.T, upstream string, reg *prometheus.Registry) *gateway.Handler {
	t.Helper()
	c := gateway.NewConfig()
	c.UpstreamURL = upstream
	c.CurrentVersion = migrationtest.CurrentVersion
	c.MaxBodySize = 64
	require.NoError(t, c.Validate())

	registry := migration.NewRegistry(zaptest.NewLogger(t), migration.StaticSource(migrationtest.Scenario()...))
	return gateway.NewHandler(zaptest.NewLogger(t), c, registry, reg)
}

func TestHandler_ProxyMigratesBothWays(t *testing.T) {
	up := widgets(t)
	defer up.Close()
	h := newHandler(t, up.URL, prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodPost, "/api/widgets", strings.NewReader(`{"a":1,"c":5}`))
	req.Header.Set(apihttp.DefaultVersionHeader, "1.0.0")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"a":1,"c":5,"id":"w1"}`, rec.Body.String())
	assert.Equal(t, "1.0.0", rec.Header().Get(apihttp.VersionServedHeader))
	assert.NotEmpty(t, rec.Header().Get(apihttp.RequestIDHeader))
}

func TestHandler_ProxyQueryVersion(t *testing.T) {
	up := widgets(t)
	defer up.Close()
	h := newHandler(t, up.URL, prometheus.NewRegistry())

	tests := []struct {
		target string
		want   string
	}{
		{target: "/api/widgets/w1?api-version=1.0.0", want: `{"a":7,"c":8}`},
		// a migration applies to clients at its own version
		{target: "/api/widgets/w1?api-version=1.1.0", want: `{"a":7,"c":8}`},
		{target: "/api/widgets/w1?api-version=1.1.5", want: `{"b":7,"c":8}`},
		{target: "/api/widgets/w1?api-version=1.2.0", want: `{"b":7,"c":[8]}`},
		{target: "/api/widgets/w1", want: `{"b":7,"c":[8]}`},
		{target: "/api/widgets/w1?api-version=banana", want: `{"b":7,"c":[8]}`},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, tt.want, rec.Body.String())
		})
	}
}

func TestHandler_ProxyCompressedUpstream(t *testing.T) {
	pad := strings.Repeat("x", 5000)
	up := httptest.NewServer(gziphandler.GzipHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"b":7,"c":[8],"pad":"`+pad+`"}`)
	})))
	defer up.Close()
	h := newHandler(t, up.URL, prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/api/widgets/w1", nil)
	req.Header.Set(apihttp.DefaultVersionHeader, "1.0.0")
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.JSONEq(t, `{"a":7,"c":8,"pad":"`+pad+`"}`, rec.Body.String())
	assert.Equal(t, strconv.Itoa(rec.Body.Len()), rec.Header().Get("Content-Length"))
}

func TestHandler_ProxyErrors(t *testing.T) {
	up := widgets(t)
	h := newHandler(t, up.URL, prometheus.NewRegistry())

	t.Run("body too large", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/widgets", strings.NewReader(`{"a":"`+strings.Repeat("x", 100)+`"}`))
		req.Header.Set(apihttp.DefaultVersionHeader, "1.0.0")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, "request too large", rec.Header().Get(kithttp.PlatformErrorCodeHeader))
	})

	t.Run("body cannot be migrated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/widgets", strings.NewReader(`{"a":`))
		req.Header.Set(apihttp.DefaultVersionHeader, "1.0.0")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid", rec.Header().Get(kithttp.PlatformErrorCodeHeader))
	})

	t.Run("upstream down", func(t *testing.T) {
		up.Close()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/widgets/w1", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "unavailable", rec.Header().Get(kithttp.PlatformErrorCodeHeader))
	})
}

func TestHandler_Versions(t *testing.T) {
	h := newHandler(t, "http://localhost:1", prometheus.NewRegistry())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/versions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"current": "1.2.0",
		"migrations": [
			{"version": "1.1.0", "name": "rename a to b"},
			{"version": "1.2.0", "name": "wrap c"}
		]
	}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/versions?requested=1.1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"current": "1.2.0",
		"migrations": [
			{"version": "1.1.0", "name": "rename a to b"},
			{"version": "1.2.0", "name": "wrap c"}
		],
		"requested": "1.1",
		"up": [
			{"version": "1.1.0", "name": "rename a to b"},
			{"version": "1.2.0", "name": "wrap c"}
		],
		"down": [
			{"version": "1.2.0", "name": "wrap c"},
			{"version": "1.1.0", "name": "rename a to b"}
		]
	}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/versions?requested=banana", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid", rec.Header().Get(kithttp.PlatformErrorCodeHeader))
}

func TestHandler_VersionsGzip(t *testing.T) {
	var log migrationtest.Log
	versions := make([]string, 0, 60)
	for i := 1; i <= 60; i++ {
		versions = append(versions, fmt.Sprintf("1.%d.0", i))
	}

	c := gateway.NewConfig()
	c.UpstreamURL = "http://localhost:1"
	c.CurrentVersion = "2.0.0"
	registry := migration.NewRegistry(zaptest.NewLogger(t), migration.StaticSource(migrationtest.Recorders(&log, versions...)...))
	h := gateway.NewHandler(zaptest.NewLogger(t), c, registry, prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/api/versions", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	var res struct {
		Current    string `json:"current"`
		Migrations []struct {
			Version string `json:"version"`
		} `json:"migrations"`
	}
	require.NoError(t, json.NewDecoder(zr).Decode(&res))
	assert.Equal(t, "2.0.0", res.Current)
	require.Len(t, res.Migrations, 60)
	assert.Equal(t, apiversion.MustParseTag("1.60.0").String(), res.Migrations[59].Version)
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	up := widgets(t)
	defer up.Close()
	reg := prometheus.NewRegistry()
	h := newHandler(t, up.URL, reg)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready"`)

	req := httptest.NewRequest(http.MethodGet, "/api/widgets/w1", nil)
	req.Header.Set(apihttp.DefaultVersionHeader, "1.0.0")
	h.ServeHTTP(httptest.NewRecorder(), req)

	srv := httptest.NewServer(h)
	defer srv.Close()
	res, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	mfs, err := promtest.FromHTTPResponse(res)
	require.NoError(t, err)

	promtest.MustFindMetric(t, mfs, "http_api_requests_total", map[string]string{
		"handler":       "gateway",
		"method":        "GET",
		"status":        "2XX",
		"response_code": "200",
		"user_agent":    "unknown",
	})
	down := promtest.MustFindMetric(t, mfs, "apiversion_http_migrations_total", map[string]string{
		"direction": "down",
		"result":    "ok",
	})
	assert.Equal(t, float64(1), down.GetCounter().GetValue())
}
