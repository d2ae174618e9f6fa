package http

import (
	"net/http"
	"strings"

	"github.com/influxdata/apiversion"
)

const (
	// DefaultVersionHeader carries the contract version a client was built against.
	DefaultVersionHeader = "X-Api-Version"
	// DefaultVersionQueryParam is the query string alternative to DefaultVersionHeader.
	DefaultVersionQueryParam = "api-version"
	// VersionServedHeader reports the contract version of the response body.
	VersionServedHeader = "X-Api-Version-Served"
)

// VersionFunc returns the version a request was authored against, or the
// empty string when the request does not say.
type VersionFunc func(r *http.Request) string

// HeaderVersion reads the requested version from header name.
func HeaderVersion(name string) VersionFunc {
	return func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get(name))
	}
}

// QueryVersion reads the requested version from query parameter param.
func QueryVersion(param string) VersionFunc {
	return func(r *http.Request) string {
		return strings.TrimSpace(r.URL.Query().Get(param))
	}
}

// FirstVersion returns the first non-empty version reported by fns.
func FirstVersion(fns ...VersionFunc) VersionFunc {
	return func(r *http.Request) string {
		for _, fn := range fns {
			if v := fn(r); v != "" {
				return v
			}
		}
		return ""
	}
}

// VersionOptions configures VersionMiddleware.
type VersionOptions struct {
	// CurrentVersion is the contract the wrapped handler speaks.
	CurrentVersion string
	// RequestedVersion extracts the client's version from a request.
	// Defaults to the DefaultVersionHeader header.
	RequestedVersion VersionFunc
}

// Validate checks that the current version is well formed.
func (o VersionOptions) Validate() error {
	if _, err := apiversion.ParseTag(o.CurrentVersion); err != nil {
		return apiversion.ConfigurationError("http/VersionOptions.Validate", "current version", err)
	}
	return nil
}

func (o VersionOptions) requested(r *http.Request) string {
	if o.RequestedVersion == nil {
		return HeaderVersion(DefaultVersionHeader)(r)
	}
	return o.RequestedVersion(r)
}
