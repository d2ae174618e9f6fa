package gateway

import (
	"fmt"
	"net/url"
	"time"

	"github.com/influxdata/apiversion"
	apihttp "github.com/influxdata/apiversion/http"
	"github.com/influxdata/apiversion/toml"
)

const (
	// DefaultBindAddress is the default address to bind to.
	DefaultBindAddress = ":8080"

	// DefaultMaxBodySize is the default maximum size of a client request body, in bytes. Specify 0 for no limit.
	DefaultMaxBodySize = 25e6

	// DefaultShutdownTimeout is how long Close waits for in-flight requests.
	DefaultShutdownTimeout = 10 * time.Second
)

// Config represents the configuration of the gateway service.
type Config struct {
	BindAddress       string        `toml:"bind-address"`
	UpstreamURL       string        `toml:"upstream-url"`
	CurrentVersion    string        `toml:"current-version"`
	VersionHeader     string        `toml:"version-header"`
	VersionQueryParam string        `toml:"version-query-param"`
	MigrationsPath    string        `toml:"migrations-path"`
	MaxBodySize       toml.Size     `toml:"max-body-size"`
	LogEnabled        bool          `toml:"log-enabled"`
	ShutdownTimeout   toml.Duration `toml:"shutdown-timeout"`
}

// NewConfig returns a new Config with default settings.
func NewConfig() Config {
	return Config{
		BindAddress:       DefaultBindAddress,
		VersionHeader:     apihttp.DefaultVersionHeader,
		VersionQueryParam: apihttp.DefaultVersionQueryParam,
		MaxBodySize:       DefaultMaxBodySize,
		LogEnabled:        true,
		ShutdownTimeout:   toml.Duration(DefaultShutdownTimeout),
	}
}

// Validate returns an error if the config is unusable.
func (c Config) Validate() error {
	if c.UpstreamURL == "" {
		return apiversion.ConfigurationError("gateway/Config.Validate", "upstream-url is required", nil)
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return apiversion.ConfigurationError("gateway/Config.Validate", "upstream-url", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apiversion.ConfigurationError("gateway/Config.Validate",
			fmt.Sprintf("upstream-url %q must use http or https", c.UpstreamURL), nil)
	}
	if _, err := apiversion.ParseTag(c.CurrentVersion); err != nil {
		return apiversion.ConfigurationError("gateway/Config.Validate", "current-version", err)
	}
	return nil
}

// upstream returns the parsed upstream URL. Validate must have succeeded.
func (c Config) upstream() *url.URL {
	u, _ := url.Parse(c.UpstreamURL)
	return u
}

// versionFunc reads the requested version from the configured header,
// falling back to the query parameter.
func (c Config) versionFunc() apihttp.VersionFunc {
	var fns []apihttp.VersionFunc
	if c.VersionHeader != "" {
		fns = append(fns, apihttp.HeaderVersion(c.VersionHeader))
	}
	if c.VersionQueryParam != "" {
		fns = append(fns, apihttp.QueryVersion(c.VersionQueryParam))
	}
	return apihttp.FirstVersion(fns...)
}
