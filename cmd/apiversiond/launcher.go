package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/influxdata/apiversion"
	"github.com/influxdata/apiversion/kit/cli"
	"github.com/influxdata/apiversion/logger"
	"github.com/influxdata/apiversion/manifest"
	"github.com/influxdata/apiversion/migration"
	"github.com/influxdata/apiversion/services/gateway"
	itoml "github.com/influxdata/apiversion/toml"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	jaegerconfig "github.com/uber/jaeger-client-go/config"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const (
	// JaegerTracing enables tracing via the Jaeger client configured from
	// the standard JAEGER_* environment variables.
	JaegerTracing = "jaeger"
)

// Launcher holds the daemon options and runs the gateway service.
type Launcher struct {
	configPath        string
	bindAddress       string
	upstreamURL       string
	currentVersion    string
	migrationsPath    string
	versionHeader     string
	versionQueryParam string
	maxBodySize       string
	logLevel          zapcore.Level
	logFormat         string
	tracingType       string

	stdout io.Writer
	log    *zap.Logger
	// listening is closed once the service accepts connections.
	listening chan struct{}
	service   *gateway.Service
}

// NewLauncher returns a Launcher that logs to stdout.
func NewLauncher() *Launcher {
	return &Launcher{
		stdout:    os.Stdout,
		log:       zap.NewNop(),
		listening: make(chan struct{}),
	}
}

func (m *Launcher) opts() []cli.Opt {
	return []cli.Opt{
		{
			DestP: &m.configPath,
			Flag:  "config",
			Desc:  "path to a TOML file with the gateway configuration; flags and env vars override its values",
		},
		{
			DestP: &m.bindAddress,
			Flag:  "bind-address",
			Desc:  fmt.Sprintf("address the gateway listens on (default %q)", gateway.DefaultBindAddress),
		},
		{
			DestP: &m.upstreamURL,
			Flag:  "upstream-url",
			Desc:  "URL of the service that speaks the current API version",
		},
		{
			DestP: &m.currentVersion,
			Flag:  "current-version",
			Desc:  "API version spoken by the upstream, e.g. 1.2.0",
		},
		{
			DestP: &m.migrationsPath,
			Flag:  "migrations-path",
			Desc:  "YAML or TOML manifest of API migrations",
		},
		{
			DestP: &m.versionHeader,
			Flag:  "version-header",
			Desc:  "request header carrying the client's API version (default \"X-Api-Version\")",
		},
		{
			DestP: &m.versionQueryParam,
			Flag:  "version-query-param",
			Desc:  "query parameter carrying the client's API version when the header is absent (default \"api-version\")",
		},
		{
			DestP: &m.maxBodySize,
			Flag:  "max-body-size",
			Desc:  "maximum request body size, e.g. 25MB; 0 disables the limit",
		},
		{
			DestP:   &m.logLevel,
			Flag:    "log-level",
			Default: zapcore.InfoLevel,
			Desc:    "supported log levels are debug, info, warn and error",
		},
		{
			DestP:   &m.logFormat,
			Flag:    "log-format",
			Default: "auto",
			Desc:    "log output format: auto, console, logfmt or json",
		},
		{
			DestP: &m.tracingType,
			Flag:  "tracing-type",
			Desc:  fmt.Sprintf("tracing type to enable, one of %q", JaegerTracing),
		},
	}
}

// NewCommand returns the apiversiond command bound to m's options.
func (m *Launcher) NewCommand(ctx context.Context, v *viper.Viper) (*cobra.Command, error) {
	cmd, err := cli.NewCommand(v, &cli.Program{
		Name: "apiversiond",
		Run: func() error {
			return m.Run(ctx)
		},
		Opts: m.opts(),
	})
	if err != nil {
		return nil, err
	}
	cmd.Short = "Serve older API versions in front of a service that only speaks the current one"
	cmd.SilenceUsage = true
	return cmd, nil
}

// Config assembles the gateway configuration: defaults, then the --config
// file, then any option given as a flag or env var.
func (m *Launcher) Config() (gateway.Config, error) {
	c := gateway.NewConfig()
	if m.configPath != "" {
		md, err := toml.DecodeFile(m.configPath, &c)
		if err != nil {
			return c, apiversion.ConfigurationError("apiversiond/Config", "config file "+m.configPath, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return c, apiversion.ConfigurationError("apiversiond/Config",
				fmt.Sprintf("unknown keys in %s: %v", m.configPath, undecoded), nil)
		}
	}

	for _, o := range []struct {
		val  string
		dest *string
	}{
		{m.bindAddress, &c.BindAddress},
		{m.upstreamURL, &c.UpstreamURL},
		{m.currentVersion, &c.CurrentVersion},
		{m.migrationsPath, &c.MigrationsPath},
		{m.versionHeader, &c.VersionHeader},
		{m.versionQueryParam, &c.VersionQueryParam},
	} {
		if o.val != "" {
			*o.dest = o.val
		}
	}
	if m.maxBodySize != "" {
		size, err := itoml.ParseSize(m.maxBodySize)
		if err != nil {
			return c, apiversion.ConfigurationError("apiversiond/Config", "max-body-size", err)
		}
		c.MaxBodySize = size
	}

	return c, c.Validate()
}

// Run starts the gateway and blocks until ctx is done, SIGINT or SIGTERM
// arrives, or the listener fails.
func (m *Launcher) Run(ctx context.Context) (err error) {
	log, err := logger.New(m.stdout, logger.Config{Format: m.logFormat, Level: m.logLevel})
	if err != nil {
		return err
	}
	m.log = log
	defer func() { _ = log.Sync() }()

	c, err := m.Config()
	if err != nil {
		log.Error("Invalid configuration", zap.Error(err))
		return err
	}

	if m.tracingType == JaegerTracing {
		closer, jerr := m.setupJaeger()
		if jerr != nil {
			log.Error("Failed to set up Jaeger tracing", zap.Error(jerr))
		} else {
			defer func() { err = multierr.Append(err, closer.Close()) }()
		}
	}

	var source migration.Source
	if c.MigrationsPath != "" {
		source = manifest.Source(c.MigrationsPath)
	} else {
		log.Warn("No migrations-path configured, requests are proxied unchanged")
		source = migration.StaticSource()
	}

	// Build the registry now so a bad manifest stops the process before it
	// accepts traffic.
	registry := migration.NewRegistry(log, source)
	if _, err := registry.Migrations(); err != nil {
		log.Error("Failed to load API migrations", zap.Error(err))
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.service, err = gateway.NewService(log, c, registry, promReg)
	if err != nil {
		return err
	}
	if err := m.service.Open(); err != nil {
		log.Error("Failed to open gateway", zap.Error(err))
		return err
	}
	close(m.listening)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-m.service.Err():
			return err
		case <-ctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down gateway")
		return m.service.Close()
	})
	return g.Wait()
}

func (m *Launcher) setupJaeger() (io.Closer, error) {
	m.log.Info("Tracing via Jaeger")
	cfg, err := jaegerconfig.FromEnv()
	if err != nil {
		return nil, err
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "apiversiond"
	}
	tracer, closer, err := cfg.NewTracer()
	if err != nil {
		return nil, err
	}
	opentracing.SetGlobalTracer(tracer)
	return closer, nil
}
