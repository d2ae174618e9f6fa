package testing

import (
	"github.com/opentracing/opentracing-go"
	"github.com/uber/jaeger-client-go"
)

// SetupInMemoryTracing sets the global tracer to an in memory Jaeger instance for testing.
// The returned reporter holds every finished span. The returned function should be
// deferred by the caller to tear down this setup after testing is complete.
func SetupInMemoryTracing(name string) (*jaeger.InMemoryReporter, func()) {
	var (
		old            = opentracing.GlobalTracer()
		reporter       = jaeger.NewInMemoryReporter()
		tracer, closer = jaeger.NewTracer(name,
			jaeger.NewConstSampler(true),
			reporter,
		)
	)

	opentracing.SetGlobalTracer(tracer)
	return reporter, func() {
		_ = closer.Close()
		opentracing.SetGlobalTracer(old)
	}
}
