package migration

import (
	"fmt"
	"sort"
	"sync"

	"github.com/influxdata/apiversion"
	"go.uber.org/zap"
)

// Source enumerates every migration the application ships with.
// It is called at most once per Registry.
type Source func() ([]apiversion.Migration, error)

// StaticSource returns a Source over a fixed, compiled-in list.
func StaticSource(ms ...apiversion.Migration) Source {
	return func() ([]apiversion.Migration, error) {
		return ms, nil
	}
}

// Registry holds the full set of migrations sorted ascending by version.
// The set is built on first use and never changes afterwards, so readers
// need no locking once it is published.
type Registry struct {
	logger *zap.Logger
	source Source

	// Ensure we only build once.
	once sync.Once

	migrations []apiversion.Migration
	buildErr   error
}

// NewRegistry constructs a Registry over src. Nothing is read from src
// until Migrations is first called.
func NewRegistry(logger *zap.Logger, src Source) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger: logger,
		source: src,
	}
}

// Migrations returns the registered migrations in ascending version order.
// Every caller observes the same slice; it must not be modified.
//
// An error is returned when the source fails, contains a nil migration or
// two migrations share a version. The error is sticky: later calls
// return it as well.
func (r *Registry) Migrations() ([]apiversion.Migration, error) {
	r.once.Do(r.build)
	return r.migrations, r.buildErr
}

// Len returns the number of registered migrations, or zero when the
// registry failed to build.
func (r *Registry) Len() int {
	ms, err := r.Migrations()
	if err != nil {
		return 0
	}
	return len(ms)
}

func (r *Registry) build() {
	const op = "migration/Registry.build"

	if r.source == nil {
		r.buildErr = apiversion.ConfigurationError(op, "no migration source configured", nil)
		return
	}

	found, err := r.source()
	if err != nil {
		r.buildErr = apiversion.ConfigurationError(op, "loading migrations", err)
		return
	}

	// sort our own copy so the source's slice is never reordered under it
	ms := make([]apiversion.Migration, len(found))
	copy(ms, found)

	for i, m := range ms {
		if m == nil {
			r.buildErr = apiversion.ConfigurationError(op, fmt.Sprintf("migration at position %d is nil", i), nil)
			return
		}
	}

	sort.SliceStable(ms, func(i, j int) bool {
		return ms[i].Version().Less(ms[j].Version())
	})

	for i := 1; i < len(ms); i++ {
		prev, cur := ms[i-1], ms[i]
		if prev.Version().Equal(cur.Version()) {
			r.buildErr = apiversion.ConfigurationError(op, fmt.Sprintf(
				"migrations %q and %q share version %s",
				prev.Name(), cur.Name(), cur.Version(),
			), nil)
			return
		}
	}

	r.logger.Info("Registered API migrations", zap.Int("migration_count", len(ms)))
	for _, m := range ms {
		r.logger.Debug(
			"Registered API migration",
			zap.String("migration_name", m.Name()),
			zap.Stringer("migration_version", m.Version()),
		)
	}

	r.migrations = ms
}
