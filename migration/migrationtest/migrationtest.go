// Package migrationtest provides migrations and assertions for tests of
// code that runs API migrations.
package migrationtest

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/influxdata/apiversion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// CurrentVersion is the current version of the Scenario migration set.
const CurrentVersion = "1.2.0"

// Scenario returns two migrations:
//
//	1.1.0 renames field "a" to "b"
//	1.2.0 wraps scalar field "c" into a single element list
//
// A 1.0.0 request {"a":1,"c":5} migrates up to {"b":1,"c":[5]}.
func Scenario() []apiversion.Migration {
	return []apiversion.Migration{
		RenameField(apiversion.MustParseTag("1.1.0"), "a", "b"),
		WrapField(apiversion.MustParseTag("1.2.0"), "c"),
	}
}

// RenameField moves a top level field on the way up and back on the way down.
func RenameField(tag apiversion.Tag, from, to string) apiversion.Migration {
	return apiversion.NewMigration(tag, fmt.Sprintf("rename %s to %s", from, to),
		objectFunc(func(obj map[string]interface{}) error {
			return move(obj, from, to)
		}),
		objectFunc(func(obj map[string]interface{}) error {
			return move(obj, to, from)
		}),
	)
}

// WrapField turns a scalar field into a one element list on the way up and
// unwraps it on the way down.
func WrapField(tag apiversion.Tag, field string) apiversion.Migration {
	return apiversion.NewMigration(tag, fmt.Sprintf("wrap %s", field),
		objectFunc(func(obj map[string]interface{}) error {
			if v, ok := obj[field]; ok {
				obj[field] = []interface{}{v}
			}
			return nil
		}),
		objectFunc(func(obj map[string]interface{}) error {
			v, ok := obj[field]
			if !ok {
				return nil
			}
			list, ok := v.([]interface{})
			if !ok || len(list) != 1 {
				return fmt.Errorf("field %q is not a single element list", field)
			}
			obj[field] = list[0]
			return nil
		}),
	)
}

func move(obj map[string]interface{}, from, to string) error {
	v, ok := obj[from]
	if !ok {
		return nil
	}
	if _, exists := obj[to]; exists {
		return fmt.Errorf("field %q already present", to)
	}
	delete(obj, from)
	obj[to] = v
	return nil
}

func objectFunc(fn func(obj map[string]interface{}) error) apiversion.TransformFunc {
	return func(payload []byte) ([]byte, error) {
		var obj map[string]interface{}
		if err := json.Unmarshal(payload, &obj); err != nil {
			return nil, err
		}
		if err := fn(obj); err != nil {
			return nil, err
		}
		return json.Marshal(obj)
	}
}

// Failing returns a migration whose transforms always fail with err.
func Failing(tag apiversion.Tag, err error) apiversion.Migration {
	fail := func([]byte) ([]byte, error) { return nil, err }
	return apiversion.NewMigration(tag, "failing "+tag.String(), fail, fail)
}

// Call records a single transformation.
type Call struct {
	Version   string
	Direction apiversion.Direction
}

// Log collects the calls made to Recorder migrations. It is safe for
// concurrent use.
type Log struct {
	mu    sync.Mutex
	calls []Call
}

func (l *Log) add(c Call) {
	l.mu.Lock()
	l.calls = append(l.calls, c)
	l.mu.Unlock()
}

// Calls returns a copy of the recorded calls in the order they happened.
func (l *Log) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Call, len(l.calls))
	copy(out, l.calls)
	return out
}

// Versions returns the version of each recorded call.
func (l *Log) Versions() []string {
	calls := l.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Version)
	}
	return out
}

// Recorder returns a migration that leaves the payload untouched and
// appends each call to log.
func Recorder(tag apiversion.Tag, log *Log) apiversion.Migration {
	return apiversion.NewMigration(tag, "record "+tag.String(),
		func(p []byte) ([]byte, error) {
			log.add(Call{Version: tag.String(), Direction: apiversion.Up})
			return p, nil
		},
		func(p []byte) ([]byte, error) {
			log.add(Call{Version: tag.String(), Direction: apiversion.Down})
			return p, nil
		},
	)
}

// Recorders builds a Recorder for every version string.
func Recorders(log *Log, versions ...string) []apiversion.Migration {
	ms := make([]apiversion.Migration, 0, len(versions))
	for _, v := range versions {
		ms = append(ms, Recorder(apiversion.MustParseTag(v), log))
	}
	return ms
}

// AssertRoundTrip checks that m.Down(m.Up(payload)) is JSON-equivalent to
// payload.
func AssertRoundTrip(t testing.TB, m apiversion.Migration, payload string) {
	t.Helper()

	up, err := m.Up([]byte(payload))
	require.NoError(t, err, "up %s", m.Name())

	down, err := m.Down(up)
	require.NoError(t, err, "down %s", m.Name())

	assert.JSONEq(t, payload, string(down), "round trip of %q through %s", payload, m.Name())
}
