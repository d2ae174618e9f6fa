package migration

import (
	"github.com/influxdata/apiversion"
)

// Engine selects and applies the migrations between a requested version
// and the current version. It performs no I/O and keeps no per-request
// state, so a single Engine serves every request.
type Engine struct {
	registry *Registry
}

// NewEngine constructs an Engine over reg.
func NewEngine(reg *Registry) *Engine {
	return &Engine{registry: reg}
}

// ApplyUp migrates a request payload authored against requested into the
// shape of current. Migrations whose version is at or above requested are
// applied from the oldest to the newest.
//
// When requested is missing, malformed or equal to current the payload is
// returned unchanged without consulting the registry.
func (e *Engine) ApplyUp(payload []byte, requested, current string) ([]byte, error) {
	return e.apply(apiversion.Up, payload, requested, current)
}

// ApplyDown migrates a response payload from the shape of current back to
// the shape expected by requested, undoing migrations from the newest to
// the oldest.
func (e *Engine) ApplyDown(payload []byte, requested, current string) ([]byte, error) {
	return e.apply(apiversion.Down, payload, requested, current)
}

// Plan returns the migrations ApplyUp or ApplyDown would run, in the order
// they would run.
func (e *Engine) Plan(dir apiversion.Direction, requested, current string) ([]apiversion.Migration, error) {
	mctx, err := NewContext(dir, requested, current)
	if err != nil {
		return nil, err
	}
	return e.plan(mctx)
}

func (e *Engine) plan(mctx Context) ([]apiversion.Migration, error) {
	if mctx.Skip {
		return nil, nil
	}

	all, err := e.registry.Migrations()
	if err != nil {
		return nil, err
	}

	// all is ascending, so the applicable set is a suffix of it.
	start := len(all)
	for i, m := range all {
		if mctx.applies(m) {
			start = i
			break
		}
	}
	chain := make([]apiversion.Migration, 0, len(all)-start)
	switch mctx.Direction {
	case apiversion.Up:
		chain = append(chain, all[start:]...)
	case apiversion.Down:
		for i := len(all) - 1; i >= start; i-- {
			chain = append(chain, all[i])
		}
	}
	return chain, nil
}

func (e *Engine) apply(dir apiversion.Direction, payload []byte, requested, current string) ([]byte, error) {
	mctx, err := NewContext(dir, requested, current)
	if err != nil {
		return nil, err
	}
	if mctx.Skip {
		return payload, nil
	}

	chain, err := e.plan(mctx)
	if err != nil {
		return nil, err
	}

	op := "migration/Engine.ApplyUp"
	if dir == apiversion.Down {
		op = "migration/Engine.ApplyDown"
	}

	for _, m := range chain {
		var next []byte
		if dir == apiversion.Up {
			next, err = m.Up(payload)
		} else {
			next, err = m.Down(payload)
		}
		if err != nil {
			return nil, apiversion.TransformError(op, m, dir, err)
		}
		payload = next
	}
	return payload, nil
}
