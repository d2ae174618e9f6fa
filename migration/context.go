package migration

import (
	"github.com/influxdata/apiversion"
)

// Context is the per-call input to migration selection. It is derived
// fresh for every payload and never cached.
type Context struct {
	Direction apiversion.Direction
	Requested apiversion.Tag
	Current   apiversion.Tag

	// Skip is set when no migration applies: the requested version was
	// missing, malformed or equal to the current version.
	Skip bool
}

// NewContext parses the requested and current versions. A malformed
// current version is a configuration error. A missing or malformed
// requested version is not an error; the returned Context is marked Skip
// so the caller gets current-version behavior.
func NewContext(dir apiversion.Direction, requested, current string) (Context, error) {
	cur, err := apiversion.ParseTag(current)
	if err != nil {
		return Context{}, apiversion.ConfigurationError("migration/NewContext", "current version", err)
	}

	mctx := Context{
		Direction: dir,
		Current:   cur,
	}

	req, err := apiversion.ParseTag(requested)
	if err != nil || req.Equal(cur) {
		mctx.Skip = true
		return mctx, nil
	}
	mctx.Requested = req

	return mctx, nil
}

// applies reports whether m is part of the chain for this context.
func (c Context) applies(m apiversion.Migration) bool {
	return !c.Skip && m.Version().Compare(c.Requested) >= 0
}
