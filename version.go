package apiversion

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/influxdata/apiversion/kit/platform/errors"
)

// Tag identifies an API contract version. Tags are totally ordered by
// comparing Major, then Minor, then Patch.
type Tag struct {
	Major int
	Minor int
	Patch int
}

// ParseTag parses "major.minor" or "major.minor.patch". A missing patch
// component is zero. Every component must be a non-negative decimal integer.
func ParseTag(s string) (Tag, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return Tag{}, invalidTag(s, fmt.Sprintf("expected 2 or 3 components, got %d", len(parts)))
	}

	var comps [3]int
	for i, p := range parts {
		n, err := parseComponent(p)
		if err != nil {
			return Tag{}, invalidTag(s, err.Error())
		}
		comps[i] = n
	}

	return Tag{Major: comps[0], Minor: comps[1], Patch: comps[2]}, nil
}

// MustParseTag is like ParseTag but panics on malformed input.
// Intended for tags that are compiled into the program.
func MustParseTag(s string) Tag {
	t, err := ParseTag(s)
	if err != nil {
		panic(err)
	}
	return t
}

func parseComponent(p string) (int, error) {
	if p == "" {
		return 0, fmt.Errorf("empty component")
	}
	// strconv.Atoi accepts a leading sign, so check digits explicitly.
	for _, r := range p {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("component %q is not a non-negative integer", p)
		}
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0, fmt.Errorf("component %q: %w", p, err)
	}
	return n, nil
}

func invalidTag(s, reason string) error {
	return &errors.Error{
		Code: errors.EInvalid,
		Op:   "apiversion/ParseTag",
		Msg:  fmt.Sprintf("malformed version %q: %s", s, reason),
	}
}

// Compare returns -1 if t sorts before o, 1 if it sorts after and 0 if
// both tags are equal.
func (t Tag) Compare(o Tag) int {
	switch {
	case t.Major != o.Major:
		return cmpInt(t.Major, o.Major)
	case t.Minor != o.Minor:
		return cmpInt(t.Minor, o.Minor)
	default:
		return cmpInt(t.Patch, o.Patch)
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Less reports whether t sorts before o.
func (t Tag) Less(o Tag) bool { return t.Compare(o) < 0 }

// Equal reports whether all components match.
func (t Tag) Equal(o Tag) bool { return t == o }

// String returns the canonical "major.minor.patch" form.
func (t Tag) String() string {
	return fmt.Sprintf("%d.%d.%d", t.Major, t.Minor, t.Patch)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tag) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tag) UnmarshalText(b []byte) error {
	parsed, err := ParseTag(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
