// Package jsonstep builds migrations out of small reversible edits to a
// JSON document: renaming, wrapping, unwrapping, adding and removing fields.
//
// Paths are dotted object keys, e.g. "owner.name". Each step is total over
// documents that lack its source field: a missing field is left alone.
package jsonstep

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/buger/jsonparser"
)

// Step is a single edit to a JSON document along with its inverse.
type Step interface {
	Apply(doc []byte) ([]byte, error)
	Invert() Step
	String() string
}

// Path splits a dotted path into jsonparser keys.
func Path(p string) []string {
	return strings.Split(p, ".")
}

// lookup returns the raw JSON text at keys, or ok == false when absent.
func lookup(doc []byte, keys []string) (raw []byte, dt jsonparser.ValueType, ok bool, err error) {
	value, dt, _, err := jsonparser.Get(doc, keys...)
	if err == jsonparser.KeyPathNotFoundError {
		return nil, jsonparser.NotExist, false, nil
	}
	if err != nil {
		return nil, dt, false, err
	}
	return rawValue(value, dt), dt, true, nil
}

// rawValue returns a fresh copy of value as JSON text. jsonparser strips
// the quotes from strings and value aliases the source document.
func rawValue(value []byte, dt jsonparser.ValueType) []byte {
	if dt == jsonparser.String {
		out := make([]byte, 0, len(value)+2)
		out = append(out, '"')
		out = append(out, value...)
		return append(out, '"')
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out
}

// Rename moves the value at From to To.
type Rename struct {
	From string
	To   string
}

func (s Rename) Apply(doc []byte) ([]byte, error) {
	from, to := Path(s.From), Path(s.To)

	raw, _, ok, err := lookup(doc, from)
	if err != nil || !ok {
		return doc, err
	}
	if _, _, exists, err := lookup(doc, to); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("rename %s to %s: %q already present", s.From, s.To, s.To)
	}

	doc = jsonparser.Delete(doc, from...)
	return jsonparser.Set(doc, raw, to...)
}

func (s Rename) Invert() Step { return Rename{From: s.To, To: s.From} }

func (s Rename) String() string { return fmt.Sprintf("rename %s to %s", s.From, s.To) }

// Wrap replaces the value at Path with a single element array holding it.
type Wrap struct {
	Path string
}

func (s Wrap) Apply(doc []byte) ([]byte, error) {
	keys := Path(s.Path)

	raw, _, ok, err := lookup(doc, keys)
	if err != nil || !ok {
		return doc, err
	}

	wrapped := make([]byte, 0, len(raw)+2)
	wrapped = append(wrapped, '[')
	wrapped = append(wrapped, raw...)
	wrapped = append(wrapped, ']')
	return jsonparser.Set(doc, wrapped, keys...)
}

func (s Wrap) Invert() Step { return Unwrap(s) }

func (s Wrap) String() string { return "wrap " + s.Path }

// Unwrap replaces a single element array at Path with its element.
// Arrays of any other length cannot be unwrapped and fail the step.
type Unwrap struct {
	Path string
}

func (s Unwrap) Apply(doc []byte) ([]byte, error) {
	keys := Path(s.Path)

	raw, dt, ok, err := lookup(doc, keys)
	if err != nil || !ok {
		return doc, err
	}
	if dt != jsonparser.Array {
		return nil, fmt.Errorf("unwrap %s: value is %s, not an array", s.Path, dt)
	}

	var elems [][]byte
	var elemErr error
	if _, err := jsonparser.ArrayEach(raw, func(value []byte, dt jsonparser.ValueType, _ int, err error) {
		if err != nil {
			elemErr = err
			return
		}
		elems = append(elems, rawValue(value, dt))
	}); err != nil {
		return nil, fmt.Errorf("unwrap %s: %w", s.Path, err)
	}
	if elemErr != nil {
		return nil, fmt.Errorf("unwrap %s: %w", s.Path, elemErr)
	}
	if len(elems) != 1 {
		return nil, fmt.Errorf("unwrap %s: expected 1 element, found %d", s.Path, len(elems))
	}

	return jsonparser.Set(doc, elems[0], keys...)
}

func (s Unwrap) Invert() Step { return Wrap(s) }

func (s Unwrap) String() string { return "unwrap " + s.Path }

// Add sets Path to Value when the document does not have it yet. Value is
// raw JSON text.
type Add struct {
	Path  string
	Value json.RawMessage
}

func (s Add) Apply(doc []byte) ([]byte, error) {
	keys := Path(s.Path)

	_, _, ok, err := lookup(doc, keys)
	if err != nil || ok {
		return doc, err
	}
	return jsonparser.Set(doc, s.Value, keys...)
}

func (s Add) Invert() Step { return Remove(s) }

func (s Add) String() string { return "add " + s.Path }

// Remove deletes Path. Its inverse adds Path back with Value, since the
// original value is gone once removed.
type Remove struct {
	Path  string
	Value json.RawMessage
}

func (s Remove) Apply(doc []byte) ([]byte, error) {
	keys := Path(s.Path)

	_, _, ok, err := lookup(doc, keys)
	if err != nil || !ok {
		return doc, err
	}
	return jsonparser.Delete(doc, keys...), nil
}

func (s Remove) Invert() Step { return Add(s) }

func (s Remove) String() string { return "remove " + s.Path }
