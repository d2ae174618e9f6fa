// Package jq builds migrations whose up and down transforms are jq
// expressions, evaluated with gojq.
package jq

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/influxdata/apiversion"
	"github.com/itchyny/gojq"
)

// Migration runs one compiled jq program in each direction.
type Migration struct {
	version apiversion.Tag
	name    string

	upExpr   string
	downExpr string
	up       *gojq.Code
	down     *gojq.Code
}

var _ apiversion.Migration = (*Migration)(nil)

// New parses and compiles both expressions. Syntax errors are reported
// here rather than on the first request.
func New(version apiversion.Tag, name, up, down string) (*Migration, error) {
	const op = "jq/New"

	upCode, err := compile(up)
	if err != nil {
		return nil, apiversion.ConfigurationError(op, fmt.Sprintf("migration %q: up expression", name), err)
	}
	downCode, err := compile(down)
	if err != nil {
		return nil, apiversion.ConfigurationError(op, fmt.Sprintf("migration %q: down expression", name), err)
	}

	return &Migration{
		version:  version,
		name:     name,
		upExpr:   up,
		downExpr: down,
		up:       upCode,
		down:     downCode,
	}, nil
}

func compile(expr string) (*gojq.Code, error) {
	if expr == "" {
		// identity keeps a one-sided migration usable
		expr = "."
	}
	parsed, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expr, err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("compiling expression %q: %w", expr, err)
	}
	return code, nil
}

func (m *Migration) Version() apiversion.Tag { return m.version }

func (m *Migration) Name() string { return m.name }

// Expressions returns the source of the up and down programs.
func (m *Migration) Expressions() (up, down string) { return m.upExpr, m.downExpr }

func (m *Migration) Up(payload []byte) ([]byte, error) { return run(m.up, payload) }

func (m *Migration) Down(payload []byte) ([]byte, error) { return run(m.down, payload) }

func run(code *gojq.Code, payload []byte) ([]byte, error) {
	// json.Number keeps integers beyond 2^53 exact; gojq turns them into
	// big integers.
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var input interface{}
	if err := dec.Decode(&input); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("decoding payload: trailing data after JSON value")
	}

	iter := code.Run(input)
	var results []interface{}
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("expression error: %w", err)
		}
		results = append(results, v)
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("expression must produce exactly one value, got %d", len(results))
	}

	return json.Marshal(results[0])
}
