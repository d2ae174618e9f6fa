package jsonstep

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/influxdata/apiversion"
)

type migration struct {
	version apiversion.Tag
	name    string
	up      []Step
	down    []Step
}

// New returns a migration that applies steps in order on the way up and
// their inverses in reverse order on the way down.
func New(version apiversion.Tag, name string, steps ...Step) apiversion.Migration {
	down := make([]Step, 0, len(steps))
	for i := len(steps) - 1; i >= 0; i-- {
		down = append(down, steps[i].Invert())
	}
	if name == "" {
		name = describe(steps)
	}
	return &migration{
		version: version,
		name:    name,
		up:      steps,
		down:    down,
	}
}

func describe(steps []Step) string {
	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, ", ")
}

func (m *migration) Version() apiversion.Tag { return m.version }

func (m *migration) Name() string { return m.name }

func (m *migration) Up(payload []byte) ([]byte, error) { return run(m.up, payload) }

func (m *migration) Down(payload []byte) ([]byte, error) { return run(m.down, payload) }

func run(steps []Step, doc []byte) ([]byte, error) {
	if !json.Valid(doc) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	// jsonparser edits in place when the slice has room, so never work on
	// the caller's buffer.
	doc = append(make([]byte, 0, len(doc)), doc...)
	for _, s := range steps {
		next, err := s.Apply(doc)
		if err != nil {
			return nil, err
		}
		doc = next
	}
	return doc, nil
}

// Definition is the declarative form of a step as written in a manifest.
type Definition struct {
	Op    string      `yaml:"op" toml:"op"`
	From  string      `yaml:"from,omitempty" toml:"from,omitempty"`
	To    string      `yaml:"to,omitempty" toml:"to,omitempty"`
	Path  string      `yaml:"path,omitempty" toml:"path,omitempty"`
	Value interface{} `yaml:"value,omitempty" toml:"value,omitempty"`
}

// Step builds the step described by d.
func (d Definition) Step() (Step, error) {
	switch strings.ToLower(d.Op) {
	case "rename", "move":
		if d.From == "" || d.To == "" {
			return nil, fmt.Errorf("%s: from and to are required", d.Op)
		}
		return Rename{From: d.From, To: d.To}, nil
	case "wrap":
		if d.Path == "" {
			return nil, fmt.Errorf("wrap: path is required")
		}
		return Wrap{Path: d.Path}, nil
	case "unwrap":
		if d.Path == "" {
			return nil, fmt.Errorf("unwrap: path is required")
		}
		return Unwrap{Path: d.Path}, nil
	case "add", "remove":
		if d.Path == "" {
			return nil, fmt.Errorf("%s: path is required", d.Op)
		}
		value, err := json.Marshal(d.Value)
		if err != nil {
			return nil, fmt.Errorf("%s %s: encoding value: %w", d.Op, d.Path, err)
		}
		if strings.EqualFold(d.Op, "add") {
			return Add{Path: d.Path, Value: value}, nil
		}
		return Remove{Path: d.Path, Value: value}, nil
	default:
		return nil, fmt.Errorf("unknown step op %q", d.Op)
	}
}
