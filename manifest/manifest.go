// Package manifest loads a set of declarative migrations from a YAML or
// TOML file.
//
// A manifest lists one entry per version boundary. An entry is either a
// sequence of jsonstep steps or a pair of jq expressions:
//
//	migrations:
//	  - version: "1.1.0"
//	    name: rename a to b
//	    steps:
//	      - {op: rename, from: a, to: b}
//	  - version: "1.2.0"
//	    name: wrap c
//	    jq:
//	      up: '.c |= [.]'
//	      down: '.c |= .[0]'
package manifest

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/influxdata/apiversion"
	"github.com/influxdata/apiversion/migration"
	"github.com/influxdata/apiversion/migration/jq"
	"github.com/influxdata/apiversion/migration/jsonstep"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Format is the encoding of a manifest file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported manifest extension %q", filepath.Ext(path))
	}
}

// Manifest is the decoded form of a manifest file.
type Manifest struct {
	Entries []Entry `yaml:"migrations" toml:"migrations"`
}

// Entry describes the migration introduced at one version.
type Entry struct {
	Version string                `yaml:"version" toml:"version"`
	Name    string                `yaml:"name,omitempty" toml:"name,omitempty"`
	Steps   []jsonstep.Definition `yaml:"steps,omitempty" toml:"steps,omitempty"`
	JQ      *JQ                   `yaml:"jq,omitempty" toml:"jq,omitempty"`
}

// JQ holds the expressions of a jq migration.
type JQ struct {
	Up   string `yaml:"up" toml:"up"`
	Down string `yaml:"down" toml:"down"`
}

// Decode reads a manifest in the given format.
func Decode(r io.Reader, format Format) (*Manifest, error) {
	var m Manifest
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil && err != io.EOF {
			return nil, errors.Wrap(err, "decoding yaml manifest")
		}
	case FormatTOML:
		md, err := toml.NewDecoder(r).Decode(&m)
		if err != nil {
			return nil, errors.Wrap(err, "decoding toml manifest")
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("decoding toml manifest: unknown keys %v", undecoded)
		}
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", format)
	}
	return &m, nil
}

// Load reads the manifest at path, choosing the format from its extension.
func Load(path string) (*Manifest, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading manifest %s", path)
	}

	m, err := Decode(bytes.NewReader(data), format)
	if err != nil {
		return nil, errors.Wrapf(err, "manifest %s", path)
	}
	return m, nil
}

// Migrations builds every entry. All invalid entries are reported
// together rather than stopping at the first.
func (m *Manifest) Migrations() ([]apiversion.Migration, error) {
	var (
		out  []apiversion.Migration
		errs error
	)
	for i, e := range m.Entries {
		mig, err := e.Migration()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("migration #%d: %w", i+1, err))
			continue
		}
		out = append(out, mig)
	}
	if errs != nil {
		return nil, apiversion.ConfigurationError("manifest/Manifest.Migrations", "invalid manifest", errs)
	}
	return out, nil
}

// Migration builds the migration described by e.
func (e Entry) Migration() (apiversion.Migration, error) {
	tag, err := apiversion.ParseTag(e.Version)
	if err != nil {
		return nil, err
	}

	switch {
	case e.JQ != nil && len(e.Steps) > 0:
		return nil, fmt.Errorf("version %s: steps and jq are mutually exclusive", tag)
	case e.JQ != nil:
		name := e.Name
		if name == "" {
			name = "jq " + tag.String()
		}
		m, err := jq.New(tag, name, e.JQ.Up, e.JQ.Down)
		if err != nil {
			return nil, err
		}
		return m, nil
	case len(e.Steps) > 0:
		steps := make([]jsonstep.Step, 0, len(e.Steps))
		for _, def := range e.Steps {
			s, err := def.Step()
			if err != nil {
				return nil, fmt.Errorf("version %s: %w", tag, err)
			}
			steps = append(steps, s)
		}
		return jsonstep.New(tag, e.Name, steps...), nil
	default:
		return nil, fmt.Errorf("version %s: no steps or jq expressions", tag)
	}
}

// Source returns a migration.Source that loads the manifest at path when
// the registry is first built.
func Source(path string) migration.Source {
	return func() ([]apiversion.Migration, error) {
		m, err := Load(path)
		if err != nil {
			return nil, err
		}
		return m.Migrations()
	}
}
