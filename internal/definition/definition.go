// Package definition loads state machine definitions from YAML or JSON.
package definition

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rskumar/orderflow/pkg/schema"
)

//go:embed default.yaml
var defaultYAML []byte

// Format is a serialization of a definition.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Default returns the built-in orders/returns pipeline definition.
func Default() *schema.MachineDefinition {
	def, err := Parse(defaultYAML, FormatYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded definition is invalid: %v", err))
	}
	return def
}

// Load reads a definition from path; the extension picks the format. An
// empty path yields the default definition.
func Load(path string) (*schema.MachineDefinition, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = FormatJSON
	}
	return Parse(data, format)
}

// Parse decodes data in the given format, rejecting unknown fields.
func Parse(data []byte, format Format) (*schema.MachineDefinition, error) {
	def := &schema.MachineDefinition{}
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode definition: %s", err.Error()).WithCause(err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode definition: %s", err.Error()).WithCause(err)
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown definition format %q", format)
	}
	return def, nil
}

// Marshal encodes def in the given format.
func Marshal(def *schema.MachineDefinition, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(def, "", "  ")
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(def); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown definition format %q", format)
	}
}
