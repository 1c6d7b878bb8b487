// Package caltable reads calibration table files and loads them into
// calibratable modules. Tables are YAML or JSON documents validated against an
// embedded schema.
package caltable

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "embed"

	"github.com/KevinKickass/OpenFEACore/internal/calibration"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema/calibration-table-v1.json
var tableSchemaJSON string

// ErrModuleMismatch is returned when a table names a different module than
// the one it is applied to.
var ErrModuleMismatch = errors.New("calibration table does not match module")

// ErrTableNotFound is returned by Loader.Load when no search path holds the table.
var ErrTableNotFound = errors.New("calibration table not found")

// OutputRange is a hardware output range for one channel.
type OutputRange struct {
	Channel int     `json:"channel" yaml:"channel"`
	Low     float64 `json:"low" yaml:"low"`
	High    float64 `json:"high" yaml:"high"`
}

// Table is the content of one calibration file.
type Table struct {
	Module           int               `json:"module" yaml:"module"`
	Name             string            `json:"name,omitempty" yaml:"name,omitempty"`
	Program          calibration.Curve `json:"program,omitempty" yaml:"program,omitempty"`
	VoltageMonitor   calibration.Curve `json:"voltage_monitor,omitempty" yaml:"voltage_monitor,omitempty"`
	CurrentMonitor   calibration.Curve `json:"current_monitor,omitempty" yaml:"current_monitor,omitempty"`
	Quiescent        calibration.Curve `json:"quiescent,omitempty" yaml:"quiescent,omitempty"`
	QuiescentEnabled *bool             `json:"quiescent_enabled,omitempty" yaml:"quiescent_enabled,omitempty"`
	OutputRange      []OutputRange     `json:"output_range,omitempty" yaml:"output_range,omitempty"`
	Remark           string            `json:"remark,omitempty" yaml:"remark,omitempty"`
	UpdateStamp      bool              `json:"update_stamp,omitempty" yaml:"update_stamp,omitempty"`
}

// Validator checks table documents against the embedded schema.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("calibration-table-v1.json",
		strings.NewReader(tableSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("calibration-table-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// Parse decodes a YAML or JSON document, validates it and returns the table.
func (v *Validator) Parse(data []byte) (*Table, error) {
	// JSON is valid YAML, so one decoder covers both formats. Round-tripping
	// through encoding/json gives the schema validator JSON-typed values.
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid calibration table: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("invalid calibration table: empty document")
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("invalid calibration table: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("invalid calibration table: %w", err)
	}
	if err := v.schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	var table Table
	if err := json.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("failed to unmarshal calibration table: %w", err)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &table, nil
}

// Validate checks what the schema cannot express.
func (t *Table) Validate() error {
	curves := map[string]calibration.Curve{
		"program":         t.Program,
		"voltage_monitor": t.VoltageMonitor,
		"current_monitor": t.CurrentMonitor,
		"quiescent":       t.Quiescent,
	}
	for name, c := range curves {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	seen := make(map[int]bool, len(t.OutputRange))
	for _, r := range t.OutputRange {
		if r.Low > r.High {
			return fmt.Errorf("output_range channel %d: low %g above high %g", r.Channel, r.Low, r.High)
		}
		if seen[r.Channel] {
			return fmt.Errorf("output_range channel %d listed twice", r.Channel)
		}
		seen[r.Channel] = true
	}
	return nil
}

// Marshal renders the table as YAML.
func (t *Table) Marshal() ([]byte, error) {
	return yaml.Marshal(t)
}
