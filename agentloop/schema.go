package agentloop

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolDefinition describes a tool for the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  ParameterSchema `json:"parameters"`
}

// ParameterSchema is the JSON Schema object describing a tool's arguments.
type ParameterSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]PropertySchema `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// PropertySchema describes one argument.
type PropertySchema struct {
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Default     any             `json:"default,omitempty"`
	Enum        []string        `json:"enum,omitempty"`
	Items       *PropertySchema `json:"items,omitempty"`
}

// Object builds a ParameterSchema of type object.
func Object(props map[string]PropertySchema, required ...string) ParameterSchema {
	return ParameterSchema{Type: "object", Properties: props, Required: required}
}

var schemaTypes = map[string]bool{
	"string": true, "integer": true, "number": true,
	"boolean": true, "array": true, "object": true,
}

func (s ParameterSchema) normalized() ParameterSchema {
	if s.Type == "" {
		s.Type = "object"
	}
	if s.Properties == nil {
		s.Properties = map[string]PropertySchema{}
	}
	return s
}

func (s ParameterSchema) validate() error {
	if s.Type != "" && s.Type != "object" {
		return fmt.Errorf("parameters must be an object schema, got %q", s.Type)
	}
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.Properties[name].validate(); err != nil {
			return fmt.Errorf("property %s: %w", name, err)
		}
	}
	for _, req := range s.Required {
		if _, ok := s.Properties[req]; !ok {
			return fmt.Errorf("required parameter %q is not a declared property", req)
		}
	}
	return nil
}

func (p PropertySchema) validate() error {
	if !schemaTypes[p.Type] {
		return fmt.Errorf("unsupported type %q", p.Type)
	}
	if p.Items != nil {
		if p.Type != "array" {
			return errors.New("items is only valid for arrays")
		}
		return p.Items.validate()
	}
	return nil
}

func compileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

// prepare validates raw arguments and fills in schema defaults.
func (rt *registeredTool) prepare(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %v", err)
	}
	obj, ok := inst.(map[string]any)
	if !ok {
		return nil, errors.New("arguments must be a JSON object")
	}
	if err := rt.schema.Validate(obj); err != nil {
		return nil, errors.New(validationDetail(err))
	}
	for name, prop := range rt.def.Parameters.Properties {
		if prop.Default == nil {
			continue
		}
		if _, set := obj[name]; !set {
			obj[name] = prop.Default
		}
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// validationDetail flattens a multi-line validation error into one line
// without the schema URL header.
func validationDetail(err error) string {
	var parts []string
	for _, line := range strings.Split(err.Error(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "jsonschema validation failed") {
			continue
		}
		parts = append(parts, strings.TrimPrefix(line, "- "))
	}
	if len(parts) == 0 {
		return err.Error()
	}
	return strings.Join(parts, "; ")
}
