package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rskumar/orderflow/pkg/schema"
)

const (
	definitionSchemaURL = "https://orderflow.dev/schemas/state-machine.json"
	triggerSchemaURL    = "https://orderflow.dev/schemas/trigger.json"
)

// definitionSchemaJSON is the structural schema of a state machine
// definition: a subset of the Amazon States Language.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://orderflow.dev/schemas/state-machine.json",
  "type": "object",
  "required": ["StartAt", "States"],
  "properties": {
    "Comment": { "type": "string" },
    "StartAt": { "type": "string", "minLength": 1 },
    "TimeoutSeconds": { "type": "integer", "minimum": 0 },
    "States": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": { "$ref": "#/$defs/state" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "state": {
      "type": "object",
      "required": ["Type"],
      "properties": {
        "Type": { "enum": ["Task", "Wait", "Choice"] },
        "Comment": { "type": "string" },
        "Resource": { "type": "string" },
        "Parameters": { "type": "object" },
        "ResultPath": { "type": "string", "pattern": "^\\$(\\..+)?$" },
        "Seconds": { "type": "integer", "minimum": 0 },
        "Next": { "type": "string", "minLength": 1 },
        "End": { "type": "boolean" },
        "Choices": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/choice" }
        },
        "Default": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "Type": { "const": "Task" } } },
          "then": { "required": ["Resource"] }
        },
        {
          "if": { "properties": { "Type": { "const": "Choice" } } },
          "then": { "required": ["Choices"] }
        }
      ]
    },
    "choice": {
      "type": "object",
      "required": ["Next"],
      "properties": {
        "Variable": { "type": "string", "pattern": "^\\$" },
        "StringEquals": { "type": "string" },
        "Condition": { "type": "string", "minLength": 1 },
        "Next": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false,
      "oneOf": [
        { "required": ["Condition"], "not": { "required": ["Variable"] } },
        { "required": ["Variable", "StringEquals"], "not": { "required": ["Condition"] } }
      ]
    }
  }
}`

// triggerSchemaJSON checks the shape of a trigger request body. Emptiness of
// the keys is reported separately as malformed input.
const triggerSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://orderflow.dev/schemas/trigger.json",
  "type": "object",
  "properties": {
    "orders_s3_key": { "type": "string" },
    "returns_s3_key": { "type": "string" }
  }
}`

// SchemaValidator validates documents against the embedded JSON Schemas.
// It is safe for concurrent use.
type SchemaValidator struct {
	definition *jsonschema.Schema
	trigger    *jsonschema.Schema
}

// NewSchemaValidator compiles the embedded schemas.
func NewSchemaValidator() (*SchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	for url, src := range map[string]string{
		definitionSchemaURL: definitionSchemaJSON,
		triggerSchemaURL:    triggerSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	def, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	trig, err := c.Compile(triggerSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile trigger schema: %w", err)
	}
	return &SchemaValidator{definition: def, trigger: trig}, nil
}

// ValidateDefinition checks the structure of def.
func (v *SchemaValidator) ValidateDefinition(def *schema.MachineDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "state machine definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize definition").WithCause(err)
	}
	if err := v.definition.Validate(doc); err != nil {
		return toPipelineError(err, schema.ErrCodeValidation)
	}
	return nil
}

// ValidateTrigger checks the shape of a raw trigger body. A body that is not
// a JSON object, or whose keys are not strings, is malformed input.
func (v *SchemaValidator) ValidateTrigger(body []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return schema.NewError(schema.ErrCodeMalformedInput, "request body is not valid JSON").WithCause(err)
	}
	if err := v.trigger.Validate(doc); err != nil {
		return toPipelineError(err, schema.ErrCodeMalformedInput)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toPipelineError(err error, code string) *schema.PipelineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(code, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(code, verr.Error())
	case 1:
		return schema.NewError(code, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(code, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

// collectViolations walks a ValidationError tree and collects leaf messages
// prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
