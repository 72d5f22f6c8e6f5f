package validation

import (
	"errors"

	"github.com/rskumar/orderflow/internal/expressions"
	"github.com/rskumar/orderflow/pkg/schema"
)

// DefinitionValidator runs the three checking stages on a state machine
// definition:
//  1. Structural (JSON Schema)
//  2. Semantic (references, resources, paths and expressions)
//  3. Graph (reachability, cycles without a Wait)
type DefinitionValidator struct {
	schemas *SchemaValidator
	exprs   *expressions.Set
}

// NewDefinitionValidator creates a DefinitionValidator. exprs may be nil.
func NewDefinitionValidator(schemas *SchemaValidator, exprs *expressions.Set) (*DefinitionValidator, error) {
	if schemas == nil {
		var err error
		if schemas, err = NewSchemaValidator(); err != nil {
			return nil, err
		}
	}
	if exprs == nil {
		var err error
		if exprs, err = expressions.NewSet(); err != nil {
			return nil, err
		}
	}
	return &DefinitionValidator{schemas: schemas, exprs: exprs}, nil
}

// Validate returns nil for a usable definition. Structural errors
// short-circuit; semantic errors skip the graph stage.
func (v *DefinitionValidator) Validate(def *schema.MachineDefinition) error {
	if err := v.schemas.ValidateDefinition(def); err != nil {
		var pe *schema.PipelineError
		if errors.As(err, &pe) {
			if violations, ok := pe.Details["violations"].([]string); ok {
				var issues schema.Issues
				for _, msg := range violations {
					issues.Add("", "%s", msg)
				}
				return issues.Err("state machine definition")
			}
		}
		return err
	}

	if issues := validateSemantic(def, v.exprs); len(issues) > 0 {
		return issues.Err("state machine definition")
	}
	return validateGraph(def).Err("state machine definition")
}
