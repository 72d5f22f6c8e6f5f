package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rskumar/orderflow/pkg/schema"
)

func TestValidateTrigger(t *testing.T) {
	v, err := NewSchemaValidator()
	require.NoError(t, err)

	assert.NoError(t, v.ValidateTrigger([]byte(`{"orders_s3_key":"o.csv","returns_s3_key":"r.csv"}`)))
	// Emptiness is reported later, with the missing names.
	assert.NoError(t, v.ValidateTrigger([]byte(`{}`)))

	for _, body := range []string{`[]`, `"x"`, `{"orders_s3_key": 5}`, `{not json`} {
		err := v.ValidateTrigger([]byte(body))
		require.Error(t, err, body)
		assert.True(t, schema.HasCode(err, schema.ErrCodeMalformedInput), body)
	}
}

func TestValidateDefinition_ChoiceRuleShape(t *testing.T) {
	v, err := NewSchemaValidator()
	require.NoError(t, err)

	def := &schema.MachineDefinition{
		StartAt: "C",
		States: map[string]schema.StateDefinition{
			"C": {Type: schema.StateTypeChoice, Choices: []schema.ChoiceRule{
				{Variable: "$.x", StringEquals: "y", Condition: "true", Next: "E"},
			}},
			"E": {Type: schema.StateTypeWait, End: true},
		},
	}
	err = v.ValidateDefinition(def)
	require.Error(t, err)
	var pe *schema.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.NotEmpty(t, pe.Details["violations"])
}
