package validation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rskumar/orderflow/pkg/schema"
)

type fakeProber struct {
	mu      sync.Mutex
	present map[string]bool
	fail    map[string]error
	calls   []string
}

func (p *fakeProber) Exists(_ context.Context, container, key string) (bool, error) {
	ref := container + "/" + key
	p.mu.Lock()
	p.calls = append(p.calls, ref)
	p.mu.Unlock()
	if err := p.fail[ref]; err != nil {
		return false, err
	}
	return p.present[ref], nil
}

func TestInputValidator_MalformedBeforeIO(t *testing.T) {
	p := &fakeProber{}
	v := NewInputValidator(p, "orders-bucket", "returns-bucket")

	err := v.Validate(context.Background(), schema.WorkflowInput{OrdersKey: "", ReturnsKey: "returns_2024.csv"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeMalformedInput))
	assert.Empty(t, p.calls)
}

func TestInputValidator_OneMissing(t *testing.T) {
	p := &fakeProber{present: map[string]bool{"orders-bucket/orders_x.csv": true}}
	v := NewInputValidator(p, "orders-bucket", "returns-bucket")

	err := v.Validate(context.Background(), schema.WorkflowInput{OrdersKey: "orders_x.csv", ReturnsKey: "returns_y.csv"})
	require.Error(t, err)
	var pe *schema.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, schema.ErrCodeMissingArtifact, pe.Code)
	assert.Equal(t, []string{"returns-bucket/returns_y.csv"}, pe.Details["missing_files"])
}

func TestInputValidator_BothMissingOrdersFirst(t *testing.T) {
	v := NewInputValidator(&fakeProber{}, "orders-bucket", "returns-bucket")

	err := v.Validate(context.Background(), schema.WorkflowInput{OrdersKey: "o.csv", ReturnsKey: "r.csv"})
	var pe *schema.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []string{"orders-bucket/o.csv", "returns-bucket/r.csv"}, pe.Details["missing_files"])
}

func TestInputValidator_AllPresent(t *testing.T) {
	p := &fakeProber{present: map[string]bool{"b/o.csv": true, "b/r.csv": true}}
	v := NewInputValidator(p, "b", "b")
	assert.NoError(t, v.Validate(context.Background(), schema.WorkflowInput{OrdersKey: "o.csv", ReturnsKey: "r.csv"}))
	assert.Len(t, p.calls, 2)
}

func TestInputValidator_ProbeErrorIsNotMissing(t *testing.T) {
	p := &fakeProber{fail: map[string]error{"b/r.csv": errors.New("access denied")}}
	v := NewInputValidator(p, "b", "b")

	err := v.Validate(context.Background(), schema.WorkflowInput{OrdersKey: "o.csv", ReturnsKey: "r.csv"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
	assert.False(t, schema.HasCode(err, schema.ErrCodeMissingArtifact))
}
