package schema

import "strings"

// WorkflowInput names the two artifacts a run joins. It is immutable once an
// execution starts.
type WorkflowInput struct {
	OrdersKey  string `json:"orders_s3_key"`
	ReturnsKey string `json:"returns_s3_key"`
}

// MissingKeys lists the wire names of required fields that are empty.
func (in WorkflowInput) MissingKeys() []string {
	var missing []string
	if strings.TrimSpace(in.OrdersKey) == "" {
		missing = append(missing, "orders_s3_key")
	}
	if strings.TrimSpace(in.ReturnsKey) == "" {
		missing = append(missing, "returns_s3_key")
	}
	return missing
}

// Document returns the input as the JSON-shaped value state machine paths
// are evaluated against.
func (in WorkflowInput) Document() map[string]any {
	return map[string]any{
		"orders_s3_key":  in.OrdersKey,
		"returns_s3_key": in.ReturnsKey,
	}
}

// ArtifactRef identifies an object in a logical container.
type ArtifactRef struct {
	Container string `json:"container"`
	Key       string `json:"key"`
}

func (a ArtifactRef) String() string {
	return a.Container + "/" + a.Key
}
