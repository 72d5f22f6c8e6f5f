package validation

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/rskumar/orderflow/pkg/schema"
)

// ArtifactProber reports whether an object exists. A missing object is
// (false, nil); any other failure is an error.
type ArtifactProber interface {
	Exists(ctx context.Context, container, key string) (bool, error)
}

// InputValidator confirms both input artifacts exist before an execution
// starts. It never writes.
type InputValidator struct {
	prober           ArtifactProber
	ordersContainer  string
	returnsContainer string
}

// NewInputValidator probes orders keys in ordersContainer and returns keys
// in returnsContainer.
func NewInputValidator(prober ArtifactProber, ordersContainer, returnsContainer string) *InputValidator {
	return &InputValidator{
		prober:           prober,
		ordersContainer:  ordersContainer,
		returnsContainer: returnsContainer,
	}
}

// Refs returns the artifacts in names, orders first.
func (v *InputValidator) Refs(in schema.WorkflowInput) []schema.ArtifactRef {
	return []schema.ArtifactRef{
		{Container: v.ordersContainer, Key: in.OrdersKey},
		{Container: v.returnsContainer, Key: in.ReturnsKey},
	}
}

// Validate fails with MALFORMED_INPUT when a key is empty, without any I/O.
// Otherwise both artifacts are probed independently; every missing one is
// listed (orders first) in a MISSING_ARTIFACT error. A probe failure other
// than "not found" is returned as a STORE_ERROR.
func (v *InputValidator) Validate(ctx context.Context, in schema.WorkflowInput) error {
	if missing := in.MissingKeys(); len(missing) > 0 {
		return schema.NewError(schema.ErrCodeMalformedInput, "missing orders_s3_key or returns_s3_key in input").
			WithDetails(map[string]any{"missing_keys": missing})
	}

	refs := v.Refs(in)
	found := make([]bool, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		g.Go(func() error {
			ok, err := v.prober.Exists(gctx, ref.Container, ref.Key)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeStore, "probe %s: %s", ref, err.Error()).WithCause(err)
			}
			found[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var missing []string
	for i, ref := range refs {
		if !found[i] {
			missing = append(missing, ref.String())
		}
	}
	if len(missing) > 0 {
		return schema.NewError(schema.ErrCodeMissingArtifact, "one or both input files are missing").
			WithDetails(map[string]any{"missing_files": missing})
	}
	return nil
}
