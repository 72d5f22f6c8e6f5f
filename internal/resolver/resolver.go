// Package resolver fetches the joined result of the latest successful run
// from the object store or, through an intermediary function, from the
// relational store.
package resolver

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rskumar/orderflow/internal/logging"
	"github.com/rskumar/orderflow/internal/objectstore"
	"github.com/rskumar/orderflow/internal/table"
	"github.com/rskumar/orderflow/pkg/schema"
)

// DefaultExtension is the columnar file extension result objects carry.
const DefaultExtension = ".parquet"

// ObjectSource locates results in an object store container.
type ObjectSource struct {
	Store     objectstore.Store
	Container string
	Prefix    string
	Extension string
	Policy    LatestKeyPolicy
}

// Resolver answers Resolve for both result sources. A nil source reports
// no data.
type Resolver struct {
	objects  *ObjectSource
	function FunctionInvoker
	logger   *slog.Logger
}

// New creates a Resolver. Either source may be nil.
func New(objects *ObjectSource, function FunctionInvoker, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if objects != nil {
		if objects.Extension == "" {
			objects.Extension = DefaultExtension
		}
		if objects.Policy == nil {
			objects.Policy = LexicographicLatest{}
		}
	}
	return &Resolver{objects: objects, function: function, logger: logging.WithModule(logger, "resolver")}
}

// Resolve returns the joined result from source. (nil, nil) means no data is
// available yet; errors are reserved for a broken source.
func (r *Resolver) Resolve(ctx context.Context, source schema.ResultSource) (*table.Table, error) {
	switch source {
	case schema.SourceObjectStore:
		return r.fromObjectStore(ctx)
	case schema.SourceRelational:
		return r.fromFunction(ctx)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown result source %q", source)
	}
}

// LatestKey returns the key Resolve(OBJECT_STORE) would read, or "".
func (r *Resolver) LatestKey(ctx context.Context) (string, error) {
	if r.objects == nil {
		return "", nil
	}
	objs, err := r.objects.Store.List(ctx, r.objects.Container, r.objects.Prefix)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "list results: %s", err.Error()).WithCause(err)
	}
	var candidates []objectstore.Object
	for _, o := range objs {
		if strings.HasSuffix(o.Key, r.objects.Extension) {
			candidates = append(candidates, o)
		}
	}
	best, ok := r.objects.Policy.Pick(candidates)
	if !ok {
		return "", nil
	}
	return best.Key, nil
}

func (r *Resolver) fromObjectStore(ctx context.Context) (*table.Table, error) {
	key, err := r.LatestKey(ctx)
	if err != nil || key == "" {
		return nil, err
	}

	rc, err := r.objects.Store.Get(ctx, r.objects.Container, key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read result %s: %s", key, err.Error()).WithCause(err)
	}
	defer rc.Close()

	t, err := table.DecodeParquet(rc)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode result %s: %s", key, err.Error()).WithCause(err)
	}
	r.logger.InfoContext(ctx, "result resolved", slog.String("source", string(schema.SourceObjectStore)),
		slog.String("key", key), slog.Int("rows", t.Len()))
	return t, nil
}

func (r *Resolver) fromFunction(ctx context.Context) (*table.Table, error) {
	if r.function == nil {
		return nil, nil
	}
	payload, err := r.function.Invoke(ctx, []byte(`{}`))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "invoke result function: %s", err.Error()).WithCause(err)
	}
	records, ok := DecodeEnvelope(payload)
	if !ok {
		r.logger.InfoContext(ctx, "result function returned no data")
		return nil, nil
	}
	t := table.FromRecords(records, "Order ID")
	r.logger.InfoContext(ctx, "result resolved", slog.String("source", string(schema.SourceRelational)),
		slog.Int("rows", t.Len()))
	return t, nil
}
