package sink

import (
	"bytes"
	"context"
	"path"

	"github.com/rskumar/orderflow/internal/objectstore"
	"github.com/rskumar/orderflow/internal/table"
)

// ObjectSink writes the table as <prefix>part-<runID>.parquet.
type ObjectSink struct {
	Store     objectstore.Store
	Container string
	Prefix    string
}

func (o *ObjectSink) Name() string { return "object-store" }

// Key is the object key of runID's output.
func (o *ObjectSink) Key(runID string) string {
	return path.Join(o.Prefix, "part-"+runID+".parquet")
}

func (o *ObjectSink) Replace(ctx context.Context, runID string, t *table.Table) error {
	var buf bytes.Buffer
	if err := table.WriteParquet(&buf, t); err != nil {
		return err
	}
	return o.Store.Put(ctx, o.Container, o.Key(runID), &buf, true)
}

var _ Sink = (*ObjectSink)(nil)
