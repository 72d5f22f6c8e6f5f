package sink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rskumar/orderflow/internal/objectstore"
	"github.com/rskumar/orderflow/internal/resolver"
	"github.com/rskumar/orderflow/internal/table"
	"github.com/rskumar/orderflow/pkg/schema"
)

type recordingSink struct {
	name   string
	err    error
	mu     sync.Mutex
	runs   []string
	active atomic.Int32
	peak   atomic.Int32
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Replace(_ context.Context, runID string, _ *table.Table) error {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	if n > r.peak.Load() {
		r.peak.Store(n)
	}
	time.Sleep(time.Millisecond)
	r.mu.Lock()
	r.runs = append(r.runs, runID)
	r.mu.Unlock()
	return r.err
}

func sampleTable(t *testing.T) *table.Table {
	t.Helper()
	tbl := table.New("Order ID", "UpdatedOn")
	require.NoError(t, tbl.Append("1", "2024-01-01T00:00:00Z"))
	require.NoError(t, tbl.Append("2", nil))
	return tbl
}

func TestSet_ReplacesEverySinkAndCollectsFailures(t *testing.T) {
	ok := &recordingSink{name: "object-store"}
	bad := &recordingSink{name: "relational", err: errors.New("connection reset")}
	set := NewSet(nil, nil, ok, bad)

	err := set.Replace(context.Background(), "jr_1", sampleTable(t))
	var rerr *ReplaceError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "jr_1", rerr.RunID)
	assert.Contains(t, rerr.Failed, "relational")
	assert.NotContains(t, rerr.Failed, "object-store")
	assert.Equal(t, []string{"jr_1"}, ok.runs)
	assert.Equal(t, []string{"jr_1"}, bad.runs)
	assert.Equal(t, []string{"object-store", "relational"}, set.Names())
}

func TestSet_SerialisesWritersPerSink(t *testing.T) {
	sk := &recordingSink{name: "object-store"}
	set := NewSet(NewLocalLocker(), nil, sk)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, set.Replace(context.Background(), "jr_x", sampleTable(t)))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), sk.peak.Load())
	assert.Len(t, sk.runs, 8)
}

func TestLocalLocker_RespectsContext(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k", time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, release(context.Background()))
	require.NoError(t, release(context.Background()))
	release2, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	require.NoError(t, release2(context.Background()))
}

func TestObjectSink_ReplaceIsIdempotentPerRun(t *testing.T) {
	ctx := context.Background()
	store, err := objectstore.NewDirStore(t.TempDir())
	require.NoError(t, err)
	sk := &ObjectSink{Store: store, Container: "results", Prefix: "final"}

	require.NoError(t, sk.Replace(ctx, "jr_1", sampleTable(t)))
	require.NoError(t, sk.Replace(ctx, "jr_1", sampleTable(t)))
	assert.Equal(t, "final/part-jr_1.parquet", sk.Key("jr_1"))

	objs, err := store.List(ctx, "results", "final/")
	require.NoError(t, err)
	require.Len(t, objs, 1)

	r := resolver.New(&resolver.ObjectSource{Store: store, Container: "results", Prefix: "final/"}, nil, nil)
	got, err := r.Resolve(ctx, schema.SourceObjectStore)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Len())
}

type staticReader struct {
	t   *table.Table
	err error
}

func (s staticReader) Read(context.Context) (*table.Table, error) { return s.t, s.err }

func TestFunctionHandler(t *testing.T) {
	tests := []struct {
		name   string
		reader staticReader
		status int
		rows   int
	}{
		{"rows", staticReader{t: sampleTable(t)}, http.StatusOK, 2},
		{"no table", staticReader{}, http.StatusOK, 0},
		{"error", staticReader{err: errors.New("down")}, http.StatusInternalServerError, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			FunctionHandler(tt.reader, discardLogger()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
			require.Equal(t, http.StatusOK, rec.Code)

			var env envelope
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			assert.Equal(t, tt.status, env.StatusCode)

			records, ok := resolver.DecodeEnvelope(rec.Body.Bytes())
			assert.Equal(t, tt.rows > 0, ok)
			assert.Len(t, records, tt.rows)
		})
	}
}
