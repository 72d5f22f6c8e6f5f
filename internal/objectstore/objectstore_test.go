package objectstore

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadKey(t *testing.T) {
	at := time.Date(2024, 3, 9, 7, 5, 2, 0, time.UTC)
	assert.Equal(t, "20240309_070502_orders.csv", UploadKey("orders.csv", at))
	assert.Equal(t, "20240309_070502_returns.csv", UploadKey(`C:\tmp\returns.csv`, at))
	assert.Equal(t, "20240309_070502_x.csv", UploadKey("nested/dir/x.csv", at))
}

func TestDirStore_PutGetExists(t *testing.T) {
	ctx := context.Background()
	s, err := NewDirStore(t.TempDir())
	require.NoError(t, err)

	ok, err := s.Exists(ctx, "orders", "a.csv")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "orders", "a.csv", bytes.NewBufferString("Order ID\n1\n"), false))
	ok, err = s.Exists(ctx, "orders", "a.csv")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := s.Get(ctx, "orders", "a.csv")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "Order ID\n1\n", string(body))
}

func TestDirStore_PutRefusesOverwrite(t *testing.T) {
	ctx := context.Background()
	s, err := NewDirStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "c", "k", bytes.NewBufferString("one"), false))
	err = s.Put(ctx, "c", "k", bytes.NewBufferString("two"), false)
	assert.ErrorIs(t, err, ErrExists)

	require.NoError(t, s.Put(ctx, "c", "k", bytes.NewBufferString("three"), true))
	rc, err := s.Get(ctx, "c", "k")
	require.NoError(t, err)
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	assert.Equal(t, "three", string(body))
}

func TestDirStore_GetMissing(t *testing.T) {
	s, err := NewDirStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.Get(context.Background(), "c", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirStore_ListByPrefix(t *testing.T) {
	ctx := context.Background()
	s, err := NewDirStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"out/b.parquet", "out/a.parquet", "out/c.csv", "tmp/x.parquet"} {
		require.NoError(t, s.Put(ctx, "results", key, bytes.NewBufferString("x"), false))
	}

	objs, err := s.List(ctx, "results", "out/")
	require.NoError(t, err)
	var keys []string
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	assert.Equal(t, []string{"out/a.parquet", "out/b.parquet", "out/c.csv"}, keys)

	objs, err = s.List(ctx, "empty", "")
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestDirStore_RejectsEscapingKeys(t *testing.T) {
	s, err := NewDirStore(t.TempDir())
	require.NoError(t, err)
	err = s.Put(context.Background(), "c", "../../etc/passwd", bytes.NewBufferString("x"), true)
	assert.Error(t, err)
}

func TestUpload(t *testing.T) {
	ctx := context.Background()
	s, err := NewDirStore(t.TempDir())
	require.NoError(t, err)
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	key, err := Upload(ctx, s, "orders", "orders.csv", bytes.NewBufferString("x"), at)
	require.NoError(t, err)
	assert.Equal(t, "20240102_030405_orders.csv", key)

	_, err = Upload(ctx, s, "orders", "orders.csv", bytes.NewBufferString("y"), at)
	assert.ErrorIs(t, err, ErrExists)

	_, err = Upload(ctx, s, "orders", " ", bytes.NewBufferString("y"), at)
	assert.Error(t, err)
}
