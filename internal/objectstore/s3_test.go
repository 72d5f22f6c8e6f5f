package objectstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 keeps objects in memory and pages listings two keys at a time.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	headErr error
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) id(bucket, key *string) string { return aws.ToString(bucket) + "/" + aws.ToString(key) }

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.objects[f.id(in.Bucket, in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[f.id(in.Bucket, in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id(in.Bucket, in.Key)
	if _, ok := f.objects[id]; ok && aws.ToString(in.IfNoneMatch) == "*" {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "exists"}
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[id] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket := aws.ToString(in.Bucket) + "/"
	var keys []string
	for id := range f.objects {
		key, ok := strings.CutPrefix(id, bucket)
		if ok && strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for start < len(keys) && keys[start] <= aws.ToString(in.ContinuationToken) {
			start++
		}
	}
	end := min(start+2, len(keys))
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(1)})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end-1])
	}
	return out, nil
}

func TestS3Store_Exists(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	fake.objects["orders-bucket/orders_x.csv"] = []byte("x")
	s := NewS3Store(fake)

	ok, err := s.Exists(ctx, "orders-bucket", "orders_x.csv")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, "orders-bucket", "missing.csv")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestS3Store_ExistsSurfacesOtherErrors(t *testing.T) {
	fake := newFakeS3()
	fake.headErr = &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}
	s := NewS3Store(fake)

	_, err := s.Exists(context.Background(), "b", "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AccessDenied")
}

func TestS3Store_ListFollowsPages(t *testing.T) {
	fake := newFakeS3()
	for _, k := range []string{"out/a.parquet", "out/b.parquet", "out/c.csv", "out/d.parquet", "other/e"} {
		fake.objects["results/"+k] = []byte("x")
	}
	s := NewS3Store(fake)

	objs, err := s.List(context.Background(), "results", "out/")
	require.NoError(t, err)
	var keys []string
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	assert.Equal(t, []string{"out/a.parquet", "out/b.parquet", "out/c.csv", "out/d.parquet"}, keys)
}

func TestS3Store_PutAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewS3Store(newFakeS3())

	require.NoError(t, s.Put(ctx, "b", "k", bytes.NewBufferString("one"), false))
	err := s.Put(ctx, "b", "k", bytes.NewBufferString("two"), false)
	assert.ErrorIs(t, err, ErrExists)

	rc, err := s.Get(ctx, "b", "k")
	require.NoError(t, err)
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	assert.Equal(t, "one", string(body))

	_, err = s.Get(ctx, "b", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
