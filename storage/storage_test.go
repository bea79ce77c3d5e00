package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var store = NewFileStore(t.TempDir())

	location, err := store.Put(ctx, "1234567/0001234567-25-000001/submission.txt",
		[]byte("hello filing"), "text/plain")
	require.NoError(t, err)
	require.Contains(t, location, "file://")
	require.Contains(t, location, "1234567/0001234567-25-000001/submission.txt")

	data, err := store.Get(ctx, location)
	require.NoError(t, err)
	require.Equal(t, []byte("hello filing"), data)

	// Overwrites replace the blob in place.
	_, err = store.Put(ctx, "1234567/0001234567-25-000001/submission.txt",
		[]byte("v2"), "text/plain")
	require.NoError(t, err)
	data, err = store.Get(ctx, location)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), data)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemoryStore()

	location, err := store.Put(ctx, "a/b/index.html", []byte("<html/>"), "text/html")
	require.NoError(t, err)
	require.Equal(t, "mem://a/b/index.html", location)

	data, err := store.Get(ctx, location)
	require.NoError(t, err)
	require.Equal(t, []byte("<html/>"), data)

	_, err = store.Get(ctx, "mem://missing")
	require.Error(t, err)
}

func TestSplitBucketURI(t *testing.T) {
	bucket, key, err := splitBucketURI("s3", "s3://filings/1/2/submission.txt")
	require.NoError(t, err)
	require.Equal(t, "filings", bucket)
	require.Equal(t, "1/2/submission.txt", key)

	_, _, err = splitBucketURI("s3", "gs://filings/whatever")
	require.Error(t, err)
	_, _, err = splitBucketURI("s3", "s3://justbucket")
	require.Error(t, err)
}
