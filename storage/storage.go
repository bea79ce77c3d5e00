// Package storage persists filing artifacts as opaque blobs. Locations are
// URIs (s3://bucket/key, gs://bucket/key, file:///path) so that the records
// pointing at them stay portable across backends.
package storage

import (
	"context"
	"fmt"
	"strings"
)

// Store persists artifacts under hierarchical keys and fetches them back by
// location URI. Overwrites are safe: blobs are content-identified by the
// checksum recorded next to the location.
type Store interface {
	// Put writes |data| at |key| and returns the blob's location URI.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Get reads back the blob at |location|.
	Get(ctx context.Context, location string) ([]byte, error)
}

// splitBucketURI splits "scheme://bucket/key" into bucket and key,
// validating the expected scheme.
func splitBucketURI(scheme, location string) (bucket, key string, err error) {
	var prefix = scheme + "://"
	if !strings.HasPrefix(location, prefix) {
		return "", "", fmt.Errorf("location %q is not a %s URI", location, scheme)
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(location, prefix), "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("location %q is missing a bucket or key", location)
	}
	return bucket, key, nil
}
