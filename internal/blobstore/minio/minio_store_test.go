package minio

import (
	"context"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlands-org/go-quicksim/internal/blobstore"
)

func TestListPrefixKeepsTrailingSlash(t *testing.T) {
	tests := []struct {
		root, prefix, want string
	}{
		{root: "indexes", prefix: "a/", want: "indexes/a/"},
		{root: "indexes/", prefix: "a/", want: "indexes/a/"},
		{root: "indexes", prefix: "", want: "indexes/"},
		{root: "indexes", prefix: "movies", want: "indexes/movies"},
		{root: "", prefix: "a/", want: "a/"},
		{root: "", prefix: "", want: ""},
	}
	for _, tt := range tests {
		s := NewStore(nil, "bucket", tt.root)
		assert.Equal(t, tt.want, s.listPrefix(tt.prefix), "root %q prefix %q", tt.root, tt.prefix)
	}
	assert.Equal(t, "indexes/movies.qsim", NewStore(nil, "bucket", "indexes/").key("movies.qsim"))
}

// TestStoreIntegration requires a running MinIO instance on localhost:9000.
func TestStoreIntegration(t *testing.T) {
	client, err := minio.New("localhost:9000", &minio.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	if err != nil {
		t.Skipf("MinIO client creation failed: %v", err)
	}
	ctx := context.Background()
	if _, err := client.ListBuckets(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	store, err := Dial(ctx, Options{
		Endpoint:  "localhost:9000",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "test-quicksim",
		Prefix:    "indexes",
	})
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "movies.qsim", []byte("forest bytes")))
	data, err := store.Get(ctx, "movies.qsim")
	require.NoError(t, err)
	assert.Equal(t, []byte("forest bytes"), data)

	names, err := store.List(ctx, "movies")
	require.NoError(t, err)
	assert.Contains(t, names, "movies.qsim")

	require.NoError(t, store.Delete(ctx, "movies.qsim"))
	_, err = store.Get(ctx, "movies.qsim")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
	assert.NoError(t, store.Delete(ctx, "movies.qsim"))
}
