package blobstore

import (
	"context"
	"fmt"

	"github.com/headlands-org/go-quicksim/search/annoy"
)

// PutForest serialises a built forest into store under name.
func PutForest(ctx context.Context, store Store, name string, forest *annoy.Forest, c annoy.Compression) (int, error) {
	data, err := annoy.Serializer{Compression: c}.Serialize(forest)
	if err != nil {
		return 0, err
	}
	if err := store.Put(ctx, name, data); err != nil {
		return 0, fmt.Errorf("blobstore: put %s: %w", name, err)
	}
	return len(data), nil
}

// GetForest loads the forest stored under name. Local blobs are memory-mapped.
func GetForest(ctx context.Context, store Store, name string, opts ...annoy.ForestOption) (*annoy.Forest, error) {
	if local, ok := store.(*LocalStore); ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return annoy.LoadFile(local.Path(name), opts...)
	}
	data, err := store.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %s: %w", name, err)
	}
	return annoy.Load(data, opts...)
}
