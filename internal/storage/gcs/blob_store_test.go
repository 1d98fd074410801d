package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("MissingClient", func(t *testing.T) {
		store, err := New(nil, Config{Bucket: "crawl-dumps"})
		require.Error(t, err)
		require.Nil(t, store)
	})

	t.Run("MissingBucket", func(t *testing.T) {
		store, err := New(&storage.Client{}, Config{})
		require.Error(t, err)
		require.Nil(t, store)
	})

	t.Run("ValidConfig", func(t *testing.T) {
		store, err := New(&storage.Client{}, Config{Bucket: "crawl-dumps"})
		require.NoError(t, err)
		require.NotNil(t, store)
	})
}
