// Package storage defines the artifact persistence boundary for page-source
// dumps.
package storage

import (
	"bytes"
	"context"
	"io"
	"path"
)

// BlobStore persists one artifact under a path and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// PageDumper adapts a BlobStore to the visit runner's dump surface, writing
// HTML snapshots under a fixed prefix.
type PageDumper struct {
	store  BlobStore
	prefix string
}

// NewPageDumper builds a dumper. prefix may be empty.
func NewPageDumper(store BlobStore, prefix string) *PageDumper {
	return &PageDumper{store: store, prefix: prefix}
}

// Put stores one page snapshot.
func (d *PageDumper) Put(ctx context.Context, key string, data []byte) error {
	_, err := d.store.PutObject(ctx, path.Join(d.prefix, key), "text/html; charset=utf-8", bytes.NewReader(data))
	return err
}
