package storage

import (
	"context"
	"io"
)

// Store is the blob store the signing core writes originals, signature
// images and finalized PDFs to. Keys are slash-separated paths relative to
// the store root. WriteTemp plus Rename gives callers an atomic publish:
// the final key never exists half-written.
type Store interface {
	Write(ctx context.Context, key string, body io.Reader) error
	WriteTemp(ctx context.Context, body io.Reader) (tempKey string, err error)
	Rename(ctx context.Context, tempKey, finalKey string) error
	Read(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}
