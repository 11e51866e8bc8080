package objectstore

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
)

// ArtifactAdapter adapts an ObjectStore into the shape
// internal/checkpoint.ArtifactStore expects (WriteArtifact/ReadArtifact),
// so ingest-stage artifacts can live in S3 instead of local disk when
// Config.S3.Bucket is set. Only the
// artifact's base file name is used as the object key, so local checkpoint
// directory structure never leaks into bucket keys.
type ArtifactAdapter struct {
	Store ObjectStore
}

func (a ArtifactAdapter) WriteArtifact(ctx context.Context, path string, data []byte) error {
	_, err := a.Store.Put(ctx, filepath.Base(path), bytes.NewReader(data), PutOptions{ContentType: "application/octet-stream"})
	return err
}

func (a ArtifactAdapter) ReadArtifact(ctx context.Context, path string) ([]byte, error) {
	rc, _, err := a.Store.Get(ctx, filepath.Base(path))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
