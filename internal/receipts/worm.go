package receipts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrAlreadyExported is returned by a WORMSink when key has already been
// written. ExportBatch treats it as success rather than failure: the
// batcher is at-least-once, and re-running it after a partial failure
// must not abort on the keys it already landed.
var ErrAlreadyExported = errors.New("receipts: worm key already exported")

// WORMSink exports receipts to write-once storage. Persistent object
// storage is out of scope for this module (no S3/GCS client is wired),
// but the interface boundary is still exercised by a filesystem-backed
// implementation for local and test use — the pluggable pattern the
// audit package follows with its stream-to-io.Writer export helpers.
type WORMSink interface {
	Put(ctx context.Context, key string, data []byte) (storedURI string, err error)
}

// FileWORMSink writes each export exactly once to dir; Put refuses to
// overwrite an existing key, the closest a plain filesystem gets to
// write-once semantics.
type FileWORMSink struct {
	dir string
}

// NewFileWORMSink builds a FileWORMSink rooted at dir, creating it if
// necessary.
func NewFileWORMSink(dir string) (*FileWORMSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("receipts: create worm dir: %w", err)
	}
	return &FileWORMSink{dir: dir}, nil
}

func (f *FileWORMSink) Put(_ context.Context, key string, data []byte) (string, error) {
	path := filepath.Join(f.dir, filepath.Clean("/" + key)[1:])
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%w: %q", ErrAlreadyExported, key)
	}
	if err := os.WriteFile(path, data, 0o440); err != nil {
		return "", err
	}
	return "file://" + path, nil
}
