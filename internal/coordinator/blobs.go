package coordinator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/gridflow/internal/runner"
)

// BlobDir is the content-addressed file store under a work root.
const BlobDir = ".blobs"

// blobStore keeps one copy of every cached file output, named by the
// SHA-256 of its content.
type blobStore struct {
	dir string
}

func (b blobStore) path(sum string) string {
	return filepath.Join(b.dir, sum)
}

// put stores the file at src and returns its digest. Storing content that is
// already present is a no-op.
func (b blobStore) put(src string) (string, error) {
	sum, err := fileDigest(src)
	if err != nil {
		return "", err
	}
	dst := b.path(sum)
	if _, err := os.Stat(dst); err == nil {
		return sum, nil
	}
	if err := runner.LinkOrCopy(src, dst); err != nil {
		return "", fmt.Errorf("store blob %s: %w", sum, err)
	}
	return sum, nil
}

// has reports whether the blob is present.
func (b blobStore) has(sum string) bool {
	_, err := os.Stat(b.path(sum))
	return err == nil
}

// materialize places blob sum at dst, hard-linking when possible.
func (b blobStore) materialize(sum, dst string) error {
	src := b.path(sum)
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("blob %s is missing", sum)
		}
		return err
	}
	return runner.LinkOrCopy(src, dst)
}
