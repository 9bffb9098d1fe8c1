package transaction

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pipeline-cache/assetcache"
)

// writeKindFile copies r into targetDir/<kind> and returns the written path.
func writeKindFile(targetDir string, kind assetcache.Kind, r io.Reader) (string, error) {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: creating target dir: %v", assetcache.ErrIO, err)
	}
	path := filepath.Join(targetDir, kind.String())
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("%w: creating %s: %v", assetcache.ErrIO, path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("%w: writing %s: %v", assetcache.ErrIO, path, err)
	}
	return path, nil
}
