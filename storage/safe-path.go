package storage

import (
	"fmt"
	"path/filepath"
)

// Joins the path elements, refusing anything that would land outside the directory they're
// relative to.
func ToSafeFilePath(elems ...string) (string, error) {
	joined := filepath.Join(elems...)
	if !filepath.IsLocal(joined) {
		return "", fmt.Errorf("%q escapes its base directory", joined)
	}
	return joined, nil
}
