// Package walk lists files of a directory tree as an iterator.
package walk

import (
	"context"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
)

// Files recursively walks dir and yields the path of every regular file,
// prefixed with dir. It does not follow symlinks and stops once ctx is done.
// Errors of single entries are yielded with the path they belong to.
func Files(ctx context.Context, dir string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		root, err := os.OpenRoot(dir)
		if err != nil {
			yield(dir, fmt.Errorf("opening %s: %w", dir, err))
			return
		}
		defer func() {
			_ = root.Close()
		}()

		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			abspath := filepath.Join(dir, path)
			if err != nil {
				if !yield(abspath, err) {
					return fs.SkipAll
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if !yield(abspath, nil) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root.FS(), ".", fn)
	}
}
