package fs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"ragkb/internal/port"
)

var _ port.FileWalker = (*Walker)(nil)

// Walker matches doublestar globs against slash-separated paths relative to
// the walk root. An exclude pattern ending in "/" prunes whole directories.
type Walker struct {
	includes    []string
	excludes    []string
	maxFileSize int64
}

// NewWalker rejects malformed patterns. No includes means every file;
// maxFileSize 0 means no limit.
func NewWalker(includes, excludes []string, maxFileSize int64) (*Walker, error) {
	if len(includes) == 0 {
		includes = []string{"**"}
	}
	for _, p := range slices.Concat(includes, excludes) {
		if !doublestar.ValidatePattern(strings.TrimSuffix(p, "/")) {
			return nil, fmt.Errorf("invalid glob pattern %q", p)
		}
	}
	return &Walker{includes: includes, excludes: excludes, maxFileSize: maxFileSize}, nil
}

func (w *Walker) Walk(ctx context.Context, root string) ([]port.FileInfo, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var files []port.FileInfo
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		switch {
		case d.IsDir():
			if rel != "." && w.excluded(rel, true) {
				return filepath.SkipDir
			}
			return nil
		case !d.Type().IsRegular(), !w.included(rel), w.excluded(rel, false):
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		fi := port.FileInfo{Path: path, RelPath: rel, ModTime: info.ModTime().Unix(), Size: info.Size()}
		if w.maxFileSize > 0 && fi.Size > w.maxFileSize {
			fi.SkipReason = fmt.Sprintf("size %d exceeds limit %d", fi.Size, w.maxFileSize)
		}
		files = append(files, fi)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(files, func(a, b port.FileInfo) int { return strings.Compare(a.RelPath, b.RelPath) })
	return files, nil
}

func (w *Walker) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

func (w *Walker) included(rel string) bool {
	return slices.ContainsFunc(w.includes, func(p string) bool {
		return match(p, rel)
	})
}

// excluded matches directory-only patterns ("draft/") against directories
// and every other pattern against both.
func (w *Walker) excluded(rel string, dir bool) bool {
	return slices.ContainsFunc(w.excludes, func(p string) bool {
		if trimmed, dirOnly := strings.CutSuffix(p, "/"); dirOnly {
			return dir && match(trimmed, rel)
		}
		return match(p, rel)
	})
}

// match ignores the pattern error; NewWalker has validated every pattern.
func match(pattern, rel string) bool {
	ok, _ := doublestar.Match(pattern, rel)
	return ok
}
