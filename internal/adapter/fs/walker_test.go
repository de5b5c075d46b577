package fs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func TestWalker_IncludeExclude(t *testing.T) {
	root := writeTree(t, map[string]string{
		"handbook.md":           "# Handbook",
		"policies/refunds.txt":  "refunds",
		"policies/draft/new.md": "draft",
		"images/logo.png":       "png",
		".git/config":           "git",
	})

	w, err := NewWalker([]string{"**/*.md", "**/*.txt"}, []string{"**/draft/", ".git/"}, 0)
	require.NoError(t, err)
	files, err := w.Walk(context.Background(), root)
	require.NoError(t, err)

	var rel []string
	for _, f := range files {
		rel = append(rel, f.RelPath)
		assert.True(t, filepath.IsAbs(f.Path))
	}
	assert.Equal(t, []string{"handbook.md", "policies/refunds.txt"}, rel)

	f, err := w.Open(files[0].Path)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "# Handbook", string(data))
}

func TestWalker_DirectoryOnlyExclude(t *testing.T) {
	root := writeTree(t, map[string]string{
		"notes/draft":       "a file named draft",
		"notes/keep.md":     "k",
		"policies/draft/x":  "pruned",
		"policies/final.md": "f",
	})

	w, err := NewWalker(nil, []string{"**/draft/"}, 0)
	require.NoError(t, err)
	files, err := w.Walk(context.Background(), root)
	require.NoError(t, err)

	var rel []string
	for _, f := range files {
		rel = append(rel, f.RelPath)
	}
	assert.Equal(t, []string{"notes/draft", "notes/keep.md", "policies/final.md"}, rel)
}

func TestWalker_InvalidPattern(t *testing.T) {
	_, err := NewWalker([]string{"[unclosed"}, nil, 0)
	assert.Error(t, err)
}

func TestWalker_Canceled(t *testing.T) {
	root := writeTree(t, map[string]string{"a.md": "a"})
	w, err := NewWalker(nil, nil, 0)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Walk(ctx, root)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWalker_DefaultsAndSizeLimit(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.txt":   "small",
		"big.txt": "this file is larger than the limit",
	})

	w, err := NewWalker(nil, nil, 10)
	require.NoError(t, err)
	files, err := w.Walk(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.txt", files[0].RelPath)
	assert.Equal(t, int64(5), files[0].Size)
	assert.Empty(t, files[0].SkipReason)
	assert.Equal(t, "big.txt", files[1].RelPath)
	assert.Contains(t, files[1].SkipReason, "exceeds limit 10")
}
