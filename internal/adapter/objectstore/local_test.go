package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragkb/internal/domain"
)

func TestLocalStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir(), 1024)
	require.NoError(t, err)

	uri, err := s.Put(ctx, "acme", "doc-1", "2", "handbook.md", []byte("# Hello"))
	require.NoError(t, err)
	assert.Equal(t, "s3://local/acme/doc-1/v2/handbook.md", uri)

	data, err := s.Get(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, "# Hello", string(data))
}

func TestLocalStore_NeverOverwrites(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir(), 0)
	require.NoError(t, err)

	uri, err := s.Put(ctx, "acme", "doc-1", "1", "a.txt", []byte("first"))
	require.NoError(t, err)

	_, err = s.Put(ctx, "acme", "doc-1", "1", "a.txt", []byte("second"))
	assert.ErrorIs(t, err, domain.ErrObjectExists)

	data, err := s.Get(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestLocalStore_Validation(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir(), 4)
	require.NoError(t, err)

	_, err = s.Put(ctx, "acme", "doc", "1", "big.txt", []byte("too large"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = s.Put(ctx, "acme", "..", "1", "a.txt", []byte("x"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = s.Put(ctx, "", "doc", "1", "a.txt", []byte("x"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = s.Get(ctx, "s3://local/../etc/passwd")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = s.Get(ctx, "file:///etc/passwd")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = s.Get(ctx, "s3://local/acme/missing/v1/a.txt")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLocalStore_DeleteTenant(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir(), 0)
	require.NoError(t, err)

	a, err := s.Put(ctx, "acme", "d", "1", "a.txt", []byte("a"))
	require.NoError(t, err)
	g, err := s.Put(ctx, "globex", "d", "1", "g.txt", []byte("g"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteTenant(ctx, "acme"))

	_, err = s.Get(ctx, a)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.Get(ctx, g)
	assert.NoError(t, err)
}
