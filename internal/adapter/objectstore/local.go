package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"ragkb/internal/domain"
	"ragkb/internal/port"
)

const uriPrefix = "s3://local/"

var _ port.ObjectStore = (*LocalStore)(nil)

// LocalStore keeps uploaded bytes on the local filesystem under
// <base>/<tenant>/<document>/v<label>/<filename> and addresses them with
// s3://local/ URIs. Objects are created exclusively and never overwritten.
type LocalStore struct {
	basePath    string
	maxFileSize int64
}

func NewLocalStore(basePath string, maxFileSize int64) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create object store root: %w", err)
	}
	return &LocalStore{basePath: basePath, maxFileSize: maxFileSize}, nil
}

func validSegment(field, s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, "/\\\x00") {
		return domain.Invalid(field, "%q is not a valid path segment", s)
	}
	return nil
}

func (s *LocalStore) Put(ctx context.Context, tenant domain.TenantID, documentUUID, versionLabel, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := domain.ValidateTenant(tenant); err != nil {
		return "", err
	}
	filename = filepath.Base(filename)
	for field, v := range map[string]string{"document_uuid": documentUUID, "version_label": versionLabel, "filename": filename} {
		if err := validSegment(field, v); err != nil {
			return "", err
		}
	}
	if s.maxFileSize > 0 && int64(len(data)) > s.maxFileSize {
		return "", domain.Invalid("file", "size %d exceeds limit %d", len(data), s.maxFileSize)
	}

	rel := filepath.Join(string(tenant), documentUUID, "v"+versionLabel, filename)
	full := filepath.Join(s.basePath, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%s: %w", toURI(rel), domain.ErrObjectExists)
		}
		return "", fmt.Errorf("create object: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(full)
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(full)
		return "", fmt.Errorf("close object: %w", err)
	}
	return toURI(rel), nil
}

func (s *LocalStore) Get(ctx context.Context, sourceURI string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(sourceURI)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("object %s: %w", sourceURI, domain.ErrNotFound)
	}
	return data, err
}

func (s *LocalStore) DeleteTenant(ctx context.Context, tenant domain.TenantID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := domain.ValidateTenant(tenant); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.basePath, string(tenant)))
}

// resolve maps a URI back to a path inside basePath, rejecting traversal.
func (s *LocalStore) resolve(uri string) (string, error) {
	if !strings.HasPrefix(uri, uriPrefix) {
		return "", domain.Invalid("source_uri", "%q is not an s3://local/ URI", uri)
	}
	rel := filepath.FromSlash(strings.TrimPrefix(uri, uriPrefix))
	clean := filepath.Clean(rel)
	if clean != rel || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", domain.Invalid("source_uri", "%q escapes the object store", uri)
	}
	return filepath.Join(s.basePath, clean), nil
}

func toURI(rel string) string {
	return uriPrefix + filepath.ToSlash(rel)
}
