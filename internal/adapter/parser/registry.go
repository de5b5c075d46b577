package parser

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"ragkb/internal/domain"
	"ragkb/internal/port"
)

// Format is one built-in parser.
type Format interface {
	Parse(ctx context.Context, mimeType string, data []byte) ([]domain.Block, error)
	SupportedMIMETypes() []string
}

var _ port.Parser = (*Registry)(nil)

// Registry dispatches Parse calls by MIME type.
type Registry struct {
	formats map[string]Format
}

// NewRegistry registers the given formats; later formats win on overlap.
func NewRegistry(formats ...Format) *Registry {
	r := &Registry{formats: make(map[string]Format)}
	for _, f := range formats {
		for _, mt := range f.SupportedMIMETypes() {
			r.formats[mt] = f
		}
	}
	return r
}

// Default returns a registry with the plaintext and markdown parsers.
func Default() *Registry {
	return NewRegistry(NewPlainText(), NewMarkdown())
}

func (r *Registry) Supports(mimeType string) bool {
	_, ok := r.formats[baseType(mimeType)]
	return ok
}

func (r *Registry) Parse(ctx context.Context, mimeType string, data []byte) ([]domain.Block, error) {
	f, ok := r.formats[baseType(mimeType)]
	if !ok {
		return nil, &domain.ParseError{Cause: fmt.Sprintf("unsupported mime type %q", mimeType), Permanent: true}
	}
	return f.Parse(ctx, mimeType, data)
}

func (r *Registry) DetectMIME(filename string, data []byte) string {
	return DetectMIME(filename, data)
}

// Title extracts a document title from content where the format has one.
func (r *Registry) Title(mimeType string, data []byte) string {
	if baseType(mimeType) == "text/markdown" {
		return Title(data)
	}
	return ""
}

var extensionTypes = map[string]string{
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".txt":      "text/plain",
	".text":     "text/plain",
}

// DetectMIME prefers the filename extension and falls back to content sniffing.
func DetectMIME(filename string, data []byte) string {
	if mt, ok := extensionTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return mt
	}
	return baseType(mimetype.Detect(data).String())
}

func baseType(mt string) string {
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.TrimSpace(strings.ToLower(mt))
}
