package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeKVs(t *testing.T) {
	out := sanitizeKVs([]interface{}{"api_key", "sk-123", "used_tokens", 42, "tenant_id", "acme", "dangling"})
	assert.Equal(t, []interface{}{"api_key", "[REDACTED]", "used_tokens", 42, "tenant_id", "acme", "dangling"}, out)
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New("dev", "loud")
	require.Error(t, err)
}

func TestNew(t *testing.T) {
	l, err := New("prod", "warn")
	require.NoError(t, err)
	l.With("component", "test").Info("suppressed below warn")
}
