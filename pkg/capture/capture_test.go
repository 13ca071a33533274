package capture

import (
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestCapture(t *testing.T) {
	r := httptest.NewRequest("GET", "http://example.com/api/items?id=7", nil)
	r.Header.Set("User-Agent", "test-agent")
	r.Header.Set("Authorization", "Bearer secret")

	c := NewRequestCapture(r, "text:/api", "text", 3)

	_, err := uuid.Parse(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "text:/api", c.BreakpointKey)
	assert.Equal(t, "text", c.BreakpointType)
	assert.Equal(t, "GET", c.Method)
	assert.Equal(t, "http://example.com/api/items?id=7", c.URL)
	assert.Equal(t, 3, c.HitCount)
	assert.Equal(t, "test-agent", c.Headers["User-Agent"])
	assert.NotContains(t, c.Headers, "Authorization")
	assert.NotEmpty(t, c.CapturedAt)
}

func TestRequestURL(t *testing.T) {
	r := httptest.NewRequest("GET", "/path?q=1", nil)
	r.Host = "localhost:8000"
	assert.Equal(t, "http://localhost:8000/path?q=1", RequestURL(r))

	r.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, "https://localhost:8000/path?q=1", RequestURL(r))
}
