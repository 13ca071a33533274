package breakpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStoreMissingFileIsEmpty(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "none.json"), zap.NewNop())

	bps, err := store.GetAll()
	require.NoError(t, err)
	assert.Empty(t, bps)
}

func TestStorePutReplacesByKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "url-breakpoints.json")
	store := NewStore(path, zap.NewNop())

	bp := mustURLBreakpoint(t, TypeText, "http://example.com")
	require.NoError(t, store.Put(bp))
	bp.SetDisabled(true)
	require.NoError(t, store.Put(bp))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entries []map[string]any
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "text:http://example.com", entries[0]["__id"])
	assert.Equal(t, true, entries[0]["disabled"])

	require.NoError(t, store.Delete("text:http://example.com"))
	bps, err := store.GetAll()
	require.NoError(t, err)
	assert.Empty(t, bps)
}

func TestStoreSkipsCorruptEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "url-breakpoints.json")
	content := `[
  {"__id": "text:/ok", "type": "text", "url": "/ok"},
  {"__id": "glob:/bad", "type": "glob", "url": "/bad"},
  {"type": "text"}
]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	store := NewStore(path, zap.NewNop())
	bps, err := store.GetAll()
	require.NoError(t, err)
	require.Len(t, bps, 1)
	assert.Equal(t, "text:/ok", bps[0].Key())

	// Writes keep entries that could not be decoded.
	require.NoError(t, store.Put(mustURLBreakpoint(t, TypeText, "/new")))
	var raw []json.RawMessage
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Len(t, raw, 4)
}

func TestStoreRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "url-breakpoints.json")
	require.NoError(t, os.WriteFile(path, []byte("{not an array"), 0644))

	_, err := NewStore(path, zap.NewNop()).GetAll()
	require.Error(t, err)
}
