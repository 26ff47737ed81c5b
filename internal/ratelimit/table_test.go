package ratelimit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTableJSONSingleEntry(t *testing.T) {
	table := ParseTableJSON(`{"upload": {"limit": 5, "window_seconds": 60, "cooldown": 10, "scope": "user", "levels": ["authorized"]}}`)
	require.Len(t, table, 1)

	entries := table["upload"]
	require.Len(t, entries, 1)
	assert.Equal(t, 5, entries[0].Limit)
	assert.Equal(t, 60.0, entries[0].WindowSec)
	assert.Equal(t, 10.0, entries[0].CooldownSec)
	assert.Equal(t, []string{"authorized"}, entries[0].Levels)
}

func TestParseTableJSONEntryList(t *testing.T) {
	table := ParseTableJSON(`{"upload": [{"limit": 1, "window": 60}, {"limit": 10, "interval": 3600, "scope": "global"}]}`)
	entries := table["upload"]
	require.Len(t, entries, 2)
	assert.Equal(t, 60.0, entries[0].WindowSec)
	assert.Equal(t, 3600.0, entries[1].WindowSec)
	assert.Equal(t, "global", entries[1].Scope)
}

func TestParseTableJSONMalformed(t *testing.T) {
	assert.Nil(t, ParseTableJSON(""))
	assert.Nil(t, ParseTableJSON("not json"))
	assert.Nil(t, ParseTableJSON(`["array", "not", "object"]`))
}

func TestLoadTableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	content := `upload:
  - name: upload-per-user
    limit: 3
    window_seconds: 60
    cooldown_seconds: 30
    scope: user
    levels: [authorized, admin]
status:
  - limit: 10
    window_seconds: 60
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	table, err := LoadTableFile(path)
	require.NoError(t, err)
	require.Len(t, table, 2)
	assert.Equal(t, "upload-per-user", table["upload"][0].Name)
	assert.Equal(t, []string{"authorized", "admin"}, table["upload"][0].Levels)
}

func TestLoadTableFileMissing(t *testing.T) {
	_, err := LoadTableFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
