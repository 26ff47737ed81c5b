package ops

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivegate/internal/config"
	"drivegate/internal/health"
	"drivegate/internal/token"
	"drivegate/internal/tokencrypt"
	"drivegate/internal/whitelist"
)

func testDeps(t *testing.T) (Dependencies, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	sourcePath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(sourcePath, []byte("USER_WHITELIST=1,2\n"), 0o600))

	manager := whitelist.NewManager(sourcePath, "USER_WHITELIST", time.Minute)

	store, err := token.NewStore(token.Options{
		BaseDir: filepath.Join(dir, "tokens"),
		Codec:   tokencrypt.New(""),
		Loader: func(data []byte) (token.Credential, error) {
			return nil, nil
		},
	})
	require.NoError(t, err)

	job, err := health.NewJob(health.Options{Store: store})
	require.NoError(t, err)

	return Dependencies{Whitelist: manager, Store: store, Health: job}, sourcePath
}

func doRequest(t *testing.T, engine *gin.Engine, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	deps, _ := testDeps(t)
	engine := NewEngine(&config.Config{Debug: true}, deps)

	rec := doRequest(t, engine, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatusReportsCounters(t *testing.T) {
	deps, _ := testDeps(t)
	engine := NewEngine(&config.Config{Debug: true}, deps)

	rec := doRequest(t, engine, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 2, body["whitelist_size"])
	assert.Contains(t, body, "token_cache_entries")
	assert.Contains(t, body, "known_users")

	healthInfo, ok := body["health"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, healthInfo, "cursor")
	assert.Contains(t, healthInfo, "last_metrics")
}

func TestReloadPicksUpWhitelistEdit(t *testing.T) {
	deps, sourcePath := testDeps(t)
	engine := NewEngine(&config.Config{Debug: true}, deps)

	require.False(t, deps.Whitelist.Contains(3))
	require.NoError(t, os.WriteFile(sourcePath, []byte("USER_WHITELIST=1,2,3\n"), 0o600))

	rec := doRequest(t, engine, http.MethodPost, "/reload")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body["reloaded"])
	assert.True(t, deps.Whitelist.Contains(3))
}
