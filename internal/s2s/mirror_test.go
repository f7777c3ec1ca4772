package s2s

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConfigServer(t *testing.T, items []map[string]interface{}) *httptest.Server {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"items": items})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMirrorResolveCachesWithinTTL(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"items": []map[string]interface{}{
			{"slug": "ledger", "majorVersion": 1, "baseUrl": "http://ledger.internal", "enabled": true, "isS2STarget": true},
		}})
	}))
	defer srv.Close()

	m, err := NewMirror("config-service", srv.URL, time.Minute, nil)
	require.NoError(t, err)

	target, err := m.Resolve("prod", "ledger", 1)
	require.NoError(t, err)
	assert.True(t, target.IsAuthorized)

	_, err = m.Resolve("prod", "ledger", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second resolve within TTL should hit the cache, not the config service")
}

func TestMirrorResolveNegativeCachesNotFound(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"items": []map[string]interface{}{}})
	}))
	defer srv.Close()

	m, err := NewMirror("config-service", srv.URL, time.Minute, nil)
	require.NoError(t, err)

	target, err := m.Resolve("prod", "nope", 1)
	require.NoError(t, err)
	assert.False(t, target.IsAuthorized)
	assert.Equal(t, ReasonNotFound, target.ReasonIfNotAuthorized)

	_, err = m.Resolve("prod", "nope", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "repeated miss within TTL should be served from the negative cache")
}

func TestMirrorResolveDeniesDisabledTarget(t *testing.T) {
	srv := newConfigServer(t, []map[string]interface{}{
		{"slug": "ledger", "majorVersion": 1, "baseUrl": "http://ledger.internal", "enabled": false, "isS2STarget": true},
	})
	m, err := NewMirror("config-service", srv.URL, time.Minute, nil)
	require.NoError(t, err)

	target, err := m.Resolve("prod", "ledger", 1)
	require.NoError(t, err)
	assert.False(t, target.IsAuthorized)
	assert.Equal(t, ReasonDisabled, target.ReasonIfNotAuthorized)
}

func TestMirrorResolveDeniesNonS2STarget(t *testing.T) {
	srv := newConfigServer(t, []map[string]interface{}{
		{"slug": "ledger", "majorVersion": 1, "baseUrl": "http://ledger.internal", "enabled": true, "isS2STarget": false},
	})
	m, err := NewMirror("config-service", srv.URL, time.Minute, nil)
	require.NoError(t, err)

	target, err := m.Resolve("prod", "ledger", 1)
	require.NoError(t, err)
	assert.False(t, target.IsAuthorized)
	assert.Equal(t, ReasonNotS2STarget, target.ReasonIfNotAuthorized)
}

func TestMirrorResolveRejectsDuplicateConfig(t *testing.T) {
	srv := newConfigServer(t, []map[string]interface{}{
		{"slug": "ledger", "majorVersion": 1, "baseUrl": "http://a", "enabled": true, "isS2STarget": true},
		{"slug": "ledger", "majorVersion": 1, "baseUrl": "http://b", "enabled": true, "isS2STarget": true},
	})
	m, err := NewMirror("config-service", srv.URL, time.Minute, nil)
	require.NoError(t, err)

	_, err = m.Resolve("prod", "ledger", 1)
	require.Error(t, err)
	se, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindDuplicateConfig, se.Kind)
}

func TestNewMirrorRejectsInvalidURL(t *testing.T) {
	_, err := NewMirror("config-service", "", time.Minute, nil)
	require.Error(t, err)
}
