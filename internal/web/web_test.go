package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ember-pool/ember-relay/internal/config"
	"github.com/ember-pool/ember-relay/internal/registry"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := &config.Config{
		Name:          "test-relay",
		ShareWallet:   "0x1111111111111111111111111111111111111111",
		WebSecret:     "test-secret",
		AdminPassword: string(hash),
		Key:           "aa",
	}

	reg := registry.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go reg.Run(ctx)

	return New(cfg, reg, func() int64 { return 3 }), reg
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusAndWorkers(t *testing.T) {
	s, reg := newTestServer(t)

	reg.Publish(registry.Worker{Name: "rig1", Online: true, Hash: 30_000_000, ShareIndex: 12, AcceptIndex: 11})
	deadline := time.Now().Add(2 * time.Second)
	for len(reg.Snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, reg.Snapshot(), 1)

	w := doJSON(t, s, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "test-relay", status["name"])
	assert.Equal(t, float64(3), status["online"])
	assert.Equal(t, float64(1), status["workers"])

	w = doJSON(t, s, http.MethodGet, "/api/workers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var workers struct {
		Workers []struct {
			Name            string `json:"name"`
			HashrateDisplay string `json:"hashrate_display"`
		} `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &workers))
	require.Len(t, workers.Workers, 1)
	assert.Equal(t, "rig1", workers.Workers[0].Name)
	assert.Equal(t, "30.00 MH/s", workers.Workers[0].HashrateDisplay)
}

func TestWalletQR(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/wallet/qr", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Body.Bytes())
}

func TestLoginAndAdminAccess(t *testing.T) {
	s, _ := newTestServer(t)

	// Wrong password.
	w := doJSON(t, s, http.MethodPost, "/api/login", map[string]string{"password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Correct password yields a token.
	w = doJSON(t, s, http.MethodPost, "/api/login", map[string]string{"password": "hunter2"})
	require.Equal(t, http.StatusOK, w.Code)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))
	require.NotEmpty(t, login.Token)

	// Admin config requires the token.
	w = doJSON(t, s, http.MethodGet, "/api/admin/config", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/config", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var cfgView map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfgView))
	assert.Equal(t, "test-relay", cfgView["name"])
	// Secrets never leave the process in the clear.
	assert.Equal(t, "********", cfgView["key"])
	assert.Equal(t, "********", cfgView["web_secret"])

	// Garbage tokens are rejected.
	req = httptest.NewRequest(http.MethodGet, "/api/admin/config", nil)
	req.Header.Set("Authorization", "Bearer not.a.token")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
