package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dredmonds/activity-stream/internal/auth"
	"github.com/dredmonds/activity-stream/internal/kvstore/kvstoretest"
	"github.com/dredmonds/activity-stream/internal/signer"
)

func testConfig(t *testing.T) auth.Config {
	return auth.Config{
		Credentials: []auth.Credential{
			{KeyID: "key-1", SecretKey: "secret-1", Permissions: map[string]struct{}{"GET": {}}},
		},
		NonceExpire: time.Minute,
		IPWhitelist: map[string]struct{}{"203.0.113.5": {}},
		KV:          kvstoretest.New(),
		Logger:      zaptest.NewLogger(t),
	}
}

func signedRequest(t *testing.T, keyID, secret, method, url string, body []byte) *http.Request {
	t.Helper()
	cred := signer.HawkCredential{ID: keyID, Key: secret}
	header, err := signer.HawkHeader(cred, method, url, "application/json", body, time.Now(), "nonce-"+method)
	require.NoError(t, err)

	req := httptest.NewRequest(method, url, nil)
	req.Header.Set("Authorization", header)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-For", "198.51.100.1, 203.0.113.5, 10.0.0.1")
	return req
}

func TestMiddlewareRejectsMissingXForwardedProto(t *testing.T) {
	cfg := testConfig(t)
	handler := auth.Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "https://example.com/v1/", nil)
	req.Header.Set("Authorization", "Hawk x")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "X-Forwarded-Proto")
}

func TestMiddlewareRejectsMissingAuthorization(t *testing.T) {
	cfg := testConfig(t)
	handler := auth.Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "https://example.com/v1/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "were not provided")
}

func TestMiddlewareRejectsMissingContentTypeEvenThoughItMayBeEmpty(t *testing.T) {
	cfg := testConfig(t)
	handler := auth.Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "https://example.com/v1/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("Authorization", "Hawk x")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Content-Type")
}

func TestMiddlewareRejectsUnwhitelistedClientIP(t *testing.T) {
	cfg := testConfig(t)
	handler := auth.Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be reached")
	}))

	req := signedRequest(t, "key-1", "secret-1", http.MethodGet, "https://example.com/v1/", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.1, 198.51.100.2, 10.0.0.1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareAcceptsValidRequestAndAttachesPermissions(t *testing.T) {
	cfg := testConfig(t)
	var gotKeyID string
	var gotPerms map[string]struct{}
	handler := auth.Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKeyID, _ = auth.KeyID(r.Context())
		gotPerms, _ = auth.Permissions(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := signedRequest(t, "key-1", "secret-1", http.MethodGet, "https://example.com/v1/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "key-1", gotKeyID)
	_, hasGet := gotPerms["GET"]
	assert.True(t, hasGet)
}

func TestMiddlewareRejectsReplayedNonce(t *testing.T) {
	cfg := testConfig(t)
	handler := auth.Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cred := signer.HawkCredential{ID: "key-1", Key: "secret-1"}
	header, err := signer.HawkHeader(cred, http.MethodGet, "https://example.com/v1/", "application/json", nil, time.Now(), "fixed-nonce")
	require.NoError(t, err)

	makeReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "https://example.com/v1/", nil)
		req.Header.Set("Authorization", header)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-Proto", "https")
		req.Header.Set("X-Forwarded-For", "198.51.100.1, 203.0.113.5, 10.0.0.1")
		return req
	}

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, makeReq())
	assert.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, makeReq())
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)
}

func TestAuthorizeRejectsMethodNotInCallersPermissionSet(t *testing.T) {
	cfg := testConfig(t)
	cfg.Credentials[0].Permissions = map[string]struct{}{"GET": {}}
	handler := auth.Middleware(cfg)(auth.Authorize(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be reached")
	})))

	req := signedRequest(t, "key-1", "secret-1", http.MethodPost, "https://example.com/v1/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "not authorized")
}

func TestAuthorizeAllowsMethodInCallersPermissionSet(t *testing.T) {
	cfg := testConfig(t)
	cfg.Credentials[0].Permissions = map[string]struct{}{"GET": {}}
	handler := auth.Middleware(cfg)(auth.Authorize(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := signedRequest(t, "key-1", "secret-1", http.MethodGet, "https://example.com/v1/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
