// Package auth implements the inbound MAC authentication and
// authorization middleware (spec §4.7), grounded on app_server.py's
// authenticator/authorizer aiohttp middlewares but built as ordinary
// net/http middleware.
package auth

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dredmonds/activity-stream/internal/kvstore"
	"github.com/dredmonds/activity-stream/internal/signer"
)

const (
	notProvided          = "Authentication credentials were not provided."
	incorrect            = "Incorrect authentication credentials."
	missingContentType   = "Content-Type header was not set. It must be set for authentication, even if as the empty string."
	missingXFwdProto     = "The X-Forwarded-Proto header was not set."
	notAuthorized        = "You are not authorized to perform this action."
)

// Credential is one configured incoming key pair (spec §3 Credential
// Record).
type Credential struct {
	KeyID       string
	SecretKey   string
	Permissions map[string]struct{}
}

// Config wires the Middleware to its dependencies.
type Config struct {
	Credentials []Credential
	NonceExpire time.Duration
	IPWhitelist map[string]struct{}
	KV          kvstore.Client
	Logger      *zap.Logger
}

type contextKey int

const (
	keyIDContextKey contextKey = iota
	permissionsContextKey
)

// KeyID returns the authenticated caller's key id, set by Middleware.
func KeyID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyIDContextKey).(string)
	return v, ok
}

// Permissions returns the authenticated caller's permission set.
func Permissions(ctx context.Context) (map[string]struct{}, bool) {
	v, ok := ctx.Value(permissionsContextKey).(map[string]struct{})
	return v, ok
}

func writeJSONError(w http.ResponseWriter, status int, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Server", "activity-stream")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"details": details})
}

func findCredential(creds []Credential, keyID string) (Credential, bool) {
	for _, c := range creds {
		if subtle.ConstantTimeCompare([]byte(c.KeyID), []byte(keyID)) == 1 {
			return c, true
		}
	}
	return Credential{}, false
}

// Middleware runs the seven ordered checks from spec §4.7: transport
// protocol header present, Authorization present, Content-Type present
// (even if empty), a whitelisted client IP from X-Forwarded-For, a valid
// MAC, and a not-yet-seen nonce. On success it attaches the caller's
// permissions and key id to the request context.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			proto := r.Header.Get("X-Forwarded-Proto")
			if proto == "" {
				cfg.Logger.Warn("failed authentication: no X-Forwarded-Proto header")
				writeJSONError(w, http.StatusUnauthorized, missingXFwdProto)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeJSONError(w, http.StatusUnauthorized, notProvided)
				return
			}

			if len(r.Header.Values("Content-Type")) == 0 {
				writeJSONError(w, http.StatusUnauthorized, missingContentType)
				return
			}
			contentTypeValue := r.Header.Get("Content-Type")

			clientIP, ok := trustedClientIP(r.Header.Get("X-Forwarded-For"))
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, incorrect)
				return
			}
			if _, whitelisted := cfg.IPWhitelist[clientIP]; !whitelisted {
				cfg.Logger.Warn("rejected request from non-whitelisted IP", zap.String("ip", clientIP))
				writeJSONError(w, http.StatusUnauthorized, incorrect)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, incorrect)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			params, err := signer.ParseHawkHeader(authHeader)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, incorrect)
				return
			}

			url := proto + "://" + r.Host + r.URL.RequestURI()
			lookup := func(id string) (signer.HawkCredential, bool) {
				cred, ok := findCredential(cfg.Credentials, id)
				if !ok {
					return signer.HawkCredential{}, false
				}
				return signer.HawkCredential{ID: cred.KeyID, Key: cred.SecretKey}, true
			}

			if err := signer.VerifyHawkHeader(params, r.Method, url, contentTypeValue, body, time.Now(), lookup); err != nil {
				cfg.Logger.Warn("failed authentication", zap.Error(err))
				writeJSONError(w, http.StatusUnauthorized, incorrect)
				return
			}

			cred, _ := findCredential(cfg.Credentials, params.ID)

			nonceKey := "nonce-" + params.ID + "-" + params.Nonce
			seen, err := cfg.KV.SetNXEX(r.Context(), nonceKey, cfg.NonceExpire)
			if err != nil || !seen {
				writeJSONError(w, http.StatusUnauthorized, incorrect)
				return
			}

			ctx := context.WithValue(r.Context(), keyIDContextKey, cred.KeyID)
			ctx = context.WithValue(ctx, permissionsContextKey, cred.Permissions)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// trustedClientIP extracts the second-from-last entry of a comma-separated
// X-Forwarded-For chain: the IP our trusted reverse proxy observed the
// client as, with at least two entries required (spec §4.7 point 4, §14
// open-question decision).
func trustedClientIP(xff string) (string, bool) {
	if xff == "" {
		return "", false
	}
	parts := strings.Split(xff, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) < 2 {
		return "", false
	}
	return parts[len(parts)-2], true
}

// Authorize enforces that the request's method is in the caller's
// permission set, attached by Middleware.
func Authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		perms, ok := Permissions(r.Context())
		if !ok {
			writeJSONError(w, http.StatusForbidden, notAuthorized)
			return
		}
		if _, allowed := perms[r.Method]; !allowed {
			writeJSONError(w, http.StatusForbidden, notAuthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
