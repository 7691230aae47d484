// Package query implements the Query Handler (spec §4.8): the new-scroll
// and existing-scroll HTTP routes, opaque cursor minting, and proxying of
// search results with a rewritten "next" link, plus the hardcoded POST /v1/
// placeholder. Grounded on app_server.py's
// handle_get_new/handle_get_existing/_handle_get/handle_post quartet.
package query

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/dredmonds/activity-stream/internal/esclient"
	"github.com/dredmonds/activity-stream/internal/kvstore"
)

// scrollTTL is the scroll window requested on the backend for both new
// and continued scrolls.
const scrollTTL = 15 * time.Second

// Config wires the Handler to its dependencies.
type Config struct {
	ES               *esclient.Client
	KV               kvstore.Client
	PaginationExpire time.Duration
	Logger           *zap.Logger
}

// Handler serves the two scroll routes.
type Handler struct {
	cfg Config
}

// New builds a Handler.
func New(cfg Config) *Handler {
	return &Handler{cfg: cfg}
}

// PostPlaceholder handles POST /v1/. The original source's equivalent
// route (core/app.py's handle_post) is a hardcoded stub distinct from the
// real search path; it exists to be covered by the full auth/authorize/
// nonce-replay chain, not to forward anything to the search backend.
func (h *Handler) PostPlaceholder(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Server", "activity-stream")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"secret": "to-be-hidden"})
}

// NewScroll handles GET /v1/: forwards the query and body to the
// backend search endpoint with a fresh scroll window, mints a public
// cursor if the backend returned a scroll id, and rewrites the response's
// "next" field to the public form.
func (h *Handler) NewScroll(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	rawQuery := r.URL.RawQuery
	if rawQuery != "" {
		rawQuery += "&scroll=" + scrollTTL.String()
	} else {
		rawQuery = "scroll=" + scrollTTL.String()
	}

	result, err := h.cfg.ES.Search(r.Context(), r.Method, "/activities/_search", rawQuery, r.Header.Get("Content-Type"), body)
	if err != nil {
		h.cfg.Logger.Error("search request failed", zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, "search backend unavailable")
		return
	}

	h.proxyWithCursorRewrite(w, r, result)
}

// ExistingScroll handles GET /v1/{public_scroll_id}: resolves the public
// id to a private scroll id via KV, then forwards the continuation
// request.
func (h *Handler) ExistingScroll(w http.ResponseWriter, r *http.Request) {
	publicID := mux.Vars(r)["public_scroll_id"]

	privateID, err := h.cfg.KV.Get(r.Context(), scrollKey(publicID))
	if errors.Is(err, kvstore.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "Scroll ID not found.")
		return
	}
	if err != nil {
		h.cfg.Logger.Error("scroll id lookup failed", zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, "search backend unavailable")
		return
	}

	result, err := h.cfg.ES.ScrollContinue(r.Context(), privateID, scrollTTL)
	if err != nil {
		h.cfg.Logger.Error("scroll continuation failed", zap.Error(err))
		writeJSONError(w, http.StatusBadGateway, "search backend unavailable")
		return
	}

	h.proxyWithCursorRewrite(w, r, result)
}

// proxyWithCursorRewrite forwards status and body verbatim, except that
// when the backend response carries a scroll id under "_scroll_id", it
// mints a fresh public cursor for it and rewrites the "next" field to the
// public continuation URL <scheme>://<host>/v1/<public_id>, the form the
// GET /v1/{public_scroll_id} route serves.
func (h *Handler) proxyWithCursorRewrite(w http.ResponseWriter, r *http.Request, result *esclient.SearchResult) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Server", "activity-stream")

	if result.StatusCode < 200 || result.StatusCode >= 300 {
		w.WriteHeader(result.StatusCode)
		w.Write(result.Body)
		return
	}

	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(result.Body, &parsed); err != nil {
		w.WriteHeader(result.StatusCode)
		w.Write(result.Body)
		return
	}

	scrollIDRaw, hasScrollID := parsed["_scroll_id"]
	if !hasScrollID {
		w.WriteHeader(result.StatusCode)
		w.Write(result.Body)
		return
	}

	var privateScrollID string
	if err := json.Unmarshal(scrollIDRaw, &privateScrollID); err != nil {
		w.WriteHeader(result.StatusCode)
		w.Write(result.Body)
		return
	}

	publicID, err := mintCursor()
	if err != nil {
		h.cfg.Logger.Error("minting scroll cursor failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "An unknown error occurred.")
		return
	}
	if err := h.cfg.KV.SetEX(r.Context(), scrollKey(publicID), privateScrollID, h.cfg.PaginationExpire); err != nil {
		h.cfg.Logger.Error("storing scroll cursor failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "An unknown error occurred.")
		return
	}

	nextURL := requestBaseURL(r) + "/v1/" + publicID
	nextJSON, _ := json.Marshal(nextURL)
	parsed["next"] = nextJSON

	out, err := json.Marshal(parsed)
	if err != nil {
		w.WriteHeader(result.StatusCode)
		w.Write(result.Body)
		return
	}

	w.WriteHeader(result.StatusCode)
	w.Write(out)
}

func requestBaseURL(r *http.Request) string {
	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		proto = "http"
	}
	return proto + "://" + r.Host
}

func mintCursor() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func scrollKey(publicID string) string { return "scroll-" + publicID }

func writeJSONError(w http.ResponseWriter, status int, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Server", "activity-stream")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"details": details})
}
