package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// In-memory store for pending OAuth login sessions, keyed by PKCE verifier.
var oauthSessions = struct {
	sync.Mutex
	sessions map[string]*OAuthSession
}{sessions: make(map[string]*OAuthSession)}

const oauthSessionTTL = 10 * time.Minute

func pruneOAuthSessions(now time.Time) {
	for verifier, s := range oauthSessions.sessions {
		if now.Sub(s.CreatedAt) > oauthSessionTTL {
			delete(oauthSessions.sessions, verifier)
		}
	}
}

func (h *proxyHandler) serveHealth(w http.ResponseWriter) {
	respondJSON(w, map[string]any{
		"status":   "ok",
		"accounts": h.store.Count(),
		"active":   h.store.ActiveEmail(),
	})
}

// GET /admin/accounts - list the pool with live-ish usage tags.
func (h *proxyHandler) handleAccountList(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	snapshots := h.usage.Snapshots()
	active := h.store.ActiveEmail()
	manual := h.manager.ManualEmail()

	type windowInfo struct {
		UsedPercent *float64   `json:"used_percent,omitempty"`
		ResetAt     *time.Time `json:"reset_at,omitempty"`
	}
	type accountInfo struct {
		Email               string      `json:"email"`
		Active              bool        `json:"active"`
		Manual              bool        `json:"manual"`
		Available           bool        `json:"available"`
		QuotaExhaustedUntil *time.Time  `json:"quota_exhausted_until,omitempty"`
		LastUsed            *time.Time  `json:"last_used,omitempty"`
		Primary             *windowInfo `json:"primary_window,omitempty"`
		Secondary           *windowInfo `json:"secondary_window,omitempty"`
		UsageFetchedAt      *time.Time  `json:"usage_fetched_at,omitempty"`
	}

	toWindow := func(qw *QuotaWindow) *windowInfo {
		if qw == nil {
			return nil
		}
		wi := &windowInfo{UsedPercent: qw.UsedPercent}
		if !qw.ResetAt.IsZero() {
			t := qw.ResetAt
			wi.ResetAt = &t
		}
		return wi
	}
	optTime := func(t time.Time) *time.Time {
		if t.IsZero() {
			return nil
		}
		return &t
	}

	var result []accountInfo
	for _, acc := range h.store.List() {
		info := accountInfo{
			Email:               acc.Email,
			Active:              acc.Email == active,
			Manual:              acc.Email == manual,
			Available:           acc.Available(now),
			QuotaExhaustedUntil: optTime(acc.QuotaExhaustedUntil),
			LastUsed:            optTime(acc.LastUsed),
		}
		if snap, ok := snapshots[acc.Email]; ok {
			info.Primary = toWindow(snap.Primary)
			info.Secondary = toWindow(snap.Secondary)
			info.UsageFetchedAt = optTime(snap.FetchedAt)
		}
		result = append(result, info)
	}

	respondJSON(w, map[string]any{
		"accounts": result,
		"count":    len(result),
	})
}

// POST /admin/accounts/select - pin an account as the manual choice.
// An empty email clears the pin.
func (h *proxyHandler) handleAccountSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		h.manager.ClearManualAccount()
		respondJSON(w, map[string]any{"manual": ""})
		return
	}
	if !h.manager.SetManualAccount(email) {
		http.Error(w, "unknown account: "+email, http.StatusNotFound)
		return
	}
	respondJSON(w, map[string]any{"manual": email})
}

// POST /admin/accounts/add - start the OAuth login flow. Responds with the
// authorize URL for the user to visit and the verifier to hand back on
// exchange.
func (h *proxyHandler) handleAccountAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	authURL, session, err := BuildAuthorizeURL(strings.TrimSpace(req.Label))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	oauthSessions.Lock()
	pruneOAuthSessions(time.Now())
	oauthSessions.sessions[session.PKCE.Verifier] = session
	oauthSessions.Unlock()

	respondJSON(w, map[string]any{
		"auth_url": authURL,
		"verifier": session.PKCE.Verifier,
	})
}

// POST /admin/accounts/exchange - complete the OAuth login flow with the
// pasted code. Upserts the account and makes it active.
func (h *proxyHandler) handleAccountExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code     string `json:"code"`
		Verifier string `json:"verifier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}

	oauthSessions.Lock()
	session, ok := oauthSessions.sessions[req.Verifier]
	if ok {
		delete(oauthSessions.sessions, req.Verifier)
	}
	oauthSessions.Unlock()
	if !ok {
		http.Error(w, "unknown or expired login session", http.StatusBadRequest)
		return
	}

	tokens, err := h.refresher.ExchangeCode(r.Context(), strings.TrimSpace(req.Code), session.PKCE.Verifier)
	if err != nil {
		http.Error(w, "code exchange failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	email := tokens.Account.EmailAddress
	if email == "" {
		email = session.Label
	}
	if email == "" {
		email = "account-" + randomID()
	}

	acc := h.store.Upsert(email, tokens.credentials(time.Now()))
	respondJSON(w, map[string]any{
		"email":      acc.Email,
		"account_id": acc.AccountID,
		"expires_at": acc.ExpiresAt,
	})
}

// GET /admin/history - recent logical requests from the history db.
func (h *proxyHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := h.history.RecentRequests(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, map[string]any{
		"requests": records,
		"count":    len(records),
	})
}

// POST /v1/messages - one logical streaming request served from the pool.
func (h *proxyHandler) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	req := StreamRequest{
		Model: gjson.GetBytes(body, "model").String(),
		Body:  body,
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fw := &flushWriter{w: w, f: flusher, flushInterval: h.flushInterval}
	for ev := range h.provider.StreamSimple(r.Context(), req) {
		if err := writeStreamEvent(fw, ev); err != nil {
			// Client went away; provider sees the context cancel.
			return
		}
	}
}
