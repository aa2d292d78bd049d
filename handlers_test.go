package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testHandler(t *testing.T, upstream UpstreamStreamFunc) (*proxyHandler, *CredentialStore) {
	t.Helper()
	m, store := managerWithUsageServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"primary_window":{"used_percent":12.5,"reset_at":1700000000},"secondary_window":{"used_percent":3}}`))
	})
	h := &proxyHandler{
		store:     store,
		usage:     m.usage,
		manager:   m,
		refresher: m.refresher,
		provider:  NewPoolProvider(m, upstream, nil, 5, nil),
		history:   nil,
	}
	return h, store
}

func TestHealthz(t *testing.T) {
	h, store := testHandler(t, nil)
	addLiveAccount(store, "a@x")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["accounts"].(float64) != 1 {
		t.Fatalf("account count missing: %v", body)
	}
}

func TestAccountListIncludesUsageTags(t *testing.T) {
	h, store := testHandler(t, nil)
	addLiveAccount(store, "a@x")
	h.usage.Refresh(context.Background(), Account{Email: "a@x"}, true)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/accounts", nil))

	var body struct {
		Accounts []struct {
			Email   string `json:"email"`
			Active  bool   `json:"active"`
			Primary *struct {
				UsedPercent *float64 `json:"used_percent"`
			} `json:"primary_window"`
		} `json:"accounts"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 || len(body.Accounts) != 1 {
		t.Fatalf("unexpected listing: %s", rec.Body.String())
	}
	acc := body.Accounts[0]
	if acc.Email != "a@x" || !acc.Active {
		t.Fatalf("unexpected account entry: %+v", acc)
	}
	if acc.Primary == nil || acc.Primary.UsedPercent == nil || *acc.Primary.UsedPercent != 12.5 {
		t.Fatalf("usage tag missing from listing: %s", rec.Body.String())
	}
}

func TestAccountSelectPinsAndClears(t *testing.T) {
	h, store := testHandler(t, nil)
	addLiveAccount(store, "a@x")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/accounts/select", strings.NewReader(`{"email":"a@x"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("select failed: %d %s", rec.Code, rec.Body.String())
	}
	if h.manager.ManualEmail() != "a@x" {
		t.Fatalf("pin not set")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/accounts/select", strings.NewReader(`{"email":""}`)))
	if rec.Code != http.StatusOK || h.manager.ManualEmail() != "" {
		t.Fatalf("empty email should clear the pin")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/accounts/select", strings.NewReader(`{"email":"nobody@x"}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown account should 404, got %d", rec.Code)
	}
}

func TestMessagesEndpointStreamsSSE(t *testing.T) {
	upstream := func(ctx context.Context, token string, acc Account, req StreamRequest) (<-chan StreamEvent, error) {
		if req.Model != "claude-sonnet" {
			t.Errorf("model not threaded through, got %q", req.Model)
		}
		return eventsChan(
			StreamEvent{Kind: eventPartial, Data: []byte(`{"type":"content_block_delta"}`)},
			StreamEvent{Kind: eventDone, Data: []byte(`{"type":"message_stop"}`)},
		), nil
	}
	h, store := testHandler(t, upstream)
	addLiveAccount(store, "a@x")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude-sonnet"}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"type":"content_block_delta"`) || !strings.Contains(body, "data: [DONE]") {
		t.Fatalf("unexpected SSE body: %s", body)
	}
}

func TestMessagesEndpointRejectsGet(t *testing.T) {
	h, _ := testHandler(t, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/messages", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET should be rejected, got %d", rec.Code)
	}
}

func TestAccountAddStartsOAuthSession(t *testing.T) {
	h, _ := testHandler(t, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/accounts/add", strings.NewReader(`{"label":"work"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("add failed: %d %s", rec.Code, rec.Body.String())
	}

	var body struct {
		AuthURL  string `json:"auth_url"`
		Verifier string `json:"verifier"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body.AuthURL, "code_challenge=") || body.Verifier == "" {
		t.Fatalf("incomplete login session: %+v", body)
	}

	oauthSessions.Lock()
	session, ok := oauthSessions.sessions[body.Verifier]
	oauthSessions.Unlock()
	if !ok || session.Label != "work" {
		t.Fatalf("session not stored: %v %v", session, ok)
	}
}

func TestOAuthSessionPruning(t *testing.T) {
	oauthSessions.Lock()
	oauthSessions.sessions["stale"] = &OAuthSession{CreatedAt: time.Now().Add(-time.Hour)}
	oauthSessions.sessions["fresh"] = &OAuthSession{CreatedAt: time.Now()}
	pruneOAuthSessions(time.Now())
	_, staleOK := oauthSessions.sessions["stale"]
	_, freshOK := oauthSessions.sessions["fresh"]
	delete(oauthSessions.sessions, "fresh")
	oauthSessions.Unlock()

	if staleOK {
		t.Fatalf("stale session should be pruned")
	}
	if !freshOK {
		t.Fatalf("fresh session should survive")
	}
}
