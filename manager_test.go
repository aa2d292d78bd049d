package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func managerWithUsageServer(t *testing.T, handler http.HandlerFunc) (*AccountManager, *CredentialStore) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store := tempStore(t)
	refresher := NewTokenRefresher(store, srv.URL+"/token", srv.Client())
	usage := NewUsageCache(refresher, srv.URL+"/usage", srv.Client(), nil)
	return NewAccountManager(store, usage, refresher, nil), store
}

func addLiveAccount(store *CredentialStore, email string) {
	store.Upsert(email, Credentials{
		AccessToken:  "tok-" + email,
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
}

func TestHandleQuotaExceededUsesMeasuredReset(t *testing.T) {
	reset := time.Now().Add(30 * time.Minute).Unix()
	m, store := managerWithUsageServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"primary_window":{"used_percent":100,"reset_at":%d}}`, reset)
	})
	addLiveAccount(store, "a@example.com")

	m.HandleQuotaExceeded(context.Background(), "a@example.com")

	acc, _ := store.Get("a@example.com")
	if got := acc.QuotaExhaustedUntil.Unix(); got != reset {
		t.Fatalf("cooldown = %d, want measured reset %d", got, reset)
	}
}

func TestHandleQuotaExceededFallbackCooldown(t *testing.T) {
	m, store := managerWithUsageServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
	addLiveAccount(store, "a@example.com")

	before := time.Now()
	m.HandleQuotaExceeded(context.Background(), "a@example.com")

	acc, _ := store.Get("a@example.com")
	until := acc.QuotaExhaustedUntil
	if until.Before(before.Add(59*time.Minute)) || until.After(before.Add(61*time.Minute)) {
		t.Fatalf("fallback cooldown should be about an hour, got %v", until.Sub(before))
	}
}

func TestHandleQuotaExceededPastResetFallsBack(t *testing.T) {
	// A reset in the past must not produce an already-expired cooldown.
	m, store := managerWithUsageServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"primary_window":{"used_percent":100,"reset_at":%d}}`, time.Now().Add(-time.Minute).Unix())
	})
	addLiveAccount(store, "a@example.com")

	m.HandleQuotaExceeded(context.Background(), "a@example.com")
	acc, _ := store.Get("a@example.com")
	if !acc.QuotaExhaustedUntil.After(time.Now().Add(30 * time.Minute)) {
		t.Fatalf("past reset should fall back to the fixed cooldown, got %v", acc.QuotaExhaustedUntil)
	}
}

func TestManualAccountRespectsExhaustion(t *testing.T) {
	m, store := managerWithUsageServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	addLiveAccount(store, "pin@example.com")

	if !m.SetManualAccount("pin@example.com") {
		t.Fatalf("pin on known account should succeed")
	}
	if _, ok := m.AvailableManualAccount(time.Now()); !ok {
		t.Fatalf("pinned available account should be returned")
	}

	store.MarkExhausted("pin@example.com", time.Now().Add(time.Hour))
	if _, ok := m.AvailableManualAccount(time.Now()); ok {
		t.Fatalf("a pin must not override an exhausted account")
	}

	m.ClearManualAccount()
	if m.ManualEmail() != "" {
		t.Fatalf("pin should be cleared")
	}
}

func TestSetManualAccountUnknown(t *testing.T) {
	m, _ := managerWithUsageServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	if m.SetManualAccount("nobody@example.com") {
		t.Fatalf("pin on unknown account should be rejected")
	}
}

func TestActivateBestMarksActiveAndExcludes(t *testing.T) {
	m, store := managerWithUsageServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"primary_window":{"used_percent":5,"reset_at":1700000000},"secondary_window":{"used_percent":5}}`))
	})
	addLiveAccount(store, "a@example.com")
	addLiveAccount(store, "b@example.com")

	got, ok := m.ActivateBest(context.Background(), map[string]bool{"b@example.com": true})
	if !ok || got.Email != "a@example.com" {
		t.Fatalf("expected a@example.com, got %+v %v", got, ok)
	}
	if store.ActiveEmail() != "a@example.com" {
		t.Fatalf("winner should be marked active")
	}

	if _, ok := m.ActivateBest(context.Background(), map[string]bool{"a@example.com": true, "b@example.com": true}); ok {
		t.Fatalf("fully excluded pool should return absent")
	}
}

func TestActivateBestClearsExpiredCooldowns(t *testing.T) {
	m, store := managerWithUsageServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	addLiveAccount(store, "a@example.com")
	store.MarkExhausted("a@example.com", time.Now().Add(-time.Minute))

	got, ok := m.ActivateBest(context.Background(), nil)
	if !ok || got.Email != "a@example.com" {
		t.Fatalf("expired cooldown should clear and account return, got %+v %v", got, ok)
	}
	acc, _ := store.Get("a@example.com")
	if !acc.QuotaExhaustedUntil.IsZero() {
		t.Fatalf("expired cooldown should be cleared in the store")
	}
}
