package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempStore(t *testing.T) *CredentialStore {
	t.Helper()
	return NewCredentialStore(filepath.Join(t.TempDir(), "credentials.json"))
}

func TestStorePersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store := NewCredentialStore(path)

	store.Upsert("a@example.com", Credentials{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour),
		AccountID:    "uuid-1",
	})
	store.MarkExhausted("a@example.com", time.Now().Add(time.Hour))

	reloaded := NewCredentialStore(path)
	acc, ok := reloaded.Get("a@example.com")
	if !ok {
		t.Fatalf("account missing after reload")
	}
	if acc.AccessToken != "at" || acc.RefreshToken != "rt" || acc.AccountID != "uuid-1" {
		t.Fatalf("token fields lost on reload: %+v", acc)
	}
	if acc.QuotaExhaustedUntil.IsZero() {
		t.Fatalf("cooldown lost on reload")
	}
	if reloaded.ActiveEmail() != "a@example.com" {
		t.Fatalf("activeEmail lost on reload, got %q", reloaded.ActiveEmail())
	}
}

func TestStoreCorruptFileDegradesToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	store := NewCredentialStore(path)
	if store.Count() != 0 {
		t.Fatalf("corrupt file should yield an empty pool, got %d accounts", store.Count())
	}
	// And the pool must still be writable afterwards.
	store.Upsert("a@example.com", Credentials{AccessToken: "at"})
	if store.Count() != 1 {
		t.Fatalf("pool unusable after corrupt load")
	}
}

func TestStoreDanglingActiveEmailTreatedAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	f := credentialsFile{
		Accounts:    []*Account{{Email: "a@example.com"}},
		ActiveEmail: "gone@example.com",
	}
	raw, _ := json.Marshal(&f)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	store := NewCredentialStore(path)
	if store.ActiveEmail() != "" {
		t.Fatalf("dangling activeEmail should be dropped, got %q", store.ActiveEmail())
	}
}

func TestUpsertOverwritesAndActivates(t *testing.T) {
	store := tempStore(t)
	store.Upsert("a@example.com", Credentials{AccessToken: "old", AccountID: "id-1"})
	store.Upsert("b@example.com", Credentials{AccessToken: "bt"})
	store.Upsert("a@example.com", Credentials{AccessToken: "new"})

	acc, _ := store.Get("a@example.com")
	if acc.AccessToken != "new" {
		t.Fatalf("upsert should overwrite tokens")
	}
	if acc.AccountID != "id-1" {
		t.Fatalf("empty accountId must not clobber the stored one")
	}
	if store.ActiveEmail() != "a@example.com" {
		t.Fatalf("upsert should activate the email")
	}
	if store.Count() != 2 {
		t.Fatalf("duplicate email created a second record")
	}
}

func TestUpdateTokensKeepsRefreshTokenAndActive(t *testing.T) {
	store := tempStore(t)
	store.Upsert("a@example.com", Credentials{AccessToken: "at", RefreshToken: "rt"})
	store.Upsert("b@example.com", Credentials{AccessToken: "bt"})

	store.UpdateTokens("a@example.com", Credentials{AccessToken: "at2"})
	acc, _ := store.Get("a@example.com")
	if acc.AccessToken != "at2" || acc.RefreshToken != "rt" {
		t.Fatalf("refresh should keep the old refresh token when none supplied: %+v", acc)
	}
	if store.ActiveEmail() != "b@example.com" {
		t.Fatalf("token refresh must not steal the active pointer")
	}
}

func TestClearExpiredExhaustionBatches(t *testing.T) {
	store := tempStore(t)
	now := time.Now()
	store.Upsert("past@x", Credentials{})
	store.Upsert("future@x", Credentials{})
	store.MarkExhausted("past@x", now.Add(-time.Minute))
	store.MarkExhausted("future@x", now.Add(time.Hour))

	store.ClearExpiredExhaustion(now)

	past, _ := store.Get("past@x")
	if !past.QuotaExhaustedUntil.IsZero() {
		t.Fatalf("expired cooldown should be cleared")
	}
	future, _ := store.Get("future@x")
	if future.QuotaExhaustedUntil.IsZero() {
		t.Fatalf("live cooldown must survive")
	}
}

func TestStoreSaveFailureKeepsMemoryAuthoritative(t *testing.T) {
	dir := t.TempDir()
	store := NewCredentialStore(filepath.Join(dir, "sub", "credentials.json"))
	store.Upsert("a@example.com", Credentials{AccessToken: "at"})

	// Make the parent directory unwritable so persists fail.
	if err := os.Chmod(filepath.Join(dir, "sub"), 0o500); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(filepath.Join(dir, "sub"), 0o700)

	store.MarkExhausted("a@example.com", time.Now().Add(time.Hour))
	acc, _ := store.Get("a@example.com")
	if acc.QuotaExhaustedUntil.IsZero() {
		t.Fatalf("in-memory state must stay authoritative when persist fails")
	}
}
