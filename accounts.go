package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Account is one OAuth-authenticated identity in the pool.
// Email is the stable unique key; the store owns every record and hands
// out value copies only.
type Account struct {
	Email               string    `json:"email"`
	AccessToken         string    `json:"accessToken"`
	RefreshToken        string    `json:"refreshToken"`
	ExpiresAt           time.Time `json:"expiresAt"`
	AccountID           string    `json:"accountId,omitempty"`
	LastUsed            time.Time `json:"lastUsed,omitzero"`
	QuotaExhaustedUntil time.Time `json:"quotaExhaustedUntil,omitzero"`
}

// Available reports whether the account is not under a quota cooldown at now.
func (a *Account) Available(now time.Time) bool {
	return a.QuotaExhaustedUntil.IsZero() || !a.QuotaExhaustedUntil.After(now)
}

// Credentials is the token material written into an account on login or refresh.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AccountID    string // optional, kept when empty
}

// credentialsFile is the on-disk layout: the whole pool in one record.
type credentialsFile struct {
	Accounts    []*Account `json:"accounts"`
	ActiveEmail string     `json:"activeEmail,omitempty"`
}

// CredentialStore is the durable pool record: an ordered list of accounts
// plus an optional active-email pointer. Every mutating method performs its
// read-modify-write and persist as one synchronous unit under the lock, so
// interleavings only happen at whole-method granularity.
type CredentialStore struct {
	mu          sync.Mutex
	path        string
	accounts    []*Account
	activeEmail string
}

// NewCredentialStore loads the pool from path. A missing or corrupt file
// degrades to an empty pool rather than failing startup.
func NewCredentialStore(path string) *CredentialStore {
	s := &CredentialStore{path: path}
	s.load()
	return s
}

// defaultCredentialsPath returns the fixed per-user location of the pool record.
func defaultCredentialsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "credentials.json"
	}
	return filepath.Join(dir, "claude-pool", "credentials.json")
}

func (s *CredentialStore) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("warning: read %s: %v (starting with empty pool)", s.path, err)
		}
		return
	}
	var f credentialsFile
	if err := json.Unmarshal(raw, &f); err != nil {
		log.Printf("warning: parse %s: %v (starting with empty pool)", s.path, err)
		return
	}
	s.accounts = f.Accounts
	// activeEmail must reference an existing account; treat dangling as absent.
	if f.ActiveEmail != "" && s.findLocked(f.ActiveEmail) != nil {
		s.activeEmail = f.ActiveEmail
	}
}

// persistLocked rewrites the whole record. Save failure is logged and
// swallowed; in-memory state stays authoritative for the process lifetime.
func (s *CredentialStore) persistLocked() {
	f := credentialsFile{Accounts: s.accounts, ActiveEmail: s.activeEmail}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		log.Printf("warning: create credentials dir: %v", err)
		return
	}
	if err := atomicWriteJSON(s.path, &f); err != nil {
		log.Printf("warning: persist credentials: %v", err)
	}
}

func (s *CredentialStore) findLocked(email string) *Account {
	for _, a := range s.accounts {
		if a.Email == email {
			return a
		}
	}
	return nil
}

// List returns value copies of all accounts in insertion order.
func (s *CredentialStore) List() []Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	return out
}

// Get returns a copy of the account for email, if present.
func (s *CredentialStore) Get(email string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.findLocked(email); a != nil {
		return *a, true
	}
	return Account{}, false
}

// ActiveEmail returns the current active-account pointer, if set.
func (s *CredentialStore) ActiveEmail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeEmail
}

// Count returns the pool size.
func (s *CredentialStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

// Upsert overwrites the token fields of an existing account (and the
// account id when supplied) or appends a new record, then marks the email
// active and persists before returning.
func (s *CredentialStore) Upsert(email string, creds Credentials) Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.findLocked(email)
	if a == nil {
		a = &Account{Email: email}
		s.accounts = append(s.accounts, a)
	}
	a.AccessToken = creds.AccessToken
	a.RefreshToken = creds.RefreshToken
	a.ExpiresAt = creds.ExpiresAt
	if creds.AccountID != "" {
		a.AccountID = creds.AccountID
	}
	s.activeEmail = email
	a.LastUsed = time.Now()
	s.persistLocked()
	return *a
}

// UpdateTokens overwrites token material after a refresh without touching
// the active pointer. No-op for unknown emails.
func (s *CredentialStore) UpdateTokens(email string, creds Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.findLocked(email)
	if a == nil {
		return
	}
	a.AccessToken = creds.AccessToken
	if creds.RefreshToken != "" {
		a.RefreshToken = creds.RefreshToken
	}
	a.ExpiresAt = creds.ExpiresAt
	if creds.AccountID != "" {
		a.AccountID = creds.AccountID
	}
	s.persistLocked()
}

// SetActive marks email active and stamps lastUsed. No-op if unknown.
func (s *CredentialStore) SetActive(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.findLocked(email)
	if a == nil {
		return
	}
	s.activeEmail = email
	a.LastUsed = time.Now()
	s.persistLocked()
}

// MarkExhausted records a quota cooldown until the given time. No-op if unknown.
func (s *CredentialStore) MarkExhausted(email string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.findLocked(email)
	if a == nil {
		return
	}
	a.QuotaExhaustedUntil = until
	s.persistLocked()
}

// ClearExpiredExhaustion clears every cooldown that has passed, persisting
// once if anything changed.
func (s *CredentialStore) ClearExpiredExhaustion(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, a := range s.accounts {
		if !a.QuotaExhaustedUntil.IsZero() && !a.QuotaExhaustedUntil.After(now) {
			a.QuotaExhaustedUntil = time.Time{}
			changed = true
		}
	}
	if changed {
		s.persistLocked()
	}
}

// Reload re-reads the record from disk, replacing the in-memory pool.
// Used when another process edits the credentials file.
func (s *CredentialStore) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = nil
	s.activeEmail = ""
	s.load()
}

// Watch reloads the store when the credentials file changes on disk.
// Events are debounced since editors and atomic renames fire several in a
// row. Blocks until the watcher fails; run it on its own goroutine.
func (s *CredentialStore) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: atomic rename-into-place replaces the file node.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return err
	}

	var pending *time.Timer
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(200*time.Millisecond, func() {
				log.Printf("credentials file changed, reloading pool")
				s.Reload()
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("credentials watch: %w", err)
		}
	}
}
