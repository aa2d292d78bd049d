package main

import (
	"context"
	"sync"
	"time"
)

// fallbackCooldown is applied after a quota error when no measured reset
// time is available for the account.
const fallbackCooldown = time.Hour

// AccountManager orchestrates the store, usage cache, and token refresher:
// pick the best usable account, record exhaustion, and honor a manual pin.
// Holds no durable state of its own; everything observable funnels through
// the credential store.
type AccountManager struct {
	store     *CredentialStore
	usage     *UsageCache
	refresher *TokenRefresher

	mu          sync.Mutex
	manualEmail string

	warn func(format string, args ...any)
}

func NewAccountManager(store *CredentialStore, usage *UsageCache, refresher *TokenRefresher, warn func(string, ...any)) *AccountManager {
	if warn == nil {
		warn = func(string, ...any) {}
	}
	return &AccountManager{
		store:     store,
		usage:     usage,
		refresher: refresher,
		warn:      warn,
	}
}

// ActivateBest clears expired cooldowns, refreshes stale usage for the whole
// pool, and runs selection over everything not in exclude. The winner is
// marked active before being returned.
func (m *AccountManager) ActivateBest(ctx context.Context, exclude map[string]bool) (Account, bool) {
	now := time.Now()
	m.store.ClearExpiredExhaustion(now)

	accounts := m.store.List()
	m.usage.RefreshStale(ctx, accounts)

	best, ok := pickBest(accounts, m.usage.Snapshots(), exclude, now)
	if !ok {
		return Account{}, false
	}
	m.store.SetActive(best.Email)
	return best, true
}

// SetManualAccount pins email as the preferred account for future requests.
// Unknown emails are rejected.
func (m *AccountManager) SetManualAccount(email string) bool {
	if _, ok := m.store.Get(email); !ok {
		return false
	}
	m.mu.Lock()
	m.manualEmail = email
	m.mu.Unlock()
	m.store.SetActive(email)
	return true
}

// ClearManualAccount drops the pin so selection falls back to automatic.
func (m *AccountManager) ClearManualAccount() {
	m.mu.Lock()
	m.manualEmail = ""
	m.mu.Unlock()
}

// ManualEmail returns the current pin, if any.
func (m *AccountManager) ManualEmail() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manualEmail
}

// AvailableManualAccount returns the pinned account only when it exists and
// is not under cooldown. A pin never overrides exhaustion.
func (m *AccountManager) AvailableManualAccount(now time.Time) (Account, bool) {
	m.mu.Lock()
	email := m.manualEmail
	m.mu.Unlock()
	if email == "" {
		return Account{}, false
	}
	acc, ok := m.store.Get(email)
	if !ok || !acc.Available(now) {
		return Account{}, false
	}
	return acc, true
}

// HandleQuotaExceeded records a cooldown for email after an upstream quota
// error. Usage is force-refreshed so a measured reset time can tighten the
// cooldown; without one, a fixed fallback applies.
func (m *AccountManager) HandleQuotaExceeded(ctx context.Context, email string) {
	now := time.Now()
	until := now.Add(fallbackCooldown)

	if acc, ok := m.store.Get(email); ok {
		if snap, ok := m.usage.Refresh(ctx, acc, true); ok {
			if reset, ok := nextResetAt(snap); ok && reset.After(now) {
				until = reset
			}
		}
	}

	m.warn("account %s quota exhausted until %s", email, until.Format(time.RFC3339))
	m.store.MarkExhausted(email, until)
}

// EnsureValidToken returns a live bearer token for email.
func (m *AccountManager) EnsureValidToken(ctx context.Context, email string) (string, error) {
	return m.refresher.EnsureValidToken(ctx, email)
}
