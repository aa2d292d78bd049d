package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// usageTTL is how long a fetched snapshot stays fresh.
const usageTTL = 5 * time.Minute

// usageFetchTimeout bounds one usage request, independent of the caller's
// overall cancellation.
const usageFetchTimeout = 10 * time.Second

// QuotaWindow is one rolling usage-accounting period as reported upstream.
// UsedPercent is nil when the upstream did not report it, which is distinct
// from a confirmed 0%.
type QuotaWindow struct {
	UsedPercent *float64
	ResetAt     time.Time // zero when unknown
}

// UsageSnapshot is the cached per-account view of upstream quota state.
// A window the upstream said nothing about is nil, not zero-valued.
type UsageSnapshot struct {
	Primary   *QuotaWindow // short horizon (5-hour)
	Secondary *QuotaWindow // long horizon (weekly)
	FetchedAt time.Time
}

// isUntouched reports whether both windows are known and exactly 0% used.
// Unknown usage is never untouched.
func isUntouched(s UsageSnapshot) bool {
	for _, w := range []*QuotaWindow{s.Primary, s.Secondary} {
		if w == nil || w.UsedPercent == nil || *w.UsedPercent != 0 {
			return false
		}
	}
	return true
}

// nextResetAt returns the earliest known reset time across windows, or
// zero/false when neither window carries one.
func nextResetAt(s UsageSnapshot) (time.Time, bool) {
	var best time.Time
	for _, w := range []*QuotaWindow{s.Primary, s.Secondary} {
		if w == nil || w.ResetAt.IsZero() {
			continue
		}
		if best.IsZero() || w.ResetAt.Before(best) {
			best = w.ResetAt
		}
	}
	return best, !best.IsZero()
}

func clampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// parseUsagePayload normalizes the upstream usage body: percentages clamped
// to [0,100], reset epochs (seconds) converted to absolute times. Windows
// may sit at the top level or under a rate_limit wrapper.
func parseUsagePayload(body []byte, fetchedAt time.Time) UsageSnapshot {
	root := gjson.ParseBytes(body)
	if rl := root.Get("rate_limit"); rl.Exists() {
		root = rl
	}
	return UsageSnapshot{
		Primary:   parseQuotaWindow(root.Get("primary_window")),
		Secondary: parseQuotaWindow(root.Get("secondary_window")),
		FetchedAt: fetchedAt,
	}
}

func parseQuotaWindow(v gjson.Result) *QuotaWindow {
	if !v.Exists() {
		return nil
	}
	w := &QuotaWindow{}
	if up := v.Get("used_percent"); up.Exists() {
		p := clampPercent(up.Float())
		w.UsedPercent = &p
	}
	if ra := v.Get("reset_at"); ra.Exists() && ra.Int() > 0 {
		w.ResetAt = time.Unix(ra.Int(), 0)
	}
	// A window with neither field known is absent, not zeroed.
	if w.UsedPercent == nil && w.ResetAt.IsZero() {
		return nil
	}
	return w
}

// tokenSource supplies a live bearer token for an account.
type tokenSource interface {
	EnsureValidToken(ctx context.Context, email string) (string, error)
}

// UsageCache holds process-lifetime usage snapshots keyed by email.
// Never persisted; a fetch failure warns and falls back to the prior
// snapshot so bookkeeping never fails a caller's request.
type UsageCache struct {
	mu        sync.Mutex
	snapshots map[string]UsageSnapshot

	ttl      time.Duration
	usageURL string
	client   *http.Client
	tokens   tokenSource
	warn     func(format string, args ...any)
}

func NewUsageCache(tokens tokenSource, usageURL string, client *http.Client, warn func(string, ...any)) *UsageCache {
	if client == nil {
		client = http.DefaultClient
	}
	if warn == nil {
		warn = func(string, ...any) {}
	}
	return &UsageCache{
		snapshots: make(map[string]UsageSnapshot),
		ttl:       usageTTL,
		usageURL:  usageURL,
		client:    client,
		tokens:    tokens,
		warn:      warn,
	}
}

// Get returns the cached snapshot for email without any upstream call.
func (c *UsageCache) Get(email string) (UsageSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.snapshots[email]
	return s, ok
}

// Snapshots returns a copy of the cache keyed by email, for selection.
func (c *UsageCache) Snapshots() map[string]UsageSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]UsageSnapshot, len(c.snapshots))
	for k, v := range c.snapshots {
		out[k] = v
	}
	return out
}

// Refresh returns the cached snapshot when it is younger than the TTL and
// force is not set; otherwise it fetches, normalizes, and stores a new one.
// On fetch failure the previous value (or absence) is returned unchanged.
func (c *UsageCache) Refresh(ctx context.Context, acc Account, force bool) (UsageSnapshot, bool) {
	c.mu.Lock()
	prev, had := c.snapshots[acc.Email]
	c.mu.Unlock()

	if had && !force && time.Since(prev.FetchedAt) < c.ttl {
		return prev, true
	}

	snap, err := c.fetch(ctx, acc)
	if err != nil {
		c.warn("usage fetch %s failed: %v", acc.Email, err)
		return prev, had
	}

	c.mu.Lock()
	c.snapshots[acc.Email] = snap
	c.mu.Unlock()
	return snap, true
}

// RefreshStale refreshes every account whose snapshot is absent or older
// than the TTL, one fetch per account in parallel. A failure on one account
// never blocks or fails the others.
func (c *UsageCache) RefreshStale(ctx context.Context, accounts []Account) {
	var wg sync.WaitGroup
	for _, acc := range accounts {
		c.mu.Lock()
		prev, had := c.snapshots[acc.Email]
		c.mu.Unlock()
		if had && time.Since(prev.FetchedAt) < c.ttl {
			continue
		}
		wg.Add(1)
		go func(acc Account) {
			defer wg.Done()
			c.Refresh(ctx, acc, false)
		}(acc)
	}
	wg.Wait()
}

func (c *UsageCache) fetch(ctx context.Context, acc Account) (UsageSnapshot, error) {
	token, err := c.tokens.EnsureValidToken(ctx, acc.Email)
	if err != nil {
		return UsageSnapshot{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, usageFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.usageURL, nil)
	if err != nil {
		return UsageSnapshot{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if acc.AccountID != "" {
		req.Header.Set("X-Account-ID", acc.AccountID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return UsageSnapshot{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return UsageSnapshot{}, fmt.Errorf("usage bad status: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return UsageSnapshot{}, err
	}
	return parseUsagePayload(body, time.Now()), nil
}
