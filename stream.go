package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/sjson"
)

// providerName is the logical provider identity stamped onto forwarded
// events, regardless of which pooled account served them.
const providerName = "claude-pool"

// defaultMaxRetries is the rotation budget per logical request: one initial
// attempt plus up to this many retries on fresh accounts.
const defaultMaxRetries = 5

// Event kinds on the wire between upstream adapter and callers.
const (
	eventPartial = "partial"
	eventDone    = "done"
	eventError   = "error"
)

// StreamEvent is one unit of upstream output. Data carries the raw JSON
// payload for partial/done events; Message carries the text of error events.
type StreamEvent struct {
	Kind    string
	Data    []byte
	Message string
}

// StreamRequest is one logical streaming call into the pool.
type StreamRequest struct {
	Model string
	Body  []byte // upstream-shaped request body
}

// UpstreamStreamFunc performs a single raw streaming call with the given
// bearer token and account. It is invoked once per attempt and never retried
// internally; the returned channel is closed when the call ends.
type UpstreamStreamFunc func(ctx context.Context, token string, acc Account, req StreamRequest) (<-chan StreamEvent, error)

// isQuotaErrorMessage reports whether an upstream error message indicates an
// exhausted quota or rate limit, the retry-eligible class.
func isQuotaErrorMessage(msg string) bool {
	m := strings.ToLower(msg)
	for _, token := range []string{
		"429",
		"quota",
		"usage limit",
		"rate limit",
		"rate-limit",
		"too many requests",
		"limit reached",
	} {
		if strings.Contains(m, token) {
			return true
		}
	}
	return false
}

// PoolProvider serves logical streaming requests from the account pool,
// rotating accounts on pre-output quota errors.
type PoolProvider struct {
	manager    *AccountManager
	upstream   UpstreamStreamFunc
	history    *HistoryStore
	maxRetries int
	logf       func(format string, args ...any)
}

func NewPoolProvider(manager *AccountManager, upstream UpstreamStreamFunc, history *HistoryStore, maxRetries int, logf func(string, ...any)) *PoolProvider {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &PoolProvider{
		manager:    manager,
		upstream:   upstream,
		history:    history,
		maxRetries: maxRetries,
		logf:       logf,
	}
}

// StreamSimple serves one logical request. The returned channel yields
// events in order and closes after the first done or error event (or when
// the upstream ends without one). Cancel ctx to abort the in-flight attempt.
func (p *PoolProvider) StreamSimple(ctx context.Context, req StreamRequest) <-chan StreamEvent {
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		p.run(ctx, req, out)
	}()
	return out
}

func (p *PoolProvider) run(ctx context.Context, req StreamRequest, out chan<- StreamEvent) {
	requestID := randomID()
	started := time.Now()
	exclude := make(map[string]bool)

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		acc, wasManual, ok := p.selectAccount(ctx, exclude)
		if !ok {
			p.emit(ctx, out, StreamEvent{Kind: eventError, Message: "no available accounts in pool"})
			p.history.RecordStream(requestID, req.Model, "", attempt, "exhausted", time.Since(started))
			return
		}
		p.logf("request %s attempt %d using %s", requestID, attempt+1, acc.Email)

		token, err := p.manager.EnsureValidToken(ctx, acc.Email)
		if err != nil {
			p.emit(ctx, out, StreamEvent{Kind: eventError, Message: fmt.Sprintf("token refresh failed: %v", err)})
			p.history.RecordStream(requestID, req.Model, acc.Email, attempt+1, "token_error", time.Since(started))
			return
		}

		retry, status := p.attempt(ctx, out, token, acc, req)
		if !retry {
			p.history.RecordStream(requestID, req.Model, acc.Email, attempt+1, status, time.Since(started))
			return
		}

		// Retry-eligible quota failure: cool the account down, exclude it
		// for the rest of this request, and drop the pin if it was pinned.
		p.logf("request %s: quota exhausted on %s, rotating", requestID, acc.Email)
		p.manager.HandleQuotaExceeded(ctx, acc.Email)
		exclude[acc.Email] = true
		if wasManual {
			p.manager.ClearManualAccount()
		}
	}

	p.emit(ctx, out, StreamEvent{Kind: eventError, Message: "retry budget exhausted: all attempts hit quota limits"})
	p.history.RecordStream(requestID, req.Model, "", p.maxRetries+1, "budget_exhausted", time.Since(started))
}

// selectAccount resolves the account for one attempt: the manual pin when
// present and available, else automatic selection excluding prior failures.
func (p *PoolProvider) selectAccount(ctx context.Context, exclude map[string]bool) (acc Account, wasManual, ok bool) {
	if acc, ok := p.manager.AvailableManualAccount(time.Now()); ok && !exclude[acc.Email] {
		return acc, true, true
	}
	acc, ok = p.manager.ActivateBest(ctx, exclude)
	return acc, false, ok
}

// attempt runs one upstream call to completion. retry is true only for a
// quota error seen before any output was forwarded; otherwise the logical
// request ended here and status describes how.
func (p *PoolProvider) attempt(ctx context.Context, out chan<- StreamEvent, token string, acc Account, req StreamRequest) (retry bool, status string) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := p.upstream(attemptCtx, token, acc, req)
	if err != nil {
		if isQuotaErrorMessage(err.Error()) {
			return true, ""
		}
		p.emit(ctx, out, StreamEvent{Kind: eventError, Message: err.Error()})
		return false, "error"
	}

	forwarded := false
	for ev := range events {
		switch ev.Kind {
		case eventError:
			if isQuotaErrorMessage(ev.Message) && !forwarded {
				// Abort this attempt and drain so the producer can exit.
				cancel()
				for range events {
				}
				return true, ""
			}
			p.emit(ctx, out, ev)
			cancel()
			for range events {
			}
			return false, "error"
		case eventDone:
			p.emit(ctx, out, p.rebrand(ev))
			cancel()
			for range events {
			}
			return false, "ok"
		default:
			if !p.emit(ctx, out, p.rebrand(ev)) {
				return false, "canceled"
			}
			forwarded = true
		}
	}

	// Upstream ended without a terminal event; end the request rather than
	// hang or duplicate output with another attempt.
	return false, "ok"
}

// rebrand rewrites provenance on a forwarded event to the pool's logical
// provider identity.
func (p *PoolProvider) rebrand(ev StreamEvent) StreamEvent {
	if len(ev.Data) == 0 {
		return ev
	}
	if data, err := sjson.SetBytes(ev.Data, "provider", providerName); err == nil {
		ev.Data = data
	}
	return ev
}

// emit delivers ev unless the caller has gone away.
func (p *PoolProvider) emit(ctx context.Context, out chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
