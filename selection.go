package main

import (
	"math/rand/v2"
	"time"
)

// pickBest chooses the account to serve the next attempt. Pure over its
// inputs; no store or network access.
//
// Preference order:
//  1. untouched accounts (0% in both known windows) beat everything else
//  2. within the preferred set, the earliest known reset time wins
//  3. otherwise a uniformly random available account, so a fresh pool with
//     no usage data does not pin one account
//
// Excluded and cooling-down accounts never win.
func pickBest(accounts []Account, usageByEmail map[string]UsageSnapshot, exclude map[string]bool, now time.Time) (Account, bool) {
	var available []Account
	for _, a := range accounts {
		if exclude[a.Email] || !a.Available(now) {
			continue
		}
		available = append(available, a)
	}
	if len(available) == 0 {
		return Account{}, false
	}

	var withUsage, untouched []Account
	for _, a := range available {
		snap, ok := usageByEmail[a.Email]
		if !ok {
			continue
		}
		withUsage = append(withUsage, a)
		if isUntouched(snap) {
			untouched = append(untouched, a)
		}
	}

	preferred := withUsage
	if len(untouched) > 0 {
		preferred = untouched
	}

	var best Account
	var bestReset time.Time
	for _, a := range preferred {
		reset, ok := nextResetAt(usageByEmail[a.Email])
		if !ok {
			continue
		}
		if bestReset.IsZero() || reset.Before(bestReset) {
			best = a
			bestReset = reset
		}
	}
	if !bestReset.IsZero() {
		return best, true
	}

	// No usable reset time anywhere. An untouched account still beats a
	// touched one, so randomize within the preferred set when it is
	// non-empty, else over everything available.
	pool := available
	if len(preferred) > 0 {
		pool = preferred
	}
	return pool[rand.IntN(len(pool))], true
}
