// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

// Package floor arbitrates the single global transmit right. At most one
// holder exists at a time; every mutation goes through the Arbiter's lock.
package floor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Reserved holder ids. Client ids are 8 hex chars, so these can never
// collide with a real session.
const (
	ServerID   = "server"
	ExternalID = "external"
)

// ExternalDisplayName labels the VOX gateway in status broadcasts.
const ExternalDisplayName = "外部デバイス"

// Reserved reports whether id is one of the non-client holders.
func Reserved(id string) bool {
	return id == ServerID || id == ExternalID
}

// WebClient reports whether id denotes a real browser/VT session.
func WebClient(id string) bool {
	return id != "" && !Reserved(id)
}

type Arbiter struct {
	mu        sync.Mutex
	holder    string
	grantedAt time.Time

	maxHold time.Duration // 0 disables the timeout sweep
	onEvict func(holder string)

	logger *slog.Logger
}

func New(maxHold time.Duration) *Arbiter {
	return &Arbiter{
		maxHold: maxHold,
		logger:  slog.With("component", "floor"),
	}
}

// SetEvictFunc registers the callback invoked (outside the lock) when the
// sweep clears a holder that overstayed maxHold.
func (a *Arbiter) SetEvictFunc(fn func(holder string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onEvict = fn
}

// Request grants the floor to holder if it is free. Returns the current
// holder and false when busy.
func (a *Arbiter) Request(holder string) (current string, granted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.holder != "" {
		return a.holder, false
	}
	a.holder = holder
	a.grantedAt = time.Now()
	a.logger.Info("floor granted", "holder", holder)
	return holder, true
}

// Release clears the floor only when holder matches the current holder.
// Mismatches are ignored so a stale client cannot eject the real speaker.
func (a *Arbiter) Release(holder string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.holder == "" || a.holder != holder {
		return false
	}
	held := time.Since(a.grantedAt)
	a.holder = ""
	a.grantedAt = time.Time{}
	a.logger.Info("floor released", "holder", holder, "held", held)
	return true
}

// ForceRelease unconditionally clears the floor and returns the previous
// holder, if any.
func (a *Arbiter) ForceRelease() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.holder == "" {
		return "", false
	}
	prev := a.holder
	a.holder = ""
	a.grantedAt = time.Time{}
	a.logger.Warn("floor force-released", "holder", prev)
	return prev, true
}

// Holder returns the current holder ("" when idle) and its grant time.
func (a *Arbiter) Holder() (string, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.holder, a.grantedAt
}

// Sweep evicts the holder when it exceeded maxHold. Returns the evicted id.
func (a *Arbiter) Sweep() (string, bool) {
	a.mu.Lock()
	if a.maxHold <= 0 || a.holder == "" || time.Since(a.grantedAt) <= a.maxHold {
		a.mu.Unlock()
		return "", false
	}
	evicted := a.holder
	a.holder = ""
	a.grantedAt = time.Time{}
	onEvict := a.onEvict
	a.mu.Unlock()

	a.logger.Warn("floor timeout, holder evicted", "holder", evicted, "max_hold", a.maxHold)
	if onEvict != nil {
		onEvict(evicted)
	}
	return evicted, true
}

// Run ticks the timeout sweep until ctx is cancelled. No-op when the
// timeout is disabled.
func (a *Arbiter) Run(ctx context.Context) {
	if a.maxHold <= 0 {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep()
		}
	}
}
