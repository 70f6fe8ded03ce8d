// Package challenge holds the in-memory, TTL-bounded nonce table the
// handshake engine (C6) uses between its CHALLENGED and VERIFYING
// steps: issue hands out a single-use nonce bound to the init material
// that produced it, consume redeems it exactly once.
//
// Grounded on the prior pkg/util/cache-style bounded maps (a plain
// mutex-guarded map with opportunistic sweep, no external cache
// dependency — there is no need for anything heavier than stdlib here,
// the table only ever holds in-flight handshakes and is capped at 1000
// entries).
package challenge

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/careagent/neuron/internal/domain"
)

// TTL is how long an issued nonce remains redeemable.
const TTL = 30 * time.Second

// MaxPending is the hard cap on outstanding (unconsumed, unexpired)
// challenges. Issue refuses once the table is at capacity, forcing the
// admission limiter (C7) to be the single point of backpressure instead
// of letting this table grow unbounded under a slow-loris style attack.
const MaxPending = 1000

var (
	// ErrFull is returned by Issue when MaxPending outstanding challenges
	// already exist.
	ErrFull = errors.New("challenge: table full")
	// ErrNotFound is returned by Consume for an unknown or already-consumed
	// nonce.
	ErrNotFound = errors.New("challenge: nonce not found")
	// ErrExpired is returned by Consume for a nonce past its TTL. The
	// entry is removed as a side effect.
	ErrExpired = errors.New("challenge: nonce expired")
)

// Table is the nonce store. Zero value is not usable; construct with
// New.
type Table struct {
	mu      sync.Mutex
	entries map[string]domain.PendingChallenge
	nowFn   func() time.Time
}

// New returns an empty Table.
func New() *Table {
	return NewWithClock(time.Now)
}

// NewWithClock returns an empty Table driven by nowFn instead of
// time.Now, so tests can exercise expiry deterministically.
func NewWithClock(nowFn func() time.Time) *Table {
	return &Table{
		entries: make(map[string]domain.PendingChallenge),
		nowFn:   nowFn,
	}
}

// Issue mints a new nonce bound to init and stores it with a TTL-bound
// expiry. It opportunistically purges expired entries first, so a slow
// trickle of abandoned handshakes doesn't itself exhaust MaxPending.
func (t *Table) Issue(init domain.HandshakeInit) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.purgeExpiredLocked()

	if len(t.entries) >= MaxPending {
		return "", ErrFull
	}

	nonce, err := randomNonce()
	if err != nil {
		return "", fmt.Errorf("challenge: generate nonce: %w", err)
	}

	t.entries[nonce] = domain.PendingChallenge{
		Nonce:     nonce,
		Init:      init,
		ExpiresAt: t.nowFn().Add(TTL),
	}
	return nonce, nil
}

// Consume redeems nonce exactly once: a second call for the same nonce
// returns ErrNotFound. An expired-but-not-yet-purged nonce is removed
// and reported as ErrExpired rather than ErrNotFound, so the handshake
// engine can report it as CONSENT_EXPIRED rather than as an unknown
// challenge.
func (t *Table) Consume(nonce string) (domain.HandshakeInit, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pc, ok := t.entries[nonce]
	if !ok {
		return domain.HandshakeInit{}, ErrNotFound
	}
	delete(t.entries, nonce)

	if t.nowFn().After(pc.ExpiresAt) {
		return domain.HandshakeInit{}, ErrExpired
	}
	return pc.Init, nil
}

// Len reports the number of outstanding (possibly expired, not yet
// purged) entries. Used by observability gauges.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Purge removes all expired entries and reports how many were removed.
// Callers may run this periodically instead of relying solely on the
// opportunistic sweep inside Issue.
func (t *Table) Purge() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.purgeExpiredLocked()
}

func (t *Table) purgeExpiredLocked() int {
	now := t.nowFn()
	removed := 0
	for nonce, pc := range t.entries {
		if now.After(pc.ExpiresAt) {
			delete(t.entries, nonce)
			removed++
		}
	}
	return removed
}

func randomNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
