// Package breaker implements a small three-state circuit breaker (closed,
// open, half-open) for the HTTP dependency the retrieval core calls on the
// critical path: the reranker endpoint (internal/reranker). The embedding and
// NL2Query clients are not wrapped in a breaker. No
// circuit-breaker library appears anywhere in the retrieved example
// corpus, so this is hand-rolled rather than adapted from a third-party
// package; see DESIGN.md for that justification.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow when the breaker is open and calls should be
// skipped rather than sent to the failing dependency.
var ErrOpen = errors.New("breaker: circuit open")

type state int

const (
	closed state = iota
	open
	halfOpen
)

// Config tunes trip and recovery behavior.
type Config struct {
	FailureThreshold int           // consecutive failures before tripping open
	OpenDuration     time.Duration // how long the breaker stays open before probing
	HalfOpenMaxCalls int           // concurrent probe calls allowed while half-open
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
	return c
}

// Breaker guards a single downstream dependency.
type Breaker struct {
	cfg Config

	mu           sync.Mutex
	st           state
	failures     int
	openedAt     time.Time
	halfOpenInFlight int
}

// New constructs a Breaker, closed by default.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), st: closed}
}

// Allow reports whether a call should proceed. Call Success or Failure with
// the outcome once the call completes.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.st {
	case closed:
		return nil
	case open:
		if time.Since(b.openedAt) >= b.cfg.OpenDuration {
			b.st = halfOpen
			b.halfOpenInFlight = 0
		} else {
			return ErrOpen
		}
		fallthrough
	case halfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			return ErrOpen
		}
		b.halfOpenInFlight++
		return nil
	}
	return nil
}

// Success records a successful call, closing the breaker if it was probing.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st == halfOpen {
		b.halfOpenInFlight--
	}
	b.failures = 0
	b.st = closed
}

// Failure records a failed call, tripping the breaker open once the
// consecutive-failure threshold is reached (or immediately, if a half-open
// probe itself failed).
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st == halfOpen {
		b.halfOpenInFlight--
		b.trip()
		return
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.st = open
	b.openedAt = time.Now()
	b.failures = 0
}

// State reports the current state name, useful for metrics/debug surfaces.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.st {
	case open:
		return "open"
	case halfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
