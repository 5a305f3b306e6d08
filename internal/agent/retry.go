package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/user/appforge/pkg/llm"
)

// Backoff retries failed LLM calls with exponential delays. Transient
// failures (rate limits, server errors, network drops) get retried; request
// errors the model cannot cure by waiting do not.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Factor   float64
	Cap      time.Duration
}

func defaultBackoff() *Backoff {
	return &Backoff{
		Attempts: 3,
		Base:     time.Second,
		Factor:   2,
		Cap:      30 * time.Second,
	}
}

// Do runs fn until it succeeds, fails permanently, or exhausts Attempts.
// Between attempts it sleeps the backoff delay, aborting early if ctx ends.
func (b *Backoff) Do(ctx context.Context, fn func() error) error {
	var last error
	for attempt := 1; ; attempt++ {
		last = fn()
		if last == nil {
			return nil
		}
		if attempt >= b.Attempts || permanent(last) {
			return last
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.delay(attempt)):
		}
	}
}

// delay grows geometrically from Base, capped at Cap. attempt is 1-indexed.
func (b *Backoff) delay(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Factor)
		if d >= b.Cap {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// permanent reports whether retrying err is pointless. Backend responses
// carry a status code and classify themselves; for everything else only a
// few known-fatal conditions count as permanent, since network and stream
// errors usually clear up.
func permanent(err error) bool {
	if err == nil {
		return true
	}
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Retryable()
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context length") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key")
}
