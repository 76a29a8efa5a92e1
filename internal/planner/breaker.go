package planner

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// KV is the slice of the project store the breaker persists through.
type KV interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

const breakerKeyPrefix = "planner.breaker."

type breakerState struct {
	Failures      int   `json:"failures"`
	OpenUntilUnix int64 `json:"open_until_unix,omitempty"`
}

// Breakers tracks consecutive failures per backend in a project's KV.
// Reaching the threshold opens the breaker for the cooldown; an open breaker
// skips the backend during resolution. A KV that cannot be read counts as a
// closed breaker so storage trouble never blocks planning outright.
type Breakers struct {
	logger    *slog.Logger
	kv        KV
	threshold int
	cooldown  time.Duration
}

func NewBreakers(logger *slog.Logger, kv KV, threshold int, cooldown time.Duration) *Breakers {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 2 * time.Minute
	}
	return &Breakers{logger: logger, kv: kv, threshold: threshold, cooldown: cooldown}
}

// Allowed reports whether the backend's breaker is closed.
func (b *Breakers) Allowed(ctx context.Context, backend string) bool {
	state := b.load(ctx, backend)
	return state.OpenUntilUnix == 0 || time.Now().Unix() >= state.OpenUntilUnix
}

// Success closes the breaker and zeroes the failure count.
func (b *Breakers) Success(ctx context.Context, backend string) {
	state := b.load(ctx, backend)
	if state.Failures == 0 && state.OpenUntilUnix == 0 {
		return
	}
	b.save(ctx, backend, breakerState{})
}

// Failure bumps the consecutive-failure count; at the threshold the breaker
// opens for the cooldown and the count resets.
func (b *Breakers) Failure(ctx context.Context, backend string) {
	state := b.load(ctx, backend)
	state.Failures++
	if state.Failures >= b.threshold {
		state = breakerState{OpenUntilUnix: time.Now().Add(b.cooldown).Unix()}
		b.logger.Warn("planner breaker tripped",
			"backend", backend,
			"cooldown", b.cooldown.String())
	}
	b.save(ctx, backend, state)
}

func (b *Breakers) load(ctx context.Context, backend string) breakerState {
	raw, err := b.kv.KVGet(ctx, breakerKeyPrefix+backend)
	if err != nil {
		b.logger.Warn("breaker state read failed", "backend", backend, "error", err)
		return breakerState{}
	}
	if raw == "" {
		return breakerState{}
	}
	var state breakerState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		b.logger.Warn("breaker state corrupt, resetting", "backend", backend, "error", err)
		return breakerState{}
	}
	return state
}

func (b *Breakers) save(ctx context.Context, backend string, state breakerState) {
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := b.kv.KVSet(ctx, breakerKeyPrefix+backend, string(data)); err != nil {
		b.logger.Warn("breaker state write failed", "backend", backend, "error", err)
	}
}
