package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
)

// Breaker thresholds. Suspected rate limits open the breaker faster than
// generic failures because continuing would burn the remaining quota.
const (
	rateLimitTrips  = 3
	hardFailureTrip = 5

	dispatchJitterMinMs = 1500
	dispatchJitterMaxMs = 3500
	cooldownMinSec      = 15
	cooldownMaxSec      = 30
)

// ErrBreakerOpen aborts a run; the CLI maps it to exit code 2.
var ErrBreakerOpen = errors.New("circuit breaker open")

var rateLimitMarkers = []string{
	"429", "rate limit", "too many requests", "quota", "overloaded",
}

// IsRateLimited classifies an error as a suspected upstream rate limit.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Options tunes one run. Zero jitter bounds fall back to the defaults; tests
// set JitterMinMs/JitterMaxMs to 1 to run at full speed.
type Options struct {
	MaxAttempts   int
	CooldownEvery int
	Concurrency   int
	JitterMinMs   int
	JitterMaxMs   int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.CooldownEvery < 1 {
		o.CooldownEvery = 5
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.Concurrency > 3 {
		o.Concurrency = 3
	}
	if o.JitterMinMs < 1 {
		o.JitterMinMs = dispatchJitterMinMs
	}
	if o.JitterMaxMs < o.JitterMinMs {
		o.JitterMaxMs = dispatchJitterMaxMs
	}
	if o.JitterMaxMs < o.JitterMinMs {
		o.JitterMaxMs = o.JitterMinMs
	}
	return o
}

// ProcessFunc ingests one URL end to end.
type ProcessFunc func(ctx context.Context, url string) error

// Runner drives pending state-file items through a process function with
// jittered pacing, periodic cooldowns, and the breaker.
type Runner struct {
	state   *State
	process ProcessFunc
	opts    Options

	mu                    sync.Mutex
	consecutiveRateLimits int
	consecutiveFailures   int
	successesSinceCool    int
	breakerOpen           bool
}

// NewRunner builds a runner over a loaded state.
func NewRunner(state *State, process ProcessFunc, opts Options) *Runner {
	return &Runner{state: state, process: process, opts: opts.withDefaults()}
}

// Run dispatches every pending item. Returns ErrBreakerOpen when the breaker
// aborted the run; undispatched items stay queued with their attempt counts
// so the next run resumes them.
func (r *Runner) Run(ctx context.Context) error {
	pending := r.state.Pending(r.opts.MaxAttempts)
	sort.Strings(pending)
	slog.Info("Batch run starting", "pending", len(pending), "max_attempts", r.opts.MaxAttempts)

	sem := make(chan struct{}, r.opts.Concurrency)
	var wg sync.WaitGroup

	for _, url := range pending {
		if err := sleepJittered(ctx, r.opts.JitterMinMs, r.opts.JitterMaxMs); err != nil {
			break
		}
		r.maybeCooldown(ctx)

		// Acquire before the breaker check so in-flight outcomes at the
		// configured concurrency are visible to it.
		sem <- struct{}{}
		if r.isOpen() {
			<-sem
			r.state.Mark(url, StatusQueued, "breaker open, not dispatched")
			r.state.BumpAttempts(url)
			continue
		}
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			defer func() { <-sem }()
			r.runOne(ctx, target)
		}(url)
	}
	wg.Wait()

	if err := r.state.Save(); err != nil {
		slog.Error("Failed to save batch state", "error", err)
	}
	if r.isOpen() {
		return ErrBreakerOpen
	}
	return nil
}

func (r *Runner) runOne(ctx context.Context, url string) {
	r.state.Mark(url, StatusRunning, "")
	r.state.BumpAttempts(url)
	if err := r.state.Save(); err != nil {
		slog.Warn("Failed to checkpoint state before dispatch", "url", url, "error", err)
	}

	err := r.process(ctx, url)
	if err == nil {
		r.state.Mark(url, StatusSucceeded, "")
		r.recordSuccess()
	} else {
		r.state.Mark(url, StatusFailed, err.Error())
		r.recordFailure(err)
		slog.Warn("Batch item failed", "url", url, "error", err)
	}
	if saveErr := r.state.Save(); saveErr != nil {
		slog.Warn("Failed to checkpoint state after dispatch", "url", url, "error", saveErr)
	}
}

func (r *Runner) recordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveRateLimits = 0
	r.consecutiveFailures = 0
	r.successesSinceCool++
}

func (r *Runner) recordFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures++
	if IsRateLimited(err) {
		r.consecutiveRateLimits++
	} else {
		r.consecutiveRateLimits = 0
	}
	if r.consecutiveRateLimits >= rateLimitTrips || r.consecutiveFailures >= hardFailureTrip {
		r.breakerOpen = true
	}
}

func (r *Runner) isOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakerOpen
}

// maybeCooldown pauses the dispatch loop after every cooldown-every
// successes, giving upstream services room to breathe.
func (r *Runner) maybeCooldown(ctx context.Context) {
	r.mu.Lock()
	due := r.successesSinceCool >= r.opts.CooldownEvery
	if due {
		r.successesSinceCool = 0
	}
	r.mu.Unlock()
	if !due {
		return
	}
	secs := cooldownMinSec + rand.Intn(cooldownMaxSec-cooldownMinSec+1)
	slog.Info("Cooldown pause", "seconds", secs)
	_ = sleepJittered(ctx, secs*1000, secs*1000)
}

func sleepJittered(ctx context.Context, minMs, maxMs int) error {
	d := time.Duration(minMs) * time.Millisecond
	if maxMs > minMs {
		d = time.Duration(minMs+rand.Intn(maxMs-minMs+1)) * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Summary renders the final per-status tally for logs.
func (r *Runner) Summary() string {
	counts := r.state.Counts()
	return fmt.Sprintf("succeeded=%d failed=%d queued=%d skipped=%d",
		counts[StatusSucceeded], counts[StatusFailed], counts[StatusQueued], counts[StatusSkipped])
}
