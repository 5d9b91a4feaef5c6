// Copyright 2024-2026 Aiku AI

package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RecoveryOptions tunes the recovery controller. Zero fields select
// defaults.
type RecoveryOptions struct {
	// MaxAttempts is the recovery cap within the rolling window.
	MaxAttempts int
	// Window is the rolling window for the attempt cap.
	Window time.Duration
	// RetryWait is how long to wait after an immediate retry before
	// escalating to a full stop+restart cycle.
	RetryWait time.Duration
}

func (o *RecoveryOptions) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Window <= 0 {
		o.Window = 5 * time.Minute
	}
	if o.RetryWait <= 0 {
		o.RetryWait = 10 * time.Second
	}
}

// RecoveryController watches connection health and proactively restarts the
// remote connection when it degrades. Recovery attempts are capped within a
// rolling window; past the cap it surfaces a single needs-attention signal
// and stays dormant until explicitly reset, bounding retry storms.
type RecoveryController struct {
	remote RemoteConnection
	hub    *SubscriptionHub
	opts   RecoveryOptions
	log    zerolog.Logger

	mu             sync.Mutex
	attempts       []time.Time
	needsAttention bool
	lastState      ConnectionState

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewRecoveryController wires a controller; call Start to begin observing.
func NewRecoveryController(remote RemoteConnection, hub *SubscriptionHub, opts RecoveryOptions, log zerolog.Logger) *RecoveryController {
	opts.applyDefaults()
	return &RecoveryController{
		remote:   remote,
		hub:      hub,
		opts:     opts,
		log:      log.With().Str("component", "recovery_controller").Logger(),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the observation loop.
func (r *RecoveryController) Start() {
	go r.run()
}

// Stop terminates the observation loop. Idempotent.
func (r *RecoveryController) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
	<-r.done
}

// Reset clears the attempt history and the needs-attention latch. Called on
// an explicit forced refresh so automatic recovery resumes.
func (r *RecoveryController) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = nil
	r.needsAttention = false
}

// NeedsAttention reports whether the controller has given up on automatic
// recovery.
func (r *RecoveryController) NeedsAttention() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.needsAttention
}

// LastState returns the most recently observed connection state.
func (r *RecoveryController) LastState() ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastState
}

func (r *RecoveryController) run() {
	defer close(r.done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.stopChan
		cancel()
	}()

	states := r.remote.States()
	for {
		select {
		case <-r.stopChan:
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			r.mu.Lock()
			r.lastState = state
			r.mu.Unlock()
			r.handle(ctx, state, states)
		}
	}
}

func (r *RecoveryController) handle(ctx context.Context, state ConnectionState, states <-chan ConnectionState) {
	switch state {
	case StateStopped:
		if !r.allowAttempt("stopped") {
			return
		}
		r.log.Info().Msg("Connection stopped, issuing restart")
		if err := r.remote.Start(ctx); err != nil {
			r.log.Error().Err(err).Msg("Restart after stop failed")
		}
	case StateError, StateDegraded:
		if !r.allowAttempt(string(state)) {
			return
		}
		r.log.Info().Str("state", string(state)).Msg("Connection degraded, issuing retry")
		if err := r.remote.Retry(ctx); err != nil {
			r.log.Error().Err(err).Msg("Retry failed")
		}
		if !r.waitDraining(r.opts.RetryWait, states) {
			return
		}
		if last := r.LastState(); last == StateError || last == StateDegraded {
			r.log.Warn().Msg("Still degraded after retry, attempting full stop+restart")
			r.remote.Stop()
			if err := r.remote.Start(ctx); err != nil {
				r.log.Error().Err(err).Msg("Stop+restart cycle failed")
			}
		}
	}
}

// allowAttempt records one recovery attempt and enforces the rolling-window
// cap. Crossing the cap surfaces the needs-attention signal exactly once.
func (r *RecoveryController) allowAttempt(reason string) bool {
	r.mu.Lock()
	if r.needsAttention {
		r.mu.Unlock()
		return false
	}
	cutoff := time.Now().Add(-r.opts.Window)
	kept := r.attempts[:0]
	for _, at := range r.attempts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	r.attempts = kept
	if len(r.attempts) >= r.opts.MaxAttempts {
		r.needsAttention = true
		r.mu.Unlock()
		r.hub.NotifyNeedsAttention("connection recovery cap exceeded: " + reason)
		return false
	}
	r.attempts = append(r.attempts, time.Now())
	r.mu.Unlock()
	return true
}

// waitDraining sleeps for d while continuing to record state transitions so
// the post-wait health check sees the latest state, not a stale one.
func (r *RecoveryController) waitDraining(d time.Duration, states <-chan ConnectionState) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case <-r.stopChan:
			return false
		case state, ok := <-states:
			if !ok {
				return false
			}
			r.mu.Lock()
			r.lastState = state
			r.mu.Unlock()
		}
	}
}
