// Copyright 2024-2026 Aiku AI

package engine

import (
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// Sentinel errors forming the engine's failure taxonomy. Callers match them
// with errors.Is; the concrete cause stays wrapped underneath.
var (
	// ErrTransport marks network-level failures (timeouts, connection
	// resets). Retried with backoff by the scheduler.
	ErrTransport = errors.New("transport error")
	// ErrProtocol marks malformed or unexpected remote responses. The
	// affected cycle falls back to cached data.
	ErrProtocol = errors.New("protocol error")
	// ErrWindowedSyncUnsupported is a definitive signal that the remote
	// does not implement the windowed room listing. The scheduler disables
	// the windowed strategy for the rest of the process lifetime.
	ErrWindowedSyncUnsupported = errors.New("windowed sync not supported by remote")
	// ErrClassificationAmbiguous marks rooms with conflicting platform
	// signals. Such rooms are excluded rather than guessed.
	ErrClassificationAmbiguous = errors.New("room classification ambiguous")
	// ErrCacheCorruption marks unreadable persisted state. The store
	// returns empty data instead of propagating it.
	ErrCacheCorruption = errors.New("cache corruption")
	// ErrStopped is returned from operations attempted after the engine
	// was stopped.
	ErrStopped = errors.New("engine stopped")
)

// transportErr wraps err so that errors.Is(err, ErrTransport) holds.
func transportErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

// protocolErr wraps err so that errors.Is(err, ErrProtocol) holds.
func protocolErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrProtocol, op, err)
}

// roomResult is the per-room outcome of one sync cycle. Failures are isolated
// here so a single bad room never aborts the cycle; the Err field records why
// the room fell back to cached data.
type roomResult struct {
	RoomID   id.RoomID
	Summary  RoomSummary
	Messages []NormalizedEvent
	Skipped  bool
	Err      error
}
