// Copyright 2024-2026 Aiku AI

package engine

import "sync"

// Lease is the process-wide exclusive lease guarding the sync loop. Exactly
// one holder may be active at a time; competitors observing the lease held
// skip their attempt instead of queuing. The lease is passed by handle into
// the scheduler rather than living in ambient global state, and it must be
// released on every exit path.
type Lease struct {
	mu       sync.Mutex
	holder   string
	acquired int
	peak     int
}

// NewLease creates an unheld lease.
func NewLease() *Lease {
	return &Lease{}
}

// TryAcquire attempts to take the lease for the named owner. It never
// blocks; false means someone else is active.
func (l *Lease) TryAcquire(owner string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != "" {
		return false
	}
	l.holder = owner
	l.acquired++
	if l.acquired > l.peak {
		l.peak = l.acquired
	}
	return true
}

// Release frees the lease. Releasing an unheld lease is a no-op so deferred
// releases stay safe on every exit path.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == "" {
		return
	}
	l.holder = ""
	l.acquired--
}

// Holder returns the current owner name, empty when unheld.
func (l *Lease) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

// HolderCount returns the number of active holders (0 or 1).
func (l *Lease) HolderCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired
}

// PeakHolderCount returns the maximum concurrent holders ever observed.
// Anything above 1 is a bug.
func (l *Lease) PeakHolderCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peak
}
