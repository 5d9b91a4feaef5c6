// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package debounce

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTriggerCoalesces(t *testing.T) {
	t.Parallel()
	d := New(20 * time.Millisecond)
	t.Cleanup(d.Stop)

	var fired atomic.Int32
	var last atomic.Int32
	for i := 1; i <= 5; i++ {
		i := int32(i)
		d.Trigger(func() {
			fired.Add(1)
			last.Store(i)
		})
	}

	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("expected 1 invocation for a burst of 5 triggers, got %d", got)
	}
	if got := last.Load(); got != 5 {
		t.Errorf("expected the latest function to win, got trigger %d", got)
	}
}

func TestSeparateBurstsFireSeparately(t *testing.T) {
	t.Parallel()
	d := New(10 * time.Millisecond)
	t.Cleanup(d.Stop)

	var fired atomic.Int32
	d.Trigger(func() { fired.Add(1) })
	time.Sleep(60 * time.Millisecond)
	d.Trigger(func() { fired.Add(1) })
	time.Sleep(60 * time.Millisecond)

	if got := fired.Load(); got != 2 {
		t.Errorf("expected 2 invocations for 2 separated bursts, got %d", got)
	}
}

func TestFlushRunsPendingImmediately(t *testing.T) {
	t.Parallel()
	d := New(time.Hour)
	t.Cleanup(d.Stop)

	var fired atomic.Int32
	d.Trigger(func() { fired.Add(1) })
	d.Flush()
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected flush to run the pending function, fired=%d", got)
	}

	// Nothing pending anymore: the original timer must not fire again.
	d.Flush()
	if got := fired.Load(); got != 1 {
		t.Errorf("expected second flush to be a no-op, fired=%d", got)
	}
}

func TestStopCancelsPendingAndRejectsTriggers(t *testing.T) {
	t.Parallel()
	d := New(10 * time.Millisecond)

	var fired atomic.Int32
	d.Trigger(func() { fired.Add(1) })
	d.Stop()
	d.Trigger(func() { fired.Add(1) })

	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("expected no invocations after Stop, got %d", got)
	}
}

func TestNilTriggerClearsPending(t *testing.T) {
	t.Parallel()
	d := New(10 * time.Millisecond)
	t.Cleanup(d.Stop)

	var fired atomic.Int32
	d.Trigger(func() { fired.Add(1) })
	d.Trigger(nil)

	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("expected nil trigger to clear pending work, fired=%d", got)
	}
}
