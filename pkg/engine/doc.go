// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package engine keeps a local view of bridged third-party conversations
// (Telegram, WhatsApp) synchronized with a Matrix homeserver that hosts the
// bridges. It fetches remote room state, classifies rooms by platform,
// builds consumer-facing summaries and fans out debounced change
// notifications, while recovering from degraded connection states on its
// own.
//
// # Core Types
//
// [Engine] is the per-session facade: cold-start from cache, subscriptions,
// forced refresh, history paging and message sending.
//
// [RemoteConnection] abstracts the homeserver client. [MatrixRemote] is the
// production implementation over a mautrix client; tests script a fake.
//
// [SyncScheduler] drives the sync loop under a process-wide exclusive
// [Lease]: one bounded window of rooms per cycle, with a full-refresh
// fallback when the windowed path fails.
//
// [Classifier] is the single home of platform heuristics. Its rule order
// and the service-room denylist precedence are load-bearing; rooms it does
// not accept are never surfaced, even from stale cache.
//
// [Normalizer] parses raw event shapes exactly once into [NormalizedEvent];
// nothing downstream branches on raw payloads.
//
// [SummaryBuilder] resolves display names through a strict fallback chain
// that never leaks a platform-internal identifier to the user.
//
// # Failure Model
//
// Every remote call is fallible. Failures inside one room's processing
// degrade that room to cached data and the cycle proceeds; strategy-level
// failures back off the loop. Connection health is owned by
// [RecoveryController], which caps automatic recovery within a rolling
// window and then surfaces a single needs-attention signal.
//
// # Sub-packages
//
//   - debounce coalesces notification bursts into single callbacks.
package engine
