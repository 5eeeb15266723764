// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package store

import "errors"

// Sentinel errors surfaced by the storage gateway. Callers branch with
// errors.Is; the API layer maps them onto the client-facing taxonomy.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict indicates an optimistic-concurrency or status-transition
	// failure, or a unique-constraint violation.
	ErrConflict = errors.New("conflicting update")

	// ErrUnauthorized indicates the caller's role does not permit the
	// mutation.
	ErrUnauthorized = errors.New("role not permitted")

	// ErrUnavailable indicates transient storage exhaustion (connection
	// pool acquire timed out).
	ErrUnavailable = errors.New("storage unavailable")
)
