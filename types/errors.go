/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package types

import "errors"

var (
	// ErrValidation indicates malformed caller input; nothing was written.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates an unknown campaign or milestone.
	ErrNotFound = errors.New("not found")
	// ErrStateConflict indicates an operation not permitted in the current state.
	ErrStateConflict = errors.New("state conflict")
	// ErrAuthorization indicates the requester lacks the required role.
	ErrAuthorization = errors.New("not authorized")
	// ErrConcurrentModification indicates a compare-and-swap against a stale version.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrContention indicates compare-and-swap retries were exhausted.
	ErrContention = errors.New("too much contention on campaign")
	// ErrSettlementTimeout indicates the settlement layer never reached a terminal status.
	ErrSettlementTimeout = errors.New("settlement timed out")
	// ErrSettlementRejected indicates the settlement layer reported failure.
	ErrSettlementRejected = errors.New("settlement rejected")
	// ErrCorruptedSnapshot indicates a stored campaign record could not be decoded.
	ErrCorruptedSnapshot = errors.New("corrupted campaign snapshot")
	// ErrQuarantined indicates the campaign is quarantined after a corrupted read.
	ErrQuarantined = errors.New("campaign quarantined")
	// ErrInvariant indicates a campaign snapshot violating a ledger invariant.
	ErrInvariant = errors.New("ledger invariant violated")
)
