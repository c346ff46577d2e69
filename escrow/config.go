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

package escrow

import (
	"time"

	"github.com/CovenantSQL/escrow/ledger"
	"github.com/CovenantSQL/escrow/metric"
	"github.com/CovenantSQL/escrow/reconciler"
	"github.com/CovenantSQL/escrow/settlement"
)

// DefaultMaxCASRetries bounds ledger write conflicts per operation.
const DefaultMaxCASRetries = 16

// Config tunes the coordinator.
type Config struct {
	MaxCASRetries int
	// Network is echoed back in the signing parameters of every result.
	Network settlement.Network
}

// Deps are the collaborators of a Coordinator. Store and Scheduler are
// required; the scheduler must share Locks with the coordinator.
type Deps struct {
	Store     ledger.Store
	Locks     *ledger.KeyedMutex
	Scheduler *reconciler.Scheduler
	Metrics   *metric.Metrics

	Now   func() time.Time
	NewID func() string
}
