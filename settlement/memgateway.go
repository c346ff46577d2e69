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

package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/CovenantSQL/escrow/types"
)

// Outcome scripts how MemGateway settles an operation.
type Outcome struct {
	// Status is the terminal status reported once the operation settles.
	Status Status
	// Reason accompanies a Failed status.
	Reason string
	// After is the number of polls answered Pending first.
	After int
	// Hold keeps the operation Pending until Resolve is called.
	Hold bool
}

type memOp struct {
	key     string
	ref     string
	kind    types.OpKind
	outcome Outcome
	polls   int
}

// MemGateway is an in-memory Gateway with scriptable outcomes. Operations
// confirm on their first poll unless scripted otherwise.
type MemGateway struct {
	mu          sync.Mutex
	seq         uint64
	byKey       map[string]*memOp
	byRef       map[string]*memOp
	submits     map[string]int
	submitFails map[string]int
	scripted    map[string]Outcome
	script      func(op *types.SettlementOperation) Outcome
	pollDelay   time.Duration
	pollErrors  int
}

// NewMemGateway returns an empty gateway.
func NewMemGateway() *MemGateway {
	return &MemGateway{
		byKey:       make(map[string]*memOp),
		byRef:       make(map[string]*memOp),
		submits:     make(map[string]int),
		submitFails: make(map[string]int),
		scripted:    make(map[string]Outcome),
	}
}

// Script sets the outcome of every operation submitted afterwards without a
// per-key outcome.
func (g *MemGateway) Script(f func(op *types.SettlementOperation) Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script = f
}

// SetOutcome scripts the outcome of the operation with idempotency key key.
// It takes effect whether or not the key was already submitted.
func (g *MemGateway) SetOutcome(key string, o Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripted[key] = o
	if op, ok := g.byKey[key]; ok {
		op.outcome = o
	}
}

// Resolve releases a held operation with the given terminal status.
func (g *MemGateway) Resolve(key string, status Status, reason string) {
	g.SetOutcome(key, Outcome{Status: status, Reason: reason})
}

// FailSubmits makes the next n submissions of key fail with ErrUnavailable.
func (g *MemGateway) FailSubmits(key string, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitFails[key] = n
}

// FailPolls makes the next n polls of any reference fail with ErrUnavailable.
func (g *MemGateway) FailPolls(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pollErrors = n
}

// SetPollDelay makes every poll block for d or until its context is done.
func (g *MemGateway) SetPollDelay(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pollDelay = d
}

// Submit implements Gateway.Submit.
func (g *MemGateway) Submit(ctx context.Context, op *types.SettlementOperation) (ref string, err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.submits[op.ID]++
	if g.submitFails[op.ID] > 0 {
		g.submitFails[op.ID]--
		err = errors.Wrapf(ErrUnavailable, "submit %s", op.ID)
		return
	}
	if existing, ok := g.byKey[op.ID]; ok {
		ref = existing.ref
		return
	}

	g.seq++
	m := &memOp{key: op.ID, ref: fmt.Sprintf("mem-%d", g.seq), kind: op.Kind}
	if o, ok := g.scripted[op.ID]; ok {
		m.outcome = o
	} else if g.script != nil {
		m.outcome = g.script(op)
	} else {
		m.outcome = Outcome{Status: Confirmed}
	}
	g.byKey[m.key] = m
	g.byRef[m.ref] = m
	ref = m.ref
	return
}

// Poll implements Gateway.Poll.
func (g *MemGateway) Poll(ctx context.Context, ref string) (res Result, err error) {
	g.mu.Lock()
	delay := g.pollDelay
	g.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			return
		case <-time.After(delay):
		}
	}
	if err = ctx.Err(); err != nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pollErrors > 0 {
		g.pollErrors--
		err = errors.Wrapf(ErrUnavailable, "poll %s", ref)
		return
	}
	m, ok := g.byRef[ref]
	if !ok {
		err = errors.Wrapf(ErrUnknownRef, "poll %s", ref)
		return
	}
	if m.outcome.Hold || m.polls < m.outcome.After {
		m.polls++
		res.Status = Pending
		return
	}
	res.Status = m.outcome.Status
	switch res.Status {
	case Confirmed:
		res.TxHash = "tx-" + m.ref
	case Failed:
		res.Reason = m.outcome.Reason
		if res.Reason == "" {
			res.Reason = "rejected by contract"
		}
	}
	return
}

// Executions returns how many distinct operations were accepted for key,
// which is at most 1 however often it was submitted.
func (g *MemGateway) Executions(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.byKey[key]; ok {
		return 1
	}
	return 0
}

// Submits returns how many times key was submitted, including duplicates and
// injected failures.
func (g *MemGateway) Submits(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submits[key]
}

// Accepted returns the number of distinct operations accepted of kind.
func (g *MemGateway) Accepted(kind types.OpKind) (n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.byKey {
		if m.kind == kind {
			n++
		}
	}
	return
}
