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

// Package reconciler drives recorded settlement operations to a terminal
// status and applies their effect to the ledger.
//
// Every outstanding operation sits in a time ordered queue. A dispatcher hands
// due operations to a bounded worker pool; one attempt submits the operation
// if the gateway never accepted it and then polls it once under a deadline.
// Pending results are retried with exponential backoff until MaxAttempts,
// terminal results are applied through a compare-and-swap loop on a fresh
// snapshot, so a confirmation can never be applied twice.
package reconciler

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ivpusic/grpool"
	"github.com/pkg/errors"

	"github.com/CovenantSQL/escrow/chainbus"
	"github.com/CovenantSQL/escrow/ledger"
	"github.com/CovenantSQL/escrow/metric"
	"github.com/CovenantSQL/escrow/settlement"
	"github.com/CovenantSQL/escrow/types"
	"github.com/CovenantSQL/escrow/utils/log"
)

// Deps are the collaborators of a Scheduler. Store and Gateway are required.
type Deps struct {
	Store   ledger.Store
	Locks   *ledger.KeyedMutex
	Gateway settlement.Gateway
	Bus     *chainbus.Bus
	Metrics *metric.Metrics
	Now     func() time.Time
}

// Scheduler reconciles settlement operations.
type Scheduler struct {
	cfg  Config
	deps Deps

	mu    sync.Mutex
	queue timerQueue
	known map[string]struct{}
	wake  chan struct{}

	onCorrupted func(campaignID string, err error)

	pool    *grpool.Pool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started uint32
	stopped uint32
}

// New returns a stopped scheduler.
func New(cfg Config, deps Deps) (s *Scheduler, err error) {
	if deps.Store == nil || deps.Gateway == nil {
		err = errors.New("reconciler requires a ledger store and a settlement gateway")
		return
	}
	if deps.Locks == nil {
		deps.Locks = ledger.NewKeyedMutex()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	s = &Scheduler{
		cfg:   cfg.withDefaults(),
		deps:  deps,
		known: make(map[string]struct{}),
		wake:  make(chan struct{}, 1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Locks returns the per-campaign locks shared with other ledger writers.
func (s *Scheduler) Locks() *ledger.KeyedMutex {
	return s.deps.Locks
}

// OnCorrupted registers fn to be told about campaigns whose snapshot could not
// be decoded. It must be set before Start.
func (s *Scheduler) OnCorrupted(fn func(campaignID string, err error)) {
	s.onCorrupted = fn
}

// Start re-enqueues every outstanding operation found in the ledger and
// starts dispatching.
func (s *Scheduler) Start() (err error) {
	if !atomic.CompareAndSwapUint32(&s.started, 0, 1) {
		return errors.New("reconciler already started")
	}
	var n int
	if n, err = s.Recover(); err != nil {
		return
	}
	log.WithFields(log.Fields{
		"recovered": n,
		"workers":   s.cfg.Workers,
	}).Info("reconciler: started")

	s.pool = grpool.NewPool(s.cfg.Workers, s.cfg.QueueSize)
	s.wg.Add(1)
	go s.run()
	return
}

// Stop cancels in-flight gateway calls and waits for the workers. Operation
// records stay in the ledger and are picked up again by the next Start.
func (s *Scheduler) Stop() {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return
	}
	s.cancel()
	s.wg.Wait()
	if s.pool != nil {
		s.pool.WaitAll()
		s.pool.Release()
	}
	log.Info("reconciler: stopped")
}

// Recover enqueues every non-terminal operation in the ledger for an
// immediate attempt. Operations that already carry a gateway reference are
// only polled, never submitted again.
func (s *Scheduler) Recover() (n int, err error) {
	ids, err := s.deps.Store.IDs()
	if err != nil {
		err = errors.Wrap(err, "list campaigns failed")
		return
	}
	now := s.deps.Now()
	for _, id := range ids {
		c, _, getErr := s.deps.Store.Get(id)
		if getErr != nil {
			s.corrupted(id, getErr)
			continue
		}
		for _, op := range c.OutstandingOperations() {
			if s.schedule(id, op.ID, now, false) {
				n++
			}
		}
	}
	return
}

// Track enqueues an operation for an immediate attempt. It is a no-op for an
// operation already tracked.
func (s *Scheduler) Track(campaignID, opID string) bool {
	return s.schedule(campaignID, opID, s.deps.Now(), false)
}

// Submit hands a freshly recorded operation to the gateway on the calling
// goroutine and tracks it for polling. It returns the gateway reference, or
// an empty string when the submission failed and was queued for retry or the
// operation was already tracked.
func (s *Scheduler) Submit(ctx context.Context, campaignID, opID string) (ref string) {
	if !s.claim(opID) {
		return
	}
	it := &item{campaignID: campaignID, opID: opID}
	var (
		next time.Duration
		done bool
	)
	ref, next, done = s.attempt(ctx, it, false)
	s.finish(it, next, done)
	return
}

// Flush runs one attempt for every queued operation on the calling goroutine,
// whatever its due time, and returns how many were attempted.
func (s *Scheduler) Flush(ctx context.Context) int {
	s.mu.Lock()
	items := make([]*item, 0, s.queue.Len())
	for s.queue.Len() > 0 {
		items = append(items, heap.Pop(&s.queue).(*item))
	}
	s.mu.Unlock()

	for _, it := range items {
		_, next, done := s.attempt(ctx, it, true)
		s.finish(it, next, done)
	}
	return len(items)
}

// Outstanding returns the number of tracked operations.
func (s *Scheduler) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.known)
}

func (s *Scheduler) claim(opID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.known[opID]; ok {
		return false
	}
	s.known[opID] = struct{}{}
	s.gauge()
	return true
}

func (s *Scheduler) schedule(campaignID, opID string, due time.Time, requeue bool) bool {
	s.mu.Lock()
	if _, ok := s.known[opID]; ok && !requeue {
		s.mu.Unlock()
		return false
	}
	s.known[opID] = struct{}{}
	heap.Push(&s.queue, &item{campaignID: campaignID, opID: opID, due: due})
	s.gauge()
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Scheduler) finish(it *item, next time.Duration, done bool) {
	if done || s.ctx.Err() != nil {
		s.mu.Lock()
		delete(s.known, it.opID)
		s.gauge()
		s.mu.Unlock()
		return
	}
	s.schedule(it.campaignID, it.opID, s.deps.Now().Add(next), true)
}

// gauge must be called with s.mu held.
func (s *Scheduler) gauge() {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Outstanding.Set(float64(len(s.known)))
	}
}

func (s *Scheduler) popDue(now time.Time) (due []*item, wait time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.queue.Len() > 0 {
		head := s.queue[0]
		if head.due.After(now) {
			wait = head.due.Sub(now)
			return
		}
		due = append(due, heap.Pop(&s.queue).(*item))
	}
	wait = s.cfg.MaxInterval
	return
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		due, wait := s.popDue(s.deps.Now())
		for _, it := range due {
			if !s.dispatch(it) {
				return
			}
		}

		t := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-s.wake:
		case <-t.C:
		}
		t.Stop()
	}
}

func (s *Scheduler) dispatch(it *item) bool {
	s.pool.WaitCount(1)
	job := func() {
		defer s.pool.JobDone()
		_, next, done := s.attempt(s.ctx, it, true)
		s.finish(it, next, done)
	}
	select {
	case s.pool.JobQueue <- job:
		return true
	case <-s.ctx.Done():
		s.pool.JobDone()
		s.finish(it, 0, true)
		return false
	}
}

func (s *Scheduler) corrupted(campaignID string, err error) {
	le := log.WithField("campaign", campaignID).WithError(err)
	if errors.Cause(err) != types.ErrCorruptedSnapshot {
		le.Warning("reconciler: load campaign failed")
		return
	}
	le.Error("reconciler: corrupted campaign snapshot")
	if s.onCorrupted != nil {
		s.onCorrupted(campaignID, err)
	}
}

func (s *Scheduler) publish(topic chainbus.Topic, ev chainbus.Event) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(topic, ev)
	}
}

func (s *Scheduler) countAttempt(outcome string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Attempts.WithLabelValues(outcome).Inc()
	}
}
