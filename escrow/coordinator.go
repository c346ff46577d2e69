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

// Package escrow is the campaign and milestone escrow coordinator.
//
// Every mutating operation reads the campaign snapshot under the campaign
// lock, validates the request against it, records the local transition
// together with its settlement operation and swaps the snapshot back. The
// settlement gateway is only called after the lock is released; financial
// effects are applied later by the reconciler when the settlement confirms.
package escrow

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	validator "gopkg.in/go-playground/validator.v9"

	"github.com/CovenantSQL/escrow/ledger"
	"github.com/CovenantSQL/escrow/metric"
	"github.com/CovenantSQL/escrow/reconciler"
	"github.com/CovenantSQL/escrow/types"
	"github.com/CovenantSQL/escrow/utils/log"
)

// errNoChange aborts a mutation that found nothing to write.
var errNoChange = errors.New("no change")

// Coordinator serves the escrow operations.
type Coordinator struct {
	cfg      Config
	store    ledger.Store
	locks    *ledger.KeyedMutex
	sched    *reconciler.Scheduler
	metrics  *metric.Metrics
	validate *validator.Validate
	now      func() time.Time
	newID    func() string

	qmu         sync.RWMutex
	quarantined map[string]error
}

// New returns a coordinator. It must be created before the scheduler is
// started so corrupted snapshots found during recovery are quarantined.
func New(cfg Config, deps Deps) (c *Coordinator, err error) {
	if deps.Store == nil || deps.Scheduler == nil {
		err = errors.New("escrow coordinator requires a ledger store and a scheduler")
		return
	}
	if cfg.MaxCASRetries <= 0 {
		cfg.MaxCASRetries = DefaultMaxCASRetries
	}
	if deps.Locks == nil {
		deps.Locks = deps.Scheduler.Locks()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC().Round(0) }
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return uuid.Must(uuid.NewV4()).String() }
	}
	c = &Coordinator{
		cfg:         cfg,
		store:       deps.Store,
		locks:       deps.Locks,
		sched:       deps.Scheduler,
		metrics:     deps.Metrics,
		validate:    validator.New(),
		now:         deps.Now,
		newID:       deps.NewID,
		quarantined: make(map[string]error),
	}
	deps.Scheduler.OnCorrupted(c.quarantine)
	return
}

// GetCampaign returns a snapshot of the campaign.
func (c *Coordinator) GetCampaign(ctx context.Context, id string) (camp *types.Campaign, err error) {
	defer c.observe("get_campaign", &err)
	camp, err = c.load(id)
	return
}

// ListCampaigns returns a snapshot of every readable campaign. Corrupted
// campaigns are quarantined and skipped.
func (c *Coordinator) ListCampaigns(ctx context.Context) (camps []*types.Campaign, err error) {
	defer c.observe("list_campaigns", &err)
	ids, err := c.store.IDs()
	if err != nil {
		err = errors.Wrap(err, "list campaigns failed")
		return
	}
	camps = make([]*types.Campaign, 0, len(ids))
	for _, id := range ids {
		if err = ctx.Err(); err != nil {
			return
		}
		camp, getErr := c.load(id)
		if getErr != nil {
			log.WithField("campaign", id).WithError(getErr).Warning("escrow: skip unreadable campaign")
			continue
		}
		camps = append(camps, camp)
	}
	return
}

// Repair lifts the quarantine of a campaign whose record decodes again and
// re-enqueues its outstanding settlement operations.
func (c *Coordinator) Repair(id string) (err error) {
	defer c.observe("repair", &err)
	camp, _, err := c.store.Get(id)
	if err != nil {
		c.quarantine(id, err)
		return
	}
	if err = camp.CheckInvariants(); err != nil {
		return
	}
	c.qmu.Lock()
	delete(c.quarantined, id)
	c.qmu.Unlock()

	var n int
	for _, op := range camp.OutstandingOperations() {
		if c.sched.Track(id, op.ID) {
			n++
		}
	}
	log.WithFields(log.Fields{"campaign": id, "requeued": n}).Info("escrow: campaign repaired")
	return
}

// Quarantined lists the quarantined campaign ids.
func (c *Coordinator) Quarantined() (ids []string) {
	c.qmu.RLock()
	defer c.qmu.RUnlock()
	for id := range c.quarantined {
		ids = append(ids, id)
	}
	return
}

// Stats summarizes the ledger for the metric collector.
func (c *Coordinator) Stats() (s metric.CampaignStats) {
	s.ByStatus = make(map[types.CampaignStatus]int)
	camps, err := c.ListCampaigns(context.Background())
	if err != nil {
		log.WithError(err).Warning("escrow: collect campaign stats failed")
	}
	for _, camp := range camps {
		s.ByStatus[camp.Status]++
		s.Raised += camp.RaisedAmount
	}
	s.Quarantined = len(c.Quarantined())
	return
}

func (c *Coordinator) quarantine(id string, err error) {
	if errors.Cause(err) != types.ErrCorruptedSnapshot {
		return
	}
	c.qmu.Lock()
	_, known := c.quarantined[id]
	c.quarantined[id] = err
	c.qmu.Unlock()
	if !known {
		log.WithField("campaign", id).WithError(err).Error("escrow: campaign quarantined")
	}
}

func (c *Coordinator) checkQuarantine(id string) error {
	c.qmu.RLock()
	cause, ok := c.quarantined[id]
	c.qmu.RUnlock()
	if ok {
		return errors.Wrapf(types.ErrQuarantined, "campaign %s: %v", id, cause)
	}
	return nil
}

func (c *Coordinator) load(id string) (camp *types.Campaign, err error) {
	if err = c.checkQuarantine(id); err != nil {
		return
	}
	if camp, _, err = c.store.Get(id); err != nil {
		c.quarantine(id, err)
	}
	return
}

// reload returns the latest snapshot, or fallback when it cannot be read.
func (c *Coordinator) reload(id string, fallback *types.Campaign) *types.Campaign {
	if camp, _, err := c.store.Get(id); err == nil {
		return camp
	}
	return fallback
}

// mutate applies fn to a fresh snapshot under the campaign lock and swaps it
// in. fn returning errNoChange ends the call successfully without a write.
// The returned snapshot is the written or, for errNoChange, the read one.
func (c *Coordinator) mutate(id string, fn func(camp *types.Campaign, now time.Time) error) (camp *types.Campaign, err error) {
	if err = c.checkQuarantine(id); err != nil {
		return
	}
	for i := 0; ; i++ {
		var (
			version uint64
			unlock  = c.locks.Lock(id)
		)
		camp, version, err = c.store.Get(id)
		if err != nil {
			unlock()
			c.quarantine(id, err)
			camp = nil
			return
		}
		now := c.now()
		if err = fn(camp, now); err != nil {
			unlock()
			if err == errNoChange {
				err = nil
			} else {
				camp = nil
			}
			return
		}
		camp.UpdatedAt = now
		if err = camp.CheckInvariants(); err != nil {
			unlock()
			log.WithField("campaign", id).WithError(err).Error("escrow: refuse to write inconsistent campaign")
			camp = nil
			return
		}
		version, err = c.store.CompareAndSwap(id, version, camp)
		unlock()
		if err == nil {
			camp.Version = version
			return
		}
		camp = nil
		if errors.Cause(err) != types.ErrConcurrentModification {
			return
		}
		if i >= c.cfg.MaxCASRetries {
			err = errors.Wrapf(types.ErrContention, "campaign %s: %v", id, err)
			return
		}
		if c.metrics != nil {
			c.metrics.CASRetries.Inc()
		}
	}
}

func (c *Coordinator) check(req interface{}) error {
	if err := c.validate.Struct(req); err != nil {
		return errors.WithMessage(types.ErrValidation, err.Error())
	}
	return nil
}

func (c *Coordinator) observe(operation string, err *error) {
	if c.metrics != nil {
		c.metrics.Request(operation, *err)
	}
}
