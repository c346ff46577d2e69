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

package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/CovenantSQL/escrow/chainbus"
	"github.com/CovenantSQL/escrow/ledger"
	"github.com/CovenantSQL/escrow/metric"
	"github.com/CovenantSQL/escrow/settlement"
	"github.com/CovenantSQL/escrow/types"
)

const testCampaign = "c1"

func seedCampaign(store ledger.Store) (opID string) {
	now := time.Now().UTC()
	c := &types.Campaign{
		ID:           testCampaign,
		Title:        "garden",
		Creator:      "alice",
		TargetAmount: 1000,
		Status:       types.CampaignDraft,
		Milestones: []*types.Milestone{
			{ID: 1, Title: "m1", TargetAmount: 600, RequiredApprovals: 1},
			{ID: 2, Title: "m2", TargetAmount: 400, RequiredApprovals: 1},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	op := c.NewOperation(types.CreateCampaignKey(c.ID), types.OpCreateCampaign, types.OperationPayload{
		CampaignID:     c.ID,
		Actor:          c.Creator,
		Amount:         c.TargetAmount,
		MilestoneCount: 2,
	}, now)
	if _, err := store.CompareAndSwap(c.ID, 0, c); err != nil {
		panic(err)
	}
	return op.ID
}

func addPledge(store ledger.Store, id, backer string, amount uint64) (opID string) {
	c, version, err := store.Get(testCampaign)
	if err != nil {
		panic(err)
	}
	now := time.Now().UTC()
	op := c.NewOperation(types.ContributeKey(c.ID, id), types.OpContribute, types.OperationPayload{
		CampaignID: c.ID,
		PledgeID:   id,
		Actor:      backer,
		Amount:     amount,
	}, now)
	c.Pledges = append(c.Pledges, &types.PledgeRecord{
		ID:             id,
		CampaignID:     c.ID,
		Backer:         backer,
		Amount:         amount,
		SettlementOpID: op.ID,
		Status:         types.PledgePending,
		CreatedAt:      now,
	})
	if _, err = store.CompareAndSwap(c.ID, version, c); err != nil {
		panic(err)
	}
	return op.ID
}

func loadOp(store ledger.Store, opID string) (*types.Campaign, *types.SettlementOperation) {
	c, _, err := store.Get(testCampaign)
	So(err, ShouldBeNil)
	op := c.Operation(opID)
	So(op, ShouldNotBeNil)
	return c, op
}

func newTestScheduler(cfg Config, store ledger.Store, gw settlement.Gateway, bus *chainbus.Bus) *Scheduler {
	s, err := New(cfg, Deps{
		Store:   store,
		Gateway: gw,
		Bus:     bus,
		Metrics: metric.New(),
	})
	So(err, ShouldBeNil)
	return s
}

func TestBackoff(t *testing.T) {
	Convey("backoff should double from the base interval and cap at the max", t, func() {
		cfg := Config{BaseInterval: time.Second, MaxInterval: 10 * time.Second}.withDefaults()
		So(cfg.Backoff(0), ShouldEqual, 0)
		So(cfg.Backoff(1), ShouldEqual, time.Second)
		So(cfg.Backoff(2), ShouldEqual, 2*time.Second)
		So(cfg.Backoff(3), ShouldEqual, 4*time.Second)
		So(cfg.Backoff(4), ShouldEqual, 8*time.Second)
		So(cfg.Backoff(5), ShouldEqual, 10*time.Second)
		So(cfg.Backoff(40), ShouldEqual, 10*time.Second)
	})
	Convey("zero config should take the defaults", t, func() {
		cfg := Config{}.withDefaults()
		So(cfg, ShouldResemble, DefaultConfig())
	})
}

func TestNew(t *testing.T) {
	Convey("scheduler requires a store and a gateway", t, func() {
		_, err := New(Config{}, Deps{})
		So(err, ShouldNotBeNil)
		_, err = New(Config{}, Deps{Store: ledger.NewMemStore()})
		So(err, ShouldNotBeNil)
	})
}

func TestFlush(t *testing.T) {
	Convey("Given a campaign with an outstanding create operation", t, func() {
		var (
			store = ledger.NewMemStore()
			gw    = settlement.NewMemGateway()
			bus   = chainbus.New()
			opID  = seedCampaign(store)
			ctx   = context.Background()
		)

		Convey("a confirmed poll should activate the campaign", func() {
			var events []chainbus.Event
			bus.Subscribe(chainbus.TopicConfirmed, func(ev chainbus.Event) {
				events = append(events, ev)
			})
			s := newTestScheduler(Config{}, store, gw, bus)
			So(s.Track(testCampaign, opID), ShouldBeTrue)
			So(s.Track(testCampaign, opID), ShouldBeFalse)
			So(s.Outstanding(), ShouldEqual, 1)

			So(s.Flush(ctx), ShouldEqual, 1)
			c, op := loadOp(store, opID)
			So(op.Status, ShouldEqual, types.OpConfirmed)
			So(op.TxHash, ShouldEqual, "tx-"+op.Ref)
			So(c.Status, ShouldEqual, types.CampaignActive)
			So(s.Outstanding(), ShouldEqual, 0)
			So(events, ShouldHaveLength, 1)
			So(events[0].OpID, ShouldEqual, opID)
			So(events[0].Kind, ShouldEqual, types.OpCreateCampaign)
			So(s.Flush(ctx), ShouldEqual, 0)
		})

		Convey("pending polls should count attempts and keep the operation submitted", func() {
			gw.SetOutcome(opID, settlement.Outcome{Status: settlement.Confirmed, After: 2})
			s := newTestScheduler(Config{}, store, gw, bus)
			s.Track(testCampaign, opID)

			s.Flush(ctx)
			_, op := loadOp(store, opID)
			So(op.Status, ShouldEqual, types.OpSubmitted)
			So(op.Attempts, ShouldEqual, 1)
			So(op.Ref, ShouldNotBeEmpty)

			s.Flush(ctx)
			_, op = loadOp(store, opID)
			So(op.Attempts, ShouldEqual, 2)

			s.Flush(ctx)
			c, op := loadOp(store, opID)
			So(op.Status, ShouldEqual, types.OpConfirmed)
			So(c.Status, ShouldEqual, types.CampaignActive)
			So(gw.Submits(opID), ShouldEqual, 1)
		})

		Convey("exhausted attempts should fail the operation with a timeout", func() {
			var failed []chainbus.Event
			bus.Subscribe(chainbus.TopicFailed, func(ev chainbus.Event) {
				failed = append(failed, ev)
			})
			gw.SetOutcome(opID, settlement.Outcome{Hold: true})
			s := newTestScheduler(Config{MaxAttempts: 3}, store, gw, bus)
			s.Track(testCampaign, opID)
			for i := 0; i < 3; i++ {
				s.Flush(ctx)
			}
			c, op := loadOp(store, opID)
			So(op.Status, ShouldEqual, types.OpFailed)
			So(op.Attempts, ShouldEqual, 3)
			So(op.LastError, ShouldContainSubstring, "settlement timed out after 3 attempts")
			So(c.Status, ShouldEqual, types.CampaignDraft)
			So(c.SettlementFailed, ShouldBeTrue)
			So(s.Outstanding(), ShouldEqual, 0)
			So(failed, ShouldHaveLength, 1)
		})

		Convey("a rejected operation should carry the settlement reason", func() {
			gw.SetOutcome(opID, settlement.Outcome{Status: settlement.Failed, Reason: "bad milestone count"})
			s := newTestScheduler(Config{}, store, gw, bus)
			s.Track(testCampaign, opID)
			s.Flush(ctx)
			c, op := loadOp(store, opID)
			So(op.Status, ShouldEqual, types.OpFailed)
			So(op.LastError, ShouldEqual, "settlement rejected: bad milestone count")
			So(c.FailureReason, ShouldEqual, op.LastError)
			So(c.Status, ShouldEqual, types.CampaignDraft)
		})

		Convey("poll errors should be retried", func() {
			gw.FailPolls(1)
			s := newTestScheduler(Config{}, store, gw, bus)
			s.Track(testCampaign, opID)
			s.Flush(ctx)
			_, op := loadOp(store, opID)
			So(op.Status, ShouldEqual, types.OpSubmitted)
			So(op.LastError, ShouldContainSubstring, "settlement layer unavailable")
			s.Flush(ctx)
			_, op = loadOp(store, opID)
			So(op.Status, ShouldEqual, types.OpConfirmed)
			So(op.LastError, ShouldBeEmpty)
		})
	})
}

func TestSubmit(t *testing.T) {
	Convey("Given a freshly recorded operation", t, func() {
		var (
			store = ledger.NewMemStore()
			gw    = settlement.NewMemGateway()
			opID  = seedCampaign(store)
			ctx   = context.Background()
		)
		s := newTestScheduler(Config{}, store, gw, nil)

		Convey("submit should record the reference and leave polling to the queue", func() {
			ref := s.Submit(ctx, testCampaign, opID)
			So(ref, ShouldEqual, "mem-1")
			_, op := loadOp(store, opID)
			So(op.Ref, ShouldEqual, ref)
			So(op.Status, ShouldEqual, types.OpSubmitted)
			So(s.Outstanding(), ShouldEqual, 1)
			So(s.Submit(ctx, testCampaign, opID), ShouldBeEmpty)

			s.Flush(ctx)
			_, op = loadOp(store, opID)
			So(op.Status, ShouldEqual, types.OpConfirmed)
			So(gw.Submits(opID), ShouldEqual, 1)
		})

		Convey("a failed submission should be queued for retry", func() {
			gw.FailSubmits(opID, 1)
			So(s.Submit(ctx, testCampaign, opID), ShouldBeEmpty)
			_, op := loadOp(store, opID)
			So(op.Ref, ShouldBeEmpty)
			So(op.Attempts, ShouldEqual, 1)
			So(op.LastError, ShouldContainSubstring, "submit")
			So(s.Outstanding(), ShouldEqual, 1)

			s.Flush(ctx)
			_, op = loadOp(store, opID)
			So(op.Status, ShouldEqual, types.OpConfirmed)
			So(gw.Submits(opID), ShouldEqual, 2)
			So(gw.Executions(opID), ShouldEqual, 1)
		})
	})
}

func TestRecover(t *testing.T) {
	Convey("operations found at start should be polled without a second submission", t, func() {
		var (
			store = ledger.NewMemStore()
			gw    = settlement.NewMemGateway()
			opID  = seedCampaign(store)
			ctx   = context.Background()
		)
		first := newTestScheduler(Config{}, store, gw, nil)
		So(first.Submit(ctx, testCampaign, opID), ShouldNotBeEmpty)
		first.Stop()

		second := newTestScheduler(Config{}, store, gw, nil)
		n, err := second.Recover()
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 1)
		second.Flush(ctx)
		c, op := loadOp(store, opID)
		So(op.Status, ShouldEqual, types.OpConfirmed)
		So(c.Status, ShouldEqual, types.CampaignActive)
		So(gw.Submits(opID), ShouldEqual, 1)
	})
	Convey("a corrupted campaign should be reported and skipped", t, func() {
		store := &corruptStore{MemStore: ledger.NewMemStore()}
		seedCampaign(store.MemStore)
		s := newTestScheduler(Config{}, store, settlement.NewMemGateway(), nil)
		var reported []string
		s.OnCorrupted(func(id string, err error) {
			reported = append(reported, id)
		})
		n, err := s.Recover()
		So(err, ShouldBeNil)
		So(n, ShouldEqual, 0)
		So(reported, ShouldResemble, []string{testCampaign})
	})
}

type corruptStore struct {
	*ledger.MemStore
}

func (s *corruptStore) Get(id string) (*types.Campaign, uint64, error) {
	return nil, 0, types.ErrCorruptedSnapshot
}

func TestConfirmIdempotence(t *testing.T) {
	Convey("Given two outstanding pledges", t, func() {
		var (
			store = ledger.NewMemStore()
			gw    = settlement.NewMemGateway()
		)
		seedCampaign(store)
		p1 := addPledge(store, "p1", "bob", 700)
		p2 := addPledge(store, "p2", "carol", 300)
		s := newTestScheduler(Config{}, store, gw, nil)

		Convey("a replayed confirmation should be applied once", func() {
			_, done := s.confirm(&item{campaignID: testCampaign, opID: p1}, "tx-a")
			So(done, ShouldBeTrue)
			_, done = s.confirm(&item{campaignID: testCampaign, opID: p1}, "tx-b")
			So(done, ShouldBeTrue)
			c, op := loadOp(store, p1)
			So(c.RaisedAmount, ShouldEqual, 700)
			So(op.TxHash, ShouldEqual, "tx-a")
			So(c.CheckInvariants(), ShouldBeNil)
		})

		Convey("confirmations in any order should reach the same balance", func() {
			s.confirm(&item{campaignID: testCampaign, opID: p2}, "tx-2")
			s.confirm(&item{campaignID: testCampaign, opID: p1}, "tx-1")
			c, _, err := store.Get(testCampaign)
			So(err, ShouldBeNil)
			So(c.RaisedAmount, ShouldEqual, 1000)
			So(c.Pledge("p1").Status, ShouldEqual, types.PledgeConfirmed)
			So(c.Pledge("p2").Status, ShouldEqual, types.PledgeConfirmed)
			So(c.CheckInvariants(), ShouldBeNil)
		})

		Convey("a rejection after confirmation should change nothing", func() {
			s.confirm(&item{campaignID: testCampaign, opID: p1}, "tx-1")
			s.reject(&item{campaignID: testCampaign, opID: p1}, "late")
			c, op := loadOp(store, p1)
			So(op.Status, ShouldEqual, types.OpConfirmed)
			So(c.RaisedAmount, ShouldEqual, 700)
		})
	})
}

func TestInconsistentCampaign(t *testing.T) {
	Convey("Given a campaign whose raised amount contradicts its pledges", t, func() {
		var (
			store = ledger.NewMemStore()
			gw    = settlement.NewMemGateway()
			opID  = seedCampaign(store)
			ctx   = context.Background()
		)
		c, version, err := store.Get(testCampaign)
		So(err, ShouldBeNil)
		c.RaisedAmount = 5
		version, err = store.CompareAndSwap(testCampaign, version, c)
		So(err, ShouldBeNil)

		Convey("reconciliation should not write to it", func() {
			s := newTestScheduler(Config{}, store, gw, nil)
			So(s.Track(testCampaign, opID), ShouldBeTrue)
			So(s.Flush(ctx), ShouldEqual, 1)

			c, op := loadOp(store, opID)
			So(c.Version, ShouldEqual, version)
			So(c.Status, ShouldEqual, types.CampaignDraft)
			So(op.Status.Terminal(), ShouldBeFalse)
			So(op.Ref, ShouldBeEmpty)
			So(s.Outstanding(), ShouldEqual, 1)
		})
	})
}

func TestStartStop(t *testing.T) {
	Convey("a started scheduler should settle operations in the background", t, func() {
		defer leaktest.Check(t)()

		var (
			store = ledger.NewMemStore()
			gw    = settlement.NewMemGateway()
			bus   = chainbus.New()
			opID  = seedCampaign(store)
			wg    sync.WaitGroup
		)
		p1 := addPledge(store, "p1", "bob", 500)
		gw.SetOutcome(p1, settlement.Outcome{Status: settlement.Confirmed, After: 2})

		wg.Add(2)
		bus.Subscribe(chainbus.TopicConfirmed, func(ev chainbus.Event) { wg.Done() })

		s := newTestScheduler(Config{
			Workers:      2,
			BaseInterval: 5 * time.Millisecond,
			MaxInterval:  20 * time.Millisecond,
		}, store, gw, bus)
		So(s.Start(), ShouldBeNil)
		So(s.Start(), ShouldNotBeNil)

		finished := make(chan struct{})
		go func() {
			wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(5 * time.Second):
		}
		s.Stop()
		s.Stop()

		c, op := loadOp(store, opID)
		So(op.Status, ShouldEqual, types.OpConfirmed)
		So(c.Status, ShouldEqual, types.CampaignActive)
		So(c.RaisedAmount, ShouldEqual, 500)
		So(s.Outstanding(), ShouldEqual, 0)
	})
	Convey("stop should leave outstanding operations in the ledger", t, func() {
		defer leaktest.Check(t)()

		store := ledger.NewMemStore()
		gw := settlement.NewMemGateway()
		opID := seedCampaign(store)
		gw.SetOutcome(opID, settlement.Outcome{Hold: true})

		s := newTestScheduler(Config{BaseInterval: time.Millisecond}, store, gw, nil)
		So(s.Start(), ShouldBeNil)
		time.Sleep(20 * time.Millisecond)
		s.Stop()

		_, op := loadOp(store, opID)
		So(op.Status, ShouldEqual, types.OpSubmitted)
		So(op.Ref, ShouldNotBeEmpty)
	})
}
