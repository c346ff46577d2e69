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

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

var epoch = time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC)

func newTestCampaign() *Campaign {
	c := &Campaign{
		ID:           "c1",
		Title:        "solar",
		Creator:      "owner",
		TargetAmount: 1000,
		Status:       CampaignDraft,
		Milestones: []*Milestone{
			{ID: 1, Title: "m1", TargetAmount: 600, RequiredApprovals: 2},
			{ID: 2, Title: "m2", TargetAmount: 400, RequiredApprovals: 1},
		},
		CreatedAt: epoch,
	}
	c.NewOperation(CreateCampaignKey(c.ID), OpCreateCampaign, OperationPayload{CampaignID: c.ID}, epoch)
	return c
}

func (c *Campaign) testPledge(id, backer string, amount uint64) *SettlementOperation {
	op := c.NewOperation(ContributeKey(c.ID, id), OpContribute,
		OperationPayload{CampaignID: c.ID, PledgeID: id, Actor: backer, Amount: amount}, epoch)
	c.Pledges = append(c.Pledges, &PledgeRecord{
		ID: id, CampaignID: c.ID, Backer: backer, Amount: amount, SettlementOpID: op.ID,
	})
	return op
}

func (c *Campaign) testApprove(mid uint64, backer string) *SettlementOperation {
	return c.NewOperation(ApproveKey(c.ID, mid, backer), OpApproveMilestone,
		OperationPayload{CampaignID: c.ID, MilestoneID: mid, Actor: backer}, epoch)
}

func (c *Campaign) testRelease(mid uint64) *SettlementOperation {
	m := c.Milestone(mid)
	return c.NewOperation(ReleaseKey(c.ID, mid), OpReleaseMilestone,
		OperationPayload{CampaignID: c.ID, MilestoneID: mid, Actor: c.Creator, Amount: m.TargetAmount}, epoch)
}

func mustConfirm(c *Campaign, op *SettlementOperation) {
	applied, err := c.ApplyConfirmed(op.ID, "tx-"+op.ID, epoch)
	So(err, ShouldBeNil)
	So(applied, ShouldBeTrue)
	So(c.CheckInvariants(), ShouldBeNil)
}

func TestApplyConfirmed(t *testing.T) {
	Convey("Given a draft campaign", t, func() {
		c := newTestCampaign()
		So(c.CheckInvariants(), ShouldBeNil)

		Convey("confirming the create operation activates it exactly once", func() {
			mustConfirm(c, c.Operations[0])
			So(c.Status, ShouldEqual, CampaignActive)
			So(c.Operations[0].TxHash, ShouldEqual, "tx-create:c1")

			applied, err := c.ApplyConfirmed(c.Operations[0].ID, "again", epoch)
			So(err, ShouldBeNil)
			So(applied, ShouldBeFalse)
			So(c.Operations[0].TxHash, ShouldEqual, "tx-create:c1")
		})

		Convey("pledges only count once confirmed", func() {
			mustConfirm(c, c.Operations[0])
			p1 := c.testPledge("p1", "b1", 400)
			p2 := c.testPledge("p2", "b2", 400)
			So(c.RaisedAmount, ShouldEqual, 0)
			mustConfirm(c, p1)
			So(c.RaisedAmount, ShouldEqual, 400)
			So(c.ApplyFailed(p2.ID, "insufficient funds", epoch), ShouldBeTrue)
			So(c.Pledge("p2").Status, ShouldEqual, PledgeFailed)
			So(c.RaisedAmount, ShouldEqual, 400)
			So(c.CheckInvariants(), ShouldBeNil)

			Convey("a late confirmation of a failed pledge is ignored", func() {
				applied, err := c.ApplyConfirmed(p2.ID, "late", epoch)
				So(err, ShouldBeNil)
				So(applied, ShouldBeFalse)
				So(c.RaisedAmount, ShouldEqual, 400)
			})
		})

		Convey("approvals reach quorum and release debits the raised amount", func() {
			mustConfirm(c, c.Operations[0])
			mustConfirm(c, c.testPledge("p1", "b1", 400))
			mustConfirm(c, c.testPledge("p2", "b2", 400))
			mustConfirm(c, c.testPledge("p3", "b3", 400))
			So(c.RaisedAmount, ShouldEqual, 1200)

			mustConfirm(c, c.testApprove(1, "b1"))
			So(c.Milestone(1).Status, ShouldEqual, MilestonePending)
			mustConfirm(c, c.testApprove(1, "b2"))
			So(c.Milestone(1).Status, ShouldEqual, MilestoneApproved)

			rel := c.testRelease(1)
			So(c.AvailableBalance(), ShouldEqual, 600)
			So(c.InFlightRelease(1), ShouldEqual, rel)

			mustConfirm(c, c.testApprove(1, "b3"))
			So(c.Milestone(1).Status, ShouldEqual, MilestoneApproved)
			So(c.Milestone(1).Approvers, ShouldResemble, []string{"b1", "b2", "b3"})

			mustConfirm(c, rel)
			So(c.Milestone(1).Status, ShouldEqual, MilestoneReleased)
			So(c.Milestone(1).ReleasedAmount, ShouldEqual, 600)
			So(c.RaisedAmount, ShouldEqual, 600)
			So(c.InFlightRelease(1), ShouldBeNil)
			So(c.Status, ShouldEqual, CampaignActive)

			Convey("releasing the last milestone closes the campaign", func() {
				mustConfirm(c, c.testApprove(2, "b1"))
				mustConfirm(c, c.testRelease(2))
				So(c.RaisedAmount, ShouldEqual, 200)
				So(c.Status, ShouldEqual, CampaignClosed)
				So(c.CloseReason, ShouldEqual, closeReasonAllReleased)
			})
		})

		Convey("a release of an unapproved milestone cannot be applied", func() {
			rel := c.testRelease(1)
			_, err := c.ApplyConfirmed(rel.ID, "tx", epoch)
			So(errors.Cause(err), ShouldEqual, ErrStateConflict)
			So(rel.Status, ShouldEqual, OpSubmitted)
		})
	})
}

func TestApplyFailed(t *testing.T) {
	Convey("Given a campaign with failing operations", t, func() {
		c := newTestCampaign()

		Convey("a failed create marks the campaign and keeps it draft", func() {
			So(c.ApplyFailed(c.Operations[0].ID, "rejected", epoch), ShouldBeTrue)
			So(c.Status, ShouldEqual, CampaignDraft)
			So(c.SettlementFailed, ShouldBeTrue)
			So(c.FailureReason, ShouldEqual, "rejected")
			So(c.ApplyFailed(c.Operations[0].ID, "twice", epoch), ShouldBeFalse)
			So(c.FailureReason, ShouldEqual, "rejected")
		})

		Convey("a failed release keeps the milestone approved and allows a new key", func() {
			mustConfirm(c, c.Operations[0])
			mustConfirm(c, c.testPledge("p1", "b1", 700))
			mustConfirm(c, c.testApprove(2, "b1"))
			rel := c.testRelease(2)
			So(c.ApplyFailed(rel.ID, "timeout", epoch), ShouldBeTrue)
			m := c.Milestone(2)
			So(m.Status, ShouldEqual, MilestoneApproved)
			So(m.SettlementFailed, ShouldBeTrue)
			So(c.RaisedAmount, ShouldEqual, 700)
			So(c.InFlightRelease(2), ShouldBeNil)

			retry := c.testRelease(2)
			So(retry.ID, ShouldEqual, ReleaseKey(c.ID, 2)+":1")
			So(c.LatestOperation(ReleaseKey(c.ID, 2)), ShouldEqual, retry)
			mustConfirm(c, retry)
			So(m.SettlementFailed, ShouldBeFalse)
			So(c.RaisedAmount, ShouldEqual, 300)
		})

		Convey("a failed approval never changes the approver set", func() {
			op := c.testApprove(1, "b1")
			So(c.ApplyFailed(op.ID, "rejected", epoch), ShouldBeTrue)
			So(c.Milestone(1).Approvers, ShouldBeEmpty)
			So(c.Milestone(1).FailureReason, ShouldContainSubstring, "b1")
		})
	})
}

func TestCheckInvariants(t *testing.T) {
	Convey("corrupted aggregates should be detected", t, func() {
		c := newTestCampaign()
		c.RaisedAmount = 5
		So(errors.Cause(c.CheckInvariants()), ShouldEqual, ErrInvariant)

		c = newTestCampaign()
		c.Milestones[0].Approvers = []string{"b", "a"}
		So(errors.Cause(c.CheckInvariants()), ShouldEqual, ErrInvariant)

		c = newTestCampaign()
		c.Milestones[1].Status = MilestoneApproved
		So(errors.Cause(c.CheckInvariants()), ShouldEqual, ErrInvariant)

		c = newTestCampaign()
		c.Operations = append(c.Operations, c.Operations[0])
		So(errors.Cause(c.CheckInvariants()), ShouldEqual, ErrInvariant)
	})
}

func TestStatusNames(t *testing.T) {
	Convey("statuses should render by name", t, func() {
		So(CampaignActive.String(), ShouldEqual, "Active")
		So(MilestoneReleased.String(), ShouldEqual, "Released")
		So(PledgeFailed.String(), ShouldEqual, "Failed")
		So(OpReleaseMilestone.Method(), ShouldEqual, "release_milestone")
		So(OpConfirmed.Terminal(), ShouldBeTrue)
		So(OpSubmitted.Terminal(), ShouldBeFalse)

		out, err := json.Marshal(map[string]interface{}{"s": MilestoneApproved})
		So(err, ShouldBeNil)
		So(string(out), ShouldEqual, `{"s":"Approved"}`)
	})
}
