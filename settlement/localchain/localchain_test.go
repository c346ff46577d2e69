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

package localchain

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/CovenantSQL/escrow/settlement"
	"github.com/CovenantSQL/escrow/types"
)

func op(key string, kind types.OpKind, p types.OperationPayload) *types.SettlementOperation {
	p.CampaignID = "c1"
	return &types.SettlementOperation{ID: key, CampaignID: "c1", Kind: kind, Payload: p}
}

func settle(ctx context.Context, c *Chain, o *types.SettlementOperation) settlement.Result {
	ref, err := c.Submit(ctx, o)
	So(err, ShouldBeNil)
	for {
		res, err := c.Poll(ctx, ref)
		So(err, ShouldBeNil)
		if res.Status != settlement.Pending {
			return res
		}
	}
}

func TestChain(t *testing.T) {
	Convey("Given a local chain", t, func() {
		dir, err := ioutil.TempDir("", "escrow-localchain")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)
		path := filepath.Join(dir, "chain")
		c, err := Open(path, 1)
		So(err, ShouldBeNil)
		defer c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		Convey("operations before registration should fail", func() {
			res := settle(ctx, c, op("contribute:c1:p0", types.OpContribute,
				types.OperationPayload{Actor: "b1", Amount: 10}))
			So(res.Status, ShouldEqual, settlement.Failed)
			So(res.Reason, ShouldEqual, "campaign not registered")
		})

		Convey("a full campaign lifecycle should settle", func() {
			So(settle(ctx, c, op("create:c1", types.OpCreateCampaign,
				types.OperationPayload{Actor: "owner", Amount: 1000, MilestoneCount: 1})).Status,
				ShouldEqual, settlement.Confirmed)
			So(settle(ctx, c, op("milestone:c1:1", types.OpCreateMilestone,
				types.OperationPayload{MilestoneID: 1, Amount: 600, RequiredApprovals: 1})).Status,
				ShouldEqual, settlement.Confirmed)

			release := op("release:c1:1", types.OpReleaseMilestone,
				types.OperationPayload{MilestoneID: 1, Actor: "owner", Amount: 600})
			res := settle(ctx, c, release)
			So(res.Status, ShouldEqual, settlement.Failed)
			So(res.Reason, ShouldEqual, "approval quorum not reached")

			So(settle(ctx, c, op("contribute:c1:p1", types.OpContribute,
				types.OperationPayload{Actor: "b1", Amount: 700})).Status, ShouldEqual, settlement.Confirmed)
			So(settle(ctx, c, op("approve:c1:1:b1", types.OpApproveMilestone,
				types.OperationPayload{MilestoneID: 1, Actor: "b1"})).Status, ShouldEqual, settlement.Confirmed)

			res = settle(ctx, c, op("approve:c1:1:b1:1", types.OpApproveMilestone,
				types.OperationPayload{MilestoneID: 1, Actor: "b1"}))
			So(res.Reason, ShouldEqual, "already approved")

			res = settle(ctx, c, op("release:c1:1:1", types.OpReleaseMilestone,
				types.OperationPayload{MilestoneID: 1, Actor: "owner", Amount: 600}))
			So(res.Status, ShouldEqual, settlement.Confirmed)
			So(res.TxHash, ShouldNotBeEmpty)

			Convey("resubmitting a key should return the same reference without re-executing", func() {
				ref1, err := c.Submit(ctx, op("release:c1:1:1", types.OpReleaseMilestone,
					types.OperationPayload{MilestoneID: 1, Actor: "owner", Amount: 600}))
				So(err, ShouldBeNil)
				again, err := c.Poll(ctx, ref1)
				So(err, ShouldBeNil)
				So(again.Status, ShouldEqual, settlement.Confirmed)
			})

			Convey("state should survive a restart", func() {
				So(c.Close(), ShouldBeNil)
				c2, err := Open(path, 0)
				So(err, ShouldBeNil)
				defer c2.Close()
				res := settle(ctx, c2, op("release:c1:1:2", types.OpReleaseMilestone,
					types.OperationPayload{MilestoneID: 1, Actor: "owner", Amount: 600}))
				So(res.Status, ShouldEqual, settlement.Failed)
				So(res.Reason, ShouldEqual, "milestone already released")

				ref, err := c2.Submit(ctx, op("create:c1", types.OpCreateCampaign, types.OperationPayload{}))
				So(err, ShouldBeNil)
				So(ref, ShouldEqual, "lc-00000001")
			})
		})

		Convey("unknown references and closed chains should error", func() {
			_, err := c.Poll(ctx, "lc-404")
			So(errors.Cause(err), ShouldEqual, settlement.ErrUnknownRef)
			So(c.Close(), ShouldBeNil)
			_, err = c.Submit(ctx, op("x", types.OpContribute, types.OperationPayload{}))
			So(err, ShouldEqual, ErrClosed)
		})
	})
}
