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

package rpcgateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/CovenantSQL/escrow/settlement"
	"github.com/CovenantSQL/escrow/types"
)

func TestRelay(t *testing.T) {
	Convey("Given a relay serving an in-memory gateway", t, func() {
		mem := settlement.NewMemGateway()
		srv := httptest.NewServer(NewServer(mem))
		defer srv.Close()

		client := NewClient("ws" + strings.TrimPrefix(srv.URL, "http"))
		defer client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		op := &types.SettlementOperation{
			ID:   "contribute:c1:p1",
			Kind: types.OpContribute,
			Payload: types.OperationPayload{
				CampaignID: "c1", PledgeID: "p1", Actor: "b1", Amount: 400,
			},
		}

		Convey("submissions should be relayed idempotently", func() {
			ref, err := client.Submit(ctx, op)
			So(err, ShouldBeNil)
			So(ref, ShouldNotBeEmpty)
			again, err := client.Submit(ctx, op)
			So(err, ShouldBeNil)
			So(again, ShouldEqual, ref)
			So(mem.Submits(op.ID), ShouldEqual, 2)
			So(mem.Executions(op.ID), ShouldEqual, 1)
			So(mem.Accepted(types.OpContribute), ShouldEqual, 1)

			res, err := client.Poll(ctx, ref)
			So(err, ShouldBeNil)
			So(res.Status, ShouldEqual, settlement.Confirmed)
			So(res.TxHash, ShouldNotBeEmpty)
		})

		Convey("gateway errors should map back to sentinels", func() {
			mem.FailSubmits(op.ID, 1)
			_, err := client.Submit(ctx, op)
			So(errors.Cause(err), ShouldEqual, settlement.ErrUnavailable)

			_, err = client.Poll(ctx, "missing")
			So(errors.Cause(err), ShouldEqual, settlement.ErrUnknownRef)
		})

		Convey("rejections should carry the reason", func() {
			mem.SetOutcome(op.ID, settlement.Outcome{Status: settlement.Failed, Reason: "no trustline"})
			ref, err := client.Submit(ctx, op)
			So(err, ShouldBeNil)
			res, err := client.Poll(ctx, ref)
			So(err, ShouldBeNil)
			So(res.Status, ShouldEqual, settlement.Failed)
			So(res.Reason, ShouldEqual, "no trustline")
		})

		Convey("invalid methods should be rejected by the relay", func() {
			_, err := client.Submit(ctx, &types.SettlementOperation{ID: "x", Kind: types.OpKind(42)})
			So(err, ShouldNotBeNil)
		})

		Convey("a deadline should bound slow polls", func() {
			ref, err := client.Submit(ctx, op)
			So(err, ShouldBeNil)
			mem.SetPollDelay(time.Second)
			short, cancelShort := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancelShort()
			_, err = client.Poll(short, ref)
			So(err, ShouldNotBeNil)
		})
	})

	Convey("an unreachable relay should report unavailability", t, func() {
		client := NewClient("ws://127.0.0.1:1/")
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := client.Submit(ctx, &types.SettlementOperation{ID: "k", Kind: types.OpContribute})
		So(errors.Cause(err), ShouldEqual, settlement.ErrUnavailable)
	})
}
