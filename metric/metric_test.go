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

package metric

import (
	"context"
	"errors"
	"io/ioutil"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/CovenantSQL/escrow/chainbus"
	"github.com/CovenantSQL/escrow/types"
)

func TestMetrics(t *testing.T) {
	Convey("Given coordinator metrics bound to a bus", t, func() {
		m := New()
		bus := chainbus.New()
		m.Bind(bus)

		Convey("requests and settlements should be counted", func() {
			m.Request("pledge", nil)
			m.Request("pledge", errors.New("x"))
			m.Request("pledge", nil)
			So(testutil.ToFloat64(m.Requests.WithLabelValues("pledge", "ok")), ShouldEqual, 2)
			So(testutil.ToFloat64(m.Requests.WithLabelValues("pledge", "error")), ShouldEqual, 1)

			bus.Publish(chainbus.TopicConfirmed, chainbus.Event{Kind: types.OpContribute, Status: types.OpConfirmed})
			bus.Publish(chainbus.TopicFailed, chainbus.Event{Kind: types.OpReleaseMilestone, Status: types.OpFailed})
			So(testutil.ToFloat64(m.Settlements.WithLabelValues("Contribute", "Confirmed")), ShouldEqual, 1)
			So(testutil.ToFloat64(m.Settlements.WithLabelValues("ReleaseMilestone", "Failed")), ShouldEqual, 1)
		})

		Convey("the campaign collector should export ledger gauges", func() {
			m.Registry.MustRegister(NewCampaignCollector(func() CampaignStats {
				return CampaignStats{
					ByStatus:    map[types.CampaignStatus]int{types.CampaignActive: 2},
					Quarantined: 1,
					Raised:      1200,
				}
			}))
			m.ObserveSettle(time.Now().Add(-time.Second))

			rec := httptest.NewRecorder()
			m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
			body, err := ioutil.ReadAll(rec.Body)
			So(err, ShouldBeNil)
			So(string(body), ShouldContainSubstring, `escrow_campaigns{status="Active"} 2`)
			So(string(body), ShouldContainSubstring, "escrow_quarantined_campaigns 1")
			So(string(body), ShouldContainSubstring, "escrow_raised_amount 1200")
			So(string(body), ShouldContainSubstring, "escrow_settle_seconds_count 1")
		})
	})

	Convey("the debug page should render", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		h := DebugHandler(ctx, time.Hour, func() int { return 3 })
		RecordSettled()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/debug/metrics", nil))
		So(rec.Code, ShouldEqual, 200)
	})
}
