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
	"expvar"
	"net/http"
	"runtime"
	"sync"
	"time"

	mw "github.com/zserge/metric"
)

const mb = 1 << 20

var publishOnce sync.Once

func publish() {
	expvar.Publish("go:numgoroutine", mw.NewGauge("1m1s", "5m5s", "1h1m"))
	expvar.Publish("go:alloc", mw.NewGauge("1m1s", "5m5s", "1h1m"))
	expvar.Publish("escrow:outstanding", mw.NewGauge("1m1s", "5m5s", "1h1m"))
	expvar.Publish("escrow:settled", mw.NewCounter("5m1s", "1h1m"))
}

// RecordSettled adds one terminal settlement to the /debug/metrics counter.
func RecordSettled() {
	publishOnce.Do(publish)
	expvar.Get("escrow:settled").(mw.Metric).Add(1)
}

// DebugHandler samples runtime gauges and the outstanding operation count
// every interval until ctx is done, and returns the /debug/metrics page.
func DebugHandler(ctx context.Context, interval time.Duration, outstanding func() int) http.Handler {
	publishOnce.Do(publish)
	sample := func() {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		expvar.Get("go:numgoroutine").(mw.Metric).Add(float64(runtime.NumGoroutine()))
		expvar.Get("go:alloc").(mw.Metric).Add(float64(m.Alloc) / mb)
		expvar.Get("escrow:outstanding").(mw.Metric).Add(float64(outstanding()))
	}
	sample()
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				sample()
			}
		}
	}()
	return mw.Handler(mw.Exposed)
}
