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

package main

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/CovenantSQL/escrow/conf"
	"github.com/CovenantSQL/escrow/ledger"
)

func TestBootstrap(t *testing.T) {
	Convey("Given a temporary data directory", t, func() {
		dir, err := ioutil.TempDir("", "cql-escrow")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)

		Convey("every ledger engine should open", func() {
			for _, engine := range []string{conf.EngineMemory, conf.EngineBolt, conf.EngineSQLite} {
				store, err := openLedger(conf.LedgerConfig{
					Engine: engine,
					Path:   filepath.Join(dir, engine, "ledger.db"),
				})
				So(err, ShouldBeNil)
				ids, err := store.IDs()
				So(err, ShouldBeNil)
				So(ids, ShouldBeEmpty)
				So(store.Close(), ShouldBeNil)
			}
		})

		Convey("a cache size should wrap the ledger", func() {
			store, err := openLedger(conf.LedgerConfig{Engine: conf.EngineMemory, CacheSize: 8})
			So(err, ShouldBeNil)
			_, ok := store.(*ledger.CachedStore)
			So(ok, ShouldBeTrue)
		})

		Convey("unknown engines and gateways should be refused", func() {
			_, err := openLedger(conf.LedgerConfig{Engine: "mongo"})
			So(err, ShouldNotBeNil)
			_, err = openGateway(conf.SettlementConfig{Gateway: "carrier-pigeon"})
			So(err, ShouldNotBeNil)
		})

		Convey("every gateway should open", func() {
			gw, err := openGateway(conf.SettlementConfig{Gateway: conf.GatewayMemory})
			So(err, ShouldBeNil)
			So(gw.Close(), ShouldBeNil)

			gw, err = openGateway(conf.SettlementConfig{
				Gateway: conf.GatewayLocal, LocalPath: filepath.Join(dir, "chain"), ConfirmAfter: 1,
			})
			So(err, ShouldBeNil)
			So(gw.Close(), ShouldBeNil)

			gw, err = openGateway(conf.SettlementConfig{Gateway: conf.GatewayRPC, Endpoint: "ws://127.0.0.1:1/"})
			So(err, ShouldBeNil)
			So(gw.Close(), ShouldBeNil)
		})

		Convey("reconcile settings should be carried over", func() {
			cfg := &conf.Config{MaxCASRetries: 3}
			cfg.Reconcile.Workers = 2
			cfg.Reconcile.BaseInterval = time.Second
			rc := reconcileConfig(cfg)
			So(rc.Workers, ShouldEqual, 2)
			So(rc.BaseInterval, ShouldEqual, time.Second)
			So(rc.MaxCASRetries, ShouldEqual, 3)
			So(network(conf.SettlementConfig{ContractID: "C1"}).ContractID, ShouldEqual, "C1")
		})
	})
}
