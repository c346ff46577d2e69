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
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/CovenantSQL/escrow/api"
	"github.com/CovenantSQL/escrow/chainbus"
	"github.com/CovenantSQL/escrow/conf"
	"github.com/CovenantSQL/escrow/escrow"
	"github.com/CovenantSQL/escrow/ledger"
	"github.com/CovenantSQL/escrow/metric"
	"github.com/CovenantSQL/escrow/reconciler"
	"github.com/CovenantSQL/escrow/utils"
	"github.com/CovenantSQL/escrow/utils/log"
)

const name = "cql-escrow"

var (
	version     = "unknown"
	listenAddr  string
	configFile  string
	logLevel    string
	showVersion bool
)

func init() {
	flag.StringVar(&listenAddr, "listen", "", "API listen addr (will override settings in config file)")
	flag.StringVar(&configFile, "config", "~/.escrow/config.yaml", "Configuration file for the escrow daemon")
	flag.StringVar(&logLevel, "log-level", "", "Log level (will override settings in config file)")
	flag.BoolVar(&showVersion, "version", false, "Show version information and exit")
}

func main() {
	flag.Parse()
	if showVersion {
		fmt.Printf("%v %v %v %v %v\n",
			name, version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		os.Exit(0)
	}

	flag.Visit(func(f *flag.Flag) {
		log.Infof("args %#v : %s", f.Name, f.Value)
	})

	cfg, err := conf.LoadConfig(configFile)
	if err != nil {
		log.WithError(err).Error("load escrow config failed")
		os.Exit(-1)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	log.SetStringLevel(cfg.LogLevel, log.InfoLevel)

	if err = run(cfg); err != nil {
		log.WithError(err).Error("escrow daemon failed")
		os.Exit(-1)
	}
}

func run(cfg *conf.Config) (err error) {
	store, err := openLedger(cfg.Ledger)
	if err != nil {
		return
	}
	defer store.Close()

	gw, err := openGateway(cfg.Settlement)
	if err != nil {
		return
	}
	defer gw.Close()

	var (
		bus     = chainbus.New()
		metrics = metric.New()
		locks   = ledger.NewKeyedMutex()
	)
	metrics.Bind(bus)

	sched, err := reconciler.New(reconcileConfig(cfg), reconciler.Deps{
		Store:   store,
		Locks:   locks,
		Gateway: gw,
		Bus:     bus,
		Metrics: metrics,
	})
	if err != nil {
		return
	}
	coord, err := escrow.New(escrow.Config{
		MaxCASRetries: cfg.MaxCASRetries,
		Network:       network(cfg.Settlement),
	}, escrow.Deps{
		Store:     store,
		Locks:     locks,
		Scheduler: sched,
		Metrics:   metrics,
	})
	if err != nil {
		return
	}
	metrics.Registry.MustRegister(metric.NewCampaignCollector(coord.Stats))

	if err = sched.Start(); err != nil {
		return
	}
	defer sched.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := api.NewRouter(coord, sched, api.Options{
		Metrics: metrics.Handler(),
		Debug:   metric.DebugHandler(ctx, 5*time.Second, sched.Outstanding),
	})

	var server *http.Server
	if server, err = api.StartServer(cfg.ListenAddr, handler); err != nil {
		return
	}
	log.WithFields(log.Fields{
		"addr":    server.Addr,
		"ledger":  cfg.Ledger.Engine,
		"gateway": cfg.Settlement.Gateway,
	}).Info("started escrow daemon")

	<-utils.WaitForExit()

	if err = api.StopServer(server); err != nil {
		log.WithError(err).Warning("stop api server failed")
		err = nil
	}
	log.Info("stopped escrow daemon")
	return
}
