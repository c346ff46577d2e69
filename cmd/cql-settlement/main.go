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

// cql-settlement serves the embedded development settlement layer to escrow
// daemons configured with the rpc gateway.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/CovenantSQL/escrow/api"
	"github.com/CovenantSQL/escrow/settlement/localchain"
	"github.com/CovenantSQL/escrow/settlement/rpcgateway"
	"github.com/CovenantSQL/escrow/utils"
	"github.com/CovenantSQL/escrow/utils/log"
)

const name = "cql-settlement"

var (
	version      = "unknown"
	listenAddr   string
	dataDir      string
	confirmAfter uint
	logLevel     string
	showVersion  bool
)

func init() {
	flag.StringVar(&listenAddr, "listen", "127.0.0.1:15152", "Websocket listen addr of the settlement relay")
	flag.StringVar(&dataDir, "data", "~/.escrow/settlement", "Directory of the local chain state")
	flag.UintVar(&confirmAfter, "confirm-after", 1, "Polls answered pending before an operation settles")
	flag.StringVar(&logLevel, "log-level", "info", "Log level")
	flag.BoolVar(&showVersion, "version", false, "Show version information and exit")
}

func main() {
	flag.Parse()
	if showVersion {
		fmt.Printf("%v %v %v %v %v\n",
			name, version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		os.Exit(0)
	}
	log.SetStringLevel(logLevel, log.InfoLevel)

	chain, err := localchain.Open(utils.HomeDirExpand(dataDir), uint32(confirmAfter))
	if err != nil {
		log.WithError(err).Fatal("open local chain failed")
	}
	defer chain.Close()

	server, err := api.StartServer(listenAddr, rpcgateway.NewServer(chain))
	if err != nil {
		log.WithError(err).Error("start settlement relay failed")
		return
	}
	log.WithFields(log.Fields{
		"addr":          server.Addr,
		"confirm_after": confirmAfter,
	}).Info("started settlement relay")

	<-utils.WaitForExit()

	if err = api.StopServer(server); err != nil {
		log.WithError(err).Warning("stop settlement relay failed")
	}
	log.Info("stopped settlement relay")
}
