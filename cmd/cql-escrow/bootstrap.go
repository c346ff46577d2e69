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
	"io"

	"github.com/pkg/errors"

	"github.com/CovenantSQL/escrow/conf"
	"github.com/CovenantSQL/escrow/ledger"
	"github.com/CovenantSQL/escrow/reconciler"
	"github.com/CovenantSQL/escrow/settlement"
	"github.com/CovenantSQL/escrow/settlement/localchain"
	"github.com/CovenantSQL/escrow/settlement/rpcgateway"
	"github.com/CovenantSQL/escrow/utils"
)

type gateway interface {
	settlement.Gateway
	io.Closer
}

type memGateway struct {
	*settlement.MemGateway
}

func (memGateway) Close() error { return nil }

func openLedger(cfg conf.LedgerConfig) (store ledger.Store, err error) {
	switch cfg.Engine {
	case conf.EngineMemory:
		store = ledger.NewMemStore()
	case conf.EngineSQLite, conf.EngineBolt:
		if err = utils.EnsureParentDir(cfg.Path); err != nil {
			err = errors.Wrap(err, "create ledger directory failed")
			return
		}
		if cfg.Engine == conf.EngineSQLite {
			store, err = ledger.OpenSQLiteStore(cfg.Path)
		} else {
			store, err = ledger.OpenBoltStore(cfg.Path)
		}
		if err != nil {
			return
		}
	default:
		err = errors.Errorf("unknown ledger engine %q", cfg.Engine)
		return
	}
	if cfg.CacheSize > 0 {
		var cached *ledger.CachedStore
		if cached, err = ledger.NewCachedStore(store, cfg.CacheSize); err != nil {
			store.Close()
			return
		}
		store = cached
	}
	return
}

func openGateway(cfg conf.SettlementConfig) (gw gateway, err error) {
	switch cfg.Gateway {
	case conf.GatewayMemory:
		gw = memGateway{settlement.NewMemGateway()}
	case conf.GatewayLocal:
		gw, err = localchain.Open(cfg.LocalPath, cfg.ConfirmAfter)
	case conf.GatewayRPC:
		gw = rpcgateway.NewClient(cfg.Endpoint).WithHandshakeTimeout(cfg.CallTimeout)
	default:
		err = errors.Errorf("unknown settlement gateway %q", cfg.Gateway)
	}
	return
}

func reconcileConfig(cfg *conf.Config) reconciler.Config {
	return reconciler.Config{
		Workers:       cfg.Reconcile.Workers,
		QueueSize:     cfg.Reconcile.QueueSize,
		BaseInterval:  cfg.Reconcile.BaseInterval,
		MaxInterval:   cfg.Reconcile.MaxInterval,
		MaxAttempts:   cfg.Reconcile.MaxAttempts,
		PollTimeout:   cfg.Reconcile.PollTimeout,
		MaxCASRetries: cfg.MaxCASRetries,
	}
}

func network(cfg conf.SettlementConfig) settlement.Network {
	return settlement.Network{
		ContractID: cfg.ContractID,
		Passphrase: cfg.Network,
		RPCURL:     cfg.RPCURL,
	}
}
