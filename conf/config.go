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

// Package conf loads the escrow daemon configuration.
package conf

import (
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	validator "gopkg.in/go-playground/validator.v9"
	yaml "gopkg.in/yaml.v2"

	"github.com/CovenantSQL/escrow/utils"
	"github.com/CovenantSQL/escrow/utils/log"
)

// Ledger engines.
const (
	EngineBolt   = "bolt"
	EngineSQLite = "sqlite"
	EngineMemory = "memory"
)

// Settlement gateways.
const (
	GatewayLocal  = "local"
	GatewayRPC    = "rpc"
	GatewayMemory = "memory"
)

// ErrInvalidConfig represents a config file the daemon cannot run with.
var ErrInvalidConfig = errors.New("invalid escrow config")

// LedgerConfig selects and tunes the campaign ledger.
type LedgerConfig struct {
	Engine string `yaml:"Engine" validate:"omitempty,oneof=bolt sqlite memory"`
	Path   string `yaml:"Path"`
	// CacheSize enables an LRU read cache of that many campaigns.
	CacheSize int `yaml:"CacheSize" validate:"gte=0"`
}

// SettlementConfig selects the settlement gateway and the deployed contract.
type SettlementConfig struct {
	Gateway      string        `yaml:"Gateway" validate:"omitempty,oneof=local rpc memory"`
	Endpoint     string        `yaml:"Endpoint"` // websocket url of the settlement relay
	LocalPath    string        `yaml:"LocalPath"`
	ConfirmAfter uint32        `yaml:"ConfirmAfter"`
	ContractID   string        `yaml:"ContractID"`
	Network      string        `yaml:"Network"`
	RPCURL       string        `yaml:"RPCURL"`
	CallTimeout  time.Duration `yaml:"CallTimeout"`
}

// ReconcileConfig tunes the reconciliation scheduler.
type ReconcileConfig struct {
	Workers      int           `yaml:"Workers" validate:"gte=0"`
	QueueSize    int           `yaml:"QueueSize" validate:"gte=0"`
	BaseInterval time.Duration `yaml:"BaseInterval"`
	MaxInterval  time.Duration `yaml:"MaxInterval"`
	MaxAttempts  uint32        `yaml:"MaxAttempts"`
	PollTimeout  time.Duration `yaml:"PollTimeout"`
}

// Config defines the escrow daemon options.
type Config struct {
	ListenAddr    string           `yaml:"ListenAddr" validate:"required"`
	LogLevel      string           `yaml:"LogLevel"`
	MaxCASRetries int              `yaml:"MaxCASRetries" validate:"gte=0"`
	Ledger        LedgerConfig     `yaml:"Ledger"`
	Settlement    SettlementConfig `yaml:"Settlement"`
	Reconcile     ReconcileConfig  `yaml:"Reconcile"`
}

type confWrapper struct {
	Escrow *Config `yaml:"Escrow"`
}

// LoadConfig reads the Escrow section of the yaml file at configPath.
func LoadConfig(configPath string) (config *Config, err error) {
	var configBytes []byte
	if configBytes, err = ioutil.ReadFile(utils.HomeDirExpand(configPath)); err != nil {
		log.WithError(err).Error("read config file failed")
		return
	}
	return ParseConfig(configBytes)
}

// ParseConfig parses and validates a yaml document with an Escrow section.
// Missing optional values are defaulted with a warning.
func ParseConfig(configBytes []byte) (config *Config, err error) {
	configWrapper := &confWrapper{}
	if err = yaml.Unmarshal(configBytes, configWrapper); err != nil {
		log.WithError(err).Error("unmarshal config file failed")
		return
	}

	if configWrapper.Escrow == nil {
		err = ErrInvalidConfig
		log.WithError(err).Error("could not read escrow config")
		return
	}
	config = configWrapper.Escrow

	if verr := validator.New().Struct(config); verr != nil {
		err = errors.WithMessage(ErrInvalidConfig, verr.Error())
		log.WithError(verr).Error("validate escrow config failed")
		config = nil
		return
	}

	if config.Ledger.Engine == "" {
		log.Warning("Ledger.Engine is not defined, bolt assumed")
		config.Ledger.Engine = EngineBolt
	}
	if config.Ledger.Engine != EngineMemory {
		if config.Ledger.Path == "" {
			log.Warning("Ledger.Path is not defined, ~/.escrow/ledger.db assumed")
			config.Ledger.Path = "~/.escrow/ledger.db"
		}
		config.Ledger.Path = utils.HomeDirExpand(config.Ledger.Path)
	}

	switch config.Settlement.Gateway {
	case "":
		log.Warning("Settlement.Gateway is not defined, local assumed")
		config.Settlement.Gateway = GatewayLocal
		fallthrough
	case GatewayLocal:
		if config.Settlement.LocalPath == "" {
			log.Warning("Settlement.LocalPath is not defined, ~/.escrow/settlement assumed")
			config.Settlement.LocalPath = "~/.escrow/settlement"
		}
		config.Settlement.LocalPath = utils.HomeDirExpand(config.Settlement.LocalPath)
	case GatewayRPC:
		if config.Settlement.Endpoint == "" {
			err = ErrInvalidConfig
			log.Error("Settlement.Endpoint is required by the rpc gateway")
			config = nil
			return
		}
	}
	if config.Settlement.CallTimeout <= 0 {
		config.Settlement.CallTimeout = 10 * time.Second
	}

	if config.Reconcile.BaseInterval > 0 && config.Reconcile.MaxInterval > 0 &&
		config.Reconcile.MaxInterval < config.Reconcile.BaseInterval {
		log.Warning("Reconcile.MaxInterval is below BaseInterval, BaseInterval assumed")
		config.Reconcile.MaxInterval = config.Reconcile.BaseInterval
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	return
}
