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

package settlement

import (
	"strconv"

	"github.com/CovenantSQL/escrow/types"
)

// Arg is one typed contract call argument.
type Arg struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Params describes a contract call for a client that signs and submits it.
type Params struct {
	ContractID        string `json:"contractId"`
	Method            string `json:"method"`
	Args              []Arg  `json:"args"`
	NetworkPassphrase string `json:"networkPassphrase"`
	RPCURL            string `json:"rpcUrl"`
}

// Network identifies the deployed escrow contract.
type Network struct {
	ContractID string
	Passphrase string
	RPCURL     string
}

func u64(v uint64) Arg { return Arg{Type: "u64", Value: strconv.FormatUint(v, 10)} }
func str(v string) Arg { return Arg{Type: "string", Value: v} }
func address(v string) Arg { return Arg{Type: "address", Value: v} }

// Args returns the contract arguments of op in call order.
func Args(op *types.SettlementOperation) []Arg {
	p := op.Payload
	switch op.Kind {
	case types.OpCreateCampaign:
		return []Arg{str(p.CampaignID), address(p.Actor), str(p.Title), str(p.Description),
			u64(p.Amount), u64(p.MilestoneCount)}
	case types.OpCreateMilestone:
		return []Arg{str(p.CampaignID), u64(p.MilestoneID), str(p.Description),
			u64(p.Amount), u64(uint64(p.RequiredApprovals))}
	case types.OpContribute:
		return []Arg{str(p.CampaignID), address(p.Actor), u64(p.Amount)}
	case types.OpApproveMilestone:
		return []Arg{str(p.CampaignID), u64(p.MilestoneID), address(p.Actor)}
	case types.OpReleaseMilestone:
		return []Arg{str(p.CampaignID), u64(p.MilestoneID), address(p.Actor)}
	default:
		return nil
	}
}

// Params builds the signing parameters of op on network n.
func (n Network) Params(op *types.SettlementOperation) *Params {
	return &Params{
		ContractID:        n.ContractID,
		Method:            op.Kind.Method(),
		Args:              Args(op),
		NetworkPassphrase: n.Passphrase,
		RPCURL:            n.RPCURL,
	}
}
