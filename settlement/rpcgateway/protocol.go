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

// Package rpcgateway carries settlement.Gateway calls over JSON-RPC 2.0 on a
// websocket, so the coordinator can talk to a remote signing relay.
package rpcgateway

import (
	"github.com/sourcegraph/jsonrpc2"

	"github.com/CovenantSQL/escrow/settlement"
	"github.com/CovenantSQL/escrow/types"
)

const (
	// MethodSubmit submits an operation.
	MethodSubmit = "settlement_submit"
	// MethodPoll polls a submitted operation.
	MethodPoll = "settlement_poll"

	// CodeUnavailable maps to settlement.ErrUnavailable.
	CodeUnavailable int64 = -32001
	// CodeUnknownRef maps to settlement.ErrUnknownRef.
	CodeUnknownRef int64 = -32002
)

// SubmitParams are the params of MethodSubmit.
type SubmitParams struct {
	Key     string                 `json:"key"`
	Method  string                 `json:"method"`
	Payload types.OperationPayload `json:"payload"`
}

// SubmitResult is the result of MethodSubmit.
type SubmitResult struct {
	Ref string `json:"ref"`
}

// PollParams are the params of MethodPoll.
type PollParams struct {
	Ref string `json:"ref"`
}

// PollResult is the result of MethodPoll.
type PollResult = settlement.Result

func (p *SubmitParams) operation() (op *types.SettlementOperation, err error) {
	kind, ok := types.ParseMethod(p.Method)
	if !ok || p.Key == "" {
		err = &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "invalid submit params"}
		return
	}
	op = &types.SettlementOperation{
		ID:         p.Key,
		CampaignID: p.Payload.CampaignID,
		Kind:       kind,
		Payload:    p.Payload,
		Status:     types.OpSubmitted,
	}
	return
}
