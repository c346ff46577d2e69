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

// Package settlement defines the boundary to the external settlement layer
// that finalizes escrow operations, together with an in-memory gateway for
// tests and the contract call parameters handed to signing clients.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/CovenantSQL/escrow/types"
)

var (
	// ErrUnavailable indicates the settlement layer could not accept a request.
	ErrUnavailable = errors.New("settlement layer unavailable")
	// ErrUnknownRef indicates a poll for a reference the layer never issued.
	ErrUnknownRef = errors.New("unknown settlement reference")
)

// Status is the settlement layer view of a submitted operation.
type Status int

const (
	// Pending is not final yet.
	Pending Status = iota
	// Confirmed is final and succeeded.
	Confirmed
	// Failed is final and rejected.
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Confirmed:
		return "Confirmed"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalJSON renders the status name.
func (s Status) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// UnmarshalJSON parses a status name.
func (s *Status) UnmarshalJSON(data []byte) (err error) {
	var name string
	if err = json.Unmarshal(data, &name); err != nil {
		return
	}
	switch name {
	case "Pending":
		*s = Pending
	case "Confirmed":
		*s = Confirmed
	case "Failed":
		*s = Failed
	default:
		err = fmt.Errorf("unknown settlement status %q", name)
	}
	return
}

// Result is the outcome of a poll.
type Result struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
	TxHash string `json:"txHash,omitempty"`
}

// Gateway submits escrow operations to the settlement layer and reports
// their status. Submit must be idempotent on op.ID: submitting the same id
// again returns the original reference and never executes twice. Both calls
// are always made with a context carrying a deadline.
type Gateway interface {
	Submit(ctx context.Context, op *types.SettlementOperation) (ref string, err error)
	Poll(ctx context.Context, ref string) (Result, error)
}
