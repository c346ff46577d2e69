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

package types

import (
	"time"
)

// Campaign is the escrow aggregate persisted as one ledger record.
type Campaign struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Creator      string         `json:"creator"`
	TargetAmount uint64         `json:"targetAmount"`
	RaisedAmount uint64         `json:"raisedAmount"`
	Status       CampaignStatus `json:"status"`

	Milestones []*Milestone           `json:"milestones"`
	Pledges    []*PledgeRecord        `json:"pledges"`
	Operations []*SettlementOperation `json:"operations"`

	// Version is assigned by the ledger store and never encoded in the record body.
	Version uint64 `json:"version" codec:"-"`

	SettlementFailed bool   `json:"settlementFailed,omitempty"`
	FailureReason    string `json:"failureReason,omitempty"`
	CloseReason      string `json:"closeReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Milestone is a tranche of the campaign target released on quorum.
type Milestone struct {
	ID                uint64          `json:"id"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	TargetAmount      uint64          `json:"targetAmount"`
	RequiredApprovals uint32          `json:"requiredApprovals"`
	Approvers         []string        `json:"approvers"`
	Status            MilestoneStatus `json:"status"`
	ReleasedAmount    uint64          `json:"releasedAmount"`
	Registered        bool            `json:"registered"`
	SettlementFailed  bool            `json:"settlementFailed,omitempty"`
	FailureReason     string          `json:"failureReason,omitempty"`
}

// PledgeRecord is one backer contribution.
type PledgeRecord struct {
	ID             string       `json:"id"`
	RequestID      string       `json:"requestId,omitempty"`
	CampaignID     string       `json:"campaignId"`
	Backer         string       `json:"backer"`
	Amount         uint64       `json:"amount"`
	SettlementOpID string       `json:"settlementOpId"`
	Status         PledgeStatus `json:"status"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// OperationPayload carries the arguments of a settlement contract call.
type OperationPayload struct {
	CampaignID        string `json:"campaignId"`
	MilestoneID       uint64 `json:"milestoneId,omitempty"`
	PledgeID          string `json:"pledgeId,omitempty"`
	Actor             string `json:"actor"`
	Amount            uint64 `json:"amount,omitempty"`
	Title             string `json:"title,omitempty"`
	Description       string `json:"description,omitempty"`
	RequiredApprovals uint32 `json:"requiredApprovals,omitempty"`
	MilestoneCount    uint64 `json:"milestoneCount,omitempty"`
}

// SettlementOperation tracks one request to the settlement layer. ID is the
// idempotency key and is reused for every submission of the same operation.
type SettlementOperation struct {
	ID         string           `json:"id"`
	BaseKey    string           `json:"-" codec:"baseKey"`
	CampaignID string           `json:"campaignId"`
	Kind       OpKind           `json:"kind"`
	Payload    OperationPayload `json:"payload"`
	Status     OpStatus         `json:"status"`
	Ref        string           `json:"ref,omitempty"`
	Attempts   uint32           `json:"attempts"`
	LastError  string           `json:"lastError,omitempty"`
	TxHash     string           `json:"txHash,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// Milestone returns the milestone with id or nil.
func (c *Campaign) Milestone(id uint64) *Milestone {
	if id == 0 || id > uint64(len(c.Milestones)) {
		return nil
	}
	if m := c.Milestones[id-1]; m.ID == id {
		return m
	}
	for _, m := range c.Milestones {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// Operation returns the settlement operation with id or nil.
func (c *Campaign) Operation(id string) *SettlementOperation {
	for _, op := range c.Operations {
		if op.ID == id {
			return op
		}
	}
	return nil
}

// Pledge returns the pledge with id or nil.
func (c *Campaign) Pledge(id string) *PledgeRecord {
	for _, p := range c.Pledges {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// PledgeByRequest returns the pledge created for a client request id or nil.
func (c *Campaign) PledgeByRequest(requestID string) *PledgeRecord {
	if requestID == "" {
		return nil
	}
	for _, p := range c.Pledges {
		if p.RequestID == requestID {
			return p
		}
	}
	return nil
}

// OutstandingOperations returns operations not yet terminal, in creation order.
func (c *Campaign) OutstandingOperations() (ops []*SettlementOperation) {
	for _, op := range c.Operations {
		if !op.Status.Terminal() {
			ops = append(ops, op)
		}
	}
	return
}

// LatestOperation returns the newest operation recorded under baseKey or nil.
func (c *Campaign) LatestOperation(baseKey string) (latest *SettlementOperation) {
	for _, op := range c.Operations {
		if op.BaseKey == baseKey {
			latest = op
		}
	}
	return
}

// InFlightRelease returns the outstanding release of milestone id or nil.
func (c *Campaign) InFlightRelease(id uint64) *SettlementOperation {
	op := c.LatestOperation(ReleaseKey(c.ID, id))
	if op != nil && !op.Status.Terminal() {
		return op
	}
	return nil
}

// AvailableBalance is the raised amount not yet committed to an outstanding release.
func (c *Campaign) AvailableBalance() uint64 {
	var reserved uint64
	for _, op := range c.Operations {
		if op.Kind == OpReleaseMilestone && !op.Status.Terminal() {
			reserved += op.Payload.Amount
		}
	}
	if reserved >= c.RaisedAmount {
		return 0
	}
	return c.RaisedAmount - reserved
}

// AllReleased reports whether every milestone has been released.
func (c *Campaign) AllReleased() bool {
	if len(c.Milestones) == 0 {
		return false
	}
	for _, m := range c.Milestones {
		if m.Status != MilestoneReleased {
			return false
		}
	}
	return true
}
