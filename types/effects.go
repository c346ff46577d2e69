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

	"github.com/pkg/errors"

	"github.com/CovenantSQL/escrow/quorum"
)

const closeReasonAllReleased = "all milestones released"

// ApplyConfirmed applies the ledger effect of a confirmed settlement
// operation. It returns false without touching the campaign when the
// operation is unknown to it or already terminal, so a replayed confirmation
// is harmless.
func (c *Campaign) ApplyConfirmed(opID, txHash string, now time.Time) (applied bool, err error) {
	op := c.Operation(opID)
	if op == nil || op.Status.Terminal() {
		return
	}

	switch op.Kind {
	case OpCreateCampaign:
		if c.Status == CampaignDraft {
			c.Status = CampaignActive
		}
		c.SettlementFailed, c.FailureReason = false, ""
	case OpCreateMilestone:
		m := c.Milestone(op.Payload.MilestoneID)
		if m == nil {
			err = errors.Wrapf(ErrNotFound, "milestone %d", op.Payload.MilestoneID)
			return
		}
		m.Registered = true
		m.SettlementFailed, m.FailureReason = false, ""
	case OpContribute:
		p := c.Pledge(op.Payload.PledgeID)
		if p == nil {
			err = errors.Wrapf(ErrNotFound, "pledge %s", op.Payload.PledgeID)
			return
		}
		if p.Status == PledgePending {
			p.Status = PledgeConfirmed
			c.RaisedAmount += p.Amount
		}
	case OpApproveMilestone:
		m := c.Milestone(op.Payload.MilestoneID)
		if m == nil {
			err = errors.Wrapf(ErrNotFound, "milestone %d", op.Payload.MilestoneID)
			return
		}
		var reached bool
		m.Approvers, reached = quorum.Approve(m.Approvers, m.RequiredApprovals, op.Payload.Actor)
		if m.Status == MilestonePending && (reached || quorum.Satisfied(m.Approvers, m.RequiredApprovals)) {
			m.Status = MilestoneApproved
		}
	case OpReleaseMilestone:
		m := c.Milestone(op.Payload.MilestoneID)
		if m == nil {
			err = errors.Wrapf(ErrNotFound, "milestone %d", op.Payload.MilestoneID)
			return
		}
		if m.Status != MilestoneApproved {
			err = errors.Wrapf(ErrStateConflict, "milestone %d is %s", m.ID, m.Status)
			return
		}
		if c.RaisedAmount < m.TargetAmount {
			err = errors.Wrapf(ErrStateConflict,
				"raised amount %d below milestone target %d", c.RaisedAmount, m.TargetAmount)
			return
		}
		m.Status = MilestoneReleased
		m.ReleasedAmount = m.TargetAmount
		m.SettlementFailed, m.FailureReason = false, ""
		c.RaisedAmount -= m.TargetAmount
		if c.AllReleased() && c.Status != CampaignClosed {
			c.Status = CampaignClosed
			c.CloseReason = closeReasonAllReleased
		}
	default:
		err = errors.Errorf("unknown operation kind %d", op.Kind)
		return
	}

	op.Status = OpConfirmed
	op.TxHash = txHash
	op.LastError = ""
	op.UpdatedAt = now
	c.UpdatedAt = now
	applied = true
	return
}

// ApplyFailed marks a settlement operation failed and sets the failure
// markers of the entity it was acting on. Financial fields and approver sets
// are never touched.
func (c *Campaign) ApplyFailed(opID, reason string, now time.Time) (applied bool) {
	op := c.Operation(opID)
	if op == nil || op.Status.Terminal() {
		return
	}

	switch op.Kind {
	case OpCreateCampaign:
		c.SettlementFailed, c.FailureReason = true, reason
	case OpCreateMilestone, OpReleaseMilestone:
		if m := c.Milestone(op.Payload.MilestoneID); m != nil {
			m.SettlementFailed, m.FailureReason = true, reason
		}
	case OpContribute:
		if p := c.Pledge(op.Payload.PledgeID); p != nil && p.Status == PledgePending {
			p.Status = PledgeFailed
		}
	case OpApproveMilestone:
		if m := c.Milestone(op.Payload.MilestoneID); m != nil {
			m.FailureReason = "approval by " + op.Payload.Actor + ": " + reason
		}
	}

	op.Status = OpFailed
	op.LastError = reason
	op.UpdatedAt = now
	c.UpdatedAt = now
	applied = true
	return
}

// CheckInvariants verifies the ledger invariants that must hold for every
// persisted snapshot.
func (c *Campaign) CheckInvariants() (err error) {
	var confirmed, released uint64
	for _, p := range c.Pledges {
		if p.Status == PledgeConfirmed {
			confirmed += p.Amount
		}
	}
	for i, m := range c.Milestones {
		if m.ID != uint64(i+1) {
			return errors.Wrapf(ErrInvariant, "milestone at %d has id %d", i, m.ID)
		}
		if !quorum.IsSet(m.Approvers) {
			return errors.Wrapf(ErrInvariant, "milestone %d approvers are not a set", m.ID)
		}
		satisfied := quorum.Satisfied(m.Approvers, m.RequiredApprovals)
		switch m.Status {
		case MilestonePending:
			if satisfied {
				return errors.Wrapf(ErrInvariant, "milestone %d pending with quorum", m.ID)
			}
			if m.ReleasedAmount != 0 {
				return errors.Wrapf(ErrInvariant, "milestone %d released amount before release", m.ID)
			}
		case MilestoneApproved:
			if !satisfied {
				return errors.Wrapf(ErrInvariant, "milestone %d approved without quorum", m.ID)
			}
			if m.ReleasedAmount != 0 {
				return errors.Wrapf(ErrInvariant, "milestone %d released amount before release", m.ID)
			}
		case MilestoneReleased:
			if !satisfied {
				return errors.Wrapf(ErrInvariant, "milestone %d released without quorum", m.ID)
			}
			if m.ReleasedAmount != m.TargetAmount {
				return errors.Wrapf(ErrInvariant, "milestone %d released amount %d != target %d",
					m.ID, m.ReleasedAmount, m.TargetAmount)
			}
		}
		released += m.ReleasedAmount
	}
	if confirmed < released || c.RaisedAmount != confirmed-released {
		return errors.Wrapf(ErrInvariant, "raised amount %d != confirmed %d - released %d",
			c.RaisedAmount, confirmed, released)
	}

	seen := make(map[string]struct{}, len(c.Operations))
	for _, op := range c.Operations {
		if _, ok := seen[op.ID]; ok {
			return errors.Wrapf(ErrInvariant, "duplicate settlement operation %s", op.ID)
		}
		seen[op.ID] = struct{}{}
	}
	return
}
