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

package escrow

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/CovenantSQL/escrow/quorum"
	"github.com/CovenantSQL/escrow/types"
	"github.com/CovenantSQL/escrow/utils/log"
	"github.com/CovenantSQL/escrow/utils/timer"
)

const closeReasonByCreator = "closed by creator"

// CreateCampaign records a Draft campaign with its Pending milestones and
// submits the campaign registration followed by one registration per
// milestone. The campaign turns Active when its registration confirms.
func (c *Coordinator) CreateCampaign(ctx context.Context, req *CreateCampaignRequest) (res *CampaignResult, err error) {
	defer c.observe("create_campaign", &err)
	if req == nil {
		err = errors.Wrap(types.ErrValidation, "empty create campaign request")
		return
	}
	if err = c.check(req); err != nil {
		return
	}
	t := timer.NewTimer()

	now := c.now()
	camp := &types.Campaign{
		ID:           c.newID(),
		Title:        req.Title,
		Description:  req.Description,
		Creator:      req.Creator,
		TargetAmount: req.TargetAmount,
		Status:       types.CampaignDraft,
		Milestones:   make([]*types.Milestone, 0, len(req.Milestones)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	ops := make([]string, 0, len(req.Milestones)+1)
	op := camp.NewOperation(types.CreateCampaignKey(camp.ID), types.OpCreateCampaign, types.OperationPayload{
		CampaignID:     camp.ID,
		Actor:          camp.Creator,
		Title:          camp.Title,
		Description:    camp.Description,
		Amount:         camp.TargetAmount,
		MilestoneCount: uint64(len(req.Milestones)),
	}, now)
	ops = append(ops, op.ID)
	for i, ms := range req.Milestones {
		m := &types.Milestone{
			ID:                uint64(i + 1),
			Title:             ms.Title,
			Description:       ms.Description,
			TargetAmount:      ms.TargetAmount,
			RequiredApprovals: ms.RequiredApprovals,
			Approvers:         []string{},
			Status:            types.MilestonePending,
		}
		camp.Milestones = append(camp.Milestones, m)
		op = camp.NewOperation(types.CreateMilestoneKey(camp.ID, m.ID), types.OpCreateMilestone, types.OperationPayload{
			CampaignID:        camp.ID,
			MilestoneID:       m.ID,
			Actor:             camp.Creator,
			Title:             m.Title,
			Description:       m.Description,
			Amount:            m.TargetAmount,
			RequiredApprovals: m.RequiredApprovals,
		}, now)
		ops = append(ops, op.ID)
	}
	t.Add("prepare")

	unlock := c.locks.Lock(camp.ID)
	camp.Version, err = c.store.CompareAndSwap(camp.ID, 0, camp)
	unlock()
	if err != nil {
		err = errors.Wrap(err, "record campaign failed")
		return
	}
	t.Add("ledger")

	res = &CampaignResult{Refs: make(map[string]string, len(ops))}
	for _, opID := range ops {
		if ref := c.sched.Submit(ctx, camp.ID, opID); ref != "" {
			res.Refs[opID] = ref
		}
	}
	t.Add("submit")
	res.Campaign = c.reload(camp.ID, camp)

	log.WithFields(log.Fields{
		"campaign":   camp.ID,
		"creator":    camp.Creator,
		"milestones": len(camp.Milestones),
	}).WithFields(t.ToLogFields()).Info("escrow: campaign created")
	return
}

// Pledge records a Pending pledge and submits its contribution. The raised
// amount grows only when the contribution confirms.
func (c *Coordinator) Pledge(ctx context.Context, req *PledgeRequest) (res *PledgeResult, err error) {
	defer c.observe("pledge", &err)
	if req == nil {
		err = errors.Wrap(types.ErrValidation, "empty pledge request")
		return
	}
	if err = c.check(req); err != nil {
		return
	}

	var (
		pledgeID  string
		opID      string
		duplicate bool
	)
	camp, err := c.mutate(req.CampaignID, func(camp *types.Campaign, now time.Time) error {
		if p := camp.PledgeByRequest(req.RequestID); p != nil {
			if p.Backer != req.Backer || p.Amount != req.Amount {
				return errors.Wrapf(types.ErrValidation, "request %s was used for another pledge", req.RequestID)
			}
			pledgeID, opID, duplicate = p.ID, p.SettlementOpID, true
			return errNoChange
		}
		if camp.Status != types.CampaignActive {
			return errors.Wrapf(types.ErrStateConflict, "campaign %s is %s", camp.ID, camp.Status)
		}
		pledgeID, duplicate = c.newID(), false
		op := camp.NewOperation(types.ContributeKey(camp.ID, pledgeID), types.OpContribute, types.OperationPayload{
			CampaignID: camp.ID,
			PledgeID:   pledgeID,
			Actor:      req.Backer,
			Amount:     req.Amount,
		}, now)
		opID = op.ID
		camp.Pledges = append(camp.Pledges, &types.PledgeRecord{
			ID:             pledgeID,
			RequestID:      req.RequestID,
			CampaignID:     camp.ID,
			Backer:         req.Backer,
			Amount:         req.Amount,
			SettlementOpID: op.ID,
			Status:         types.PledgePending,
			CreatedAt:      now,
		})
		return nil
	})
	if err != nil {
		return
	}

	res = &PledgeResult{OpID: opID}
	if !duplicate {
		res.Ref = c.sched.Submit(ctx, camp.ID, opID)
		camp = c.reload(camp.ID, camp)
	}
	res.Campaign, res.Pledge = camp, camp.Pledge(pledgeID)
	if op := camp.Operation(opID); op != nil {
		if res.Ref == "" {
			res.Ref = op.Ref
		}
		res.Params = c.cfg.Network.Params(op)
	}

	log.WithFields(log.Fields{
		"campaign":  camp.ID,
		"pledge":    pledgeID,
		"backer":    req.Backer,
		"amount":    req.Amount,
		"duplicate": duplicate,
	}).Info("escrow: pledge recorded")
	return
}

// ApproveMilestone submits a backer approval. A backer that already approved,
// or whose approval is still in flight, gets the current milestone back and
// nothing is submitted. The approver set and the milestone status change only
// when the approval confirms.
func (c *Coordinator) ApproveMilestone(ctx context.Context, req *ApproveRequest) (res *ApprovalResult, err error) {
	defer c.observe("approve_milestone", &err)
	if req == nil {
		err = errors.Wrap(types.ErrValidation, "empty approve request")
		return
	}
	if err = c.check(req); err != nil {
		return
	}

	var (
		opID      string
		duplicate bool
	)
	camp, err := c.mutate(req.CampaignID, func(camp *types.Campaign, now time.Time) error {
		m := camp.Milestone(req.MilestoneID)
		if m == nil {
			return errors.Wrapf(types.ErrNotFound, "milestone %d of campaign %s", req.MilestoneID, camp.ID)
		}
		if m.Status == types.MilestoneReleased {
			return errors.Wrapf(types.ErrStateConflict, "milestone %d already released", m.ID)
		}
		key := types.ApproveKey(camp.ID, m.ID, req.Backer)
		latest := camp.LatestOperation(key)
		if quorum.Contains(m.Approvers, req.Backer) || (latest != nil && !latest.Status.Terminal()) {
			duplicate = true
			if latest != nil {
				opID = latest.ID
			}
			return errNoChange
		}
		duplicate = false
		opID = camp.NewOperation(key, types.OpApproveMilestone, types.OperationPayload{
			CampaignID:  camp.ID,
			MilestoneID: m.ID,
			Actor:       req.Backer,
		}, now).ID
		return nil
	})
	if err != nil {
		return
	}

	res = &ApprovalResult{OpID: opID, Duplicate: duplicate}
	if !duplicate {
		res.Ref = c.sched.Submit(ctx, camp.ID, opID)
		camp = c.reload(camp.ID, camp)
	}
	res.Milestone = camp.Milestone(req.MilestoneID)
	if op := camp.Operation(opID); op != nil {
		if res.Ref == "" {
			res.Ref = op.Ref
		}
		res.Params = c.cfg.Network.Params(op)
	}

	log.WithFields(log.Fields{
		"campaign":  camp.ID,
		"milestone": req.MilestoneID,
		"backer":    req.Backer,
		"duplicate": duplicate,
	}).Info("escrow: approval recorded")
	return
}

// ReleaseMilestone submits the payout of an approved milestone. Only the
// campaign creator may release, at most one release per milestone may be in
// flight, and the escrow balance not yet committed to other releases must
// cover the milestone target.
func (c *Coordinator) ReleaseMilestone(ctx context.Context, req *ReleaseRequest) (res *ReleaseResult, err error) {
	defer c.observe("release_milestone", &err)
	if req == nil {
		err = errors.Wrap(types.ErrValidation, "empty release request")
		return
	}
	if err = c.check(req); err != nil {
		return
	}

	var opID string
	camp, err := c.mutate(req.CampaignID, func(camp *types.Campaign, now time.Time) error {
		m := camp.Milestone(req.MilestoneID)
		if m == nil {
			return errors.Wrapf(types.ErrNotFound, "milestone %d of campaign %s", req.MilestoneID, camp.ID)
		}
		if req.Requester != camp.Creator {
			return errors.Wrapf(types.ErrAuthorization, "%s is not the creator of campaign %s", req.Requester, camp.ID)
		}
		switch m.Status {
		case types.MilestoneReleased:
			return errors.Wrapf(types.ErrStateConflict, "milestone %d already released", m.ID)
		case types.MilestonePending:
			return errors.Wrapf(types.ErrStateConflict, "milestone %d not approved: %d of %d approvals",
				m.ID, len(m.Approvers), m.RequiredApprovals)
		}
		if op := camp.InFlightRelease(m.ID); op != nil {
			return errors.Wrapf(types.ErrStateConflict, "milestone %d release %s in flight", m.ID, op.ID)
		}
		if available := camp.AvailableBalance(); available < m.TargetAmount {
			return errors.Wrapf(types.ErrStateConflict, "insufficient escrow balance %d for milestone target %d",
				available, m.TargetAmount)
		}
		opID = camp.NewOperation(types.ReleaseKey(camp.ID, m.ID), types.OpReleaseMilestone, types.OperationPayload{
			CampaignID:  camp.ID,
			MilestoneID: m.ID,
			Actor:       req.Requester,
			Amount:      m.TargetAmount,
		}, now).ID
		return nil
	})
	if err != nil {
		return
	}

	res = &ReleaseResult{OpID: opID}
	res.Ref = c.sched.Submit(ctx, camp.ID, opID)
	camp = c.reload(camp.ID, camp)
	res.Campaign, res.Milestone = camp, camp.Milestone(req.MilestoneID)
	if op := camp.Operation(opID); op != nil {
		res.Params = c.cfg.Network.Params(op)
	}

	log.WithFields(log.Fields{
		"campaign":  camp.ID,
		"milestone": req.MilestoneID,
		"op":        opID,
		"ref":       res.Ref,
	}).Info("escrow: release submitted")
	return
}

// CloseCampaign stops the campaign from accepting pledges. Approvals and
// releases of its milestones continue. Closing a closed campaign is a no-op.
func (c *Coordinator) CloseCampaign(ctx context.Context, req *CloseRequest) (camp *types.Campaign, err error) {
	defer c.observe("close_campaign", &err)
	if req == nil {
		err = errors.Wrap(types.ErrValidation, "empty close request")
		return
	}
	if err = c.check(req); err != nil {
		return
	}
	camp, err = c.mutate(req.CampaignID, func(camp *types.Campaign, now time.Time) error {
		if req.Requester != camp.Creator {
			return errors.Wrapf(types.ErrAuthorization, "%s is not the creator of campaign %s", req.Requester, camp.ID)
		}
		if camp.Status == types.CampaignClosed {
			return errNoChange
		}
		camp.Status = types.CampaignClosed
		camp.CloseReason = req.Reason
		if camp.CloseReason == "" {
			camp.CloseReason = closeReasonByCreator
		}
		return nil
	})
	if err == nil {
		log.WithField("campaign", camp.ID).Info("escrow: campaign closed")
	}
	return
}
