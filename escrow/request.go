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
	"github.com/CovenantSQL/escrow/settlement"
	"github.com/CovenantSQL/escrow/types"
)

// MilestoneSpec describes one milestone of a new campaign.
type MilestoneSpec struct {
	Title             string `json:"title" validate:"required"`
	Description       string `json:"description" validate:"required"`
	TargetAmount      uint64 `json:"targetAmount" validate:"gt=0"`
	RequiredApprovals uint32 `json:"requiredApprovals" validate:"gt=0"`
}

// CreateCampaignRequest creates a campaign with all of its milestones.
type CreateCampaignRequest struct {
	Creator      string          `json:"creator" validate:"required"`
	Title        string          `json:"title" validate:"required"`
	Description  string          `json:"description" validate:"required"`
	TargetAmount uint64          `json:"targetAmount" validate:"gt=0"`
	Milestones   []MilestoneSpec `json:"milestones" validate:"required,min=1,dive"`
}

// PledgeRequest contributes to an active campaign. A non-empty RequestID
// makes retries of the same request return the pledge it created.
type PledgeRequest struct {
	CampaignID string `json:"campaignId" validate:"required"`
	Backer     string `json:"backer" validate:"required"`
	Amount     uint64 `json:"amount" validate:"gt=0"`
	RequestID  string `json:"requestId,omitempty"`
}

// ApproveRequest records one backer approval of a milestone.
type ApproveRequest struct {
	CampaignID  string `json:"campaignId" validate:"required"`
	MilestoneID uint64 `json:"milestoneId"`
	Backer      string `json:"backer" validate:"required"`
}

// ReleaseRequest pays an approved milestone out to the campaign creator.
type ReleaseRequest struct {
	CampaignID  string `json:"campaignId" validate:"required"`
	MilestoneID uint64 `json:"milestoneId"`
	Requester   string `json:"requester" validate:"required"`
}

// CloseRequest stops a campaign from accepting pledges.
type CloseRequest struct {
	CampaignID string `json:"campaignId" validate:"required"`
	Requester  string `json:"requester" validate:"required"`
	Reason     string `json:"reason,omitempty"`
}

// CampaignResult is a created campaign with the gateway reference of each
// settlement operation that was accepted, keyed by operation id.
type CampaignResult struct {
	Campaign *types.Campaign   `json:"campaign"`
	Refs     map[string]string `json:"refs"`
}

// PledgeResult is a pending pledge.
type PledgeResult struct {
	Pledge   *types.PledgeRecord `json:"pledge"`
	Campaign *types.Campaign     `json:"campaign"`
	OpID     string              `json:"opId"`
	Ref      string              `json:"ref,omitempty"`
	Params   *settlement.Params  `json:"params"`
}

// ApprovalResult is the milestone after an approval request. Duplicate is
// set when the backer already approved or has an approval in flight; no new
// settlement operation was created then.
type ApprovalResult struct {
	Milestone *types.Milestone   `json:"milestone"`
	OpID      string             `json:"opId"`
	Ref       string             `json:"ref,omitempty"`
	Duplicate bool               `json:"duplicate"`
	Params    *settlement.Params `json:"params"`
}

// ReleaseResult is a milestone with a release in flight.
type ReleaseResult struct {
	Milestone *types.Milestone   `json:"milestone"`
	Campaign  *types.Campaign    `json:"campaign"`
	OpID      string             `json:"opId"`
	Ref       string             `json:"ref,omitempty"`
	Params    *settlement.Params `json:"params"`
}
