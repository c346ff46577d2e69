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
	"encoding/json"
	"fmt"
)

// CampaignStatus is the campaign lifecycle state.
type CampaignStatus int

const (
	// CampaignDraft waits for the create settlement to confirm.
	CampaignDraft CampaignStatus = iota
	// CampaignActive accepts pledges.
	CampaignActive
	// CampaignClosed accepts no new pledges.
	CampaignClosed
)

func (s CampaignStatus) String() string {
	switch s {
	case CampaignDraft:
		return "Draft"
	case CampaignActive:
		return "Active"
	case CampaignClosed:
		return "Closed"
	default:
		return fmt.Sprintf("CampaignStatus(%d)", int(s))
	}
}

// MarshalJSON renders the status name.
func (s CampaignStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// MilestoneStatus only ever moves forward: Pending, Approved, Released.
type MilestoneStatus int

const (
	// MilestonePending has not reached quorum.
	MilestonePending MilestoneStatus = iota
	// MilestoneApproved reached quorum and may be released.
	MilestoneApproved
	// MilestoneReleased has paid out its target amount.
	MilestoneReleased
)

func (s MilestoneStatus) String() string {
	switch s {
	case MilestonePending:
		return "Pending"
	case MilestoneApproved:
		return "Approved"
	case MilestoneReleased:
		return "Released"
	default:
		return fmt.Sprintf("MilestoneStatus(%d)", int(s))
	}
}

// MarshalJSON renders the status name.
func (s MilestoneStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// PledgeStatus follows the settlement of the pledge contribution.
type PledgeStatus int

const (
	// PledgePending waits for settlement.
	PledgePending PledgeStatus = iota
	// PledgeConfirmed counts toward the raised amount.
	PledgeConfirmed
	// PledgeFailed never counts.
	PledgeFailed
)

func (s PledgeStatus) String() string {
	switch s {
	case PledgePending:
		return "Pending"
	case PledgeConfirmed:
		return "Confirmed"
	case PledgeFailed:
		return "Failed"
	default:
		return fmt.Sprintf("PledgeStatus(%d)", int(s))
	}
}

// MarshalJSON renders the status name.
func (s PledgeStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// OpKind identifies the settlement contract call.
type OpKind int

const (
	// OpCreateCampaign registers the campaign.
	OpCreateCampaign OpKind = iota
	// OpCreateMilestone registers one milestone.
	OpCreateMilestone
	// OpContribute moves a pledge into escrow.
	OpContribute
	// OpApproveMilestone records one backer approval.
	OpApproveMilestone
	// OpReleaseMilestone pays a milestone out to the creator.
	OpReleaseMilestone
)

// Method returns the settlement contract method name.
func (k OpKind) Method() string {
	switch k {
	case OpCreateCampaign:
		return "create_campaign"
	case OpCreateMilestone:
		return "create_milestone"
	case OpContribute:
		return "contribute"
	case OpApproveMilestone:
		return "approve_milestone"
	case OpReleaseMilestone:
		return "release_milestone"
	default:
		return ""
	}
}

func (k OpKind) String() string {
	switch k {
	case OpCreateCampaign:
		return "CreateCampaign"
	case OpCreateMilestone:
		return "CreateMilestone"
	case OpContribute:
		return "Contribute"
	case OpApproveMilestone:
		return "ApproveMilestone"
	case OpReleaseMilestone:
		return "ReleaseMilestone"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// MarshalJSON renders the kind name.
func (k OpKind) MarshalJSON() ([]byte, error) { return json.Marshal(k.String()) }

// OpStatus is the settlement operation state. Confirmed and Failed are terminal.
type OpStatus int

const (
	// OpSubmitted is recorded locally and awaits a terminal status.
	OpSubmitted OpStatus = iota
	// OpConfirmed is applied to the ledger.
	OpConfirmed
	// OpFailed was rejected or timed out.
	OpFailed
)

func (s OpStatus) String() string {
	switch s {
	case OpSubmitted:
		return "Submitted"
	case OpConfirmed:
		return "Confirmed"
	case OpFailed:
		return "Failed"
	default:
		return fmt.Sprintf("OpStatus(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s OpStatus) Terminal() bool { return s == OpConfirmed || s == OpFailed }

// MarshalJSON renders the status name.
func (s OpStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// ParseMethod returns the kind whose contract method name is method.
func ParseMethod(method string) (k OpKind, ok bool) {
	for k = OpCreateCampaign; k <= OpReleaseMilestone; k++ {
		if k.Method() == method {
			return k, true
		}
	}
	return 0, false
}
