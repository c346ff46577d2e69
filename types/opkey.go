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
	"fmt"
	"time"
)

// CreateCampaignKey is the idempotency key of the campaign registration.
func CreateCampaignKey(campaignID string) string {
	return fmt.Sprintf("create:%s", campaignID)
}

// CreateMilestoneKey is the idempotency key of a milestone registration.
func CreateMilestoneKey(campaignID string, milestoneID uint64) string {
	return fmt.Sprintf("milestone:%s:%d", campaignID, milestoneID)
}

// ContributeKey is the idempotency key of a pledge contribution.
func ContributeKey(campaignID, pledgeID string) string {
	return fmt.Sprintf("contribute:%s:%s", campaignID, pledgeID)
}

// ApproveKey is the base idempotency key of a backer approval.
func ApproveKey(campaignID string, milestoneID uint64, backer string) string {
	return fmt.Sprintf("approve:%s:%d:%s", campaignID, milestoneID, backer)
}

// ReleaseKey is the base idempotency key of a milestone release.
func ReleaseKey(campaignID string, milestoneID uint64) string {
	return fmt.Sprintf("release:%s:%d", campaignID, milestoneID)
}

// NewOperation records a Submitted operation under baseKey. A base key whose
// earlier operations all failed gets a numbered suffix so the retry is a new
// settlement request rather than a replay of the rejected one.
func (c *Campaign) NewOperation(baseKey string, kind OpKind, payload OperationPayload, now time.Time) *SettlementOperation {
	var prior int
	for _, op := range c.Operations {
		if op.BaseKey == baseKey {
			prior++
		}
	}
	id := baseKey
	if prior > 0 {
		id = fmt.Sprintf("%s:%d", baseKey, prior)
	}
	op := &SettlementOperation{
		ID:         id,
		BaseKey:    baseKey,
		CampaignID: c.ID,
		Kind:       kind,
		Payload:    payload,
		Status:     OpSubmitted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	c.Operations = append(c.Operations, op)
	return op
}
