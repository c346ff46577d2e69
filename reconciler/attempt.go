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

package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/CovenantSQL/escrow/chainbus"
	"github.com/CovenantSQL/escrow/metric"
	"github.com/CovenantSQL/escrow/settlement"
	"github.com/CovenantSQL/escrow/types"
	"github.com/CovenantSQL/escrow/utils/log"
)

// attempt runs one reconciliation step for it. It returns the gateway
// reference known after the step, the delay before the next step and whether
// the operation needs no further steps.
func (s *Scheduler) attempt(ctx context.Context, it *item, poll bool) (ref string, next time.Duration, done bool) {
	c, _, err := s.deps.Store.Get(it.campaignID)
	if err != nil {
		s.corrupted(it.campaignID, err)
		done = true
		return
	}
	op := c.Operation(it.opID)
	if op == nil || op.Status.Terminal() {
		done = true
		return
	}

	le := log.WithFields(log.Fields{
		"campaign": it.campaignID,
		"op":       it.opID,
		"kind":     op.Kind,
		"attempt":  op.Attempts + 1,
	})

	if ref = op.Ref; ref == "" {
		sctx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
		ref, err = s.deps.Gateway.Submit(sctx, op)
		cancel()
		if err != nil {
			ref = ""
			if ctx.Err() != nil {
				next = s.cfg.BaseInterval
				return
			}
			le.WithError(err).Warning("reconciler: submit settlement operation failed")
			next, done = s.retry(it, errors.Wrap(err, "submit"))
			return
		}
		if err = s.recordRef(it, ref); err != nil {
			le.WithError(err).Warning("reconciler: record settlement reference failed")
		}
		if !poll {
			return
		}
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	res, err := s.deps.Gateway.Poll(pctx, ref)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			next = s.cfg.BaseInterval
			return
		}
		le.WithError(err).Debug("reconciler: poll settlement operation failed")
		next, done = s.retry(it, errors.Wrap(err, "poll"))
		return
	}

	switch res.Status {
	case settlement.Confirmed:
		next, done = s.confirm(it, res.TxHash)
	case settlement.Failed:
		reason := fmt.Sprintf("%s: %s", types.ErrSettlementRejected, res.Reason)
		next, done = s.reject(it, reason)
	default:
		next, done = s.retry(it, nil)
	}
	return
}

// update applies mutate to a fresh snapshot of the campaign under its lock
// and retries the swap on concurrent modification.
func (s *Scheduler) update(campaignID string, mutate func(c *types.Campaign) bool) (err error) {
	for i := 0; ; i++ {
		unlock := s.deps.Locks.Lock(campaignID)
		c, version, getErr := s.deps.Store.Get(campaignID)
		if getErr != nil {
			unlock()
			err = getErr
			return
		}
		if !mutate(c) {
			unlock()
			return
		}
		if err = c.CheckInvariants(); err != nil {
			unlock()
			log.WithField("campaign", campaignID).WithError(err).Error("reconciler: refuse to write inconsistent campaign")
			return
		}
		_, err = s.deps.Store.CompareAndSwap(campaignID, version, c)
		unlock()
		if err == nil || errors.Cause(err) != types.ErrConcurrentModification {
			return
		}
		if i >= s.cfg.MaxCASRetries {
			err = errors.Wrapf(types.ErrContention, "campaign %s: %v", campaignID, err)
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.CASRetries.Inc()
		}
	}
}

func (s *Scheduler) recordRef(it *item, ref string) error {
	return s.update(it.campaignID, func(c *types.Campaign) bool {
		op := c.Operation(it.opID)
		if op == nil || op.Status.Terminal() || op.Ref != "" {
			return false
		}
		op.Ref = ref
		op.UpdatedAt = s.deps.Now()
		return true
	})
}

// retry counts a non-terminal attempt and fails the operation once
// MaxAttempts is reached.
func (s *Scheduler) retry(it *item, cause error) (next time.Duration, done bool) {
	var (
		ev       *chainbus.Event
		attempts uint32
		created  time.Time
	)
	err := s.update(it.campaignID, func(c *types.Campaign) bool {
		ev, attempts = nil, 0
		op := c.Operation(it.opID)
		if op == nil || op.Status.Terminal() {
			return false
		}
		now := s.deps.Now()
		op.Attempts++
		op.UpdatedAt = now
		if cause != nil {
			op.LastError = cause.Error()
		}
		attempts, created = op.Attempts, op.CreatedAt
		if op.Attempts >= s.cfg.MaxAttempts {
			reason := fmt.Sprintf("%s after %d attempts", types.ErrSettlementTimeout, op.Attempts)
			if op.LastError != "" {
				reason += ": " + op.LastError
			}
			c.ApplyFailed(op.ID, reason, now)
			ev = eventOf(c, op)
		}
		return true
	})
	if err != nil {
		log.WithField("op", it.opID).WithError(err).Warning("reconciler: record attempt failed")
		next = s.cfg.BaseInterval
		return
	}
	if attempts == 0 {
		// already terminal
		done = true
		return
	}
	if ev != nil {
		s.countAttempt("timeout")
		s.terminal(chainbus.TopicFailed, *ev, created)
		done = true
		return
	}
	outcome := "pending"
	if cause != nil {
		outcome = "error"
	}
	s.countAttempt(outcome)
	s.publish(chainbus.TopicAttempt, chainbus.Event{
		CampaignID: it.campaignID,
		OpID:       it.opID,
		Status:     types.OpSubmitted,
		Attempts:   attempts,
		At:         s.deps.Now(),
	})
	next = s.cfg.Backoff(attempts)
	return
}

func (s *Scheduler) confirm(it *item, txHash string) (next time.Duration, done bool) {
	var (
		ev       *chainbus.Event
		topic    chainbus.Topic
		created  time.Time
		applyErr error
	)
	err := s.update(it.campaignID, func(c *types.Campaign) bool {
		ev, applyErr = nil, nil
		op := c.Operation(it.opID)
		if op == nil || op.Status.Terminal() {
			return false
		}
		now := s.deps.Now()
		created = op.CreatedAt
		applied, err := c.ApplyConfirmed(op.ID, txHash, now)
		if err != nil {
			// confirmed by the settlement layer but contradicting the ledger
			applyErr = err
			applied = c.ApplyFailed(op.ID, fmt.Sprintf("confirmed but not applicable: %v", err), now)
			topic = chainbus.TopicFailed
		} else {
			topic = chainbus.TopicConfirmed
		}
		if applied {
			ev = eventOf(c, op)
		}
		return applied
	})
	if err != nil {
		log.WithField("op", it.opID).WithError(err).Warning("reconciler: apply confirmation failed")
		next = s.cfg.BaseInterval
		return
	}
	done = true
	if applyErr != nil {
		log.WithFields(log.Fields{
			"campaign": it.campaignID,
			"op":       it.opID,
		}).WithError(applyErr).Error("reconciler: confirmed operation contradicts ledger")
	}
	if ev != nil {
		s.countAttempt("terminal")
		s.terminal(topic, *ev, created)
	}
	return
}

func (s *Scheduler) reject(it *item, reason string) (next time.Duration, done bool) {
	var (
		ev      *chainbus.Event
		created time.Time
	)
	err := s.update(it.campaignID, func(c *types.Campaign) bool {
		ev = nil
		op := c.Operation(it.opID)
		if op == nil {
			return false
		}
		created = op.CreatedAt
		if !c.ApplyFailed(op.ID, reason, s.deps.Now()) {
			return false
		}
		ev = eventOf(c, op)
		return true
	})
	if err != nil {
		log.WithField("op", it.opID).WithError(err).Warning("reconciler: apply rejection failed")
		next = s.cfg.BaseInterval
		return
	}
	done = true
	if ev != nil {
		s.countAttempt("terminal")
		s.terminal(chainbus.TopicFailed, *ev, created)
	}
	return
}

func (s *Scheduler) terminal(topic chainbus.Topic, ev chainbus.Event, created time.Time) {
	log.WithFields(log.Fields{
		"campaign": ev.CampaignID,
		"op":       ev.OpID,
		"kind":     ev.Kind,
		"status":   ev.Status,
		"attempts": ev.Attempts,
		"reason":   ev.Reason,
	}).Info("reconciler: settlement operation finished")
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveSettle(created)
		metric.RecordSettled()
	}
	s.publish(topic, ev)
}

func eventOf(c *types.Campaign, op *types.SettlementOperation) *chainbus.Event {
	return &chainbus.Event{
		CampaignID: c.ID,
		OpID:       op.ID,
		Kind:       op.Kind,
		Status:     op.Status,
		Attempts:   op.Attempts,
		Reason:     op.LastError,
		TxHash:     op.TxHash,
		At:         op.UpdatedAt,
	}
}
