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

// Package localchain implements an embedded settlement layer for development
// and integration tests. It runs the escrow contract rules against state kept
// in LevelDB, so submissions survive a restart and stay idempotent.
//
// A submission is executed against contract state when it is first accepted;
// its result is revealed only after ConfirmAfter polls, which mimics block
// confirmation latency.
package localchain

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/CovenantSQL/escrow/quorum"
	"github.com/CovenantSQL/escrow/settlement"
	"github.com/CovenantSQL/escrow/types"
	"github.com/CovenantSQL/escrow/utils"
	"github.com/CovenantSQL/escrow/utils/log"
)

var (
	// ErrClosed indicates use of a closed chain.
	ErrClosed = errors.New("local chain closed")

	keyIndexPrefix = []byte{'K', 'I'}
	txPrefix       = []byte{'T', 'X'}
	campaignPrefix = []byte{'C', 'S'}
	seqKey         = []byte{'S', 'Q'}
)

type txRecord struct {
	Key     string
	Ref     string
	Kind    types.OpKind
	Polls   uint32
	Status  settlement.Status
	Reason  string
	TxHash  string
	Payload types.OperationPayload
}

type contractMilestone struct {
	Amount    uint64
	Required  uint32
	Approvers []string
	Released  bool
}

type contractCampaign struct {
	Creator    string
	Target     uint64
	Raised     uint64
	Milestones map[uint64]*contractMilestone
}

// Chain is a settlement.Gateway backed by LevelDB.
type Chain struct {
	db           *leveldb.DB
	confirmAfter uint32
	mu           sync.Mutex
	seq          uint64
	closed       uint32
}

// Open opens or creates a chain database at path. Results are revealed after
// confirmAfter pending polls.
func Open(path string, confirmAfter uint32) (c *Chain, err error) {
	c = &Chain{confirmAfter: confirmAfter}
	if c.db, err = leveldb.OpenFile(utils.HomeDirExpand(path), nil); err != nil {
		err = errors.Wrap(err, "open local chain failed")
		return
	}
	var raw []byte
	if raw, err = c.db.Get(seqKey, nil); err == nil {
		c.seq = binary.BigEndian.Uint64(raw)
	} else if err == leveldb.ErrNotFound {
		err = nil
	} else {
		c.db.Close()
		err = errors.Wrap(err, "load local chain sequence failed")
	}
	return
}

// Close closes the database.
func (c *Chain) Close() error {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return nil
	}
	return c.db.Close()
}

func prefixed(prefix []byte, s string) []byte {
	return append(append([]byte(nil), prefix...), s...)
}

// Submit implements settlement.Gateway.Submit.
func (c *Chain) Submit(ctx context.Context, op *types.SettlementOperation) (ref string, err error) {
	if atomic.LoadUint32(&c.closed) == 1 {
		err = ErrClosed
		return
	}
	if err = ctx.Err(); err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var raw []byte
	if raw, err = c.db.Get(prefixed(keyIndexPrefix, op.ID), nil); err == nil {
		ref = string(raw)
		return
	} else if err != leveldb.ErrNotFound {
		err = errors.Wrap(err, "access local chain failed")
		return
	}
	err = nil

	c.seq++
	tx := &txRecord{
		Key:     op.ID,
		Ref:     fmt.Sprintf("lc-%08d", c.seq),
		Kind:    op.Kind,
		Payload: op.Payload,
	}

	batch := new(leveldb.Batch)
	if reason, execErr := c.execute(batch, tx); execErr != nil {
		err = execErr
		return
	} else if reason != "" {
		tx.Status, tx.Reason = settlement.Failed, reason
	} else {
		tx.Status, tx.TxHash = settlement.Confirmed, fmt.Sprintf("0x%016x", c.seq)
	}

	enc, err := utils.EncodeMsgPack(tx)
	if err != nil {
		err = errors.Wrap(err, "encode transaction failed")
		return
	}
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], c.seq)
	batch.Put(prefixed(txPrefix, tx.Ref), enc.Bytes())
	batch.Put(prefixed(keyIndexPrefix, op.ID), []byte(tx.Ref))
	batch.Put(seqKey, seq[:])
	if err = c.db.Write(batch, nil); err != nil {
		c.seq--
		err = errors.Wrap(err, "write transaction failed")
		return
	}

	log.WithFields(log.Fields{
		"key":    op.ID,
		"ref":    tx.Ref,
		"method": op.Kind.Method(),
		"status": tx.Status,
	}).Debug("local chain accepted operation")
	ref = tx.Ref
	return
}

// Poll implements settlement.Gateway.Poll.
func (c *Chain) Poll(ctx context.Context, ref string) (res settlement.Result, err error) {
	if atomic.LoadUint32(&c.closed) == 1 {
		err = ErrClosed
		return
	}
	if err = ctx.Err(); err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := c.db.Get(prefixed(txPrefix, ref), nil)
	if err == leveldb.ErrNotFound {
		err = errors.Wrapf(settlement.ErrUnknownRef, "poll %s", ref)
		return
	} else if err != nil {
		err = errors.Wrap(err, "access local chain failed")
		return
	}
	var tx txRecord
	if err = utils.DecodeMsgPack(raw, &tx); err != nil {
		err = errors.Wrap(err, "decode transaction failed")
		return
	}
	if tx.Polls < c.confirmAfter {
		tx.Polls++
		var enc *bytes.Buffer
		if enc, err = utils.EncodeMsgPack(&tx); err != nil {
			return
		}
		if err = c.db.Put(prefixed(txPrefix, ref), enc.Bytes(), nil); err != nil {
			err = errors.Wrap(err, "write transaction failed")
			return
		}
		res.Status = settlement.Pending
		return
	}
	res = settlement.Result{Status: tx.Status, Reason: tx.Reason, TxHash: tx.TxHash}
	return
}

func (c *Chain) loadCampaign(id string) (cc *contractCampaign, err error) {
	raw, err := c.db.Get(prefixed(campaignPrefix, id), nil)
	if err != nil {
		return
	}
	cc = &contractCampaign{}
	err = utils.DecodeMsgPack(raw, cc)
	return
}

// execute applies the contract rules for tx and stages the new contract
// state in batch. A non-empty reason rejects the operation.
func (c *Chain) execute(batch *leveldb.Batch, tx *txRecord) (reason string, err error) {
	p := tx.Payload
	cc, err := c.loadCampaign(p.CampaignID)
	switch {
	case err == leveldb.ErrNotFound && tx.Kind == types.OpCreateCampaign:
		cc, err = nil, nil
	case err == leveldb.ErrNotFound:
		return "campaign not registered", nil
	case err != nil:
		err = errors.Wrap(err, "load contract campaign failed")
		return
	}

	switch tx.Kind {
	case types.OpCreateCampaign:
		if cc != nil {
			return "campaign already registered", nil
		}
		cc = &contractCampaign{
			Creator:    p.Actor,
			Target:     p.Amount,
			Milestones: make(map[uint64]*contractMilestone),
		}
	case types.OpCreateMilestone:
		if _, ok := cc.Milestones[p.MilestoneID]; ok {
			return "milestone already registered", nil
		}
		cc.Milestones[p.MilestoneID] = &contractMilestone{Amount: p.Amount, Required: p.RequiredApprovals}
	case types.OpContribute:
		if p.Amount == 0 {
			return "zero contribution", nil
		}
		cc.Raised += p.Amount
	case types.OpApproveMilestone:
		m, ok := cc.Milestones[p.MilestoneID]
		if !ok {
			return "milestone not registered", nil
		}
		if m.Released {
			return "milestone already released", nil
		}
		if quorum.Contains(m.Approvers, p.Actor) {
			return "already approved", nil
		}
		m.Approvers, _ = quorum.Approve(m.Approvers, m.Required, p.Actor)
	case types.OpReleaseMilestone:
		m, ok := cc.Milestones[p.MilestoneID]
		switch {
		case !ok:
			return "milestone not registered", nil
		case p.Actor != cc.Creator:
			return "only the creator can release", nil
		case m.Released:
			return "milestone already released", nil
		case !quorum.Satisfied(m.Approvers, m.Required):
			return "approval quorum not reached", nil
		case cc.Raised < m.Amount:
			return "insufficient escrow balance", nil
		}
		m.Released = true
		cc.Raised -= m.Amount
	default:
		return fmt.Sprintf("unknown method for kind %d", tx.Kind), nil
	}

	enc, err := utils.EncodeMsgPack(cc)
	if err != nil {
		err = errors.Wrap(err, "encode contract campaign failed")
		return
	}
	batch.Put(prefixed(campaignPrefix, p.CampaignID), enc.Bytes())
	return
}
