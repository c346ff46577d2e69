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

// Package ledger persists campaign aggregates behind a versioned
// compare-and-swap store.
//
// Every successful CompareAndSwap bumps the record version by one. Callers read
// a snapshot, mutate it and write it back against the version they read; a
// concurrent writer makes the swap fail with types.ErrConcurrentModification
// and the caller re-reads. Snapshots are always private copies.
package ledger

import (
	"github.com/mohae/deepcopy"
	"github.com/pkg/errors"

	"github.com/CovenantSQL/escrow/types"
	"github.com/CovenantSQL/escrow/utils"
)

// Store is the campaign ledger.
type Store interface {
	// Get returns a private copy of the campaign and its version. Unknown ids
	// fail with types.ErrNotFound, undecodable records with
	// types.ErrCorruptedSnapshot.
	Get(id string) (c *types.Campaign, version uint64, err error)
	// CompareAndSwap writes c if the stored version equals expected and
	// returns the new version. An expected version of 0 creates the record.
	CompareAndSwap(id string, expected uint64, c *types.Campaign) (version uint64, err error)
	// IDs lists every stored campaign id in ascending order.
	IDs() ([]string, error)
	// Close releases the underlying engine.
	Close() error
}

type record struct {
	Version  uint64
	Campaign *types.Campaign
}

func encodeRecord(version uint64, c *types.Campaign) (data []byte, err error) {
	buf, err := utils.EncodeMsgPack(&record{Version: version, Campaign: c})
	if err != nil {
		err = errors.Wrap(err, "encode campaign record failed")
		return
	}
	data = buf.Bytes()
	return
}

func decodeRecord(id string, data []byte) (c *types.Campaign, version uint64, err error) {
	var rec record
	if err = utils.DecodeMsgPack(data, &rec); err != nil || rec.Campaign == nil || rec.Version == 0 {
		err = errors.Wrapf(types.ErrCorruptedSnapshot, "campaign %s: %v", id, err)
		return
	}
	c, version = rec.Campaign, rec.Version
	c.Version = version
	return
}

func clone(c *types.Campaign) *types.Campaign {
	return deepcopy.Copy(c).(*types.Campaign)
}

func checkWrite(id string, c *types.Campaign) error {
	if id == "" || c == nil || c.ID != id {
		return errors.Wrapf(types.ErrValidation, "invalid campaign record for id %q", id)
	}
	return nil
}
