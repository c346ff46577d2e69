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

package ledger

import (
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/CovenantSQL/escrow/types"
	"github.com/CovenantSQL/escrow/utils"
)

var campaignBucket = []byte("campaign")

// BoltStore keeps campaign records in a bbolt file. Each CompareAndSwap runs
// in a single read-write transaction, which bbolt serializes and commits
// atomically.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the ledger file at path.
func OpenBoltStore(path string) (s *BoltStore, err error) {
	path = utils.HomeDirExpand(path)
	if err = utils.EnsureParentDir(path); err != nil {
		err = errors.Wrap(err, "create ledger directory failed")
		return
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		err = errors.Wrapf(err, "open ledger %s failed", path)
		return
	}
	if err = db.Update(func(tx *bolt.Tx) (err error) {
		_, err = tx.CreateBucketIfNotExists(campaignBucket)
		return
	}); err != nil {
		db.Close()
		err = errors.Wrap(err, "init ledger bucket failed")
		return
	}
	s = &BoltStore{db: db}
	return
}

// Get implements Store.Get.
func (s *BoltStore) Get(id string) (c *types.Campaign, version uint64, err error) {
	err = s.db.View(func(tx *bolt.Tx) (err error) {
		raw := tx.Bucket(campaignBucket).Get([]byte(id))
		if raw == nil {
			return errors.Wrapf(types.ErrNotFound, "campaign %s", id)
		}
		// decoded values never alias the mmap since strings and slices are copied
		c, version, err = decodeRecord(id, raw)
		return
	})
	return
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *BoltStore) CompareAndSwap(id string, expected uint64, c *types.Campaign) (version uint64, err error) {
	if err = checkWrite(id, c); err != nil {
		return
	}
	err = s.db.Update(func(tx *bolt.Tx) (err error) {
		bucket := tx.Bucket(campaignBucket)
		var current uint64
		if raw := bucket.Get([]byte(id)); raw != nil {
			if _, current, err = decodeRecord(id, raw); err != nil {
				return
			}
		} else if expected != 0 {
			return errors.Wrapf(types.ErrNotFound, "campaign %s", id)
		}
		if current != expected {
			return errors.Wrapf(types.ErrConcurrentModification,
				"campaign %s at version %d, expected %d", id, current, expected)
		}
		data, err := encodeRecord(expected+1, c)
		if err != nil {
			return
		}
		if err = bucket.Put([]byte(id), data); err != nil {
			return errors.Wrap(err, "put campaign record failed")
		}
		version = expected + 1
		return
	})
	if err != nil {
		version = 0
	}
	return
}

// IDs implements Store.IDs.
func (s *BoltStore) IDs() (ids []string, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(campaignBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return
}

// Close implements Store.Close.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// putRaw overwrites a record without version checks. Used to simulate a
// damaged file in tests.
func (s *BoltStore) putRaw(id string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(campaignBucket).Put([]byte(id), data)
	})
}
