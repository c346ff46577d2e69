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
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/CovenantSQL/escrow/types"
)

// MemStore is an ephemeral Store used by tests and dry runs.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]*types.Campaign
}

// NewMemStore returns an empty in-memory ledger.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]*types.Campaign)}
}

// Get implements Store.Get.
func (s *MemStore) Get(id string) (c *types.Campaign, version uint64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.records[id]
	if !ok {
		err = errors.Wrapf(types.ErrNotFound, "campaign %s", id)
		return
	}
	c = clone(stored)
	version = c.Version
	return
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *MemStore) CompareAndSwap(id string, expected uint64, c *types.Campaign) (version uint64, err error) {
	if err = checkWrite(id, c); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current uint64
	if stored, ok := s.records[id]; ok {
		current = stored.Version
	} else if expected != 0 {
		err = errors.Wrapf(types.ErrNotFound, "campaign %s", id)
		return
	}
	if current != expected {
		err = errors.Wrapf(types.ErrConcurrentModification,
			"campaign %s at version %d, expected %d", id, current, expected)
		return
	}

	version = expected + 1
	stored := clone(c)
	stored.Version = version
	s.records[id] = stored
	return
}

// IDs implements Store.IDs.
func (s *MemStore) IDs() (ids []string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids = make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return
}

// Close implements Store.Close.
func (s *MemStore) Close() error {
	return nil
}
