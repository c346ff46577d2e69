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
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/CovenantSQL/escrow/types"
)

// CachedStore is a read-through LRU cache in front of another Store. It must
// be the only writer of the wrapped store.
type CachedStore struct {
	Store
	cache *lru.Cache

	// gen counts swaps; a miss only fills the cache when no swap ran
	// during its read of the wrapped store.
	mu  sync.Mutex
	gen uint64
}

// NewCachedStore wraps store with a cache holding up to size campaigns.
func NewCachedStore(store Store, size int) (s *CachedStore, err error) {
	cache, err := lru.New(size)
	if err != nil {
		err = errors.Wrap(err, "create ledger cache failed")
		return
	}
	s = &CachedStore{Store: store, cache: cache}
	return
}

// Get implements Store.Get.
func (s *CachedStore) Get(id string) (c *types.Campaign, version uint64, err error) {
	if v, ok := s.cache.Get(id); ok {
		c = clone(v.(*types.Campaign))
		version = c.Version
		return
	}
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	if c, version, err = s.Store.Get(id); err != nil {
		return
	}
	s.mu.Lock()
	if gen == s.gen {
		s.cache.Add(id, clone(c))
	}
	s.mu.Unlock()
	return
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *CachedStore) CompareAndSwap(id string, expected uint64, c *types.Campaign) (version uint64, err error) {
	version, err = s.Store.CompareAndSwap(id, expected, c)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if err != nil {
		s.cache.Remove(id)
		return
	}
	if v, ok := s.cache.Peek(id); ok && v.(*types.Campaign).Version >= version {
		return
	}
	cached := clone(c)
	cached.Version = version
	s.cache.Add(id, cached)
	return
}

// Len returns the number of cached campaigns.
func (s *CachedStore) Len() int {
	return s.cache.Len()
}
