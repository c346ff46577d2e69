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

// Package chainbus fans settlement outcomes out to in-process subscribers.
package chainbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/CovenantSQL/escrow/types"
)

// Topic names an event stream.
type Topic string

const (
	// TopicConfirmed carries operations confirmed and applied to the ledger.
	TopicConfirmed Topic = "settlement/confirmed"
	// TopicFailed carries operations rejected or timed out.
	TopicFailed Topic = "settlement/failed"
	// TopicAttempt carries every non-terminal reconciliation attempt.
	TopicAttempt Topic = "settlement/attempt"
)

// Event describes one settlement operation outcome.
type Event struct {
	CampaignID string
	OpID       string
	Kind       types.OpKind
	Status     types.OpStatus
	Attempts   uint32
	Reason     string
	TxHash     string
	At         time.Time
}

// Handler consumes events.
type Handler func(Event)

type subscription struct {
	id            uint64
	fn            Handler
	once          bool
	async         bool
	transactional bool
	sync.Mutex    // serializes transactional async callbacks
}

// Bus routes published events to topic subscribers.
type Bus struct {
	mu       sync.Mutex
	seq      uint64
	handlers map[Topic][]*subscription
	wg       sync.WaitGroup
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[Topic][]*subscription)}
}

func (b *Bus) add(topic Topic, s *subscription) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	s.id = b.seq
	b.handlers[topic] = append(b.handlers[topic], s)
	return s.id
}

// Subscribe runs fn synchronously inside Publish. The returned id
// unsubscribes it.
func (b *Bus) Subscribe(topic Topic, fn Handler) uint64 {
	return b.add(topic, &subscription{fn: fn})
}

// SubscribeAsync runs fn on its own goroutine. Transactional handlers see
// their events one at a time.
func (b *Bus) SubscribeAsync(topic Topic, fn Handler, transactional bool) uint64 {
	return b.add(topic, &subscription{fn: fn, async: true, transactional: transactional})
}

// SubscribeOnce runs fn synchronously for the next event only.
func (b *Bus) SubscribeOnce(topic Topic, fn Handler) uint64 {
	return b.add(topic, &subscription{fn: fn, once: true})
}

// Unsubscribe removes subscription id from topic.
func (b *Bus) Unsubscribe(topic Topic, id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remove(topic, id) {
		return nil
	}
	return fmt.Errorf("no subscription %d on topic %s", id, topic)
}

func (b *Bus) remove(topic Topic, id uint64) bool {
	subs := b.handlers[topic]
	for i, s := range subs {
		if s.id == id {
			b.handlers[topic] = append(subs[:i:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// HasCallback reports whether topic has subscribers.
func (b *Bus) HasCallback(topic Topic) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[topic]) > 0
}

// Publish delivers ev to every subscriber of topic. Synchronous handlers run
// before Publish returns and must not publish themselves.
func (b *Bus) Publish(topic Topic, ev Event) {
	b.mu.Lock()
	subs := append([]*subscription(nil), b.handlers[topic]...)
	for _, s := range subs {
		if s.once {
			b.remove(topic, s.id)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.async {
			s.fn(ev)
			continue
		}
		b.wg.Add(1)
		if s.transactional {
			s.Lock()
		}
		go func(s *subscription) {
			defer b.wg.Done()
			if s.transactional {
				defer s.Unlock()
			}
			s.fn(ev)
		}(s)
	}
}

// WaitAsync waits for all async callbacks to complete.
func (b *Bus) WaitAsync() {
	b.wg.Wait()
}
