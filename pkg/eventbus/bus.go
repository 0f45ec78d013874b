// Copyright (C) 2025 Josh Simonot
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
)

type Topic string
type Event = any

// Bus is an in-memory pub/sub where each subscriber only ever holds the
// most recent event of its topic. Slow subscribers miss intermediate
// values instead of stalling publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic]map[uint64]chan Event
	lastMu sync.Mutex // last is written while mu is only read-locked
	last   map[Topic]Event
	nextID atomic.Uint64
	closed atomic.Bool

	published atomic.Int64
	delivered atomic.Int64
	replaced  atomic.Int64
	dropped   atomic.Int64
}

type Stats struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Replaced    int64 `json:"replaced"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

func New() *Bus {
	return &Bus{
		subs: make(map[Topic]map[uint64]chan Event),
		last: make(map[Topic]Event),
	}
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := 0
	for _, m := range b.subs {
		n += len(m)
	}
	b.mu.RUnlock()
	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Replaced:    b.replaced.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
	}
}

// Publish stores ev as the last event of topic and hands it to every
// subscriber, replacing whatever they have not read yet.
func (b *Bus) Publish(topic Topic, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return
	}
	b.published.Add(1)

	b.lastMu.Lock()
	b.last[topic] = ev
	b.lastMu.Unlock()

	for _, ch := range b.subs[topic] {
		b.publishReplace(ch, ev)
	}
}

// publishReplace never blocks: a full channel has its stale value removed
// first.
func (b *Bus) publishReplace(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		b.delivered.Add(1)
		return
	default:
	}

	select {
	case <-ch:
		b.replaced.Add(1)
	default:
	}
	select {
	case ch <- ev:
		b.delivered.Add(1)
	default:
		// another publisher refilled it first
		b.dropped.Add(1)
	}
}

// Subscribe returns a channel carrying the latest event of topic and an
// unsubscribe func. With withLast the stored last event, if any, is
// delivered immediately. The channel is closed on unsubscribe, when ctx is
// done or when the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic Topic, withLast bool) (<-chan Event, func()) {
	ch := make(chan Event, 1)
	id := b.nextID.Add(1)

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]chan Event)
	}
	b.subs[topic][id] = ch
	if withLast {
		b.lastMu.Lock()
		if last, ok := b.last[topic]; ok {
			ch <- last
		}
		b.lastMu.Unlock()
	}
	b.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	unsub := func() { once.Do(func() { close(done) }) }

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		b.remove(topic, id)
	}()

	return ch, unsub
}

// remove closes the subscriber channel unless Close already did.
func (b *Bus) remove(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.subs[topic]
	if !ok {
		return
	}
	if ch, ok := m[id]; ok {
		delete(m, id)
		close(ch)
	}
	if len(m) == 0 {
		delete(b.subs, topic)
	}
}

func (b *Bus) GetLast(topic Topic) (Event, bool) {
	b.lastMu.Lock()
	defer b.lastMu.Unlock()
	v, ok := b.last[topic]
	return v, ok
}

// Close closes every subscriber channel. Publish becomes a no-op and
// Subscribe returns a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Swap(true) {
		return
	}
	for _, m := range b.subs {
		for _, ch := range m {
			close(ch)
		}
	}
	b.subs = map[Topic]map[uint64]chan Event{}
}
