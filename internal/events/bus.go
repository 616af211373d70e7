// SPDX-License-Identifier: MIT
//
// Package events fans client events out to observers: peer status and
// errors, media results, processor changes, catalog updates and session
// transitions.
package events

import (
	"slices"
	"sync"
	"time"

	"wearstream/internal/log"
)

// Type names an event stream.
type Type string

const (
	Status         Type = "status"
	AudioStatus    Type = "audio_status"
	PeerError      Type = "error"
	MediaResult    Type = "media_result"
	ProcessorSet   Type = "processor_set"
	CatalogUpdated Type = "catalog_updated"
	SessionState   Type = "session_state"
)

// Event is one published occurrence. Payload is the value that produced it:
// a protocol event, a session state, or a processor list.
type Event struct {
	Type    Type
	Time    time.Time
	Payload any
}

// Listener handles events.
type Listener func(Event)

// Bus delivers events to listeners synchronously, in publish order.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Type]map[int]Listener
	global    map[int]Listener
	next      int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		listeners: make(map[Type]map[int]Listener),
		global:    make(map[int]Listener),
	}
}

// Subscribe registers l for events of type t and returns its removal func.
func (b *Bus) Subscribe(t Type, l Listener) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	if b.listeners[t] == nil {
		b.listeners[t] = make(map[int]Listener)
	}
	b.listeners[t][id] = l

	return func() {
		b.mu.Lock()
		delete(b.listeners[t], id)
		b.mu.Unlock()
	}
}

// SubscribeAll registers l for every event type.
func (b *Bus) SubscribeAll(l Listener) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.global[id] = l

	return func() {
		b.mu.Lock()
		delete(b.global, id)
		b.mu.Unlock()
	}
}

// Publish stamps and delivers an event. Type listeners run before global
// ones; a panicking listener is logged and does not stop the others.
func (b *Bus) Publish(t Type, payload any) {
	ev := Event{Type: t, Time: time.Now(), Payload: payload}

	b.mu.RLock()
	targets := make([]Listener, 0, len(b.listeners[t])+len(b.global))
	for _, id := range sortedIDs(b.listeners[t]) {
		targets = append(targets, b.listeners[t][id])
	}
	for _, id := range sortedIDs(b.global) {
		targets = append(targets, b.global[id])
	}
	b.mu.RUnlock()

	for _, l := range targets {
		safeInvoke(l, ev)
	}
}

// Clear removes all listeners.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = make(map[Type]map[int]Listener)
	b.global = make(map[int]Listener)
}

// sortedIDs keeps delivery in subscription order.
func sortedIDs(m map[int]Listener) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func safeInvoke(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Events: listener for %s panicked: %v", ev.Type, r)
		}
	}()
	l(ev)
}
