// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package events provides an in-process publish/subscribe bus that decouples
// the agent core from monitoring, auditing and other side-channel consumers.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Event identifies an event type on the bus.
type Event string

const (
	EventAgentStarted   Event = "agent.started"
	EventAgentStopped   Event = "agent.stopped"
	EventActionExecuted Event = "action.executed"
	EventActionFailed   Event = "action.failed"
	EventDecisionMade   Event = "decision.made"
	EventGoalCreated    Event = "goal.created"
	EventGoalCompleted  Event = "goal.completed"
	EventAlertRaised    Event = "alert.raised"
	EventConfigReloaded Event = "config.reloaded"
	EventCacheCleanup   Event = "cache.cleanup"
	EventBackupFinished Event = "backup.finished"
)

// Payload carries a published event with its metadata.
type Payload struct {
	Event     Event
	Timestamp time.Time
	Source    string
	Data      map[string]interface{}
}

// NewPayload builds a payload stamped with the current time.
func NewPayload(event Event, source string, data map[string]interface{}) *Payload {
	return &Payload{
		Event:     event,
		Timestamp: time.Now(),
		Source:    source,
		Data:      data,
	}
}

// Subscription is a handle for a registered subscriber.
type Subscription struct {
	ID          string
	Event       Event
	Callback    func(*Payload)
	Filter      func(*Payload) bool
	Unsubscribe func()
}

// Bus manages event distribution to subscribers. Synchronous delivery runs
// subscribers inline; asynchronous delivery goes through a bounded queue and
// drops events when the queue is full.
type Bus struct {
	subscribers  map[Event][]*Subscription
	mu           sync.RWMutex
	queue        chan *Payload
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	shutdown     bool
}

// NewBus creates a bus and starts its async delivery goroutine.
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subscribers: make(map[Event][]*Subscription),
		queue:       make(chan *Payload, 1000),
		ctx:         ctx,
		cancel:      cancel,
	}

	go b.processQueue()

	return b
}

// Subscribe registers a callback for a specific event type.
func (b *Bus) Subscribe(event Event, callback func(*Payload)) *Subscription {
	return b.SubscribeWithFilter(event, callback, nil)
}

// SubscribeWithFilter registers a callback with an optional filter function.
func (b *Bus) SubscribeWithFilter(event Event, callback func(*Payload), filter func(*Payload) bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:       fmt.Sprintf("%d", time.Now().UnixNano()),
		Event:    event,
		Callback: callback,
		Filter:   filter,
	}
	sub.Unsubscribe = func() {
		b.unsubscribe(sub)
	}

	b.subscribers[event] = append(b.subscribers[event], sub)
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.Event]
	for i, s := range subs {
		if s.ID == sub.ID {
			b.subscribers[sub.Event] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Publish delivers an event to all matching subscribers synchronously.
// A panicking subscriber does not affect the others.
func (b *Bus) Publish(p *Payload) {
	b.mu.RLock()
	subs := b.subscribers[p.Event]
	// Copy slice to avoid holding lock during execution
	active := make([]*Subscription, len(subs))
	copy(active, subs)
	b.mu.RUnlock()

	for _, sub := range active {
		if sub.Filter == nil || sub.Filter(p) {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Errorf("Panic in event subscriber for %s: %v", p.Event, r)
					}
				}()
				sub.Callback(p)
			}()
		}
	}
}

// PublishAsync queues an event for asynchronous delivery. Events published
// after shutdown, or while the queue is full, are dropped. The read lock is
// held across the send so Shutdown cannot close the queue mid-publish.
func (b *Bus) PublishAsync(p *Payload) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.shutdown {
		return
	}

	select {
	case b.queue <- p:
	default:
		log.Warnf("Event queue full, dropping event: %s", p.Event)
	}
}

func (b *Bus) processQueue() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case p, ok := <-b.queue:
			if !ok {
				return
			}
			if p != nil {
				b.Publish(p)
			}
		}
	}
}

// Shutdown stops async delivery. Safe to call multiple times.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.shutdown = true
		b.cancel()
		close(b.queue)
		b.mu.Unlock()
	})
}
