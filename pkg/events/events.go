// Package events implements an in-process, channel-subject-filtered
// pub/sub bus, mirroring the shape of the central API's subscribe/listen
// contract. It backs apiclient's in-memory fake
// used by the scheduler, reconciler and ingester test suites; a real
// deployment talks to the external API over HTTP instead.
package events

import (
	"sync"

	"github.com/kernelci/kci-pipeline/pkg/types"
)

// Subscriber is a channel that receives node events for one subscription.
type Subscriber chan *types.Node

// Broker distributes node events to per-channel subscribers, honoring
// a simple subject filter (e.g. {"state": "done"}) evaluated against
// each published node.
type Broker struct {
	mu    sync.RWMutex
	subs  map[string]map[Subscriber]matcher
	subCh map[Subscriber]string // subscriber -> channel name, for Unsubscribe
}

type matcher func(*types.Node) bool

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{
		subs:  make(map[string]map[Subscriber]matcher),
		subCh: make(map[Subscriber]string),
	}
}

// Subscribe opens a subscription against channel, filtered by match
// (nil matches everything), and returns the subscriber handle.
func (b *Broker) Subscribe(channel string, match func(*types.Node) bool) Subscriber {
	if match == nil {
		match = func(*types.Node) bool { return true }
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[Subscriber]matcher)
	}
	b.subs[channel][sub] = match
	b.subCh[sub] = channel
	return sub
}

// Unsubscribe closes sub and removes it from its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	channel := b.subCh[sub]
	delete(b.subs[channel], sub)
	delete(b.subCh, sub)
	close(sub)
}

// Publish broadcasts node to every subscriber on channel whose filter
// matches. Delivery is non-blocking: a subscriber with a full buffer
// drops the event rather than blocking the publisher.
func (b *Broker) Publish(channel string, node *types.Node) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, match := range b.subs[channel] {
		if !match(node) {
			continue
		}
		select {
		case sub <- node:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions on channel.
func (b *Broker) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}
