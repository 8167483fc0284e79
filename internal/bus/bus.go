// Package bus implements the in-process pub/sub fan-out for server
// events. Channels form a closed set; subscribers carry a bounded
// outbound queue and are never allowed to block a publisher.
package bus

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// The closed set of event channels.
const (
	ChannelSystemStats   = "system_stats"
	ChannelDBPoolStats   = "db_pool_stats"
	ChannelVectorSearch  = "vector_search"
	ChannelErrorFirewall = "error_firewall"
	ChannelAIAnalysis    = "ai_analysis"
	ChannelMemoryUpdates = "memory_updates"
)

// subscriberQueueLen bounds each subscriber's outbound queue.
const subscriberQueueLen = 64

// ErrUnknownChannel is returned for subscribe or publish attempts on a
// channel outside the closed set.
var ErrUnknownChannel = errors.New("unknown channel")

// Event is the envelope delivered to subscribers and pushed over
// WebSocket connections.
type Event struct {
	Type      string         `json:"type"`
	Channel   string         `json:"channel"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// Subscriber is a connection-scoped handle with one outbound queue
// shared by all of its channel subscriptions.
type Subscriber struct {
	id  string
	out chan Event
}

// ID returns the connection identifier the subscriber was created with.
func (s *Subscriber) ID() string { return s.id }

// Events returns the subscriber's outbound queue.
func (s *Subscriber) Events() <-chan Event { return s.out }

type channelState struct {
	mu   sync.Mutex
	subs map[string]*Subscriber
}

// Bus fans events out to per-channel subscriber sets.
type Bus struct {
	logger   *zap.Logger
	channels map[string]*channelState
}

// New creates a bus with the closed channel set pre-registered.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		logger:   logger,
		channels: make(map[string]*channelState),
	}
	for _, name := range []string{
		ChannelSystemStats,
		ChannelDBPoolStats,
		ChannelVectorSearch,
		ChannelErrorFirewall,
		ChannelAIAnalysis,
		ChannelMemoryUpdates,
	} {
		b.channels[name] = &channelState{subs: make(map[string]*Subscriber)}
	}
	return b
}

// Channels returns the valid channel names, sorted.
func (b *Bus) Channels() []string {
	names := make([]string, 0, len(b.channels))
	for name := range b.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewSubscriber creates a subscriber handle for a connection. The
// handle is inert until attached to channels via Subscribe.
func (b *Bus) NewSubscriber(connID string) *Subscriber {
	return &Subscriber{
		id:  connID,
		out: make(chan Event, subscriberQueueLen),
	}
}

// Subscribe attaches the subscriber to a channel. Subscribing twice to
// the same channel is idempotent.
func (b *Bus) Subscribe(sub *Subscriber, channel string) error {
	state, ok := b.channels[channel]
	if !ok {
		return fmt.Errorf("%w %q, valid channels: %s", ErrUnknownChannel, channel, strings.Join(b.Channels(), ", "))
	}
	state.mu.Lock()
	state.subs[sub.id] = sub
	state.mu.Unlock()
	return nil
}

// Unsubscribe detaches the subscriber from a channel. Unknown channels
// and absent subscriptions are no-ops.
func (b *Bus) Unsubscribe(sub *Subscriber, channel string) {
	state, ok := b.channels[channel]
	if !ok {
		return
	}
	state.mu.Lock()
	delete(state.subs, sub.id)
	state.mu.Unlock()
}

// UnsubscribeAll detaches the subscriber from every channel and closes
// its queue. Used on connection loss; the subscriber must not be
// reused afterwards.
func (b *Bus) UnsubscribeAll(sub *Subscriber) {
	for _, state := range b.channels {
		state.mu.Lock()
		delete(state.subs, sub.id)
		state.mu.Unlock()
	}
	// No channel holds the subscriber now, so no publisher can send.
	close(sub.out)
}

// Publish stamps the envelope and fans it out to the channel's
// subscribers. Sends never block: a subscriber with a full queue is
// dropped from the channel so one slow consumer cannot stall the rest.
func (b *Bus) Publish(channel, eventType string, data map[string]any) error {
	state, ok := b.channels[channel]
	if !ok {
		return fmt.Errorf("%w %q, valid channels: %s", ErrUnknownChannel, channel, strings.Join(b.Channels(), ", "))
	}

	event := Event{
		Type:      eventType,
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}

	state.mu.Lock()
	var stale []string
	for id, sub := range state.subs {
		select {
		case sub.out <- event:
		default:
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(state.subs, id)
	}
	state.mu.Unlock()

	if len(stale) > 0 {
		b.logger.Warn("dropped slow subscribers from channel",
			zap.String("channel", channel),
			zap.Int("dropped", len(stale)))
	}
	return nil
}

// SubscriberCount reports the number of subscribers on a channel.
// Unknown channels count zero.
func (b *Bus) SubscriberCount(channel string) int {
	state, ok := b.channels[channel]
	if !ok {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return len(state.subs)
}
