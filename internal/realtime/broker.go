// internal/realtime/broker.go
package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"presence-service/internal/model"
)

const (
	channelPrefix  = "presence:page:"
	channelPattern = channelPrefix + "*"

	// Per-subscriber buffer depth. A subscriber that falls further behind
	// than this loses its oldest events and must resynchronize from the
	// active-user query, which is the normal recovery path anyway.
	subscriptionBuffer = 64
)

type EventType string

const (
	EventTypeInsert EventType = "INSERT"
	EventTypeUpdate EventType = "UPDATE"
	EventTypeDelete EventType = "DELETE"
)

// ChangeEvent is the payload delivered to every subscriber of a page.
type ChangeEvent struct {
	Type   EventType             `json:"eventType"`
	PageID uuid.UUID             `json:"pageId"`
	Old    *model.PresenceRecord `json:"old,omitempty"`
	New    *model.PresenceRecord `json:"new,omitempty"`
}

// Subscription is one logical per-page channel. Close is safe to call any
// number of times.
type Subscription struct {
	pageID uuid.UUID
	events chan ChangeEvent
	broker *Broker
	once   sync.Once
}

func (s *Subscription) Events() <-chan ChangeEvent {
	return s.events
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.remove(s)
		close(s.events)
	})
}

// Broker fans presence mutations out to every subscriber of the affected
// page. Publishing never blocks: a slow subscriber drops its oldest buffered
// event instead. With Redis configured, events travel through pub/sub so
// subscribers on other instances see them too; without it the broker degrades
// to in-process delivery.
type Broker struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[*Subscription]bool
	rdb    *redis.Client
	logger *zap.Logger
	cancel context.CancelFunc

	// onDrop is called once per event dropped from a subscriber buffer.
	onDrop func()
}

func NewBroker(rdb *redis.Client, logger *zap.Logger) *Broker {
	b := &Broker{
		subs:   make(map[uuid.UUID]map[*Subscription]bool),
		rdb:    rdb,
		logger: logger,
		onDrop: func() {},
	}

	if rdb != nil {
		ctx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		go b.consume(ctx)
	}

	return b
}

// SetDropHook registers a callback observed on every dropped delivery.
func (b *Broker) SetDropHook(fn func()) {
	if fn != nil {
		b.onDrop = fn
	}
}

func (b *Broker) Subscribe(pageID uuid.UUID) *Subscription {
	sub := &Subscription{
		pageID: pageID,
		events: make(chan ChangeEvent, subscriptionBuffer),
		broker: b,
	}

	b.mu.Lock()
	if b.subs[pageID] == nil {
		b.subs[pageID] = make(map[*Subscription]bool)
	}
	b.subs[pageID][sub] = true
	b.mu.Unlock()

	return sub
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[sub.pageID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subs, sub.pageID)
		}
	}
}

// Publish sends a change event to every subscriber of its page. It returns
// once the event is handed to Redis (or to local buffers); subscriber
// delivery is fire and forget.
func (b *Broker) Publish(ctx context.Context, event ChangeEvent) {
	if b.rdb == nil {
		b.deliver(event)
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("failed to marshal change event", zap.Error(err))
		return
	}

	channel := channelPrefix + event.PageID.String()
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		b.logger.Warn("failed to publish change event, delivering locally",
			zap.String("pageId", event.PageID.String()),
			zap.Error(err))
		b.deliver(event)
	}
}

// consume feeds events published by any instance back into local
// subscriptions. Our own publishes arrive here too, so local delivery happens
// exactly once and in channel order.
func (b *Broker) consume(ctx context.Context) {
	pubsub := b.rdb.PSubscribe(ctx, channelPattern)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			pageID, err := uuid.Parse(strings.TrimPrefix(msg.Channel, channelPrefix))
			if err != nil {
				continue
			}
			var event ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("failed to decode change event", zap.Error(err))
				continue
			}
			event.PageID = pageID
			b.deliver(event)
		}
	}
}

func (b *Broker) deliver(event ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[event.PageID] {
		select {
		case sub.events <- event:
		default:
			// Buffer full: evict the oldest event to make room.
			select {
			case <-sub.events:
			default:
			}
			select {
			case sub.events <- event:
			default:
			}
			b.onDrop()
		}
	}
}

// SubscriberCount reports how many subscriptions a page currently has.
func (b *Broker) SubscriberCount(pageID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[pageID])
}

func (b *Broker) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
}
