package realtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"presence-service/internal/model"
)

func testEvent(pageID uuid.UUID, seq int) ChangeEvent {
	return ChangeEvent{
		Type:   EventTypeUpdate,
		PageID: pageID,
		New: &model.PresenceRecord{
			UserID:  uuid.New(),
			PageID:  pageID,
			PageURL: fmt.Sprintf("https://example.com/p?seq=%d", seq),
		},
	}
}

func TestBroker_DeliversToPageSubscribers(t *testing.T) {
	b := NewBroker(nil, zap.NewNop())
	defer b.Stop()

	pageID := uuid.New()
	otherPage := uuid.New()

	sub := b.Subscribe(pageID)
	defer sub.Close()
	other := b.Subscribe(otherPage)
	defer other.Close()

	b.Publish(context.Background(), ChangeEvent{Type: EventTypeInsert, PageID: pageID})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, EventTypeInsert, ev.Type)
		assert.Equal(t, pageID, ev.PageID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-other.Events():
		t.Fatalf("event leaked across pages: %s", ev.Type)
	default:
	}
}

func TestBroker_PerPageOrdering(t *testing.T) {
	b := NewBroker(nil, zap.NewNop())
	defer b.Stop()

	pageID := uuid.New()
	sub := b.Subscribe(pageID)
	defer sub.Close()

	const n = 20
	ctx := context.Background()
	for i := 0; i < n; i++ {
		b.Publish(ctx, testEvent(pageID, i))
	}

	for i := 0; i < n; i++ {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, fmt.Sprintf("https://example.com/p?seq=%d", i), ev.New.PageURL)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestBroker_SlowSubscriberNeverBlocksPublish(t *testing.T) {
	b := NewBroker(nil, zap.NewNop())
	defer b.Stop()

	drops := 0
	b.SetDropHook(func() { drops++ })

	pageID := uuid.New()
	sub := b.Subscribe(pageID)
	defer sub.Close()

	ctx := context.Background()
	total := subscriptionBuffer + 10

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			b.Publish(ctx, testEvent(pageID, i))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.Equal(t, 10, drops)

	// The newest event survived the evictions.
	received := make([]string, 0, subscriptionBuffer)
	for {
		select {
		case ev := <-sub.Events():
			received = append(received, ev.New.PageURL)
			continue
		default:
		}
		break
	}
	require.NotEmpty(t, received)
	assert.Equal(t, fmt.Sprintf("https://example.com/p?seq=%d", total-1), received[len(received)-1])
}

func TestBroker_CloseIsIdempotent(t *testing.T) {
	b := NewBroker(nil, zap.NewNop())
	defer b.Stop()

	pageID := uuid.New()
	sub := b.Subscribe(pageID)
	require.Equal(t, 1, b.SubscriberCount(pageID))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount(pageID))

	// Publishing after the last unsubscribe is a no-op, not a panic.
	b.Publish(context.Background(), testEvent(pageID, 0))

	_, open := <-sub.Events()
	assert.False(t, open, "events channel is closed after Close")
}

func TestBroker_IndependentSubscribersEachGetEveryEvent(t *testing.T) {
	b := NewBroker(nil, zap.NewNop())
	defer b.Stop()

	pageID := uuid.New()
	first := b.Subscribe(pageID)
	defer first.Close()
	second := b.Subscribe(pageID)
	defer second.Close()

	b.Publish(context.Background(), testEvent(pageID, 7))

	for _, sub := range []*Subscription{first, second} {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, "https://example.com/p?seq=7", ev.New.PageURL)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}
