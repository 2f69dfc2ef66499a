package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"presence-service/internal/realtime"
	"presence-service/internal/service"
)

const (
	reconnectBackoff    = 3 * time.Second
	maxReconnectBackoff = 30 * time.Second
)

// Watcher maintains the observer side: a live view of who is on a page. It
// has no replay guarantee over the realtime channel, so every (re)connect
// first pulls a full snapshot from the active-users endpoint and only then
// streams increments. Reconnect-and-resnapshot is the normal recovery path,
// not an edge case.
type Watcher struct {
	BaseURL string // e.g. http://host:8004/api/presence
	Token   string
	PageID  uuid.UUID

	// OnSnapshot receives the full state after every (re)connect.
	OnSnapshot func([]service.EnrichedPresence)
	// OnChange receives each incremental change event.
	OnChange func(realtime.ChangeEvent)

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Run blocks until ctx is cancelled, reconnecting with backoff on every
// failure.
func (w *Watcher) Run(ctx context.Context) {
	if w.HTTPClient == nil {
		w.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if w.Logger == nil {
		w.Logger = zap.NewNop()
	}

	backoff := reconnectBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		err := w.watchOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.Logger.Debug("watch connection lost, reconnecting",
				zap.String("pageId", w.PageID.String()),
				zap.Duration("backoff", backoff),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

// watchOnce resynchronizes from a snapshot, then streams until the
// connection drops.
func (w *Watcher) watchOnce(ctx context.Context) error {
	snapshot, err := w.fetchSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if w.OnSnapshot != nil {
		w.OnSnapshot(snapshot)
	}

	wsURL := toWebsocketURL(w.BaseURL) + "/ws/pages/" + w.PageID.String() + "?token=" + w.Token
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Unblock the read loop on cancellation.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var event realtime.ChangeEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			w.Logger.Warn("failed to decode change event", zap.Error(err))
			continue
		}
		if w.OnChange != nil {
			w.OnChange(event)
		}
	}
}

func (w *Watcher) fetchSnapshot(ctx context.Context) ([]service.EnrichedPresence, error) {
	url := fmt.Sprintf("%s/active?pageId=%s", w.BaseURL, w.PageID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+w.Token)

	resp, err := w.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot fetch failed: status=%d", resp.StatusCode)
	}

	var result struct {
		Active []service.EnrichedPresence `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Active, nil
}

func toWebsocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	return baseURL
}
