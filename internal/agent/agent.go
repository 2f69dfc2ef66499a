// Package agent embeds the client side of presence: it owns the session
// lifecycle for one user on one page at a time, heartbeats while the page is
// open, and exits proactively on navigation. There is no ambient state; every
// call works off the explicit session the agent was started with.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence-service/internal/model"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultRetryBudget       = 3
	enterRetryBackoff        = time.Second
)

// Config configures an Agent.
type Config struct {
	BaseURL           string // service base path, e.g. http://host:8004/api/presence
	Token             string
	HeartbeatInterval time.Duration
	// RetryBudget is how many consecutive failed heartbeats the agent
	// tolerates before marking its own view stale.
	RetryBudget int
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Session is the explicit context for one continuous span of presence.
type Session struct {
	PageID  uuid.UUID
	PageURL string
}

// Agent emits ENTER once per true session, heartbeats on a fixed interval and
// EXITs when told the user navigated away. When heartbeats keep failing it
// flips Stale so the UI stops trusting its own optimistic state; the server
// reaper converges independently.
type Agent struct {
	cfg          Config
	client       *http.Client
	logger       *zap.Logger
	enterBackoff time.Duration

	mu       sync.Mutex
	session  *Session
	cancel   context.CancelFunc
	done     chan struct{}
	failures int
	stale    bool

	// everStarted distinguishes a process restart (session discontinuity,
	// signaled to the server) from an in-process page switch.
	everStarted bool
}

func New(cfg Config) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = defaultRetryBudget
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Agent{
		cfg:          cfg,
		client:       cfg.HTTPClient,
		logger:       cfg.Logger,
		enterBackoff: enterRetryBackoff,
	}
}

// Start enters the page and begins heartbeating. Calling Start while a
// session is running is an error; use SwitchPage.
func (a *Agent) Start(ctx context.Context, session Session) error {
	a.mu.Lock()
	if a.session != nil {
		a.mu.Unlock()
		return fmt.Errorf("agent already running for page %s", a.session.PageID)
	}
	newSession := !a.everStarted
	a.everStarted = true
	a.session = &session
	a.failures = 0
	a.stale = false
	a.mu.Unlock()

	if err := a.sendEnter(ctx, eventRequest{
		PageID:     session.PageID.String(),
		Kind:       string(model.EventEnter),
		PageURL:    session.PageURL,
		NewSession: newSession,
	}); err != nil {
		a.mu.Lock()
		a.session = nil
		a.mu.Unlock()
		return fmt.Errorf("enter failed: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.mu.Lock()
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	go a.heartbeatLoop(loopCtx, session, done)
	return nil
}

// SwitchPage exits the current page and enters the next one as a fresh
// session.
func (a *Agent) SwitchPage(ctx context.Context, next Session) error {
	if err := a.Stop(ctx); err != nil {
		a.logger.Warn("exit on page switch failed", zap.Error(err))
	}
	return a.startResumed(ctx, next)
}

func (a *Agent) startResumed(ctx context.Context, session Session) error {
	a.mu.Lock()
	a.session = &session
	a.failures = 0
	a.stale = false
	a.mu.Unlock()

	if err := a.sendEnter(ctx, eventRequest{
		PageID:     session.PageID.String(),
		Kind:       string(model.EventEnter),
		PageURL:    session.PageURL,
		NewSession: true,
	}); err != nil {
		a.mu.Lock()
		a.session = nil
		a.mu.Unlock()
		return fmt.Errorf("enter failed: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.mu.Lock()
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	go a.heartbeatLoop(loopCtx, session, done)
	return nil
}

// Stop halts heartbeating and sends a proactive EXIT. Safe to call when no
// session is running.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	session := a.session
	cancel := a.cancel
	done := a.done
	a.session = nil
	a.cancel = nil
	a.done = nil
	a.mu.Unlock()

	if session == nil {
		return nil
	}
	if cancel != nil {
		cancel()
		<-done
	}

	_, err := a.sendEvent(ctx, eventRequest{
		PageID: session.PageID.String(),
		Kind:   string(model.EventExit),
	})
	if err != nil {
		return fmt.Errorf("exit failed: %w", err)
	}
	return nil
}

// SetAvailability updates presentation attributes on the live session.
func (a *Agent) SetAvailability(ctx context.Context, availability model.Availability, customLabel, auraColor string) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return fmt.Errorf("no running session")
	}

	_, err := a.sendEvent(ctx, eventRequest{
		PageID:       session.PageID.String(),
		Kind:         string(model.EventAvailability),
		Availability: string(availability),
		CustomLabel:  customLabel,
		AuraColor:    auraColor,
	})
	return err
}

// Stale reports whether the agent has exhausted its heartbeat retry budget
// and no longer trusts its own optimistic presence state.
func (a *Agent) Stale() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stale
}

// sendEnter retries a failed ENTER up to the retry budget with doubling
// backoff. ENTER is the one event worth retrying inline: without it no
// session exists for heartbeats to sustain.
func (a *Agent) sendEnter(ctx context.Context, event eventRequest) error {
	backoff := a.enterBackoff
	var err error
	for attempt := 0; attempt < a.cfg.RetryBudget; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if _, err = a.sendEvent(ctx, event); err == nil {
			return nil
		}
		a.logger.Debug("enter failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return err
}

// heartbeatLoop beats on the configured interval. Failures never tighten the
// interval; they only consume the retry budget.
func (a *Agent) heartbeatLoop(ctx context.Context, session Session, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := a.sendEvent(ctx, eventRequest{
				PageID: session.PageID.String(),
				Kind:   string(model.EventHeartbeat),
			})

			a.mu.Lock()
			if err != nil {
				a.failures++
				if a.failures >= a.cfg.RetryBudget && !a.stale {
					a.stale = true
					a.logger.Warn("heartbeat retry budget exhausted, marking presence stale",
						zap.String("pageId", session.PageID.String()),
						zap.Int("failures", a.failures))
				}
			} else {
				a.failures = 0
				a.stale = false
			}
			a.mu.Unlock()

			if err != nil {
				a.logger.Debug("heartbeat failed", zap.Error(err))
			}
		}
	}
}

type eventRequest struct {
	PageID       string `json:"pageId"`
	Kind         string `json:"kind"`
	Availability string `json:"availability,omitempty"`
	CustomLabel  string `json:"customLabel,omitempty"`
	PageURL      string `json:"pageUrl,omitempty"`
	AuraColor    string `json:"auraColor,omitempty"`
	NewSession   bool   `json:"newSession,omitempty"`
}

type eventResponse struct {
	Record *model.PresenceRecord `json:"record"`
}

func (a *Agent) sendEvent(ctx context.Context, event eventRequest) (*model.PresenceRecord, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	url := a.cfg.BaseURL + "/event"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("presence event rejected: status=%d body=%s", resp.StatusCode, string(raw))
	}

	var result eventResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Record, nil
}
