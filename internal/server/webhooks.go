package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"capmarket/internal/config"
	"capmarket/internal/domain"
	"capmarket/internal/engine"
	"capmarket/internal/logger"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher pushes market events to the configured webhooks. Each
// hook starts at the newest event present when it is first polled.
type WebhookDispatcher struct {
	engine   engine.Engine
	market   string
	webhooks []config.WebhookConfig
	client   *http.Client
	log      *zap.Logger
	mu       sync.Mutex
	cursors  map[int]int64
}

// NewWebhookDispatcher returns nil when the market has no enabled webhook.
func NewWebhookDispatcher(e engine.Engine, log *zap.Logger) *WebhookDispatcher {
	if e.Config == nil || strings.TrimSpace(e.Config.Market.ID) == "" {
		return nil
	}
	hooks := lo.Filter(e.Config.Webhooks, func(h config.WebhookConfig, _ int) bool {
		return (h.Enabled == nil || *h.Enabled) && strings.TrimSpace(h.URL) != ""
	})
	if len(hooks) == 0 {
		return nil
	}
	return &WebhookDispatcher{
		engine:   e,
		market:   e.Config.Market.ID,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      logger.OrDefault(log).Named("webhook"),
		cursors:  make(map[int]int64),
	}
}

// StartWebhookDispatcher polls in the background until ctx is done.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine, log *zap.Logger) {
	d := NewWebhookDispatcher(e, log)
	if d == nil {
		return
	}
	go d.Run(ctx, defaultWebhookInterval)
}

func (d *WebhookDispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll delivers every pending event once.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, ok := d.cursorFor(ctx, idx)
	if !ok {
		return
	}
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, d.market)
	if err != nil {
		d.log.Warn("fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.log.Warn("delivery failed",
				zap.String("url", hook.URL),
				zap.Int64("event_id", evt.ID),
				zap.Error(err),
			)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor returns the last delivered event id of a hook. A hook starts at
// the newest event; when that lookup fails the cursor stays unset so the next
// tick retries it.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, true
	}
	cur, err := d.engine.Repo.LatestEventID(ctx, d.market)
	if err != nil {
		d.log.Warn("init cursor failed", zap.Error(err))
		return 0, false
	}
	d.cursors[idx] = cur
	return cur, true
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	MarketID   string          `json:"market_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	AgentID    string          `json:"agent_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		MarketID:   evt.MarketID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		AgentID:    evt.AgentID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Market-Event", evt.Type)
	req.Header.Set("X-Market-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Market-Agent", evt.AgentID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Market-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

// newEventFilter matches every event when no type is listed. A trailing
// ".*" matches a whole family such as "order.*".
func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	if i := strings.IndexByte(evt, '.'); i > 0 {
		_, ok := f.set[evt[:i]+".*"]
		return ok
	}
	return false
}
