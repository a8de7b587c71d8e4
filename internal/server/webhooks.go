package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"refeed/internal/domain"
	"refeed/internal/engine"
)

const (
	webhookPollInterval = 2 * time.Second
	webhookTimeout      = 5 * time.Second
	webhookBatchSize    = 100
	webhookMaxBackoff   = time.Minute
)

// hookState is one subscriber and its delivery progress.
type hookState struct {
	url      string
	secret   string
	filter   eventFilter
	client   *http.Client
	cursor   int64
	pinned   bool
	failures int
	retryAt  time.Time
}

// WebhookDispatcher tails the event log and POSTs matching events to subscribers. A subscriber
// starts at the newest event the first time it is polled and backs off after failed deliveries.
type WebhookDispatcher struct {
	engine   engine.Engine
	hooks    []*hookState
	log      *zap.Logger
	interval time.Duration
	now      func() time.Time
}

// NewWebhookDispatcher returns nil when no enabled webhook is configured.
func NewWebhookDispatcher(e engine.Engine, log *zap.Logger) *WebhookDispatcher {
	if e.Config == nil {
		return nil
	}
	var hooks []*hookState
	for _, wh := range e.Config.Webhooks {
		if wh.Enabled != nil && !*wh.Enabled || strings.TrimSpace(wh.URL) == "" {
			continue
		}
		timeout := webhookTimeout
		if wh.TimeoutSeconds > 0 {
			timeout = time.Duration(wh.TimeoutSeconds) * time.Second
		}
		hooks = append(hooks, &hookState{
			url:    wh.URL,
			secret: strings.TrimSpace(wh.Secret),
			filter: newEventFilter(wh.Events),
			client: &http.Client{Timeout: timeout},
		})
	}
	if len(hooks) == 0 {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookDispatcher{
		engine:   e,
		hooks:    hooks,
		log:      log.Named("webhooks"),
		interval: webhookPollInterval,
		now:      time.Now,
	}
}

// Run polls until ctx is cancelled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) dispatchAll(ctx context.Context) {
	for _, h := range d.hooks {
		if ctx.Err() != nil {
			return
		}
		if !h.retryAt.IsZero() && d.now().Before(h.retryAt) {
			continue
		}
		d.drain(ctx, h)
	}
}

func (d *WebhookDispatcher) drain(ctx context.Context, h *hookState) {
	if !h.pinned {
		latest, err := d.engine.Repo.LatestEventID(ctx)
		if err != nil {
			d.log.Warn("pin cursor", zap.String("url", h.url), zap.Error(err))
			return
		}
		h.cursor, h.pinned = latest, true
	}
	batch, err := d.engine.Repo.EventsAfter(ctx, webhookBatchSize, h.cursor)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Warn("read events", zap.Error(err))
		}
		return
	}
	for _, evt := range batch {
		if h.filter.match(evt.Type) {
			if err := d.deliver(ctx, h, evt); err != nil {
				h.failures++
				backoff := d.interval << min(h.failures, 5)
				if backoff > webhookMaxBackoff {
					backoff = webhookMaxBackoff
				}
				h.retryAt = d.now().Add(backoff)
				d.log.Warn("delivery failed",
					zap.String("url", h.url),
					zap.Int64("event_id", evt.ID),
					zap.Int("failures", h.failures),
					zap.Duration("retry_in", backoff),
					zap.Error(err))
				return
			}
		}
		h.cursor = evt.ID
		h.failures, h.retryAt = 0, time.Time{}
	}
}

type webhookEntity struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
}

type webhookEvent struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Entity  webhookEntity   `json:"entity"`
	ActorID string          `json:"actor_id"`
	At      string          `json:"at"`
	Data    json.RawMessage `json:"data"`
}

// signPayload returns the hex HMAC-SHA256 of body keyed by secret.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *WebhookDispatcher) deliver(ctx context.Context, h *hookState, evt domain.Event) error {
	data := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		data = json.RawMessage(evt.Payload)
	}
	body, err := json.Marshal(webhookEvent{
		ID:      evt.ID,
		Type:    evt.Type,
		Entity:  webhookEntity{Kind: evt.EntityKind, ID: evt.EntityID},
		ActorID: evt.ActorID,
		At:      evt.TS,
		Data:    data,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Refeed-Event", evt.Type)
	req.Header.Set("X-Refeed-Delivery", strconv.FormatInt(evt.ID, 10))
	if h.secret != "" {
		req.Header.Set("X-Refeed-Signature", "sha256="+signPayload(h.secret, body))
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}

// eventFilter holds path.Match patterns such as "listing.*". No patterns matches everything.
type eventFilter []string

func newEventFilter(patterns []string) eventFilter {
	var f eventFilter
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			f = append(f, p)
		}
	}
	return f
}

func (f eventFilter) match(evtType string) bool {
	if len(f) == 0 {
		return true
	}
	for _, p := range f {
		if ok, _ := path.Match(p, evtType); ok {
			return true
		}
	}
	return false
}
