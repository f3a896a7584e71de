package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"appfleet/internal/config"
	"appfleet/internal/domain"
	"appfleet/internal/engine"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

// Notifier delivers event rows to configured webhooks. Each hook keeps
// its own cursor into the event log; a failed delivery stops that hook's
// batch and the rest is retried next tick, so delivery is at-least-once
// and in order per hook.
type Notifier struct {
	engine  engine.Engine
	fleet   string
	hooks   []config.WebhookConfig
	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

func New(e engine.Engine) *Notifier {
	fleet := ""
	var hooks []config.WebhookConfig
	if e.Config != nil {
		fleet = e.Config.Fleet.Name
		hooks = e.Config.Webhooks
	}
	return &Notifier{
		engine:  e,
		fleet:   fleet,
		hooks:   hooks,
		client:  &http.Client{Timeout: defaultTimeout},
		cursors: make(map[int]int64),
	}
}

// Enabled reports whether any hook is configured and active.
func (n *Notifier) Enabled() bool {
	for _, hook := range n.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) != "" {
			return true
		}
	}
	return false
}

// Run polls the event log until ctx ends.
func (n *Notifier) Run(ctx context.Context) {
	ticker := time.NewTicker(defaultInterval)
	defer ticker.Stop()
	for {
		n.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *Notifier) dispatchAll(ctx context.Context) {
	for i, hook := range n.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		n.dispatchHook(ctx, i, hook)
	}
}

func (n *Notifier) dispatchHook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := n.cursorFor(ctx, idx)
	events, err := n.engine.Repo.EventsAfter(ctx, defaultBatch, cursor)
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			n.setCursor(idx, evt.ID)
			continue
		}
		if err := n.postEvent(ctx, hook, evt); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		n.setCursor(idx, evt.ID)
	}
}

// cursorFor starts a new hook at the current tail: hooks announce what
// happens from now on, they do not replay history.
func (n *Notifier) cursorFor(ctx context.Context, idx int) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.cursors[idx]; ok {
		return cur
	}
	cur, err := n.engine.Repo.LatestEventID(ctx)
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	n.cursors[idx] = cur
	return cur
}

func (n *Notifier) setCursor(idx int, value int64) {
	n.mu.Lock()
	n.cursors[idx] = value
	n.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Fleet      string          `json:"fleet,omitempty"`
	AppName    string          `json:"app_name,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (n *Notifier) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		Fleet:      n.fleet,
		AppName:    evt.AppName,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := n.client
	if timeout != n.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Appfleet-Event", evt.Type)
	req.Header.Set("X-Appfleet-Delivery", fmt.Sprintf("%d", evt.ID))
	if n.fleet != "" {
		req.Header.Set("X-Appfleet-Fleet", n.fleet)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Appfleet-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
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
	_, ok := f.set[evt]
	return ok
}
