package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"appfleet/internal/config"
	"appfleet/internal/db"
	"appfleet/internal/engine"
	"appfleet/internal/migrate"
)

type delivery struct {
	header http.Header
	event  webhookEvent
}

// capture is a webhook receiver that records deliveries and answers with
// a configurable status.
type capture struct {
	mu     sync.Mutex
	status int
	got    []delivery
}

func (c *capture) handler(w http.ResponseWriter, r *http.Request) {
	var evt webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.got = append(c.got, delivery{header: r.Header.Clone(), event: evt})
	status := c.status
	c.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (c *capture) setStatus(code int) {
	c.mu.Lock()
	c.status = code
	c.mu.Unlock()
}

func (c *capture) deliveries() []delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]delivery(nil), c.got...)
}

func newNotifyEnv(t *testing.T, hooks ...config.WebhookConfig) engine.Engine {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Webhooks = hooks
	return engine.New(conn, cfg)
}

func TestDeliveryStartsAtTail(t *testing.T) {
	ctx := context.Background()
	rec := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	eng := newNotifyEnv(t, config.WebhookConfig{URL: srv.URL, Secret: "hush"})
	old, err := eng.CreateTask(ctx, engine.TaskCreateOptions{AppName: "billing"})
	if err != nil {
		t.Fatal(err)
	}

	n := New(eng)
	n.dispatchAll(ctx)
	if len(rec.deliveries()) != 0 {
		t.Fatalf("history must not be replayed, got %d deliveries", len(rec.deliveries()))
	}

	fresh, err := eng.CreateTask(ctx, engine.TaskCreateOptions{AppName: "billing"})
	if err != nil {
		t.Fatal(err)
	}
	n.dispatchAll(ctx)

	got := rec.deliveries()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}
	d := got[0]
	if d.event.Type != "task.created" {
		t.Fatalf("event type: %q", d.event.Type)
	}
	if d.event.EntityKind != "task" || d.event.EntityID != fresh.ID {
		t.Fatalf("entity: %s/%s", d.event.EntityKind, d.event.EntityID)
	}
	if d.event.EntityID == old.ID {
		t.Fatalf("pre-subscription task leaked through")
	}
	if d.event.Fleet != "appfleet" {
		t.Fatalf("fleet: %q", d.event.Fleet)
	}
	if h := d.header.Get("X-Appfleet-Event"); h != "task.created" {
		t.Fatalf("event header: %q", h)
	}
	if h := d.header.Get("X-Appfleet-Secret"); h != "hush" {
		t.Fatalf("secret header: %q", h)
	}
	if h := d.header.Get("X-Appfleet-Fleet"); h != "appfleet" {
		t.Fatalf("fleet header: %q", h)
	}
	if h := d.header.Get("Content-Type"); h != "application/json" {
		t.Fatalf("content type: %q", h)
	}
	var payload map[string]any
	if err := json.Unmarshal(d.event.Payload, &payload); err != nil {
		t.Fatalf("payload must be embedded json: %v", err)
	}
}

func TestTypeFilterSkipsButAdvances(t *testing.T) {
	ctx := context.Background()
	rec := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	eng := newNotifyEnv(t, config.WebhookConfig{URL: srv.URL, Events: []string{"task.abandoned"}})
	n := New(eng)
	n.dispatchAll(ctx)

	if _, err := eng.CreateTask(ctx, engine.TaskCreateOptions{AppName: "billing"}); err != nil {
		t.Fatal(err)
	}
	n.dispatchAll(ctx)
	if len(rec.deliveries()) != 0 {
		t.Fatalf("filtered type must not be delivered")
	}

	latest, err := eng.Repo.LatestEventID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n.cursors[0] != latest {
		t.Fatalf("cursor must pass over filtered events, at %d want %d", n.cursors[0], latest)
	}
}

func TestFailedDeliveryRetriesInOrder(t *testing.T) {
	ctx := context.Background()
	rec := &capture{}
	rec.setStatus(http.StatusInternalServerError)
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	eng := newNotifyEnv(t, config.WebhookConfig{URL: srv.URL})
	n := New(eng)
	n.dispatchAll(ctx)

	first, err := eng.CreateTask(ctx, engine.TaskCreateOptions{AppName: "billing"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := eng.CreateTask(ctx, engine.TaskCreateOptions{AppName: "frontend"})
	if err != nil {
		t.Fatal(err)
	}

	n.dispatchAll(ctx)
	if got := rec.deliveries(); len(got) != 1 {
		t.Fatalf("a failed post stops the batch, got %d deliveries", len(got))
	}

	rec.setStatus(http.StatusOK)
	n.dispatchAll(ctx)
	got := rec.deliveries()
	// attempt 1 failed, attempts 2 and 3 landed both events
	if len(got) != 3 {
		t.Fatalf("expected 3 posts total, got %d", len(got))
	}
	if got[0].event.EntityID != first.ID || got[1].event.EntityID != first.ID {
		t.Fatalf("failed event must be retried first")
	}
	if got[2].event.EntityID != second.ID {
		t.Fatalf("delivery out of order: %+v", got[2].event)
	}
	if got[0].header.Get("X-Appfleet-Delivery") != got[1].header.Get("X-Appfleet-Delivery") {
		t.Fatalf("retry must carry the same delivery id")
	}
}

func TestEnabled(t *testing.T) {
	off := false
	cases := []struct {
		name  string
		hooks []config.WebhookConfig
		want  bool
	}{
		{"none", nil, false},
		{"configured", []config.WebhookConfig{{URL: "http://example.test/hook"}}, true},
		{"disabled", []config.WebhookConfig{{URL: "http://example.test/hook", Enabled: &off}}, false},
		{"blank url", []config.WebhookConfig{{URL: "  "}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng := newNotifyEnv(t, tc.hooks...)
			if got := New(eng).Enabled(); got != tc.want {
				t.Fatalf("enabled = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEventFilter(t *testing.T) {
	if !newEventFilter(nil).match("task.created") {
		t.Fatalf("no filter means every type matches")
	}
	if !newEventFilter([]string{" ", ""}).match("task.created") {
		t.Fatalf("blank entries collapse to match-all")
	}
	f := newEventFilter([]string{"task.abandoned", "health.threshold_breached"})
	if f.match("task.created") {
		t.Fatalf("unlisted type must not match")
	}
	if !f.match("health.threshold_breached") {
		t.Fatalf("listed type must match")
	}
}
