package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/migrate"
)

func newWebhookEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("riverview")
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), "riverview", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return e
}

func TestWebhookDeliversEvents(t *testing.T) {
	e := newWebhookEngine(t)

	var mu sync.Mutex
	var types []string
	var secrets []string
	recv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		mu.Lock()
		types = append(types, r.Header.Get("X-Stageline-Event"))
		secrets = append(secrets, r.Header.Get("X-Stageline-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer recv.Close()

	d := &webhookDispatcher{
		engine:  e,
		project: "riverview",
		webhooks: []config.WebhookConfig{
			{URL: recv.URL, Secret: "shh"},
		},
		client:  recv.Client(),
		cursors: map[int]int64{0: 0},
	}
	d.dispatchWebhook(context.Background(), 0)

	mu.Lock()
	if len(types) == 0 {
		mu.Unlock()
		t.Fatalf("expected at least the project.init event")
	}
	if types[0] != "project.init" {
		mu.Unlock()
		t.Fatalf("expected project.init first, got %s", types[0])
	}
	if secrets[0] != "shh" {
		mu.Unlock()
		t.Fatalf("secret header not set: %q", secrets[0])
	}
	before := len(types)
	mu.Unlock()

	// The cursor advanced past everything; a second pass delivers nothing.
	d.dispatchWebhook(context.Background(), 0)
	mu.Lock()
	defer mu.Unlock()
	if len(types) != before {
		t.Fatalf("expected no redelivery, got %d new", len(types)-before)
	}
}

func TestWebhookFilterSkipsButAdvancesCursor(t *testing.T) {
	e := newWebhookEngine(t)

	var mu sync.Mutex
	delivered := 0
	recv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delivered++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer recv.Close()

	d := &webhookDispatcher{
		engine:  e,
		project: "riverview",
		webhooks: []config.WebhookConfig{
			{URL: recv.URL, Events: []string{"round.*"}},
		},
		client:  recv.Client(),
		cursors: map[int]int64{0: 0},
	}
	d.dispatchWebhook(context.Background(), 0)
	mu.Lock()
	got := delivered
	mu.Unlock()
	if got != 0 {
		t.Fatalf("project.init should not match round.*, got %d deliveries", got)
	}
	if d.cursors[0] == 0 {
		t.Fatalf("cursor must advance past filtered events")
	}
}

func TestEventMatches(t *testing.T) {
	cases := []struct {
		filters []string
		evtType string
		want    bool
	}{
		{nil, "stage.status.changed", true},
		{[]string{"*"}, "round.deleted", true},
		{[]string{"round.created"}, "round.created", true},
		{[]string{"round.created"}, "round.deleted", false},
		{[]string{"stage.*"}, "stage.status.changed", true},
		{[]string{"stage.*"}, "approval.approved", false},
	}
	for _, c := range cases {
		if got := eventMatches(c.filters, c.evtType); got != c.want {
			t.Errorf("eventMatches(%v, %s) = %v, want %v", c.filters, c.evtType, got, c.want)
		}
	}
}
