package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine"
)

// webhookDispatcher polls the event log and POSTs new events to the
// webhooks configured for the project. Each webhook keeps its own
// cursor so a slow endpoint does not hold back the others.
type webhookDispatcher struct {
	engine   engine.Engine
	project  string
	webhooks []config.WebhookConfig
	client   *http.Client

	mu      sync.Mutex
	cursors map[int]int64
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil {
		return
	}
	var enabled []config.WebhookConfig
	for _, hook := range e.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if hook.URL == "" {
			continue
		}
		enabled = append(enabled, hook)
	}
	if len(enabled) == 0 {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		project:  e.Config.Project.ID,
		webhooks: enabled,
		client:   &http.Client{Timeout: 10 * time.Second},
		cursors:  map[int]int64{},
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		d.dispatchAll()
	}
}

func (d *webhookDispatcher) dispatchAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i := range d.webhooks {
		d.dispatchWebhook(ctx, i)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int) {
	hook := d.webhooks[idx]
	cursor, ok := d.cursorFor(ctx, idx)
	if !ok {
		return
	}
	events, err := d.engine.Repo.EventsAfter(ctx, 100, cursor, d.project)
	if err != nil {
		log.Printf("webhook %s: read events: %v", hook.URL, err)
		return
	}
	for _, evt := range events {
		if !eventMatches(hook.Events, evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			log.Printf("webhook %s: deliver event %d: %v", hook.URL, evt.ID, err)
			// Stop here; retry from this event next tick.
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor lazily initializes a webhook cursor to the latest event so
// only events after startup are delivered.
func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) (int64, bool) {
	d.mu.Lock()
	cursor, ok := d.cursors[idx]
	d.mu.Unlock()
	if ok {
		return cursor, true
	}
	latest, err := d.engine.Repo.LatestEventID(ctx, d.project)
	if err != nil {
		log.Printf("webhook cursor init: %v", err)
		return 0, false
	}
	d.setCursor(idx, latest)
	return latest, true
}

func (d *webhookDispatcher) setCursor(idx int, cursor int64) {
	d.mu.Lock()
	d.cursors[idx] = cursor
	d.mu.Unlock()
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload, err := json.Marshal(eventResponse(evt))
	if err != nil {
		return err
	}
	timeout := 10 * time.Second
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stageline-Event", evt.Type)
	req.Header.Set("X-Stageline-Delivery", uuid.New().String())
	req.Header.Set("X-Stageline-Project", d.project)
	if hook.Secret != "" {
		req.Header.Set("X-Stageline-Secret", hook.Secret)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &webhookStatusError{status: resp.StatusCode}
	}
	return nil
}

type webhookStatusError struct {
	status int
}

func (e *webhookStatusError) Error() string {
	return http.StatusText(e.status)
}

// eventMatches checks an event type against a webhook's filter list.
// An empty list matches everything; entries ending in ".*" match the
// type prefix ("stage.*" matches "stage.status.changed").
func eventMatches(filters []string, evtType string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f == evtType || f == "*" {
			return true
		}
		if strings.HasSuffix(f, ".*") && strings.HasPrefix(evtType, strings.TrimSuffix(f, "*")) {
			return true
		}
	}
	return false
}
