package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"bloodline/internal/config"
	"bloodline/internal/domain"
	"bloodline/internal/repo"
)

// defaultEvents is what a hook without an explicit filter receives: the
// broadcast pair competing hospitals care about.
var defaultEvents = []string{"request.created", "request.claimed"}

// Dispatcher tails the event log and POSTs matching events to configured
// webhooks. Delivery is fire-and-forget: failures are logged, the cursor
// advances regardless, and the primary operations never block on it.
type Dispatcher struct {
	Repo      *repo.Repo
	NetworkID string
	Hooks     []config.WebhookConfig
	Interval  time.Duration

	cursors map[int]int64
}

func NewDispatcher(r *repo.Repo, networkID string, hooks []config.WebhookConfig) *Dispatcher {
	return &Dispatcher{
		Repo:      r,
		NetworkID: networkID,
		Hooks:     hooks,
		Interval:  2 * time.Second,
	}
}

// Run polls until the context is cancelled. Cursors start at the current
// log head so a restart does not replay history.
func (d *Dispatcher) Run(ctx context.Context) {
	if len(d.enabledHooks()) == 0 {
		return
	}
	head, err := d.Repo.LatestEventID(ctx, d.NetworkID)
	if err != nil {
		log.Printf("notify: reading log head: %v", err)
		head = 0
	}
	d.cursors = make(map[int]int64)
	for i := range d.Hooks {
		d.cursors[i] = head
	}

	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	for i, hook := range d.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		evts, err := d.Repo.EventsAfter(ctx, d.NetworkID, d.cursors[i], 100)
		if err != nil {
			log.Printf("notify: tailing events for %s: %v", hook.URL, err)
			continue
		}
		for _, evt := range evts {
			if matches(hook, evt.Type) {
				d.deliver(ctx, hook, evt)
			}
			d.cursors[i] = evt.ID
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, hook config.WebhookConfig, evt domain.Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		log.Printf("notify: encoding event %d: %v", evt.ID, err)
		return
	}
	timeout := time.Duration(hook.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		log.Printf("notify: building request for %s: %v", hook.URL, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bloodline-Event", evt.Type)
	if hook.Secret != "" {
		req.Header.Set("X-Bloodline-Secret", hook.Secret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("notify: delivering event %d to %s: %v", evt.ID, hook.URL, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("notify: %s answered %d for event %d", hook.URL, resp.StatusCode, evt.ID)
	}
}

func (d *Dispatcher) enabledHooks() []config.WebhookConfig {
	var out []config.WebhookConfig
	for _, h := range d.Hooks {
		if h.Enabled == nil || *h.Enabled {
			out = append(out, h)
		}
	}
	return out
}

func matches(hook config.WebhookConfig, evtType string) bool {
	filter := hook.Events
	if len(filter) == 0 {
		filter = defaultEvents
	}
	for _, t := range filter {
		if t == evtType || t == "*" {
			return true
		}
	}
	return false
}
