// Package notify delivers destination failure notifications with a
// dedupe window, so a destination that fails on every batch produces one
// notification per window instead of one per event.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/sluicedb/sluice/cfg"
)

// seenCacheSize bounds the dedupe cache. Keys past the bound are evicted
// oldest first, which can only cause an extra notification, never a lost
// one.
const seenCacheSize = 4096

// Event is one reportable failure.
type Event struct {
	Pipeline    string    `json:"pipeline"`
	Destination string    `json:"destination"`
	Table       string    `json:"table"`
	Category    string    `json:"category"`
	Message     string    `json:"message"`
	At          time.Time `json:"at"`
}

// key scopes the dedupe window. Two failures collapse only when they
// share pipeline, destination, table, and error category.
func (e Event) key() string {
	return strings.Join([]string{e.Pipeline, e.Destination, e.Table, e.Category}, "|")
}

// Deliverer sends one notification to a channel (log, webhook, ...).
type Deliverer interface {
	Deliver(ctx context.Context, event Event) error
}

// Notifier fans events out to its deliverers, suppressing repeats of the
// same key within the configured window.
type Notifier struct {
	window     time.Duration
	seen       *lru.Cache[string, time.Time]
	deliverers []Deliverer
	now        func() time.Time
}

// New builds a notifier from configuration: log delivery always, webhook
// delivery when a URL is configured.
func New(conf cfg.NotifyConfiguration) *Notifier {
	deliverers := []Deliverer{&LogDeliverer{}}
	if conf.WebhookURL != "" {
		deliverers = append(deliverers, NewWebhookDeliverer(conf.WebhookURL))
	}
	return NewWithDeliverers(time.Duration(conf.WindowSeconds)*time.Second, deliverers...)
}

// NewWithDeliverers builds a notifier with an explicit deliverer set.
func NewWithDeliverers(window time.Duration, deliverers ...Deliverer) *Notifier {
	seen, _ := lru.New[string, time.Time](seenCacheSize)
	return &Notifier{
		window:     window,
		seen:       seen,
		deliverers: deliverers,
		now:        time.Now,
	}
}

// Notify delivers the event unless the same key was already delivered
// within the window. Returns whether any deliverer accepted the event.
// The window starts only on a successful delivery: an event every
// deliverer rejected stays eligible for the next attempt. Delivery
// errors are logged, never propagated: notification failure must not
// affect the pipeline.
func (n *Notifier) Notify(ctx context.Context, event Event) bool {
	if event.At.IsZero() {
		event.At = n.now()
	}

	key := event.key()
	if last, ok := n.seen.Get(key); ok && n.now().Sub(last) < n.window {
		return false
	}

	delivered := false
	for _, d := range n.deliverers {
		if err := d.Deliver(ctx, event); err != nil {
			log.Warn().Err(err).
				Str("pipeline", event.Pipeline).
				Str("destination", event.Destination).
				Msg("Failed to deliver notification")
			continue
		}
		delivered = true
	}
	if delivered {
		n.seen.Add(key, n.now())
	}
	return delivered
}

// Acknowledge marks a delivered notification as handled by an operator,
// lifting its dedupe window so the next failure notifies immediately.
func (n *Notifier) Acknowledge(pipeline, destination, table, category string) bool {
	key := Event{Pipeline: pipeline, Destination: destination, Table: table, Category: category}.key()
	return n.seen.Remove(key)
}

// LogDeliverer writes notifications to the structured log.
type LogDeliverer struct{}

func (d *LogDeliverer) Deliver(_ context.Context, event Event) error {
	log.Warn().
		Str("pipeline", event.Pipeline).
		Str("destination", event.Destination).
		Str("table", event.Table).
		Str("category", event.Category).
		Msg(event.Message)
	return nil
}

// WebhookDeliverer POSTs notifications as JSON.
type WebhookDeliverer struct {
	url    string
	client *http.Client
}

func NewWebhookDeliverer(url string) *WebhookDeliverer {
	return &WebhookDeliverer{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *WebhookDeliverer) Deliver(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
