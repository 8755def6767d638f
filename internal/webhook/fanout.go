// Event fan-out.
//
// This file implements the secondary event channel: arbitrary
// organization-configured automations keyed by event name (e.g.
// "chat_message_sent"). Fan-out runs on its own bounded queue and worker
// pool, decoupled from the primary request/response path, so a failed or
// slow target can never delay or fail a send. Every attempt is recorded
// in the delivery log.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/knowflow/kb-chat-backend/internal/repo"
)

// Event names published on the fan-out channel.
const (
	EventChatMessageSent = "chat_message_sent"
	EventChatMessageCompleted = "chat_message_completed"
)

// DeliveryResult is the per-target outcome of one fan-out.
type DeliveryResult struct {
	WebhookID string `json:"webhook_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

type fanoutJob struct {
	event   string
	orgID   string
	payload []byte
}

// Fanout owns the background delivery queue. Construct with NewFanout,
// call Start once, and Close on shutdown to drain in-flight jobs.
type Fanout struct {
	db      *gorm.DB
	client  *http.Client
	log     zerolog.Logger
	queue   chan fanoutJob
	workers int

	wg sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewFanout builds the fan-out queue. queueCap bounds memory; when the
// queue is full, triggers are dropped and logged rather than blocking the
// caller.
func NewFanout(db *gorm.DB, workers, queueCap int, timeout time.Duration, log zerolog.Logger) *Fanout {
	if workers < 1 {
		workers = 1
	}
	if queueCap < 1 {
		queueCap = 1
	}
	return &Fanout{
		db:      db,
		client:  &http.Client{Timeout: timeout},
		log:     log,
		queue:   make(chan fanoutJob, queueCap),
		workers: workers,
	}
}

// Start launches the worker pool.
func (f *Fanout) Start() {
	for i := 0; i < f.workers; i++ {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			for job := range f.queue {
				f.deliver(job)
			}
		}()
	}
}

// Trigger enqueues one event for delivery to every enabled endpoint of
// (orgID, event). It never blocks and never returns an error: the secondary
// channel is best-effort by design.
func (f *Fanout) Trigger(event, orgID string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		f.log.Error().Err(err).Str("event", event).Msg("fanout payload marshal")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		fanoutDropped.Inc()
		f.log.Warn().Str("event", event).Str("org_id", orgID).Msg("fanout closed, trigger dropped")
		return
	}
	select {
	case f.queue <- fanoutJob{event: event, orgID: orgID, payload: body}:
	default:
		fanoutDropped.Inc()
		f.log.Warn().Str("event", event).Str("org_id", orgID).Msg("fanout queue full, trigger dropped")
	}
}

// Close stops accepting triggers and waits for in-flight deliveries.
// Triggers arriving after Close are dropped and logged, never a panic.
func (f *Fanout) Close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()
	f.wg.Wait()
}

// deliver posts the payload to each configured target and records results.
func (f *Fanout) deliver(job fanoutJob) {
	ctx, cancel := context.WithTimeout(context.Background(), f.client.Timeout+5*time.Second)
	defer cancel()

	targets, err := repo.ListWebhookEndpoints(ctx, f.db, job.orgID, job.event)
	if err != nil {
		f.log.Error().Err(err).Str("event", job.event).Msg("fanout target lookup failed")
		return
	}

	for _, t := range targets {
		res := f.post(ctx, t.URL, job.payload)
		res.WebhookID = t.ID
		if !res.Success {
			fanoutFailures.Inc()
			f.log.Warn().
				Str("webhook_id", t.ID).
				Str("event", job.event).
				Str("error", res.Error).
				Msg("fanout delivery failed")
		}
		if err := repo.RecordWebhookDelivery(ctx, f.db, t.ID, job.event, res.Success, res.Error); err != nil {
			f.log.Error().Err(err).Str("webhook_id", t.ID).Msg("fanout delivery log write failed")
		}
	}
}

func (f *Fanout) post(ctx context.Context, url string, body []byte) DeliveryResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return DeliveryResult{Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return DeliveryResult{Error: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return DeliveryResult{Error: resp.Status}
	}
	return DeliveryResult{Success: true}
}
