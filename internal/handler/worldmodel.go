// Package handler holds the world-model job handler: it turns claimed jobs
// into events on the event log or rows in the deploy metrics files.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/leo-guinan/loveops-world-model/internal/events"
	"github.com/leo-guinan/loveops-world-model/internal/model"
)

const (
	EventsIngestQueue = "loveops-events-ingest"
	MetricsQueue      = "loveops-metrics"
)

// EventAppender is the event log the ingest queue writes to.
type EventAppender interface {
	AppendEvent(ctx context.Context, e events.Event) error
}

type WorldModel struct {
	Events  EventAppender
	Metrics *MetricsSink

	// Queue names routed to each sink. NewWorldModel sets the defaults above.
	IngestQueue  string
	MetricsQueue string

	now func() time.Time
}

func NewWorldModel(log EventAppender, metrics *MetricsSink) *WorldModel {
	return &WorldModel{
		Events:       log,
		Metrics:      metrics,
		IngestQueue:  EventsIngestQueue,
		MetricsQueue: MetricsQueue,
		now:          time.Now,
	}
}

// Handle dispatches a job by the queue it was claimed from.
func (w *WorldModel) Handle(ctx context.Context, queue string, job *model.Job) error {
	switch queue {
	case w.IngestQueue:
		return w.ingest(ctx, job.Payload)
	case w.MetricsQueue:
		return w.Metrics.Record(job.Payload)
	default:
		return fmt.Errorf("unknown queue: %s", queue)
	}
}

type ingestPayload struct {
	Type   string          `json:"type"`
	UserID string          `json:"userId"`
	File   *uploadedFile   `json:"file"`
	Event  json.RawMessage `json:"event"`
}

type uploadedFile struct {
	Filename string `json:"filename"`
	Mimetype string `json:"mimetype"`
	Size     int64  `json:"size"`
	Data     string `json:"data"`
}

func (w *WorldModel) ingest(ctx context.Context, raw json.RawMessage) error {
	var p ingestPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode ingest payload: %w", err)
	}

	now := w.now()
	var partial events.Event
	switch {
	case p.Type == "document_upload":
		partial = documentUploadEvent(p, now)
	case len(p.Event) > 0 && string(p.Event) != "null":
		if err := json.Unmarshal(p.Event, &partial); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &partial); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
	}

	event, err := events.Normalize(partial, now)
	if err != nil {
		return err
	}
	if err := w.Events.AppendEvent(ctx, event); err != nil {
		return err
	}
	slog.Info("ingested event", "type", event.Type, "actor_id", event.ActorID, "event_id", event.ID)
	return nil
}

func documentUploadEvent(p ingestPayload, now time.Time) events.Event {
	var doc uploadedFile
	if p.File != nil {
		doc = *p.File
	}
	body, _ := json.Marshal(map[string]any{
		"document":   doc,
		"uploadType": "date_me_doc",
	})
	e := events.Event{
		Timestamp: now.UTC(),
		Source:    "views:document_upload",
		ActorID:   p.UserID,
		Domain:    "profile",
		Type:      events.TypeProfileCreated,
		Payload:   body,
	}
	if p.UserID != "" {
		e.ID = fmt.Sprintf("doc-upload-%s-%d", p.UserID, now.UnixMilli())
	}
	return e
}
