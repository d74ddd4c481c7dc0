package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/leo-guinan/loveops-world-model/internal/events"
)

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	Type    string
	Domain  string
	ActorID string
	Since   time.Time
	Limit   int
}

// ListEvents returns events in append order.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]events.Event, error) {
	q := sq.Select("id", "timestamp", "source", "actor_id", "target_id", "domain", "type",
		"payload", "confidence", "meta").
		From("events").
		OrderBy("seq ASC")
	if f.Type != "" {
		q = q.Where(sq.Eq{"type": f.Type})
	}
	if f.Domain != "" {
		q = q.Where(sq.Eq{"domain": f.Domain})
	}
	if f.ActorID != "" {
		q = q.Where(sq.Eq{"actor_id": f.ActorID})
	}
	if !f.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"timestamp": f.Since.UTC().Format(timeLayout)})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.Db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			e             events.Event
			ts, payload   string
			actor, target sql.NullString
			confidence    sql.NullFloat64
			meta          sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Source, &actor, &target, &e.Domain, &e.Type,
			&payload, &confidence, &meta); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("event %s: parse timestamp: %w", e.ID, err)
		}
		e.Timestamp = t
		e.ActorID = actor.String
		e.TargetID = target.String
		e.Payload = json.RawMessage(payload)
		if confidence.Valid {
			c := confidence.Float64
			e.Confidence = &c
		}
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &e.Meta); err != nil {
				return nil, fmt.Errorf("event %s: decode meta: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// type -> count
func (s *Store) GetEventStats(ctx context.Context) (map[string]int, error) {
	query, args, err := sq.Select("type", "count(*)").From("events").GroupBy("type").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.Db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var (
			eventType string
			count     int
		)
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, err
		}
		stats[eventType] = count
	}
	return stats, rows.Err()
}
