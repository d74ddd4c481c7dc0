// Package storage is the append-only event log the world-model handler
// writes ingested events to. It is a single sqlite file whose schema is
// managed by the embedded migrations.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/leo-guinan/loveops-world-model/internal/events"
	"github.com/leo-guinan/loveops-world-model/migrations"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	Db  *sql.DB
	now func() time.Time
}

// Init applies pending schema migrations.
func (s *Store) Init() error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.Db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// Handlers append from several pollers; one connection keeps sqlite
	// writers from tripping over each other.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	store := &Store{
		Db:  db,
		now: time.Now,
	}
	if err := store.Init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.Db.Close()
}

// AppendEvent stores e. Appending an id that already exists is a no-op, so a
// retried ingest job never duplicates its event.
func (s *Store) AppendEvent(ctx context.Context, e events.Event) error {
	var meta sql.NullString
	if len(e.Meta) > 0 {
		data, err := json.Marshal(e.Meta)
		if err != nil {
			return fmt.Errorf("encode meta: %w", err)
		}
		meta = sql.NullString{String: string(data), Valid: true}
	}
	var confidence sql.NullFloat64
	if e.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *e.Confidence, Valid: true}
	}
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}

	query, args, err := sq.Insert("events").
		Options("OR IGNORE").
		Columns("id", "timestamp", "source", "actor_id", "target_id", "domain", "type",
			"payload", "confidence", "meta", "appended_at").
		Values(e.ID, e.Timestamp.UTC().Format(timeLayout), e.Source, nullString(e.ActorID),
			nullString(e.TargetID), e.Domain, e.Type, payload, confidence, meta,
			s.now().UTC().Format(timeLayout)).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.Db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("append event %s: %w", e.ID, err)
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
