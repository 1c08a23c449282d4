// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/ManuGH/snipey/internal/domain"
	"github.com/ManuGH/snipey/internal/persistence/sqlite"
)

// SQLStore implements Store on database/sql for sqlite and postgres.
type SQLStore struct {
	DB  *sql.DB
	d   dialect
	now func() time.Time
}

// OpenSQLite opens (creating if necessary) the sqlite database at path and
// migrates it to the current schema.
func OpenSQLite(ctx context.Context, path string, maxOpenConns int) (*SQLStore, error) {
	cfg := sqlite.DefaultConfig()
	if maxOpenConns > 0 {
		cfg.MaxOpenConns = maxOpenConns
	}
	db, err := sqlite.Open(path, cfg)
	if err != nil {
		return nil, err
	}
	return newSQLStore(ctx, db, sqliteDialect, true)
}

// OpenPostgres connects through the pgx database/sql driver and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string, maxOpenConns int) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open failed: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}
	return newSQLStore(ctx, db, postgresDialect, true)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, migrate bool) (*SQLStore, error) {
	s := &SQLStore{DB: db, d: d, now: time.Now}
	if migrate {
		if err := s.migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: migration failed: %w", err)
		}
	}
	return s, nil
}

// Backend names the SQL dialect in use.
func (s *SQLStore) Backend() string { return s.d.name }

func (s *SQLStore) migrate(ctx context.Context) error {
	current, err := s.d.version(ctx, s.DB)
	if err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schemaStatements(s.d) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := s.d.setVersion(ctx, tx, schemaVersion); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) q(query string) string { return s.d.rebind(query) }

func toMicros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(us int64) time.Time { return time.UnixMicro(us).UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const eventColumns = `id, group_id, meetup_id, name, rsvp_open_at_us, created_at_us`

func scanEvent(row interface{ Scan(...any) error }) (domain.Event, error) {
	var (
		ev      domain.Event
		groupID string
		openAt  sql.NullInt64
		created int64
	)
	if err := row.Scan(&ev.ID, &groupID, &ev.MeetupID, &ev.Name, &openAt, &created); err != nil {
		return domain.Event{}, err
	}
	ev.GroupID = domain.GroupID(groupID)
	if openAt.Valid {
		ev.OpenAt = fromMicros(openAt.Int64)
	}
	ev.CreatedAt = fromMicros(created)
	return ev, nil
}

func (s *SQLStore) FindEvent(ctx context.Context, groupID domain.GroupID, meetupID string) (domain.Event, error) {
	row := s.DB.QueryRowContext(ctx,
		s.q(`SELECT `+eventColumns+` FROM events WHERE group_id = ? AND meetup_id = ?`),
		string(groupID), meetupID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, ErrNotFound
	}
	if err != nil {
		return domain.Event{}, fmt.Errorf("find event: %w", err)
	}
	return ev, nil
}

func (s *SQLStore) CreateEvent(ctx context.Context, ev domain.Event) (domain.Event, bool, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}
	var openAt sql.NullInt64
	if at, ok := ev.OpensAt(); ok {
		openAt = sql.NullInt64{Int64: toMicros(at), Valid: true}
	}

	const query = `
	INSERT INTO events (group_id, meetup_id, name, rsvp_open_at_us, created_at_us)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (group_id, meetup_id) DO NOTHING
	RETURNING id`

	err := s.DB.QueryRowContext(ctx, s.q(query),
		string(ev.GroupID), ev.MeetupID, ev.Name, openAt, toMicros(ev.CreatedAt),
	).Scan(&ev.ID)
	if err == nil {
		ev.CreatedAt = fromMicros(toMicros(ev.CreatedAt))
		return ev, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, false, fmt.Errorf("create event: %w", err)
	}

	existing, err := s.FindEvent(ctx, ev.GroupID, ev.MeetupID)
	if err != nil {
		return domain.Event{}, false, err
	}
	return existing, false, nil
}

const snipeColumns = `id, event_id, meetup_id, group_id, user_id, trigger_at_us, immediate, status, task_handle, attempts, last_error, created_at_us, updated_at_us`

func scanSnipe(row interface{ Scan(...any) error }) (domain.Snipe, error) {
	var (
		sn                         domain.Snipe
		groupID, status            string
		trigger, created, modified int64
		immediate                  int
	)
	if err := row.Scan(&sn.ID, &sn.EventID, &sn.MeetupID, &groupID, &sn.UserID, &trigger,
		&immediate, &status, &sn.TaskHandle, &sn.Attempts, &sn.LastError, &created, &modified); err != nil {
		return domain.Snipe{}, err
	}
	sn.GroupID = domain.GroupID(groupID)
	sn.Status = domain.DispatchStatus(status)
	sn.Immediate = immediate != 0
	sn.TriggerAt = fromMicros(trigger)
	sn.CreatedAt = fromMicros(created)
	sn.UpdatedAt = fromMicros(modified)
	return sn, nil
}

func (s *SQLStore) FindSnipe(ctx context.Context, eventID int64, userID string) (domain.Snipe, error) {
	row := s.DB.QueryRowContext(ctx,
		s.q(`SELECT `+snipeColumns+` FROM snipes WHERE event_id = ? AND user_id = ?`),
		eventID, userID)
	sn, err := scanSnipe(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Snipe{}, ErrNotFound
	}
	if err != nil {
		return domain.Snipe{}, fmt.Errorf("find snipe: %w", err)
	}
	return sn, nil
}

func (s *SQLStore) CreateSnipe(ctx context.Context, sn domain.Snipe) (domain.Snipe, bool, error) {
	now := s.now().UTC()
	if sn.CreatedAt.IsZero() {
		sn.CreatedAt = now
	}
	sn.UpdatedAt = now
	if sn.Status == "" {
		sn.Status = domain.DispatchPending
	}

	const query = `
	INSERT INTO snipes (event_id, meetup_id, group_id, user_id, trigger_at_us, immediate, status,
		task_handle, attempts, last_error, created_at_us, updated_at_us)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (event_id, user_id) DO NOTHING
	RETURNING id`

	err := s.DB.QueryRowContext(ctx, s.q(query),
		sn.EventID, sn.MeetupID, string(sn.GroupID), sn.UserID, toMicros(sn.TriggerAt), boolInt(sn.Immediate),
		string(sn.Status), sn.TaskHandle, sn.Attempts, sn.LastError, toMicros(sn.CreatedAt), toMicros(sn.UpdatedAt),
	).Scan(&sn.ID)
	if err == nil {
		sn.TriggerAt = fromMicros(toMicros(sn.TriggerAt))
		sn.CreatedAt = fromMicros(toMicros(sn.CreatedAt))
		sn.UpdatedAt = fromMicros(toMicros(sn.UpdatedAt))
		return sn, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Snipe{}, false, fmt.Errorf("create snipe: %w", err)
	}

	existing, err := s.FindSnipe(ctx, sn.EventID, sn.UserID)
	if err != nil {
		return domain.Snipe{}, false, err
	}
	return existing, false, nil
}

func (s *SQLStore) querySnipes(ctx context.Context, query string, args ...any) ([]domain.Snipe, error) {
	rows, err := s.DB.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query snipes: %w", err)
	}
	defer rows.Close()

	var out []domain.Snipe
	for rows.Next() {
		sn, err := scanSnipe(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snipe: %w", err)
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListSnipes(ctx context.Context, eventID int64) ([]domain.Snipe, error) {
	return s.querySnipes(ctx, `SELECT `+snipeColumns+` FROM snipes WHERE event_id = ? ORDER BY id`, eventID)
}

func (s *SQLStore) ListRetryableSnipes(ctx context.Context, staleBefore time.Time, limit int) ([]domain.Snipe, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.querySnipes(ctx, `
	SELECT `+snipeColumns+` FROM snipes
	WHERE status = ? OR (status = ? AND updated_at_us < ?)
	ORDER BY updated_at_us, id
	LIMIT ?`,
		string(domain.DispatchFailed), string(domain.DispatchPending), toMicros(staleBefore), limit)
}

func (s *SQLStore) ListDispatchedSnipes(ctx context.Context, handlePrefix string) ([]domain.Snipe, error) {
	return s.querySnipes(ctx, `
	SELECT `+snipeColumns+` FROM snipes
	WHERE status = ? AND substr(task_handle, 1, ?) = ?
	ORDER BY id`,
		string(domain.DispatchSubmitted), len(handlePrefix), handlePrefix)
}

func (s *SQLStore) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := s.DB.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) MarkSnipeDispatched(ctx context.Context, id int64, handle string) error {
	return s.exec(ctx, "mark snipe dispatched", `
	UPDATE snipes SET status = CASE WHEN status = ? THEN status ELSE ? END,
	task_handle = ?, attempts = attempts + 1, last_error = '', updated_at_us = ?
	WHERE id = ?`,
		string(domain.DispatchFired), string(domain.DispatchSubmitted), handle, toMicros(s.now()), id)
}

func (s *SQLStore) MarkSnipeFailed(ctx context.Context, id int64, reason string) error {
	return s.exec(ctx, "mark snipe failed", `
	UPDATE snipes SET status = ?, attempts = attempts + 1, last_error = ?, updated_at_us = ?
	WHERE id = ?`,
		string(domain.DispatchFailed), reason, toMicros(s.now()), id)
}

func (s *SQLStore) MarkSnipeFired(ctx context.Context, id int64) error {
	return s.exec(ctx, "mark snipe fired", `
	UPDATE snipes SET status = ?, updated_at_us = ? WHERE id = ?`,
		string(domain.DispatchFired), toMicros(s.now()), id)
}

func (s *SQLStore) MarkSnipeAbandoned(ctx context.Context, id int64, reason string) error {
	return s.exec(ctx, "mark snipe abandoned", `
	UPDATE snipes SET status = ?, last_error = ?, updated_at_us = ?
	WHERE id = ?`,
		string(domain.DispatchAbandoned), reason, toMicros(s.now()), id)
}

func (s *SQLStore) ReleaseSnipe(ctx context.Context, id int64, reason string) error {
	return s.exec(ctx, "release snipe", `
	UPDATE snipes SET status = ?, last_error = ?, updated_at_us = ?
	WHERE id = ?`,
		string(domain.DispatchFailed), reason, toMicros(s.now()), id)
}

func (s *SQLStore) PutGroup(ctx context.Context, g domain.Group) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put group: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`
	INSERT INTO tracked_groups (id, name) VALUES (?, ?)
	ON CONFLICT (id) DO UPDATE SET name = excluded.name`), string(g.ID), g.Name); err != nil {
		return fmt.Errorf("put group: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM group_subscribers WHERE group_id = ?`), string(g.ID)); err != nil {
		return fmt.Errorf("put group subscribers: %w", err)
	}
	for i, u := range g.Subscribers {
		if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO group_subscribers (group_id, user_id, user_name, ordinal) VALUES (?, ?, ?, ?)
		ON CONFLICT (group_id, user_id) DO NOTHING`), string(g.ID), u.ID, u.Name, i); err != nil {
			return fmt.Errorf("put group subscribers: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) ResolveGroup(ctx context.Context, id domain.GroupID) (domain.Group, bool, error) {
	g := domain.Group{ID: id}
	err := s.DB.QueryRowContext(ctx, s.q(`SELECT name FROM tracked_groups WHERE id = ?`), string(id)).Scan(&g.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Group{}, false, nil
	}
	if err != nil {
		return domain.Group{}, false, fmt.Errorf("resolve group: %w", err)
	}

	rows, err := s.DB.QueryContext(ctx,
		s.q(`SELECT user_id, user_name FROM group_subscribers WHERE group_id = ? ORDER BY ordinal, user_id`),
		string(id))
	if err != nil {
		return domain.Group{}, false, fmt.Errorf("resolve group subscribers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name); err != nil {
			return domain.Group{}, false, fmt.Errorf("scan subscriber: %w", err)
		}
		g.Subscribers = append(g.Subscribers, u)
	}
	if err := rows.Err(); err != nil {
		return domain.Group{}, false, err
	}
	return g, true, nil
}

func (s *SQLStore) ListGroupIDs(ctx context.Context) ([]domain.GroupID, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM tracked_groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []domain.GroupID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, domain.GroupID(id))
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteGroup(ctx context.Context, id domain.GroupID) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM group_subscribers WHERE group_id = ?`), string(id)); err != nil {
		return fmt.Errorf("delete group subscribers: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM tracked_groups WHERE id = ?`), string(id)); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) LoadCursor(ctx context.Context, name string) (int64, bool, error) {
	var ms int64
	err := s.DB.QueryRowContext(ctx, s.q(`SELECT position_ms FROM stream_cursors WHERE name = ?`), name).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load cursor: %w", err)
	}
	return ms, true, nil
}

func (s *SQLStore) SaveCursor(ctx context.Context, name string, ms int64) error {
	_, err := s.DB.ExecContext(ctx, s.q(`
	INSERT INTO stream_cursors (name, position_ms, updated_at_us) VALUES (?, ?, ?)
	ON CONFLICT (name) DO UPDATE SET
		position_ms = excluded.position_ms,
		updated_at_us = excluded.updated_at_us`),
		name, ms, toMicros(s.now()))
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Snipes: make(map[domain.DispatchStatus]int64)}
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&st.Events); err != nil {
		return Stats{}, fmt.Errorf("count events: %w", err)
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM snipes GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("count snipes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		st.Snipes[domain.DispatchStatus(status)] = n
	}
	return st, rows.Err()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.DB.Close()
}
