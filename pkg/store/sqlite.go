package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chatbot-engine/pkg/models"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// SQLiteStore persists records in a SQLite database (WAL mode).
// Timestamps are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and runs migrations
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates tables if they don't exist
func (s *SQLiteStore) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_messages (
			id             TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL,
			recipient      TEXT NOT NULL,
			body           TEXT NOT NULL,
			scheduled_time INTEGER NOT NULL,
			status         TEXT NOT NULL DEFAULT 'pending',
			sent_at        INTEGER,
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_messages_session
			ON scheduled_messages (session_id, scheduled_time)`,
		`CREATE TABLE IF NOT EXISTS appointments (
			id                   TEXT PRIMARY KEY,
			session_id           TEXT NOT NULL,
			contact              TEXT NOT NULL,
			name                 TEXT NOT NULL,
			description          TEXT NOT NULL DEFAULT '',
			scheduled_time       INTEGER NOT NULL,
			status               TEXT NOT NULL DEFAULT 'pending',
			reminded_day_before  INTEGER NOT NULL DEFAULT 0,
			reminded_hour_before INTEGER NOT NULL DEFAULT 0,
			created_at           INTEGER NOT NULL,
			updated_at           INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_time
			ON appointments (status, scheduled_time)`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("store: set schema version: %w", err)
	}

	return tx.Commit()
}

// Close checkpoints WAL and closes the database.
func (s *SQLiteStore) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// --- Scheduled messages ---

const scheduledMessageColumns = `id, session_id, recipient, body, scheduled_time, status, sent_at, created_at, updated_at`

func (s *SQLiteStore) CreateScheduledMessage(ctx context.Context, msg *models.ScheduledMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_messages (`+scheduledMessageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID, msg.SessionID, msg.Recipient, msg.Body,
		msg.ScheduledTime.UnixMilli(), string(msg.Status), nullableMillis(msg.SentAt),
		msg.CreatedAt.UnixMilli(), msg.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return translateError(err)
	}
	return nil
}

func (s *SQLiteStore) GetScheduledMessage(ctx context.Context, id string) (*models.ScheduledMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduledMessageColumns+` FROM scheduled_messages WHERE id = ?`, id)
	msg, err := scanScheduledMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get scheduled message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) ListScheduledMessages(ctx context.Context, sessionID string) ([]models.ScheduledMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduledMessageColumns+` FROM scheduled_messages
		WHERE session_id = ? ORDER BY scheduled_time ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list scheduled messages: %w", err)
	}
	defer rows.Close()

	out := make([]models.ScheduledMessage, 0)
	for rows.Next() {
		msg, err := scanScheduledMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan scheduled message: %w", err)
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountPendingScheduledMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM scheduled_messages WHERE session_id = ? AND status = ?
	`, sessionID, string(models.ScheduledPending)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count pending: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) UpdateScheduledMessageStatus(ctx context.Context, id string, status models.ScheduledMessageStatus, at time.Time) error {
	var (
		res sql.Result
		err error
	)
	if status == models.ScheduledSent {
		res, err = s.db.ExecContext(ctx, `
			UPDATE scheduled_messages SET status = ?, sent_at = ?, updated_at = ? WHERE id = ?
		`, string(status), at.UnixMilli(), at.UnixMilli(), id)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE scheduled_messages SET status = ?, updated_at = ? WHERE id = ?
		`, string(status), at.UnixMilli(), id)
	}
	if err != nil {
		return fmt.Errorf("store: update scheduled message: %w", err)
	}
	return requireAffected(res)
}

// --- Appointments ---

const appointmentColumns = `id, session_id, contact, name, description, scheduled_time, status, reminded_day_before, reminded_hour_before, created_at, updated_at`

func (s *SQLiteStore) CreateAppointment(ctx context.Context, appt *models.Appointment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		appt.ID, appt.SessionID, appt.Contact, appt.Name, appt.Description,
		appt.ScheduledTime.UnixMilli(), string(appt.Status),
		boolToInt(appt.RemindedDayBefore), boolToInt(appt.RemindedHourBefore),
		appt.CreatedAt.UnixMilli(), appt.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return translateError(err)
	}
	return nil
}

func (s *SQLiteStore) GetAppointment(ctx context.Context, id string) (*models.Appointment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = ?`, id)
	appt, err := scanAppointment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get appointment: %w", err)
	}
	return appt, nil
}

func (s *SQLiteStore) ListAppointments(ctx context.Context, sessionID string) ([]models.Appointment, error) {
	return s.queryAppointments(ctx, `
		SELECT `+appointmentColumns+` FROM appointments
		WHERE session_id = ? ORDER BY scheduled_time ASC
	`, sessionID)
}

func (s *SQLiteStore) ListConfirmedAppointmentsBetween(ctx context.Context, from, to time.Time) ([]models.Appointment, error) {
	return s.queryAppointments(ctx, `
		SELECT `+appointmentColumns+` FROM appointments
		WHERE status = ? AND scheduled_time >= ? AND scheduled_time <= ?
		ORDER BY scheduled_time ASC
	`, string(models.AppointmentConfirmed), from.UnixMilli(), to.UnixMilli())
}

func (s *SQLiteStore) UpdateAppointmentStatus(ctx context.Context, id string, status models.AppointmentStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE appointments SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("store: update appointment: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) MarkAppointmentReminded(ctx context.Context, id string, kind models.ReminderKind, at time.Time) error {
	var column string
	switch kind {
	case models.ReminderDayBefore:
		column = "reminded_day_before"
	case models.ReminderHourBefore:
		column = "reminded_hour_before"
	default:
		return fmt.Errorf("store: unknown reminder kind %q", kind)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE appointments SET `+column+` = 1, updated_at = ? WHERE id = ?
	`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("store: mark reminded: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) queryAppointments(ctx context.Context, query string, args ...any) ([]models.Appointment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list appointments: %w", err)
	}
	defer rows.Close()

	out := make([]models.Appointment, 0)
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan appointment: %w", err)
		}
		out = append(out, *appt)
	}
	return out, rows.Err()
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduledMessage(row rowScanner) (*models.ScheduledMessage, error) {
	var (
		msg                               models.ScheduledMessage
		status                            string
		scheduledAt, createdAt, updatedAt int64
		sentAt                            sql.NullInt64
	)
	if err := row.Scan(&msg.ID, &msg.SessionID, &msg.Recipient, &msg.Body,
		&scheduledAt, &status, &sentAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	msg.Status = models.ScheduledMessageStatus(status)
	msg.ScheduledTime = time.UnixMilli(scheduledAt)
	msg.CreatedAt = time.UnixMilli(createdAt)
	msg.UpdatedAt = time.UnixMilli(updatedAt)
	if sentAt.Valid {
		t := time.UnixMilli(sentAt.Int64)
		msg.SentAt = &t
	}
	return &msg, nil
}

func scanAppointment(row rowScanner) (*models.Appointment, error) {
	var (
		appt                              models.Appointment
		status                            string
		scheduledAt, createdAt, updatedAt int64
		dayBefore, hourBefore             int
	)
	if err := row.Scan(&appt.ID, &appt.SessionID, &appt.Contact, &appt.Name, &appt.Description,
		&scheduledAt, &status, &dayBefore, &hourBefore, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	appt.Status = models.AppointmentStatus(status)
	appt.ScheduledTime = time.UnixMilli(scheduledAt)
	appt.RemindedDayBefore = dayBefore != 0
	appt.RemindedHourBefore = hourBefore != 0
	appt.CreatedAt = time.UnixMilli(createdAt)
	appt.UpdatedAt = time.UnixMilli(updatedAt)
	return &appt, nil
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func translateError(err error) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return fmt.Errorf("store: insert: %w", err)
}
