package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardiotriage/backend/internal/models"
)

// Store is the Postgres audit sink and patient table. The conversation core
// never reads its own state back from here.
type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS patients (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	age          INT NOT NULL DEFAULT 0,
	conditions   TEXT[] NOT NULL DEFAULT '{}',
	medications  TEXT[] NOT NULL DEFAULT '{}',
	allergies    TEXT[] NOT NULL DEFAULT '{}',
	risk_factors TEXT[] NOT NULL DEFAULT '{}',
	last_visit   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS turns (
	session_id        TEXT NOT NULL,
	session_started   TIMESTAMPTZ NOT NULL,
	turn_index        INT NOT NULL,
	patient_id        TEXT NOT NULL,
	role              TEXT NOT NULL,
	text              TEXT NOT NULL,
	handler           TEXT,
	structured_result JSONB,
	created_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, session_started, turn_index)
);

CREATE TABLE IF NOT EXISTS escalations (
	id                      TEXT PRIMARY KEY,
	session_id              TEXT NOT NULL,
	patient_id              TEXT NOT NULL,
	status                  TEXT NOT NULL,
	snapshot                JSONB NOT NULL,
	attached_count          INT NOT NULL DEFAULT 0,
	notification_pending    BOOLEAN NOT NULL DEFAULT FALSE,
	notification_attempts   INT NOT NULL DEFAULT 0,
	last_notification_error TEXT NOT NULL DEFAULT '',
	raised_at               TIMESTAMPTZ NOT NULL,
	updated_at              TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS appointments (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	patient_id     TEXT NOT NULL,
	requested_type TEXT NOT NULL,
	requested_date TIMESTAMPTZ NOT NULL,
	priority       TEXT NOT NULL,
	status         TEXT NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	slot_id        TEXT,
	slot_start     TIMESTAMPTZ,
	slot_kind      TEXT,
	provider       TEXT,
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS appointments_patient_idx ON appointments (patient_id, created_at);
`

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schema)
	return err
}

// UpsertPatients loads patient records in one transaction.
func (s *Store) UpsertPatients(ctx context.Context, patients []models.Patient) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, p := range patients {
			batch.Queue(`
				INSERT INTO patients (id, name, age, conditions, medications, allergies, risk_factors, last_visit)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
				ON CONFLICT (id) DO UPDATE SET
					name = EXCLUDED.name,
					age = EXCLUDED.age,
					conditions = EXCLUDED.conditions,
					medications = EXCLUDED.medications,
					allergies = EXCLUDED.allergies,
					risk_factors = EXCLUDED.risk_factors,
					last_visit = EXCLUDED.last_visit
			`, p.ID, p.Name, p.Age, nonNil(p.Conditions), nonNil(p.Medications), nonNil(p.Allergies), nonNil(p.RiskFactors), p.LastVisit)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// Get returns one patient record, or models.ErrPatientNotFound.
func (s *Store) Get(ctx context.Context, id string) (models.Patient, error) {
	var p models.Patient
	err := s.Pool.QueryRow(ctx, `
		SELECT id, name, age, conditions, medications, allergies, risk_factors, last_visit
		FROM patients WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Age, &p.Conditions, &p.Medications, &p.Allergies, &p.RiskFactors, &p.LastVisit)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Patient{}, models.ErrPatientNotFound
	}
	if err != nil {
		return models.Patient{}, fmt.Errorf("get patient %s: %w", id, err)
	}
	return p, nil
}

// RecordTurn stores a turn once; replays of the same index are ignored.
// Turn indexes are keyed by the session's creation time, since an expired
// session id may be created again and restart at index 0.
func (s *Store) RecordTurn(ctx context.Context, sess models.Session, t models.Turn) error {
	var structured []byte
	if t.StructuredResult != nil {
		b, err := json.Marshal(t.StructuredResult)
		if err != nil {
			return err
		}
		structured = b
	}
	var handler *string
	if t.HandlerUsed != "" {
		h := string(t.HandlerUsed)
		handler = &h
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO turns (session_id, session_started, turn_index, patient_id, role, text, handler, structured_result, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (session_id, session_started, turn_index) DO NOTHING
	`, sess.ID, sess.CreatedAt, t.Index, sess.PatientID, string(t.Role), t.Text, handler, structured, t.Timestamp)
	return err
}

func (s *Store) RecordEscalation(ctx context.Context, ev models.EscalationEvent) error {
	snapshot, err := json.Marshal(ev.Snapshot)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO escalations (id, session_id, patient_id, status, snapshot, attached_count,
			notification_pending, notification_attempts, last_notification_error, raised_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			snapshot = EXCLUDED.snapshot,
			attached_count = EXCLUDED.attached_count,
			notification_pending = EXCLUDED.notification_pending,
			notification_attempts = EXCLUDED.notification_attempts,
			last_notification_error = EXCLUDED.last_notification_error,
			updated_at = EXCLUDED.updated_at
	`, ev.ID, ev.SessionID, ev.PatientID, string(ev.Status), snapshot, ev.AttachedCount,
		ev.NotificationPending, ev.NotificationAttempts, ev.LastNotificationError, ev.RaisedAt, ev.UpdatedAt)
	return err
}

func (s *Store) RecordAppointment(ctx context.Context, a models.AppointmentRequest) error {
	var (
		slotID, slotKind, provider *string
		slotStart                  *time.Time
	)
	if a.Slot != nil {
		id, kind, prov, start := a.Slot.ID, string(a.Slot.Kind), a.Slot.Provider, a.Slot.Start
		slotID, slotKind, provider, slotStart = &id, &kind, &prov, &start
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO appointments (id, session_id, patient_id, requested_type, requested_date, priority, status, reason,
			slot_id, slot_start, slot_kind, provider, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			slot_id = EXCLUDED.slot_id,
			slot_start = EXCLUDED.slot_start,
			slot_kind = EXCLUDED.slot_kind,
			provider = EXCLUDED.provider
	`, a.ID, a.SessionID, a.PatientID, string(a.RequestedType), a.RequestedDate, string(a.Priority), string(a.Status), a.Reason,
		slotID, slotStart, slotKind, provider, a.CreatedAt)
	return err
}

// ListAppointments returns a patient's appointment requests, oldest first.
func (s *Store) ListAppointments(ctx context.Context, patientID string) ([]models.AppointmentRequest, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, session_id, patient_id, requested_type, requested_date, priority, status, reason,
			slot_id, slot_start, slot_kind, provider, created_at
		FROM appointments
		WHERE patient_id = $1
		ORDER BY created_at ASC, id ASC
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AppointmentRequest
	for rows.Next() {
		var (
			a                          models.AppointmentRequest
			reqType, priority, status  string
			slotID, slotKind, provider *string
			slotStart                  *time.Time
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.PatientID, &reqType, &a.RequestedDate, &priority, &status, &a.Reason,
			&slotID, &slotStart, &slotKind, &provider, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.RequestedType = models.AppointmentType(reqType)
		a.Priority = models.AppointmentPriority(priority)
		a.Status = models.AppointmentStatus(status)
		if slotID != nil && slotStart != nil {
			a.Slot = &models.Slot{
				ID:       *slotID,
				Start:    *slotStart,
				Kind:     models.SlotKind(derefString(slotKind)),
				Provider: derefString(provider),
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListTurns returns the audited turns of every session created under id,
// oldest session first.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]models.Turn, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT turn_index, role, text, handler, structured_result, created_at
		FROM turns WHERE session_id = $1 ORDER BY session_started ASC, turn_index ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Turn
	for rows.Next() {
		var (
			t          models.Turn
			role       string
			handler    *string
			structured []byte
		)
		if err := rows.Scan(&t.Index, &role, &t.Text, &handler, &structured, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Role = models.Role(role)
		t.HandlerUsed = models.HandlerKind(derefString(handler))
		if len(structured) > 0 {
			var v any
			if err := json.Unmarshal(structured, &v); err == nil {
				t.StructuredResult = v
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
