// Package storage persists complaints, submission audit records and the
// municipal retry queue in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"civic-reports-go/internal/logger"
	"civic-reports-go/internal/types"
)

const (
	// DefaultPingTimeout bounds the startup connectivity check
	DefaultPingTimeout = 5 * time.Second

	// DefaultListLimit caps ListComplaints when no limit is given
	DefaultListLimit = 500

	// timeLayout is fixed width so stored timestamps sort as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// ErrExists is returned by CreateComplaint when the id is already stored.
var ErrExists = errors.New("complaint id already stored")

const schema = `
CREATE TABLE IF NOT EXISTS complaints (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	problem_type TEXT NOT NULL DEFAULT '',
	urgency      TEXT NOT NULL DEFAULT '',
	citizen_id   TEXT NOT NULL DEFAULT '',
	tracking_id  TEXT NOT NULL DEFAULT '',
	payload      TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_complaints_status ON complaints(status);

CREATE TABLE IF NOT EXISTS audit_records (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	complaint_id TEXT NOT NULL,
	attempt      INTEGER NOT NULL,
	outcome      TEXT NOT NULL,
	timestamp    TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_complaint ON audit_records(complaint_id);

CREATE TABLE IF NOT EXISTS retry_queue (
	complaint_id    TEXT PRIMARY KEY,
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TEXT NOT NULL,
	last_error      TEXT NOT NULL DEFAULT '',
	enqueued_at     TEXT NOT NULL
);
`

// RetryItem is a complaint waiting for another municipal delivery round.
type RetryItem struct {
	ComplaintID   string    `json:"complaint_id"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// ListFilter narrows ListComplaints. Zero values match everything.
type ListFilter struct {
	Status types.Status
	Limit  int
}

// SQLiteStore implements the complaint, audit and retry stores on one
// database. A single connection serializes writers.
type SQLiteStore struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewSQLite opens (or creates) the database at path and applies the schema.
func NewSQLite(path string, log *logger.Logger) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), DefaultPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	log = log.Component("storage.sqlite")
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		log.WithError(err).Warn("could not set WAL mode")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, log: log}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping is used by the health check.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --------------------------------------------
// Complaints
// --------------------------------------------

// CreateComplaint inserts a new record and never touches an existing one.
func (s *SQLiteStore) CreateComplaint(ctx context.Context, c *types.Complaint) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode complaint %s: %w", c.ID, err)
	}
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO complaints(id, status, problem_type, urgency, citizen_id, tracking_id, payload, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO NOTHING`,
		c.ID, string(c.Status), string(c.ProblemType), string(c.UrgencyLevel), c.CitizenID, c.TrackingID,
		string(payload), c.CreatedAt.UTC().Format(timeLayout), now,
	)
	if err != nil {
		return fmt.Errorf("create complaint %s: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create complaint %s: %w", c.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrExists, c.ID)
	}
	return nil
}

// SaveComplaint inserts or replaces the whole record.
func (s *SQLiteStore) SaveComplaint(ctx context.Context, c *types.Complaint) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode complaint %s: %w", c.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO complaints(id, status, problem_type, urgency, citizen_id, tracking_id, payload, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			problem_type = excluded.problem_type,
			urgency = excluded.urgency,
			citizen_id = excluded.citizen_id,
			tracking_id = excluded.tracking_id,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		c.ID, string(c.Status), string(c.ProblemType), string(c.UrgencyLevel), c.CitizenID, c.TrackingID,
		string(payload), c.CreatedAt.UTC().Format(timeLayout), time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save complaint %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetComplaint(ctx context.Context, id string) (*types.Complaint, error) {
	var payload string
	err := s.db.GetContext(ctx, &payload, `SELECT payload FROM complaints WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get complaint %s: %w", id, err)
	}
	var c types.Complaint
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, fmt.Errorf("decode complaint %s: %w", id, err)
	}
	return &c, nil
}

// ListComplaints returns the newest complaints first.
func (s *SQLiteStore) ListComplaints(ctx context.Context, f ListFilter) ([]types.Complaint, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := `SELECT payload FROM complaints`
	args := []interface{}{}
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	var payloads []string
	if err := s.db.SelectContext(ctx, &payloads, query, args...); err != nil {
		return nil, fmt.Errorf("list complaints: %w", err)
	}
	out := make([]types.Complaint, 0, len(payloads))
	for _, p := range payloads {
		var c types.Complaint
		if err := json.Unmarshal([]byte(p), &c); err != nil {
			s.log.WithError(err).Warn("skipping undecodable complaint row")
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// --------------------------------------------
// Audit
// --------------------------------------------

type auditRow struct {
	ComplaintID string `db:"complaint_id"`
	Attempt     int    `db:"attempt"`
	Outcome     string `db:"outcome"`
	Timestamp   string `db:"timestamp"`
	Error       string `db:"error"`
}

// AppendAudit adds one record. Records are never updated.
func (s *SQLiteStore) AppendAudit(ctx context.Context, r types.AuditRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO audit_records(complaint_id, attempt, outcome, timestamp, error)
		VALUES(:complaint_id, :attempt, :outcome, :timestamp, :error)`,
		auditRow{
			ComplaintID: r.ComplaintID,
			Attempt:     r.Attempt,
			Outcome:     string(r.Outcome),
			Timestamp:   r.Timestamp.UTC().Format(timeLayout),
			Error:       r.Error,
		})
	if err != nil {
		return fmt.Errorf("append audit for %s: %w", r.ComplaintID, err)
	}
	return nil
}

// ListAudit returns the records of one complaint in insertion order.
func (s *SQLiteStore) ListAudit(ctx context.Context, complaintID string) ([]types.AuditRecord, error) {
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT complaint_id, attempt, outcome, timestamp, error
		FROM audit_records WHERE complaint_id = ? ORDER BY id`, complaintID)
	if err != nil {
		return nil, fmt.Errorf("list audit for %s: %w", complaintID, err)
	}
	out := make([]types.AuditRecord, 0, len(rows))
	for _, r := range rows {
		ts, _ := time.Parse(timeLayout, r.Timestamp)
		out = append(out, types.AuditRecord{
			ComplaintID: r.ComplaintID,
			Attempt:     r.Attempt,
			Outcome:     types.SubmissionOutcome(r.Outcome),
			Timestamp:   ts,
			Error:       r.Error,
		})
	}
	return out, nil
}

// CountAudit returns how many attempts have been recorded for a complaint.
func (s *SQLiteStore) CountAudit(ctx context.Context, complaintID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM audit_records WHERE complaint_id = ?`, complaintID); err != nil {
		return 0, fmt.Errorf("count audit for %s: %w", complaintID, err)
	}
	return n, nil
}

// --------------------------------------------
// Retry queue
// --------------------------------------------

type retryRow struct {
	ComplaintID   string `db:"complaint_id"`
	Attempts      int    `db:"attempts"`
	NextAttemptAt string `db:"next_attempt_at"`
	LastError     string `db:"last_error"`
	EnqueuedAt    string `db:"enqueued_at"`
}

func (r retryRow) item() RetryItem {
	next, _ := time.Parse(timeLayout, r.NextAttemptAt)
	enq, _ := time.Parse(timeLayout, r.EnqueuedAt)
	return RetryItem{
		ComplaintID:   r.ComplaintID,
		Attempts:      r.Attempts,
		NextAttemptAt: next,
		LastError:     r.LastError,
		EnqueuedAt:    enq,
	}
}

// Enqueue adds a complaint to the retry queue. Enqueuing a complaint that is
// already queued keeps its original enqueue time and attempt count.
func (s *SQLiteStore) Enqueue(ctx context.Context, item RetryItem) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retry_queue(complaint_id, attempts, next_attempt_at, last_error, enqueued_at)
		VALUES(?,?,?,?,?)
		ON CONFLICT(complaint_id) DO UPDATE SET
			next_attempt_at = excluded.next_attempt_at,
			last_error = excluded.last_error`,
		item.ComplaintID, item.Attempts, item.NextAttemptAt.UTC().Format(timeLayout),
		item.LastError, item.EnqueuedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", item.ComplaintID, err)
	}
	return nil
}

// DueItems returns up to limit items whose next attempt is at or before now,
// oldest first.
func (s *SQLiteStore) DueItems(ctx context.Context, now time.Time, limit int) ([]RetryItem, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var rows []retryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT complaint_id, attempts, next_attempt_at, last_error, enqueued_at
		FROM retry_queue WHERE next_attempt_at <= ?
		ORDER BY next_attempt_at LIMIT ?`, now.UTC().Format(timeLayout), limit)
	if err != nil {
		return nil, fmt.Errorf("due retry items: %w", err)
	}
	out := make([]RetryItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.item())
	}
	return out, nil
}

// Reschedule records another failed round for a queued complaint.
func (s *SQLiteStore) Reschedule(ctx context.Context, complaintID string, next time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE retry_queue SET attempts = attempts + 1, next_attempt_at = ?, last_error = ?
		WHERE complaint_id = ?`, next.UTC().Format(timeLayout), lastErr, complaintID)
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", complaintID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, complaintID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM retry_queue WHERE complaint_id = ?`, complaintID); err != nil {
		return fmt.Errorf("dequeue %s: %w", complaintID, err)
	}
	return nil
}

func (s *SQLiteStore) QueueLength(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM retry_queue`); err != nil {
		return 0, fmt.Errorf("retry queue length: %w", err)
	}
	return n, nil
}
