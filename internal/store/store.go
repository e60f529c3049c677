package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pushdeck/internal/notice"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a notification id is unknown.
var ErrNotFound = errors.New("notification not found")

type Store struct {
	db *sql.DB
}

// DeliveryLogEntry is one analytics row appended on every queue push. The log
// is best-effort; callers must tolerate append failures.
type DeliveryLogEntry struct {
	NotificationID string
	Recipient      string
	Event          string
	Priority       string
	Delivered      bool
	TS             time.Time
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Init(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS notifications (
  notification_id TEXT PRIMARY KEY,
  sender TEXT NOT NULL DEFAULT '',
  recipient TEXT NOT NULL,
  message TEXT NOT NULL,
  type TEXT NOT NULL,
  priority TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  abstract TEXT NOT NULL DEFAULT '',
  response_requested INTEGER NOT NULL DEFAULT 0,
  response_type TEXT NOT NULL DEFAULT '',
  response_options_json TEXT NOT NULL DEFAULT '[]',
  response_default TEXT NOT NULL DEFAULT '',
  has_default INTEGER NOT NULL DEFAULT 0,
  timeout_seconds INTEGER NOT NULL DEFAULT 0,
  expires_at TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL,
  response TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  delivered_at TEXT NOT NULL DEFAULT '',
  responded_at TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient, created_at);
CREATE INDEX IF NOT EXISTS idx_notifications_state ON notifications(state, expires_at);
CREATE TABLE IF NOT EXISTS delivery_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  notification_id TEXT NOT NULL,
  recipient TEXT NOT NULL,
  event TEXT NOT NULL,
  priority TEXT NOT NULL,
  delivered INTEGER NOT NULL,
  ts TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_delivery_log_ts ON delivery_log(ts);`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Create(ctx context.Context, n notice.Notification) error {
	optionsJSON, _ := json.Marshal(n.ResponseOptions)
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO notifications(
		   notification_id, sender, recipient, message, type, priority, title, abstract,
		   response_requested, response_type, response_options_json, response_default, has_default,
		   timeout_seconds, expires_at, state, response, created_at, delivered_at, responded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Sender, n.Recipient, n.Message, n.Type, n.Priority, n.Title, n.Abstract,
		boolInt(n.ResponseRequested), n.ResponseType, string(optionsJSON), n.ResponseDefault, boolInt(n.HasDefault),
		n.TimeoutSeconds, formatTime(n.ExpiresAt), n.State, n.Response,
		formatTime(n.CreatedAt), formatTime(n.DeliveredAt), formatTime(n.RespondedAt),
	)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (notice.Notification, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE notification_id=?`,
		id,
	)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notice.Notification{}, ErrNotFound
		}
		return notice.Notification{}, err
	}
	return n, nil
}

// MarkQueued moves a freshly created record into the queue. No-op when the
// record already advanced.
func (s *Store) MarkQueued(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE notifications SET state=? WHERE notification_id=? AND state=?`,
		notice.StateQueued, id, notice.StateCreated,
	)
	return err
}

// MarkDelivered records live delivery. Idempotent: a second call on an
// already-delivered record changes nothing.
func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE notifications SET state=?, delivered_at=?
		 WHERE notification_id=? AND state IN (?, ?)`,
		notice.StateDelivered, formatTime(at), id, notice.StateCreated, notice.StateQueued,
	)
	return err
}

// MarkExpired moves a non-terminal record to expired, applying the configured
// default as the effective response when one exists. Returns true when this
// call performed the transition.
func (s *Store) MarkExpired(ctx context.Context, id string, response string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE notifications SET state=?, response=?, responded_at=?
		 WHERE notification_id=? AND state IN (?, ?, ?)`,
		notice.StateExpired, response, formatTime(at),
		id, notice.StateCreated, notice.StateQueued, notice.StateDelivered,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

// SetResponse records a human response and moves the record to responded.
// The state guard makes the transition first-writer-wins: at most one
// submission ever succeeds, no matter how many race.
func (s *Store) SetResponse(ctx context.Context, id string, value string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE notifications SET state=?, response=?, responded_at=?
		 WHERE notification_id=? AND state IN (?, ?, ?, ?)`,
		notice.StateResponded, value, formatTime(at),
		id, notice.StateCreated, notice.StateQueued, notice.StateDelivered, notice.StateExpired,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

func (s *Store) ListForRecipient(ctx context.Context, recipient string, includeSeen bool) ([]notice.Notification, error) {
	q := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient=?`
	args := []any{recipient}
	if !includeSeen {
		q += ` AND delivered_at=''`
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []notice.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) AppendDeliveryLog(ctx context.Context, entry DeliveryLogEntry) error {
	if entry.TS.IsZero() {
		entry.TS = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO delivery_log(notification_id, recipient, event, priority, delivered, ts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.NotificationID, entry.Recipient, entry.Event, entry.Priority,
		boolInt(entry.Delivered), formatTime(entry.TS),
	)
	return err
}

func (s *Store) CountDeliveryLog(ctx context.Context, notificationID string) (int64, error) {
	var n int64
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_log WHERE notification_id=?`, notificationID)
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// SweepExpired expires response-required records whose wait window ended
// without a terminal transition, typically because the process restarted
// while a waiter was suspended. Returns how many records were expired.
func (s *Store) SweepExpired(ctx context.Context, now time.Time, grace time.Duration) (int64, error) {
	cutoff := now.Add(-grace)
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE notifications SET state=?, response=CASE WHEN has_default=1 THEN response_default ELSE response END, responded_at=?
		 WHERE response_requested=1 AND state IN (?, ?, ?) AND expires_at != '' AND expires_at < ?`,
		notice.StateExpired, formatTime(now),
		notice.StateCreated, notice.StateQueued, notice.StateDelivered,
		formatTime(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const notificationColumns = `notification_id, sender, recipient, message, type, priority, title, abstract,
   response_requested, response_type, response_options_json, response_default, has_default,
   timeout_seconds, expires_at, state, response, created_at, delivered_at, responded_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (notice.Notification, error) {
	var n notice.Notification
	var responseRequested, hasDefault int
	var optionsJSON string
	var expiresAt, createdAt, deliveredAt, respondedAt string
	if err := row.Scan(
		&n.ID, &n.Sender, &n.Recipient, &n.Message, &n.Type, &n.Priority, &n.Title, &n.Abstract,
		&responseRequested, &n.ResponseType, &optionsJSON, &n.ResponseDefault, &hasDefault,
		&n.TimeoutSeconds, &expiresAt, &n.State, &n.Response, &createdAt, &deliveredAt, &respondedAt,
	); err != nil {
		return notice.Notification{}, err
	}
	n.ResponseRequested = responseRequested == 1
	n.HasDefault = hasDefault == 1
	if optionsJSON != "" && optionsJSON != "null" {
		if err := json.Unmarshal([]byte(optionsJSON), &n.ResponseOptions); err != nil {
			return notice.Notification{}, fmt.Errorf("decode response options: %w", err)
		}
	}
	n.ExpiresAt = parseTime(expiresAt)
	n.CreatedAt = parseTime(createdAt)
	n.DeliveredAt = parseTime(deliveredAt)
	n.RespondedAt = parseTime(respondedAt)
	return n, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}
