package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/zoff-tech/corporate-actions/schema"
)

const eventColumns = `id, event_type, symbol, payload, status, error_message, retry_count, idempotency_key, created_by, created_at, updated_at`

const auditColumns = `event_id, seq, action, old_status, new_status, changes, actor, correlation_id, recorded_at`

var errCorruptRow = errors.New("corrupt event row")

// sqliteTimeLayout is fixed width so that text ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000000"

// Dialect captures the differences between the SQL backends.
type Dialect struct {
	system            string
	numbered          bool   // $1 placeholders instead of ?
	lockClause        string // appended to the row read of a transition
	timeValue         func(time.Time) any
	isUniqueViolation func(error) bool
}

var PostgresDialect = Dialect{
	system:     "postgresql",
	numbered:   true,
	lockClause: " FOR UPDATE",
	timeValue:  func(t time.Time) any { return t },
	isUniqueViolation: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	},
}

var SQLiteDialect = Dialect{
	system:    "sqlite",
	timeValue: func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
	isUniqueViolation: func(err error) bool {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) {
			code := sqliteErr.Code()
			if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
				return true
			}
		}
		return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}

var sqliteSchema = []string{
	`PRAGMA journal_mode=WAL`,
	`CREATE TABLE IF NOT EXISTS corporate_action_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		symbol TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT UNIQUE,
		created_by TEXT NOT NULL DEFAULT 'system',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_status_type ON corporate_action_events(status, event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_symbol_created ON corporate_action_events(symbol, created_at)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		event_id TEXT NOT NULL REFERENCES corporate_action_events(id),
		seq INTEGER NOT NULL,
		action TEXT NOT NULL,
		old_status TEXT,
		new_status TEXT NOT NULL,
		changes TEXT NOT NULL,
		actor TEXT NOT NULL,
		correlation_id TEXT,
		recorded_at TEXT NOT NULL,
		PRIMARY KEY (event_id, seq)
	)`,
	`CREATE TRIGGER IF NOT EXISTS audit_logs_no_update BEFORE UPDATE ON audit_logs
		BEGIN SELECT RAISE(ABORT, 'audit_logs is append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS audit_logs_no_delete BEFORE DELETE ON audit_logs
		BEGIN SELECT RAISE(ABORT, 'audit_logs is append-only'); END`,
}

// SQLStore persists events through database/sql (PostgreSQL or SQLite).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenSQLite opens (and if needed creates) a SQLite database at dsn.
// Use ":memory:" for an ephemeral store.
func OpenSQLite(dsn string) (*SQLStore, error) {
	db, err := sqlOpen("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one connection: serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return NewSQLStore(db, SQLiteDialect), nil
}

func (s *SQLStore) Insert(ctx context.Context, event *schema.CorporateActionEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	at := now()
	entry, err := creationAudit(ctx, event, at)
	if err != nil {
		return err
	}

	err = s.withTransaction(ctx, "Insert", func(ctx context.Context, tx *sql.Tx) (int, error) {
		_, err := tx.ExecContext(ctx,
			s.rebind(`INSERT INTO corporate_action_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			event.ID, string(event.EventType), event.Symbol, string(payload), string(event.Status),
			nullString(event.ErrorMessage), event.RetryCount, nullString(event.IdempotencyKey), event.CreatedBy,
			s.dialect.timeValue(at), s.dialect.timeValue(at))
		if err != nil {
			if s.dialect.isUniqueViolation(err) {
				return 0, ErrDuplicate
			}
			return 0, unavailable("insert", err)
		}
		if err := s.insertAudit(ctx, tx, entry); err != nil {
			return 0, err
		}
		return 1, nil
	})
	if err != nil {
		return err
	}

	event.CreatedAt = at
	event.UpdatedAt = at
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*schema.CorporateActionEvent, error) {
	ctx, span := tracer.Start(ctx, "Get")
	defer span.End()

	event, err := scanEvent(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+eventColumns+` FROM corporate_action_events WHERE id = ?`), id))
	if err != nil {
		err = readError("get", err)
		span.RecordError(err)
		return nil, err
	}
	return event, nil
}

func (s *SQLStore) CompareAndTransition(ctx context.Context, id string, expected Expect, next schema.Status, mutate Mutation) (*schema.CorporateActionEvent, error) {
	var updated *schema.CorporateActionEvent
	err := s.withTransaction(ctx, "CompareAndTransition", func(ctx context.Context, tx *sql.Tx) (int, error) {
		current, err := scanEvent(tx.QueryRowContext(ctx,
			s.rebind(`SELECT `+eventColumns+` FROM corporate_action_events WHERE id = ?`+s.dialect.lockClause), id))
		if err != nil {
			return 0, readError("select", err)
		}

		updated, err = applyTransition(current, expected, next, mutate, now())
		if err != nil {
			return 0, err
		}

		res, err := tx.ExecContext(ctx,
			s.rebind(`UPDATE corporate_action_events SET status = ?, error_message = ?, retry_count = ?, updated_at = ? WHERE id = ? AND status = ? AND retry_count = ?`),
			string(updated.Status), nullString(updated.ErrorMessage), updated.RetryCount,
			s.dialect.timeValue(updated.UpdatedAt), id, string(current.Status), current.RetryCount)
		if err != nil {
			return 0, unavailable("update", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, unavailable("update", err)
		}
		if n == 0 {
			return 0, fmt.Errorf("%w: event %s changed concurrently", ErrConflict, id)
		}

		entry, err := transitionAudit(ctx, current, updated)
		if err != nil {
			return 0, err
		}
		var last int
		if err := tx.QueryRowContext(ctx,
			s.rebind(`SELECT COALESCE(MAX(seq), 0) FROM audit_logs WHERE event_id = ?`), id).Scan(&last); err != nil {
			return 0, unavailable("audit sequence", err)
		}
		entry.Sequence = last + 1
		if err := s.insertAudit(ctx, tx, entry); err != nil {
			return 0, err
		}
		return 1, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *SQLStore) insertAudit(ctx context.Context, tx *sql.Tx, entry *schema.AuditEntry) error {
	var oldStatus sql.NullString
	if entry.OldStatus != nil {
		oldStatus = sql.NullString{String: string(*entry.OldStatus), Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO audit_logs (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.EventID, entry.Sequence, string(entry.Action), oldStatus, string(entry.NewStatus),
		string(entry.Changes), entry.Actor, nullString(entry.CorrelationID), s.dialect.timeValue(entry.Timestamp))
	return unavailable("insert audit", err)
}

func (s *SQLStore) AuditTrail(ctx context.Context, id string) ([]*schema.AuditEntry, error) {
	ctx, span := tracer.Start(ctx, "AuditTrail")
	defer span.End()
	start := time.Now()

	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+auditColumns+` FROM audit_logs WHERE event_id = ? ORDER BY seq`), id)
	if err != nil {
		span.RecordError(err)
		return nil, unavailable("audit trail", err)
	}
	defer rows.Close()

	entries := []*schema.AuditEntry{}
	for rows.Next() {
		var (
			entry                  schema.AuditEntry
			action, newStatus      string
			oldStatus, correlation sql.NullString
			changes                []byte
		)
		if err := rows.Scan(&entry.EventID, &entry.Sequence, &action, &oldStatus, &newStatus,
			&changes, &entry.Actor, &correlation, timeScanner{&entry.Timestamp}); err != nil {
			span.RecordError(err)
			return nil, unavailable("audit trail", err)
		}
		entry.Action = schema.AuditAction(action)
		entry.NewStatus = schema.Status(newStatus)
		entry.Changes = changes
		if oldStatus.Valid {
			st := schema.Status(oldStatus.String)
			entry.OldStatus = &st
		}
		if correlation.Valid {
			entry.CorrelationID = &correlation.String
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, unavailable("audit trail", err)
	}

	addDBStatsToSpan(span, s.dialect.system, "AuditTrail", len(entries), time.Since(start))
	return entries, nil
}

func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*schema.CorporateActionEvent, error) {
	ctx, span := tracer.Start(ctx, "List")
	defer span.End()
	start := time.Now()

	query := `SELECT ` + eventColumns + ` FROM corporate_action_events`
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	if filter.Symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, filter.Symbol)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		span.RecordError(err)
		return nil, unavailable("list", err)
	}
	defer rows.Close()

	var events []*schema.CorporateActionEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			span.RecordError(err)
			return nil, readError("list", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, unavailable("list", err)
	}

	addDBStatsToSpan(span, s.dialect.system, "List", len(events), time.Since(start))
	return events, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return unavailable("ping", s.db.PingContext(ctx))
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) (int, error)) error {
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return unavailable("begin", err)
	}

	n, err := fn(ctx, tx)
	if err != nil {
		_ = tx.Rollback()
		span.RecordError(err)
		return err
	}
	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return unavailable("commit", err)
	}

	addDBStatsToSpan(span, s.dialect.system, spanName, n, time.Since(start))
	return nil
}

// rebind rewrites ? placeholders for dialects with numbered parameters.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*schema.CorporateActionEvent, error) {
	var (
		event             schema.CorporateActionEvent
		eventType, status string
		payload           []byte
		errMsg, idemKey   sql.NullString
	)
	if err := row.Scan(&event.ID, &eventType, &event.Symbol, &payload, &status, &errMsg,
		&event.RetryCount, &idemKey, &event.CreatedBy,
		timeScanner{&event.CreatedAt}, timeScanner{&event.UpdatedAt}); err != nil {
		return nil, err
	}

	event.EventType = schema.EventType(eventType)
	event.Status = schema.Status(status)
	if errMsg.Valid {
		event.ErrorMessage = &errMsg.String
	}
	if idemKey.Valid {
		event.IdempotencyKey = &idemKey.String
	}

	decoded, err := schema.DecodePayload(event.EventType, payload)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", errCorruptRow, event.ID, err)
	}
	event.Payload = decoded
	return &event, nil
}

func readError(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, errCorruptRow) {
		return err
	}
	return unavailable(op, err)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// timeScanner reads timestamps stored natively or as text.
type timeScanner struct {
	t *time.Time
}

func (s timeScanner) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*s.t = v.UTC()
		return nil
	case string:
		return s.parse(v)
	case []byte:
		return s.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (s timeScanner) parse(v string) error {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano} {
		if t, err := time.Parse(layout, v); err == nil {
			*s.t = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", v)
}
