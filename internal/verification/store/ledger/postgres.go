package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"gigverify/internal/verification/models"
	"gigverify/pkg/platform/sentinel"
	txcontext "gigverify/pkg/platform/tx"
)

// appendLockKey serializes appends so timestamp order matches seq order.
const appendLockKey = 7_302_114

// PostgresStore is an append-only ledger over the audit_log table. Rows are
// only ever inserted; seq gives the append order.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

const entryColumns = `id, entity_type, entity_id, action, verifier_id, verifier_name,
	reason, notes, timestamp, idempotency_key`

// Append inserts entry. It joins the transaction in ctx or opens its own.
func (s *PostgresStore) Append(ctx context.Context, entry *models.AuditLogEntry) (*models.AuditLogEntry, error) {
	var stored *models.AuditLogEntry
	var duplicate bool
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		exec := txcontext.ExecutorFor(ctx, s.db)
		if _, err := exec.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
			return fmt.Errorf("lock audit log: %w", err)
		}

		next := entry.Clone()
		if next.ID == "" {
			next.ID = uuid.NewString()
		}
		if next.Timestamp.IsZero() {
			next.Timestamp = s.now()
		}

		query := `INSERT INTO audit_log (` + entryColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
				GREATEST($9::timestamptz, COALESCE((SELECT MAX(timestamp) FROM audit_log), $9::timestamptz)),
				$10)
			ON CONFLICT (idempotency_key) DO NOTHING
			RETURNING ` + entryColumns
		row := exec.QueryRowContext(ctx, query,
			next.ID, string(next.EntityType), next.EntityID, string(next.Action),
			next.VerifierID, next.VerifierName,
			nullString(next.Reason), nullString(next.Notes),
			next.Timestamp.UTC(), nullKey(next.IdempotencyKey),
		)
		e, err := scanEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			existing, findErr := s.FindByIdempotencyKey(ctx, next.IdempotencyKey)
			if findErr != nil {
				return findErr
			}
			stored, duplicate = existing, true
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		stored = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		return stored, sentinel.ErrDuplicate
	}
	return stored, nil
}

// Query returns matching entries newest first. The table keeps every entry,
// so pages are never truncated.
func (s *PostgresStore) Query(ctx context.Context, filter models.AuditFilter) (*models.AuditPage, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if filter.EntityType != "" {
		add("entity_type = ?", string(filter.EntityType))
	}
	if filter.EntityID != "" {
		add("entity_id = ?", filter.EntityID)
	}
	if filter.VerifierID != "" {
		add("verifier_id = ?", filter.VerifierID)
	}
	if filter.Action != "" {
		add("action = ?", string(filter.Action))
	}
	if filter.StartDate != nil {
		add("timestamp >= ?", filter.StartDate.UTC())
	}
	if filter.EndDate != nil {
		add("timestamp <= ?", filter.EndDate.UTC())
	}

	query := `SELECT ` + entryColumns + ` FROM audit_log`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY timestamp DESC, seq DESC`

	rows, err := txcontext.ExecutorFor(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	page := &models.AuditPage{Entries: []*models.AuditLogEntry{}}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		page.Entries = append(page.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return page, nil
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, key string) (*models.AuditLogEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM audit_log WHERE idempotency_key = $1`
	e, err := scanEntry(txcontext.ExecutorFor(ctx, s.db).QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find audit entry: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) Retention(ctx context.Context) (*models.Retention, error) {
	var (
		count  int
		oldest sql.NullTime
	)
	row := txcontext.ExecutorFor(ctx, s.db).QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(timestamp) FROM audit_log`)
	if err := row.Scan(&count, &oldest); err != nil {
		return nil, fmt.Errorf("audit log retention: %w", err)
	}
	r := &models.Retention{Retained: count}
	if oldest.Valid {
		t := oldest.Time.UTC()
		r.OldestRetainedAt = &t
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.AuditLogEntry, error) {
	var (
		e       models.AuditLogEntry
		entity  string
		action  string
		reason  sql.NullString
		notes   sql.NullString
		idemKey sql.NullString
	)
	if err := row.Scan(&e.ID, &entity, &e.EntityID, &action, &e.VerifierID, &e.VerifierName,
		&reason, &notes, &e.Timestamp, &idemKey); err != nil {
		return nil, err
	}
	e.EntityType = models.Role(entity)
	e.Action = models.Action(action)
	if reason.Valid {
		e.Reason = &reason.String
	}
	if notes.Valid {
		e.Notes = &notes.String
	}
	e.IdempotencyKey = idemKey.String
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullKey(k string) sql.NullString {
	return sql.NullString{String: k, Valid: k != ""}
}
