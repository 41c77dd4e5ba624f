package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"gigverify/internal/verification/models"
	"gigverify/pkg/platform/sentinel"
	txcontext "gigverify/pkg/platform/tx"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// PostgresStore persists entities in the entities table. When a transaction
// is present in the context (see pkg/platform/tx) all statements join it.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entityColumns = `role, id, name, email, phone, verification_status, account_status,
	registered_at, documents, version, updated_at`

func (s *PostgresStore) Create(ctx context.Context, e *models.Entity) error {
	docs, err := json.Marshal(e.Documents)
	if err != nil {
		return fmt.Errorf("marshal documents: %w", err)
	}
	version := e.Version
	if version == 0 {
		version = 1
	}
	query := `INSERT INTO entities (` + entityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = txcontext.ExecutorFor(ctx, s.db).ExecContext(ctx, query,
		string(e.Role), e.ID, e.Name, e.Email, e.Phone,
		string(e.VerificationStatus), string(e.AccountStatus),
		e.RegisteredAt, docs, version, e.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return sentinel.ErrDuplicate
		}
		return fmt.Errorf("insert entity: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, ref models.EntityRef) (*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE role = $1 AND id = $2`
	row := txcontext.ExecutorFor(ctx, s.db).QueryRowContext(ctx, query, string(ref.Role), ref.ID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) List(ctx context.Context, role models.Role) ([]*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities
		WHERE ($1 = '' OR role = $1)
		ORDER BY registered_at, role, id`
	rows, err := txcontext.ExecutorFor(ctx, s.db).QueryContext(ctx, query, string(role))
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	out := []*models.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return out, nil
}

// Update is a compare-and-swap on the version column. registered_at is never
// part of the SET list.
func (s *PostgresStore) Update(ctx context.Context, e *models.Entity, expectedVersion int64) (*models.Entity, error) {
	docs, err := json.Marshal(e.Documents)
	if err != nil {
		return nil, fmt.Errorf("marshal documents: %w", err)
	}
	query := `UPDATE entities SET
			name = $3, email = $4, phone = $5,
			verification_status = $6, account_status = $7,
			documents = $8, updated_at = $9, version = version + 1
		WHERE role = $1 AND id = $2 AND version = $10
		RETURNING ` + entityColumns
	exec := txcontext.ExecutorFor(ctx, s.db)
	row := exec.QueryRowContext(ctx, query,
		string(e.Role), e.ID, e.Name, e.Email, e.Phone,
		string(e.VerificationStatus), string(e.AccountStatus),
		docs, e.UpdatedAt, expectedVersion,
	)
	updated, err := scanEntity(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update entity: %w", err)
	}

	var exists bool
	if err := exec.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM entities WHERE role = $1 AND id = $2)`,
		string(e.Role), e.ID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check entity: %w", err)
	}
	if !exists {
		return nil, sentinel.ErrNotFound
	}
	return nil, sentinel.ErrConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*models.Entity, error) {
	var (
		e         models.Entity
		role      string
		verifStat string
		acctStat  string
		docsRaw   []byte
	)
	if err := row.Scan(&role, &e.ID, &e.Name, &e.Email, &e.Phone, &verifStat, &acctStat,
		&e.RegisteredAt, &docsRaw, &e.Version, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Role = models.Role(role)
	e.VerificationStatus = models.VerificationStatus(verifStat)
	e.AccountStatus = models.AccountStatus(acctStat)
	e.Documents = map[string]models.DocumentUpload{}
	if len(docsRaw) > 0 {
		if err := json.Unmarshal(docsRaw, &e.Documents); err != nil {
			return nil, fmt.Errorf("decode documents: %w", err)
		}
	}
	return &e, nil
}
