// Package repository provides database operations for the import pipeline:
// subjects, obligations, and the privileged schema-evolution hook.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/patrickmn/go-cache"
)

// uniqueViolation is the Postgres error code for unique-constraint hits.
const uniqueViolation = "23505"

const schemaCacheTTL = 5 * time.Minute

// SubjectRole marks why a subject exists in the system.
const SubjectRoleDebtor = "debtor"

// Subject verification states.
const (
	VerificationPending  = "pending"
	VerificationVerified = "verified"
)

// Obligation states. Imports always create active debts; paid and overdue
// are downstream transitions.
const (
	ObligationStatusActive  = "active"
	ObligationStatusPaid    = "paid"
	ObligationStatusOverdue = "overdue"
)

// Subject is a debtor person identified by RUT, unique per organization.
type Subject struct {
	ID                 uuid.UUID
	OrganizationID     uuid.UUID
	RUT                string
	FullName           string
	ContactEmail       *string
	ContactPhone       *string
	Role               string
	VerificationStatus string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Obligation is one debt linked to a subject and an organization.
type Obligation struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	SubjectID      uuid.UUID
	CounterpartyID *uuid.UUID
	AmountMinor    int64
	CurrencyCode   string
	DueDate        time.Time
	Status         string
	Reference      *string
	Category       *string
	InterestRate   *string
	Description    *string
	CreatedAt      time.Time
}

// DB is the subset of pgxpool.Pool the repository needs; pgxmock satisfies
// it in tests.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is what the orchestrator depends on.
type Store interface {
	FindSubjectByRUT(ctx context.Context, organizationID uuid.UUID, rut string) (*Subject, error)
	CreateSubject(ctx context.Context, subject *Subject) (existing bool, err error)
	UpdateSubjectProfile(ctx context.Context, id uuid.UUID, fullName, email, phone *string) error
	CreateObligation(ctx context.Context, obligation *Obligation) error
}

// Repository implements Store against Postgres.
type Repository struct {
	db DB
	// schemaCache holds the live obligations column set so optional-field
	// filtering does not query information_schema per row.
	schemaCache *cache.Cache
}

func NewRepository(db DB) *Repository {
	return &Repository{
		db:          db,
		schemaCache: cache.New(schemaCacheTTL, 2*schemaCacheTTL),
	}
}

const subjectColumns = `id, organization_id, rut, full_name, contact_email, contact_phone, role, verification_status, created_at, updated_at`

// FindSubjectByRUT returns the subject with the given canonical RUT, or nil
// when none exists.
func (r *Repository) FindSubjectByRUT(ctx context.Context, organizationID uuid.UUID, rut string) (*Subject, error) {
	query := `
		SELECT ` + subjectColumns + `
		FROM subjects
		WHERE organization_id = $1 AND rut = $2
	`

	var s Subject
	err := r.db.QueryRow(ctx, query, organizationID, rut).Scan(
		&s.ID,
		&s.OrganizationID,
		&s.RUT,
		&s.FullName,
		&s.ContactEmail,
		&s.ContactPhone,
		&s.Role,
		&s.VerificationStatus,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &s, nil
}

// CreateSubject inserts the subject. A uniqueness conflict (a concurrent
// import won the race) is not an error: the existing row is re-fetched into
// subject and existing=true is returned.
func (r *Repository) CreateSubject(ctx context.Context, subject *Subject) (bool, error) {
	query := `
		INSERT INTO subjects (organization_id, rut, full_name, contact_email, contact_phone, role, verification_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	if subject.Role == "" {
		subject.Role = SubjectRoleDebtor
	}
	if subject.VerificationStatus == "" {
		subject.VerificationStatus = VerificationPending
	}

	err := r.db.QueryRow(ctx, query,
		subject.OrganizationID,
		subject.RUT,
		subject.FullName,
		subject.ContactEmail,
		subject.ContactPhone,
		subject.Role,
		subject.VerificationStatus,
	).Scan(&subject.ID, &subject.CreatedAt, &subject.UpdatedAt)
	if err == nil {
		return false, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false, err
	}

	existing, ferr := r.FindSubjectByRUT(ctx, subject.OrganizationID, subject.RUT)
	if ferr != nil {
		return false, ferr
	}
	if existing == nil {
		return false, fmt.Errorf("subject %s conflicted on insert but is not found", subject.RUT)
	}
	*subject = *existing
	return true, nil
}

// UpdateSubjectProfile refreshes the mutable profile fields, keeping
// existing values when the new ones are nil. The RUT is never touched.
func (r *Repository) UpdateSubjectProfile(ctx context.Context, id uuid.UUID, fullName, email, phone *string) error {
	query := `
		UPDATE subjects
		SET full_name = COALESCE($2, full_name),
		    contact_email = COALESCE($3, contact_email),
		    contact_phone = COALESCE($4, contact_phone),
		    updated_at = NOW()
		WHERE id = $1
	`

	_, err := r.db.Exec(ctx, query, id, fullName, email, phone)
	return err
}

// optionalObligationColumns maps struct fields to columns that may or may
// not exist in the live schema (schema evolution adds columns at runtime).
func optionalObligationColumns(o *Obligation) map[string]any {
	return map[string]any{
		"reference":     o.Reference,
		"category":      o.Category,
		"interest_rate": o.InterestRate,
		"description":   o.Description,
	}
}

// CreateObligation inserts the obligation. Optional columns are included
// only when present in the live schema; absent columns are silently
// omitted.
func (r *Repository) CreateObligation(ctx context.Context, o *Obligation) error {
	live, err := r.obligationColumns(ctx)
	if err != nil {
		return fmt.Errorf("failed to load obligations schema: %w", err)
	}

	if o.Status == "" {
		o.Status = ObligationStatusActive
	}

	columns := []string{"organization_id", "subject_id", "counterparty_id", "amount_minor", "currency_code", "due_date", "status"}
	args := []any{o.OrganizationID, o.SubjectID, o.CounterpartyID, o.AmountMinor, o.CurrencyCode, o.DueDate, o.Status}

	optional := optionalObligationColumns(o)
	for _, col := range []string{"reference", "category", "interest_rate", "description"} {
		if live[col] {
			columns = append(columns, col)
			args = append(args, optional[col])
		}
	}

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(
		"INSERT INTO obligations (%s) VALUES (%s) RETURNING id, created_at",
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)

	return r.db.QueryRow(ctx, query, args...).Scan(&o.ID, &o.CreatedAt)
}

const schemaCacheKey = "obligations_columns"

func (r *Repository) obligationColumns(ctx context.Context) (map[string]bool, error) {
	if cached, ok := r.schemaCache.Get(schemaCacheKey); ok {
		return cached.(map[string]bool), nil
	}

	query := `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_name = 'obligations'
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	r.schemaCache.Set(schemaCacheKey, columns, cache.DefaultExpiration)
	return columns, nil
}

// InvalidateSchemaCache forces the next obligation insert to re-read the
// live column set. The evolver calls this after adding a column.
func (r *Repository) InvalidateSchemaCache() {
	r.schemaCache.Delete(schemaCacheKey)
}
