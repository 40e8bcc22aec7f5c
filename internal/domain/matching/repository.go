// Package matching links imported subjects to counterparties by identifier,
// name, and contact similarity. It runs after imports, never inside them.
package matching

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pagaria/cobranza-api/internal/domain/importer/repository"
)

// Match types, strongest first.
const (
	MatchTypePerfect         = "perfect"
	MatchTypeIdentifierExact = "identifier_exact"
	MatchTypeNameHigh        = "name_high"
	MatchTypePartial         = "partial"
)

// Counterparty is a creditor organization subjects can be matched against.
type Counterparty struct {
	ID           uuid.UUID
	Name         string
	RUT          *string
	ContactEmail *string
	Active       bool
}

// Candidate is one scored (subject, counterparty) pair.
type Candidate struct {
	ID              uuid.UUID
	SubjectID       uuid.UUID
	CounterpartyID  uuid.UUID
	Score           float64
	MatchType       string
	IdentifierMatch bool
	NameMatch       float64
	ContactMatch    bool
	CreatedAt       time.Time
}

// Store is the persistence surface the matcher needs.
type Store interface {
	GetSubject(ctx context.Context, id uuid.UUID) (*repository.Subject, error)
	ListActiveCounterparties(ctx context.Context, organizationID uuid.UUID) ([]*Counterparty, error)
	HasCandidates(ctx context.Context, subjectID uuid.UUID) (bool, error)
	SaveCandidates(ctx context.Context, candidates []*Candidate) error
	ListUnmatchedSubjects(ctx context.Context, organizationID uuid.UUID) ([]uuid.UUID, error)
}

// Repository implements Store against Postgres.
type Repository struct {
	db repository.DB
}

func NewRepository(db repository.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetSubject(ctx context.Context, id uuid.UUID) (*repository.Subject, error) {
	query := `
		SELECT id, organization_id, rut, full_name, contact_email, contact_phone, role, verification_status, created_at, updated_at
		FROM subjects
		WHERE id = $1
	`

	var s repository.Subject
	err := r.db.QueryRow(ctx, query, id).Scan(
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

func (r *Repository) ListActiveCounterparties(ctx context.Context, organizationID uuid.UUID) ([]*Counterparty, error) {
	query := `
		SELECT id, name, rut, contact_email, active
		FROM counterparties
		WHERE organization_id = $1 AND active = true
		ORDER BY name
	`

	rows, err := r.db.Query(ctx, query, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Counterparty
	for rows.Next() {
		var c Counterparty
		if err := rows.Scan(&c.ID, &c.Name, &c.RUT, &c.ContactEmail, &c.Active); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}

	return out, rows.Err()
}

func (r *Repository) HasCandidates(ctx context.Context, subjectID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM match_candidates WHERE subject_id = $1)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, subjectID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *Repository) SaveCandidates(ctx context.Context, candidates []*Candidate) error {
	query := `
		INSERT INTO match_candidates (subject_id, counterparty_id, score, match_type, identifier_match, name_match, contact_match)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	for _, c := range candidates {
		err := r.db.QueryRow(ctx, query,
			c.SubjectID,
			c.CounterpartyID,
			c.Score,
			c.MatchType,
			c.IdentifierMatch,
			c.NameMatch,
			c.ContactMatch,
		).Scan(&c.ID, &c.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

// ListOrganizationIDs returns every organization; the nightly matching job
// walks them all.
func (r *Repository) ListOrganizationIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM organizations ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// ListUnmatchedSubjects returns subjects with no persisted candidates.
func (r *Repository) ListUnmatchedSubjects(ctx context.Context, organizationID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT s.id
		FROM subjects s
		LEFT JOIN match_candidates mc ON mc.subject_id = s.id
		WHERE s.organization_id = $1 AND mc.id IS NULL
		ORDER BY s.created_at
	`

	rows, err := r.db.Query(ctx, query, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}
