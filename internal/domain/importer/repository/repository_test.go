package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func subjectRows(s *Subject) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "organization_id", "rut", "full_name", "contact_email",
		"contact_phone", "role", "verification_status", "created_at", "updated_at",
	}).AddRow(
		s.ID, s.OrganizationID, s.RUT, s.FullName, s.ContactEmail,
		s.ContactPhone, s.Role, s.VerificationStatus, s.CreatedAt, s.UpdatedAt,
	)
}

func TestFindSubjectByRUT(t *testing.T) {
	orgID := uuid.New()

	t.Run("found", func(t *testing.T) {
		mock := newMock(t)
		want := &Subject{
			ID:                 uuid.New(),
			OrganizationID:     orgID,
			RUT:                "12.345.678-5",
			FullName:           "Juan Pérez",
			Role:               SubjectRoleDebtor,
			VerificationStatus: VerificationPending,
			CreatedAt:          time.Now(),
			UpdatedAt:          time.Now(),
		}
		mock.ExpectQuery("SELECT (.+) FROM subjects").
			WithArgs(orgID, "12.345.678-5").
			WillReturnRows(subjectRows(want))

		got, err := NewRepository(mock).FindSubjectByRUT(context.Background(), orgID, "12.345.678-5")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.FullName, got.FullName)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found returns nil", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery("SELECT (.+) FROM subjects").
			WithArgs(orgID, "1-9").
			WillReturnError(pgx.ErrNoRows)

		got, err := NewRepository(mock).FindSubjectByRUT(context.Background(), orgID, "1-9")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestCreateSubject(t *testing.T) {
	orgID := uuid.New()

	t.Run("inserts with defaults", func(t *testing.T) {
		mock := newMock(t)
		id := uuid.New()
		now := time.Now()
		mock.ExpectQuery("INSERT INTO subjects").
			WithArgs(orgID, "12.345.678-5", "Juan Pérez", (*string)(nil), (*string)(nil), SubjectRoleDebtor, VerificationPending).
			WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(id, now, now))

		s := &Subject{OrganizationID: orgID, RUT: "12.345.678-5", FullName: "Juan Pérez"}
		existing, err := NewRepository(mock).CreateSubject(context.Background(), s)
		require.NoError(t, err)
		assert.False(t, existing)
		assert.Equal(t, id, s.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("uniqueness conflict refetches as found", func(t *testing.T) {
		mock := newMock(t)
		winner := &Subject{
			ID:                 uuid.New(),
			OrganizationID:     orgID,
			RUT:                "12.345.678-5",
			FullName:           "Juan A. Pérez",
			Role:               SubjectRoleDebtor,
			VerificationStatus: VerificationVerified,
			CreatedAt:          time.Now(),
			UpdatedAt:          time.Now(),
		}
		mock.ExpectQuery("INSERT INTO subjects").
			WithArgs(orgID, "12.345.678-5", "Juan Pérez", (*string)(nil), (*string)(nil), SubjectRoleDebtor, VerificationPending).
			WillReturnError(&pgconn.PgError{Code: "23505"})
		mock.ExpectQuery("SELECT (.+) FROM subjects").
			WithArgs(orgID, "12.345.678-5").
			WillReturnRows(subjectRows(winner))

		s := &Subject{OrganizationID: orgID, RUT: "12.345.678-5", FullName: "Juan Pérez"}
		existing, err := NewRepository(mock).CreateSubject(context.Background(), s)
		require.NoError(t, err)
		assert.True(t, existing)
		assert.Equal(t, winner.ID, s.ID)
		assert.Equal(t, "Juan A. Pérez", s.FullName)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("other errors propagate", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery("INSERT INTO subjects").
			WithArgs(orgID, "1-9", "Ana", (*string)(nil), (*string)(nil), SubjectRoleDebtor, VerificationPending).
			WillReturnError(errors.New("connection reset"))

		s := &Subject{OrganizationID: orgID, RUT: "1-9", FullName: "Ana"}
		_, err := NewRepository(mock).CreateSubject(context.Background(), s)
		assert.Error(t, err)
	})
}

func TestUpdateSubjectProfile(t *testing.T) {
	t.Run("refreshes name and email", func(t *testing.T) {
		mock := newMock(t)
		id := uuid.New()
		name := "Juan Andrés Pérez"
		email := "juan@example.cl"
		mock.ExpectExec("UPDATE subjects").
			WithArgs(id, &name, &email, (*string)(nil)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err := NewRepository(mock).UpdateSubjectProfile(context.Background(), id, &name, &email, nil)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("phone only", func(t *testing.T) {
		mock := newMock(t)
		id := uuid.New()
		phone := "+56987654321"
		mock.ExpectExec("UPDATE subjects").
			WithArgs(id, (*string)(nil), (*string)(nil), &phone).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err := NewRepository(mock).UpdateSubjectProfile(context.Background(), id, nil, nil, &phone)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func obligationSchemaRows(columns ...string) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{"column_name"})
	for _, c := range columns {
		rows.AddRow(c)
	}
	return rows
}

func TestCreateObligation(t *testing.T) {
	orgID := uuid.New()
	subjectID := uuid.New()
	due := time.Date(2030, 12, 31, 0, 0, 0, 0, time.UTC)

	t.Run("filters optional columns to the live schema", func(t *testing.T) {
		mock := newMock(t)
		// Live schema carries "reference" but not "category".
		mock.ExpectQuery("SELECT column_name").
			WillReturnRows(obligationSchemaRows(
				"id", "organization_id", "subject_id", "counterparty_id",
				"amount_minor", "currency_code", "due_date", "status", "reference"))
		ref := "F-1001"
		cat := "consumo"
		mock.ExpectQuery("INSERT INTO obligations").
			WithArgs(orgID, subjectID, (*uuid.UUID)(nil), int64(1500000), "CLP", due, ObligationStatusActive, &ref).
			WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(uuid.New(), time.Now()))

		o := &Obligation{
			OrganizationID: orgID,
			SubjectID:      subjectID,
			AmountMinor:    1500000,
			CurrencyCode:   "CLP",
			DueDate:        due,
			Reference:      &ref,
			Category:       &cat,
		}
		err := NewRepository(mock).CreateObligation(context.Background(), o)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("schema is cached across inserts", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery("SELECT column_name").
			WillReturnRows(obligationSchemaRows(
				"organization_id", "subject_id", "counterparty_id",
				"amount_minor", "currency_code", "due_date", "status"))
		for i := 0; i < 2; i++ {
			mock.ExpectQuery("INSERT INTO obligations").
				WithArgs(orgID, subjectID, (*uuid.UUID)(nil), int64(1000), "CLP", due, ObligationStatusActive).
				WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(uuid.New(), time.Now()))
		}

		repo := NewRepository(mock)
		for i := 0; i < 2; i++ {
			o := &Obligation{
				OrganizationID: orgID,
				SubjectID:      subjectID,
				AmountMinor:    1000,
				CurrencyCode:   "CLP",
				DueDate:        due,
			}
			require.NoError(t, repo.CreateObligation(context.Background(), o))
		}
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEvolver_AddField(t *testing.T) {
	t.Run("adds a safe column", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec("ALTER TABLE obligations ADD COLUMN IF NOT EXISTS color TEXT").
			WillReturnResult(pgxmock.NewResult("ALTER", 0))

		ok, err := NewEvolver(mock, nil, nil).AddField(context.Background(), "color", "text")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("declines unsafe identifiers", func(t *testing.T) {
		mock := newMock(t)
		for _, name := range []string{"drop table;--", "Color", "", "status"} {
			ok, err := NewEvolver(mock, nil, nil).AddField(context.Background(), name, "text")
			require.NoError(t, err)
			assert.False(t, ok, "name %q", name)
		}
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown type falls back to text", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec("ALTER TABLE obligations ADD COLUMN IF NOT EXISTS nota TEXT").
			WillReturnResult(pgxmock.NewResult("ALTER", 0))

		ok, err := NewEvolver(mock, nil, nil).AddField(context.Background(), "nota", "mystery")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
