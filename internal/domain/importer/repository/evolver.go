package repository

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
)

// columnNamePattern keeps evolved column names to safe SQL identifiers;
// ALTER TABLE cannot take bind parameters for them.
var columnNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// sqlTypes maps the correction agent's suggested types onto column types.
var sqlTypes = map[string]string{
	"text":    "TEXT",
	"numeric": "NUMERIC",
	"date":    "DATE",
	"boolean": "BOOLEAN",
}

// reservedColumns can never be evolved over.
var reservedColumns = map[string]bool{
	"id": true, "organization_id": true, "subject_id": true,
	"counterparty_id": true, "amount_minor": true, "currency_code": true,
	"due_date": true, "status": true, "created_at": true, "updated_at": true,
}

// Evolver adds columns to the obligations table for unknown fields the
// correction stage judged worth persisting. It needs the elevated pool:
// DDL bypasses per-tenant policies.
type Evolver struct {
	elevated DB
	repo     *Repository
	logger   *slog.Logger
}

func NewEvolver(elevated DB, repo *Repository, logger *slog.Logger) *Evolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evolver{elevated: elevated, repo: repo, logger: logger}
}

// AddField adds the column if it does not exist. A false return (bad name,
// reserved column, unknown type) means the caller should drop the field.
func (e *Evolver) AddField(ctx context.Context, name, suggestedType string) (bool, error) {
	if !columnNamePattern.MatchString(name) || reservedColumns[name] {
		e.logger.Info("declining schema evolution for field", "field", name)
		return false, nil
	}
	sqlType, ok := sqlTypes[suggestedType]
	if !ok {
		sqlType = "TEXT"
	}

	query := fmt.Sprintf("ALTER TABLE obligations ADD COLUMN IF NOT EXISTS %s %s", name, sqlType)
	if _, err := e.elevated.Exec(ctx, query); err != nil {
		return false, fmt.Errorf("failed to add column %s: %w", name, err)
	}

	e.logger.Info("obligations schema evolved", "column", name, "type", sqlType)
	if e.repo != nil {
		e.repo.InvalidateSchemaCache()
	}
	return true, nil
}
