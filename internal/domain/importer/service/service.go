// Package service orchestrates import runs: optional AI correction, batch
// partitioning, per-row find-or-create writes with retry, and result
// accounting.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/pagaria/cobranza-api/internal/domain/ai"
	"github.com/pagaria/cobranza-api/internal/domain/importer/record"
	"github.com/pagaria/cobranza-api/internal/domain/importer/repository"
	"github.com/pagaria/cobranza-api/internal/domain/importer/validator"
	"github.com/pagaria/cobranza-api/pkg/money"
)

// Contract violations. These are the only errors Import returns besides
// context cancellation; everything row-level becomes result data.
var (
	ErrMissingOrganization = errors.New("organization id is required")
	ErrNoRecords           = errors.New("record set is empty")
)

// TooManyRecordsError rejects runs larger than the configured ceiling.
type TooManyRecordsError struct {
	Rows  int
	Limit int
}

func (e *TooManyRecordsError) Error() string {
	return fmt.Sprintf("record set has %d rows, exceeding the limit of %d", e.Rows, e.Limit)
}

// Progress is passed to OnProgress after every row.
type Progress struct {
	Processed  int
	Successful int
	Failed     int
	CurrentRow int
}

// BatchSummary is passed to OnBatchComplete after each batch.
type BatchSummary struct {
	BatchNumber  int
	TotalBatches int
	Processed    int
	Successful   int
	Failed       int
}

// RowError records why one row failed.
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Result is the outcome of one import run.
type Result struct {
	Success         bool          `json:"success"`
	TotalRows       int           `json:"totalRows"`
	Processed       int           `json:"processed"`
	Successful      int           `json:"successful"`
	Failed          int           `json:"failed"`
	Errors          []RowError    `json:"errors,omitempty"`
	SuccessRate     float64       `json:"successRate"`
	Duration        time.Duration `json:"duration"`
	AIOutcome       ai.Outcome    `json:"aiOutcome,omitempty"`
	RetryWithAIData bool          `json:"retryWithAIData,omitempty"`
}

// Options configure one import call.
type Options struct {
	OrganizationID  uuid.UUID
	CounterpartyID  *uuid.UUID
	BatchSize       int
	UseAI           bool
	OnProgress      func(Progress)
	OnBatchComplete func(BatchSummary)
}

// Config is the orchestration tuning surface, owned by pkg/config.
type Config struct {
	MaxRows    int
	BatchSize  int
	RetryCount int
	RetryDelay time.Duration
	BatchPause time.Duration
}

// Corrector is the AI correction stage; *ai.Agent satisfies it.
type Corrector interface {
	Correct(ctx context.Context, records []*record.FlatRecord) ai.Correction
}

// Service drives import runs against the store.
type Service struct {
	store     repository.Store
	validator *validator.Validator
	corrector Corrector
	cfg       Config
	logger    *slog.Logger
}

func NewService(store repository.Store, v *validator.Validator, corrector Corrector, cfg Config, logger *slog.Logger) *Service {
	if v == nil {
		v = validator.New(validator.Config{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Service{store: store, validator: v, corrector: corrector, cfg: cfg, logger: logger}
}

// Import processes the record set and always returns a Result when the
// initial input is acceptable. Zero-success runs that had a successful AI
// pre-pass are retried once with AI off.
func (s *Service) Import(ctx context.Context, records []*record.FlatRecord, opts Options) (*Result, error) {
	if opts.OrganizationID == uuid.Nil {
		return nil, ErrMissingOrganization
	}
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	if s.cfg.MaxRows > 0 && len(records) > s.cfg.MaxRows {
		return nil, &TooManyRecordsError{Rows: len(records), Limit: s.cfg.MaxRows}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = s.cfg.BatchSize
	}

	started := time.Now()
	working := records
	var aiOutcome ai.Outcome
	aiSucceeded := false

	if opts.UseAI && s.corrector != nil {
		correction := s.corrector.Correct(ctx, records)
		aiOutcome = correction.Outcome
		aiSucceeded = !correction.Fallback
		if len(correction.Records) == len(records) {
			working = correction.Records
		}
		s.logger.Info("ai correction stage finished",
			"outcome", correction.Outcome, "rows", len(working))
	}

	result, err := s.runBatches(ctx, working, opts)
	if err != nil {
		return nil, err
	}

	// Whole-run fallback: one more pass over the AI-corrected set, AI off,
	// when nothing succeeded. Bounded to a single retry.
	if result.Successful == 0 && aiSucceeded {
		s.logger.Warn("import produced zero successes after ai correction, retrying once")
		retryResult, err := s.runBatches(ctx, working, opts)
		if err != nil {
			return nil, err
		}
		if retryResult.Successful > 0 {
			retryResult.RetryWithAIData = true
		}
		result = retryResult
	}

	result.AIOutcome = aiOutcome
	result.Duration = time.Since(started)
	s.logger.Info("import finished",
		"total", result.TotalRows,
		"successful", result.Successful,
		"failed", result.Failed,
		"duration", result.Duration)
	return result, nil
}

// runBatches walks the working set in order, one batch at a time, one row
// at a time. Cancellation is checked at the top of every batch and row.
func (s *Service) runBatches(ctx context.Context, records []*record.FlatRecord, opts Options) (*Result, error) {
	result := &Result{TotalRows: len(records)}
	totalBatches := (len(records) + opts.BatchSize - 1) / opts.BatchSize

	for b := 0; b < totalBatches; b++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := b * opts.BatchSize
		end := start + opts.BatchSize
		if end > len(records) {
			end = len(records)
		}
		batchSuccess, batchFailed := 0, 0

		for i := start; i < end; i++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			rowNumber := i + 1

			if rowErr := s.importRow(ctx, records[i], opts); rowErr != nil {
				result.Failed++
				batchFailed++
				result.Errors = append(result.Errors, RowError{Row: rowNumber, Message: rowErr.Error()})
			} else {
				result.Successful++
				batchSuccess++
			}
			result.Processed++

			if opts.OnProgress != nil {
				opts.OnProgress(Progress{
					Processed:  result.Processed,
					Successful: result.Successful,
					Failed:     result.Failed,
					CurrentRow: rowNumber,
				})
			}
		}

		if opts.OnBatchComplete != nil {
			opts.OnBatchComplete(BatchSummary{
				BatchNumber:  b + 1,
				TotalBatches: totalBatches,
				Processed:    end - start,
				Successful:   batchSuccess,
				Failed:       batchFailed,
			})
		}

		// Back-pressure against the store between batches.
		if s.cfg.BatchPause > 0 && b < totalBatches-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.cfg.BatchPause):
			}
		}
	}

	result.Success = result.Successful > 0
	if result.TotalRows > 0 {
		result.SuccessRate = float64(result.Successful) / float64(result.TotalRows) * 100
	}
	return result, nil
}

// importRow validates one row and performs the two store writes. A non-nil
// return is a row-level failure, never a run abort.
func (s *Service) importRow(ctx context.Context, r *record.FlatRecord, opts Options) error {
	res := s.validator.Validate(r)
	if !res.Valid {
		return fmt.Errorf("validación falló: %s", strings.Join(res.Errors, "; "))
	}
	row := res.Normalized

	subject, err := s.resolveSubject(ctx, row, opts)
	if err != nil {
		return fmt.Errorf("no se pudo resolver el deudor: %w", err)
	}

	if err := s.createObligation(ctx, row, subject, opts); err != nil {
		return fmt.Errorf("no se pudo crear la deuda: %w", err)
	}
	return nil
}

// resolveSubject finds or creates the subject for a normalized row,
// retrying transient store failures. Name and contact fields are refreshed
// on every sighting of an existing subject; the RUT never changes.
func (s *Service) resolveSubject(ctx context.Context, row *record.FlatRecord, opts Options) (*repository.Subject, error) {
	var subject *repository.Subject

	err := s.withRetry(ctx, func(ctx context.Context) error {
		existing, err := s.store.FindSubjectByRUT(ctx, opts.OrganizationID, row.Value(record.FieldRUT))
		if err != nil {
			return retry.RetryableError(err)
		}

		fullName := optional(row, record.FieldFullName)
		email := optional(row, record.FieldContactEmail)
		phone := optional(row, record.FieldContactPhone)

		if existing == nil {
			candidate := &repository.Subject{
				OrganizationID:     opts.OrganizationID,
				RUT:                row.Value(record.FieldRUT),
				FullName:           row.Value(record.FieldFullName),
				ContactEmail:       email,
				ContactPhone:       phone,
				Role:               repository.SubjectRoleDebtor,
				VerificationStatus: repository.VerificationPending,
			}
			wasExisting, err := s.store.CreateSubject(ctx, candidate)
			if err != nil {
				return retry.RetryableError(err)
			}
			if !wasExisting {
				subject = candidate
				return nil
			}
			existing = candidate
		}

		if fullName != nil || email != nil || phone != nil {
			if err := s.store.UpdateSubjectProfile(ctx, existing.ID, fullName, email, phone); err != nil {
				return retry.RetryableError(err)
			}
			if fullName != nil {
				existing.FullName = *fullName
			}
		}
		subject = existing
		return nil
	})
	return subject, err
}

func (s *Service) createObligation(ctx context.Context, row *record.FlatRecord, subject *repository.Subject, opts Options) error {
	amount, err := money.ParseAmount(row.Value(record.FieldAmount))
	if err != nil {
		return err
	}
	dueDate, err := time.Parse("2006-01-02", row.Value(record.FieldDueDate))
	if err != nil {
		return err
	}

	obligation := &repository.Obligation{
		OrganizationID: opts.OrganizationID,
		SubjectID:      subject.ID,
		CounterpartyID: opts.CounterpartyID,
		AmountMinor:    money.NewFromDecimal(amount, money.CLP).Amount(),
		CurrencyCode:   money.CLP,
		DueDate:        dueDate,
		Reference:      optional(row, record.FieldReference),
		Category:       optional(row, record.FieldCategory),
		InterestRate:   optional(row, record.FieldInterestRate),
		Description:    buildDescription(row),
	}

	return s.withRetry(ctx, func(ctx context.Context) error {
		if err := s.store.CreateObligation(ctx, obligation); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (s *Service) withRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(s.cfg.RetryCount), retry.NewConstant(s.retryDelay()))
	return retry.Do(ctx, backoff, fn)
}

func (s *Service) retryDelay() time.Duration {
	if s.cfg.RetryDelay > 0 {
		return s.cfg.RetryDelay
	}
	return time.Second
}

// buildDescription folds the free-text description and the counterparty
// label into the obligation description.
func buildDescription(row *record.FlatRecord) *string {
	parts := make([]string, 0, 2)
	if v := row.Value(record.FieldDescription); v != "" {
		parts = append(parts, v)
	}
	if v := row.Value(record.FieldCounterpartyName); v != "" {
		parts = append(parts, "Acreedor: "+v)
	}
	if len(parts) == 0 {
		return nil
	}
	out := strings.Join(parts, " | ")
	return &out
}

func optional(row *record.FlatRecord, field string) *string {
	if v := row.Value(field); v != "" {
		return &v
	}
	return nil
}
