// Package cron provides scheduled background jobs using robfig/cron.
package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/pagaria/cobranza-api/internal/domain/matching"
)

// Matcher is the matching service surface the nightly job needs.
type Matcher interface {
	MatchAllUnmatched(ctx context.Context, organizationID uuid.UUID) (*matching.Summary, error)
}

// OrganizationLister enumerates tenants for the nightly walk.
type OrganizationLister interface {
	ListOrganizationIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Scheduler manages background scheduled jobs using robfig/cron.
type Scheduler struct {
	cron     *cron.Cron
	matcher  Matcher
	orgs     OrganizationLister
	schedule string
	logger   *slog.Logger
}

// NewScheduler creates a new job scheduler.
func NewScheduler(matcher Matcher, orgs OrganizationLister, schedule string, logger *slog.Logger) *Scheduler {
	// Create cron with seconds disabled (standard 5-field format)
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	return &Scheduler{
		cron:     c,
		matcher:  matcher,
		orgs:     orgs,
		schedule: schedule,
		logger:   logger,
	}
}

// Start begins scheduled jobs.
func (s *Scheduler) Start() error {
	// Counterparty matching over newly imported subjects, nightly.
	_, err := s.cron.AddFunc(s.schedule, s.matchAllOrganizations)
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("cron scheduler started",
		slog.Int("jobs", len(s.cron.Entries())),
		slog.String("matching_schedule", s.schedule),
	)
	return nil
}

// Stop gracefully stops all scheduled jobs.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("cron scheduler stopping")
	return s.cron.Stop()
}

// RunNow manually triggers the matching walk (for testing/admin).
func (s *Scheduler) RunNow() {
	go s.matchAllOrganizations()
}

// matchAllOrganizations runs the matcher for every tenant's unmatched
// subjects.
func (s *Scheduler) matchAllOrganizations() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	s.logger.Info("starting nightly counterparty matching")

	orgIDs, err := s.orgs.ListOrganizationIDs(ctx)
	if err != nil {
		s.logger.Error("failed to list organizations", slog.Any("error", err))
		return
	}

	processed := 0
	failed := 0
	candidates := 0

	for _, orgID := range orgIDs {
		summary, err := s.matcher.MatchAllUnmatched(ctx, orgID)
		if err != nil {
			s.logger.Warn("matching walk failed for organization",
				slog.String("organization_id", orgID.String()),
				slog.Any("error", err),
			)
			failed++
			continue
		}

		s.logger.Debug("organization matched",
			slog.String("organization_id", orgID.String()),
			slog.Int("subjects", summary.SubjectsProcessed),
			slog.Int("candidates", summary.CandidatesFound),
		)
		processed += summary.SubjectsProcessed
		candidates += summary.CandidatesFound
	}

	s.logger.Info("nightly counterparty matching completed",
		slog.Int("organizations", len(orgIDs)),
		slog.Int("organizations_failed", failed),
		slog.Int("subjects_processed", processed),
		slog.Int("candidates_found", candidates),
	)
}
