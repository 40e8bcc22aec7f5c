package matching

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/pagaria/cobranza-api/internal/domain/importer/repository"
)

// Score weights. Identifier equality dominates, name similarity carries the
// middle, a shared contact email is a tiebreaker.
const (
	identifierWeight = 0.5
	nameWeight       = 0.35
	contactWeight    = 0.15

	// nameHighThreshold is the similarity above which a name alone is
	// considered a strong signal.
	nameHighThreshold = 0.85

	// DefaultThreshold is the similarity floor candidates must clear.
	DefaultThreshold = 0.5
)

// Summary aggregates a MatchAllUnmatched run.
type Summary struct {
	SubjectsProcessed int
	CandidatesFound   int
	Subjects          []SubjectSummary
}

// SubjectSummary reports one subject's outcome inside a bulk run.
type SubjectSummary struct {
	SubjectID  uuid.UUID
	Candidates int
	Err        string
}

// Service computes and persists match candidates.
type Service struct {
	store     Store
	threshold float64
	logger    *slog.Logger
}

func NewService(store Store, threshold float64, logger *slog.Logger) *Service {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, threshold: threshold, logger: logger}
}

// MatchSubject scores the subject against every active counterparty of its
// organization and returns candidates at or above the threshold, strongest
// first. Candidates are persisted only for subjects that have none yet, so
// re-runs are idempotent.
func (s *Service) MatchSubject(ctx context.Context, subjectID uuid.UUID) ([]*Candidate, error) {
	subject, err := s.store.GetSubject(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subject: %w", err)
	}
	if subject == nil {
		return nil, fmt.Errorf("subject %s not found", subjectID)
	}

	counterparties, err := s.store.ListActiveCounterparties(ctx, subject.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load counterparties: %w", err)
	}

	var candidates []*Candidate
	for _, cp := range counterparties {
		if c := s.score(subject, cp); c.Score >= s.threshold {
			candidates = append(candidates, c)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	already, err := s.store.HasCandidates(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing candidates: %w", err)
	}
	if !already && len(candidates) > 0 {
		if err := s.store.SaveCandidates(ctx, candidates); err != nil {
			return nil, fmt.Errorf("failed to persist candidates: %w", err)
		}
	}

	return candidates, nil
}

// MatchAllUnmatched runs MatchSubject over every subject lacking persisted
// candidates. Per-subject failures are reported, never fatal.
func (s *Service) MatchAllUnmatched(ctx context.Context, organizationID uuid.UUID) (*Summary, error) {
	ids, err := s.store.ListUnmatchedSubjects(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unmatched subjects: %w", err)
	}

	summary := &Summary{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sub := SubjectSummary{SubjectID: id}
		candidates, err := s.MatchSubject(ctx, id)
		if err != nil {
			sub.Err = err.Error()
			s.logger.Warn("matching failed for subject", "subject_id", id, "error", err)
		} else {
			sub.Candidates = len(candidates)
			summary.CandidatesFound += len(candidates)
		}
		summary.SubjectsProcessed++
		summary.Subjects = append(summary.Subjects, sub)
	}

	s.logger.Info("bulk matching finished",
		"subjects", summary.SubjectsProcessed, "candidates", summary.CandidatesFound)
	return summary, nil
}

func (s *Service) score(subject *repository.Subject, cp *Counterparty) *Candidate {
	identifierMatch := cp.RUT != nil && *cp.RUT != "" && *cp.RUT == subject.RUT
	nameSim := nameSimilarity(subject.FullName, cp.Name)
	contactMatch := subject.ContactEmail != nil && cp.ContactEmail != nil &&
		*subject.ContactEmail != "" &&
		strings.EqualFold(*subject.ContactEmail, *cp.ContactEmail)

	score := nameWeight * nameSim
	if identifierMatch {
		score += identifierWeight
	}
	if contactMatch {
		score += contactWeight
	}

	matchType := MatchTypePartial
	switch {
	case identifierMatch && nameSim >= nameHighThreshold:
		matchType = MatchTypePerfect
	case identifierMatch:
		matchType = MatchTypeIdentifierExact
	case nameSim >= nameHighThreshold:
		matchType = MatchTypeNameHigh
	}

	return &Candidate{
		SubjectID:       subject.ID,
		CounterpartyID:  cp.ID,
		Score:           score,
		MatchType:       matchType,
		IdentifierMatch: identifierMatch,
		NameMatch:       nameSim,
		ContactMatch:    contactMatch,
	}
}

// nameSimilarity converts Levenshtein distance into a 0-1 similarity and
// adds a bonus for shared tokens, so "Banco Estado" and "Banco del Estado
// de Chile" still score well despite the length gap.
func nameSimilarity(a, b string) float64 {
	na, nb := normalizeName(a), normalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}

	la, lb := len([]rune(na)), len([]rune(nb))
	longest := la
	if lb > longest {
		longest = lb
	}
	dist := fuzzy.LevenshteinDistance(na, nb)
	sim := 1 - float64(dist)/float64(longest)
	if sim < 0 {
		sim = 0
	}

	if bonus := tokenOverlap(na, nb); bonus > 0 {
		sim += 0.2 * bonus
	}
	if sim > 1 {
		sim = 1
	}
	return sim
}

// tokenOverlap returns shared-token count over the larger token count.
func tokenOverlap(a, b string) float64 {
	ta, tb := strings.Fields(a), strings.Fields(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]bool, len(ta))
	for _, t := range ta {
		set[t] = true
	}
	shared := 0
	for _, t := range tb {
		if set[t] {
			shared++
		}
	}
	longest := len(ta)
	if len(tb) > longest {
		longest = len(tb)
	}
	return float64(shared) / float64(longest)
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
