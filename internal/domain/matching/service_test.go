package matching

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagaria/cobranza-api/internal/domain/importer/repository"
)

type fakeStore struct {
	subjects       map[uuid.UUID]*repository.Subject
	counterparties []*Counterparty
	persisted      map[uuid.UUID][]*Candidate
	saveCalls      int
	subjectErr     map[uuid.UUID]error
}

func newStore() *fakeStore {
	return &fakeStore{
		subjects:   make(map[uuid.UUID]*repository.Subject),
		persisted:  make(map[uuid.UUID][]*Candidate),
		subjectErr: make(map[uuid.UUID]error),
	}
}

func (f *fakeStore) GetSubject(_ context.Context, id uuid.UUID) (*repository.Subject, error) {
	if err := f.subjectErr[id]; err != nil {
		return nil, err
	}
	return f.subjects[id], nil
}

func (f *fakeStore) ListActiveCounterparties(context.Context, uuid.UUID) ([]*Counterparty, error) {
	return f.counterparties, nil
}

func (f *fakeStore) HasCandidates(_ context.Context, subjectID uuid.UUID) (bool, error) {
	return len(f.persisted[subjectID]) > 0, nil
}

func (f *fakeStore) SaveCandidates(_ context.Context, candidates []*Candidate) error {
	f.saveCalls++
	for _, c := range candidates {
		f.persisted[c.SubjectID] = append(f.persisted[c.SubjectID], c)
	}
	return nil
}

func (f *fakeStore) ListUnmatchedSubjects(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id := range f.subjects {
		if len(f.persisted[id]) == 0 {
			ids = append(ids, id)
		}
	}
	for id := range f.subjectErr {
		ids = append(ids, id)
	}
	return ids, nil
}

func strptr(s string) *string { return &s }

func addSubject(f *fakeStore, rut, name string, email *string) uuid.UUID {
	id := uuid.New()
	f.subjects[id] = &repository.Subject{
		ID:             id,
		OrganizationID: uuid.New(),
		RUT:            rut,
		FullName:       name,
		ContactEmail:   email,
	}
	return id
}

func TestMatchSubject_IdentifierExact(t *testing.T) {
	store := newStore()
	subjectID := addSubject(store, "12.345.678-5", "Juan Pérez", nil)
	cpID := uuid.New()
	store.counterparties = []*Counterparty{
		{ID: cpID, Name: "Comercial Andina SpA", RUT: strptr("12.345.678-5"), Active: true},
	}

	candidates, err := NewService(store, 0, nil).MatchSubject(context.Background(), subjectID)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	c := candidates[0]
	assert.Equal(t, cpID, c.CounterpartyID)
	assert.True(t, c.IdentifierMatch)
	assert.Equal(t, MatchTypeIdentifierExact, c.MatchType)
	assert.GreaterOrEqual(t, c.Score, identifierWeight)
}

func TestMatchSubject_RankingAndThreshold(t *testing.T) {
	store := newStore()
	subjectID := addSubject(store, "12.345.678-5", "Banco Estado", strptr("cobranza@bancoestado.cl"))
	exact := uuid.New()
	similar := uuid.New()
	store.counterparties = []*Counterparty{
		{ID: uuid.New(), Name: "Farmacias Unidas", Active: true},
		{ID: similar, Name: "Banco del Estado", Active: true},
		{ID: exact, Name: "Banco Estado", RUT: strptr("12.345.678-5"), ContactEmail: strptr("cobranza@bancoestado.cl"), Active: true},
	}

	candidates, err := NewService(store, 0.3, nil).MatchSubject(context.Background(), subjectID)
	require.NoError(t, err)
	require.Len(t, candidates, 2, "the unrelated counterparty must not clear the floor")

	assert.Equal(t, exact, candidates[0].CounterpartyID)
	assert.Equal(t, MatchTypePerfect, candidates[0].MatchType)
	assert.InDelta(t, 1.0, candidates[0].Score, 0.001)
	assert.Equal(t, similar, candidates[1].CounterpartyID)
	assert.Greater(t, candidates[0].Score, candidates[1].Score)
}

func TestMatchSubject_IdempotentPersistence(t *testing.T) {
	store := newStore()
	subjectID := addSubject(store, "12.345.678-5", "Banco Estado", nil)
	store.counterparties = []*Counterparty{
		{ID: uuid.New(), Name: "Banco Estado", Active: true},
	}
	svc := NewService(store, 0.3, nil)

	first, err := svc.MatchSubject(context.Background(), subjectID)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	assert.Equal(t, 1, store.saveCalls)

	second, err := svc.MatchSubject(context.Background(), subjectID)
	require.NoError(t, err)
	assert.Len(t, second, len(first))
	assert.Equal(t, 1, store.saveCalls, "re-run must not persist again")
}

func TestMatchSubject_UnknownSubject(t *testing.T) {
	_, err := NewService(newStore(), 0, nil).MatchSubject(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestMatchAllUnmatched(t *testing.T) {
	store := newStore()
	okID := addSubject(store, "12.345.678-5", "Banco Estado", nil)
	badID := uuid.New()
	store.subjectErr[badID] = errors.New("connection reset")
	store.counterparties = []*Counterparty{
		{ID: uuid.New(), Name: "Banco Estado", Active: true},
	}

	summary, err := NewService(store, 0.3, nil).MatchAllUnmatched(context.Background(), uuid.New())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.SubjectsProcessed)
	assert.Equal(t, 1, summary.CandidatesFound)

	byID := make(map[uuid.UUID]SubjectSummary)
	for _, s := range summary.Subjects {
		byID[s.SubjectID] = s
	}
	assert.Equal(t, 1, byID[okID].Candidates)
	assert.Contains(t, byID[badID].Err, "connection reset")
}

func TestNameSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		min  float64
		max  float64
	}{
		{"identical", "Banco Estado", "banco estado", 1, 1},
		{"shared tokens", "Banco Estado", "Banco del Estado de Chile", 0.5, 1},
		{"unrelated", "Farmacias Unidas", "Banco Estado", 0, 0.4},
		{"empty", "", "Banco", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := nameSimilarity(tt.a, tt.b)
			assert.GreaterOrEqual(t, got, tt.min)
			assert.LessOrEqual(t, got, tt.max)
		})
	}
}
