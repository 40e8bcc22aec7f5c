package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagaria/cobranza-api/internal/domain/importer/record"
)

type scriptedClient struct {
	replies  []string
	errs     []error
	requests []ChatRequest
}

func (c *scriptedClient) Complete(_ context.Context, req ChatRequest) (string, error) {
	i := len(c.requests)
	c.requests = append(c.requests, req)
	var err error
	if i < len(c.errs) {
		err = c.errs[i]
	}
	var reply string
	if i < len(c.replies) {
		reply = c.replies[i]
	}
	return reply, err
}

func inputRows() []*record.FlatRecord {
	r := record.FromMap(map[string]string{
		record.FieldRUT:              "12345678",
		record.FieldFullName:         "juan perez",
		record.FieldAmount:           "1.500.000",
		record.FieldDueDate:          "31/12/2030",
		record.FieldCounterpartyName: "banco estado",
	})
	r.Row = 1
	return []*record.FlatRecord{r}
}

const emptyDetection = `{"errors": [], "missing_fields": [], "unknown_fields": []}`

const correctedRow = `[{"rut": "12.345.678-5", "full_name": "Juan Perez", "amount": "1500000",
	"due_date": "2030-12-31", "counterparty_name": "Banco Estado"}]`

func TestCorrect_NoCredentialFallsBack(t *testing.T) {
	agent := NewAgent(nil, "", nil, nil)
	out := agent.Correct(context.Background(), inputRows())

	assert.Equal(t, OutcomeFallback, out.Outcome)
	assert.True(t, out.Fallback)
	require.Len(t, out.Records, 1)
	// Deterministic normalizer still canonicalizes.
	assert.Equal(t, "12.345.678-5", out.Records[0].Value(record.FieldRUT))
	assert.Equal(t, "1500000", out.Records[0].Value(record.FieldAmount))
}

func TestCorrect_ClientFailureFallsBack(t *testing.T) {
	client := &scriptedClient{errs: []error{errors.New("timeout"), errors.New("timeout")}}
	agent := NewAgent(client, "test-model", nil, nil)

	out := agent.Correct(context.Background(), inputRows())

	assert.Equal(t, OutcomeFallback, out.Outcome)
	assert.True(t, out.Fallback)
	require.Len(t, out.Records, 1)
	assert.Equal(t, "12.345.678-5", out.Records[0].Value(record.FieldRUT))
	// Detection failure surfaces as a generic error entry.
	require.NotEmpty(t, out.Errors)
	assert.Contains(t, out.Errors[0].Issue, "detection unavailable")
}

func TestCorrect_HappyPath(t *testing.T) {
	client := &scriptedClient{replies: []string{emptyDetection, correctedRow}}
	agent := NewAgent(client, "test-model", nil, nil)

	out := agent.Correct(context.Background(), inputRows())

	assert.Equal(t, OutcomeAI, out.Outcome)
	assert.False(t, out.Fallback)
	require.Len(t, out.Records, 1)
	assert.Equal(t, "12.345.678-5", out.Records[0].Value(record.FieldRUT))
	assert.Equal(t, "Banco Estado", out.Records[0].Value(record.FieldCounterpartyName))
	assert.Equal(t, 1, out.Records[0].Row)
	require.Len(t, client.requests, 2)
	assert.Equal(t, "test-model", client.requests[0].Model)
}

func TestCorrect_DetectionFailureStillCorrects(t *testing.T) {
	client := &scriptedClient{
		replies: []string{"not json at all", correctedRow},
	}
	agent := NewAgent(client, "test-model", nil, nil)

	out := agent.Correct(context.Background(), inputRows())

	assert.Equal(t, OutcomePartial, out.Outcome)
	assert.False(t, out.Fallback)
	assert.Equal(t, "12.345.678-5", out.Records[0].Value(record.FieldRUT))
}

func TestCorrect_CodeFencedReply(t *testing.T) {
	client := &scriptedClient{
		replies: []string{
			"```json\n" + emptyDetection + "\n```",
			"Here are the corrected records:\n```json\n" + correctedRow + "\n```",
		},
	}
	agent := NewAgent(client, "test-model", nil, nil)

	out := agent.Correct(context.Background(), inputRows())

	assert.Equal(t, OutcomeAI, out.Outcome)
	assert.Equal(t, "12.345.678-5", out.Records[0].Value(record.FieldRUT))
}

func TestCorrect_UnknownFieldDroppedByDefault(t *testing.T) {
	detection := `{"errors": [], "missing_fields": [],
		"unknown_fields": [{"name": "color", "suggested_type": "text"}]}`
	corrected := `[{"rut": "12.345.678-5", "full_name": "Juan Perez", "amount": "1500000",
		"due_date": "2030-12-31", "counterparty_name": "Banco Estado", "color": "azul"}]`
	client := &scriptedClient{replies: []string{detection, corrected}}
	agent := NewAgent(client, "test-model", nil, nil)

	out := agent.Correct(context.Background(), inputRows())

	assert.Equal(t, []string{"color"}, out.UnknownFields)
	_, present := out.Records[0].Get("color")
	assert.False(t, present)
}

type acceptAllEvolver struct{ added []string }

func (e *acceptAllEvolver) AddField(_ context.Context, name, _ string) (bool, error) {
	e.added = append(e.added, name)
	return true, nil
}

func TestCorrect_EvolverKeepsAcceptedField(t *testing.T) {
	detection := `{"errors": [], "missing_fields": [],
		"unknown_fields": [{"name": "color", "suggested_type": "text"}]}`
	corrected := `[{"rut": "12.345.678-5", "full_name": "Juan Perez", "amount": "1500000",
		"due_date": "2030-12-31", "counterparty_name": "Banco Estado", "color": "azul"}]`
	client := &scriptedClient{replies: []string{detection, corrected}}
	evolver := &acceptAllEvolver{}
	agent := NewAgent(client, "test-model", evolver, nil)

	out := agent.Correct(context.Background(), inputRows())

	assert.Equal(t, []string{"color"}, evolver.added)
	assert.Equal(t, "azul", out.Records[0].Value("color"))
	assert.Contains(t, out.Records[0].Generated, "color")
}

func TestCorrect_InvalidCorrectionRowSubstituted(t *testing.T) {
	// The model blanked the amount; the row must fall back to the
	// deterministic normalization of the original.
	badRow := `[{"rut": "12.345.678-5", "full_name": "Juan Perez", "amount": "",
		"due_date": "2030-12-31", "counterparty_name": "Banco Estado"}]`
	client := &scriptedClient{replies: []string{emptyDetection, badRow}}
	agent := NewAgent(client, "test-model", nil, nil)

	out := agent.Correct(context.Background(), inputRows())

	assert.Equal(t, OutcomePartial, out.Outcome)
	assert.Equal(t, "1500000", out.Records[0].Value(record.FieldAmount))
}

func TestCorrect_RowCountMismatchFallsBack(t *testing.T) {
	client := &scriptedClient{replies: []string{emptyDetection, "[]"}}
	agent := NewAgent(client, "test-model", nil, nil)

	out := agent.Correct(context.Background(), inputRows())

	assert.Equal(t, OutcomeFallback, out.Outcome)
	assert.True(t, out.Fallback)
	require.Len(t, out.Records, 1)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around array", `Sure! [1,2,3] hope that helps`, `[1,2,3]`},
		{"no json", "nothing here", "nothing here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(extractJSON(tt.in)))
		})
	}
}
