package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/pagaria/cobranza-api/internal/domain/importer/record"
	"github.com/pagaria/cobranza-api/internal/domain/importer/validator"
)

// Outcome labels how a correction run concluded.
type Outcome string

const (
	// OutcomeAI means the model's corrections were used for every row.
	OutcomeAI Outcome = "ai"
	// OutcomePartial means the model ran but some rows fell back to the
	// deterministic normalizer.
	OutcomePartial Outcome = "partial"
	// OutcomeFallback means only the deterministic normalizer ran.
	OutcomeFallback Outcome = "fallback"
)

// detectionSampleSize bounds how many rows the detection call sees.
const detectionSampleSize = 5

// RowError is one problem the detection call reported.
type RowError struct {
	Row   int    `json:"row"`
	Field string `json:"field"`
	Issue string `json:"issue"`
}

// Correction is the agent's result. Records is always usable: worst case it
// is the deterministic normalizer's output over the input.
type Correction struct {
	Records       []*record.FlatRecord
	Errors        []RowError
	MissingFields []string
	UnknownFields []string
	Outcome       Outcome
	Fallback      bool
}

// SchemaEvolver is the privileged hook that adds a column for an unknown
// field the model judged worth persisting. Implementations must be
// idempotent; a false return means the field is dropped from corrected
// records.
type SchemaEvolver interface {
	AddField(ctx context.Context, name, suggestedType string) (bool, error)
}

// declineAllEvolver drops every unknown field. It is the default so schema
// changes only happen when a caller opts in with a real evolver.
type declineAllEvolver struct{}

func (declineAllEvolver) AddField(context.Context, string, string) (bool, error) {
	return false, nil
}

// Agent runs the two-call detect/correct protocol. A nil client means no
// credential is configured and the agent only applies the deterministic
// normalizer.
type Agent struct {
	client  ChatClient
	model   string
	evolver SchemaEvolver
	checker *validator.Validator
	logger  *slog.Logger
}

func NewAgent(client ChatClient, model string, evolver SchemaEvolver, logger *slog.Logger) *Agent {
	if evolver == nil {
		evolver = declineAllEvolver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		client:  client,
		model:   model,
		evolver: evolver,
		checker: validator.New(validator.Config{}),
		logger:  logger,
	}
}

// Correct runs detection, optional schema evolution, and correction over
// the record set. It never returns an error: every failure downgrades to
// the deterministic normalizer.
func (a *Agent) Correct(ctx context.Context, records []*record.FlatRecord) Correction {
	if a.client == nil {
		a.logger.Info("ai correction skipped, no credential configured")
		return a.fallback(records, nil)
	}
	if len(records) == 0 {
		return Correction{Outcome: OutcomeAI}
	}

	report, detectionOK := a.detect(ctx, records)

	dropped := a.evolveUnknownFields(ctx, report.UnknownFields)

	corrected, err := a.correctRecords(ctx, records, report.Errors, dropped)
	if err != nil {
		a.logger.Warn("ai correction failed, applying deterministic normalizer", "error", err)
		return a.fallback(records, &report)
	}

	// Re-validate; rows the model left invalid fall back row by row.
	substituted := 0
	for i, r := range corrected {
		if res := a.checker.Validate(r); !res.Valid {
			corrected[i] = a.normalize(records[i])
			substituted++
		}
	}

	outcome := OutcomeAI
	if substituted > 0 || !detectionOK {
		outcome = OutcomePartial
	}
	if substituted > 0 {
		a.logger.Info("ai correction partially applied",
			"rows", len(corrected), "substituted", substituted)
	}
	return Correction{
		Records:       corrected,
		Errors:        report.Errors,
		MissingFields: report.MissingFields,
		UnknownFields: unknownNames(report.UnknownFields),
		Outcome:       outcome,
	}
}

type unknownField struct {
	Name          string `json:"name"`
	SuggestedType string `json:"suggested_type"`
}

type detectionReport struct {
	Errors        []RowError     `json:"errors"`
	MissingFields []string       `json:"missing_fields"`
	UnknownFields []unknownField `json:"unknown_fields"`
}

// detect asks the model for a structured problem report over a sample of
// rows. A failed call or unparseable reply degrades to a single generic
// error entry; the correction call still runs.
func (a *Agent) detect(ctx context.Context, records []*record.FlatRecord) (detectionReport, bool) {
	sample := records
	if len(sample) > detectionSampleSize {
		sample = sample[:detectionSampleSize]
	}
	sampleJSON, err := json.Marshal(sample)
	if err != nil {
		return genericReport(err), false
	}

	content, err := a.client.Complete(ctx, ChatRequest{
		Model: a.model,
		Messages: []Message{
			{Role: "system", Content: detectionSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Schema fields: %s\n\nSample rows:\n%s",
				strings.Join(record.KnownFields(), ", "), sampleJSON)},
		},
		MaxTokens:   2000,
		Temperature: 0,
	})
	if err != nil {
		a.logger.Warn("ai detection call failed", "error", err)
		return genericReport(err), false
	}

	var report detectionReport
	if err := json.Unmarshal(extractJSON(content), &report); err != nil {
		a.logger.Warn("ai detection response unparseable", "error", err)
		return genericReport(err), false
	}
	return report, true
}

func genericReport(err error) detectionReport {
	return detectionReport{
		Errors: []RowError{{Row: 0, Issue: fmt.Sprintf("detection unavailable: %v", err)}},
	}
}

// evolveUnknownFields decides, per unknown field, whether to persist it via
// the privileged hook. Declined or failed fields are returned for dropping;
// none of this ever blocks the import.
func (a *Agent) evolveUnknownFields(ctx context.Context, fields []unknownField) map[string]bool {
	dropped := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			continue
		}
		ok, err := a.evolver.AddField(ctx, f.Name, f.SuggestedType)
		if err != nil {
			a.logger.Warn("schema evolution failed, dropping field", "field", f.Name, "error", err)
			dropped[f.Name] = true
			continue
		}
		if !ok {
			a.logger.Info("unknown field declined, dropping", "field", f.Name)
			dropped[f.Name] = true
		}
	}
	return dropped
}

// correctRecords asks the model for the full corrected record array and
// rebuilds flat records from it.
func (a *Agent) correctRecords(ctx context.Context, records []*record.FlatRecord, errs []RowError, dropped map[string]bool) ([]*record.FlatRecord, error) {
	recordsJSON, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("failed to encode records: %w", err)
	}
	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode detected errors: %w", err)
	}

	content, err := a.client.Complete(ctx, ChatRequest{
		Model: a.model,
		Messages: []Message{
			{Role: "system", Content: correctionSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Detected problems:\n%s\n\nRecords:\n%s", errsJSON, recordsJSON)},
		},
		MaxTokens:   8000,
		Temperature: 0,
	})
	if err != nil {
		return nil, err
	}

	var rows []map[string]any
	if err := json.Unmarshal(extractJSON(content), &rows); err != nil {
		// Some models wrap the array in an object.
		var wrapped struct {
			Records []map[string]any `json:"records"`
		}
		if err2 := json.Unmarshal(extractJSON(content), &wrapped); err2 != nil || wrapped.Records == nil {
			return nil, fmt.Errorf("correction response unparseable: %w", err)
		}
		rows = wrapped.Records
	}
	if len(rows) != len(records) {
		return nil, fmt.Errorf("correction returned %d rows for %d records", len(rows), len(records))
	}

	out := make([]*record.FlatRecord, len(rows))
	for i, row := range rows {
		values := make(map[string]string, len(row))
		for k, v := range row {
			if dropped[k] {
				continue
			}
			values[k] = stringify(v)
		}
		r := record.FromMap(values)
		r.Row = records[i].Row
		for k, v := range values {
			if v != "" && !records[i].Has(k) {
				r.Generated = append(r.Generated, k)
			}
		}
		out[i] = r
	}
	return out, nil
}

// fallback applies the deterministic normalizer to every record.
func (a *Agent) fallback(records []*record.FlatRecord, report *detectionReport) Correction {
	out := make([]*record.FlatRecord, len(records))
	for i, r := range records {
		out[i] = a.normalize(r)
	}
	c := Correction{Records: out, Outcome: OutcomeFallback, Fallback: true}
	if report != nil {
		c.Errors = report.Errors
		c.MissingFields = report.MissingFields
		c.UnknownFields = unknownNames(report.UnknownFields)
	}
	return c
}

func (a *Agent) normalize(r *record.FlatRecord) *record.FlatRecord {
	return a.checker.Validate(r).Normalized
}

func unknownNames(fields []unknownField) []string {
	var out []string
	for _, f := range fields {
		if f.Name != "" {
			out = append(out, f.Name)
		}
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// extractJSON strips markdown code fences and surrounding prose, returning
// the first JSON array or object in the content.
func extractJSON(content string) []byte {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return []byte(s)
	}
	var end int
	if s[start] == '[' {
		end = strings.LastIndexByte(s, ']')
	} else {
		end = strings.LastIndexByte(s, '}')
	}
	if end <= start {
		return []byte(s)
	}
	return []byte(s[start : end+1])
}
