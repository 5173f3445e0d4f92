package rules

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// subjectPreviewLen caps the subject shown in preview matches.
const subjectPreviewLen = 100

// PreviewMatch identifies a record matched during a rule test.
type PreviewMatch struct {
	RecordID              string `json:"record_id"`
	Sender                string `json:"sender"`
	Subject               string `json:"subject"`
	RecipientsEmailDomain string `json:"recipients_email_domain"`
}

// TestResult reports the blast radius of a candidate rule.
type TestResult struct {
	Matches         []PreviewMatch `json:"matches"`
	MatchCount      int            `json:"match_count"`
	TotalTested     int            `json:"total_tested"`
	MatchPercentage float64        `json:"match_percentage"`
}

// TestRule evaluates a candidate rule against sample records without
// mutating them.
func (e *Engine) TestRule(rule *domain.Rule, records []*domain.Record) *TestResult {
	result := &TestResult{
		Matches:     []PreviewMatch{},
		TotalTested: len(records),
	}

	for _, rec := range records {
		if !e.Matches(rec, rule) {
			continue
		}
		subject := rec.Value(domain.FieldSubject)
		if r := []rune(subject); len(r) > subjectPreviewLen {
			subject = string(r[:subjectPreviewLen])
		}
		result.Matches = append(result.Matches, PreviewMatch{
			RecordID:              rec.RecordID,
			Sender:                rec.Value(domain.FieldSender),
			Subject:               subject,
			RecipientsEmailDomain: rec.Value(domain.FieldRecipientsEmailDomain),
		})
	}

	result.MatchCount = len(result.Matches)
	if result.TotalTested > 0 {
		pct := float64(result.MatchCount) / float64(result.TotalTested) * 100
		result.MatchPercentage = math.Round(pct*100) / 100
	}
	return result
}

// SampleFilter narrows a preview sample with a CEL expression such as
// `department == "finance" && leaver == "yes"`. Every enumerated field is
// bound as a string variable, and `record` holds them all as a map.
type SampleFilter struct {
	expr    string
	program cel.Program
}

var (
	filterEnvOnce sync.Once
	filterEnv     *cel.Env
	filterEnvErr  error
)

func sampleEnv() (*cel.Env, error) {
	filterEnvOnce.Do(func() {
		opts := []cel.EnvOption{
			cel.Variable("record", cel.MapType(cel.StringType, cel.StringType)),
			cel.Variable("record_id", cel.StringType),
		}
		for _, f := range domain.AllFields() {
			opts = append(opts, cel.Variable(string(f), cel.StringType))
		}
		filterEnv, filterEnvErr = cel.NewEnv(opts...)
	})
	return filterEnv, filterEnvErr
}

// CompileSampleFilter compiles a CEL filter; the expression must be boolean.
func CompileSampleFilter(expr string) (*SampleFilter, error) {
	env, err := sampleEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: filter compilation failed: %v", domain.ErrInvalidInput, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: filter must return bool, got %v", domain.ErrInvalidInput, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: filter program creation failed: %v", domain.ErrInvalidInput, err)
	}
	return &SampleFilter{expr: expr, program: prg}, nil
}

// String returns the filter source.
func (f *SampleFilter) String() string {
	return f.expr
}

// Match reports whether the record passes the filter.
func (f *SampleFilter) Match(rec *domain.Record) (bool, error) {
	all := make(map[string]string, len(domain.AllFields()))
	activation := map[string]any{"record_id": rec.RecordID}
	for _, field := range domain.AllFields() {
		v := rec.Value(field)
		all[string(field)] = v
		activation[string(field)] = v
	}
	activation["record"] = all

	out, _, err := f.program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("filter evaluation failed: %w", err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("filter returned %v, not bool", out.Type())
	}
	return bool(b), nil
}

// Apply returns the records that pass the filter. A nil filter keeps all.
func (f *SampleFilter) Apply(records []*domain.Record) ([]*domain.Record, error) {
	if f == nil {
		return records, nil
	}
	out := make([]*domain.Record, 0, len(records))
	for _, rec := range records {
		ok, err := f.Match(rec)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}
