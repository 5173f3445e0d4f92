package domain

import (
	"strings"
	"time"
)

// Field names a record attribute that rule conditions can reference.
type Field string

// Enumerated record fields.
const (
	FieldSender                Field = "sender"
	FieldSubject               Field = "subject"
	FieldAttachments           Field = "attachments"
	FieldRecipients            Field = "recipients"
	FieldRecipientsEmailDomain Field = "recipients_email_domain"
	FieldLeaver                Field = "leaver"
	FieldTerminationDate       Field = "termination_date"
	FieldWordlistAttachment    Field = "wordlist_attachment"
	FieldWordlistSubject       Field = "wordlist_subject"
	FieldBunit                 Field = "bunit"
	FieldDepartment            Field = "department"
	FieldStatus                Field = "status"
	FieldUserResponse          Field = "user_response"
	FieldFinalOutcome          Field = "final_outcome"
	FieldJustification         Field = "justification"
)

var allFields = []Field{
	FieldSender,
	FieldSubject,
	FieldAttachments,
	FieldRecipients,
	FieldRecipientsEmailDomain,
	FieldLeaver,
	FieldTerminationDate,
	FieldWordlistAttachment,
	FieldWordlistSubject,
	FieldBunit,
	FieldDepartment,
	FieldStatus,
	FieldUserResponse,
	FieldFinalOutcome,
	FieldJustification,
}

// AllFields returns every enumerated record field in declaration order.
func AllFields() []Field {
	out := make([]Field, len(allFields))
	copy(out, allFields)
	return out
}

// Valid reports whether f is one of the enumerated fields.
func (f Field) Valid() bool {
	for _, known := range allFields {
		if f == known {
			return true
		}
	}
	return false
}

// ParseField converts a name into a Field.
func ParseField(name string) (Field, bool) {
	f := Field(strings.TrimSpace(name))
	return f, f.Valid()
}

// Fields is the ingested attribute set of a record.
type Fields map[Field]string

// Get returns the value for f, or the empty string when unset.
func (fs Fields) Get(f Field) string {
	if fs == nil {
		return ""
	}
	return fs[f]
}

// NormalizeValue lower-cases and trims an ingested value.
func NormalizeValue(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// RiskLevel is the final classification bucket.
type RiskLevel string

const (
	RiskLow      RiskLevel = "Low"
	RiskMedium   RiskLevel = "Medium"
	RiskHigh     RiskLevel = "High"
	RiskCritical RiskLevel = "Critical"
)

// CaseStatus tracks analyst workflow state of a record.
type CaseStatus string

const (
	CaseNew       CaseStatus = "New"
	CaseEscalated CaseStatus = "Escalated"
	CaseReviewed  CaseStatus = "Reviewed"
	CaseClosed    CaseStatus = "Closed"
)

// RuleMatch summarizes a security rule that matched a record.
type RuleMatch struct {
	RuleID      string  `json:"rule_id"`
	RuleName    string  `json:"rule_name"`
	Description string  `json:"description"`
	Priority    int     `json:"priority"`
	Actions     Actions `json:"actions"`
}

// Record is one row of an ingested email-activity batch.
type Record struct {
	SessionID string `json:"session_id"`
	RecordID  string `json:"record_id"`
	Fields    Fields `json:"fields"`

	// Exclusion stage
	ExcludedByRule *string `json:"excluded_by_rule"`

	// Whitelist stage
	Whitelisted bool `json:"whitelisted"`

	// Security rules stage
	RuleMatches []RuleMatch `json:"rule_matches"`
	RuleScore   *float64    `json:"rule_score"`
	RuleLevel   *RiskLevel  `json:"rule_level"`
	CaseStatus  CaseStatus  `json:"case_status"`
	Notes       string      `json:"notes"`
	AssignedTo  string      `json:"assigned_to"`
	EscalatedAt *time.Time  `json:"escalated_at"`

	// Risk aggregation stage
	AnomalyScore  *float64   `json:"anomaly_score"`
	RiskScore     *float64   `json:"risk_score"`
	RiskLevel     *RiskLevel `json:"risk_level"`
	MLExplanation string     `json:"ml_explanation"`

	CreatedAt time.Time `json:"created_at"`
}

// Value returns the ingested value of a field.
func (r *Record) Value(f Field) string {
	return r.Fields.Get(f)
}

// Excluded reports whether an exclusion rule matched the record.
func (r *Record) Excluded() bool {
	return r.ExcludedByRule != nil
}

// ResetStage clears the classification fields owned by a stage.
func (r *Record) ResetStage(stage Stage) {
	switch stage {
	case StageExclusion:
		r.ExcludedByRule = nil
	case StageWhitelist:
		r.Whitelisted = false
	case StageRules:
		r.RuleMatches = nil
		r.RuleScore = nil
		r.RuleLevel = nil
		r.CaseStatus = CaseNew
		r.Notes = ""
		r.AssignedTo = ""
		r.EscalatedAt = nil
	case StageML:
		r.AnomalyScore = nil
		r.RiskScore = nil
		r.RiskLevel = nil
		r.MLExplanation = ""
	}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.Fields = make(Fields, len(r.Fields))
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	if r.RuleMatches != nil {
		c.RuleMatches = make([]RuleMatch, len(r.RuleMatches))
		copy(c.RuleMatches, r.RuleMatches)
	}
	c.ExcludedByRule = clonePtr(r.ExcludedByRule)
	c.RuleScore = clonePtr(r.RuleScore)
	c.RuleLevel = clonePtr(r.RuleLevel)
	c.EscalatedAt = clonePtr(r.EscalatedAt)
	c.AnomalyScore = clonePtr(r.AnomalyScore)
	c.RiskScore = clonePtr(r.RiskScore)
	c.RiskLevel = clonePtr(r.RiskLevel)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ProcessingError records a row that could not be ingested.
type ProcessingError struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Row       int       `json:"row"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
