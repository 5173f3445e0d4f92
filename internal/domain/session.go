package domain

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a processing session.
type SessionStatus string

const (
	SessionUploaded   SessionStatus = "uploaded"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionError      SessionStatus = "error"
)

// Stage is one step of the classification workflow.
type Stage string

const (
	StageExclusion Stage = "exclusion"
	StageWhitelist Stage = "whitelist"
	StageRules     Stage = "rules"
	StageML        Stage = "ml"
)

// Stages lists the workflow stages in execution order.
var Stages = []Stage{StageExclusion, StageWhitelist, StageRules, StageML}

// ParseStage validates a stage name.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: unknown stage %q", ErrInvalidInput, s)
}

// Session is the state container for one ingested batch.
type Session struct {
	ID               string         `json:"id"`
	Filename         string         `json:"filename"`
	Status           SessionStatus  `json:"status"`
	TotalRecords     int            `json:"total_records"`
	ProcessedRecords int            `json:"processed_records"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	ProcessingStats  map[string]any `json:"processing_stats,omitempty"`

	ExclusionApplied bool `json:"exclusion_applied"`
	WhitelistApplied bool `json:"whitelist_applied"`
	RulesApplied     bool `json:"rules_applied"`
	MLApplied        bool `json:"ml_applied"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StageApplied reports the completion flag of a stage.
func (s *Session) StageApplied(stage Stage) bool {
	switch stage {
	case StageExclusion:
		return s.ExclusionApplied
	case StageWhitelist:
		return s.WhitelistApplied
	case StageRules:
		return s.RulesApplied
	case StageML:
		return s.MLApplied
	}
	return false
}

// SetStageApplied sets the completion flag of a stage.
func (s *Session) SetStageApplied(stage Stage, applied bool) {
	switch stage {
	case StageExclusion:
		s.ExclusionApplied = applied
	case StageWhitelist:
		s.WhitelistApplied = applied
	case StageRules:
		s.RulesApplied = applied
	case StageML:
		s.MLApplied = applied
	}
}

// Complete reports whether all four stages have been applied.
func (s *Session) Complete() bool {
	for _, st := range Stages {
		if !s.StageApplied(st) {
			return false
		}
	}
	return true
}

// WorkflowStats counts classification outcomes across a session.
type WorkflowStats struct {
	Total        int `json:"total"`
	Excluded     int `json:"excluded"`
	Whitelisted  int `json:"whitelisted"`
	RulesMatched int `json:"rules_matched"`
	Critical     int `json:"critical"`
}

// ComputeWorkflowStats tallies classification fields over records.
func ComputeWorkflowStats(records []*Record) WorkflowStats {
	stats := WorkflowStats{Total: len(records)}
	for _, r := range records {
		if r.Excluded() {
			stats.Excluded++
		}
		if r.Whitelisted {
			stats.Whitelisted++
		}
		if len(r.RuleMatches) > 0 {
			stats.RulesMatched++
		}
		if r.RiskLevel != nil && *r.RiskLevel == RiskCritical {
			stats.Critical++
		}
	}
	return stats
}
