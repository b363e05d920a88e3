package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Severity is the ordinal importance of a lint finding. Lower values are
// more severe.
type Severity int

// Severity ranks. Error sorts first.
const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityInformation
	SeverityHint
)

var severityNames = [...]string{"error", "warn", "info", "hint"}

// String returns the short name used in rule sets ("error", "warn", "info", "hint").
func (s Severity) String() string {
	if s < SeverityError || s > SeverityHint {
		return "unknown"
	}
	return severityNames[s]
}

// Valid reports whether s is one of the four known ranks.
func (s Severity) Valid() bool {
	return s >= SeverityError && s <= SeverityHint
}

// ParseSeverity accepts a rank name ("error", "warn"/"warning",
// "info"/"information", "hint") or its numeric rank ("0".."3").
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "error", "0":
		return SeverityError, nil
	case "warn", "warning", "1":
		return SeverityWarning, nil
	case "info", "information", "2":
		return SeverityInformation, nil
	case "hint", "3":
		return SeverityHint, nil
	}
	return 0, fmt.Errorf("unknown severity %q", v)
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid severity rank %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Lint phases.
const (
	PhaseDefault = "default"
	PhaseCustom  = "custom"
)

// GoodToGo is the status of a lint run without findings.
const GoodToGo = "Good to go"

// LintFinding is one rule violation in a definition document.
type LintFinding struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Line     int      `json:"line"`
	RuleID   string   `json:"ruleId"`
	Path     string   `json:"path,omitempty"`
	Phase    string   `json:"phase,omitempty"`
}

// LintSummary counts findings per severity.
type LintSummary struct {
	ErrorCount   int `json:"errorCount"`
	WarningCount int `json:"warningCount"`
	InfoCount    int `json:"infoCount"`
	HintCount    int `json:"hintCount"`
}

// Total returns the number of findings counted.
func (s LintSummary) Total() int {
	return s.ErrorCount + s.WarningCount + s.InfoCount + s.HintCount
}

// LintRunResult is the outcome of one lint run. Findings are sorted by
// severity rank; ties keep evaluator emission order.
type LintRunResult struct {
	APIID    string        `json:"apiId,omitempty"`
	Findings []LintFinding `json:"findings"`
	Summary  LintSummary   `json:"summary"`
	Status   string        `json:"status"`
	Sequence uint64        `json:"sequence,omitempty"`
}

// NewLintRunResult sorts findings and fills in the summary and status.
func NewLintRunResult(apiID string, findings []LintFinding) LintRunResult {
	if findings == nil {
		findings = []LintFinding{}
	}
	SortFindings(findings)
	res := LintRunResult{
		APIID:    apiID,
		Findings: findings,
		Summary:  Summarize(findings),
	}
	if len(findings) == 0 {
		res.Status = GoodToGo
	} else {
		res.Status = strconv.Itoa(len(findings)) + " issue(s) found"
	}
	return res
}

// SortFindings stable-sorts findings ascending by severity rank.
func SortFindings(findings []LintFinding) {
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Severity < findings[j].Severity
	})
}

// Summarize counts findings per severity.
func Summarize(findings []LintFinding) LintSummary {
	var s LintSummary
	for _, f := range findings {
		switch f.Severity {
		case SeverityError:
			s.ErrorCount++
		case SeverityWarning:
			s.WarningCount++
		case SeverityInformation:
			s.InfoCount++
		case SeverityHint:
			s.HintCount++
		}
	}
	return s
}
