package lint

import (
	"fmt"
	"io"

	"github.com/owenrumney/go-sarif/v2/sarif"

	"github.com/pitabwire/portico/model"
)

const (
	sarifToolName = "portico-lint"
	sarifToolURI  = "https://github.com/pitabwire/portico"
)

// ToSARIF converts a lint result into a SARIF 2.1.0 report. Lines are
// converted to SARIF's 1-based numbering.
func ToSARIF(result model.LintRunResult, artifactURI string) (*sarif.Report, error) {
	report, err := sarif.New(sarif.Version210)
	if err != nil {
		return nil, fmt.Errorf("failed to create SARIF report: %w", err)
	}

	run := sarif.NewRunWithInformationURI(sarifToolName, sarifToolURI)
	for _, f := range result.Findings {
		level := toSarifLevel(f.Severity)
		rule := run.AddRule(f.RuleID).
			WithDefaultConfiguration(&sarif.ReportingConfiguration{Level: level})
		if rule.ShortDescription == nil {
			rule.WithDescription(f.Message)
		}

		location := sarif.NewLocation().WithPhysicalLocation(
			sarif.NewPhysicalLocation().
				WithArtifactLocation(sarif.NewArtifactLocation().WithUri(artifactURI)).
				WithRegion(sarif.NewRegion().WithStartLine(f.Line + 1)),
		)
		res := sarif.NewRuleResult(f.RuleID).
			WithMessage(sarif.NewTextMessage(f.Message)).
			WithLevel(level).
			WithLocations([]*sarif.Location{location})
		if f.Path != "" || f.Phase != "" {
			res.Properties = map[string]interface{}{
				"path":  f.Path,
				"phase": f.Phase,
			}
		}
		run.AddResult(res)
	}
	report.AddRun(run)
	return report, nil
}

// WriteSARIF writes result as an indented SARIF document.
func WriteSARIF(w io.Writer, result model.LintRunResult, artifactURI string) error {
	report, err := ToSARIF(result, artifactURI)
	if err != nil {
		return err
	}
	return report.PrettyWrite(w)
}

func toSarifLevel(s model.Severity) string {
	switch s {
	case model.SeverityError:
		return "error"
	case model.SeverityWarning:
		return "warning"
	case model.SeverityInformation, model.SeverityHint:
		return "note"
	default:
		return "none"
	}
}
