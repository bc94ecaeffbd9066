package schema

import "fmt"

// ValidationSeverity indicates whether a finding blocks, warns, or hints.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
	SeverityHint    ValidationSeverity = "hint"
)

// ValidationIssue is a single finding with location context.
type ValidationIssue struct {
	Code           string             `json:"code"`
	Path           string             `json:"path"`
	Stage          Stage              `json:"stage,omitempty"`
	Message        string             `json:"message"`
	Severity       ValidationSeverity `json:"severity"`
	Hint           string             `json:"hint,omitempty"`
	AutoRepairable bool               `json:"auto_repairable,omitempty"`
	Meta           map[string]any     `json:"meta,omitempty"`
}

// ValidationResult aggregates all findings from the validation pipeline.
// Warnings and hints never block; only errors do.
type ValidationResult struct {
	Stage    Stage             `json:"stage,omitempty"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
	Hints    []ValidationIssue `json:"hints,omitempty"`
}

// Valid returns true if there are no errors.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity finding.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Code: code, Path: path, Stage: r.Stage, Message: message, Severity: SeverityError,
	})
}

// AddIssue appends a prebuilt finding into the matching bucket.
func (r *ValidationResult) AddIssue(issue ValidationIssue) {
	if issue.Stage == "" {
		issue.Stage = r.Stage
	}
	switch issue.Severity {
	case SeverityWarning:
		r.Warnings = append(r.Warnings, issue)
	case SeverityHint:
		r.Hints = append(r.Hints, issue)
	default:
		issue.Severity = SeverityError
		r.Errors = append(r.Errors, issue)
	}
}

// AddWarning appends a warning-severity finding.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Code: code, Path: path, Stage: r.Stage, Message: message, Severity: SeverityWarning,
	})
}

// AddHint appends a hint-severity finding.
func (r *ValidationResult) AddHint(path, code, message string) {
	r.Hints = append(r.Hints, ValidationIssue{
		Code: code, Path: path, Stage: r.Stage, Message: message, Severity: SeverityHint,
	})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	r.Hints = append(r.Hints, other.Hints...)
}

// ToError converts the result to a FlowError if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}

// Repair records one deterministic auto-fix applied to a document.
type Repair struct {
	Code    string `json:"code"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

// CompileResult is the outcome of the validate-and-compile pipeline.
type CompileResult struct {
	OK      bool              `json:"ok"`
	DAG     *DAG              `json:"dag,omitempty"`
	Report  *ValidationResult `json:"report"`
	Repairs []Repair          `json:"repairs,omitempty"`
}
