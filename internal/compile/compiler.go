package compile

import (
	"encoding/json"

	"github.com/rendis/flowplane/internal/validation"
	"github.com/rendis/flowplane/pkg/schema"
)

// Compiler lowers executable workflow documents into DAGs and runs the
// full validate-lint-repair-lower-revalidate pipeline.
type Compiler struct {
	validator *validation.Validator
}

// NewCompiler wraps an existing validator so both share one expression
// parse cache.
func NewCompiler(v *validation.Validator) *Compiler {
	return &Compiler{validator: v}
}

// Lower translates a validated executable into a DAG without running
// the surrounding pipeline. Callers that skip ValidateAndCompile must
// validate the result themselves.
func (c *Compiler) Lower(e *schema.Executable) (*schema.DAG, *schema.ValidationResult) {
	return newLowerer().lower(e)
}

// ValidateAndCompile runs the whole authoring pipeline over a raw
// executable document: validate, lint, auto-repair, lower, then
// validate and lint the lowered DAG. The result carries the final
// merged report; OK is true only when no stage produced errors.
func (c *Compiler) ValidateAndCompile(doc json.RawMessage, opts validation.Options) *schema.CompileResult {
	report := c.validator.Validate(schema.StageExecutable, doc, opts)
	if !report.Valid() {
		return &schema.CompileResult{OK: false, Report: report}
	}

	lint := c.validator.Lint(schema.StageExecutable, doc, opts)

	var repairs []schema.Repair
	if !lint.Valid() {
		patched, applied, err := c.validator.AttemptRepair(schema.StageExecutable, doc, lint)
		if err != nil {
			report.Merge(lint)
			report.AddError("/", schema.ErrCodeValidation, "auto-repair failed: "+err.Error())
			return &schema.CompileResult{OK: false, Report: report, Repairs: applied}
		}
		if len(applied) > 0 {
			doc = patched
			repairs = applied
			lint = c.validator.Lint(schema.StageExecutable, doc, opts)
		}
		if !lint.Valid() {
			report.Merge(lint)
			return &schema.CompileResult{OK: false, Report: report, Repairs: repairs}
		}
	}
	report.Merge(lint)

	var e schema.Executable
	if err := json.Unmarshal(doc, &e); err != nil {
		report.AddError("/", schema.ErrCodeValidation, "document does not decode as executable: "+err.Error())
		return &schema.CompileResult{OK: false, Report: report, Repairs: repairs}
	}

	dag, lowerReport := c.Lower(&e)
	report.Merge(lowerReport)
	if dag == nil {
		return &schema.CompileResult{OK: false, Report: report, Repairs: repairs}
	}

	dagReport := c.validator.ValidateDAG(dag, opts)
	report.Merge(dagReport)
	if !dagReport.Valid() {
		return &schema.CompileResult{OK: false, Report: report, Repairs: repairs}
	}

	report.Merge(c.validator.LintDAG(dag, opts))
	if !report.Valid() {
		return &schema.CompileResult{OK: false, Report: report, Repairs: repairs}
	}

	return &schema.CompileResult{OK: true, DAG: dag, Report: report, Repairs: repairs}
}
