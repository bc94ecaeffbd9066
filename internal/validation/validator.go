package validation

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/flowplane/internal/catalog"
	"github.com/rendis/flowplane/internal/expressions"
	"github.com/rendis/flowplane/pkg/schema"
	"github.com/robfig/cron/v3"
)

// Options tune a validation pass. Connections maps connection IDs to
// their granted scopes; unknown connections skip scope checks.
type Options struct {
	Connections map[string][]string
	FanoutLimit int
}

func (o Options) fanoutLimit() int {
	if o.FanoutLimit > 0 {
		return o.FanoutLimit
	}
	return defaultFanoutLimit
}

// Validator checks workflow documents at each stage of the authoring
// pipeline. It is a pure function over the document and the provided
// catalog snapshot; it performs no I/O.
type Validator struct {
	stages *StageValidator
	cat    catalog.Catalog
	eval   *expressions.Evaluator
}

// NewValidator creates a Validator. cat may be nil to skip catalog
// existence checks.
func NewValidator(cat catalog.Catalog) (*Validator, error) {
	stages, err := NewStageValidator()
	if err != nil {
		return nil, err
	}
	eval, err := expressions.NewEvaluator()
	if err != nil {
		return nil, err
	}
	return &Validator{stages: stages, cat: cat, eval: eval}, nil
}

// Evaluator exposes the validator's expression evaluator so the compiler
// can share parse caches.
func (v *Validator) Evaluator() *expressions.Evaluator {
	return v.eval
}

// Validate runs schema, semantic, and graph checks for the given stage.
// Schema errors short-circuit: later checks assume a well-shaped
// document.
func (v *Validator) Validate(stage schema.Stage, doc json.RawMessage, opts Options) *schema.ValidationResult {
	result := &schema.ValidationResult{Stage: stage}
	v.stages.Check(stage, doc, result)
	if !result.Valid() {
		return result
	}

	switch stage {
	case schema.StageTemplate:
		result.Merge(v.validateTemplate(doc))
	case schema.StageExecutable:
		var e schema.Executable
		if err := json.Unmarshal(doc, &e); err != nil {
			result.AddError("/", schema.ErrCodeValidation, "document does not decode as executable: "+err.Error())
			return result
		}
		result.Merge(validateExecutable(&e, v.cat, v.eval, opts))
	case schema.StageDAG:
		var d schema.DAG
		if err := json.Unmarshal(doc, &d); err != nil {
			result.AddError("/", schema.ErrCodeValidation, "document does not decode as dag: "+err.Error())
			return result
		}
		result.Merge(validateGraph(&d, v.eval))
	default:
		result.AddError("/", schema.ErrCodeValidation, fmt.Sprintf("unknown stage %q", stage))
	}

	return result
}

// ValidateExecutable validates an already-decoded executable.
func (v *Validator) ValidateExecutable(e *schema.Executable, opts Options) *schema.ValidationResult {
	return validateExecutable(e, v.cat, v.eval, opts)
}

// ValidateDAG validates an already-decoded DAG.
func (v *Validator) ValidateDAG(d *schema.DAG, opts Options) *schema.ValidationResult {
	return validateGraph(d, v.eval)
}

// Lint applies the rule catalog for the given stage. Warnings and hints
// never block; auto-repairable errors may be fixed by AttemptRepair.
func (v *Validator) Lint(stage schema.Stage, doc json.RawMessage, opts Options) *schema.ValidationResult {
	result := &schema.ValidationResult{Stage: stage}

	switch stage {
	case schema.StageTemplate:
		// Templates carry placeholders; rule findings would be noise.
		return result
	case schema.StageExecutable:
		var e schema.Executable
		if err := json.Unmarshal(doc, &e); err != nil {
			result.AddError("/", schema.ErrCodeValidation, "document does not decode as executable: "+err.Error())
			return result
		}
		result.Merge(lintExecutable(&e, v.cat, opts))
	case schema.StageDAG:
		var d schema.DAG
		if err := json.Unmarshal(doc, &d); err != nil {
			result.AddError("/", schema.ErrCodeValidation, "document does not decode as dag: "+err.Error())
			return result
		}
		result.Merge(lintDAG(&d, v.cat, opts))
	default:
		result.AddError("/", schema.ErrCodeValidation, fmt.Sprintf("unknown stage %q", stage))
	}

	return result
}

// LintExecutable lints an already-decoded executable.
func (v *Validator) LintExecutable(e *schema.Executable, opts Options) *schema.ValidationResult {
	return lintExecutable(e, v.cat, opts)
}

// LintDAG lints an already-decoded DAG.
func (v *Validator) LintDAG(d *schema.DAG, opts Options) *schema.ValidationResult {
	return lintDAG(d, v.cat, opts)
}

// AttemptRepair applies the deterministic auto-fix subset for the
// repairable error codes present in the report, then re-validates and
// re-lints the patched document. Any error not present before the
// repair aborts with the patched document and a FlowError.
func (v *Validator) AttemptRepair(stage schema.Stage, doc json.RawMessage, report *schema.ValidationResult) (json.RawMessage, []schema.Repair, error) {
	codes := repairableCodes(report)
	if len(codes) == 0 {
		return doc, nil, nil
	}

	var patched json.RawMessage
	var repairs []schema.Repair

	switch stage {
	case schema.StageExecutable:
		var e schema.Executable
		if err := json.Unmarshal(doc, &e); err != nil {
			return doc, nil, schema.NewError(schema.ErrCodeValidation, "document does not decode as executable").WithCause(err)
		}
		repairs = repairExecutable(&e, v.cat, codes)
		b, err := json.Marshal(&e)
		if err != nil {
			return doc, nil, schema.NewError(schema.ErrCodeValidation, "cannot re-encode repaired executable").WithCause(err)
		}
		patched = b
	case schema.StageDAG:
		var d schema.DAG
		if err := json.Unmarshal(doc, &d); err != nil {
			return doc, nil, schema.NewError(schema.ErrCodeValidation, "document does not decode as dag").WithCause(err)
		}
		repairs = repairDAG(&d, v.cat, codes)
		b, err := json.Marshal(&d)
		if err != nil {
			return doc, nil, schema.NewError(schema.ErrCodeValidation, "cannot re-encode repaired dag").WithCause(err)
		}
		patched = b
	default:
		return doc, nil, schema.NewErrorf(schema.ErrCodeValidation, "stage %q has no repairs", stage)
	}

	if len(repairs) == 0 {
		return doc, nil, nil
	}

	before := knownIssues(report)
	recheck := v.Validate(stage, patched, Options{})
	recheck.Merge(v.Lint(stage, patched, Options{}))
	for _, issue := range recheck.Errors {
		if codes[issue.Code] {
			continue // still repairable, next round may fix it
		}
		if !before[issue.Code+"|"+issue.Path] {
			return patched, repairs, schema.NewErrorf(schema.ErrCodeValidation,
				"repair introduced a new error %s at %s: %s", issue.Code, issue.Path, issue.Message)
		}
	}

	return patched, repairs, nil
}

func knownIssues(report *schema.ValidationResult) map[string]bool {
	known := make(map[string]bool)
	if report == nil {
		return known
	}
	for _, issue := range report.Errors {
		known[issue.Code+"|"+issue.Path] = true
	}
	return known
}

// validateTemplate runs the small fatal subset allowed at the template
// stage: unknown flow-control kinds and cycles outside loops. Unknown
// fields and placeholders pass.
func (v *Validator) validateTemplate(doc json.RawMessage) *schema.ValidationResult {
	result := &schema.ValidationResult{Stage: schema.StageTemplate}

	var e schema.Executable
	if err := json.Unmarshal(doc, &e); err != nil {
		// Template shape is free-form beyond the known fields.
		return result
	}

	if e.FlowControl != nil {
		for i, l := range e.FlowControl.Loops {
			if l.Kind != "" && l.Kind != "while" && l.Kind != "foreach" {
				result.AddError(fmt.Sprintf("flow_control.loops[%d].kind", i), schema.ErrCodeValidation,
					fmt.Sprintf("unknown loop kind %q", l.Kind))
			}
		}
	}

	if len(e.Routes) > 0 {
		validateRouteAcyclicity(&e, result)
	}

	return result
}

// cronParser accepts standard 5-field expressions, an optional seconds
// field, and @-descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func parseCron(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}
