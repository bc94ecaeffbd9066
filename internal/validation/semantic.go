package validation

import (
	"fmt"
	"sort"
	"time"

	"github.com/rendis/flowplane/internal/catalog"
	"github.com/rendis/flowplane/internal/expressions"
	"github.com/rendis/flowplane/pkg/schema"
)

// validateExecutable performs semantic analysis on an executable document:
// local ref uniqueness, route and flow-control references, expression
// parseability, and catalog existence/parameter/scope checks.
func validateExecutable(e *schema.Executable, cat catalog.Catalog, eval *expressions.Evaluator, opts Options) *schema.ValidationResult {
	result := &schema.ValidationResult{Stage: schema.StageExecutable}

	refs := collectLocalRefs(e, result)

	for i, t := range e.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		validateExecTrigger(&t, path, cat, result)
	}

	for i, a := range e.Actions {
		path := fmt.Sprintf("actions[%d]", i)
		validateExecAction(&a, path, cat, eval, opts, result)
	}

	if e.FlowControl != nil {
		validateFlowControl(e.FlowControl, refs, eval, result)
	}

	for i, r := range e.Routes {
		path := fmt.Sprintf("routes[%d]", i)
		if !refs[r.FromRef] {
			result.AddError(path+".from_ref", schema.ErrCodeValidation,
				fmt.Sprintf("route references unknown ref %q", r.FromRef))
		}
		if !refs[r.ToRef] {
			result.AddError(path+".to_ref", schema.ErrCodeValidation,
				fmt.Sprintf("route references unknown ref %q", r.ToRef))
		}
		if r.Expr != "" {
			if err := eval.ParseCondition(r.Expr); err != nil {
				result.AddError(path+".expr", schema.RuleUnresolvedRef,
					fmt.Sprintf("route expression does not parse: %s", err.Error()))
			}
		}
	}

	if result.Valid() {
		validateRouteAcyclicity(e, result)
	}

	return result
}

// collectLocalRefs builds the set of addressable local refs and reports
// duplicates.
func collectLocalRefs(e *schema.Executable, result *schema.ValidationResult) map[string]bool {
	refs := make(map[string]bool)
	claim := func(path, id string) {
		if id == "" {
			return
		}
		if refs[id] {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate local ref %q", id))
			return
		}
		refs[id] = true
	}

	for i, t := range e.Triggers {
		claim(fmt.Sprintf("triggers[%d].local_id", i), t.LocalID)
	}
	for i, a := range e.Actions {
		claim(fmt.Sprintf("actions[%d].local_id", i), a.LocalID)
	}
	if e.FlowControl != nil {
		for i, c := range e.FlowControl.Conditions {
			claim(fmt.Sprintf("flow_control.conditions[%d].local_id", i), c.LocalID)
		}
		for i, s := range e.FlowControl.Switches {
			claim(fmt.Sprintf("flow_control.switches[%d].local_id", i), s.LocalID)
		}
		for i, p := range e.FlowControl.Parallel {
			claim(fmt.Sprintf("flow_control.parallel_execution[%d].local_id", i), p.LocalID)
		}
		for i, l := range e.FlowControl.Loops {
			claim(fmt.Sprintf("flow_control.loops[%d].local_id", i), l.LocalID)
		}
	}
	return refs
}

// validateExecTrigger checks catalog existence and schedule bindings.
func validateExecTrigger(t *schema.ExecTrigger, path string, cat catalog.Catalog, result *schema.ValidationResult) {
	if cat != nil {
		if _, ok := cat.Provider(t.Exec.Provider); !ok {
			result.AddError(path+".exec.provider", schema.RuleUnknownTrigger,
				fmt.Sprintf("unknown provider %q", t.Exec.Provider))
		} else if _, ok := cat.Trigger(t.Exec.Provider, t.Exec.TriggerSlug); !ok {
			result.AddError(path+".exec.trigger_slug", schema.RuleUnknownTrigger,
				fmt.Sprintf("provider %q has no trigger %q", t.Exec.Provider, t.Exec.TriggerSlug))
		}
	}

	if t.Schedule != nil {
		if err := parseCron(t.Schedule.CronExpr); err != nil {
			result.AddError(path+".schedule.cron_expr", schema.RuleCronInvalid,
				fmt.Sprintf("invalid cron expression %q: %s", t.Schedule.CronExpr, err.Error()))
		}
		if t.Schedule.Timezone != "" {
			if _, err := time.LoadLocation(t.Schedule.Timezone); err != nil {
				result.AddError(path+".schedule.timezone", schema.ErrCodeTzInvalid,
					fmt.Sprintf("unknown timezone %q", t.Schedule.Timezone))
			}
		}
	}
}

// validateExecAction checks catalog existence, parameter coverage against
// the action spec, connection scope coverage, and template/output
// expressions.
func validateExecAction(a *schema.ExecAction, path string, cat catalog.Catalog, eval *expressions.Evaluator, opts Options, result *schema.ValidationResult) {
	var spec *catalog.ActionSpec
	if cat != nil {
		if _, ok := cat.Provider(a.Exec.Provider); !ok {
			result.AddError(path+".exec.provider", schema.RuleUnknownTool,
				fmt.Sprintf("unknown provider %q", a.Exec.Provider))
		} else {
			var ok bool
			spec, ok = cat.Action(a.Exec.Provider, a.Exec.ActionSlug)
			if !ok {
				result.AddError(path+".exec.action_slug", schema.RuleUnknownTool,
					fmt.Sprintf("provider %q has no action %q", a.Exec.Provider, a.Exec.ActionSlug))
			}
		}
	}

	if spec != nil {
		validateParams(a, path, spec, result)

		if len(spec.RequiredScopes) > 0 && a.Exec.ConnectionID != "" {
			if granted, known := opts.Connections[a.Exec.ConnectionID]; known {
				grantedSet := make(map[string]bool, len(granted))
				for _, s := range granted {
					grantedSet[s] = true
				}
				for _, s := range spec.RequiredScopes {
					if !grantedSet[s] {
						result.AddError(path+".exec.connection_id", schema.RuleScopeMissing,
							fmt.Sprintf("connection %q lacks scope %q required by %s.%s",
								a.Exec.ConnectionID, s, a.Exec.Provider, a.Exec.ActionSlug))
					}
				}
			}
		}

		if spec.Deprecated {
			result.AddHint(path+".exec.action_slug", schema.ErrCodeValidation,
				fmt.Sprintf("action %s.%s is deprecated", a.Exec.Provider, a.Exec.ActionSlug))
		}
	}

	if _, err := expressions.TemplateRefs(a.Exec.InputTemplate); err != nil {
		result.AddError(path+".exec.input_template", schema.RuleUnresolvedRef,
			fmt.Sprintf("input_template of %q: %s", a.LocalID, err.Error()))
	}
	for name, prog := range a.Exec.OutputVars {
		if err := eval.ParseOutputVar(prog); err != nil {
			result.AddError(path+".exec.output_vars."+name, schema.RuleUnresolvedRef,
				fmt.Sprintf("output_var %q does not parse: %s", name, err.Error()))
		}
	}
}

// validateParams reports required parameters missing from the template
// and unknown parameters the catalog does not declare.
func validateParams(a *schema.ExecAction, path string, spec *catalog.ActionSpec, result *schema.ValidationResult) {
	for _, p := range spec.RequiredParams {
		if _, ok := a.Exec.InputTemplate[p]; !ok {
			result.AddError(path+".exec.input_template", schema.RuleParamSpecMismatch,
				fmt.Sprintf("required parameter %q missing for %s.%s", p, a.Exec.Provider, a.Exec.ActionSlug))
		}
	}

	known := make(map[string]bool, len(spec.RequiredParams)+len(spec.OptionalParams))
	for _, p := range spec.RequiredParams {
		known[p] = true
	}
	for _, p := range spec.OptionalParams {
		known[p] = true
	}

	var unknown []string
	for p := range a.Exec.InputTemplate {
		if !known[p] {
			unknown = append(unknown, p)
		}
	}
	sort.Strings(unknown)
	for _, p := range unknown {
		result.AddWarning(path+".exec.input_template."+p, schema.RuleParamSpecMismatch,
			fmt.Sprintf("parameter %q is not declared by %s.%s", p, a.Exec.Provider, a.Exec.ActionSlug))
	}
}

// validateFlowControl checks conditional, switch, parallel, and loop specs.
func validateFlowControl(fc *schema.FlowControl, refs map[string]bool, eval *expressions.Evaluator, result *schema.ValidationResult) {
	requireRef := func(path, id string) {
		if id != "" && !refs[id] {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("references unknown ref %q", id))
		}
	}

	for i, c := range fc.Conditions {
		path := fmt.Sprintf("flow_control.conditions[%d]", i)
		requireRef(path+".incoming_ref", c.IncomingRef)
		requireRef(path+".else_ref", c.ElseRef)
		for bi, b := range c.Branches {
			bpath := fmt.Sprintf("%s.branches[%d]", path, bi)
			requireRef(bpath+".target_ref", b.TargetRef)
			if err := eval.ParseCondition(b.Expr); err != nil {
				result.AddError(bpath+".expr", schema.RuleUnresolvedRef,
					fmt.Sprintf("branch expression does not parse: %s", err.Error()))
			}
		}
	}

	for i, s := range fc.Switches {
		path := fmt.Sprintf("flow_control.switches[%d]", i)
		requireRef(path+".incoming_ref", s.IncomingRef)
		requireRef(path+".default_ref", s.DefaultRef)
		if s.Selector == "" {
			result.AddError(path+".selector", schema.ErrCodeValidation,
				"switch requires a selector expression")
		} else if err := eval.ParseCondition(s.Selector); err != nil {
			result.AddError(path+".selector", schema.RuleUnresolvedRef,
				fmt.Sprintf("switch selector does not parse: %s", err.Error()))
		}
		if len(s.Cases) == 0 {
			result.AddError(path+".cases", schema.ErrCodeValidation,
				"switch has no cases")
		}
		for ci, c := range s.Cases {
			requireRef(fmt.Sprintf("%s.cases[%d].target_ref", path, ci), c.TargetRef)
		}
	}

	for i, p := range fc.Parallel {
		path := fmt.Sprintf("flow_control.parallel_execution[%d]", i)
		requireRef(path+".incoming_ref", p.IncomingRef)
		requireRef(path+".outgoing_ref", p.OutgoingRef)
		for ti, t := range p.Targets {
			requireRef(fmt.Sprintf("%s.targets[%d]", path, ti), t)
		}
		if p.JoinMode != "" {
			if _, err := schema.JoinThreshold(p.JoinMode, len(p.Targets)); err != nil {
				result.AddError(path+".join_mode", schema.ErrCodeValidation, err.Error())
			}
		}
	}

	for i, l := range fc.Loops {
		path := fmt.Sprintf("flow_control.loops[%d]", i)
		requireRef(path+".incoming_ref", l.IncomingRef)
		requireRef(path+".body_ref", l.BodyRef)
		switch l.Kind {
		case "while":
			if l.Condition == "" {
				result.AddError(path+".condition", schema.ErrCodeValidation,
					"while loop requires a condition")
			} else if err := eval.ParseCondition(l.Condition); err != nil {
				result.AddError(path+".condition", schema.RuleUnresolvedRef,
					fmt.Sprintf("loop condition does not parse: %s", err.Error()))
			}
		case "foreach":
			if l.Source == "" {
				result.AddError(path+".source", schema.ErrCodeValidation,
					"foreach loop requires a source expression")
			} else if err := eval.ParseCondition(l.Source); err != nil {
				result.AddError(path+".source", schema.RuleUnresolvedRef,
					fmt.Sprintf("loop source does not parse: %s", err.Error()))
			}
		}
	}
}

// validateRouteAcyclicity rejects cycles in the explicit route graph.
// Loop bodies re-enter through loop specs, not routes, so routes must be
// a DAG.
func validateRouteAcyclicity(e *schema.Executable, result *schema.ValidationResult) {
	adj := make(map[string][]string)
	inDegree := make(map[string]int)
	nodes := make(map[string]bool)

	for _, r := range e.Routes {
		adj[r.FromRef] = append(adj[r.FromRef], r.ToRef)
		inDegree[r.ToRef]++
		nodes[r.FromRef] = true
		nodes[r.ToRef] = true
	}

	queue := make([]string, 0, len(nodes))
	for id := range nodes {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, to := range adj[node] {
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	if visited != len(nodes) {
		result.AddError("routes", schema.RuleCycleInGraph, "routes contain a cycle")
	}
}
