package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rendis/flowplane/internal/catalog"
	"github.com/rendis/flowplane/internal/expressions"
	"github.com/rendis/flowplane/pkg/schema"
)

const defaultFanoutLimit = 10

// secretValuePatterns match literal credential material inside template
// values. Values containing ${{ are references and never match.
var secretValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^sk-[A-Za-z0-9_-]{16,}$`),
	regexp.MustCompile(`^AKIA[0-9A-Z]{16}$`),
	regexp.MustCompile(`^gh[pousr]_[A-Za-z0-9]{20,}$`),
	regexp.MustCompile(`^xox[baprs]-[A-Za-z0-9-]{10,}$`),
	regexp.MustCompile(`(?i)^bearer\s+\S{16,}$`),
}

// secretKeyNames are template keys whose literal values are treated as
// plaintext secrets regardless of shape.
var secretKeyNames = map[string]bool{
	"password":      true,
	"secret":        true,
	"api_key":       true,
	"apikey":        true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"client_secret": true,
}

// lintExecutable applies the rule catalog to an executable document.
func lintExecutable(e *schema.Executable, cat catalog.Catalog, opts Options) *schema.ValidationResult {
	result := &schema.ValidationResult{Stage: schema.StageExecutable}
	limit := opts.fanoutLimit()

	for i, t := range e.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		lintTriggerConfig(t.Exec.Provider, t.Exec.TriggerSlug, t.Exec.Configuration, path+".exec.configuration", cat, result)
	}

	for i, a := range e.Actions {
		path := fmt.Sprintf("actions[%d]", i)
		lintTemplateSecrets(a.Exec.InputTemplate, path+".exec.input_template", result)
		lintWholeObjectEmbeds(a.Exec.InputTemplate, path+".exec.input_template", result)

		if a.Exec.Retry == nil && (e.Policies == nil || e.Policies.Retry == nil) {
			result.AddIssue(schema.ValidationIssue{
				Code:     schema.RuleMissingRetryPolicy,
				Path:     path + ".exec",
				Message:  fmt.Sprintf("action %q has no retry policy and no workflow default", a.LocalID),
				Severity: schema.SeverityWarning,
				Hint:     "set exec.retry or policies.retry",
			})
		}
	}

	if e.FlowControl != nil {
		for i, c := range e.FlowControl.Conditions {
			if c.ElseRef == "" {
				result.AddIssue(schema.ValidationIssue{
					Code:     schema.RuleMissingChoiceGuard,
					Path:     fmt.Sprintf("flow_control.conditions[%d]", i),
					Message:  "conditional has no else branch; unmatched inputs stop the flow",
					Severity: schema.SeverityWarning,
					Hint:     "add else_ref to route unmatched inputs",
				})
			}
		}
		for i, s := range e.FlowControl.Switches {
			if s.DefaultRef == "" {
				result.AddIssue(schema.ValidationIssue{
					Code:     schema.RuleMissingChoiceGuard,
					Path:     fmt.Sprintf("flow_control.switches[%d]", i),
					Message:  "switch has no default route; unmatched values stop the flow",
					Severity: schema.SeverityWarning,
					Hint:     "add default_ref to route unmatched values",
				})
			}
		}
		for i, p := range e.FlowControl.Parallel {
			if len(p.Targets) > limit {
				result.AddIssue(schema.ValidationIssue{
					Code:     schema.RuleAggressiveFanout,
					Path:     fmt.Sprintf("flow_control.parallel_execution[%d].targets", i),
					Message:  fmt.Sprintf("parallel fan-out of %d exceeds %d", len(p.Targets), limit),
					Severity: schema.SeverityWarning,
					Hint:     "split the fan-out or raise max_parallelism deliberately",
				})
			}
		}
		for i, l := range e.FlowControl.Loops {
			if l.Kind == "foreach" && (l.MaxConcurrency == 0 || l.MaxConcurrency > limit) {
				result.AddIssue(schema.ValidationIssue{
					Code:     schema.RuleAggressiveFanout,
					Path:     fmt.Sprintf("flow_control.loops[%d].max_concurrency", i),
					Message:  fmt.Sprintf("foreach concurrency %d is unbounded or exceeds %d", l.MaxConcurrency, limit),
					Severity: schema.SeverityWarning,
					Hint:     fmt.Sprintf("set max_concurrency between 1 and %d", limit),
				})
			}
		}
	}

	return result
}

// lintDAG applies the rule catalog to a lowered DAG.
func lintDAG(d *schema.DAG, cat catalog.Catalog, opts Options) *schema.ValidationResult {
	result := &schema.ValidationResult{Stage: schema.StageDAG}
	limit := opts.fanoutLimit()

	outDegree := make(map[string]int)
	for _, e := range d.Edges {
		outDegree[e.Source]++
	}

	loopBodies := dagLoopBodies(d)

	for i, n := range d.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		switch n.Type {
		case schema.NodeTrigger:
			lintTriggerConfig(n.Data.ToolkitSlug, n.Data.TriggerSlug, n.Data.Filter, path+".data.filter", cat, result)

		case schema.NodeAction:
			lintTemplateSecrets(n.Data.InputTemplate, path+".data.input_template", result)
			lintWholeObjectEmbeds(n.Data.InputTemplate, path+".data.input_template", result)

			if d.ActionRetry(&d.Nodes[i]) == nil {
				result.AddIssue(schema.ValidationIssue{
					Code:     schema.RuleMissingRetryPolicy,
					Path:     path + ".data",
					Message:  fmt.Sprintf("action %q has no retry policy and no global default", n.ID),
					Severity: schema.SeverityWarning,
					Hint:     "set data.retry or globals.retry",
				})
			}

			if loopBodies[n.ID] && !templateInterpolates(n.Data.InputTemplate) {
				result.AddIssue(schema.ValidationIssue{
					Code:     schema.RuleNoIdempotency,
					Path:     path + ".data.input_template",
					Message:  fmt.Sprintf("action %q runs inside a loop with constant arguments; iterations after the first collapse into one cached invocation", n.ID),
					Severity: schema.SeverityWarning,
					Hint:     "reference the loop item or index in the template",
				})
			}

		case schema.NodeGatewayIf:
			if n.Data.ElseTo == "" {
				result.AddIssue(schema.ValidationIssue{
					Code:     schema.RuleMissingChoiceGuard,
					Path:     path + ".data.else_to",
					Message:  fmt.Sprintf("gateway %q has no else branch; unmatched inputs stop the flow", n.ID),
					Severity: schema.SeverityWarning,
					Hint:     "add else_to to route unmatched inputs",
				})
			}

		case schema.NodeGatewaySwitch:
			if n.Data.DefaultTo == "" {
				result.AddIssue(schema.ValidationIssue{
					Code:     schema.RuleMissingChoiceGuard,
					Path:     path + ".data.default_to",
					Message:  fmt.Sprintf("switch %q has no default case; unmatched values stop the flow", n.ID),
					Severity: schema.SeverityWarning,
					Hint:     "add default_to to route unmatched values",
				})
			}

		case schema.NodeParallel:
			if outDegree[n.ID] > limit {
				result.AddIssue(schema.ValidationIssue{
					Code:     schema.RuleAggressiveFanout,
					Path:     path,
					Message:  fmt.Sprintf("parallel node %q fans out to %d successors, exceeding %d", n.ID, outDegree[n.ID], limit),
					Severity: schema.SeverityWarning,
					Hint:     "split the fan-out or raise max_parallelism deliberately",
				})
			}

		case schema.NodeLoopForeach:
			if n.Data.MaxConcurrency == 0 || n.Data.MaxConcurrency > limit {
				result.AddIssue(schema.ValidationIssue{
					Code:     schema.RuleAggressiveFanout,
					Path:     path + ".data.max_concurrency",
					Message:  fmt.Sprintf("foreach %q concurrency %d is unbounded or exceeds %d", n.ID, n.Data.MaxConcurrency, limit),
					Severity: schema.SeverityWarning,
					Hint:     fmt.Sprintf("set max_concurrency between 1 and %d", limit),
				})
			}
		}
	}

	return result
}

// lintTriggerConfig reports the polling and webhook findings shared by
// executable triggers and lowered trigger nodes.
func lintTriggerConfig(provider, slug string, config map[string]any, path string, cat catalog.Catalog, result *schema.ValidationResult) {
	if cat == nil {
		return
	}
	spec, ok := cat.Trigger(provider, slug)
	if !ok {
		return
	}

	if spec.SupportsPolling && !spec.SupportsWebhooks {
		if _, has := config["cursor"]; !has {
			result.AddIssue(schema.ValidationIssue{
				Code:           schema.RulePollNoCursor,
				Path:           path,
				Message:        fmt.Sprintf("polling trigger %s.%s has no cursor; every poll re-delivers the full window", provider, slug),
				Severity:       schema.SeverityError,
				AutoRepairable: true,
				Hint:           `set "cursor": "auto"`,
			})
		}
	}

	if spec.SupportsWebhooks {
		if verify, has := config["verify_signature"]; !has || verify == false {
			result.AddIssue(schema.ValidationIssue{
				Code:           schema.RuleWebhookNoVerify,
				Path:           path,
				Message:        fmt.Sprintf("webhook trigger %s.%s does not verify delivery signatures", provider, slug),
				Severity:       schema.SeverityError,
				AutoRepairable: true,
				Hint:           `set "verify_signature": true`,
			})
		}
	}
}

// lintTemplateSecrets flags literal credentials in template values.
func lintTemplateSecrets(template map[string]any, path string, result *schema.ValidationResult) {
	for _, key := range sortedKeys(template) {
		val, ok := template[key].(string)
		if !ok || strings.Contains(val, "${{") {
			continue
		}
		if isSecretLiteral(key, val) {
			result.AddIssue(schema.ValidationIssue{
				Code:           schema.RulePlaintextSecret,
				Path:           path + "." + key,
				Message:        fmt.Sprintf("parameter %q carries a literal secret", key),
				Severity:       schema.SeverityError,
				AutoRepairable: true,
				Hint:           "reference the connection instead of embedding the credential",
			})
		}
	}
}

// lintWholeObjectEmbeds flags template values that embed an entire node
// output object where a scalar is expected.
func lintWholeObjectEmbeds(template map[string]any, path string, result *schema.ValidationResult) {
	for _, key := range sortedKeys(template) {
		val, ok := template[key].(string)
		if !ok {
			continue
		}
		if nodeID, isWhole := wholeOutputEmbed(val); isWhole {
			result.AddIssue(schema.ValidationIssue{
				Code:           schema.RuleTypeBridgeMissing,
				Path:           path + "." + key,
				Message:        fmt.Sprintf("parameter %q embeds the whole output object of node %q", key, nodeID),
				Severity:       schema.SeverityError,
				AutoRepairable: true,
				Hint:           "select a field from the output instead of the whole object",
			})
		}
	}
}

// wholeOutputEmbed reports whether a template value is exactly
// ${{node.<id>.outputs}} with no field selector.
func wholeOutputEmbed(val string) (string, bool) {
	trimmed := strings.TrimSpace(val)
	if !strings.HasPrefix(trimmed, "${{") || !strings.HasSuffix(trimmed, "}}") {
		return "", false
	}
	ref := strings.TrimSpace(trimmed[3 : len(trimmed)-2])
	segs := strings.Split(ref, ".")
	if len(segs) == 3 && segs[0] == "node" && segs[2] == "outputs" && segs[1] != "" {
		return segs[1], true
	}
	return "", false
}

func isSecretLiteral(key, val string) bool {
	if strings.HasPrefix(val, "connection://") {
		return false
	}
	if secretKeyNames[strings.ToLower(key)] && val != "" {
		return true
	}
	for _, p := range secretValuePatterns {
		if p.MatchString(val) {
			return true
		}
	}
	return false
}

func templateInterpolates(template map[string]any) bool {
	refs, err := expressions.TemplateRefs(template)
	return err == nil && len(refs) > 0
}

// dagLoopBodies returns the set of node IDs inside any loop body.
func dagLoopBodies(d *schema.DAG) map[string]bool {
	adj := buildAdjacency(d)
	bodies := make(map[string]bool)
	for _, n := range d.Nodes {
		if n.Type != schema.NodeLoopWhile && n.Type != schema.NodeLoopForeach {
			continue
		}
		if n.Data.BodyStart == "" {
			continue
		}
		stack := []string{n.Data.BodyStart}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if cur == n.ID || bodies[cur] {
				continue
			}
			bodies[cur] = true
			stack = append(stack, adj[cur]...)
		}
	}
	return bodies
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}
