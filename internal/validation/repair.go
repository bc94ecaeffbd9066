package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/flowplane/internal/catalog"
	"github.com/rendis/flowplane/pkg/schema"
)

// Repairs re-run the repairable detectors and patch the document in
// place. Each repair is deterministic and idempotent: a repaired
// document produces no further findings for the repaired code.

// repairExecutable applies every auto-repair whose code appears in the
// requested set. The executable is mutated in place.
func repairExecutable(e *schema.Executable, cat catalog.Catalog, codes map[string]bool) []schema.Repair {
	var repairs []schema.Repair

	for i := range e.Triggers {
		t := &e.Triggers[i]
		path := fmt.Sprintf("triggers[%d].exec.configuration", i)
		if t.Exec.Configuration == nil {
			t.Exec.Configuration = map[string]any{}
		}
		repairs = append(repairs, repairTriggerConfig(t.Exec.Provider, t.Exec.TriggerSlug, t.Exec.Configuration, path, cat, codes)...)
	}

	for i := range e.Actions {
		a := &e.Actions[i]
		path := fmt.Sprintf("actions[%d].exec.input_template", i)
		repairs = append(repairs, repairTemplate(a.Exec.InputTemplate, a.Exec.ConnectionID, path, codes)...)
	}

	return repairs
}

// repairDAG applies the same auto-repairs at the DAG stage.
func repairDAG(d *schema.DAG, cat catalog.Catalog, codes map[string]bool) []schema.Repair {
	var repairs []schema.Repair

	for i := range d.Nodes {
		n := &d.Nodes[i]
		switch n.Type {
		case schema.NodeTrigger:
			path := fmt.Sprintf("nodes[%d].data.filter", i)
			if n.Data.Filter == nil {
				n.Data.Filter = map[string]any{}
			}
			repairs = append(repairs, repairTriggerConfig(n.Data.ToolkitSlug, n.Data.TriggerSlug, n.Data.Filter, path, cat, codes)...)
		case schema.NodeAction:
			path := fmt.Sprintf("nodes[%d].data.input_template", i)
			repairs = append(repairs, repairTemplate(n.Data.InputTemplate, n.Data.ConnectionID, path, codes)...)
		}
	}

	return repairs
}

// repairTriggerConfig fixes E011 (missing poll cursor) and E012 (webhook
// verification off) against the trigger's catalog spec.
func repairTriggerConfig(provider, slug string, config map[string]any, path string, cat catalog.Catalog, codes map[string]bool) []schema.Repair {
	if cat == nil {
		return nil
	}
	spec, ok := cat.Trigger(provider, slug)
	if !ok {
		return nil
	}

	var repairs []schema.Repair

	if codes[schema.RulePollNoCursor] && spec.SupportsPolling && !spec.SupportsWebhooks {
		if _, has := config["cursor"]; !has {
			config["cursor"] = "auto"
			repairs = append(repairs, schema.Repair{
				Code:    schema.RulePollNoCursor,
				Path:    path + ".cursor",
				Message: `added "cursor": "auto"`,
			})
		}
	}

	if codes[schema.RuleWebhookNoVerify] && spec.SupportsWebhooks {
		if verify, has := config["verify_signature"]; !has || verify == false {
			config["verify_signature"] = true
			repairs = append(repairs, schema.Repair{
				Code:    schema.RuleWebhookNoVerify,
				Path:    path + ".verify_signature",
				Message: "enabled webhook signature verification",
			})
		}
	}

	return repairs
}

// repairTemplate fixes E013 (plaintext secret replaced by a connection
// reference) and E009 (whole-object embed narrowed to its result field).
func repairTemplate(template map[string]any, connectionID, path string, codes map[string]bool) []schema.Repair {
	var repairs []schema.Repair

	for _, key := range sortedKeys(template) {
		val, ok := template[key].(string)
		if !ok {
			continue
		}

		if codes[schema.RulePlaintextSecret] && !strings.Contains(val, "${{") && isSecretLiteral(key, val) {
			template[key] = connectionRef(connectionID, key)
			repairs = append(repairs, schema.Repair{
				Code:    schema.RulePlaintextSecret,
				Path:    path + "." + key,
				Message: fmt.Sprintf("replaced literal secret %q with a connection reference", key),
			})
			continue
		}

		if codes[schema.RuleTypeBridgeMissing] {
			if nodeID, isWhole := wholeOutputEmbed(val); isWhole {
				template[key] = fmt.Sprintf("${{node.%s.outputs.result}}", nodeID)
				repairs = append(repairs, schema.Repair{
					Code:    schema.RuleTypeBridgeMissing,
					Path:    path + "." + key,
					Message: fmt.Sprintf("narrowed whole-object embed of node %q to its result field", nodeID),
				})
			}
		}
	}

	return repairs
}

// connectionRef builds the opaque reference the invoker resolves to the
// connection's stored credential at call time.
func connectionRef(connectionID, key string) string {
	if connectionID == "" {
		connectionID = "default"
	}
	return fmt.Sprintf("connection://%s/%s", connectionID, key)
}

// repairableCodes extracts the auto-repairable error codes present in a
// report.
func repairableCodes(report *schema.ValidationResult) map[string]bool {
	codes := make(map[string]bool)
	if report == nil {
		return codes
	}
	for _, issue := range report.Errors {
		if issue.AutoRepairable {
			codes[issue.Code] = true
		}
	}
	return codes
}
