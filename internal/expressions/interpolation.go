package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/flowplane/pkg/schema"
)

// Interpolator resolves ${{...}} references in action input templates
// against the run scope namespaces: inputs, vars, globals, node.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// RenderTemplate resolves every ${{...}} token in an input_template and
// returns the rendered arguments. The template itself is never mutated.
func (interp *Interpolator) RenderTemplate(template map[string]any, scope *ScopeBuilder) (map[string]any, error) {
	if len(template) == 0 {
		return map[string]any{}, nil
	}

	raw, err := json.Marshal(template)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"cannot marshal input template: %s", err.Error()).WithCause(err)
	}

	resolved, err := interp.Resolve(raw, scope)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(resolved, &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"rendered template is not valid JSON: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// Resolve scans raw JSON for ${{...}} tokens and replaces each with the
// referenced value from the scope.
func (interp *Interpolator) Resolve(raw json.RawMessage, scope *ScopeBuilder) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	input := string(raw)
	data := scope.Data()

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		// Write everything before the marker.
		result.WriteString(input[i : i+idx])
		start := i + idx + 3 // skip "${{".

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeExpression, "unclosed ${{ expression")
		}
		end += start

		ref := strings.TrimSpace(input[start:end])

		// Reject recursive interpolation: no nested ${{ inside the token.
		if strings.Contains(ref, "${{") {
			return nil, schema.NewError(schema.ErrCodeExpression,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		if ref == "" {
			return nil, schema.NewError(schema.ErrCodeExpression, "empty variable reference: ${{  }}")
		}

		val, err := resolveRef(ref, data)
		if err != nil {
			return nil, err
		}

		result.WriteString(marshalInline(val))
		i = end + 2 // skip "}}".
	}

	return json.RawMessage(result.String()), nil
}

// resolveRef resolves a single reference path like "node.a1.outputs.url".
func resolveRef(ref string, data map[string]any) (any, error) {
	parts := strings.SplitN(ref, ".", 2)
	namespace := parts[0]

	switch namespace {
	case "inputs", "vars", "globals":
		if len(parts) < 2 || parts[1] == "" {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"invalid reference %q: expected %s.<name>", ref, namespace)
		}
		m, _ := data[namespace].(map[string]any)
		return resolveFromMap(m, parts[1], ref, namespace)
	case "node":
		return resolveNodeRef(ref, data)
	default:
		available := []string{"inputs", "vars", "globals", "node"}
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": ref, "available_namespaces": available})
	}
}

// resolveNodeRef resolves node.<id>.outputs[.<field>...] references.
func resolveNodeRef(ref string, data map[string]any) (any, error) {
	parts := strings.SplitN(ref, ".", 4) // [node, id, outputs, rest...]
	if len(parts) < 3 || parts[2] != "outputs" {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"invalid node reference %q: expected node.<id>.outputs[.<field>]", ref)
	}

	nodeID := parts[1]
	nodes, _ := data["node"].(map[string]any)
	rec, ok := nodes[nodeID].(map[string]any)
	if !ok {
		available := mapKeys(nodes)
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"node %q not found in ${{%s}}; available nodes: [%s]", nodeID, ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": ref, "available_nodes": available})
	}

	output := rec["outputs"]
	if len(parts) == 3 {
		return output, nil
	}
	return traversePath(output, parts[3], ref)
}

// resolveFromMap resolves a dot-delimited field path from a map.
func resolveFromMap(data map[string]any, fieldPath, ref, namespace string) (any, error) {
	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"cannot resolve %q: %s scope is empty", ref, namespace)
	}

	// Direct key lookup first (supports keys with dots).
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}

	return traversePath(data, fieldPath, ref)
}

// traversePath navigates into nested maps using a dot-delimited path.
func traversePath(root any, path, ref string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"empty segment in path %q at position %d", ref, i)
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeExpression,
					"field %q not found in %q; available: [%s]", seg, ref, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": ref, "available_fields": availableKeys})
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, ref, current)
		}
	}

	return current, nil
}

// marshalInline converts a resolved value into its inline JSON
// representation. Strings are embedded as-is so references inside larger
// strings compose; complex values are JSON-encoded.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort for small slices.
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

// HasInterpolation checks if a template value contains any ${{...}}
// references.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}

// Ref is one parsed ${{...}} reference. Namespace is the leading segment;
// Path holds the remaining segments.
type Ref struct {
	Namespace string
	Path      []string
}

// TemplateRefs statically parses every ${{...}} token in a template and
// returns the references, without needing a scope. Syntax errors (unclosed
// or nested tokens, empty refs, unknown namespaces, malformed node paths)
// are returned so validators can reject documents before any run exists.
func TemplateRefs(template map[string]any) ([]Ref, error) {
	if len(template) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(template)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExpression, "cannot marshal template").WithCause(err)
	}

	var refs []Ref
	s := string(raw)
	for {
		idx := strings.Index(s, "${{")
		if idx == -1 {
			break
		}
		rest := s[idx+3:]
		closeIdx := strings.Index(rest, "}}")
		if closeIdx == -1 {
			return nil, schema.NewError(schema.ErrCodeExpression, "unclosed ${{ expression")
		}
		ref := strings.TrimSpace(rest[:closeIdx])
		if strings.Contains(ref, "${{") {
			return nil, schema.NewError(schema.ErrCodeExpression,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if ref == "" {
			return nil, schema.NewError(schema.ErrCodeExpression, "empty variable reference: ${{  }}")
		}

		segs := strings.Split(ref, ".")
		switch segs[0] {
		case "inputs", "vars", "globals":
			if len(segs) < 2 || segs[1] == "" {
				return nil, schema.NewErrorf(schema.ErrCodeExpression,
					"invalid reference %q: expected %s.<name>", ref, segs[0])
			}
		case "node":
			if len(segs) < 3 || segs[1] == "" || segs[2] != "outputs" {
				return nil, schema.NewErrorf(schema.ErrCodeExpression,
					"invalid node reference %q: expected node.<id>.outputs[.<field>]", ref)
			}
		default:
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"unknown namespace %q in ${{%s}}", segs[0], ref)
		}
		refs = append(refs, Ref{Namespace: segs[0], Path: segs[1:]})

		s = rest[closeIdx+2:]
	}
	return refs, nil
}

// ReferencedNodes finds all node IDs referenced via ${{node.<id>.outputs...}}
// in a template, for validator reachability checks.
func ReferencedNodes(template map[string]any) map[string]bool {
	raw, err := json.Marshal(template)
	if err != nil {
		return nil
	}

	refs := make(map[string]bool)
	s := string(raw)
	for {
		idx := strings.Index(s, "${{")
		if idx == -1 {
			break
		}
		rest := s[idx+3:]
		closeIdx := strings.Index(rest, "}}")
		if closeIdx == -1 {
			break
		}
		ref := strings.TrimSpace(rest[:closeIdx])
		if strings.HasPrefix(ref, "node.") {
			segs := strings.Split(ref, ".")
			if len(segs) >= 2 && segs[1] != "" {
				refs[segs[1]] = true
			}
		}
		s = rest[closeIdx+2:]
	}
	return refs
}
