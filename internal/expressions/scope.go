package expressions

import (
	"sync"

	"github.com/rendis/flowplane/pkg/schema"
)

// ScopeBuilder constructs evaluation scopes with proper isolation.
// It enforces:
//   - inputs and globals are immutable after init (frozen on construction).
//   - Node outputs are frozen on insert; loop body nodes may overwrite
//     their own entry on re-dispatch.
//   - Foreach shard variables (item, index) are scoped per shard and do
//     not leak to siblings.
type ScopeBuilder struct {
	mu      sync.RWMutex
	inputs  map[string]any
	globals map[string]any
	vars    map[string]any
	nodes   map[string]any // node ID -> {"outputs": ...}
}

// NewScopeBuilder creates a ScopeBuilder seeded with the trigger payload
// and workflow globals. Both are deep-copied to prevent external mutation.
func NewScopeBuilder(inputs, globals map[string]any) *ScopeBuilder {
	return &ScopeBuilder{
		inputs:  deepCopyMap(inputs),
		globals: deepCopyMap(globals),
		vars:    make(map[string]any),
		nodes:   make(map[string]any),
	}
}

// SetVar stores a scalar extracted from an action result.
func (sb *ScopeBuilder) SetVar(name string, value any) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.vars[name] = deepCopyAny(value)
}

// Var reads one variable.
func (sb *ScopeBuilder) Var(name string) (any, bool) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	v, ok := sb.vars[name]
	return v, ok
}

// AddNodeOutput registers a node's output, frozen at insertion time. A
// second insert for the same node replaces the previous value; that only
// happens for loop body nodes re-entered on a later iteration.
func (sb *ScopeBuilder) AddNodeOutput(nodeID string, output any) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.nodes[nodeID] = map[string]any{"outputs": deepCopyAny(output)}
}

// NodeOutput returns the frozen output of a node, or nil.
func (sb *ScopeBuilder) NodeOutput(nodeID string) any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	rec, ok := sb.nodes[nodeID].(map[string]any)
	if !ok {
		return nil
	}
	return rec["outputs"]
}

// Data builds the evaluation environment snapshot handed to the engines.
// All mutable parts are copied, so the snapshot is safe for concurrent use.
func (sb *ScopeBuilder) Data() map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return map[string]any{
		"inputs":  sb.inputs,
		"globals": sb.globals,
		"vars":    deepCopyMap(sb.vars),
		"node":    deepCopyMap(sb.nodes),
	}
}

// ForShard returns a child ScopeBuilder for one foreach shard. The child
// gets an isolated copy of vars with the iteration item and index bound,
// and a snapshot of node outputs taken at fan-out time. Shard-local
// writes do not leak to siblings.
func (sb *ScopeBuilder) ForShard(itemVar, indexVar string, item any, index int) *ScopeBuilder {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	if itemVar == "" {
		itemVar = "item"
	}
	if indexVar == "" {
		indexVar = "index"
	}

	vars := deepCopyMap(sb.vars)
	vars[itemVar] = deepCopyAny(item)
	vars[indexVar] = index

	return &ScopeBuilder{
		inputs:  sb.inputs,
		globals: sb.globals,
		vars:    vars,
		nodes:   deepCopyMap(sb.nodes),
	}
}

// MergeShardVars folds a shard's new variables back into the parent once
// the shard has reconverged. Existing parent keys win.
func (sb *ScopeBuilder) MergeShardVars(shard *ScopeBuilder) {
	shard.mu.RLock()
	shardVars := deepCopyMap(shard.vars)
	shard.mu.RUnlock()

	sb.mu.Lock()
	defer sb.mu.Unlock()

	for name, value := range shardVars {
		if _, exists := sb.vars[name]; !exists {
			sb.vars[name] = value
		}
	}
}

// Vars returns a read-only copy of the current variables.
func (sb *ScopeBuilder) Vars() map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return deepCopyMap(sb.vars)
}

// Truthy interprets an expression result as a boolean condition. Strict:
// only booleans route; anything else is an error so a mistyped selector
// fails loudly instead of silently skipping a branch.
func Truthy(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"condition must evaluate to a boolean, got %T", v)
	}
	return b, nil
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		return v
	}
}
