package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeBuilder_InputsAreFrozenAtInit(t *testing.T) {
	inputs := map[string]any{"user": map[string]any{"id": "u1"}}
	sb := NewScopeBuilder(inputs, nil)

	// Mutating the caller's map must not leak into the scope.
	inputs["user"].(map[string]any)["id"] = "mutated"

	data := sb.Data()
	user := data["inputs"].(map[string]any)["user"].(map[string]any)
	assert.Equal(t, "u1", user["id"])
}

func TestScopeBuilder_SetVarAndRead(t *testing.T) {
	sb := NewScopeBuilder(nil, nil)
	sb.SetVar("ticket_id", "T-42")

	v, ok := sb.Var("ticket_id")
	require.True(t, ok)
	assert.Equal(t, "T-42", v)

	_, ok = sb.Var("missing")
	assert.False(t, ok)
}

func TestScopeBuilder_AddNodeOutput(t *testing.T) {
	sb := NewScopeBuilder(nil, nil)
	sb.AddNodeOutput("a1", map[string]any{"id": "x"})

	out := sb.NodeOutput("a1").(map[string]any)
	assert.Equal(t, "x", out["id"])
	assert.Nil(t, sb.NodeOutput("a2"))

	data := sb.Data()
	rec := data["node"].(map[string]any)["a1"].(map[string]any)
	assert.Equal(t, "x", rec["outputs"].(map[string]any)["id"])
}

func TestScopeBuilder_NodeOutputFrozenOnInsert(t *testing.T) {
	sb := NewScopeBuilder(nil, nil)
	out := map[string]any{"n": 1}
	sb.AddNodeOutput("a1", out)

	out["n"] = 99
	frozen := sb.NodeOutput("a1").(map[string]any)
	assert.Equal(t, 1, frozen["n"])
}

func TestScopeBuilder_LoopBodyMayOverwriteOutput(t *testing.T) {
	sb := NewScopeBuilder(nil, nil)
	sb.AddNodeOutput("body", map[string]any{"iter": 1})
	sb.AddNodeOutput("body", map[string]any{"iter": 2})

	out := sb.NodeOutput("body").(map[string]any)
	assert.Equal(t, 2, out["iter"])
}

func TestScopeBuilder_ForShard_BindsItemAndIndex(t *testing.T) {
	sb := NewScopeBuilder(nil, nil)
	sb.SetVar("base", "kept")

	shard := sb.ForShard("", "", map[string]any{"name": "n1"}, 3)

	item, ok := shard.Var("item")
	require.True(t, ok)
	assert.Equal(t, "n1", item.(map[string]any)["name"])

	idx, ok := shard.Var("index")
	require.True(t, ok)
	assert.Equal(t, 3, idx)

	base, ok := shard.Var("base")
	require.True(t, ok)
	assert.Equal(t, "kept", base)
}

func TestScopeBuilder_ForShard_CustomVarNames(t *testing.T) {
	sb := NewScopeBuilder(nil, nil)
	shard := sb.ForShard("row", "i", "r1", 0)

	v, ok := shard.Var("row")
	require.True(t, ok)
	assert.Equal(t, "r1", v)

	_, ok = shard.Var("item")
	assert.False(t, ok)
}

func TestScopeBuilder_ShardVarsDoNotLeakToParent(t *testing.T) {
	sb := NewScopeBuilder(nil, nil)
	shard := sb.ForShard("", "", "x", 0)
	shard.SetVar("local", true)

	_, ok := sb.Var("local")
	assert.False(t, ok)
}

func TestScopeBuilder_ShardsShareNodeOutputs(t *testing.T) {
	sb := NewScopeBuilder(nil, nil)
	shard := sb.ForShard("", "", "x", 0)

	shard.AddNodeOutput("body", map[string]any{"done": true})
	out := sb.NodeOutput("body")
	require.NotNil(t, out)
	assert.Equal(t, true, out.(map[string]any)["done"])
}

func TestScopeBuilder_MergeShardVars_ParentWins(t *testing.T) {
	sb := NewScopeBuilder(nil, nil)
	sb.SetVar("existing", "parent")

	shard := sb.ForShard("", "", "x", 0)
	shard.SetVar("existing", "shard")
	shard.SetVar("fresh", "shard")

	sb.MergeShardVars(shard)

	v, _ := sb.Var("existing")
	assert.Equal(t, "parent", v)
	v, _ = sb.Var("fresh")
	assert.Equal(t, "shard", v)
}

func TestTruthy(t *testing.T) {
	b, err := Truthy(true)
	require.NoError(t, err)
	assert.True(t, b)

	b, err = Truthy(false)
	require.NoError(t, err)
	assert.False(t, b)

	_, err = Truthy("yes")
	assert.Error(t, err)

	_, err = Truthy(nil)
	assert.Error(t, err)
}
