package validation

import (
	"fmt"
	"sort"
	"time"

	"github.com/rendis/flowplane/internal/expressions"
	"github.com/rendis/flowplane/pkg/schema"
)

// validateGraph performs graph analysis on a lowered DAG: id uniqueness,
// edge endpoints, trigger presence, reachability from triggers (BFS),
// cycle detection (Kahn's algorithm, loop back-edges excluded), join
// soundness, and expression parseability.
func validateGraph(d *schema.DAG, eval *expressions.Evaluator) *schema.ValidationResult {
	result := &schema.ValidationResult{Stage: schema.StageDAG}

	nodeIDs := make(map[string]bool, len(d.Nodes))
	for i, n := range d.Nodes {
		if nodeIDs[n.ID] {
			result.AddError(fmt.Sprintf("nodes[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		nodeIDs[n.ID] = true
	}

	triggers := d.TriggerNodes()
	if len(triggers) == 0 {
		result.AddError("nodes", schema.ErrCodeValidation, "workflow has no trigger node")
	}

	edgeIDs := make(map[string]bool, len(d.Edges))
	for i, e := range d.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if edgeIDs[e.ID] {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate edge id %q", e.ID))
		}
		edgeIDs[e.ID] = true
		if !nodeIDs[e.Source] {
			result.AddError(path+".source", schema.ErrCodeValidation,
				fmt.Sprintf("edge %q references non-existent source %q", e.ID, e.Source))
		}
		if !nodeIDs[e.Target] {
			result.AddError(path+".target", schema.ErrCodeValidation,
				fmt.Sprintf("edge %q references non-existent target %q", e.ID, e.Target))
		}
		if e.Condition != "" {
			if err := eval.ParseCondition(e.Condition); err != nil {
				result.AddError(path+".condition", schema.RuleUnresolvedRef,
					fmt.Sprintf("edge condition does not parse: %s", err.Error()))
			}
		}
	}

	inDegree := make(map[string]int, len(d.Nodes))
	for _, e := range d.Edges {
		if nodeIDs[e.Source] && nodeIDs[e.Target] {
			inDegree[e.Target]++
		}
	}

	for i := range d.Nodes {
		validateNodeData(d, &d.Nodes[i], fmt.Sprintf("nodes[%d]", i), nodeIDs, inDegree, eval, result)
	}

	// Graph analysis is meaningless over dangling endpoints.
	if !result.Valid() {
		return result
	}

	adj := buildAdjacency(d)

	if hasCycle(d, adj) {
		result.AddError("edges", schema.RuleCycleInGraph,
			"graph contains a cycle outside loop nodes")
		return result
	}

	reachable := reachableFromTriggers(d, adj)
	for i, n := range d.Nodes {
		if n.Type != schema.NodeTrigger && !reachable[n.ID] {
			result.AddError(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is not reachable from any trigger", n.ID))
		}
	}

	return result
}

// validateNodeData checks the type-specific payload of one node.
func validateNodeData(d *schema.DAG, n *schema.Node, path string, nodeIDs map[string]bool, inDegree map[string]int, eval *expressions.Evaluator, result *schema.ValidationResult) {
	requireTarget := func(field, id string) {
		if id != "" && !nodeIDs[id] {
			result.AddError(path+"."+field, schema.ErrCodeValidation,
				fmt.Sprintf("node %q %s references non-existent node %q", n.ID, field, id))
		}
	}

	switch n.Type {
	case schema.NodeTrigger:
		switch n.Data.Kind {
		case schema.TriggerEventBased:
			if n.Data.ToolkitSlug == "" || n.Data.TriggerSlug == "" {
				result.AddError(path+".data", schema.ErrCodeValidation,
					fmt.Sprintf("event trigger %q missing toolkit_slug or composio_trigger_slug", n.ID))
			}
		case schema.TriggerScheduleBased:
			if n.Data.CronExpr == "" {
				result.AddError(path+".data.cron_expr", schema.RuleCronInvalid,
					fmt.Sprintf("scheduled trigger %q has no cron_expr", n.ID))
			} else if err := parseCron(n.Data.CronExpr); err != nil {
				result.AddError(path+".data.cron_expr", schema.RuleCronInvalid,
					fmt.Sprintf("invalid cron expression %q: %s", n.Data.CronExpr, err.Error()))
			}
			if n.Data.Timezone != "" {
				if _, err := time.LoadLocation(n.Data.Timezone); err != nil {
					result.AddError(path+".data.timezone", schema.ErrCodeTzInvalid,
						fmt.Sprintf("unknown timezone %q", n.Data.Timezone))
				}
			}
		default:
			result.AddError(path+".data.kind", schema.ErrCodeValidation,
				fmt.Sprintf("trigger %q has unknown kind %q", n.ID, n.Data.Kind))
		}

	case schema.NodeAction:
		if n.Data.Tool == "" || n.Data.Action == "" {
			result.AddError(path+".data", schema.ErrCodeValidation,
				fmt.Sprintf("action %q missing tool or action", n.ID))
		}
		refs, err := expressions.TemplateRefs(n.Data.InputTemplate)
		if err != nil {
			result.AddError(path+".data.input_template", schema.RuleUnresolvedRef,
				fmt.Sprintf("input_template of %q: %s", n.ID, err.Error()))
		}
		for _, ref := range refs {
			if ref.Namespace == "node" && !nodeIDs[ref.Path[0]] {
				result.AddError(path+".data.input_template", schema.RuleUnresolvedRef,
					fmt.Sprintf("input_template of %q references unknown node %q", n.ID, ref.Path[0]))
			}
		}
		for name, prog := range n.Data.OutputVars {
			if err := eval.ParseOutputVar(prog); err != nil {
				result.AddError(path+".data.output_vars."+name, schema.RuleUnresolvedRef,
					fmt.Sprintf("output_var %q of %q does not parse: %s", name, n.ID, err.Error()))
			}
		}

	case schema.NodeGatewayIf:
		if len(n.Data.Branches) == 0 {
			result.AddError(path+".data.branches", schema.ErrCodeValidation,
				fmt.Sprintf("gateway %q has no branches", n.ID))
		}
		for bi, b := range n.Data.Branches {
			if err := eval.ParseCondition(b.Expr); err != nil {
				result.AddError(fmt.Sprintf("%s.data.branches[%d].expr", path, bi), schema.RuleUnresolvedRef,
					fmt.Sprintf("branch expression of %q does not parse: %s", n.ID, err.Error()))
			}
			requireTarget(fmt.Sprintf("data.branches[%d].to", bi), b.To)
		}
		requireTarget("data.else_to", n.Data.ElseTo)

	case schema.NodeGatewaySwitch:
		if n.Data.Selector == "" {
			result.AddError(path+".data.selector", schema.ErrCodeValidation,
				fmt.Sprintf("switch %q has no selector", n.ID))
		} else if err := eval.ParseCondition(n.Data.Selector); err != nil {
			result.AddError(path+".data.selector", schema.RuleUnresolvedRef,
				fmt.Sprintf("selector of %q does not parse: %s", n.ID, err.Error()))
		}
		if len(n.Data.Cases) == 0 {
			result.AddError(path+".data.cases", schema.ErrCodeValidation,
				fmt.Sprintf("switch %q has no cases", n.ID))
		}
		for ci, c := range n.Data.Cases {
			requireTarget(fmt.Sprintf("data.cases[%d].to", ci), c.To)
		}
		requireTarget("data.default_to", n.Data.DefaultTo)

	case schema.NodeJoin:
		if _, err := schema.JoinThreshold(n.Data.Mode, inDegree[n.ID]); err != nil {
			result.AddError(path+".data.mode", schema.ErrCodeValidation,
				fmt.Sprintf("join %q: %s", n.ID, err.Error()))
		}

	case schema.NodeLoopWhile:
		if n.Data.Condition == "" {
			result.AddError(path+".data.condition", schema.ErrCodeValidation,
				fmt.Sprintf("loop %q has no condition", n.ID))
		} else if err := eval.ParseCondition(n.Data.Condition); err != nil {
			result.AddError(path+".data.condition", schema.RuleUnresolvedRef,
				fmt.Sprintf("loop condition of %q does not parse: %s", n.ID, err.Error()))
		}
		if n.Data.BodyStart == "" {
			result.AddError(path+".data.body_start", schema.ErrCodeValidation,
				fmt.Sprintf("loop %q has no body_start", n.ID))
		}
		requireTarget("data.body_start", n.Data.BodyStart)

	case schema.NodeLoopForeach:
		if n.Data.SourceArrayExpr == "" {
			result.AddError(path+".data.source_array_expr", schema.ErrCodeValidation,
				fmt.Sprintf("foreach %q has no source_array_expr", n.ID))
		} else if err := eval.ParseCondition(n.Data.SourceArrayExpr); err != nil {
			result.AddError(path+".data.source_array_expr", schema.RuleUnresolvedRef,
				fmt.Sprintf("source expression of %q does not parse: %s", n.ID, err.Error()))
		}
		if n.Data.BodyStart == "" {
			result.AddError(path+".data.body_start", schema.ErrCodeValidation,
				fmt.Sprintf("foreach %q has no body_start", n.ID))
		}
		requireTarget("data.body_start", n.Data.BodyStart)
	}
}

// buildAdjacency collects each node's successors from edges plus the
// implicit links nodes declare in their data (gateway targets, loop
// bodies). Duplicates are removed and successors sorted for determinism.
func buildAdjacency(d *schema.DAG) map[string][]string {
	succ := make(map[string]map[string]bool, len(d.Nodes))
	add := func(from, to string) {
		if from == "" || to == "" {
			return
		}
		if succ[from] == nil {
			succ[from] = make(map[string]bool)
		}
		succ[from][to] = true
	}

	for _, e := range d.Edges {
		add(e.Source, e.Target)
	}
	for _, n := range d.Nodes {
		switch n.Type {
		case schema.NodeGatewayIf:
			for _, b := range n.Data.Branches {
				add(n.ID, b.To)
			}
			add(n.ID, n.Data.ElseTo)
		case schema.NodeGatewaySwitch:
			for _, c := range n.Data.Cases {
				add(n.ID, c.To)
			}
			add(n.ID, n.Data.DefaultTo)
		case schema.NodeLoopWhile, schema.NodeLoopForeach:
			add(n.ID, n.Data.BodyStart)
		}
	}

	adj := make(map[string][]string, len(succ))
	for from, tos := range succ {
		list := make([]string, 0, len(tos))
		for to := range tos {
			list = append(list, to)
		}
		sort.Strings(list)
		adj[from] = list
	}
	return adj
}

// hasCycle runs Kahn's algorithm over the adjacency with loop back-edges
// removed. A back-edge is any edge into a loop node from inside that
// loop's body.
func hasCycle(d *schema.DAG, adj map[string][]string) bool {
	back := loopBackEdges(d, adj)

	inDegree := make(map[string]int, len(d.Nodes))
	for _, n := range d.Nodes {
		inDegree[n.ID] = 0
	}
	for from, tos := range adj {
		for _, to := range tos {
			if back[from+"->"+to] {
				continue
			}
			inDegree[to]++
		}
	}

	queue := make([]string, 0, len(d.Nodes))
	for id, deg := range inDegree {
		if deg == 0 {
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
			if back[node+"->"+to] {
				continue
			}
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	return visited != len(d.Nodes)
}

// loopBackEdges marks edges that close a declared loop: for each loop
// node L, any edge body -> L where body is reachable from L's body_start
// without passing through L.
func loopBackEdges(d *schema.DAG, adj map[string][]string) map[string]bool {
	back := make(map[string]bool)
	for _, n := range d.Nodes {
		if n.Type != schema.NodeLoopWhile && n.Type != schema.NodeLoopForeach {
			continue
		}
		if n.Data.BodyStart == "" {
			continue
		}

		body := make(map[string]bool)
		stack := []string{n.Data.BodyStart}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if cur == n.ID || body[cur] {
				continue
			}
			body[cur] = true
			stack = append(stack, adj[cur]...)
		}

		for member := range body {
			for _, to := range adj[member] {
				if to == n.ID {
					back[member+"->"+n.ID] = true
				}
			}
		}
	}
	return back
}

// reachableFromTriggers runs BFS from every trigger node.
func reachableFromTriggers(d *schema.DAG, adj map[string][]string) map[string]bool {
	reachable := make(map[string]bool, len(d.Nodes))
	var queue []string
	for _, t := range d.TriggerNodes() {
		reachable[t.ID] = true
		queue = append(queue, t.ID)
	}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, to := range adj[node] {
			if !reachable[to] {
				reachable[to] = true
				queue = append(queue, to)
			}
		}
	}
	return reachable
}
