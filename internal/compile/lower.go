package compile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/rendis/flowplane/pkg/schema"
)

const (
	defaultMaxIterations  = 1000
	defaultMaxConcurrency = 5
	defaultMaxParallelism = 10
)

// lowerer turns an executable document into a DAG. Node ids are
// deterministic: a per-prefix counter in emission order, so the same
// executable always lowers to the same graph.
type lowerer struct {
	counters map[string]int
	index    map[string]string
	result   *schema.ValidationResult
}

func newLowerer() *lowerer {
	return &lowerer{
		counters: make(map[string]int),
		index:    make(map[string]string),
		result:   &schema.ValidationResult{Stage: schema.StageDAG},
	}
}

// lower runs the full emission pipeline. The returned DAG is nil when
// any reference fails to resolve.
func (l *lowerer) lower(e *schema.Executable) (*schema.DAG, *schema.ValidationResult) {
	d := &schema.DAG{
		WorkflowID: e.WorkflowID,
		Version:    e.Version,
		UserID:     e.UserID,
	}

	l.emitTriggers(d, e)
	l.emitActions(d, e)
	l.lowerFlowControl(d, e)
	l.addRoutes(d, e)
	d.Globals = chooseGlobals(e)

	if !l.result.Valid() {
		return nil, l.result
	}
	return d, l.result
}

func (l *lowerer) newNodeID(prefix string) string {
	l.counters[prefix]++
	return fmt.Sprintf("%s%d", prefix, l.counters[prefix])
}

// resolve maps a local ref to its lowered node id. Missing refs are
// reported at the given path.
func (l *lowerer) resolve(ref, path string) string {
	if ref == "" {
		return ""
	}
	id, ok := l.index[ref]
	if !ok {
		l.result.AddError(path, schema.RuleUnresolvedRef,
			fmt.Sprintf("reference %q does not resolve to a node", ref))
		return ""
	}
	return id
}

func (l *lowerer) addEdge(d *schema.DAG, source, target string, when schema.EdgeWhen, condition string) {
	if source == "" || target == "" {
		return
	}
	d.Edges = append(d.Edges, schema.Edge{
		ID:        fmt.Sprintf("e_%s_%s", source, target),
		Source:    source,
		Target:    target,
		When:      when,
		Condition: condition,
	})
}

func (l *lowerer) emitTriggers(d *schema.DAG, e *schema.Executable) {
	for i := range e.Triggers {
		t := &e.Triggers[i]
		nid := l.newNodeID("t")

		kind := schema.TriggerEventBased
		if t.Type == "scheduled" || t.Schedule != nil {
			kind = schema.TriggerScheduleBased
		}

		data := schema.NodeData{
			Kind:              kind,
			ToolkitSlug:       t.Exec.Provider,
			TriggerSlug:       t.Exec.TriggerSlug,
			Filter:            t.Exec.Configuration,
			TriggerInstanceID: triggerInstanceID(e.UserID, e.WorkflowID, e.Version, nid),
		}
		if t.Schedule != nil {
			data.CronExpr = t.Schedule.CronExpr
			data.Timezone = t.Schedule.Timezone
		}

		d.Nodes = append(d.Nodes, schema.Node{ID: nid, Type: schema.NodeTrigger, Data: data})
		l.claim(t.LocalID, nid, fmt.Sprintf("triggers[%d].local_id", i))
	}
}

func (l *lowerer) emitActions(d *schema.DAG, e *schema.Executable) {
	for i := range e.Actions {
		a := &e.Actions[i]
		nid := l.newNodeID("a")

		retry := a.Exec.Retry
		if retry == nil && e.Policies != nil {
			retry = e.Policies.Retry
		}
		timeout := a.Exec.TimeoutMs
		if timeout == 0 && e.Policies != nil {
			timeout = e.Policies.TimeoutMs
		}

		d.Nodes = append(d.Nodes, schema.Node{
			ID:   nid,
			Type: schema.NodeAction,
			Data: schema.NodeData{
				Tool:          a.Exec.Provider,
				Action:        a.Exec.ActionSlug,
				ConnectionID:  a.Exec.ConnectionID,
				InputTemplate: a.Exec.InputTemplate,
				OutputVars:    a.Exec.OutputVars,
				Retry:         retry,
				TimeoutMs:     timeout,
			},
		})
		l.claim(a.LocalID, nid, fmt.Sprintf("actions[%d].local_id", i))
	}
}

// claim records a local ref in the index. Duplicates were rejected by
// the executable validator; a collision here means the caller skipped
// validation, so the first claim wins and the rest are reported.
func (l *lowerer) claim(localID, nodeID, path string) {
	if localID == "" {
		return
	}
	if _, exists := l.index[localID]; exists {
		l.result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("duplicate local ref %q", localID))
		return
	}
	l.index[localID] = nodeID
}

func (l *lowerer) lowerFlowControl(d *schema.DAG, e *schema.Executable) {
	if e.FlowControl == nil {
		return
	}

	// Flow-control nodes claim their ids before any ref resolution so
	// constructs can reference each other regardless of order.
	conds := make([]string, len(e.FlowControl.Conditions))
	for i := range e.FlowControl.Conditions {
		conds[i] = l.newNodeID("g")
		l.claim(e.FlowControl.Conditions[i].LocalID, conds[i], fmt.Sprintf("flow_control.conditions[%d].local_id", i))
	}
	switches := make([]string, len(e.FlowControl.Switches))
	for i := range e.FlowControl.Switches {
		switches[i] = l.newNodeID("sw")
		l.claim(e.FlowControl.Switches[i].LocalID, switches[i], fmt.Sprintf("flow_control.switches[%d].local_id", i))
	}
	pars := make([]string, len(e.FlowControl.Parallel))
	for i := range e.FlowControl.Parallel {
		pars[i] = l.newNodeID("par")
		l.claim(e.FlowControl.Parallel[i].LocalID, pars[i], fmt.Sprintf("flow_control.parallel_execution[%d].local_id", i))
	}
	loops := make([]string, len(e.FlowControl.Loops))
	for i := range e.FlowControl.Loops {
		loops[i] = l.newNodeID("loop")
		l.claim(e.FlowControl.Loops[i].LocalID, loops[i], fmt.Sprintf("flow_control.loops[%d].local_id", i))
	}

	for i := range e.FlowControl.Conditions {
		l.lowerConditional(d, &e.FlowControl.Conditions[i], conds[i], i)
	}
	for i := range e.FlowControl.Switches {
		l.lowerSwitch(d, &e.FlowControl.Switches[i], switches[i], i)
	}
	for i := range e.FlowControl.Parallel {
		l.lowerParallel(d, &e.FlowControl.Parallel[i], pars[i], i)
	}
	for i := range e.FlowControl.Loops {
		l.lowerLoop(d, &e.FlowControl.Loops[i], loops[i], i)
	}
}

func (l *lowerer) lowerConditional(d *schema.DAG, c *schema.Conditional, nid string, idx int) {
	path := fmt.Sprintf("flow_control.conditions[%d]", idx)

	branches := make([]schema.Branch, 0, len(c.Branches))
	for bi, b := range c.Branches {
		branches = append(branches, schema.Branch{
			Name: b.Name,
			Expr: b.Expr,
			To:   l.resolve(b.TargetRef, fmt.Sprintf("%s.branches[%d].target_ref", path, bi)),
		})
	}

	d.Nodes = append(d.Nodes, schema.Node{
		ID:   nid,
		Type: schema.NodeGatewayIf,
		Data: schema.NodeData{
			Branches: branches,
			ElseTo:   l.resolve(c.ElseRef, path+".else_ref"),
		},
	})

	l.addEdge(d, l.resolve(c.IncomingRef, path+".incoming_ref"), nid, "", "")
}

// lowerSwitch emits a gateway_switch with one case per arm plus the
// default route. Like gateway_if branches, case targets are carried in
// node data and become edges of the adjacency.
func (l *lowerer) lowerSwitch(d *schema.DAG, s *schema.SwitchSpec, nid string, idx int) {
	path := fmt.Sprintf("flow_control.switches[%d]", idx)

	cases := make([]schema.SwitchCase, 0, len(s.Cases))
	for ci, c := range s.Cases {
		cases = append(cases, schema.SwitchCase{
			Value: c.Value,
			To:    l.resolve(c.TargetRef, fmt.Sprintf("%s.cases[%d].target_ref", path, ci)),
		})
	}

	d.Nodes = append(d.Nodes, schema.Node{
		ID:   nid,
		Type: schema.NodeGatewaySwitch,
		Data: schema.NodeData{
			Selector:  s.Selector,
			Cases:     cases,
			DefaultTo: l.resolve(s.DefaultRef, path+".default_ref"),
		},
	})

	l.addEdge(d, l.resolve(s.IncomingRef, path+".incoming_ref"), nid, "", "")
}

// lowerParallel emits a fan-out node paired with a join. Fan-out edges
// follow target declaration order; every target also feeds the join so
// the graph re-converges before the outgoing ref.
func (l *lowerer) lowerParallel(d *schema.DAG, p *schema.ParallelSpec, nid string, idx int) {
	path := fmt.Sprintf("flow_control.parallel_execution[%d]", idx)

	jid := l.newNodeID("join")
	mode := p.JoinMode
	if mode == "" {
		mode = schema.JoinAll
	}

	d.Nodes = append(d.Nodes, schema.Node{ID: nid, Type: schema.NodeParallel})
	d.Nodes = append(d.Nodes, schema.Node{ID: jid, Type: schema.NodeJoin, Data: schema.NodeData{Mode: mode}})

	for ti, ref := range p.Targets {
		target := l.resolve(ref, fmt.Sprintf("%s.targets[%d]", path, ti))
		l.addEdge(d, nid, target, "", "")
		l.addEdge(d, target, jid, "", "")
	}

	l.addEdge(d, l.resolve(p.IncomingRef, path+".incoming_ref"), nid, "", "")
	l.addEdge(d, jid, l.resolve(p.OutgoingRef, path+".outgoing_ref"), "", "")
}

func (l *lowerer) lowerLoop(d *schema.DAG, lp *schema.LoopSpec, nid string, idx int) {
	path := fmt.Sprintf("flow_control.loops[%d]", idx)
	bodyStart := l.resolve(lp.BodyRef, path+".body_ref")

	var node schema.Node
	switch lp.Kind {
	case "while":
		maxIter := lp.MaxIterations
		if maxIter == 0 {
			maxIter = defaultMaxIterations
		}
		node = schema.Node{
			ID:   nid,
			Type: schema.NodeLoopWhile,
			Data: schema.NodeData{
				Condition:     lp.Condition,
				BodyStart:     bodyStart,
				MaxIterations: maxIter,
			},
		}
	case "foreach":
		maxConc := lp.MaxConcurrency
		if maxConc == 0 {
			maxConc = defaultMaxConcurrency
		}
		node = schema.Node{
			ID:   nid,
			Type: schema.NodeLoopForeach,
			Data: schema.NodeData{
				SourceArrayExpr: lp.Source,
				ItemVar:         lp.ItemVar,
				IndexVar:        lp.IndexVar,
				BodyStart:       bodyStart,
				MaxConcurrency:  maxConc,
			},
		}
	default:
		l.result.AddError(path+".kind", schema.ErrCodeValidation,
			fmt.Sprintf("unknown loop kind %q", lp.Kind))
		return
	}

	d.Nodes = append(d.Nodes, node)
	l.addEdge(d, l.resolve(lp.IncomingRef, path+".incoming_ref"), nid, "", "")
}

func (l *lowerer) addRoutes(d *schema.DAG, e *schema.Executable) {
	for i, r := range e.Routes {
		path := fmt.Sprintf("routes[%d]", i)
		source := l.resolve(r.FromRef, path+".from_ref")
		target := l.resolve(r.ToRef, path+".to_ref")
		l.addEdge(d, source, target, r.When, r.Expr)
	}
}

func chooseGlobals(e *schema.Executable) *schema.Globals {
	g := &schema.Globals{MaxParallelism: defaultMaxParallelism}
	if e.Policies != nil {
		g.Retry = e.Policies.Retry
		g.TimeoutMs = e.Policies.TimeoutMs
		if e.Policies.MaxParallelism > 0 {
			g.MaxParallelism = e.Policies.MaxParallelism
		}
	}
	return g
}

// triggerInstanceID derives the stable identity of a trigger binding so
// re-compiling the same workflow version reuses provider subscriptions.
func triggerInstanceID(userID, workflowID string, version int, nodeID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s%s%d%s", userID, workflowID, version, nodeID)))
	return hex.EncodeToString(sum[:])
}
