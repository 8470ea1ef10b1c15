// Package rules implements C5: load-time validation and topological
// evaluation of a per-matter decision graph against OCR results and
// applicant data (spec §4.5).
package rules

import (
	"fmt"
	"sort"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/model"
)

var knownOperators = map[model.Operator]bool{
	model.OpStringMatch:    true,
	model.OpRegex:          true,
	model.OpNumericCompare: true,
	model.OpDateCompare:    true,
	model.OpSetMembership:  true,
	model.OpAnd:            true,
	model.OpOr:             true,
	model.OpNot:            true,
	model.OpSubstringInOCR: true,
}

// Engine is a validated, compiled RuleGraph ready for repeated evaluation.
// Compilation is the only place cycles and unknown references are caught;
// Evaluate trusts the Engine's invariants hold.
type Engine struct {
	graph model.RuleGraph
	byID  map[string]*model.RuleNode
	order []string            // topological node IDs, dependencies before dependents
	deps  map[string][]string // node id -> inbound node ids (edge.From values)
}

// Compile validates graph per spec §4.5 ("Cycles are rejected at load
// time") and returns an Engine ready to Evaluate. Edges are interpreted as
// from -> to meaning "to" depends on the value produced by "from".
func Compile(graph model.RuleGraph) (*Engine, error) {
	byID := make(map[string]*model.RuleNode, len(graph.Nodes))
	for i := range graph.Nodes {
		n := &graph.Nodes[i]
		if n.ID == "" {
			return nil, apperrors.New(apperrors.KindRuleError, "rule graph: node missing id")
		}
		if _, dup := byID[n.ID]; dup {
			return nil, apperrors.New(apperrors.KindRuleError, fmt.Sprintf("rule graph: duplicate node id %q", n.ID))
		}
		byID[n.ID] = n
	}

	deps := make(map[string][]string, len(graph.Nodes))
	indegree := make(map[string]int, len(graph.Nodes))
	for id := range byID {
		indegree[id] = 0
	}
	for _, e := range graph.Edges {
		if _, ok := byID[e.From]; !ok {
			return nil, apperrors.New(apperrors.KindRuleError, fmt.Sprintf("rule graph: edge references unknown node %q", e.From))
		}
		if _, ok := byID[e.To]; !ok {
			return nil, apperrors.New(apperrors.KindRuleError, fmt.Sprintf("rule graph: edge references unknown node %q", e.To))
		}
		if err := checkEdgeCompatible(byID[e.From], byID[e.To]); err != nil {
			return nil, err
		}
		deps[e.To] = append(deps[e.To], e.From)
		indegree[e.To]++
	}

	for _, n := range byID {
		if n.Kind == model.NodeExpression {
			if n.Expression == nil {
				return nil, apperrors.New(apperrors.KindRuleError, fmt.Sprintf("rule graph: node %q kind Expression has no spec", n.ID))
			}
			if !knownOperators[n.Expression.Operator] {
				return nil, apperrors.New(apperrors.KindRuleError, fmt.Sprintf("rule graph: node %q unknown operator %q", n.ID, n.Expression.Operator))
			}
		}
	}

	order, err := topoSort(byID, deps, indegree)
	if err != nil {
		return nil, err
	}

	return &Engine{graph: graph, byID: byID, order: order, deps: deps}, nil
}

// checkEdgeCompatible rejects edges between node kinds that can never
// legally exchange a value (spec §4.5 "type-incompatible edges").
func checkEdgeCompatible(from, to *model.RuleNode) error {
	switch to.Kind {
	case model.NodeExpression:
		if from.Kind != model.NodeInput && from.Kind != model.NodeExpression {
			return apperrors.New(apperrors.KindRuleError, fmt.Sprintf(
				"rule graph: Expression node %q cannot take input from %s node %q", to.ID, from.Kind, from.ID))
		}
	case model.NodeDecision:
		if from.Kind != model.NodeExpression {
			return apperrors.New(apperrors.KindRuleError, fmt.Sprintf(
				"rule graph: Decision node %q cannot take input from %s node %q", to.ID, from.Kind, from.ID))
		}
	case model.NodeOutput:
		if from.Kind != model.NodeDecision {
			return apperrors.New(apperrors.KindRuleError, fmt.Sprintf(
				"rule graph: Output node %q cannot take input from %s node %q", to.ID, from.Kind, from.ID))
		}
	case model.NodeInput:
		return apperrors.New(apperrors.KindRuleError, fmt.Sprintf("rule graph: Input node %q cannot have an inbound edge", to.ID))
	}
	return nil
}

// topoSort runs Kahn's algorithm, returning an error if a cycle remains.
// Every frontier is sorted by node ID before being drained: spec §4.5
// requires byte-identical output for a given (RuleConfig.version, context),
// and a graph with more than one valid topological order would otherwise
// evaluate (and therefore emit findings) in an order that depends on Go's
// randomised map iteration rather than the graph alone.
func topoSort(byID map[string]*model.RuleNode, deps map[string][]string, indegree map[string]int) ([]string, error) {
	// dependents[x] = nodes that depend on x, i.e. edges x -> y
	dependents := make(map[string][]string, len(byID))
	for to, froms := range deps {
		for _, from := range froms {
			dependents[from] = append(dependents[from], to)
		}
	}
	for _, ds := range dependents {
		sort.Strings(ds)
	}

	var queue []string
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		var freed []string
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				freed = append(freed, dep)
			}
		}
		sort.Strings(freed)
		queue = append(queue, freed...)
	}

	if len(order) != len(byID) {
		return nil, apperrors.New(apperrors.KindRuleError, "rule graph: cycle detected")
	}
	return order, nil
}
