package rules_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomshen124/ocr-server/internal/model"
	"github.com/tomshen124/ocr-server/internal/rules"
)

func licenseGraph() model.RuleGraph {
	return model.RuleGraph{
		MatterID: "matter-1",
		Version:  1,
		Nodes: []model.RuleNode{
			{ID: "in_text", Kind: model.NodeInput, Input: &model.InputSpec{Path: `material["LICENSE"].text`}},
			{ID: "expr_has_term", Kind: model.NodeExpression, Expression: &model.ExpressionSpec{
				Operator: model.OpSubstringInOCR,
				Operands: []string{"in_text"},
				Literal:  "valid license",
			}},
			{ID: "dec_outcome", Kind: model.NodeDecision, Decision: &model.DecisionSpec{
				Cases:   []model.DecisionCase{{When: []string{"expr_has_term"}, Tag: "ok"}},
				Default: "missing_term",
			}},
			{ID: "out_fail", Kind: model.NodeOutput, Output: &model.OutputSpec{
				Tag: "missing_term", MaterialCode: "LICENSE", Severity: string(model.SeverityError), Message: "license text missing required term",
			}},
		},
		Edges: []model.RuleEdge{
			{From: "in_text", To: "expr_has_term"},
			{From: "expr_has_term", To: "dec_outcome"},
			{From: "dec_outcome", To: "out_fail"},
		},
	}
}

func TestCompile_CompilesValidGraph(t *testing.T) {
	_, err := rules.Compile(licenseGraph())
	require.NoError(t, err)
}

func TestCompile_RejectsCycle(t *testing.T) {
	g := licenseGraph()
	// Two Expression nodes feeding each other: both edges are
	// type-compatible, so only the cycle check can reject the graph.
	g.Nodes = append(g.Nodes, model.RuleNode{ID: "expr_loop", Kind: model.NodeExpression, Expression: &model.ExpressionSpec{
		Operator: model.OpNot,
		Operands: []string{"expr_has_term"},
	}})
	g.Edges = append(g.Edges,
		model.RuleEdge{From: "expr_has_term", To: "expr_loop"},
		model.RuleEdge{From: "expr_loop", To: "expr_has_term"},
	)
	_, err := rules.Compile(g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestCompile_RejectsUnknownOperator(t *testing.T) {
	g := licenseGraph()
	g.Nodes[1].Expression.Operator = "frobnicate"
	_, err := rules.Compile(g)
	assert.Error(t, err)
}

func TestCompile_RejectsTypeIncompatibleEdge(t *testing.T) {
	g := licenseGraph()
	// Output feeding directly into another Output is never legal.
	g.Nodes = append(g.Nodes, model.RuleNode{ID: "out2", Kind: model.NodeOutput, Output: &model.OutputSpec{Tag: "x", MaterialCode: "LICENSE"}})
	g.Edges = append(g.Edges, model.RuleEdge{From: "out_fail", To: "out2"})
	_, err := rules.Compile(g)
	assert.Error(t, err)
}

func TestEngine_Evaluate_PassWhenTermPresent(t *testing.T) {
	engine, err := rules.Compile(licenseGraph())
	require.NoError(t, err)

	results, overall := engine.Evaluate(rules.EvalContext{
		Materials: map[string]rules.MaterialInput{
			"LICENSE": {OCRText: "This is a valid license for operation."},
		},
		Now: time.Now(),
	})

	require.Len(t, results, 1)
	assert.Equal(t, model.StatusPassed, results[0].Status)
	assert.Equal(t, model.StatusPassed, overall)
	assert.Empty(t, results[0].Findings)
}

func TestEngine_Evaluate_FailsWhenTermMissing(t *testing.T) {
	engine, err := rules.Compile(licenseGraph())
	require.NoError(t, err)

	results, overall := engine.Evaluate(rules.EvalContext{
		Materials: map[string]rules.MaterialInput{
			"LICENSE": {OCRText: "some unrelated text"},
		},
		Now: time.Now(),
	})

	require.Len(t, results, 1)
	assert.Equal(t, model.StatusFailed, results[0].Status)
	assert.Equal(t, model.StatusFailed, overall)
	require.Len(t, results[0].Findings, 1)
	assert.Equal(t, model.SeverityError, results[0].Findings[0].Severity)
}

func TestEngine_Evaluate_UnresolvedInputProducesErrorFinding(t *testing.T) {
	engine, err := rules.Compile(licenseGraph())
	require.NoError(t, err)

	// No "LICENSE" entry in Materials at all: the Input node can't resolve.
	results, overall := engine.Evaluate(rules.EvalContext{
		Materials: map[string]rules.MaterialInput{},
		Now:       time.Now(),
	})

	assert.Empty(t, results) // nothing in ctx.Materials to attach a per-material result to
	assert.Equal(t, model.StatusFailed, overall)
}

func TestChecksum_StableUnderNodeReordering(t *testing.T) {
	g := licenseGraph()
	reordered := g
	reordered.Nodes = []model.RuleNode{g.Nodes[3], g.Nodes[2], g.Nodes[1], g.Nodes[0]}
	reordered.Edges = []model.RuleEdge{g.Edges[2], g.Edges[1], g.Edges[0]}

	assert.Equal(t, rules.Checksum(g), rules.Checksum(reordered))
}

func TestChecksum_ChangesWithContent(t *testing.T) {
	g := licenseGraph()
	g2 := licenseGraph()
	g2.Nodes[1].Expression.Literal = "something else"

	assert.NotEqual(t, rules.Checksum(g), rules.Checksum(g2))
}
