package model

// NodeKind is one of the four rule-graph node kinds (spec §4.5).
type NodeKind string

const (
	NodeInput      NodeKind = "Input"
	NodeExpression NodeKind = "Expression"
	NodeDecision   NodeKind = "Decision"
	NodeOutput     NodeKind = "Output"
)

// RuleGraph is the JSON decision graph loaded per matter (spec §4.5, §6).
// It is deliberately a close mirror of the on-disk wire form so that
// unmarshalling requires no translation step; the evaluator (internal/rules)
// is responsible for validating and dispatching on Kind.
type RuleGraph struct {
	MatterID string     `json:"matterId"`
	Version  int64      `json:"version"`
	Nodes    []RuleNode `json:"nodes"`
	Edges    []RuleEdge `json:"edges"`
}

// RuleNode is a single node in the decision graph. Exactly which of the
// *Spec fields is populated is determined by Kind; this mirrors a tagged
// union using a discriminator field plus per-kind payload, which is the
// idiomatic Go rendering of spec §9's "dynamic-typed rule graph" note.
type RuleNode struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"kind"`

	Input      *InputSpec      `json:"input,omitempty"`
	Expression *ExpressionSpec `json:"expression,omitempty"`
	Decision   *DecisionSpec   `json:"decision,omitempty"`
	Output     *OutputSpec     `json:"output,omitempty"`
}

// RuleEdge connects two nodes and carries no type of its own; load-time
// validation judges an edge by the kinds of its two endpoint nodes
// (rejecting type-incompatible edges).
type RuleEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// InputSpec names a value drawn from the evaluation context.
type InputSpec struct {
	// Path is e.g. "applicant.name", "material[\"BUSINESS_LICENSE\"].text",
	// or a built-in such as "now()".
	Path string `json:"path"`
}

// Operator is the fixed, closed operator set for Expression nodes
// (spec §4.5: "a fixed operator set").
type Operator string

const (
	OpStringMatch    Operator = "string_match"
	OpRegex          Operator = "regex"
	OpNumericCompare Operator = "numeric_compare"
	OpDateCompare    Operator = "date_compare"
	OpSetMembership  Operator = "set_membership"
	OpAnd            Operator = "and"
	OpOr             Operator = "or"
	OpNot            Operator = "not"
	OpSubstringInOCR Operator = "substring_in_ocr"
)

// ExpressionSpec is a pure function of input/expression outputs.
type ExpressionSpec struct {
	Operator Operator `json:"operator"`
	// Operands reference other node IDs (Input or Expression nodes) whose
	// evaluated value feeds this expression, in positional order.
	Operands []string `json:"operands"`
	// Literal is an optional inline comparison value (e.g. the regex pattern,
	// the numeric threshold, the comparison operator for numeric/date
	// compares, or the membership set).
	Literal any `json:"literal,omitempty"`
	// Compare selects the comparator for numeric_compare/date_compare:
	// one of "eq", "ne", "lt", "le", "gt", "ge".
	Compare string `json:"compare,omitempty"`
}

// DecisionCase maps a conjunction of expression-node truth values to an
// outcome tag.
type DecisionCase struct {
	// When lists expression node IDs that must all evaluate true for this
	// case to match.
	When []string `json:"when"`
	Tag  string   `json:"tag"`
}

// DecisionSpec is a table mapping input conjunctions to an outcome tag.
type DecisionSpec struct {
	Cases []DecisionCase `json:"cases"`
	// Default is used if no case matches; empty means no output is produced.
	Default string `json:"default,omitempty"`
}

// OutputSpec binds an outcome tag to a material/severity/message triple.
type OutputSpec struct {
	Tag          string `json:"tag"`
	MaterialCode string `json:"materialCode"`
	Severity     string `json:"severity"`
	Message      string `json:"message"`
}
