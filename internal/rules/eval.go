package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tomshen124/ocr-server/internal/model"
)

// MaterialInput is the per-material slice of the evaluation context: the
// recognized text plus its bounding-box lines.
type MaterialInput struct {
	OCRText  string
	OCRLines []model.OCRLine
}

// EvalContext is the contextual input spec §4.5 describes: "applicant
// fields + per-material OCR text + cross-material aggregates".
type EvalContext struct {
	Applicant map[string]any
	Materials map[string]MaterialInput
	Now       time.Time
}

var materialPathRe = regexp.MustCompile(`^material\["([^"]+)"\]\.(text)$`)

// resolveInput resolves an InputSpec.Path against ctx (spec §4.5 Input
// node kinds: applicant fields, material OCR text, built-ins like now()).
func resolveInput(ctx EvalContext, path string) (any, error) {
	switch {
	case path == "now()":
		return ctx.Now, nil
	case strings.HasPrefix(path, "applicant."):
		field := strings.TrimPrefix(path, "applicant.")
		v, ok := ctx.Applicant[field]
		if !ok {
			return nil, fmt.Errorf("unresolved input: applicant field %q not present", field)
		}
		return v, nil
	default:
		if m := materialPathRe.FindStringSubmatch(path); m != nil {
			mat, ok := ctx.Materials[m[1]]
			if !ok {
				return nil, fmt.Errorf("unresolved input: material %q not present in context", m[1])
			}
			return mat.OCRText, nil
		}
		return nil, fmt.Errorf("unresolved input: unrecognised path %q", path)
	}
}

// Evaluate runs a single pass in topological order (spec §4.5), producing a
// MaterialResult per material present in ctx.Materials, and an overall
// verdict. Findings for a material absent from ctx.Materials get no
// MaterialResult but still count toward the overall verdict. Determinism
// follows directly from: fixed topo order for a given graph, pure
// operators, and no reliance on map iteration order for anything
// observable.
func (e *Engine) Evaluate(ctx EvalContext) ([]model.MaterialResult, model.MaterialStatus) {
	values := make(map[string]any, len(e.byID))
	findingsByMaterial := make(map[string][]model.Finding)
	failedMaterials := make(map[string]bool)

	for _, id := range e.order {
		node := e.byID[id]
		switch node.Kind {
		case model.NodeInput:
			v, err := resolveInput(ctx, node.Input.Path)
			if err != nil {
				e.recordNodeError(node, err, findingsByMaterial, failedMaterials)
				continue
			}
			values[id] = v

		case model.NodeExpression:
			v, err := e.evalExpression(node.Expression, values)
			if err != nil {
				e.recordNodeError(node, err, findingsByMaterial, failedMaterials)
				continue
			}
			values[id] = v

		case model.NodeDecision:
			tag := evalDecision(node.Decision, e.deps[id], values)
			values[id] = tag

		case model.NodeOutput:
			e.evalOutput(node, values, findingsByMaterial)
		}
	}

	return e.assemble(ctx, findingsByMaterial, failedMaterials)
}

// recordNodeError implements spec §4.5's "Unknown operator or unresolved
// input -> the engine emits an Error finding for the affected material and
// marks its status Failed; other materials continue." The affected
// material is taken from any Output node downstream of this one whose
// MaterialCode we can reach; if none is reachable the finding is recorded
// unscoped: it is attached to no material and makes the overall verdict
// Failed.
func (e *Engine) recordNodeError(node *model.RuleNode, cause error, findingsByMaterial map[string][]model.Finding, failedMaterials map[string]bool) {
	codes := e.downstreamMaterialCodes(node.ID)
	finding := model.Finding{
		RuleID:   node.ID,
		Severity: model.SeverityError,
		Message:  cause.Error(),
	}
	if len(codes) == 0 {
		findingsByMaterial[""] = append(findingsByMaterial[""], finding)
		return
	}
	for _, code := range codes {
		findingsByMaterial[code] = append(findingsByMaterial[code], finding)
		failedMaterials[code] = true
	}
}

// downstreamMaterialCodes walks forward from nodeID through Expression ->
// Decision -> Output edges to find every Output.MaterialCode reachable.
func (e *Engine) downstreamMaterialCodes(nodeID string) []string {
	// dependents: node id -> node ids that list it as an inbound dep
	dependents := make(map[string][]string)
	for to, froms := range e.deps {
		for _, from := range froms {
			dependents[from] = append(dependents[from], to)
		}
	}

	seen := make(map[string]bool)
	var codes []string
	var walk func(id string)
	walk = func(id string) {
		for _, next := range dependents[id] {
			if seen[next] {
				continue
			}
			seen[next] = true
			if n := e.byID[next]; n != nil && n.Kind == model.NodeOutput && n.Output != nil {
				codes = append(codes, n.Output.MaterialCode)
			}
			walk(next)
		}
	}
	walk(nodeID)
	return codes
}

func (e *Engine) evalOutput(node *model.RuleNode, values map[string]any, findingsByMaterial map[string][]model.Finding) {
	if node.Output == nil {
		return
	}
	for _, from := range e.deps[node.ID] {
		tag, _ := values[from].(string)
		if tag != "" && tag == node.Output.Tag {
			findingsByMaterial[node.Output.MaterialCode] = append(findingsByMaterial[node.Output.MaterialCode], model.Finding{
				RuleID:   node.ID,
				Severity: model.Severity(node.Output.Severity),
				Message:  node.Output.Message,
			})
		}
	}
}

func evalDecision(spec *model.DecisionSpec, inbound []string, values map[string]any) string {
	if spec == nil {
		return ""
	}
	for _, c := range spec.Cases {
		allTrue := true
		for _, exprID := range c.When {
			b, _ := values[exprID].(bool)
			if !b {
				allTrue = false
				break
			}
		}
		if allTrue {
			return c.Tag
		}
	}
	return spec.Default
}

func (e *Engine) evalExpression(spec *model.ExpressionSpec, values map[string]any) (any, error) {
	operand := func(i int) (any, error) {
		if i >= len(spec.Operands) {
			return nil, fmt.Errorf("operator %q: missing operand %d", spec.Operator, i)
		}
		v, ok := values[spec.Operands[i]]
		if !ok {
			return nil, fmt.Errorf("operator %q: unresolved operand %q", spec.Operator, spec.Operands[i])
		}
		return v, nil
	}

	switch spec.Operator {
	case model.OpStringMatch:
		a, err := operand(0)
		if err != nil {
			return nil, err
		}
		lit, _ := spec.Literal.(string)
		return toString(a) == lit, nil

	case model.OpRegex:
		a, err := operand(0)
		if err != nil {
			return nil, err
		}
		pattern, _ := spec.Literal.(string)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("operator regex: invalid pattern %q: %w", pattern, err)
		}
		return re.MatchString(toString(a)), nil

	case model.OpSubstringInOCR:
		a, err := operand(0)
		if err != nil {
			return nil, err
		}
		sub, _ := spec.Literal.(string)
		return strings.Contains(toString(a), sub), nil

	case model.OpNumericCompare:
		a, err := operand(0)
		if err != nil {
			return nil, err
		}
		av, aok := toFloat64(a)
		bv, bok := toFloat64(spec.Literal)
		if !aok || !bok {
			return nil, fmt.Errorf("operator numeric_compare: non-numeric operand")
		}
		return compareFloat(av, bv, spec.Compare)

	case model.OpDateCompare:
		a, err := operand(0)
		if err != nil {
			return nil, err
		}
		at, aok := toTime(a)
		bt, bok := toTime(spec.Literal)
		if !aok || !bok {
			return nil, fmt.Errorf("operator date_compare: non-date operand")
		}
		return compareFloat(float64(at.UnixNano()), float64(bt.UnixNano()), spec.Compare)

	case model.OpSetMembership:
		a, err := operand(0)
		if err != nil {
			return nil, err
		}
		return setContains(spec.Literal, a), nil

	case model.OpAnd:
		for i := range spec.Operands {
			v, err := operand(i)
			if err != nil {
				return nil, err
			}
			if b, _ := v.(bool); !b {
				return false, nil
			}
		}
		return true, nil

	case model.OpOr:
		for i := range spec.Operands {
			v, err := operand(i)
			if err != nil {
				return nil, err
			}
			if b, _ := v.(bool); b {
				return true, nil
			}
		}
		return false, nil

	case model.OpNot:
		a, err := operand(0)
		if err != nil {
			return nil, err
		}
		b, _ := a.(bool)
		return !b, nil

	default:
		return nil, fmt.Errorf("unknown operator %q", spec.Operator)
	}
}

func compareFloat(a, b float64, op string) (bool, error) {
	switch op {
	case "eq":
		return a == b, nil
	case "ne":
		return a != b, nil
	case "lt":
		return a < b, nil
	case "le":
		return a <= b, nil
	case "gt":
		return a > b, nil
	case "ge":
		return a >= b, nil
	default:
		return false, fmt.Errorf("unknown comparator %q", op)
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		return parsed, err == nil
	default:
		return time.Time{}, false
	}
}

func setContains(set any, v any) bool {
	target := toString(v)
	switch s := set.(type) {
	case []any:
		for _, item := range s {
			if toString(item) == target {
				return true
			}
		}
	case []string:
		for _, item := range s {
			if item == target {
				return true
			}
		}
	}
	return false
}
