package rules

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/joeycumines/go-utilpkg/jsonenc"

	"github.com/tomshen124/ocr-server/internal/model"
)

// Checksum computes the SHA-256 of the canonicalised rule graph (spec §6:
// "checksum is SHA-256 of the canonicalised JSON"). Canonicalisation sorts
// nodes by id and edges by (from, to) so the checksum is independent of
// the on-disk array order, then re-encodes strings with jsonenc's
// allocation-light string appender (numbers via fmt) rather than
// encoding/json, to guarantee the byte
// form never shifts under an unrelated stdlib version bump.
func Checksum(graph model.RuleGraph) string {
	sum := sha256.Sum256(canonicalize(graph))
	return hex.EncodeToString(sum[:])
}

func canonicalize(graph model.RuleGraph) []byte {
	nodes := append([]model.RuleNode(nil), graph.Nodes...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	edges := append([]model.RuleEdge(nil), graph.Edges...)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})

	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString(`"matterId":`)
	buf.Write(jsonenc.AppendString(nil, graph.MatterID))

	buf.WriteString(fmt.Sprintf(`,"version":%d`, graph.Version))

	buf.WriteString(`,"nodes":[`)
	for i, n := range nodes {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeNode(&buf, n)
	}
	buf.WriteByte(']')

	buf.WriteString(`,"edges":[`)
	for i, e := range edges {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		buf.WriteString(`"from":`)
		buf.Write(jsonenc.AppendString(nil, e.From))
		buf.WriteString(`,"to":`)
		buf.Write(jsonenc.AppendString(nil, e.To))
		buf.WriteByte('}')
	}
	buf.WriteByte(']')

	buf.WriteByte('}')
	return buf.Bytes()
}

func writeNode(buf *bytes.Buffer, n model.RuleNode) {
	buf.WriteByte('{')
	buf.WriteString(`"id":`)
	buf.Write(jsonenc.AppendString(nil, n.ID))
	buf.WriteString(`,"kind":`)
	buf.Write(jsonenc.AppendString(nil, string(n.Kind)))

	switch n.Kind {
	case model.NodeInput:
		if n.Input != nil {
			buf.WriteString(`,"input":{"path":`)
			buf.Write(jsonenc.AppendString(nil, n.Input.Path))
			buf.WriteByte('}')
		}
	case model.NodeExpression:
		if n.Expression != nil {
			buf.WriteString(`,"expression":{"operator":`)
			buf.Write(jsonenc.AppendString(nil, string(n.Expression.Operator)))
			buf.WriteString(`,"operands":[`)
			for i, op := range n.Expression.Operands {
				if i > 0 {
					buf.WriteByte(',')
				}
				buf.Write(jsonenc.AppendString(nil, op))
			}
			buf.WriteString(`],"compare":`)
			buf.Write(jsonenc.AppendString(nil, n.Expression.Compare))
			buf.WriteString(`,"literal":`)
			buf.Write(jsonenc.AppendString(nil, fmt.Sprintf("%v", n.Expression.Literal)))
			buf.WriteByte('}')
		}
	case model.NodeDecision:
		if n.Decision != nil {
			buf.WriteString(`,"decision":{"default":`)
			buf.Write(jsonenc.AppendString(nil, n.Decision.Default))
			buf.WriteString(`,"cases":[`)
			for i, c := range n.Decision.Cases {
				if i > 0 {
					buf.WriteByte(',')
				}
				buf.WriteByte('{')
				buf.WriteString(`"tag":`)
				buf.Write(jsonenc.AppendString(nil, c.Tag))
				buf.WriteString(`,"when":[`)
				for j, w := range c.When {
					if j > 0 {
						buf.WriteByte(',')
					}
					buf.Write(jsonenc.AppendString(nil, w))
				}
				buf.WriteString(`]}`)
			}
			buf.WriteString(`]}`)
		}
	case model.NodeOutput:
		if n.Output != nil {
			buf.WriteString(`,"output":{"tag":`)
			buf.Write(jsonenc.AppendString(nil, n.Output.Tag))
			buf.WriteString(`,"materialCode":`)
			buf.Write(jsonenc.AppendString(nil, n.Output.MaterialCode))
			buf.WriteString(`,"severity":`)
			buf.Write(jsonenc.AppendString(nil, n.Output.Severity))
			buf.WriteString(`,"message":`)
			buf.Write(jsonenc.AppendString(nil, n.Output.Message))
			buf.WriteByte('}')
		}
	}

	buf.WriteByte('}')
}
