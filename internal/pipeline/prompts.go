package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/helmsman-ai/helmsman/internal/graph"
)

const extractSystemPrompt = `You refine natural-language requests against a catalog of callable
operations. Given a user request, produce a JSON object with:
  "refined": the portion of the request this system can serve, restated
  "unhandled": the portion it cannot serve, or "" when everything is covered
  "contexts": a list of {"entity": string, "operations": [string]} pairs
              naming the entities involved and the operations relevant to each

Every entity you name must carry at least one operation. If nothing in the
request is serviceable, leave "refined" empty and explain why in "unhandled".
Respond with the JSON object only.`

const extractShape = `{
  "refined": "...",
  "unhandled": "",
  "contexts": [{"entity": "...", "operations": ["..."]}]
}`

const planSystemPrompt = `You turn a refined request into an execution plan over the operations
listed in the grounding context. The plan is a JSON object mapping node ids
to steps:
  {"start_node": {},
   "<id>": {"operation": "<operation id>",
            "dependencies": ["<id>", ...],
            "vars": {<arguments>}}}

Rules:
  - "start_node" is required, carries nothing, and anchors the graph
  - every other node names exactly one operation from the grounding context
  - dependencies may only reference nodes in the plan
  - a var value "${node.field}" pulls "field" from that node's output
Respond with the JSON object only.`

// renderGroundingContext formats graph query results for the planning
// prompt: operations with their call shape first, then supporting
// documentation and examples.
func renderGroundingContext(nodes []graph.Node) string {
	var ops, docs []string

	for _, node := range nodes {
		switch node.Type {
		case graph.NodeOperation:
			var b strings.Builder
			fmt.Fprintf(&b, "- %s", node.Name)
			if method, ok := node.Props["method"].(string); ok {
				path, _ := node.Props["path"].(string)
				fmt.Fprintf(&b, " [%s %s]", method, path)
			}
			if sig, ok := node.Props["signature"].(string); ok && sig != "" {
				fmt.Fprintf(&b, " signature: %s", sig)
			}
			if desc, ok := node.Props["description"].(string); ok && desc != "" {
				fmt.Fprintf(&b, "\n  %s", desc)
			}
			ops = append(ops, b.String())
		case graph.NodeDocChunk, graph.NodeExample:
			var b strings.Builder
			fmt.Fprintf(&b, "- %s", node.Name)
			if content, ok := node.Props["content"].(string); ok && content != "" {
				fmt.Fprintf(&b, ": %s", content)
			}
			docs = append(docs, b.String())
		}
	}
	sort.Strings(ops)
	sort.Strings(docs)

	var b strings.Builder
	b.WriteString("Available operations:\n")
	if len(ops) == 0 {
		b.WriteString("(none)\n")
	} else {
		b.WriteString(strings.Join(ops, "\n"))
		b.WriteString("\n")
	}
	if len(docs) > 0 {
		b.WriteString("\nReference material:\n")
		b.WriteString(strings.Join(docs, "\n"))
		b.WriteString("\n")
	}
	return b.String()
}
