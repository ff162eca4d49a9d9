package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ohler55/ojg/jp"

	"github.com/helmsman-ai/helmsman/internal/plan"
)

var answerPath = jp.MustParseString("$..answer")

// summarize reduces an execution result to the response content. Nodes that
// produced an "answer" field win, deepest-node-last in id order; otherwise
// the completed outputs are serialized as JSON.
func summarize(result *plan.Result) string {
	outputs := make(map[string]any, len(result.Outputs))
	for id, out := range result.Outputs {
		if id == plan.StartNode {
			continue
		}
		outputs[id] = out
	}

	if answers := collectAnswers(result); len(answers) > 0 {
		return answers[len(answers)-1]
	}

	data, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Sprint(outputs)
	}
	return string(data)
}

func collectAnswers(result *plan.Result) []string {
	ids := make([]string, 0, len(result.Outputs))
	for id := range result.Outputs {
		if id != plan.StartNode {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var answers []string
	for _, id := range ids {
		for _, match := range answerPath.Get(result.Outputs[id]) {
			answers = append(answers, fmt.Sprint(match))
		}
	}
	return answers
}
