package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/joelklabo/agentpay"
)

// Work runs a paid job and produces its result document.
type Work func(ctx context.Context, job agentpay.Job) (map[string]interface{}, error)

// DefaultWork handles the built-in demo tasks. Deployments supply their
// own Work to sell real capabilities.
func DefaultWork(ctx context.Context, job agentpay.Job) (map[string]interface{}, error) {
	switch strings.ToLower(job.TaskType) {
	case "summarize":
		doc, _ := job.InputData["doc"].(string)
		if doc == "" {
			doc, _ = job.InputData["text"].(string)
		}
		return map[string]interface{}{"summary": summarize(doc)}, nil
	case "echo":
		return map[string]interface{}{"echo": job.InputData}, nil
	default:
		return nil, fmt.Errorf("unsupported task type %q", job.TaskType)
	}
}

// summarize is a stand-in for a real model call: the first sentence, or
// the first 200 runes when the text has no sentence break.
func summarize(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if i := strings.IndexAny(text, ".!?"); i >= 0 && i < 200 {
		return text[:i+1]
	}
	runes := []rune(text)
	if len(runes) <= 200 {
		return text
	}
	return string(runes[:200]) + "…"
}
