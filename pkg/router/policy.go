package router

import "github.com/pario-ai/helmsman/pkg/models"

// Policy holds the generation parameters for a task type.
type Policy struct {
	Temperature float64
	MaxTokens   int
}

// PolicyFor returns the generation parameters for task. Unknown tasks
// get the conversation policy.
func PolicyFor(task models.TaskType) Policy {
	switch task {
	case models.TaskClassification:
		return Policy{Temperature: 0.1, MaxTokens: 150}
	case models.TaskSummary:
		return Policy{Temperature: 0.3, MaxTokens: 500}
	case models.TaskEmbedding:
		return Policy{Temperature: 0, MaxTokens: 0}
	case models.TaskAnalysis:
		return Policy{Temperature: 0.2, MaxTokens: 800}
	default:
		return Policy{Temperature: 0.7, MaxTokens: 1024}
	}
}
