package models

// TaskType labels the kind of AI work being requested. It drives model
// choice, temperature and the output token ceiling.
type TaskType string

const (
	TaskClassification TaskType = "classification"
	TaskSummary        TaskType = "summary"
	TaskConversation   TaskType = "conversation"
	TaskEmbedding      TaskType = "embedding"
	TaskAnalysis       TaskType = "analysis"
)

// AllTasks lists every known task type.
var AllTasks = []TaskType{
	TaskClassification,
	TaskSummary,
	TaskConversation,
	TaskEmbedding,
	TaskAnalysis,
}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	for _, known := range AllTasks {
		if t == known {
			return true
		}
	}
	return false
}

// ModelStatus is a read-only snapshot of a model's routing state.
type ModelStatus struct {
	Model       string `json:"model"`
	MinuteCount int    `json:"minute_count"`
	RPM         int    `json:"rpm"`
	DayCount    int    `json:"day_count"`
	RPD         int    `json:"rpd"`
	// BannedUntil is zero unless a provider rate limit is in effect.
	BannedUntil string `json:"banned_until,omitempty"`
	Usable      bool   `json:"usable"`
}
