package bus

import "strings"

// Context-window event topics.
const (
	// TopicErrorPrefix prefixes error topics; the category follows in lower case,
	// e.g. "contextwindow.error.token_calculation_error".
	TopicErrorPrefix = "contextwindow.error."
	TopicPrepared    = "contextwindow.prepared"
)

// Config topics.
const (
	TopicConfigReloaded = "config.reloaded"
	TopicInputChanged   = "input.changed"
)

// ErrorTopic returns the topic an error event of the given category is
// published on.
func ErrorTopic(category string) string {
	return TopicErrorPrefix + strings.ToLower(category)
}

// PreparedEvent is published after a conversation has been fitted.
type PreparedEvent struct {
	ModelID       string `json:"model_id"`
	Path          string `json:"path"`
	InputMessages int    `json:"input_messages"`
	Messages      int    `json:"messages"`
	TotalTokens   int    `json:"total_tokens"`
	WasSummarized bool   `json:"was_summarized"`
	TraceID       string `json:"trace_id,omitempty"`
}

// ConfigReloadedEvent is published when config.yaml was re-read.
type ConfigReloadedEvent struct {
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint"`
	// Changed is false when the file was touched but settings are unchanged.
	Changed bool   `json:"changed"`
	Error   string `json:"error,omitempty"`
}

// InputChangedEvent is published when a watched conversation file changes.
type InputChangedEvent struct {
	Path string `json:"path"`
}
