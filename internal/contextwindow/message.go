// Package contextwindow keeps a conversation within a model's token budget.
//
// A Manager counts the conversation with an Accountant, and when it does not
// fit either truncates it to the newest contiguous suffix or folds the oldest
// turns into a single summary message. Any failure after the model has been
// resolved degrades to a minimal result instead of an error.
package contextwindow

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FallbackTotalTokens is reported as PreparedMessages.TotalTokens when
// preparation fell back to the minimal safe result.
const FallbackTotalTokens = -1

// Message is one chat turn.
//
// TokenCount memoizes the counted size; a value > 0 is trusted as-is, 0 means
// it is computed on demand. IsSummary marks messages produced by
// summarization and is never set on caller input.
type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	IsSummary  bool   `json:"is_summary,omitempty"`
	TokenCount int    `json:"token_count,omitempty"`
}

// IsSystem reports whether m has the system role.
func (m Message) IsSystem() bool { return m.Role == RoleSystem }

// PreparedMessages is the result of Manager.Prepare.
type PreparedMessages struct {
	Messages      []Message `json:"messages"`
	WasSummarized bool      `json:"was_summarized"`
	TotalTokens   int       `json:"total_tokens"`
	// Path names the stage that produced the result (PathFits, ...).
	Path string `json:"path,omitempty"`
}

// IsFallback reports whether the result is the minimal safe fallback.
func (p PreparedMessages) IsFallback() bool { return p.TotalTokens == FallbackTotalTokens }

// splitSystem partitions messages preserving relative order in each part.
func splitSystem(msgs []Message) (system, rest []Message) {
	for _, m := range msgs {
		if m.IsSystem() {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	return system, rest
}

// fallback returns [firstSystem, last] (or [last]) without counting. The
// last message is not repeated when it is the first system message itself.
func fallback(msgs []Message) []Message {
	if len(msgs) == 0 {
		return []Message{}
	}
	last := len(msgs) - 1
	for i, m := range msgs {
		if m.IsSystem() {
			if i == last {
				break
			}
			return []Message{m, msgs[last]}
		}
	}
	return []Message{msgs[last]}
}
