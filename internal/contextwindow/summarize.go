package contextwindow

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/ctxwin/internal/oracle"
)

const (
	summaryPrefix = "Conversation summary: "

	summarySystemPrompt = "You are a conversation summarizer. Summarize the conversation you are given " +
		"into a concise summary. Preserve task descriptions, user requirements and constraints, " +
		"decisions made, and concrete factual details needed to continue the conversation. " +
		"Reply with the summary only."

	nothingToSummarize = "Conversation summary: no earlier conversation to summarize."
)

// summaryFallback is used when the completion oracle fails.
func summaryFallback(n int) string {
	return fmt.Sprintf("Conversation summary: %d earlier messages were omitted because they could not be summarized.", n)
}

// transcript renders messages as "role: content" blocks separated by a
// blank line.
func transcript(msgs []Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// summarize folds msgs (system messages excluded) into one assistant
// message with IsSummary set. It never fails: oracle errors are reported
// through onErr and replaced by a fallback message.
func summarize(ctx context.Context, factory oracle.Factory, modelID string, msgs []Message, onErr func(error)) Message {
	_, turns := splitSystem(msgs)
	if len(turns) == 0 {
		return Message{Role: RoleAssistant, Content: nothingToSummarize, IsSummary: true}
	}

	text, err := complete(ctx, factory, modelID, turns)
	if err != nil {
		onErr(err)
		return Message{Role: RoleAssistant, Content: summaryFallback(len(turns)), IsSummary: true}
	}
	return Message{Role: RoleAssistant, Content: summaryPrefix + text, IsSummary: true}
}

func complete(ctx context.Context, factory oracle.Factory, modelID string, turns []Message) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("completion panicked: %v", r)
		}
	}()

	client, err := factory.ClientForModel(modelID)
	if err != nil {
		return "", fmt.Errorf("resolve client: %w", err)
	}
	resp, err := client.Complete(ctx, oracle.CompletionRequest{
		Model: modelID,
		Messages: []oracle.ChatMessage{
			{Role: RoleSystem, Content: summarySystemPrompt},
			{Role: RoleUser, Content: "Summarize this conversation:\n\n" + transcript(turns)},
		},
	})
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("empty summary from %s", modelID)
	}
	return text, nil
}
