package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/ctxwin/internal/contextwindow"
	"github.com/basket/ctxwin/internal/pricing"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	summaryStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("6"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

const (
	barWidth     = 30
	previewWidth = 56
)

// budgetReport is what the prepare command renders.
type budgetReport struct {
	ModelID       string                         `json:"model"`
	WindowTokens  int                            `json:"window_tokens"`
	Available     int                            `json:"available_tokens"`
	InputMessages int                            `json:"input_messages"`
	InputTokens   int                            `json:"input_tokens"`
	Result        contextwindow.PreparedMessages `json:"result"`
}

// isTerminal reports whether w is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderReport(r budgetReport) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Context window · " + r.ModelID))
	b.WriteString("\n")

	res := r.Result
	pathStyle := okStyle
	switch res.Path {
	case contextwindow.PathFallback:
		pathStyle = errStyle
	case contextwindow.PathTruncated, contextwindow.PathSummarized, contextwindow.PathSummarizedTruncated:
		pathStyle = warnStyle
	}
	fmt.Fprintf(&b, "%s %s   %s %d → %d\n",
		dimStyle.Render("path"), pathStyle.Render(res.Path),
		dimStyle.Render("messages"), r.InputMessages, len(res.Messages))

	if res.IsFallback() {
		fmt.Fprintf(&b, "%s %s\n", dimStyle.Render("tokens"), errStyle.Render("unknown (fallback)"))
	} else {
		fmt.Fprintf(&b, "%s %d / %d  %s\n",
			dimStyle.Render("tokens"), res.TotalTokens, r.Available, usageBar(outputTokens(res), r.Available))
	}
	if _, ok := pricing.Lookup(r.ModelID); ok {
		sent := outputTokens(res)
		fmt.Fprintf(&b, "%s $%.4f", dimStyle.Render("prompt cost"), pricing.EstimateCost(r.ModelID, sent, 0))
		if saved := pricing.PromptSavings(r.ModelID, r.InputTokens, sent); saved > 0 {
			fmt.Fprintf(&b, "  %s", okStyle.Render(fmt.Sprintf("saved $%.4f", saved)))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	for i, m := range res.Messages {
		content := preview(m.Content, previewWidth)
		if m.IsSummary {
			content = summaryStyle.Render(content)
		}
		fmt.Fprintf(&b, "%s %-9s %s  %s\n",
			dimStyle.Render(fmt.Sprintf("%3d", i+1)),
			m.Role,
			dimStyle.Render(fmt.Sprintf("%6d", m.TokenCount)),
			content)
	}
	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// sumTokens adds up recorded counts; uncounted messages contribute 0.
func sumTokens(msgs []contextwindow.Message) int {
	n := 0
	for _, m := range msgs {
		n += m.TokenCount
	}
	return n
}

// outputTokens sums the counts recorded on the returned messages. On the
// truncate path TotalTokens is the pre-truncation total, so the bar uses
// this instead.
func outputTokens(res contextwindow.PreparedMessages) int {
	return sumTokens(res.Messages)
}

func usageBar(used, available int) string {
	if available <= 0 {
		return errStyle.Render(strings.Repeat("█", barWidth))
	}
	ratio := float64(used) / float64(available)
	filled := int(ratio * barWidth)
	if filled > barWidth {
		filled = barWidth
	}
	if filled < 0 {
		filled = 0
	}
	style := okStyle
	if ratio > 0.9 {
		style = warnStyle
	}
	if ratio > 1 {
		style = errStyle
	}
	return style.Render(strings.Repeat("█", filled)) +
		dimStyle.Render(strings.Repeat("░", barWidth-filled)) +
		fmt.Sprintf(" %3.0f%%", ratio*100)
}

// preview flattens content onto one line and cuts it to width runes.
func preview(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}
