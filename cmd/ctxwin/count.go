package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/basket/ctxwin/internal/pricing"
)

type countResult struct {
	Model    string         `json:"model"`
	Total    int            `json:"total_tokens"`
	CostUSD  float64        `json:"estimated_prompt_cost_usd"`
	Messages []countMessage `json:"messages"`
}

type countMessage struct {
	Role   string `json:"role"`
	Tokens int    `json:"tokens"`
}

func runCountCommand(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("count", flag.ContinueOnError)
	fs.SetOutput(stderr)
	model := fs.String("model", "", "model id (defaults to the input file's \"model\")")
	in := fs.String("in", "-", "conversation JSON file, - for stdin")
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	conv, err := loadConversation(*in, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	modelID := resolveModel(*model, conv.Model)
	if modelID == "" {
		fmt.Fprintln(stderr, "Error: -model is required")
		return 2
	}

	a, err := newApp(ctx, true)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	if _, ok := a.registry.ModelByID(modelID); !ok {
		fmt.Fprintf(stderr, "Error: unknown model %q\n", modelID)
		return 1
	}
	total, err := a.manager.CalculateTotalTokens(ctx, conv.Messages, modelID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	res := countResult{
		Model:    modelID,
		Total:    total,
		CostUSD:  pricing.EstimateCost(modelID, total, 0),
		Messages: make([]countMessage, len(conv.Messages)),
	}
	for i, m := range conv.Messages {
		res.Messages[i] = countMessage{Role: m.Role, Tokens: m.TokenCount}
	}
	if *jsonOut {
		if err := writeJSON(stdout, res); err != nil {
			fmt.Fprintf(stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}
	for i, m := range res.Messages {
		fmt.Fprintf(stdout, "%3d %-9s %8d\n", i+1, m.Role, m.Tokens)
	}
	fmt.Fprintf(stdout, "%-13s %8d\n", "total", res.Total)
	if res.CostUSD > 0 {
		fmt.Fprintf(stdout, "%-13s $%.4f\n", "prompt cost", res.CostUSD)
	}
	return 0
}
