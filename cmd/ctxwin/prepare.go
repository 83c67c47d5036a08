package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/basket/ctxwin/internal/bus"
	"github.com/basket/ctxwin/internal/contextwindow"
	"github.com/basket/ctxwin/internal/shared"
)

// prepareFlags are the per-call overrides shared by prepare and watch.
type prepareFlags struct {
	model        string
	in           string
	jsonOut      bool
	reserved     int
	threshold    int
	ratio        float64
	summaryModel string
	debug        bool
}

func (p *prepareFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&p.model, "model", "", "model id (defaults to the input file's \"model\")")
	fs.StringVar(&p.in, "in", "-", "conversation JSON file, - for stdin")
	fs.BoolVar(&p.jsonOut, "json", false, "print JSON even on a terminal")
	fs.IntVar(&p.reserved, "reserved", -1, "tokens reserved for the reply (default from config)")
	fs.IntVar(&p.threshold, "threshold", 0, "max tokens before summarization (default from config)")
	fs.Float64Var(&p.ratio, "ratio", 0, "fraction of older messages to summarize (default from config)")
	fs.StringVar(&p.summaryModel, "summary-model", "", "model used for summaries (default from config)")
	fs.BoolVar(&p.debug, "debug", false, "log every preparation decision")
}

// options converts the flags that were set into manager options.
func (p *prepareFlags) options(fs *flag.FlagSet) []contextwindow.Option {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var opts []contextwindow.Option
	if set["reserved"] {
		opts = append(opts, contextwindow.WithReservedTokens(p.reserved))
	}
	if set["threshold"] {
		opts = append(opts, contextwindow.WithMaxTokensBeforeSummarization(p.threshold))
	}
	if set["ratio"] {
		opts = append(opts, contextwindow.WithSummarizationRatio(p.ratio))
	}
	if set["summary-model"] {
		opts = append(opts, contextwindow.WithSummarizationModel(p.summaryModel))
	}
	if set["debug"] {
		opts = append(opts, contextwindow.WithDebug(p.debug))
	}
	return opts
}

func runPrepareCommand(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("prepare", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var pf prepareFlags
	pf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	conv, err := loadConversation(pf.in, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	modelID := resolveModel(pf.model, conv.Model)
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

	if err := a.prepareAndPrint(ctx, conv.Messages, modelID, pf, pf.options(fs), stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func resolveModel(flagValue, fileValue string) string {
	if m := strings.TrimSpace(flagValue); m != "" {
		return m
	}
	return strings.TrimSpace(fileValue)
}

// prepareAndPrint runs Prepare, publishes the outcome on the bus and writes
// the JSON result or a styled report.
func (a *app) prepareAndPrint(ctx context.Context, msgs []contextwindow.Message, modelID string, pf prepareFlags, opts []contextwindow.Option, stdout io.Writer) error {
	ctx, traceID := shared.EnsureTraceID(ctx)
	res, err := a.manager.Prepare(ctx, msgs, modelID, opts...)
	if err != nil {
		var mnf *contextwindow.ModelNotFoundError
		if errors.As(err, &mnf) {
			return fmt.Errorf("%w (run \"ctxwin models\" to list known ids, or add it under models: in config.yaml)", err)
		}
		return err
	}
	a.bus.Publish(bus.TopicPrepared, contextwindow.PreparedEvent(modelID, msgs, res, traceID))

	if pf.jsonOut || !isTerminal(stdout) {
		return writeJSON(stdout, res)
	}
	profile, _ := a.registry.ModelByID(modelID)
	reserved := a.cfg.ContextWindow.ReservedTokens
	if pf.reserved >= 0 {
		reserved = pf.reserved
	}
	_, err = fmt.Fprintln(stdout, renderReport(budgetReport{
		ModelID:       profile.ID,
		WindowTokens:  profile.ContextWindowTokens,
		Available:     profile.ContextWindowTokens - reserved,
		InputMessages: len(msgs),
		InputTokens:   sumTokens(msgs),
		Result:        res,
	}))
	return err
}
