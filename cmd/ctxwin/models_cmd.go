package main

import (
	"context"
	"flag"
	"fmt"
	"io"
)

func runModelsCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("models", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := newApp(ctx, true)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	profiles := a.registry.List()
	if *jsonOut {
		if err := writeJSON(stdout, profiles); err != nil {
			fmt.Fprintf(stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(stdout, "%-28s %-11s %10s %s\n", "MODEL", "PROVIDER", "WINDOW", "ENCODING")
	for _, p := range profiles {
		enc := p.Encoding
		if enc == "" {
			enc = "-"
		}
		fmt.Fprintf(stdout, "%-28s %-11s %10d %s\n", p.ID, p.Provider, p.ContextWindowTokens, enc)
	}
	return 0
}
