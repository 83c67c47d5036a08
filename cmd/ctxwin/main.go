package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: %[1]s <command> [flags]

COMMANDS:
  prepare   Fit a conversation into a model's context window
            -model <id> [-in file|-] [-json] [-reserved N] [-threshold N]
            [-ratio R] [-summary-model id] [-debug]
  count     Print per-message and total token counts
            -model <id> [-in file|-] [-json]
  models    List known models and their context windows [-json]
  watch     Re-prepare -in <file> whenever it or config.yaml changes
  doctor    Check config, credentials, tokenizer and token store [-json]
  version   Print the version

INPUT:
  A JSON array of {"role","content"} messages, or {"messages": [...], "model": "..."}.

ENVIRONMENT VARIABLES:
  CTXWIN_HOME                              Data directory (default: ~/.ctxwin)
  CTXWIN_RESERVED_TOKENS                   Reply reservation (default: 1000)
  CTXWIN_MAX_TOKENS_BEFORE_SUMMARIZATION   Summarization threshold (default: 6000)
  CTXWIN_SUMMARIZATION_RATIO               Fraction summarized (default: 0.5)
  CTXWIN_SUMMARIZATION_MODEL               Model used for summaries
  GEMINI_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY, OPENROUTER_API_KEY

EXAMPLES:
  %[1]s prepare -model gpt-4o -in chat.json
  cat chat.json | %[1]s count -model claude-sonnet-4-5
  %[1]s watch -model gemini-2.5-flash -in chat.json
`, "ctxwin")
}

func main() {
	loadDotEnv(".env")
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, flag.Args(), os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run dispatches a subcommand and returns the process exit code: 0 on
// success, 1 on failure, 2 on usage errors.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	case "version":
		fmt.Fprintln(stdout, Version)
		return 0
	case "prepare":
		return runPrepareCommand(ctx, args[1:], stdin, stdout, stderr)
	case "count":
		return runCountCommand(ctx, args[1:], stdin, stdout, stderr)
	case "models":
		return runModelsCommand(ctx, args[1:], stdout, stderr)
	case "watch":
		return runWatchCommand(ctx, args[1:], stdout, stderr)
	case "doctor":
		return runDoctorCommand(ctx, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		printUsage(stderr)
		return 2
	}
}

// loadDotEnv sets variables from a KEY=VALUE file without overriding the
// environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
