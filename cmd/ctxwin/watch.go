package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/basket/ctxwin/internal/bus"
	"github.com/basket/ctxwin/internal/config"
	"github.com/basket/ctxwin/internal/contextwindow"
)

// runWatchCommand prepares the input file once, then again whenever it
// changes. Edits to config.yaml are applied without restarting.
func runWatchCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var pf prepareFlags
	pf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if pf.in == "" || pf.in == "-" {
		fmt.Fprintln(stderr, "Error: watch needs -in <file>")
		return 2
	}

	a, err := newApp(ctx, false)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	events := a.bus.Subscribe("")
	defer a.bus.Unsubscribe(events)
	go logBusEvents(ctx, a.logger, events)

	opts := pf.options(fs)
	prepare := func() {
		conv, err := loadConversation(pf.in, nil)
		if err != nil {
			a.logger.Warn("conversation not loaded", "path", pf.in, "error", err)
			return
		}
		modelID := resolveModel(pf.model, conv.Model)
		if modelID == "" {
			a.logger.Warn("no model for conversation", "path", pf.in)
			return
		}
		if err := a.prepareAndPrint(ctx, conv.Messages, modelID, pf, opts, stdout); err != nil {
			a.logger.Error("prepare failed", "path", pf.in, "error", err)
		}
	}
	prepare()

	w := config.NewWatcher(a.cfg.HomeDir, a.logger, pf.in)
	if err := w.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: start watcher: %v\n", err)
		return 1
	}

	cfgPath, _ := filepath.Abs(config.ConfigPath(a.cfg.HomeDir))
	for ev := range w.Events() {
		evPath, _ := filepath.Abs(ev.Path)
		if evPath == cfgPath {
			cfg, changed, err := a.reload(ctx)
			payload := bus.ConfigReloadedEvent{Path: ev.Path, Fingerprint: cfg.Fingerprint(), Changed: changed}
			if err != nil {
				payload.Error = err.Error()
				a.logger.Error("config reload failed", "error", err)
			}
			a.bus.Publish(bus.TopicConfigReloaded, payload)
			if err != nil || !changed {
				continue
			}
		} else {
			a.bus.Publish(bus.TopicInputChanged, bus.InputChangedEvent{Path: ev.Path})
		}
		prepare()
	}
	return 0
}

// logBusEvents writes bus traffic to the log until ctx ends or the
// subscription closes.
func logBusEvents(ctx context.Context, logger *slog.Logger, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch p := ev.Payload.(type) {
			case contextwindow.ErrorEvent:
				logger.Warn("bus event", "topic", ev.Topic, "source", p.Source, "model", p.ModelID, "trace_id", p.TraceID)
			case bus.PreparedEvent:
				logger.Info("bus event", "topic", ev.Topic, "model", p.ModelID, "path", p.Path, "total_tokens", p.TotalTokens, "trace_id", p.TraceID)
			default:
				logger.Info("bus event", "topic", ev.Topic)
			}
		}
	}
}
