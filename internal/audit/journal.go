// Package audit keeps an append-only journal of context-window error events
// at <home>/logs/errors.jsonl.
package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/basket/ctxwin/internal/contextwindow"
	"github.com/basket/ctxwin/internal/shared"
)

const FileName = "errors.jsonl"

var ErrClosed = errors.New("audit journal closed")

type Journal struct {
	mu     sync.Mutex
	file   *os.File
	counts map[contextwindow.ErrorCategory]int64
}

func Open(homeDir string) (*Journal, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Journal{file: f, counts: make(map[contextwindow.ErrorCategory]int64)}, nil
}

// Record appends ev as one JSON line. The message is redacted again in case
// the event was built outside the manager.
func (j *Journal) Record(ev contextwindow.ErrorEvent) error {
	ev.Message = shared.Redact(ev.Message)
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return ErrClosed
	}
	j.counts[ev.Category]++
	_, err = j.file.Write(append(b, '\n'))
	return err
}

// Observer adapts Record for Manager.OnError. Write failures are dropped.
func (j *Journal) Observer() contextwindow.ErrorObserver {
	return func(ev contextwindow.ErrorEvent) { _ = j.Record(ev) }
}

// Count returns how many events of cat were recorded since Open.
func (j *Journal) Count(cat contextwindow.ErrorCategory) int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.counts[cat]
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
