package contextwindow

import (
	"context"
	"sync"
	"time"

	"github.com/basket/ctxwin/internal/shared"
)

// ErrorCategory classifies an ErrorEvent.
type ErrorCategory string

const (
	CategoryTokenCalculation ErrorCategory = "TOKEN_CALCULATION_ERROR"
	CategorySummarization    ErrorCategory = "LLM_SUMMARIZATION_ERROR"
	CategoryContextWindow    ErrorCategory = "CONTEXT_WINDOW_ERROR"
)

// ErrorEvent describes a failure that was handled (or is about to be
// returned) by the manager.
type ErrorEvent struct {
	Category  ErrorCategory `json:"category"`
	Message   string        `json:"message"`
	Source    string        `json:"source"`
	ModelID   string        `json:"model_id,omitempty"`
	Timestamp string        `json:"timestamp"`
	TraceID   string        `json:"trace_id,omitempty"`
}

// ErrorObserver receives error events. It is called synchronously on the
// goroutine that hit the error.
type ErrorObserver func(ErrorEvent)

type observerEntry struct {
	id int
	fn ErrorObserver
}

// observers is a registration-ordered observer list.
type observers struct {
	mu     sync.RWMutex
	nextID int
	list   []observerEntry
}

func (o *observers) add(fn ErrorObserver) func() {
	if fn == nil {
		return func() {}
	}
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.list = append(o.list, observerEntry{id: id, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { o.remove(id) })
	}
}

func (o *observers) remove(id int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, e := range o.list {
		if e.id == id {
			o.list = append(o.list[:i:i], o.list[i+1:]...)
			return
		}
	}
}

// dispatch invokes every observer outside the lock. A panicking observer is
// skipped and does not affect the others.
func (o *observers) dispatch(ev ErrorEvent) {
	o.mu.RLock()
	list := make([]observerEntry, len(o.list))
	copy(list, o.list)
	o.mu.RUnlock()

	for _, e := range list {
		func() {
			defer func() { _ = recover() }()
			e.fn(ev)
		}()
	}
}

func newErrorEvent(ctx context.Context, cat ErrorCategory, source, modelID string, err error) ErrorEvent {
	ev := ErrorEvent{
		Category:  cat,
		Message:   shared.Redact(err.Error()),
		Source:    source,
		ModelID:   modelID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if id := shared.TraceID(ctx); id != "-" {
		ev.TraceID = id
	}
	return ev
}
