package contextwindow

import "github.com/basket/ctxwin/internal/bus"

// BusObserver returns an observer that republishes error events on b under
// bus.ErrorTopic(category). Publishing never blocks.
func BusObserver(b *bus.Bus) ErrorObserver {
	if b == nil {
		return nil
	}
	return func(ev ErrorEvent) {
		b.Publish(bus.ErrorTopic(string(ev.Category)), ev)
	}
}

// PreparedEvent builds the bus payload describing a completed Prepare call.
func PreparedEvent(modelID string, input []Message, out PreparedMessages, traceID string) bus.PreparedEvent {
	return bus.PreparedEvent{
		ModelID:       modelID,
		Path:          out.Path,
		InputMessages: len(input),
		Messages:      len(out.Messages),
		TotalTokens:   out.TotalTokens,
		WasSummarized: out.WasSummarized,
		TraceID:       traceID,
	}
}
