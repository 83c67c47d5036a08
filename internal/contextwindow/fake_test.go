package contextwindow

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/basket/ctxwin/internal/models"
	"github.com/basket/ctxwin/internal/oracle"
)

// fakeOracle counts tokens from a fixed table (or word count) and answers
// completions with a canned summary. It records every call.
type fakeOracle struct {
	mu          sync.Mutex
	counts      map[string]int
	estimateErr error
	panicOn     string
	summary     string
	completeErr error

	estimateCalls int
	perContent    map[string]int
	requests      []oracle.CompletionRequest
}

func newFakeOracle(counts map[string]int) *fakeOracle {
	return &fakeOracle{counts: counts, summary: "the gist", perContent: map[string]int{}}
}

func (f *fakeOracle) EstimateTokens(_ context.Context, content string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.estimateCalls++
	f.perContent[content]++
	if f.panicOn != "" && content == f.panicOn {
		panic("estimator exploded")
	}
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	if n, ok := f.counts[content]; ok {
		return n, nil
	}
	return len(strings.Fields(content)), nil
}

func (f *fakeOracle) Complete(_ context.Context, req oracle.CompletionRequest) (oracle.CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.completeErr != nil {
		return oracle.CompletionResponse{}, f.completeErr
	}
	return oracle.CompletionResponse{Content: f.summary}, nil
}

func (f *fakeOracle) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.estimateCalls
}

func (f *fakeOracle) completions() []oracle.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]oracle.CompletionRequest(nil), f.requests...)
}

// factoryFor serves f for every model id in ids.
func factoryFor(f *fakeOracle, ids ...string) oracle.Factory {
	known := map[string]bool{}
	for _, id := range ids {
		known[id] = true
	}
	return oracle.FactoryFunc(func(id string) (oracle.Client, error) {
		if !known[id] {
			return nil, oracle.ErrNoClient
		}
		return f, nil
	})
}

func registryWith(id string, window int) *models.Registry {
	return models.NewEmptyRegistry(models.Profile{ID: id, Provider: "test", ContextWindowTokens: window})
}

var errOracleDown = errors.New("oracle down")

type eventLog struct {
	mu     sync.Mutex
	events []ErrorEvent
}

func (l *eventLog) record(ev ErrorEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) categories() []ErrorCategory {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ErrorCategory, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Category
	}
	return out
}

func sys(content string) Message  { return Message{Role: RoleSystem, Content: content} }
func user(content string) Message { return Message{Role: RoleUser, Content: content} }
func asst(content string) Message { return Message{Role: RoleAssistant, Content: content} }

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
