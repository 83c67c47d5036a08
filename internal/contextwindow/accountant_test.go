package contextwindow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestTokensFor_MemoCacheOracle(t *testing.T) {
	f := newFakeOracle(map[string]int{"hello": 3})
	acct := NewAccountant(factoryFor(f, "m1"), nil, 1, nil)
	ctx := context.Background()

	memo := Message{Role: RoleUser, Content: "hello", TokenCount: 42}
	if n, _ := acct.TokensFor(ctx, &memo, "m1"); n != 42 {
		t.Fatalf("memo TokensFor = %d, want 42", n)
	}
	if f.calls() != 0 {
		t.Fatalf("oracle called for memoized message")
	}

	m := user("hello")
	if n, err := acct.TokensFor(ctx, &m, "m1"); err != nil || n != 3 {
		t.Fatalf("TokensFor = %d, %v; want 3", n, err)
	}
	if m.TokenCount != 3 {
		t.Errorf("TokenCount = %d, want 3", m.TokenCount)
	}

	again := user("hello")
	if n, _ := acct.TokensFor(ctx, &again, "m1"); n != 3 || f.calls() != 1 {
		t.Fatalf("cached TokensFor = %d after %d calls, want 3 after 1", n, f.calls())
	}
}

func TestTokensFor_KeyIncludesRoleAndModel(t *testing.T) {
	f := newFakeOracle(nil)
	acct := NewAccountant(factoryFor(f, "m1", "m2"), nil, 1, nil)
	ctx := context.Background()

	for _, tc := range []struct {
		msg   Message
		model string
	}{
		{user("same text"), "m1"},
		{asst("same text"), "m1"},
		{user("same text"), "m2"},
	} {
		msg := tc.msg
		if _, err := acct.TokensFor(ctx, &msg, tc.model); err != nil {
			t.Fatalf("TokensFor: %v", err)
		}
	}
	if f.calls() != 3 {
		t.Fatalf("oracle calls = %d, want 3 distinct keys", f.calls())
	}
}

func TestTokensFor_ModelIDNormalizedInKey(t *testing.T) {
	f := newFakeOracle(map[string]int{"hello": 3})
	acct := NewAccountant(factoryFor(f, "m1", "M1", " m1 "), nil, 1, nil)
	ctx := context.Background()

	for _, id := range []string{"m1", "M1", " m1 "} {
		msg := user("hello")
		if n, err := acct.TokensFor(ctx, &msg, id); err != nil || n != 3 {
			t.Fatalf("TokensFor(%q) = %d, %v; want 3", id, n, err)
		}
	}
	if f.calls() != 1 {
		t.Fatalf("oracle calls = %d, want 1 for equivalent model ids", f.calls())
	}
}

func TestTokensFor_PanicBecomesError(t *testing.T) {
	f := newFakeOracle(nil)
	f.panicOn = "boom"
	acct := NewAccountant(factoryFor(f, "m1"), nil, 1, nil)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := user("boom")
			_, errs[i] = acct.TokensFor(context.Background(), &msg, "m1")
		}()
	}
	wg.Wait()
	for i, err := range errs {
		var tce *TokenCalculationError
		if !errors.As(err, &tce) {
			t.Fatalf("caller %d: err = %v, want *TokenCalculationError", i, err)
		}
	}
	if _, ok := acct.Cache().Get(CacheKey{ModelID: "m1", Role: RoleUser, Content: "boom"}); ok {
		t.Fatal("panicked count was cached")
	}
}

func TestTokensFor_ZeroCountCached(t *testing.T) {
	f := newFakeOracle(map[string]int{"": 0})
	acct := NewAccountant(factoryFor(f, "m1"), nil, 1, nil)
	for i := 0; i < 3; i++ {
		m := user("")
		if n, err := acct.TokensFor(context.Background(), &m, "m1"); err != nil || n != 0 {
			t.Fatalf("TokensFor = %d, %v", n, err)
		}
	}
	if f.calls() != 1 {
		t.Fatalf("oracle calls = %d, want 1", f.calls())
	}
}

func TestTokensFor_ErrorNotCached(t *testing.T) {
	f := newFakeOracle(nil)
	f.estimateErr = errOracleDown
	acct := NewAccountant(factoryFor(f, "m1"), nil, 1, nil)

	m := user("x")
	_, err := acct.TokensFor(context.Background(), &m, "m1")
	var tce *TokenCalculationError
	if !errors.As(err, &tce) || !errors.Is(err, errOracleDown) {
		t.Fatalf("err = %v, want TokenCalculationError wrapping oracle error", err)
	}
	if acct.Cache().Len() != 0 {
		t.Fatal("failed count was cached")
	}
	if m.TokenCount != 0 {
		t.Fatalf("TokenCount = %d after failure", m.TokenCount)
	}
}

func TestTokensFor_NegativeRejected(t *testing.T) {
	f := newFakeOracle(map[string]int{"neg": -4})
	acct := NewAccountant(factoryFor(f, "m1"), nil, 1, nil)
	m := user("neg")
	if _, err := acct.TokensFor(context.Background(), &m, "m1"); err == nil {
		t.Fatal("negative count accepted")
	}
}

func TestTotal_Concurrent(t *testing.T) {
	f := newFakeOracle(nil)
	acct := NewAccountant(factoryFor(f, "m1"), nil, 8, nil)

	var msgs []Message
	for i := 0; i < 40; i++ {
		// 10 unique contents, each repeated 4 times.
		msgs = append(msgs, user(fmt.Sprintf("word %d", i%10)))
	}
	total, err := acct.Total(context.Background(), msgs, "m1")
	if err != nil {
		t.Fatalf("Total: %v", err)
	}
	if total != 80 {
		t.Fatalf("Total = %d, want 80", total)
	}
	if f.calls() != 10 {
		t.Fatalf("oracle calls = %d, want 10", f.calls())
	}
	for i, m := range msgs {
		if m.TokenCount != 2 {
			t.Fatalf("msgs[%d].TokenCount = %d, want 2", i, m.TokenCount)
		}
	}
}

func TestTotal_AllOrNothing(t *testing.T) {
	f := newFakeOracle(nil)
	acct := NewAccountant(factoryFor(f, "m1"), nil, 4, nil)
	_, err := acct.Total(context.Background(), []Message{user("a"), user("b")}, "unknown")
	if err == nil {
		t.Fatal("Total succeeded without a client")
	}
}
