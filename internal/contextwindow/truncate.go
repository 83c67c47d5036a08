package contextwindow

import "context"

// Truncate keeps every system message plus the newest contiguous run of
// non-system messages that fits in available tokens. The walk stops at the
// first message that would overflow; older messages are never used to fill
// the gap. The newest non-system message is always kept, even when it alone
// exceeds the budget.
func Truncate(ctx context.Context, acct *Accountant, msgs []Message, modelID string, available int) ([]Message, error) {
	system, rest := splitSystem(msgs)
	if len(rest) == 0 {
		return system, nil
	}

	running, err := acct.Total(ctx, system, modelID)
	if err != nil {
		return nil, err
	}

	start := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		n, err := acct.TokensFor(ctx, &rest[i], modelID)
		if err != nil {
			return nil, err
		}
		if running+n > available && i < len(rest)-1 {
			break
		}
		running += n
		start = i
		if running > available {
			// Only the newest message, and it is already over budget.
			break
		}
	}

	out := make([]Message, 0, len(system)+len(rest)-start)
	out = append(out, system...)
	out = append(out, rest[start:]...)
	return out, nil
}
