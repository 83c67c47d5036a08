package oracle

import (
	"context"

	"github.com/basket/ctxwin/internal/tokenutil"
)

// HeuristicEstimator counts tokens with the word/character heuristic from
// tokenutil. It needs no tokenizer data and never fails except on a
// cancelled context.
type HeuristicEstimator struct{}

// EstimateTokens implements Estimator.
func (HeuristicEstimator) EstimateTokens(ctx context.Context, content string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return tokenutil.EstimateTokens(content), nil
}
