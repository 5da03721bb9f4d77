package budget

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// Encoding is the BPE encoding used for token counts.
const Encoding = "cl100k_base"

// TiktokenEstimator counts tokens exactly with the cl100k_base encoding.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

var loaderOnce sync.Once

// NewTiktokenEstimator loads the encoding from the ranks embedded in the
// binary. No network access is needed.
func NewTiktokenEstimator() (*TiktokenEstimator, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(Encoding)
	if err != nil {
		return nil, fmt.Errorf("loading %s encoding: %w", Encoding, err)
	}
	return &TiktokenEstimator{enc: enc}, nil
}

// Tokens implements Estimator. The result is at least one.
func (t *TiktokenEstimator) Tokens(text string) int {
	return max(1, len(t.enc.Encode(text, nil, nil)))
}

var defaultEstimator = sync.OnceValue(func() Estimator {
	est, err := NewTiktokenEstimator()
	if err != nil {
		slog.Warn("exact tokenizer unavailable; estimating by characters", "error", err)
		return CharEstimator{}
	}
	return est
})

// Default returns the exact tokenizer when it loads, and CharEstimator
// otherwise. The encoding is loaded once per process.
func Default() Estimator {
	return defaultEstimator()
}
