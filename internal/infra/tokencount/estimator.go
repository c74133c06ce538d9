package tokencount

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens for usage accounting when the model response
// did not carry an exact count. Counts come from a BPE encoding and are
// an estimate, not billing truth; the ledger treats them the same either
// way.
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewEstimator() *Estimator { return &Estimator{} }

// Count returns the token count of text. If the encoding cannot be
// initialized (the BPE data is fetched lazily), it falls back to a
// characters-over-four heuristic rather than failing accounting.
func (e *Estimator) Count(text string) int64 {
	if text == "" {
		return 0
	}
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			e.enc = enc
		}
	})
	if e.enc == nil {
		return int64(utf8.RuneCountInString(text)+3) / 4
	}
	return int64(len(e.enc.Encode(text, nil, nil)))
}
