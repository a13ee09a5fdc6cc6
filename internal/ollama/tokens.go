// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ollama

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates token counts with a BPE tokenizer. Local models use
// assorted tokenizers, so counts are an approximation good enough for budget
// checks. When the encoder is unavailable it falls back to a bytes/4 estimate.
type TokenCounter struct {
	once sync.Once
	enc  tokenizer.Codec
	err  error
}

// NewTokenCounter creates a lazy counter; the encoder loads on first use.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

// Count returns the estimated token count of text.
func (t *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}

	t.once.Do(func() {
		t.enc, t.err = tokenizer.Get(tokenizer.O200kBase)
	})

	if t.err == nil {
		if n, err := t.enc.Count(text); err == nil {
			return n
		}
	}

	// Rough heuristic: one token per four bytes.
	n := (len(text) + 3) / 4
	if n == 0 {
		n = 1
	}
	return n
}
