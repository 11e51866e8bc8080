// Package tokenizer implements the Tokenizer capability:
// model-aware BPE token counting and truncation, cl100k_base-class.
package tokenizer

import (
	"fmt"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts and truncates text by BPE tokens for a given model.
type Tokenizer interface {
	CountTokens(text, model string) (int, error)
	TruncateToTokens(text string, n int, model string) (string, error)
}

// BPE is a cl100k_base-class tokenizer backed by tiktoken-go, with one
// encoding instance cached per model name.
type BPE struct {
	mu    sync.Mutex
	cache map[string]*tiktoken.Tiktoken
}

// New constructs a BPE tokenizer. Encodings are resolved and cached lazily.
func New() *BPE {
	return &BPE{cache: make(map[string]*tiktoken.Tiktoken)}
}

func (b *BPE) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if enc, ok := b.cache[model]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fall back to cl100k_base for unrecognized/non-OpenAI model names
		// (e.g. Anthropic model identifiers) so every provider goes through
		// the same reference tokenizer.
		enc, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err != nil {
			return nil, fmt.Errorf("load fallback encoding: %w", err)
		}
	}
	b.cache[model] = enc
	return enc, nil
}

// CountTokens returns the number of BPE tokens text encodes to under model's
// encoding (or the cl100k_base fallback).
func (b *BPE) CountTokens(text, model string) (int, error) {
	enc, err := b.encodingFor(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// TruncateToTokens returns the prefix of text whose encoding is at most n
// tokens long. n<=0 yields "".
func (b *BPE) TruncateToTokens(text string, n int, model string) (string, error) {
	if n <= 0 {
		return "", nil
	}
	enc, err := b.encodingFor(model)
	if err != nil {
		return "", err
	}
	toks := enc.Encode(text, nil, nil)
	if len(toks) <= n {
		return text, nil
	}
	return enc.Decode(toks[:n]), nil
}
