package embedding

import "github.com/hyperjump/kizami/internal/tokenizer"

// Tokenizer produces token IDs for BERT-style models (input_ids, attention_mask, token_type_ids).
type Tokenizer interface {
	Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64)
}

// SimpleTokenizer hashes the tokens of a text tokenizer into model vocabulary IDs, so the
// model sees the same token boundaries the splitter budgets with.
type SimpleTokenizer struct {
	Text tokenizer.Tokenizer
}

const (
	clsTokenID = 101
	sepTokenID = 102
	vocabSize  = 30000
)

// Tokenize produces padded token IDs up to maxTokens, wrapped in [CLS] and [SEP].
func (t *SimpleTokenizer) Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64) {
	tok := t.Text
	if tok == nil {
		tok = tokenizer.WordTokenizer{}
	}
	if maxTokens <= 0 {
		maxTokens = 256
	}
	inputIDs = make([]int64, maxTokens)
	attentionMask = make([]int64, maxTokens)
	tokenTypeIDs = make([]int64, maxTokens)

	inputIDs[0] = clsTokenID
	attentionMask[0] = 1

	pos := 1
	for _, token := range tok.Encode(text) {
		if pos >= maxTokens-1 {
			break
		}
		inputIDs[pos] = int64(tokenizer.HashString(token)%(vocabSize-1000)) + 1000
		attentionMask[pos] = 1
		pos++
	}
	if pos < maxTokens {
		inputIDs[pos] = sepTokenID
		attentionMask[pos] = 1
	}
	return inputIDs, attentionMask, tokenTypeIDs
}
