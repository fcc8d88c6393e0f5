package server

import "github.com/raaihank/batch-embedder/internal/tokenizer"

func tokenizerFromVocab(vocab map[string]int64) (*tokenizer.WordPiece, error) {
	return tokenizer.New(vocab, tokenizer.Config{MaxLength: 8, LowerCase: true})
}
