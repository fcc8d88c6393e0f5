// Package tokenizer turns raw text into fixed-length token id and attention
// mask arrays for BERT-style encoder models.
package tokenizer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Special tokens used by BERT-style vocabularies
const (
	PadToken = "[PAD]"
	UnkToken = "[UNK]"
	ClsToken = "[CLS]"
	SepToken = "[SEP]"
)

const (
	continuationPrefix = "##"
	maxCharsPerWord    = 100
)

// ErrInvalidText is returned when a text cannot be encoded at all
var ErrInvalidText = errors.New("invalid text")

// Encoding is the tokenized form of one input text
type Encoding struct {
	IDs           []int64
	AttentionMask []int64
	TypeIDs       []int64
	// Truncated reports whether tokens were dropped to fit MaxLength
	Truncated bool
}

// Len returns the padded sequence length
func (e Encoding) Len() int {
	return len(e.IDs)
}

// Tokenizer encodes batches of texts into equal-length encodings
type Tokenizer interface {
	EncodeBatch(texts []string, addSpecialTokens bool) ([]Encoding, error)
	TokenToID(token string) (int64, bool)
	MaxLength() int
}

// Config contains tokenizer settings
type Config struct {
	MaxLength int
	LowerCase bool
}

// WordPiece is a greedy longest-match-first subword tokenizer
type WordPiece struct {
	vocab     map[string]int64
	maxLength int
	lowerCase bool
	padID     int64
	unkID     int64
	clsID     int64
	sepID     int64
}

// New creates a WordPiece tokenizer from an in-memory vocabulary
func New(vocab map[string]int64, config Config) (*WordPiece, error) {
	if len(vocab) == 0 {
		return nil, errors.New("empty vocabulary")
	}
	if config.MaxLength < 2 {
		return nil, fmt.Errorf("max length %d leaves no room for special tokens", config.MaxLength)
	}

	w := &WordPiece{
		vocab:     vocab,
		maxLength: config.MaxLength,
		lowerCase: config.LowerCase,
	}

	// The pad id falls back to 0 when the vocabulary does not declare one
	w.padID, _ = w.TokenToID(PadToken)

	var ok bool
	if w.unkID, ok = w.TokenToID(UnkToken); !ok {
		return nil, fmt.Errorf("vocabulary has no %s token", UnkToken)
	}
	if w.clsID, ok = w.TokenToID(ClsToken); !ok {
		return nil, fmt.Errorf("vocabulary has no %s token", ClsToken)
	}
	if w.sepID, ok = w.TokenToID(SepToken); !ok {
		return nil, fmt.Errorf("vocabulary has no %s token", SepToken)
	}

	return w, nil
}

// Load reads a vocabulary from a HuggingFace tokenizer.json or a plain vocab.txt
func Load(path string, config Config) (*WordPiece, error) {
	var (
		vocab map[string]int64
		err   error
	)

	if strings.EqualFold(filepath.Ext(path), ".json") {
		var lowerCase *bool
		vocab, lowerCase, err = readTokenizerJSON(path)
		if lowerCase != nil {
			config.LowerCase = *lowerCase
		}
	} else {
		vocab, err = readVocabFile(path)
	}
	if err != nil {
		return nil, err
	}

	return New(vocab, config)
}

func readVocabFile(path string) (map[string]int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary: %w", err)
	}
	defer file.Close()

	vocab := make(map[string]int64)
	scanner := bufio.NewScanner(file)
	var id int64
	for scanner.Scan() {
		token := strings.TrimRight(scanner.Text(), "\r")
		if token != "" {
			vocab[token] = id
		}
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocabulary: %w", err)
	}

	return vocab, nil
}

type tokenizerFile struct {
	Model struct {
		Type  string           `json:"type"`
		Vocab map[string]int64 `json:"vocab"`
	} `json:"model"`
	Normalizer *struct {
		Lowercase *bool `json:"lowercase"`
	} `json:"normalizer"`
	AddedTokens []struct {
		ID      int64  `json:"id"`
		Content string `json:"content"`
	} `json:"added_tokens"`
}

func readTokenizerJSON(path string) (map[string]int64, *bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read tokenizer: %w", err)
	}

	var tf tokenizerFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, nil, fmt.Errorf("failed to parse tokenizer: %w", err)
	}
	if tf.Model.Type != "" && tf.Model.Type != "WordPiece" {
		return nil, nil, fmt.Errorf("unsupported tokenizer model type: %s", tf.Model.Type)
	}

	vocab := tf.Model.Vocab
	if vocab == nil {
		vocab = make(map[string]int64)
	}
	for _, added := range tf.AddedTokens {
		vocab[added.Content] = added.ID
	}

	var lowerCase *bool
	if tf.Normalizer != nil {
		lowerCase = tf.Normalizer.Lowercase
	}

	return vocab, lowerCase, nil
}

// TokenToID resolves a single vocabulary entry
func (w *WordPiece) TokenToID(token string) (int64, bool) {
	id, ok := w.vocab[token]
	return id, ok
}

// MaxLength returns the fixed sequence length every encoding is padded to
func (w *WordPiece) MaxLength() int {
	return w.maxLength
}

// VocabSize returns the number of vocabulary entries
func (w *WordPiece) VocabSize() int {
	return len(w.vocab)
}

// EncodeBatch encodes every text to exactly MaxLength positions.
// Texts longer than the budget are truncated from the end.
func (w *WordPiece) EncodeBatch(texts []string, addSpecialTokens bool) ([]Encoding, error) {
	encodings := make([]Encoding, len(texts))
	for i, text := range texts {
		enc, err := w.Encode(text, addSpecialTokens)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		encodings[i] = enc
	}
	return encodings, nil
}

// Encode encodes a single text to exactly MaxLength positions
func (w *WordPiece) Encode(text string, addSpecialTokens bool) (Encoding, error) {
	if !utf8.ValidString(text) {
		return Encoding{}, fmt.Errorf("%w: not valid UTF-8", ErrInvalidText)
	}

	var tokens []int64
	for _, word := range splitWords(text, w.lowerCase) {
		tokens = append(tokens, w.wordPieces(word)...)
	}

	budget := w.maxLength
	if addSpecialTokens {
		budget -= 2
	}

	enc := Encoding{
		IDs:           make([]int64, w.maxLength),
		AttentionMask: make([]int64, w.maxLength),
		TypeIDs:       make([]int64, w.maxLength),
	}
	if len(tokens) > budget {
		tokens = tokens[:budget]
		enc.Truncated = true
	}

	pos := 0
	put := func(id int64) {
		enc.IDs[pos] = id
		enc.AttentionMask[pos] = 1
		pos++
	}

	if addSpecialTokens {
		put(w.clsID)
	}
	for _, id := range tokens {
		put(id)
	}
	if addSpecialTokens {
		put(w.sepID)
	}
	for ; pos < w.maxLength; pos++ {
		enc.IDs[pos] = w.padID
	}

	return enc, nil
}

// wordPieces splits one pre-tokenized word into vocabulary subwords
func (w *WordPiece) wordPieces(word string) []int64 {
	if utf8.RuneCountInString(word) > maxCharsPerWord {
		return []int64{w.unkID}
	}

	var ids []int64
	runes := []rune(word)
	start := 0
	for start < len(runes) {
		end := len(runes)
		found := int64(-1)
		for end > start {
			piece := string(runes[start:end])
			if start > 0 {
				piece = continuationPrefix + piece
			}
			if id, ok := w.vocab[piece]; ok {
				found = id
				break
			}
			end--
		}
		if found < 0 {
			return []int64{w.unkID}
		}
		ids = append(ids, found)
		start = end
	}
	return ids
}
