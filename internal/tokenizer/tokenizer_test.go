package tokenizer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testVocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
	"hello", "world", "un", "##aff", "##able", "cafe", ",", "!", "the", "a", "b",
}

func newTestTokenizer(t *testing.T, maxLength int) *WordPiece {
	t.Helper()
	vocab := make(map[string]int64, len(testVocab))
	for i, tok := range testVocab {
		vocab[tok] = int64(i)
	}
	w, err := New(vocab, Config{MaxLength: maxLength, LowerCase: true})
	require.NoError(t, err)
	return w
}

func TestEncodeWordPiece(t *testing.T) {
	w := newTestTokenizer(t, 10)

	enc, err := w.Encode("Hello, unaffable World!", true)
	require.NoError(t, err)

	// [CLS] hello , un ##aff ##able world ! [SEP] [PAD]
	assert.Equal(t, []int64{2, 5, 11, 7, 8, 9, 6, 12, 3, 0}, enc.IDs)
	assert.Equal(t, []int64{1, 1, 1, 1, 1, 1, 1, 1, 1, 0}, enc.AttentionMask)
	assert.False(t, enc.Truncated)
}

func TestEncodeUnknownAndAccents(t *testing.T) {
	w := newTestTokenizer(t, 6)

	enc, err := w.Encode("Café zebra", true)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 10, 1, 3, 0, 0}, enc.IDs)
}

func TestEncodeTruncates(t *testing.T) {
	w := newTestTokenizer(t, 5)

	enc, err := w.Encode(strings.Repeat("the ", 20), true)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 13, 13, 13, 3}, enc.IDs)
	assert.Equal(t, []int64{1, 1, 1, 1, 1}, enc.AttentionMask)
	assert.True(t, enc.Truncated)
}

func TestEncodeWithoutSpecialTokens(t *testing.T) {
	w := newTestTokenizer(t, 4)

	enc, err := w.Encode("a b", false)
	require.NoError(t, err)
	assert.Equal(t, []int64{14, 15, 0, 0}, enc.IDs)
	assert.Equal(t, []int64{1, 1, 0, 0}, enc.AttentionMask)
}

func TestEncodeBatchUniformLength(t *testing.T) {
	w := newTestTokenizer(t, 8)

	encs, err := w.EncodeBatch([]string{"a", "hello world the a b", ""}, true)
	require.NoError(t, err)
	require.Len(t, encs, 3)
	for _, enc := range encs {
		assert.Equal(t, 8, enc.Len())
		assert.Len(t, enc.AttentionMask, 8)
	}
	// An empty text still carries [CLS] and [SEP]
	assert.Equal(t, []int64{1, 1, 0, 0, 0, 0, 0, 0}, encs[2].AttentionMask)
}

func TestEncodeBatchRejectsInvalidUTF8(t *testing.T) {
	w := newTestTokenizer(t, 8)

	_, err := w.EncodeBatch([]string{"a", string([]byte{0xff, 0xfe})}, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidText)
}

func TestNewRequiresSpecialTokens(t *testing.T) {
	_, err := New(map[string]int64{"[PAD]": 0, "hello": 1}, Config{MaxLength: 8})
	assert.Error(t, err)

	_, err = New(map[string]int64{"[UNK]": 0, "[CLS]": 1, "[SEP]": 2}, Config{MaxLength: 1})
	assert.Error(t, err)
}

func TestPadDefaultsToZero(t *testing.T) {
	w, err := New(map[string]int64{"[UNK]": 7, "[CLS]": 8, "[SEP]": 9}, Config{MaxLength: 4})
	require.NoError(t, err)

	enc, err := w.Encode("", true)
	require.NoError(t, err)
	assert.Equal(t, []int64{8, 9, 0, 0}, enc.IDs)

	_, ok := w.TokenToID(PadToken)
	assert.False(t, ok)
}

func TestLoadVocabFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(testVocab, "\n")+"\n"), 0o600))

	w, err := Load(path, Config{MaxLength: 8, LowerCase: true})
	require.NoError(t, err)
	assert.Equal(t, len(testVocab), w.VocabSize())

	id, ok := w.TokenToID("world")
	assert.True(t, ok)
	assert.Equal(t, int64(6), id)
}

func TestLoadTokenizerJSON(t *testing.T) {
	body := `{
  "added_tokens": [{"id": 0, "content": "[PAD]"}, {"id": 100, "content": "[UNK]"}],
  "normalizer": {"type": "BertNormalizer", "lowercase": false},
  "model": {"type": "WordPiece", "vocab": {"[UNK]": 100, "[CLS]": 101, "[SEP]": 102, "Hello": 7}}
}`
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	w, err := Load(path, Config{MaxLength: 4, LowerCase: true})
	require.NoError(t, err)

	enc, err := w.Encode("Hello", true)
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 7, 102, 0}, enc.IDs)
}

func TestSplitWords(t *testing.T) {
	assert.Equal(t, []string{"hello", ",", "world", "!"}, splitWords("Hello,\tWORLD!", true))
	assert.Equal(t, []string{"Hello", "中", "文"}, splitWords("Hello中文", false))
	assert.Equal(t, []string{"resume"}, splitWords("Résumé", true))
}
