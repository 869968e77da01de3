package diffusion

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

const (
	clipBOS      = 49406
	clipEOS      = 49407
	clipMaxMerge = 49152 - 256 - 2
)

// ErrNoVocabulary is returned when text other than the empty string is
// encoded without a vocabulary loaded.
var ErrNoVocabulary = errors.New("tokenizer: no vocabulary loaded, only the empty prompt can be encoded")

var wordPattern = regexp.MustCompile(`(?i)<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|[\p{L}]+|[\p{N}]|[^\s\p{L}\p{N}]+`)

type mergePair struct {
	A, B string
}

// Tokenizer is the CLIP byte-level BPE tokenizer.
type Tokenizer struct {
	Vocab  map[string]int
	ranks  map[mergePair]int
	BOS    int
	EOS    int
	Pad    int // 0 for OpenCLIP, EOS for HF CLIP
	MaxLen int

	byteEncoder [256]rune
	cache       map[string][]int
}

func newTokenizer(pad, maxLen int) *Tokenizer {
	t := &Tokenizer{
		BOS:    clipBOS,
		EOS:    clipEOS,
		Pad:    pad,
		MaxLen: maxLen,
		cache:  make(map[string][]int),
	}
	t.byteEncoder = bytesToUnicode()
	return t
}

// EmptyPromptTokenizer encodes only "". It needs no vocabulary files since
// the empty prompt is BOS, EOS and padding.
func EmptyPromptTokenizer(pad, maxLen int) *Tokenizer {
	return newTokenizer(pad, maxLen)
}

// LoadTokenizer reads vocab.json + merges.txt (HF layout) or
// bpe_simple_vocab_16e6.txt.gz (OpenCLIP layout) from dir.
func LoadTokenizer(dir string, pad, maxLen int) (*Tokenizer, error) {
	t := newTokenizer(pad, maxLen)
	vocabPath := filepath.Join(dir, "vocab.json")
	if _, err := os.Stat(vocabPath); err == nil {
		if err := t.loadHF(vocabPath, filepath.Join(dir, "merges.txt")); err != nil {
			return nil, err
		}
		return t, nil
	}
	gz := filepath.Join(dir, "bpe_simple_vocab_16e6.txt.gz")
	if err := t.loadOpenCLIP(gz); err != nil {
		return nil, fmt.Errorf("tokenizer %s: %w", dir, err)
	}
	return t, nil
}

func (t *Tokenizer) loadHF(vocabPath, mergesPath string) error {
	data, err := os.ReadFile(vocabPath)
	if err != nil {
		return fmt.Errorf("read vocab: %w", err)
	}
	if err := json.Unmarshal(data, &t.Vocab); err != nil {
		return fmt.Errorf("parse vocab: %w", err)
	}
	data, err = os.ReadFile(mergesPath)
	if err != nil {
		return fmt.Errorf("read merges: %w", err)
	}
	t.setMerges(strings.Split(string(data), "\n"))

	var ok bool
	if t.BOS, ok = t.Vocab["<|startoftext|>"]; !ok {
		return fmt.Errorf("vocab: missing BOS token")
	}
	if t.EOS, ok = t.Vocab["<|endoftext|>"]; !ok {
		return fmt.Errorf("vocab: missing EOS token")
	}
	return nil
}

func (t *Tokenizer) loadOpenCLIP(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	var lines []string
	sc := bufio.NewScanner(zr)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if len(lines) > 1+clipMaxMerge {
		lines = lines[:1+clipMaxMerge]
	}
	merges := t.setMerges(lines)

	// vocab order: byte symbols, byte symbols + </w>, merges, specials.
	// Printable bytes map to themselves and the rest to 256+, so the symbol
	// order is ascending rune order.
	symbols := slices.Clone(t.byteEncoder[:])
	slices.Sort(symbols)
	var vocab []string
	for _, r := range symbols {
		vocab = append(vocab, string(r))
	}
	for _, r := range symbols {
		vocab = append(vocab, string(r)+"</w>")
	}
	for _, m := range merges {
		vocab = append(vocab, m.A+m.B)
	}
	vocab = append(vocab, "<start_of_text>", "<end_of_text>")
	t.Vocab = make(map[string]int, len(vocab))
	for i, v := range vocab {
		t.Vocab[v] = i
	}
	t.BOS, t.EOS = t.Vocab["<start_of_text>"], t.Vocab["<end_of_text>"]
	return nil
}

func (t *Tokenizer) setMerges(lines []string) []mergePair {
	t.ranks = make(map[mergePair]int)
	var merges []mergePair
	for _, line := range lines {
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		m := mergePair{A: parts[0], B: parts[1]}
		if _, dup := t.ranks[m]; !dup {
			t.ranks[m] = len(merges)
		}
		merges = append(merges, m)
	}
	return merges
}

// Encode tokenizes text to exactly MaxLen ids: BOS, tokens, EOS, padding.
// Long prompts are truncated with EOS kept last.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	text = cleanText(text)
	if text != "" && t.Vocab == nil {
		return nil, ErrNoVocabulary
	}

	tokens := []int{t.BOS}
	for _, word := range wordPattern.FindAllString(text, -1) {
		tokens = append(tokens, t.bpe(word)...)
	}
	tokens = append(tokens, t.EOS)

	if len(tokens) > t.MaxLen {
		tokens = tokens[:t.MaxLen]
		tokens[t.MaxLen-1] = t.EOS
	}
	for len(tokens) < t.MaxLen {
		tokens = append(tokens, t.Pad)
	}
	return tokens, nil
}

func cleanText(s string) string {
	s = html.UnescapeString(html.UnescapeString(s))
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func (t *Tokenizer) bpe(word string) []int {
	if ids, ok := t.cache[word]; ok {
		return ids
	}
	var sym []rune
	for _, b := range []byte(word) {
		sym = append(sym, t.byteEncoder[b])
	}
	parts := make([]string, len(sym))
	for i, r := range sym {
		parts[i] = string(r)
	}
	parts[len(parts)-1] += "</w>"

	for len(parts) > 1 {
		best, bestRank := mergePair{}, -1
		for i := 0; i+1 < len(parts); i++ {
			p := mergePair{parts[i], parts[i+1]}
			if r, ok := t.ranks[p]; ok && (bestRank < 0 || r < bestRank) {
				best, bestRank = p, r
			}
		}
		if bestRank < 0 {
			break
		}
		merged := make([]string, 0, len(parts))
		for i := 0; i < len(parts); i++ {
			if i+1 < len(parts) && parts[i] == best.A && parts[i+1] == best.B {
				merged = append(merged, best.A+best.B)
				i++
				continue
			}
			merged = append(merged, parts[i])
		}
		parts = merged
	}

	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		if id, ok := t.Vocab[p]; ok {
			ids = append(ids, id)
		}
	}
	t.cache[word] = ids
	return ids
}

// bytesToUnicode maps every byte to a printable rune so BPE never sees
// whitespace or control characters.
func bytesToUnicode() [256]rune {
	var table [256]rune
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	n := 0
	for b := 0; b < 256; b++ {
		if printable(b) {
			table[b] = rune(b)
		}
	}
	for b := 0; b < 256; b++ {
		if !printable(b) {
			table[b] = rune(256 + n)
			n++
		}
	}
	return table
}
