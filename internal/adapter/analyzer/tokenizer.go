package analyzer

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// tokensPerWord approximates subword tokenization of space-delimited words.
// Han, kana and hangul characters are indexed and counted one per token.
const tokensPerWord = 1.3

// Tokenizer splits text into index terms and estimates LLM token counts.
type Tokenizer struct {
	stopwords map[string]struct{}
}

func NewTokenizer() *Tokenizer {
	stops := strings.Fields(englishStopwords)
	m := make(map[string]struct{}, len(stops))
	for _, s := range stops {
		m[s] = struct{}{}
	}
	return &Tokenizer{stopwords: m}
}

// Tokenize returns lowercase index terms. Stopwords and single-letter words
// are dropped; each ideograph is a term of its own.
func (t *Tokenizer) Tokenize(text string) []string {
	segs := segment(text)
	terms := make([]string, 0, len(segs))
	for _, s := range segs {
		term := text[s.start:s.end]
		if !s.ideograph {
			term = strings.ToLower(term)
			if utf8.RuneCountInString(term) < 2 {
				continue
			}
			if _, stop := t.stopwords[term]; stop {
				continue
			}
		}
		terms = append(terms, term)
	}
	return terms
}

// CountTokens returns an approximate token count for budget estimation.
func (t *Tokenizer) CountTokens(text string) int {
	var c counter
	for _, s := range segment(text) {
		c.add(s)
	}
	return c.tokens()
}

// Truncate keeps the longest segment-aligned prefix whose estimate fits
// maxTokens.
func (t *Tokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	var (
		c   counter
		end int
	)
	for _, s := range segment(text) {
		c.add(s)
		if c.tokens() > maxTokens {
			return text[:end]
		}
		end = s.end
	}
	return text
}

type counter struct {
	words, ideographs int
}

func (c *counter) add(s seg) {
	if s.ideograph {
		c.ideographs++
	} else {
		c.words++
	}
}

func (c counter) tokens() int {
	return int(float64(c.words)*tokensPerWord) + c.ideographs
}

// seg is a byte range of text holding one word or one ideograph.
type seg struct {
	start, end int
	ideograph  bool
}

func isIdeograph(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func segment(text string) []seg {
	var segs []seg
	start := -1
	flush := func(end int) {
		if start >= 0 {
			segs = append(segs, seg{start: start, end: end})
			start = -1
		}
	}
	for i, r := range text {
		switch {
		case isIdeograph(r):
			flush(i)
			segs = append(segs, seg{start: i, end: i + utf8.RuneLen(r), ideograph: true})
		case isWordRune(r):
			if start < 0 {
				start = i
			}
		default:
			flush(i)
		}
	}
	flush(len(text))
	return segs
}

const englishStopwords = `
a an and are as at be been being but by can could did do does each every
few for from had has have he her his how if in is it its just may might more
most must no not of on or other our shall she should so some such than that
the their they this to too very was we were what when where which who whom
why will with would you your also all both`
