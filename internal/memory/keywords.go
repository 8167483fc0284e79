package memory

import (
	"strings"
	"sync"
	"unicode"

	"github.com/go-ego/gse"
)

// Keyword extraction feeds long-tier recall and stored-record tags.
// Text is segmented with gse so CJK runs split into words; when the
// dictionary fails to load we fall back to Unicode word boundaries,
// which keeps Latin text working.

var (
	segOnce   sync.Once
	seg       gse.Segmenter
	segFailed bool
)

func segmenter() (*gse.Segmenter, bool) {
	segOnce.Do(func() {
		if err := seg.LoadDict(); err != nil {
			segFailed = true
		}
	})
	if segFailed {
		return nil, false
	}
	return &seg, true
}

// stopwords covers English plus common Chinese function words.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "have": {}, "how": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {}, "or": {},
	"that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "what": {},
	"when": {}, "where": {}, "which": {}, "who": {}, "why": {}, "will": {},
	"with": {}, "not": {}, "no": {}, "do": {}, "does": {}, "did": {},
	"can": {}, "could": {}, "should": {}, "would": {}, "i": {}, "you": {},
	"we": {}, "they": {}, "he": {}, "she": {}, "my": {}, "your": {},
	"的": {}, "了": {}, "和": {}, "是": {}, "在": {}, "我": {}, "有": {},
	"他": {}, "这": {}, "中": {}, "大": {}, "来": {}, "上": {}, "国": {},
	"个": {}, "到": {}, "说": {}, "们": {}, "为": {}, "子": {}, "与": {},
	"就": {}, "那": {}, "要": {}, "下": {}, "以": {}, "着": {}, "地": {},
	"得": {}, "也": {}, "你": {}, "对": {}, "吗": {}, "呢": {}, "吧": {},
}

// MaxQueryKeywords and MaxStoreKeywords cap extraction for the two
// call sites.
const (
	MaxQueryKeywords = 10
	MaxStoreKeywords = 5
)

// ExtractKeywords lowercases, segments, strips punctuation and
// stopwords, and dedupes preserving first-seen order, capped at max.
func ExtractKeywords(text string, max int) []string {
	if max <= 0 {
		max = MaxQueryKeywords
	}
	text = strings.ToLower(text)

	var tokens []string
	if s, ok := segmenter(); ok {
		tokens = s.Cut(text, true)
	} else {
		tokens = fallbackTokens(text)
	}

	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, max)
	for _, tok := range tokens {
		tok = strings.TrimFunc(tok, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r)
		})
		if tok == "" || isPunctOnly(tok) {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
		if len(out) == max {
			break
		}
	}
	return out
}

func isPunctOnly(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func fallbackTokens(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
