package corpus

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "in": {}, "is": {},
	"it": {}, "of": {}, "on": {}, "or": {}, "the": {}, "to": {},
	"with": {}, "this": {}, "what": {}, "when": {}, "where": {},
	"알려줘": {}, "알려주세요": {}, "뭐야": {}, "어때": {}, "있어": {},
	"좀": {}, "그리고": {}, "어디": {}, "무엇": {}, "해줘": {},
}

// particles are Korean postpositions stripped from the end of a word so
// "동삼동의" and "동삼동" index to the same term. Longer ones first.
var particles = []string{
	"에서는", "으로는", "에게서", "까지", "부터", "에서", "으로", "에게", "한테", "이랑",
	"은", "는", "이", "가", "을", "를", "의", "에", "로", "와", "과", "도", "만", "랑",
}

type TokenKind int

const (
	KindWord TokenKind = iota
	KindBigram
)

// Token represents a single normalised term and its position in the
// original text.
type Token struct {
	Term     string
	Kind     TokenKind
	Position int
}

// Tokenize lower-cases text, splits on non-letter/digit boundaries, and
// drops stop-words. Hangul words additionally lose a trailing particle and
// contribute their character bigrams, which keeps matching robust to
// inflection and compounding without a morphological analyser.
func Tokenize(text string) []Token {
	text = strings.ToLower(text)
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]Token, 0, len(words)*2)
	pos := 0
	for _, word := range words {
		if _, isStop := stopWords[word]; isStop {
			continue
		}
		if !isHangul(word) {
			if utf8.RuneCountInString(word) < 2 && !isDigits(word) {
				continue
			}
			tokens = append(tokens, Token{Term: word, Kind: KindWord, Position: pos})
			pos++
			continue
		}

		stem := stripParticle(word)
		if utf8.RuneCountInString(stem) >= 2 {
			tokens = append(tokens, Token{Term: stem, Kind: KindWord, Position: pos})
		}
		runes := []rune(stem)
		for i := 0; i+1 < len(runes); i++ {
			tokens = append(tokens, Token{Term: string(runes[i : i+2]), Kind: KindBigram, Position: pos})
		}
		pos++
	}
	return tokens
}

func stripParticle(word string) string {
	n := utf8.RuneCountInString(word)
	for _, p := range particles {
		if strings.HasSuffix(word, p) && n-utf8.RuneCountInString(p) >= 2 {
			return strings.TrimSuffix(word, p)
		}
	}
	return word
}

func isHangul(word string) bool {
	for _, r := range word {
		if unicode.Is(unicode.Hangul, r) {
			return true
		}
	}
	return false
}

func isDigits(word string) bool {
	for _, r := range word {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return word != ""
}
