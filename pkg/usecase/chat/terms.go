package chat

import (
	"strings"
	"unicode"
)

// maxTerms caps the exact lookups one message can trigger per kind
const maxTerms = 6

type script int

const (
	scriptNone script = iota
	scriptHan
	scriptHiragana
	scriptKatakana
	scriptOther
)

func scriptOf(r rune) script {
	switch {
	case unicode.Is(unicode.Han, r), r == '々':
		return scriptHan
	case unicode.Is(unicode.Hiragana, r):
		return scriptHiragana
	case unicode.Is(unicode.Katakana, r), r == 'ー':
		return scriptKatakana
	case unicode.IsLetter(r), unicode.IsDigit(r), r == '\'', r == '-':
		return scriptOther
	default:
		return scriptNone
	}
}

// question words and particles that never name an entry
var stopTerms = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "what": true, "whats": true, "what's": true,
	"how": true, "do": true, "does": true, "you": true, "i": true, "me": true, "to": true, "of": true,
	"for": true, "in": true, "say": true, "mean": true, "means": true, "meaning": true, "word": true,
	"kanji": true, "sentence": true, "japanese": true, "please": true, "tell": true, "about": true,
	"write": true, "read": true, "reading": true, "can": true, "and": true, "or": true, "it": true,
	"の": true, "は": true, "を": true, "が": true, "に": true, "で": true, "と": true, "も": true, "か": true,
	"って": true, "とは": true, "です": true, "ですか": true, "ます": true, "意味": true, "読み": true, "漢字": true,
}

// trailing particles stripped from a kana run, longest first
var kanaSuffixes = []string{"ですか", "とは", "って", "です", "の", "は", "を", "が", "に", "で", "と", "も", "か"}

// candidateTerms returns the strings a message is matched against without vectors: the whole message first,
// so a bare headword still hits exactly, then its words in order. Japanese text is split where the script
// changes, which separates a kanji compound from the kana around it.
func candidateTerms(message string) []string {
	message = strings.Join(strings.Fields(message), " ")
	if message == "" {
		return nil
	}

	terms := []string{message}
	seen := map[string]bool{strings.ToLower(message): true}
	add := func(term string) {
		term = strings.Trim(term, "'-")
		key := strings.ToLower(term)
		if term == "" || stopTerms[key] || seen[key] || len(terms) >= maxTerms {
			return
		}
		seen[key] = true
		terms = append(terms, term)
	}

	var (
		run     []rune
		current script
	)
	flush := func() {
		term := string(run)
		if current == scriptHiragana || current == scriptKatakana {
			for _, suffix := range kanaSuffixes {
				if t, ok := strings.CutSuffix(term, suffix); ok && t != "" {
					term = t
					break
				}
			}
		}
		// a single Latin letter or digit matches too much by substring
		if current != scriptOther || len([]rune(term)) > 1 {
			add(term)
		}
		run = run[:0]
	}

	for _, r := range message {
		s := scriptOf(r)
		if s != current && len(run) > 0 {
			flush()
		}
		current = s
		if s != scriptNone {
			run = append(run, r)
		}
	}
	if len(run) > 0 {
		flush()
	}
	return terms
}
