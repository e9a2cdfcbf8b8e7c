package tokenizer

import (
	"fmt"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
)

// DefaultPattern is the GPT-2 byte-level pre-tokenizer: contractions, optionally space-prefixed
// runs of letters, digits or other symbols, and whitespace runs.
const DefaultPattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// GPT4Pattern is the cl100k style pattern.
// Note: regexp2 (Go/.NET syntax) does not support possessive quantifiers, so we
// use atomic groups to approximate the PCRE-style pattern used elsewhere.
//
// Alternatives, left to right, first match wins:
//
//   - '(?i:[sdmt]|ll|ve|re): contractions, case-insensitive.
//   - (?>[^\r\n\p{L}\p{N}]?)\p{L}+: a word with an optional leading non-letter/number (".word").
//   - \p{N}{1,3}: numbers in chunks of at most three digits.
//   - ?(?>[^\s\p{L}\p{N}]+)[\r\n]*: punctuation runs, optionally space-prefixed, with trailing newlines.
//   - \s*[\r\n]: whitespace ending in a newline.
//   - \s+(?!\S): trailing whitespace not followed by a non-space.
//   - \s+: any remaining whitespace.
const GPT4Pattern = `'(?i:[sdmt]|ll|ve|re)|(?>[^\r\n\p{L}\p{N}]?)\p{L}+|\p{N}{1,3}| ?(?>[^\s\p{L}\p{N}]+)[\r\n]*|\s*[\r\n]|\s+(?!\S)|\s+`

type pretokenizer struct {
	pattern string
	re      *regexp2.Regexp
}

func compilePattern(pattern string) (*pretokenizer, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}

	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidConfig, pattern, err)
	}

	return &pretokenizer{pattern: pattern, re: re}, nil
}

// split cuts b into the byte ranges matched by the pattern. When gaps is set, bytes the pattern
// does not match are returned as segments of their own so the result covers b exactly.
// Segments alias b.
func (p *pretokenizer) split(b []byte, gaps bool) ([][]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}

	// regexp2 matches on runes; offsets maps a rune index back to its byte offset so invalid
	// UTF-8 survives untouched instead of turning into U+FFFD.
	runes := make([]rune, 0, len(b))
	offsets := make([]int, 0, len(b)+1)
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		runes = append(runes, r)
		offsets = append(offsets, i)
		i += size
	}
	offsets = append(offsets, len(b))

	var out [][]byte
	var last int
	m, err := p.re.FindRunesMatch(runes)
	for ; m != nil && err == nil; m, err = p.re.FindNextMatch(m) {
		if m.Length == 0 {
			continue
		}

		start, end := offsets[m.Index], offsets[m.Index+m.Length]
		if gaps && start > last {
			out = append(out, b[last:start])
		}
		out = append(out, b[start:end])
		last = end
	}
	if err != nil {
		return nil, fmt.Errorf("pre-tokenize: %w", err)
	}

	if gaps && last < len(b) {
		out = append(out, b[last:])
	}

	return out, nil
}
