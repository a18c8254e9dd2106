// Package jsonrepair implements an ordered set of JSON-repair
// strategies: a chat model's almost-valid JSON is run through a fixed
// sequence of textual fixes until one parses, rather than re-prompting
// immediately.
package jsonrepair

import (
	"encoding/json"
	"regexp"
	"strings"
)

var codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
var trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)

// Repair attempts to parse raw as a JSON object, applying progressively
// more aggressive textual repairs until one succeeds. It returns the
// repaired-and-parsed object and true, or false if nothing parsed.
func Repair(raw string) (map[string]any, bool) {
	candidates := []string{
		raw,
		stripCodeFences(raw),
	}

	// Each subsequent strategy builds on the code-fence-stripped text.
	stripped := stripCodeFences(raw)
	candidates = append(candidates,
		fixUnterminatedStrings(stripped),
		balanceBrackets(stripped),
		balanceBrackets(fixUnterminatedStrings(stripped)),
		removeTrailingCommas(balanceBrackets(stripped)),
		balanceBrackets(fixQuotes(stripped)),
		removeTrailingCommas(balanceBrackets(fixQuotes(fixUnterminatedStrings(stripped)))),
	)

	for _, c := range candidates {
		if out, ok := tryParse(c); ok {
			return out, true
		}
	}
	return nil, false
}

func tryParse(s string) (map[string]any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, false
	}
	return out, true
}

func stripCodeFences(s string) string {
	if m := codeFenceRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

// fixUnterminatedStrings appends a closing quote to a line that has an
// odd number of unescaped double quotes, mirroring a model that got cut
// off mid-string.
func fixUnterminatedStrings(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		count := 0
		escaped := false
		for _, r := range line {
			if escaped {
				escaped = false
				continue
			}
			if r == '\\' {
				escaped = true
				continue
			}
			if r == '"' {
				count++
			}
		}
		if count%2 == 1 {
			lines[i] = line + `"`
		}
	}
	return strings.Join(lines, "\n")
}

// balanceBrackets appends closing braces/brackets for any that were left
// open, respecting string literals so punctuation inside values isn't
// miscounted.
func balanceBrackets(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for _, r := range s {
		if inString {
			if escaped {
				escaped = false
			} else if r == '\\' {
				escaped = true
			} else if r == '"' {
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == byte(r) {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) == 0 {
		return s
	}
	var b strings.Builder
	b.WriteString(s)
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

func removeTrailingCommas(s string) string {
	return trailingCommaRe.ReplaceAllString(s, "$1")
}

// fixQuotes converts a conservative set of single-quoted keys/values to
// double quotes. It is deliberately narrow (unlike a full tokenizer) to
// avoid mangling apostrophes inside otherwise-valid double-quoted
// strings.
func fixQuotes(s string) string {
	re := regexp.MustCompile(`'([^'"]*)'(\s*:)`)
	s = re.ReplaceAllString(s, `"$1"$2`)
	re2 := regexp.MustCompile(`:(\s*)'([^']*)'`)
	s = re2.ReplaceAllString(s, `:$1"$2"`)
	return s
}
