package extraction

import (
	"encoding/json"
	"strings"
)

const fence = "```"

// locateJSON finds the structured payload embedded in model output. A fenced
// code block wins over bare JSON; otherwise the first balanced object or
// array that is valid JSON is used. The remaining text is returned as prose.
func locateJSON(raw string) (payload []byte, prose string, ok bool) {
	if block, start, end, found := fencedBlock(raw); found {
		if p, _, _, ok := firstBalanced(block); ok {
			return p, joinProse(raw[:start], raw[end:]), true
		}
	}
	p, start, end, ok := firstBalanced(raw)
	if !ok {
		return nil, strings.TrimSpace(raw), false
	}
	return p, joinProse(raw[:start], raw[end:]), true
}

// fencedBlock returns the body of the first ``` fenced block, skipping an
// optional language tag, and the byte range of the whole fence.
func fencedBlock(s string) (body string, start, end int, ok bool) {
	open := strings.Index(s, fence)
	if open < 0 {
		return "", 0, 0, false
	}
	rest := s[open+len(fence):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && isLangTag(rest[:nl]) {
		rest = rest[nl+1:]
	}
	closeIdx := strings.Index(rest, fence)
	if closeIdx < 0 {
		return "", 0, 0, false
	}
	bodyStart := len(s) - len(rest)
	return rest[:closeIdx], open, bodyStart + closeIdx + len(fence), true
}

func isLangTag(s string) bool {
	s = strings.TrimSpace(s)
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

// firstBalanced scans for '{' or '[' and returns the first balanced block
// that parses as JSON. Brackets inside string literals are ignored.
func firstBalanced(s string) ([]byte, int, int, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] != '{' && s[i] != '[' {
			continue
		}
		end, ok := matchClose(s, i)
		if !ok {
			continue
		}
		candidate := []byte(s[i:end])
		if json.Valid(candidate) {
			return candidate, i, end, true
		}
	}
	return nil, 0, 0, false
}

// matchClose returns the index just past the bracket closing s[start].
func matchClose(s string, start int) (int, bool) {
	var stack []byte
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return 0, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

func joinProse(before, after string) string {
	parts := make([]string, 0, 2)
	for _, p := range []string{before, after} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}
