package helpers

import (
	"errors"
	"strings"
)

// ErrNoJSON is returned when a model reply contains no balanced JSON value.
var ErrNoJSON = errors.New("no balanced JSON value found")

// StripFence unwraps s when it is a single ``` or ~~~ fenced block, with or
// without a language tag. Anything else is returned trimmed.
func StripFence(s string) string {
	s = strings.TrimSpace(strings.TrimPrefix(s, "\uFEFF"))
	for _, fence := range []string{"```", "~~~"} {
		if !strings.HasPrefix(s, fence) {
			continue
		}
		rest := s[len(fence):]
		nl := strings.IndexByte(rest, '\n')
		if nl == -1 {
			return s
		}
		rest = rest[nl+1:]
		if end := strings.LastIndex(rest, fence); end != -1 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	return s
}

// ExtractObject returns the first balanced JSON object in a model reply,
// after unwrapping a code fence.
func ExtractObject(s string) (string, error) {
	return extract(s, '{')
}

// ExtractJSON returns the first balanced JSON object or array in s.
func ExtractJSON(s string) (string, error) {
	return extract(s, '{', '[')
}

func extract(s string, openers ...byte) (string, error) {
	s = StripFence(s)
	for i := 0; i < len(s); i++ {
		if !isOpener(s[i], openers) {
			continue
		}
		if out, ok := balancedFrom(s, i); ok {
			return out, nil
		}
	}
	return "", ErrNoJSON
}

func isOpener(c byte, openers []byte) bool {
	for _, o := range openers {
		if c == o {
			return true
		}
	}
	return false
}

// balancedFrom scans from start for the bracket that closes s[start],
// ignoring brackets inside strings.
func balancedFrom(s string, start int) (string, bool) {
	var (
		stack    = []byte{s[start]}
		inString bool
		escape   bool
	)
	for i := start + 1; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			top := stack[len(stack)-1]
			if (top == '{' && c != '}') || (top == '[' && c != ']') {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
