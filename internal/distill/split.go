package distill

import (
	"strings"
	"unicode/utf8"
)

// splitText packs paragraphs of text into chunks of at most maxRunes runes,
// hard-splitting paragraphs that are longer than the bound.
func splitText(text string, maxRunes, maxChunks int) []string {
	var paragraphs []string
	for _, p := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		for utf8.RuneCountInString(p) > maxRunes {
			head, tail := cutRunes(p, maxRunes)
			paragraphs = append(paragraphs, strings.TrimSpace(head))
			p = strings.TrimSpace(tail)
		}
		if p != "" {
			paragraphs = append(paragraphs, p)
		}
	}

	var chunks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}
	for _, p := range paragraphs {
		if cur.Len() > 0 && utf8.RuneCountInString(cur.String())+2+utf8.RuneCountInString(p) > maxRunes {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	flush()
	if maxChunks > 0 && len(chunks) > maxChunks {
		chunks = chunks[:maxChunks]
	}
	return chunks
}

func cutRunes(s string, n int) (string, string) {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], s[pos:]
		}
		i++
	}
	return s, ""
}

func truncateRunes(s string, n int) string {
	head, _ := cutRunes(s, n)
	return head
}
