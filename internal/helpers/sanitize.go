package helpers

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var stripAll = sync.OnceValue(bluemonday.StrictPolicy)

// PlainText removes markup from model output before it is stored as
// knowledge. bluemonday escapes entities on the way out, so they are
// decoded again to keep the text as the model wrote it.
func PlainText(s string) string {
	s = strings.TrimSpace(s)
	if !strings.ContainsAny(s, "<>") {
		return s
	}
	return strings.TrimSpace(html.UnescapeString(stripAll().Sanitize(s)))
}
