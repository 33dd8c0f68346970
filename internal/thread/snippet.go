package thread

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/mosacloud/messages-sub001/internal/mime"
	"github.com/mosacloud/messages-sub001/internal/utils"
)

const (
	snippetMaxLen    = 140
	subjectMaxLen    = 255
	snippetFallback  = "(no content)"
)

var collapseWhitespace = regexp.MustCompile(`\s+`)

// Snippet derives a thread snippet from a parsed message: first text body,
// else the first HTML body stripped to text, else the subject, else a fixed
// placeholder. Truncated to 140 characters.
func Snippet(parsed *mime.ParsedMessage) string {
	var source string
	switch {
	case len(parsed.TextBody) > 0 && strings.TrimSpace(parsed.TextBody[0].Content) != "":
		source = parsed.TextBody[0].Content
	case len(parsed.HTMLBody) > 0 && strings.TrimSpace(stripHTML(parsed.HTMLBody[0].Content)) != "":
		source = stripHTML(parsed.HTMLBody[0].Content)
	case strings.TrimSpace(parsed.Subject) != "":
		source = parsed.Subject
	default:
		source = snippetFallback
	}
	source = collapseWhitespace.ReplaceAllString(strings.TrimSpace(source), " ")
	return utils.Truncate(source, snippetMaxLen)
}

// stripHTML reduces an HTML fragment to its visible text.
func stripHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script, style, head, meta, link").Remove()
	return doc.Text()
}
