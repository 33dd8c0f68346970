package mime

import (
	"strings"
	"testing"

	"github.com/emersion/go-message"
)

func parseRaw(t *testing.T, lines ...string) *ParsedMessage {
	t.Helper()
	p := &Parser{}
	parsed, err := p.Parse([]byte(strings.Join(lines, "\r\n")))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	return parsed
}

func TestClassifyPlainTextMessage(t *testing.T) {
	t.Parallel()

	parsed := parseRaw(t,
		"From: alice@example.com",
		"Subject: Hello",
		"Content-Type: text/plain",
		"",
		"just text",
	)

	if len(parsed.TextBody) != 1 || parsed.TextBody[0].Content != "just text" {
		t.Fatalf("TextBody = %v", parsed.TextBody)
	}
	if len(parsed.HTMLBody) != 0 {
		t.Errorf("HTMLBody = %v, want empty", parsed.HTMLBody)
	}
	if len(parsed.Attachments) != 0 {
		t.Errorf("Attachments = %v, want empty", parsed.Attachments)
	}
}

func TestClassifyAlternativeRoutesByType(t *testing.T) {
	t.Parallel()

	parsed := parseRaw(t,
		"From: alice@example.com",
		"Content-Type: multipart/alternative; boundary=b1",
		"",
		"--b1",
		"Content-Type: text/plain",
		"",
		"plain version",
		"--b1",
		"Content-Type: text/html",
		"",
		"<p>html version</p>",
		"--b1--",
	)

	if len(parsed.TextBody) != 1 || parsed.TextBody[0].Content != "plain version" {
		t.Errorf("TextBody = %v", parsed.TextBody)
	}
	if len(parsed.HTMLBody) != 1 || parsed.HTMLBody[0].Content != "<p>html version</p>" {
		t.Errorf("HTMLBody = %v", parsed.HTMLBody)
	}
}

func TestClassifyAlternativeFallback(t *testing.T) {
	t.Parallel()

	parsed := parseRaw(t,
		"From: alice@example.com",
		"Content-Type: multipart/alternative; boundary=b1",
		"",
		"--b1",
		"Content-Type: text/plain",
		"",
		"only plain",
		"--b1--",
	)

	if len(parsed.TextBody) != 1 || len(parsed.HTMLBody) != 1 {
		t.Fatalf("TextBody = %v, HTMLBody = %v", parsed.TextBody, parsed.HTMLBody)
	}
	if parsed.TextBody[0].Content != parsed.HTMLBody[0].Content {
		t.Errorf("fallback content differs: %q vs %q",
			parsed.TextBody[0].Content, parsed.HTMLBody[0].Content)
	}
}

func TestClassifyInlineMediaStaysOutOfAttachments(t *testing.T) {
	t.Parallel()

	parsed := parseRaw(t,
		"From: alice@example.com",
		"Content-Type: multipart/mixed; boundary=b1",
		"",
		"--b1",
		"Content-Type: text/plain",
		"",
		"body",
		"--b1",
		"Content-Type: image/png",
		"Content-Transfer-Encoding: base64",
		"",
		"iVBORw0KGgo=",
		"--b1",
		"Content-Type: application/pdf; name=\"report.pdf\"",
		"Content-Disposition: attachment; filename=\"report.pdf\"",
		"Content-Transfer-Encoding: base64",
		"",
		"SGVsbG8=",
		"--b1--",
	)

	// The inline image is body content in both channels, never an attachment.
	if len(parsed.Attachments) != 1 {
		t.Fatalf("Attachments = %v, want exactly the PDF", parsed.Attachments)
	}
	if parsed.Attachments[0].Name != "report.pdf" {
		t.Errorf("attachment name = %q", parsed.Attachments[0].Name)
	}
	foundText, foundHTML := false, false
	for _, p := range parsed.TextBody {
		if p.MIMEType == "image/png" {
			foundText = true
		}
	}
	for _, p := range parsed.HTMLBody {
		if p.MIMEType == "image/png" {
			foundHTML = true
		}
	}
	if !foundText || !foundHTML {
		t.Errorf("inline image routed text=%v html=%v, want both", foundText, foundHTML)
	}
}

func TestClassifyRelatedImageIsAttachment(t *testing.T) {
	t.Parallel()

	parsed := parseRaw(t,
		"From: alice@example.com",
		"Content-Type: multipart/related; boundary=b1",
		"",
		"--b1",
		"Content-Type: text/html",
		"",
		"<img src=\"cid:logo\">",
		"--b1",
		"Content-Type: image/png; name=\"logo.png\"",
		"Content-Id: <logo>",
		"Content-Transfer-Encoding: base64",
		"",
		"iVBORw0KGgo=",
		"--b1--",
	)

	if len(parsed.HTMLBody) != 1 {
		t.Fatalf("HTMLBody = %v", parsed.HTMLBody)
	}
	if len(parsed.Attachments) != 1 {
		t.Fatalf("Attachments = %v, want the cid image", parsed.Attachments)
	}
	if parsed.Attachments[0].ContentID != "logo" {
		t.Errorf("ContentID = %q, want %q", parsed.Attachments[0].ContentID, "logo")
	}
}

func TestClassifyNestedAlternativePicksOneRepresentation(t *testing.T) {
	t.Parallel()

	// alternative > [plain, mixed(html, second html)]: within the nested
	// mixed branch the first text/html claims the HTML channel and nulls
	// the text channel for the rest of that subtree.
	parsed := parseRaw(t,
		"From: alice@example.com",
		"Content-Type: multipart/alternative; boundary=outer",
		"",
		"--outer",
		"Content-Type: text/plain",
		"",
		"plain version",
		"--outer",
		"Content-Type: multipart/mixed; boundary=inner",
		"",
		"--inner",
		"Content-Type: text/html",
		"",
		"<p>html version</p>",
		"--inner",
		"Content-Type: text/plain",
		"",
		"trailing plain",
		"--inner--",
		"--outer--",
	)

	if len(parsed.TextBody) != 1 || parsed.TextBody[0].Content != "plain version" {
		t.Errorf("TextBody = %v, want only the plain version", parsed.TextBody)
	}
	if len(parsed.HTMLBody) != 1 || parsed.HTMLBody[0].Content != "<p>html version</p>" {
		t.Errorf("HTMLBody = %v, want only the html version", parsed.HTMLBody)
	}
}

func TestClassifyEveryLeafIsRouted(t *testing.T) {
	t.Parallel()

	parsed := parseRaw(t,
		"From: alice@example.com",
		"Content-Type: multipart/mixed; boundary=b1",
		"",
		"--b1",
		"Content-Type: text/plain",
		"",
		"one",
		"--b1",
		"Content-Type: text/html",
		"",
		"<p>two</p>",
		"--b1",
		"Content-Type: application/octet-stream",
		"Content-Disposition: attachment; filename=\"blob.bin\"",
		"",
		"bytes",
		"--b1--",
	)

	routed := len(parsed.TextBody) + len(parsed.HTMLBody) + len(parsed.Attachments)
	if routed != 3 {
		t.Errorf("routed %d parts (text=%d html=%d att=%d), want 3",
			routed, len(parsed.TextBody), len(parsed.HTMLBody), len(parsed.Attachments))
	}
}

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	got := sanitizeFilename("../../etc/passwd\x00.txt")
	if strings.ContainsAny(got, "/\\\x00") {
		t.Errorf("sanitized name still dangerous: %q", got)
	}
	if !strings.HasSuffix(got, ".txt") {
		t.Errorf("extension lost: %q", got)
	}

	if got := sanitizeFilename(""); got != "attachment" {
		t.Errorf("empty name: got %q, want %q", got, "attachment")
	}

	long := strings.Repeat("a", 300) + ".pdf"
	got = sanitizeFilename(long)
	if len(got) > maxFilenameLen {
		t.Errorf("len = %d, want <= %d", len(got), maxFilenameLen)
	}
	if !strings.HasSuffix(got, ".pdf") {
		t.Errorf("extension lost on truncation: %q", got)
	}
}

type explodingReader struct{}

func (explodingReader) Read([]byte) (int, error) { panic("body reader gave up") }

func TestClassifyKeepsPartsClassifiedBeforePanic(t *testing.T) {
	t.Parallel()

	var h1 message.Header
	h1.Set("Content-Type", "text/plain")
	first, err := message.New(h1, strings.NewReader("already routed"))
	if err != nil {
		t.Fatalf("building first part: %v", err)
	}

	var h2 message.Header
	h2.Set("Content-Type", "text/plain")
	second, err := message.New(h2, explodingReader{})
	if err != nil {
		t.Fatalf("building second part: %v", err)
	}

	var mh message.Header
	mh.Set("Content-Type", "multipart/mixed")
	root, err := message.NewMultipart(mh, []*message.Entity{first, second})
	if err != nil {
		t.Fatalf("building multipart: %v", err)
	}

	cls := (&Classifier{}).Classify(root)

	if len(cls.TextBody) != 1 || cls.TextBody[0].Content != "already routed" {
		t.Fatalf("parts classified before the failure must survive, TextBody = %v", cls.TextBody)
	}
}
