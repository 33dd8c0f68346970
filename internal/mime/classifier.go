package mime

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/emersion/go-message"

	"github.com/mosacloud/messages-sub001/internal/utils"
)

// Classifier walks a parsed MIME tree and routes every leaf part into a
// text body, HTML body or attachment channel. Deterministic, no I/O beyond
// reading the already-buffered part bodies.
type Classifier struct {
	Log *slog.Logger
}

// walkScope carries the multipart context through one subtree. Channel
// nulling is scoped: a copy is taken when descending into a multipart node,
// so a null set by a leaf applies to later siblings and their descendants
// but never leaks back up to the parent scope.
type walkScope struct {
	context       string // parent multipart subtype: mixed, alternative, related, ...
	inAlternative bool
	textNulled    bool
	htmlNulled    bool
}

// Classify routes every leaf of the MIME tree rooted at e. It never fails:
// on an unexpected shape it logs and returns whatever was classified so far,
// and a message whose top-level type cannot be classified degrades to a
// single text body holding the raw decoded content.
func (c *Classifier) Classify(e *message.Entity) (acc Classification) {
	defer func() {
		if r := recover(); r != nil {
			c.logger().Error("panic while classifying MIME tree", "panic", r)
		}
	}()

	ct, _, err := e.Header.ContentType()
	if err != nil {
		content, _ := io.ReadAll(e.Body)
		acc.TextBody = append(acc.TextBody, BodyPart{
			PartID:   "1",
			MIMEType: "text/plain",
			Content:  string(content),
		})
		return acc
	}

	if !strings.HasPrefix(ct, "multipart/") {
		// Single-part message: treat it as the sole child of an implicit root.
		c.leaf(e, &walkScope{}, 0, "1", &acc)
		return acc
	}

	c.multipart(e, &walkScope{}, "", &acc)
	return acc
}

func (c *Classifier) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// multipart recurses into the children of a multipart entity, threading a
// copied scope so channel nulls stay local to this subtree.
func (c *Classifier) multipart(e *message.Entity, parent *walkScope, partID string, acc *Classification) {
	ct, _, err := e.Header.ContentType()
	if err != nil {
		c.logger().Warn("unreadable content type on multipart node", "error", err)
		return
	}
	subtype := strings.TrimPrefix(ct, "multipart/")

	scope := walkScope{
		context:       subtype,
		inAlternative: parent.inAlternative || subtype == "alternative",
		textNulled:    parent.textNulled,
		htmlNulled:    parent.htmlNulled,
	}

	textBefore, htmlBefore := len(acc.TextBody), len(acc.HTMLBody)

	mr := e.MultipartReader()
	if mr == nil {
		c.logger().Warn("multipart entity without multipart reader", "type", ct)
		return
	}

	for i := 0; ; i++ {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			c.logger().Warn("error walking MIME subtree", "error", err)
			break
		}

		childID := childPartID(partID, i)
		childType, _, ctErr := part.Header.ContentType()
		if ctErr != nil {
			c.logger().Warn("skipping part with unreadable content type", "part", childID, "error", ctErr)
			continue
		}
		if strings.HasPrefix(childType, "multipart/") {
			c.multipart(part, &scope, childID, acc)
		} else {
			c.leaf(part, &scope, i, childID, acc)
		}
	}

	if subtype == "alternative" {
		fillAlternativeFallback(acc, textBefore, htmlBefore)
	}
}

// leaf routes a single non-multipart part.
func (c *Classifier) leaf(e *message.Entity, scope *walkScope, index int, partID string, acc *Classification) {
	ct, ctParams, err := e.Header.ContentType()
	if err != nil {
		c.logger().Warn("skipping leaf with unreadable content type", "part", partID, "error", err)
		return
	}

	disp, dispParams, _ := e.Header.ContentDisposition()
	filename := dispParams["filename"]
	if filename == "" {
		filename = ctParams["name"]
	}

	content, err := io.ReadAll(e.Body)
	if err != nil {
		c.logger().Warn("partial read of MIME part", "part", partID, "error", err)
	}

	if !isInline(ct, disp, filename, index, scope) {
		acc.Attachments = append(acc.Attachments, c.attachment(e, ct, disp, filename, content))
		return
	}

	part := BodyPart{PartID: partID, MIMEType: ct, Content: string(content)}

	switch {
	case scope.context == "alternative":
		// Direct child of an alternative: routed strictly by type, an
		// alternative never mixes types.
		switch ct {
		case "text/plain":
			acc.TextBody = append(acc.TextBody, part)
		case "text/html":
			acc.HTMLBody = append(acc.HTMLBody, part)
		default:
			acc.Attachments = append(acc.Attachments, c.attachment(e, ct, disp, filename, content))
		}

	case scope.inAlternative:
		// Nested group inside an alternative branch: the first text type
		// seen claims its channel and nulls the other for the rest of this
		// subtree, picking a single best representation per group.
		switch ct {
		case "text/plain":
			if !scope.textNulled {
				acc.TextBody = append(acc.TextBody, part)
			}
			scope.htmlNulled = true
		case "text/html":
			if !scope.htmlNulled {
				acc.HTMLBody = append(acc.HTMLBody, part)
			}
			scope.textNulled = true
		default:
			if !scope.textNulled {
				acc.TextBody = append(acc.TextBody, part)
			}
			if !scope.htmlNulled {
				acc.HTMLBody = append(acc.HTMLBody, part)
			}
		}

	default:
		// Inline media doubling as body content stays in the body channels
		// only; duplicating it into attachments is a regression.
		switch ct {
		case "text/plain":
			acc.TextBody = append(acc.TextBody, part)
		case "text/html":
			acc.HTMLBody = append(acc.HTMLBody, part)
		default:
			acc.TextBody = append(acc.TextBody, part)
			acc.HTMLBody = append(acc.HTMLBody, part)
		}
	}
}

func (c *Classifier) attachment(e *message.Entity, ct, disp, filename string, content []byte) AttachmentPart {
	sum := sha256.Sum256(content)
	if disp == "" {
		disp = "attachment"
	}
	return AttachmentPart{
		MIMEType:    ct,
		Name:        sanitizeFilename(filename),
		Size:        int64(len(content)),
		Disposition: disp,
		ContentID:   utils.StripAngleBrackets(e.Header.Get("Content-Id")),
		SHA256:      hex.EncodeToString(sum[:]),
		Data:        content,
	}
}

// isInline decides whether a leaf is body content rather than an attachment.
func isInline(ct, disp, filename string, index int, scope *walkScope) bool {
	if disp == "attachment" {
		return false
	}
	if !isTextType(ct) && !isInlineMedia(ct) {
		return false
	}
	if index == 0 {
		return true
	}
	return scope.context != "related" && (isInlineMedia(ct) || filename == "")
}

func isTextType(ct string) bool {
	return ct == "text/plain" || ct == "text/html"
}

func isInlineMedia(ct string) bool {
	return strings.HasPrefix(ct, "image/") ||
		strings.HasPrefix(ct, "audio/") ||
		strings.HasPrefix(ct, "video/")
}

// fillAlternativeFallback copies the entries gained inside an alternative
// group into the empty channel when only one channel gained entries, so
// every message ends up with both representations on a best-effort basis.
func fillAlternativeFallback(acc *Classification, textBefore, htmlBefore int) {
	gainedText := acc.TextBody[textBefore:]
	gainedHTML := acc.HTMLBody[htmlBefore:]
	switch {
	case len(gainedText) > 0 && len(gainedHTML) == 0:
		acc.HTMLBody = append(acc.HTMLBody, gainedText...)
	case len(gainedHTML) > 0 && len(gainedText) == 0:
		acc.TextBody = append(acc.TextBody, gainedHTML...)
	}
}

func childPartID(parent string, index int) string {
	if parent == "" {
		return strconv.Itoa(index + 1)
	}
	return parent + "." + strconv.Itoa(index+1)
}
