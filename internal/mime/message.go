// Package mime turns raw RFC 5322 byte streams into a normalized
// body/attachment model used by thread resolution, spam decisioning and
// rendering.
package mime

import "time"

// Address is a display-name / address pair.
type Address struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Header is a single raw header in message order.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// BodyPart is one inline body segment routed to a text or HTML channel.
type BodyPart struct {
	PartID   string `json:"part_id"`
	MIMEType string `json:"mime_type"`
	Content  string `json:"content"`
}

// AttachmentPart is a non-inline leaf with its sanitized metadata. Data holds
// the transfer-decoded bytes; SHA256 is their hex digest.
type AttachmentPart struct {
	MIMEType    string `json:"mime_type"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Disposition string `json:"disposition"`
	ContentID   string `json:"content_id"`
	SHA256      string `json:"sha256"`
	Data        []byte `json:"-"`
}

// Classification is the output of the MIME structure classifier.
type Classification struct {
	TextBody    []BodyPart
	HTMLBody    []BodyPart
	Attachments []AttachmentPart
}

// ParsedMessage is the transient record produced once per raw byte stream.
// Immutable once produced.
type ParsedMessage struct {
	Subject     string
	From        []Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	MessageID   string
	InReplyTo   string
	References  []string
	Date        time.Time
	Headers     []Header
	TrustBlocks []TrustBlock
	TextBody    []BodyPart
	HTMLBody    []BodyPart
	Attachments []AttachmentPart
	Raw         []byte
}

// SenderAddress returns the first From address, or the empty string.
func (p *ParsedMessage) SenderAddress() string {
	if len(p.From) == 0 {
		return ""
	}
	return p.From[0].Address
}
