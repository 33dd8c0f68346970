package mime

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/mosacloud/messages-sub001/internal/utils"
)

var (
	// ErrEmptyInput is returned for an empty byte stream.
	ErrEmptyInput = errors.New("empty message input")
	// ErrMalformed is returned when the top-level message cannot be parsed.
	ErrMalformed = errors.New("malformed message")
)

// Parser produces ParsedMessage records from raw byte streams.
type Parser struct {
	Log *slog.Logger
}

// Parse reads raw RFC 5322 bytes and produces the immutable ParsedMessage:
// decoded envelope headers, the ordered header list, its trust-block
// partitioning, and the classified body/attachment model.
func (p *Parser) Parse(raw []byte) (*ParsedMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyInput
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	parsed := &ParsedMessage{Raw: raw}

	fields := entity.Header.Fields()
	for fields.Next() {
		parsed.Headers = append(parsed.Headers, Header{
			Name:  fields.Key(),
			Value: fields.Value(),
		})
	}
	parsed.TrustBlocks = PartitionHeaders(parsed.Headers)

	mh := mail.Header{Header: entity.Header}
	if subject, err := mh.Subject(); err == nil {
		parsed.Subject = subject
	} else {
		parsed.Subject = entity.Header.Get("Subject")
	}
	if date, err := mh.Date(); err == nil {
		parsed.Date = date
	}

	parsed.From = p.addressList(mh, "From")
	parsed.To = p.addressList(mh, "To")
	parsed.Cc = p.addressList(mh, "Cc")
	parsed.Bcc = p.addressList(mh, "Bcc")

	parsed.MessageID = utils.StripAngleBrackets(entity.Header.Get("Message-Id"))
	parsed.InReplyTo = utils.StripAngleBrackets(entity.Header.Get("In-Reply-To"))
	parsed.References = utils.ExtractMessageIDs(entity.Header.Get("References"))

	classifier := &Classifier{Log: p.Log}
	classified := classifier.Classify(entity)
	parsed.TextBody = classified.TextBody
	parsed.HTMLBody = classified.HTMLBody
	parsed.Attachments = classified.Attachments

	return parsed, nil
}

func (p *Parser) addressList(mh mail.Header, key string) []Address {
	list, err := mh.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]Address, 0, len(list))
	for _, a := range list {
		out = append(out, Address{Name: a.Name, Address: a.Address})
	}
	return out
}
