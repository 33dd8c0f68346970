package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/mosacloud/messages-sub001/internal/mime"
	"github.com/mosacloud/messages-sub001/internal/models"
	"github.com/mosacloud/messages-sub001/internal/utils"
)

const (
	composeSnippetLen = 140
	composeSubjectLen = 255
)

// ComposeStore is the database surface needed to persist a composed message.
type ComposeStore interface {
	CreateThread(ctx context.Context, t *models.Thread) error
	CreateThreadAccess(ctx context.Context, a *models.ThreadAccess) error
	CreateMessage(ctx context.Context, m *models.Message) error
	CreateRecipient(ctx context.Context, r *models.Recipient) error
}

// BlobSaver persists raw message bodies.
type BlobSaver interface {
	Save(data []byte) (string, error)
}

// Attachment is a file carried by a composed message.
type Attachment struct {
	Name string
	Data []byte
}

// Composition describes an outgoing message to build and store.
type Composition struct {
	To          []mime.Address
	Cc          []mime.Address
	Bcc         []mime.Address
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
	Draft       bool
}

// Composer renders outgoing messages to RFC 5322 form and stores them with
// recipients in the unset delivery state, ready for the engine to send.
type Composer struct {
	store  ComposeStore
	blobs  BlobSaver
	domain string
	log    *slog.Logger

	now func() time.Time
}

func NewComposer(store ComposeStore, blobs BlobSaver, domain string, log *slog.Logger) *Composer {
	return &Composer{
		store:  store,
		blobs:  blobs,
		domain: domain,
		log:    log,
		now:    time.Now,
	}
}

// Compose builds the wire form of the message, stores it, and creates the
// thread, access grant, message row and recipient rows.
func (c *Composer) Compose(ctx context.Context, mailbox *models.Mailbox, comp Composition) (*models.Message, error) {
	if len(comp.To)+len(comp.Cc)+len(comp.Bcc) == 0 {
		return nil, fmt.Errorf("composition has no recipients")
	}

	now := c.now().UTC()
	mimeID := uuid.New().String() + "@" + c.domain

	m := gomail.NewMessage()
	m.SetHeader("From", mailbox.Address)
	m.SetHeader("To", formatAddresses(m, comp.To)...)
	if len(comp.Cc) > 0 {
		m.SetHeader("Cc", formatAddresses(m, comp.Cc)...)
	}
	m.SetHeader("Subject", comp.Subject)
	m.SetHeader("Message-Id", "<"+mimeID+">")
	m.SetHeader("Date", m.FormatDate(now))

	m.SetBody("text/plain", comp.TextBody)
	if comp.HTMLBody != "" {
		m.AddAlternative("text/html", comp.HTMLBody)
	}
	for _, a := range comp.Attachments {
		data := a.Data
		m.Attach(a.Name, gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		}))
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("rendering message: %w", err)
	}

	blobID, err := c.blobs.Save(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("storing message body: %w", err)
	}

	thr := &models.Thread{
		ID:        uuid.New().String(),
		Subject:   utils.Truncate(comp.Subject, composeSubjectLen),
		Snippet:   composeSnippet(comp),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateThread(ctx, thr); err != nil {
		return nil, err
	}
	if err := c.store.CreateThreadAccess(ctx, &models.ThreadAccess{
		ID:        uuid.New().String(),
		ThreadID:  thr.ID,
		MailboxID: mailbox.ID,
		Role:      models.AccessRoleEditor,
		Origin:    models.AccessOriginSent,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:        uuid.New().String(),
		ThreadID:  thr.ID,
		Sender:    mailbox.Address,
		Subject:   utils.Truncate(comp.Subject, composeSubjectLen),
		MimeID:    mimeID,
		BlobID:    blobID,
		IsDraft:   comp.Draft,
		IsSender:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}

	groups := []struct {
		addrs []mime.Address
		typ   models.RecipientType
	}{
		{comp.To, models.RecipientTo},
		{comp.Cc, models.RecipientCc},
		{comp.Bcc, models.RecipientBcc},
	}
	for _, g := range groups {
		for _, addr := range g.addrs {
			if err := c.store.CreateRecipient(ctx, &models.Recipient{
				ID:        uuid.New().String(),
				MessageID: msg.ID,
				Address:   strings.ToLower(addr.Address),
				Name:      addr.Name,
				Type:      g.typ,
				CreatedAt: now,
				UpdatedAt: now,
			}); err != nil {
				return nil, err
			}
		}
	}

	c.log.Info("message composed", "message_id", msg.ID, "thread_id", thr.ID, "draft", comp.Draft)
	return msg, nil
}

func composeSnippet(comp Composition) string {
	text := strings.TrimSpace(comp.TextBody)
	if text == "" {
		text = strings.TrimSpace(comp.Subject)
	}
	if text == "" {
		return "(no content)"
	}
	return utils.Truncate(text, composeSnippetLen)
}

func formatAddresses(m *gomail.Message, addrs []mime.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		if a.Name != "" {
			out[i] = m.FormatAddress(a.Address, a.Name)
		} else {
			out[i] = a.Address
		}
	}
	return out
}
