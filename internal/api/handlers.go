package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mosacloud/messages-sub001/internal/delivery"
	"github.com/mosacloud/messages-sub001/internal/intake"
	"github.com/mosacloud/messages-sub001/internal/mime"
	"github.com/mosacloud/messages-sub001/internal/storage"
)

// handleIntake queues a raw RFC 5322 message for the mailboxes given in the
// "to" query parameter, repeatable for multiple recipients. The body is the
// message verbatim.
func handleIntake(s *Server, c *gin.Context, channel string) {
	to := c.QueryArray("to")
	if len(to) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing 'to' query parameter"})
		return
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}
	if len(raw) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message body"})
		return
	}

	recs, err := s.Intake.Accept(c.Request.Context(), intake.Envelope{
		From:    c.Query("from"),
		To:      to,
		Channel: channel,
	}, raw)
	switch {
	case errors.Is(err, intake.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "message too large"})
		return
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown mailbox"})
		return
	case err != nil:
		s.Log.Error("intake submission failed", "to", to, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue message"})
		return
	}

	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	c.JSON(http.StatusAccepted, gin.H{"intake_ids": ids})
}

type sendRequest struct {
	From        string `json:"from" binding:"required"`
	To          []addr `json:"to"`
	Cc          []addr `json:"cc"`
	Bcc         []addr `json:"bcc"`
	Subject     string `json:"subject"`
	TextBody    string `json:"text_body"`
	HTMLBody    string `json:"html_body"`
	Draft       bool   `json:"draft"`
	Attachments []struct {
		Name string `json:"name"`
		Data []byte `json:"data"`
	} `json:"attachments"`
}

type addr struct {
	Name    string `json:"name"`
	Address string `json:"address" binding:"required"`
}

// handleSend composes an outbound message and, unless it is a draft, hands
// it to the delivery engine immediately.
func handleSend(s *Server, c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	mailbox, err := s.Store.GetMailboxByAddress(ctx, req.From)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown sender mailbox"})
		return
	}
	if err != nil {
		s.Log.Error("sender lookup failed", "from", req.From, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sender lookup failed"})
		return
	}

	comp := delivery.Composition{
		To:       toAddresses(req.To),
		Cc:       toAddresses(req.Cc),
		Bcc:      toAddresses(req.Bcc),
		Subject:  req.Subject,
		TextBody: req.TextBody,
		HTMLBody: req.HTMLBody,
		Draft:    req.Draft,
	}
	for _, a := range req.Attachments {
		comp.Attachments = append(comp.Attachments, delivery.Attachment{Name: a.Name, Data: a.Data})
	}

	msg, err := s.Composer.Compose(ctx, mailbox, comp)
	if err != nil {
		s.Log.Error("composition failed", "from", req.From, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !req.Draft {
		if err := s.Engine.Send(ctx, msg.ID); err != nil {
			s.Log.Error("delivery failed", "message_id", msg.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":      "delivery failed",
				"message_id": msg.ID,
			})
			return
		}
	}

	c.JSON(http.StatusCreated, gin.H{"message_id": msg.ID, "thread_id": msg.ThreadID})
}

func toAddresses(in []addr) []mime.Address {
	out := make([]mime.Address, 0, len(in))
	for _, a := range in {
		out = append(out, mime.Address{Name: a.Name, Address: a.Address})
	}
	return out
}
