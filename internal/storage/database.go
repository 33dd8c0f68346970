package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mosacloud/messages-sub001/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type Database struct {
	db *sqlx.DB
}

func NewDatabase(db *sqlx.DB) *Database {
	return &Database{db: db}
}

// Migrate applies the schema. Safe to run on every startup.
func (d *Database) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

func (d *Database) DB() *sqlx.DB {
	return d.db
}

// --- domains and mailboxes ---

func (d *Database) GetMailDomainByName(ctx context.Context, name string) (*models.MailDomain, error) {
	var dom models.MailDomain
	err := d.db.GetContext(ctx, &dom, `SELECT * FROM mail_domains WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting mail domain %q: %w", name, err)
	}
	return &dom, nil
}

func (d *Database) CreateMailDomain(ctx context.Context, dom *models.MailDomain) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO mail_domains (id, name, use_relay, relay_host, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		dom.ID, dom.Name, dom.UseRelay, dom.RelayHost, dom.CreatedAt, dom.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating mail domain %q: %w", dom.Name, err)
	}
	return nil
}

func (d *Database) GetMailboxByAddress(ctx context.Context, address string) (*models.Mailbox, error) {
	var mb models.Mailbox
	err := d.db.GetContext(ctx, &mb, `SELECT * FROM mailboxes WHERE address = $1`, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting mailbox %q: %w", address, err)
	}
	return &mb, nil
}

func (d *Database) GetMailbox(ctx context.Context, id string) (*models.Mailbox, error) {
	var mb models.Mailbox
	err := d.db.GetContext(ctx, &mb, `SELECT * FROM mailboxes WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting mailbox %s: %w", id, err)
	}
	return &mb, nil
}

func (d *Database) CreateMailbox(ctx context.Context, mb *models.Mailbox) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO mailboxes (id, address, domain_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		mb.ID, mb.Address, mb.DomainID, mb.CreatedAt, mb.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating mailbox %q: %w", mb.Address, err)
	}
	return nil
}

// --- threads ---

func (d *Database) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	var t models.Thread
	err := d.db.GetContext(ctx, &t, `SELECT * FROM threads WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting thread %s: %w", id, err)
	}
	return &t, nil
}

func (d *Database) CreateThread(ctx context.Context, t *models.Thread) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO threads (id, subject, snippet, has_unread, has_starred, has_trashed,
		                      has_archived, is_spam, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.Subject, t.Snippet, t.HasUnread, t.HasStarred, t.HasTrashed,
		t.HasArchived, t.IsSpam, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating thread: %w", err)
	}
	return nil
}

func (d *Database) CreateThreadAccess(ctx context.Context, a *models.ThreadAccess) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO thread_access (id, thread_id, mailbox_id, role, origin, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (thread_id, mailbox_id) DO NOTHING`,
		a.ID, a.ThreadID, a.MailboxID, a.Role, a.Origin, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating thread access: %w", err)
	}
	return nil
}

// UpdateThreadStats recomputes a thread's summary columns from its messages.
func (d *Database) UpdateThreadStats(ctx context.Context, threadID, snippet string, now time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE threads SET
		     has_unread = EXISTS (SELECT 1 FROM messages
		                          WHERE thread_id = $1 AND read_at IS NULL
		                            AND trashed_at IS NULL AND NOT is_draft),
		     has_trashed = EXISTS (SELECT 1 FROM messages
		                           WHERE thread_id = $1 AND trashed_at IS NOT NULL),
		     is_spam = EXISTS (SELECT 1 FROM messages
		                       WHERE thread_id = $1 AND is_spam),
		     snippet = CASE WHEN $2 <> '' THEN $2 ELSE snippet END,
		     updated_at = $3
		 WHERE id = $1`,
		threadID, snippet, now)
	if err != nil {
		return fmt.Errorf("updating thread stats for %s: %w", threadID, err)
	}
	return nil
}

// --- messages ---

func (d *Database) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	err := d.db.GetContext(ctx, &m, `SELECT * FROM messages WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}
	return &m, nil
}

// GetMessageByMimeID finds an existing message with the given Message-ID in
// any thread the mailbox can access. Used for idempotent intake.
func (d *Database) GetMessageByMimeID(ctx context.Context, mailboxID, mimeID string) (*models.Message, error) {
	var m models.Message
	err := d.db.GetContext(ctx, &m,
		`SELECT m.* FROM messages m
		 JOIN thread_access ta ON ta.thread_id = m.thread_id
		 WHERE ta.mailbox_id = $1 AND m.mime_id = $2
		 LIMIT 1`,
		mailboxID, mimeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message by mime id: %w", err)
	}
	return &m, nil
}

// FindMessagesByMimeIDs returns messages whose Message-ID is in ids, visible
// to the mailbox, newest first.
func (d *Database) FindMessagesByMimeIDs(ctx context.Context, mailboxID string, ids []string) ([]models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT m.* FROM messages m
		 JOIN thread_access ta ON ta.thread_id = m.thread_id
		 WHERE ta.mailbox_id = ? AND m.mime_id IN (?)
		 ORDER BY m.created_at DESC`,
		mailboxID, ids)
	if err != nil {
		return nil, fmt.Errorf("building mime id query: %w", err)
	}
	var out []models.Message
	if err := d.db.SelectContext(ctx, &out, d.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("finding messages by mime ids: %w", err)
	}
	return out, nil
}

// RecentMessages returns the mailbox's most recent messages, newest first.
func (d *Database) RecentMessages(ctx context.Context, mailboxID string, limit int) ([]models.Message, error) {
	var out []models.Message
	err := d.db.SelectContext(ctx, &out,
		`SELECT m.* FROM messages m
		 JOIN thread_access ta ON ta.thread_id = m.thread_id
		 WHERE ta.mailbox_id = $1
		 ORDER BY m.created_at DESC
		 LIMIT $2`,
		mailboxID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent messages: %w", err)
	}
	return out, nil
}

func (d *Database) CreateMessage(ctx context.Context, m *models.Message) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, parent_id, sender, subject, mime_id, blob_id,
		                       sent_at, read_at, trashed_at, is_draft, is_sender, is_spam,
		                       created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		m.ID, m.ThreadID, m.ParentID, m.Sender, m.Subject, m.MimeID, m.BlobID,
		m.SentAt, m.ReadAt, m.TrashedAt, m.IsDraft, m.IsSender, m.IsSpam,
		m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating message: %w", err)
	}
	return nil
}

// UpdateMessageFlags refreshes the mutable flags of an existing message.
func (d *Database) UpdateMessageFlags(ctx context.Context, messageID string, isSpam bool, now time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE messages SET is_spam = $2, updated_at = $3 WHERE id = $1`,
		messageID, isSpam, now)
	if err != nil {
		return fmt.Errorf("updating flags for %s: %w", messageID, err)
	}
	return nil
}

// MarkMessageSent clears the draft flag and stamps the send time.
func (d *Database) MarkMessageSent(ctx context.Context, messageID string, sentAt time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE messages SET is_draft = FALSE, sent_at = $2, updated_at = $2 WHERE id = $1`,
		messageID, sentAt)
	if err != nil {
		return fmt.Errorf("marking message %s sent: %w", messageID, err)
	}
	return nil
}

// --- recipients ---

func (d *Database) CreateRecipient(ctx context.Context, r *models.Recipient) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO recipients (id, message_id, address, name, type, delivery_status,
		                         delivered_at, retry_at, retry_count, delivery_error,
		                         created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (message_id, address, type) DO NOTHING`,
		r.ID, r.MessageID, r.Address, r.Name, r.Type, r.DeliveryStatus,
		r.DeliveredAt, r.RetryAt, r.RetryCount, r.DeliveryError,
		r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating recipient %q: %w", r.Address, err)
	}
	return nil
}

func (d *Database) GetRecipients(ctx context.Context, messageID string) ([]models.Recipient, error) {
	var out []models.Recipient
	err := d.db.SelectContext(ctx, &out,
		`SELECT * FROM recipients WHERE message_id = $1 ORDER BY created_at, id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("listing recipients for %s: %w", messageID, err)
	}
	return out, nil
}

func (d *Database) UpdateRecipientDelivery(ctx context.Context, r *models.Recipient) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE recipients SET delivery_status = $2, delivered_at = $3, retry_at = $4,
		                       retry_count = $5, delivery_error = $6, updated_at = $7
		 WHERE id = $1`,
		r.ID, r.DeliveryStatus, r.DeliveredAt, r.RetryAt, r.RetryCount, r.DeliveryError,
		r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating recipient %s: %w", r.ID, err)
	}
	return nil
}

// DueRetryMessageIDs returns ids of messages holding at least one recipient
// whose retry is due, oldest first, bounded by limit.
func (d *Database) DueRetryMessageIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var out []string
	err := d.db.SelectContext(ctx, &out,
		`SELECT DISTINCT r.message_id FROM recipients r
		 JOIN messages m ON m.id = r.message_id
		 WHERE r.delivery_status = $1 AND r.retry_at IS NOT NULL AND r.retry_at <= $2
		   AND NOT m.is_draft
		 ORDER BY r.message_id
		 LIMIT $3`,
		models.StatusRetry, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing due retries: %w", err)
	}
	return out, nil
}

// --- intake records ---

func (d *Database) CreateIntake(ctx context.Context, in *models.InboundIntake) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO inbound_intakes (id, mailbox_id, raw, channel, error_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		in.ID, in.MailboxID, in.Raw, in.Channel, in.ErrorMessage, in.CreatedAt, in.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating intake record: %w", err)
	}
	return nil
}

func (d *Database) GetIntake(ctx context.Context, id string) (*models.InboundIntake, error) {
	var in models.InboundIntake
	err := d.db.GetContext(ctx, &in, `SELECT * FROM inbound_intakes WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting intake %s: %w", id, err)
	}
	return &in, nil
}

func (d *Database) DeleteIntake(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM inbound_intakes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting intake %s: %w", id, err)
	}
	return nil
}

func (d *Database) SetIntakeError(ctx context.Context, id, msg string, now time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE inbound_intakes SET error_message = $2, updated_at = $3 WHERE id = $1`,
		id, msg, now)
	if err != nil {
		return fmt.Errorf("recording intake error for %s: %w", id, err)
	}
	return nil
}

// PendingIntakes lists unprocessed intake records, oldest first. Records with
// a recorded error are left for operator inspection and not retried.
func (d *Database) PendingIntakes(ctx context.Context, limit int) ([]models.InboundIntake, error) {
	var out []models.InboundIntake
	err := d.db.SelectContext(ctx, &out,
		`SELECT * FROM inbound_intakes WHERE error_message IS NULL
		 ORDER BY created_at
		 LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending intakes: %w", err)
	}
	return out, nil
}
