// Package intake accepts raw inbound messages, queues them, and turns each
// queued record into stored messages inside the right thread.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mosacloud/messages-sub001/internal/lock"
	"github.com/mosacloud/messages-sub001/internal/mime"
	"github.com/mosacloud/messages-sub001/internal/models"
	"github.com/mosacloud/messages-sub001/internal/spam"
	"github.com/mosacloud/messages-sub001/internal/storage"
	"github.com/mosacloud/messages-sub001/internal/thread"
	"github.com/mosacloud/messages-sub001/internal/utils"
)

// ErrTooLarge is returned when a submitted message exceeds the size limit.
var ErrTooLarge = errors.New("message too large")

const subjectMaxLen = 255

// Store is the persistence surface the intake service needs. It embeds the
// resolver's surface so one database handle serves both.
type Store interface {
	thread.Store

	GetMailbox(ctx context.Context, id string) (*models.Mailbox, error)
	GetMailboxByAddress(ctx context.Context, address string) (*models.Mailbox, error)
	GetMessageByMimeID(ctx context.Context, mailboxID, mimeID string) (*models.Message, error)
	CreateMessage(ctx context.Context, m *models.Message) error
	CreateRecipient(ctx context.Context, r *models.Recipient) error
	UpdateMessageFlags(ctx context.Context, messageID string, isSpam bool, now time.Time) error
	UpdateThreadStats(ctx context.Context, threadID, snippet string, now time.Time) error

	CreateIntake(ctx context.Context, in *models.InboundIntake) error
	GetIntake(ctx context.Context, id string) (*models.InboundIntake, error)
	DeleteIntake(ctx context.Context, id string) error
	SetIntakeError(ctx context.Context, id, msg string, now time.Time) error
	PendingIntakes(ctx context.Context, limit int) ([]models.InboundIntake, error)
}

// Locker serializes processing of a single intake record across instances.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*lock.Guard, error)
}

// BlobSaver persists raw message bodies.
type BlobSaver interface {
	Save(data []byte) (string, error)
}

// Envelope carries the submission metadata alongside the raw bytes. To may
// name several local mailboxes; each gets its own intake record.
type Envelope struct {
	From    string
	To      []string
	Channel string
}

type Service struct {
	store    Store
	blobs    BlobSaver
	locks    Locker
	parser   *mime.Parser
	resolver *thread.Resolver
	spam     *spam.Engine
	domain   string
	maxBytes int64
	lockTTL  time.Duration
	log      *slog.Logger

	notify func()
	now    func() time.Time
}

func NewService(store Store, blobs BlobSaver, locks Locker, parser *mime.Parser, resolver *thread.Resolver, spamEngine *spam.Engine, domain string, maxBytes int64, lockTTL time.Duration, log *slog.Logger) *Service {
	return &Service{
		store:    store,
		blobs:    blobs,
		locks:    locks,
		parser:   parser,
		resolver: resolver,
		spam:     spamEngine,
		domain:   domain,
		maxBytes: maxBytes,
		lockTTL:  lockTTL,
		log:      log,
		now:      time.Now,
	}
}

// SetNotifier registers a callback fired after each accepted submission, so
// the worker pool can pick up new records without waiting for the next poll.
func (s *Service) SetNotifier(fn func()) {
	s.notify = fn
}

// Accept validates a submission and queues one intake record per recipient.
// Every mailbox must exist before anything is queued; an unknown address
// fails the whole envelope with storage.ErrNotFound.
func (s *Service) Accept(ctx context.Context, env Envelope, raw []byte) ([]*models.InboundIntake, error) {
	if s.maxBytes > 0 && int64(len(raw)) > s.maxBytes {
		return nil, ErrTooLarge
	}
	if len(env.To) == 0 {
		return nil, fmt.Errorf("envelope has no recipients")
	}
	mailboxes := make([]*models.Mailbox, 0, len(env.To))
	for _, to := range env.To {
		mailbox, err := s.store.GetMailboxByAddress(ctx, strings.ToLower(to))
		if err != nil {
			return nil, fmt.Errorf("resolving mailbox %q: %w", to, err)
		}
		mailboxes = append(mailboxes, mailbox)
	}

	recs := make([]*models.InboundIntake, 0, len(mailboxes))
	for _, mailbox := range mailboxes {
		rec, err := s.queue(ctx, mailbox, env, raw)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if s.notify != nil {
		s.notify()
	}
	return recs, nil
}

func (s *Service) queue(ctx context.Context, mailbox *models.Mailbox, env Envelope, raw []byte) (*models.InboundIntake, error) {
	now := s.now().UTC()
	channel := env.Channel
	if channel == "" {
		channel = models.IntakeChannelAPI
	}

	stamped := prependReceived(raw, env.From, s.domain, channel, now)
	rec := &models.InboundIntake{
		ID:        uuid.New().String(),
		MailboxID: mailbox.ID,
		Raw:       stamped,
		Channel:   channel,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateIntake(ctx, rec); err != nil {
		return nil, err
	}
	s.log.Info("intake accepted", "intake_id", rec.ID, "mailbox", mailbox.Address, "channel", channel, "bytes", len(stamped))
	return rec, nil
}

// Process turns one queued record into stored messages. Returns nil when the
// record is already being handled elsewhere or was already processed.
// Malformed input is recorded on the intake row instead of failing the call.
func (s *Service) Process(ctx context.Context, intakeID string) error {
	guard, err := s.locks.Acquire(ctx, "intake:"+intakeID, s.lockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil
	}
	if err != nil {
		return err
	}
	defer guard.Release(ctx)

	rec, err := s.store.GetIntake(ctx, intakeID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.process(ctx, rec); err != nil {
		s.log.Error("intake processing failed", "intake_id", rec.ID, "error", err)
		// Malformed input can never succeed; park the record with its
		// error for inspection. Anything else stays queued so the next
		// poll retries it.
		if errors.Is(err, mime.ErrMalformed) || errors.Is(err, mime.ErrEmptyInput) {
			if serr := s.store.SetIntakeError(ctx, rec.ID, err.Error(), s.now().UTC()); serr != nil {
				return serr
			}
		}
		return err
	}
	return s.store.DeleteIntake(ctx, rec.ID)
}

func (s *Service) process(ctx context.Context, rec *models.InboundIntake) error {
	mailbox, err := s.store.GetMailbox(ctx, rec.MailboxID)
	if err != nil {
		return fmt.Errorf("loading mailbox %s: %w", rec.MailboxID, err)
	}

	parsed, err := s.parser.Parse(rec.Raw)
	if err != nil {
		return fmt.Errorf("parsing message: %w", err)
	}

	if parsed.MessageID != "" {
		existing, err := s.store.GetMessageByMimeID(ctx, mailbox.ID, parsed.MessageID)
		if err == nil {
			// Imports re-feed mail we may already hold; the duplicate still
			// carries the archive's current view of the message, so its
			// flags are applied to the stored copy before discarding.
			if rec.Channel == models.IntakeChannelImport {
				return s.refreshDuplicate(ctx, rec, parsed, existing)
			}
			s.log.Info("duplicate message-id, discarding", "intake_id", rec.ID, "mime_id", parsed.MessageID)
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}

	// Internal mail skips spam decisioning; it never left the server.
	isSpam := false
	if rec.Channel != models.IntakeChannelInternal && s.spam != nil {
		isSpam = s.spam.Decide(ctx, parsed)
	}

	thr, created, err := s.resolver.Resolve(ctx, parsed, mailbox, thread.Options{
		Import: rec.Channel == models.IntakeChannelImport,
	})
	if err != nil {
		return fmt.Errorf("resolving thread: %w", err)
	}

	blobID, err := s.blobs.Save(rec.Raw)
	if err != nil {
		return fmt.Errorf("storing message body: %w", err)
	}

	now := s.now().UTC()
	msg := &models.Message{
		ID:        uuid.New().String(),
		ThreadID:  thr.ID,
		Sender:    parsed.SenderAddress(),
		Subject:   utils.Truncate(parsed.Subject, subjectMaxLen),
		MimeID:    parsed.MessageID,
		BlobID:    blobID,
		IsSpam:    isSpam,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if !parsed.Date.IsZero() {
		d := parsed.Date.UTC()
		msg.SentAt = &d
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return err
	}

	s.createRecipients(ctx, msg.ID, parsed, now)

	if err := s.store.UpdateThreadStats(ctx, thr.ID, thread.Snippet(parsed), now); err != nil {
		return err
	}

	s.log.Info("intake processed",
		"intake_id", rec.ID, "message_id", msg.ID, "thread_id", thr.ID,
		"thread_created", created, "spam", isSpam)
	return nil
}

// refreshDuplicate updates the flags of an already-stored message from a
// re-imported copy, then recomputes its thread's summary.
func (s *Service) refreshDuplicate(ctx context.Context, rec *models.InboundIntake, parsed *mime.ParsedMessage, existing *models.Message) error {
	isSpam := existing.IsSpam
	if s.spam != nil {
		isSpam = s.spam.Decide(ctx, parsed)
	}

	now := s.now().UTC()
	if err := s.store.UpdateMessageFlags(ctx, existing.ID, isSpam, now); err != nil {
		return err
	}
	if err := s.store.UpdateThreadStats(ctx, existing.ThreadID, "", now); err != nil {
		return err
	}
	s.log.Info("duplicate import, flags refreshed",
		"intake_id", rec.ID, "message_id", existing.ID, "spam", isSpam)
	return nil
}

// createRecipients records the address slots of a received message. These
// rows are informational; the delivery engine never touches inbound mail.
// One bad recipient is logged and skipped, never failing the message.
func (s *Service) createRecipients(ctx context.Context, messageID string, parsed *mime.ParsedMessage, now time.Time) {
	groups := []struct {
		addrs []mime.Address
		typ   models.RecipientType
	}{
		{parsed.To, models.RecipientTo},
		{parsed.Cc, models.RecipientCc},
	}
	for _, g := range groups {
		for _, addr := range g.addrs {
			if addr.Address == "" {
				continue
			}
			if err := s.store.CreateRecipient(ctx, &models.Recipient{
				ID:             uuid.New().String(),
				MessageID:      messageID,
				Address:        addr.Address,
				Name:           addr.Name,
				Type:           g.typ,
				DeliveryStatus: models.StatusInternal,
				DeliveredAt:    &now,
				CreatedAt:      now,
				UpdatedAt:      now,
			}); err != nil {
				s.log.Warn("recipient row skipped", "message_id", messageID, "address", addr.Address, "error", err)
			}
		}
	}
}

// DeliverInternal routes a locally sent message straight into the recipient
// mailbox, bypassing the wire and spam decisioning.
func (s *Service) DeliverInternal(ctx context.Context, mailbox *models.Mailbox, raw []byte) error {
	rec, err := s.queue(ctx, mailbox, Envelope{
		To:      []string{mailbox.Address},
		Channel: models.IntakeChannelInternal,
	}, raw)
	if err != nil {
		return err
	}
	return s.Process(ctx, rec.ID)
}

// Pending lists unprocessed intake records for the worker pool.
func (s *Service) Pending(ctx context.Context, limit int) ([]models.InboundIntake, error) {
	return s.store.PendingIntakes(ctx, limit)
}

// prependReceived stamps a trace header so the submission hop seals its own
// trust block during header partitioning.
func prependReceived(raw []byte, from, host, channel string, now time.Time) []byte {
	sender := from
	if sender == "" {
		sender = "unknown"
	}
	header := fmt.Sprintf("Received: from %s by %s with %s; %s\r\n",
		sender, host, channel, now.Format(time.RFC1123Z))
	out := make([]byte, 0, len(header)+len(raw))
	out = append(out, header...)
	out = append(out, raw...)
	return out
}
