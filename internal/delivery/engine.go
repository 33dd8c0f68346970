// Package delivery moves accepted messages to their recipients, tracking a
// delivery status per recipient so partial failures are retried without
// resending to recipients already served.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mosacloud/messages-sub001/internal/lock"
	"github.com/mosacloud/messages-sub001/internal/models"
	"github.com/mosacloud/messages-sub001/internal/storage"
	"github.com/mosacloud/messages-sub001/internal/utils"
)

// ErrDraft is returned when delivery is requested for a draft message.
var ErrDraft = errors.New("message is a draft")

// Store is the database surface the engine needs.
type Store interface {
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetRecipients(ctx context.Context, messageID string) ([]models.Recipient, error)
	UpdateRecipientDelivery(ctx context.Context, r *models.Recipient) error
	MarkMessageSent(ctx context.Context, messageID string, sentAt time.Time) error
	GetMailboxByAddress(ctx context.Context, address string) (*models.Mailbox, error)
	GetMailDomainByName(ctx context.Context, name string) (*models.MailDomain, error)
	DueRetryMessageIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// BlobLoader fetches stored raw messages.
type BlobLoader interface {
	Load(id string) ([]byte, error)
}

// InternalDeliverer places a message into a local mailbox without going
// over the wire.
type InternalDeliverer interface {
	DeliverInternal(ctx context.Context, mailbox *models.Mailbox, raw []byte) error
}

// Locker guards re-entrant delivery of the same message; sweep dispatch and
// immediate send may race for one message id.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*lock.Guard, error)
}

type Engine struct {
	store       Store
	blobs       BlobLoader
	transmitter Transmitter
	internal    InternalDeliverer
	signer      *DKIMSigner
	locks       Locker
	lockTTL     time.Duration
	log         *slog.Logger

	now func() time.Time
}

func NewEngine(store Store, blobs BlobLoader, transmitter Transmitter, signer *DKIMSigner, log *slog.Logger) *Engine {
	return &Engine{
		store:       store,
		blobs:       blobs,
		transmitter: transmitter,
		signer:      signer,
		log:         log,
		now:         time.Now,
	}
}

// SetInternalDeliverer wires the local delivery path. Set once at startup;
// without it every recipient is treated as external.
func (e *Engine) SetInternalDeliverer(d InternalDeliverer) {
	e.internal = d
}

// SetLocker enables the per-message delivery lock. Without it concurrent
// sends of the same message are not serialized.
func (e *Engine) SetLocker(l Locker, ttl time.Duration) {
	e.locks = l
	e.lockTTL = ttl
}

// Send attempts delivery to every recipient of the message that is not yet
// in a settled state. It is safe to call repeatedly; recipients already
// delivered or permanently failed are skipped.
func (e *Engine) Send(ctx context.Context, messageID string) error {
	if e.locks != nil {
		guard, err := e.locks.Acquire(ctx, "deliver:"+messageID, e.lockTTL)
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil
		}
		if err != nil {
			return err
		}
		defer guard.Release(ctx)
	}

	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("loading message %s: %w", messageID, err)
	}
	if msg.IsDraft {
		return ErrDraft
	}

	recipients, err := e.store.GetRecipients(ctx, messageID)
	if err != nil {
		return fmt.Errorf("loading recipients for %s: %w", messageID, err)
	}

	now := e.now().UTC()
	var pending []models.Recipient
	for _, r := range recipients {
		if r.Retryable(now) {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	raw, err := e.blobs.Load(msg.BlobID)
	if err != nil {
		return fmt.Errorf("loading message body %s: %w", msg.BlobID, err)
	}
	wire := raw
	if e.signer != nil {
		signed, err := e.signer.Sign(raw)
		if err != nil {
			e.log.Warn("dkim signing failed, sending unsigned", "message_id", messageID, "error", err)
		} else {
			wire = signed
		}
	}

	var internal []models.Recipient
	var external []models.Recipient
	for _, r := range pending {
		if e.internal != nil {
			if _, err := e.store.GetMailboxByAddress(ctx, r.Address); err == nil {
				internal = append(internal, r)
				continue
			} else if !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("resolving recipient %q: %w", r.Address, err)
			}
		}
		external = append(external, r)
	}

	for _, r := range internal {
		mb, err := e.store.GetMailboxByAddress(ctx, r.Address)
		if err != nil {
			return fmt.Errorf("resolving recipient %q: %w", r.Address, err)
		}
		if err := e.internal.DeliverInternal(ctx, mb, raw); err != nil {
			e.log.Warn("internal delivery failed", "message_id", messageID, "address", r.Address, "error", err)
			e.applyRetry(&r, now, err.Error())
		} else {
			r.DeliveryStatus = models.StatusInternal
			r.DeliveredAt = &now
			r.RetryAt = nil
			r.DeliveryError = nil
		}
		r.UpdatedAt = now
		if err := e.store.UpdateRecipientDelivery(ctx, &r); err != nil {
			return err
		}
	}

	if len(external) > 0 {
		relayHost, err := e.relayFor(ctx, msg.Sender)
		if err != nil {
			return err
		}
		addrs := make([]string, len(external))
		byAddr := make(map[string]*models.Recipient, len(external))
		for i := range external {
			addrs[i] = external[i].Address
			byAddr[external[i].Address] = &external[i]
		}

		outcomes := e.transmitter.Transmit(ctx, msg.Sender, addrs, wire, relayHost)
		for addr, r := range byAddr {
			o, ok := outcomes[addr]
			switch {
			case !ok:
				e.applyRetry(r, now, "no delivery outcome recorded")
			case o.Delivered:
				r.DeliveryStatus = models.StatusSent
				r.DeliveredAt = &now
				r.RetryAt = nil
				r.DeliveryError = nil
			case o.Retry:
				e.applyRetry(r, now, o.Error)
			default:
				r.DeliveryStatus = models.StatusFailed
				r.RetryAt = nil
				errMsg := o.Error
				r.DeliveryError = &errMsg
			}
			r.UpdatedAt = now
			if err := e.store.UpdateRecipientDelivery(ctx, r); err != nil {
				return err
			}
		}
	}

	if msg.SentAt == nil && msg.IsSender {
		if err := e.store.MarkMessageSent(ctx, messageID, now); err != nil {
			return err
		}
	}
	return nil
}

// applyRetry advances the recipient one step along the retry schedule, or
// marks it failed when the schedule is exhausted.
func (e *Engine) applyRetry(r *models.Recipient, now time.Time, errMsg string) {
	if r.RetryCount >= len(RetrySchedule) {
		r.DeliveryStatus = models.StatusFailed
		r.RetryAt = nil
		r.DeliveryError = &errMsg
		return
	}
	next := now.Add(RetrySchedule[r.RetryCount])
	r.DeliveryStatus = models.StatusRetry
	r.RetryAt = &next
	r.RetryCount++
	r.DeliveryError = &errMsg
}

// relayFor returns the relay host configured for the sender's domain, or ""
// when the domain is unknown or sends directly.
func (e *Engine) relayFor(ctx context.Context, sender string) (string, error) {
	domain := utils.GetDomainFromEmail(sender)
	if domain == "" {
		return "", nil
	}
	dom, err := e.store.GetMailDomainByName(ctx, domain)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up domain %q: %w", domain, err)
	}
	if dom.UseRelay {
		return dom.RelayHost, nil
	}
	return "", nil
}

// SweepRetries finds messages with due recipients and re-runs delivery for
// each. Errors on individual messages are logged, not fatal to the sweep.
func (e *Engine) SweepRetries(ctx context.Context, batch int) error {
	ids, err := e.store.DueRetryMessageIDs(ctx, e.now().UTC(), batch)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := e.Send(ctx, id); err != nil {
			e.log.Error("retry delivery failed", "message_id", id, "error", err)
		}
	}
	return nil
}
