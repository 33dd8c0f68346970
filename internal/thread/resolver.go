package thread

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mosacloud/messages-sub001/internal/mime"
	"github.com/mosacloud/messages-sub001/internal/models"
	"github.com/mosacloud/messages-sub001/internal/utils"
)

// importScanLimit bounds the subject-only pre-match used when merging
// historical archives without reliable reference headers.
const importScanLimit = 200

// Store is the persistence surface the resolver needs.
type Store interface {
	// FindMessagesByMimeIDs returns messages with one of the given mime-ids
	// inside threads the mailbox can access, newest first.
	FindMessagesByMimeIDs(ctx context.Context, mailboxID string, mimeIDs []string) ([]models.Message, error)
	// RecentMessages returns the newest messages in threads the mailbox can
	// access, newest first, up to limit.
	RecentMessages(ctx context.Context, mailboxID string, limit int) ([]models.Message, error)
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	CreateThread(ctx context.Context, t *models.Thread) error
	CreateThreadAccess(ctx context.Context, a *models.ThreadAccess) error
}

// Options tune a single resolution.
type Options struct {
	// Import enables the subject-only pre-match used by archive imports.
	Import bool
}

// Resolver finds or creates the owning thread for an inbound message.
type Resolver struct {
	store Store
	log   *slog.Logger
}

func NewResolver(store Store, log *slog.Logger) *Resolver {
	return &Resolver{store: store, log: log}
}

// Resolve returns the thread a parsed inbound message belongs to, creating a
// new one when nothing matches. The returned bool reports whether the thread
// was created. Dedup by message-id is the caller's responsibility and
// precedes resolution.
func (r *Resolver) Resolve(ctx context.Context, parsed *mime.ParsedMessage, mailbox *models.Mailbox, opts Options) (*models.Thread, bool, error) {
	canonical := CanonicalizeSubject(parsed.Subject)

	if opts.Import && canonical != "" {
		if t, err := r.matchBySubject(ctx, mailbox, canonical); err != nil {
			return nil, false, err
		} else if t != nil {
			return t, false, nil
		}
	}

	if t, err := r.matchByReferences(ctx, parsed, mailbox, canonical); err != nil {
		return nil, false, err
	} else if t != nil {
		return t, false, nil
	}

	t, err := r.createThread(ctx, parsed, mailbox)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// matchByReferences collects the union of In-Reply-To and References ids,
// finds accessible messages carrying one of them (newest first) and takes
// the first whose canonical subject matches. Reference matches with a
// different canonical subject deliberately resolve to no thread: attaching
// unrelated replies under a coincidentally-shared reference id is worse
// than starting a fresh thread.
func (r *Resolver) matchByReferences(ctx context.Context, parsed *mime.ParsedMessage, mailbox *models.Mailbox, canonical string) (*models.Thread, error) {
	ids := referenceIDs(parsed)
	if len(ids) == 0 {
		return nil, nil
	}

	candidates, err := r.store.FindMessagesByMimeIDs(ctx, mailbox.ID, ids)
	if err != nil {
		return nil, fmt.Errorf("find reference candidates: %w", err)
	}
	for _, m := range candidates {
		if CanonicalizeSubject(m.Subject) == canonical {
			return r.store.GetThread(ctx, m.ThreadID)
		}
	}
	if len(candidates) > 0 {
		r.log.Debug("reference match discarded on subject mismatch",
			"mailbox", mailbox.Address, "subject", parsed.Subject)
	}
	return nil, nil
}

func (r *Resolver) matchBySubject(ctx context.Context, mailbox *models.Mailbox, canonical string) (*models.Thread, error) {
	recent, err := r.store.RecentMessages(ctx, mailbox.ID, importScanLimit)
	if err != nil {
		return nil, fmt.Errorf("scan recent messages: %w", err)
	}
	for _, m := range recent {
		if CanonicalizeSubject(m.Subject) == canonical {
			return r.store.GetThread(ctx, m.ThreadID)
		}
	}
	return nil, nil
}

func (r *Resolver) createThread(ctx context.Context, parsed *mime.ParsedMessage, mailbox *models.Mailbox) (*models.Thread, error) {
	now := time.Now()
	t := &models.Thread{
		ID:        uuid.New().String(),
		Subject:   utils.Truncate(parsed.Subject, subjectMaxLen),
		Snippet:   Snippet(parsed),
		HasUnread: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateThread(ctx, t); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}

	access := &models.ThreadAccess{
		ID:        uuid.New().String(),
		ThreadID:  t.ID,
		MailboxID: mailbox.ID,
		Role:      models.AccessRoleEditor,
		Origin:    models.AccessOriginReceived,
		CreatedAt: now,
	}
	if err := r.store.CreateThreadAccess(ctx, access); err != nil {
		return nil, fmt.Errorf("grant thread access: %w", err)
	}
	return t, nil
}

// referenceIDs is the deduplicated union of In-Reply-To and References.
func referenceIDs(parsed *mime.ParsedMessage) []string {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	add(parsed.InReplyTo)
	for _, id := range parsed.References {
		add(id)
	}
	return ids
}
