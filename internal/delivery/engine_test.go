package delivery

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/mosacloud/messages-sub001/internal/models"
	"github.com/mosacloud/messages-sub001/internal/storage"
)

type fakeStore struct {
	messages  map[string]*models.Message
	mailboxes map[string]*models.Mailbox
	domains   map[string]*models.MailDomain
	rcpts     map[string][]models.Recipient
	sentAt    map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages:  map[string]*models.Message{},
		mailboxes: map[string]*models.Mailbox{},
		domains:   map[string]*models.MailDomain{},
		rcpts:     map[string][]models.Recipient{},
		sentAt:    map[string]time.Time{},
	}
}

func (f *fakeStore) GetMessage(_ context.Context, id string) (*models.Message, error) {
	m, ok := f.messages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) GetRecipients(_ context.Context, messageID string) ([]models.Recipient, error) {
	return append([]models.Recipient(nil), f.rcpts[messageID]...), nil
}

func (f *fakeStore) UpdateRecipientDelivery(_ context.Context, r *models.Recipient) error {
	list := f.rcpts[r.MessageID]
	for i := range list {
		if list[i].ID == r.ID {
			list[i] = *r
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeStore) MarkMessageSent(_ context.Context, messageID string, sentAt time.Time) error {
	f.sentAt[messageID] = sentAt
	if m, ok := f.messages[messageID]; ok {
		m.IsDraft = false
		m.SentAt = &sentAt
	}
	return nil
}

func (f *fakeStore) GetMailboxByAddress(_ context.Context, address string) (*models.Mailbox, error) {
	mb, ok := f.mailboxes[address]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return mb, nil
}

func (f *fakeStore) GetMailDomainByName(_ context.Context, name string) (*models.MailDomain, error) {
	d, ok := f.domains[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) DueRetryMessageIDs(_ context.Context, now time.Time, limit int) ([]string, error) {
	var out []string
	for id, list := range f.rcpts {
		for _, r := range list {
			if r.DeliveryStatus == models.StatusRetry && r.RetryAt != nil && !r.RetryAt.After(now) {
				out = append(out, id)
				break
			}
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeBlobs struct {
	data map[string][]byte
}

func (f *fakeBlobs) Load(id string) ([]byte, error) {
	d, ok := f.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return d, nil
}

type fakeTransmitter struct {
	outcomes  map[string]Outcome
	calls     int
	lastAddrs []string
	lastRelay string
}

func (f *fakeTransmitter) Transmit(_ context.Context, _ string, addrs []string, _ []byte, relayHost string) map[string]Outcome {
	f.calls++
	f.lastAddrs = append([]string(nil), addrs...)
	f.lastRelay = relayHost
	out := make(map[string]Outcome, len(addrs))
	for _, a := range addrs {
		out[a] = f.outcomes[a]
	}
	return out
}

type fakeInternal struct {
	delivered []string
	err       error
}

func (f *fakeInternal) DeliverInternal(_ context.Context, mb *models.Mailbox, _ []byte) error {
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, mb.Address)
	return nil
}

func testEngine(t *testing.T, store *fakeStore, tx *fakeTransmitter) *Engine {
	t.Helper()
	blobs := &fakeBlobs{data: map[string][]byte{"blob1": []byte("From: a@local.test\r\n\r\nhi")}}
	e := NewEngine(store, blobs, tx, nil, slog.Default())
	return e
}

func seedMessage(store *fakeStore, draft bool, addrs ...string) string {
	msg := &models.Message{
		ID:       "m1",
		ThreadID: "t1",
		Sender:   "sender@local.test",
		BlobID:   "blob1",
		IsDraft:  draft,
		IsSender: true,
	}
	store.messages[msg.ID] = msg
	for i, a := range addrs {
		store.rcpts[msg.ID] = append(store.rcpts[msg.ID], models.Recipient{
			ID:        "r" + string(rune('1'+i)),
			MessageID: msg.ID,
			Address:   a,
			Type:      models.RecipientTo,
		})
	}
	return msg.ID
}

func TestSendDraftRefused(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	tx := &fakeTransmitter{}
	id := seedMessage(store, true, "x@remote.test")
	e := testEngine(t, store, tx)

	if err := e.Send(context.Background(), id); !errors.Is(err, ErrDraft) {
		t.Fatalf("expected ErrDraft, got %v", err)
	}
	if tx.calls != 0 {
		t.Fatalf("draft must not be transmitted")
	}
}

func TestSendInternalRecipient(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.mailboxes["bob@local.test"] = &models.Mailbox{ID: "mb1", Address: "bob@local.test"}
	tx := &fakeTransmitter{}
	id := seedMessage(store, false, "bob@local.test")
	e := testEngine(t, store, tx)
	internal := &fakeInternal{}
	e.SetInternalDeliverer(internal)

	if err := e.Send(context.Background(), id); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if tx.calls != 0 {
		t.Fatalf("internal recipient must not go over the wire")
	}
	if len(internal.delivered) != 1 || internal.delivered[0] != "bob@local.test" {
		t.Fatalf("internal delivery not performed: %v", internal.delivered)
	}
	r := store.rcpts[id][0]
	if r.DeliveryStatus != models.StatusInternal {
		t.Fatalf("status = %q, want internal", r.DeliveryStatus)
	}
	if r.DeliveredAt == nil {
		t.Fatalf("delivered_at not set")
	}
}

func TestSendExternalDelivered(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	tx := &fakeTransmitter{outcomes: map[string]Outcome{
		"x@remote.test": {Delivered: true},
	}}
	id := seedMessage(store, false, "x@remote.test")
	e := testEngine(t, store, tx)

	if err := e.Send(context.Background(), id); err != nil {
		t.Fatalf("Send: %v", err)
	}
	r := store.rcpts[id][0]
	if r.DeliveryStatus != models.StatusSent {
		t.Fatalf("status = %q, want sent", r.DeliveryStatus)
	}
	if _, ok := store.sentAt[id]; !ok {
		t.Fatalf("message not marked sent")
	}
}

func TestSendTransientFailureSchedulesRetry(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	tx := &fakeTransmitter{outcomes: map[string]Outcome{
		"x@remote.test": {Retry: true, Error: "451 try again later"},
	}}
	id := seedMessage(store, false, "x@remote.test")
	e := testEngine(t, store, tx)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	if err := e.Send(context.Background(), id); err != nil {
		t.Fatalf("Send: %v", err)
	}
	r := store.rcpts[id][0]
	if r.DeliveryStatus != models.StatusRetry {
		t.Fatalf("status = %q, want retry", r.DeliveryStatus)
	}
	if r.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", r.RetryCount)
	}
	if r.RetryAt == nil || !r.RetryAt.Equal(base.Add(15*time.Minute)) {
		t.Fatalf("retry_at = %v, want %v", r.RetryAt, base.Add(15*time.Minute))
	}
	if r.DeliveryError == nil || *r.DeliveryError != "451 try again later" {
		t.Fatalf("delivery_error = %v", r.DeliveryError)
	}

	// Not due yet: nothing happens.
	e.now = func() time.Time { return base.Add(5 * time.Minute) }
	if err := e.Send(context.Background(), id); err != nil {
		t.Fatalf("Send before due: %v", err)
	}
	if tx.calls != 1 {
		t.Fatalf("recipient attempted before retry_at, calls = %d", tx.calls)
	}

	// Due: next failure advances the schedule.
	e.now = func() time.Time { return base.Add(20 * time.Minute) }
	if err := e.Send(context.Background(), id); err != nil {
		t.Fatalf("Send after due: %v", err)
	}
	r = store.rcpts[id][0]
	if r.RetryCount != 2 {
		t.Fatalf("retry_count = %d, want 2", r.RetryCount)
	}
	want := base.Add(20 * time.Minute).Add(30 * time.Minute)
	if r.RetryAt == nil || !r.RetryAt.Equal(want) {
		t.Fatalf("retry_at = %v, want %v", r.RetryAt, want)
	}
}

func TestSendRetryExhaustionFails(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	tx := &fakeTransmitter{outcomes: map[string]Outcome{
		"x@remote.test": {Retry: true, Error: "451 still busy"},
	}}
	id := seedMessage(store, false, "x@remote.test")
	store.rcpts[id][0].DeliveryStatus = models.StatusRetry
	store.rcpts[id][0].RetryCount = len(RetrySchedule)
	e := testEngine(t, store, tx)

	if err := e.Send(context.Background(), id); err != nil {
		t.Fatalf("Send: %v", err)
	}
	r := store.rcpts[id][0]
	if r.DeliveryStatus != models.StatusFailed {
		t.Fatalf("status = %q, want failed", r.DeliveryStatus)
	}
	if r.RetryAt != nil {
		t.Fatalf("retry_at must be cleared on failure")
	}
}

func TestSendPermanentFailure(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	tx := &fakeTransmitter{outcomes: map[string]Outcome{
		"x@remote.test": {Error: "550 no such user"},
	}}
	id := seedMessage(store, false, "x@remote.test")
	e := testEngine(t, store, tx)

	if err := e.Send(context.Background(), id); err != nil {
		t.Fatalf("Send: %v", err)
	}
	r := store.rcpts[id][0]
	if r.DeliveryStatus != models.StatusFailed {
		t.Fatalf("status = %q, want failed", r.DeliveryStatus)
	}
	if r.DeliveryError == nil || *r.DeliveryError != "550 no such user" {
		t.Fatalf("delivery_error = %v", r.DeliveryError)
	}
}

func TestSendSkipsSettledRecipients(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	tx := &fakeTransmitter{outcomes: map[string]Outcome{
		"b@remote.test": {Delivered: true},
	}}
	id := seedMessage(store, false, "a@remote.test", "b@remote.test")
	now := time.Now().UTC()
	store.rcpts[id][0].DeliveryStatus = models.StatusSent
	store.rcpts[id][0].DeliveredAt = &now
	e := testEngine(t, store, tx)

	if err := e.Send(context.Background(), id); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(tx.lastAddrs) != 1 || tx.lastAddrs[0] != "b@remote.test" {
		t.Fatalf("already delivered recipient must not be resent, got %v", tx.lastAddrs)
	}
	if store.rcpts[id][1].DeliveryStatus != models.StatusSent {
		t.Fatalf("pending recipient not delivered")
	}
}

func TestSendUsesDomainRelay(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.domains["local.test"] = &models.MailDomain{
		ID: "d1", Name: "local.test", UseRelay: true, RelayHost: "relay.example.net:587",
	}
	tx := &fakeTransmitter{outcomes: map[string]Outcome{
		"x@remote.test": {Delivered: true},
	}}
	id := seedMessage(store, false, "x@remote.test")
	e := testEngine(t, store, tx)

	if err := e.Send(context.Background(), id); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if tx.lastRelay != "relay.example.net:587" {
		t.Fatalf("relay = %q, want domain override", tx.lastRelay)
	}
}

func TestSweepRetries(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	tx := &fakeTransmitter{outcomes: map[string]Outcome{
		"x@remote.test": {Delivered: true},
	}}
	id := seedMessage(store, false, "x@remote.test")
	past := time.Now().UTC().Add(-time.Minute)
	store.rcpts[id][0].DeliveryStatus = models.StatusRetry
	store.rcpts[id][0].RetryAt = &past
	store.rcpts[id][0].RetryCount = 3
	e := testEngine(t, store, tx)

	if err := e.SweepRetries(context.Background(), 10); err != nil {
		t.Fatalf("SweepRetries: %v", err)
	}
	if store.rcpts[id][0].DeliveryStatus != models.StatusSent {
		t.Fatalf("due recipient not redelivered, status = %q", store.rcpts[id][0].DeliveryStatus)
	}
}

func TestSendMixedInternalAndExternalRecipients(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.mailboxes["bob@local.test"] = &models.Mailbox{ID: "mb1", Address: "bob@local.test"}
	tx := &fakeTransmitter{outcomes: map[string]Outcome{
		"x@remote.test": {Retry: true, Error: "421 busy"},
	}}
	id := seedMessage(store, false, "bob@local.test", "x@remote.test")
	e := testEngine(t, store, tx)
	internal := &fakeInternal{}
	e.SetInternalDeliverer(internal)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	if err := e.Send(context.Background(), id); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(internal.delivered) != 1 || internal.delivered[0] != "bob@local.test" {
		t.Fatalf("internal recipient not handed off: %v", internal.delivered)
	}
	if len(tx.lastAddrs) != 1 || tx.lastAddrs[0] != "x@remote.test" {
		t.Fatalf("only the external recipient goes over the wire, got %v", tx.lastAddrs)
	}

	local := store.rcpts[id][0]
	if local.DeliveryStatus != models.StatusInternal {
		t.Fatalf("local status = %q, want internal", local.DeliveryStatus)
	}
	remote := store.rcpts[id][1]
	if remote.DeliveryStatus != models.StatusRetry {
		t.Fatalf("remote status = %q, want retry", remote.DeliveryStatus)
	}
	if remote.RetryCount != 1 {
		t.Fatalf("remote retry_count = %d, want 1", remote.RetryCount)
	}
	if remote.RetryAt == nil || !remote.RetryAt.Equal(base.Add(15*time.Minute)) {
		t.Fatalf("remote retry_at = %v, want %v", remote.RetryAt, base.Add(15*time.Minute))
	}
}
