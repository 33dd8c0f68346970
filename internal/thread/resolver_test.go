package thread

import (
	"context"
	"log/slog"
	"testing"

	"github.com/mosacloud/messages-sub001/internal/mime"
	"github.com/mosacloud/messages-sub001/internal/models"
)

type fakeStore struct {
	messages []models.Message
	threads  map[string]*models.Thread
	created  []*models.Thread
	access   []*models.ThreadAccess
}

func newFakeStore() *fakeStore {
	return &fakeStore{threads: map[string]*models.Thread{}}
}

func (s *fakeStore) FindMessagesByMimeIDs(_ context.Context, _ string, ids []string) ([]models.Message, error) {
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []models.Message
	for _, m := range s.messages {
		if want[m.MimeID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) RecentMessages(_ context.Context, _ string, limit int) ([]models.Message, error) {
	if len(s.messages) > limit {
		return s.messages[:limit], nil
	}
	return s.messages, nil
}

func (s *fakeStore) GetThread(_ context.Context, id string) (*models.Thread, error) {
	return s.threads[id], nil
}

func (s *fakeStore) CreateThread(_ context.Context, t *models.Thread) error {
	s.threads[t.ID] = t
	s.created = append(s.created, t)
	return nil
}

func (s *fakeStore) CreateThreadAccess(_ context.Context, a *models.ThreadAccess) error {
	s.access = append(s.access, a)
	return nil
}

func testLogger() *slog.Logger {
	return slog.Default()
}

func TestCanonicalizeSubject(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"Re: Budget", "budget"},
		{"RE: FWD: Re: Budget", "budget"},
		{"Rép : Budget", "budget"},
		{"Tr: Budget", "budget"},
		{"Budget", "budget"},
		{"Reconsider", "reconsider"},
		{"  Re:   spaced  ", "spaced"},
	}
	for _, c := range cases {
		if got := CanonicalizeSubject(c.in); got != c.want {
			t.Errorf("CanonicalizeSubject(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestResolveMatchesReferenceWithMatchingSubject(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.threads["t1"] = &models.Thread{ID: "t1", Subject: "Budget"}
	store.messages = []models.Message{
		{ID: "m1", ThreadID: "t1", MimeID: "abc@x", Subject: "budget"},
	}
	r := NewResolver(store, testLogger())

	parsed := &mime.ParsedMessage{
		Subject:   "Re: Budget",
		InReplyTo: "abc@x",
	}
	got, created, err := r.Resolve(context.Background(), parsed, &models.Mailbox{ID: "mb1", Address: "m@x"}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Fatal("expected existing thread, got a new one")
	}
	if got.ID != "t1" {
		t.Errorf("thread = %q, want t1", got.ID)
	}
}

func TestResolveRejectsReferenceWithDifferentSubject(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.threads["t1"] = &models.Thread{ID: "t1", Subject: "Budget"}
	store.messages = []models.Message{
		{ID: "m1", ThreadID: "t1", MimeID: "abc@x", Subject: "budget"},
	}
	r := NewResolver(store, testLogger())

	parsed := &mime.ParsedMessage{
		Subject:   "Completely unrelated",
		InReplyTo: "abc@x",
	}
	got, created, err := r.Resolve(context.Background(), parsed, &models.Mailbox{ID: "mb1"}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatal("expected a new thread")
	}
	if got.ID == "t1" {
		t.Error("unrelated reply must not auto-merge into t1")
	}
}

func TestResolveDeterministicForIdenticalReplies(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.threads["t1"] = &models.Thread{ID: "t1", Subject: "Budget"}
	store.messages = []models.Message{
		{ID: "m1", ThreadID: "t1", MimeID: "abc@x", Subject: "budget"},
	}
	r := NewResolver(store, testLogger())
	mb := &models.Mailbox{ID: "mb1"}

	for i := 0; i < 2; i++ {
		parsed := &mime.ParsedMessage{Subject: "Re: Budget", InReplyTo: "abc@x"}
		got, _, err := r.Resolve(context.Background(), parsed, mb, Options{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.ID != "t1" {
			t.Errorf("attempt %d: thread = %q, want t1", i, got.ID)
		}
	}
}

func TestResolveCreatesThreadWithSnippetAndAccess(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	r := NewResolver(store, testLogger())

	parsed := &mime.ParsedMessage{
		Subject:  "Hello",
		TextBody: []mime.BodyPart{{Content: "first line of the body"}},
	}
	got, created, err := r.Resolve(context.Background(), parsed, &models.Mailbox{ID: "mb1"}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatal("expected a created thread")
	}
	if got.Snippet != "first line of the body" {
		t.Errorf("snippet = %q", got.Snippet)
	}
	if len(store.access) != 1 || store.access[0].Origin != models.AccessOriginReceived {
		t.Errorf("access grants = %v", store.access)
	}
	if store.access[0].Role != models.AccessRoleEditor {
		t.Errorf("role = %q, want editor", store.access[0].Role)
	}
}

func TestResolveImportSubjectOnlyMatch(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.threads["t1"] = &models.Thread{ID: "t1", Subject: "Budget"}
	store.messages = []models.Message{
		{ID: "m1", ThreadID: "t1", MimeID: "other@x", Subject: "Budget"},
	}
	r := NewResolver(store, testLogger())

	// No usable references, but the canonical subject matches an existing
	// message, so the import variant merges.
	parsed := &mime.ParsedMessage{Subject: "Re: Budget"}
	got, created, err := r.Resolve(context.Background(), parsed, &models.Mailbox{ID: "mb1"}, Options{Import: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created || got.ID != "t1" {
		t.Errorf("created=%v thread=%q, want existing t1", created, got.ID)
	}
}

func TestSnippetPriority(t *testing.T) {
	t.Parallel()

	html := &mime.ParsedMessage{
		Subject:  "Subject line",
		HTMLBody: []mime.BodyPart{{Content: "<p>html <b>content</b></p>"}},
	}
	if got := Snippet(html); got != "html content" {
		t.Errorf("html snippet = %q", got)
	}

	subjOnly := &mime.ParsedMessage{Subject: "Subject line"}
	if got := Snippet(subjOnly); got != "Subject line" {
		t.Errorf("subject snippet = %q", got)
	}

	empty := &mime.ParsedMessage{}
	if got := Snippet(empty); got != "(no content)" {
		t.Errorf("placeholder snippet = %q", got)
	}
}
