package models

import "time"

// DeliveryStatus tracks the delivery state machine for a single recipient.
type DeliveryStatus string

const (
	StatusUnset    DeliveryStatus = ""
	StatusSent     DeliveryStatus = "sent"
	StatusInternal DeliveryStatus = "internal"
	StatusRetry    DeliveryStatus = "retry"
	StatusFailed   DeliveryStatus = "failed"
)

// Terminal reports whether the status admits no further transition.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusSent || s == StatusInternal || s == StatusFailed
}

// RecipientType is the address slot a recipient occupies on a message.
type RecipientType string

const (
	RecipientTo  RecipientType = "to"
	RecipientCc  RecipientType = "cc"
	RecipientBcc RecipientType = "bcc"
)

// MailDomain is a mail domain hosted by this server, with per-domain
// transmission overrides.
type MailDomain struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	UseRelay  bool      `db:"use_relay" json:"use_relay"`
	RelayHost string    `db:"relay_host" json:"relay_host"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Mailbox is a locally-hosted delivery target.
type Mailbox struct {
	ID        string    `db:"id" json:"id"`
	Address   string    `db:"address" json:"address"`
	DomainID  string    `db:"domain_id" json:"domain_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Thread groups messages into a conversation.
type Thread struct {
	ID          string    `db:"id" json:"id"`
	Subject     string    `db:"subject" json:"subject"`
	Snippet     string    `db:"snippet" json:"snippet"`
	HasUnread   bool      `db:"has_unread" json:"has_unread"`
	HasStarred  bool      `db:"has_starred" json:"has_starred"`
	HasTrashed  bool      `db:"has_trashed" json:"has_trashed"`
	HasArchived bool      `db:"has_archived" json:"has_archived"`
	IsSpam      bool      `db:"is_spam" json:"is_spam"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// ThreadAccess grants a mailbox access to a thread.
type ThreadAccess struct {
	ID        string    `db:"id" json:"id"`
	ThreadID  string    `db:"thread_id" json:"thread_id"`
	MailboxID string    `db:"mailbox_id" json:"mailbox_id"`
	Role      string    `db:"role" json:"role"`
	Origin    string    `db:"origin" json:"origin"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

const (
	AccessRoleEditor = "editor"
	AccessRoleViewer = "viewer"

	AccessOriginReceived = "received"
	AccessOriginSent     = "sent"
)

// Message belongs to exactly one thread. The raw RFC 5322 content lives in
// the blob store, addressed by BlobID (its SHA-256 digest).
type Message struct {
	ID        string     `db:"id" json:"id"`
	ThreadID  string     `db:"thread_id" json:"thread_id"`
	ParentID  *string    `db:"parent_id" json:"parent_id"`
	Sender    string     `db:"sender" json:"sender"`
	Subject   string     `db:"subject" json:"subject"`
	MimeID    string     `db:"mime_id" json:"mime_id"`
	BlobID    string     `db:"blob_id" json:"blob_id"`
	SentAt    *time.Time `db:"sent_at" json:"sent_at"`
	ReadAt    *time.Time `db:"read_at" json:"read_at"`
	TrashedAt *time.Time `db:"trashed_at" json:"trashed_at"`
	IsDraft   bool       `db:"is_draft" json:"is_draft"`
	IsSender  bool       `db:"is_sender" json:"is_sender"`
	IsSpam    bool       `db:"is_spam" json:"is_spam"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// Recipient is the unit of delivery state: one row per (message, address,
// type). Mutated exclusively by the delivery engine.
type Recipient struct {
	ID             string         `db:"id" json:"id"`
	MessageID      string         `db:"message_id" json:"message_id"`
	Address        string         `db:"address" json:"address"`
	Name           string         `db:"name" json:"name"`
	Type           RecipientType  `db:"type" json:"type"`
	DeliveryStatus DeliveryStatus `db:"delivery_status" json:"delivery_status"`
	DeliveredAt    *time.Time     `db:"delivered_at" json:"delivered_at"`
	RetryAt        *time.Time     `db:"retry_at" json:"retry_at"`
	RetryCount     int            `db:"retry_count" json:"retry_count"`
	DeliveryError  *string        `db:"delivery_error" json:"delivery_error"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// Retryable reports whether the recipient may still be attempted at now.
func (r Recipient) Retryable(now time.Time) bool {
	if r.DeliveryStatus != StatusUnset && r.DeliveryStatus != StatusRetry {
		return false
	}
	return r.RetryAt == nil || !r.RetryAt.After(now)
}

// InboundIntake is a queued raw message awaiting asynchronous processing.
// Deleted on successful processing, retained with ErrorMessage on failure.
type InboundIntake struct {
	ID           string    `db:"id" json:"id"`
	MailboxID    string    `db:"mailbox_id" json:"mailbox_id"`
	Raw          []byte    `db:"raw" json:"-"`
	Channel      string    `db:"channel" json:"channel"`
	ErrorMessage *string   `db:"error_message" json:"error_message"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

const (
	IntakeChannelAPI      = "api"
	IntakeChannelInternal = "internal"
	IntakeChannelImport   = "import"
)
