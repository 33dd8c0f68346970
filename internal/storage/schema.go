package storage

// Schema is applied at startup; statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS mail_domains (
    id UUID PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    use_relay BOOLEAN NOT NULL DEFAULT FALSE,
    relay_host TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS mailboxes (
    id UUID PRIMARY KEY,
    address TEXT NOT NULL UNIQUE,
    domain_id UUID NOT NULL REFERENCES mail_domains(id),
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS threads (
    id UUID PRIMARY KEY,
    subject TEXT NOT NULL DEFAULT '',
    snippet TEXT NOT NULL DEFAULT '',
    has_unread BOOLEAN NOT NULL DEFAULT FALSE,
    has_starred BOOLEAN NOT NULL DEFAULT FALSE,
    has_trashed BOOLEAN NOT NULL DEFAULT FALSE,
    has_archived BOOLEAN NOT NULL DEFAULT FALSE,
    is_spam BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS thread_access (
    id UUID PRIMARY KEY,
    thread_id UUID NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
    mailbox_id UUID NOT NULL REFERENCES mailboxes(id),
    role TEXT NOT NULL,
    origin TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE(thread_id, mailbox_id)
);

CREATE TABLE IF NOT EXISTS messages (
    id UUID PRIMARY KEY,
    thread_id UUID NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
    parent_id UUID REFERENCES messages(id),
    sender TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    mime_id TEXT NOT NULL DEFAULT '',
    blob_id TEXT NOT NULL DEFAULT '',
    sent_at TIMESTAMPTZ,
    read_at TIMESTAMPTZ,
    trashed_at TIMESTAMPTZ,
    is_draft BOOLEAN NOT NULL DEFAULT FALSE,
    is_sender BOOLEAN NOT NULL DEFAULT FALSE,
    is_spam BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);
CREATE INDEX IF NOT EXISTS idx_messages_mime_id ON messages(mime_id);

CREATE TABLE IF NOT EXISTS recipients (
    id UUID PRIMARY KEY,
    message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    address TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    delivery_status TEXT NOT NULL DEFAULT '',
    delivered_at TIMESTAMPTZ,
    retry_at TIMESTAMPTZ,
    retry_count INTEGER NOT NULL DEFAULT 0,
    delivery_error TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    UNIQUE(message_id, address, type)
);
CREATE INDEX IF NOT EXISTS idx_recipients_retry ON recipients(delivery_status, retry_at);

CREATE TABLE IF NOT EXISTS inbound_intakes (
    id UUID PRIMARY KEY,
    mailbox_id UUID NOT NULL REFERENCES mailboxes(id),
    raw BYTEA NOT NULL,
    channel TEXT NOT NULL,
    error_message TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS locks (
    key TEXT PRIMARY KEY,
    token UUID NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
`
