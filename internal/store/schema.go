package store

// Schema for the three item tables plus the keyword (FTS5) and ANN
// (vec0) indexes. Vector width is fixed at 768; the vec0 column type
// rejects any other width at insert time.
//
// The FTS and vector rows are maintained by the writer inside the same
// transaction as the base row, so a published commit is always fully
// indexed.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    email TEXT PRIMARY KEY,
    alias TEXT,
    display_name TEXT,
    status TEXT NOT NULL DEFAULT 'active',
    added_at INTEGER NOT NULL,
    last_email_sync INTEGER,
    last_calendar_sync INTEGER,
    sync_email INTEGER NOT NULL DEFAULT 1,
    sync_calendar INTEGER NOT NULL DEFAULT 1,
    folders TEXT,
    sync_attachments INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS mail_items (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    gmail_id INTEGER NOT NULL,
    thread_id INTEGER NOT NULL,
    message_id TEXT NOT NULL,
    uid INTEGER NOT NULL,
    uid_validity INTEGER NOT NULL,
    in_reply_to TEXT,
    ref_ids TEXT,
    folder TEXT NOT NULL,
    labels TEXT,
    flags TEXT,
    from_name TEXT,
    from_email TEXT,
    to_json TEXT,
    cc_json TEXT,
    bcc_json TEXT,
    subject TEXT,
    date INTEGER NOT NULL,
    body_text TEXT,
    body_html TEXT,
    total_body_chars INTEGER NOT NULL DEFAULT 0,
    snippet TEXT,
    attachments TEXT,
    has_attachments INTEGER NOT NULL DEFAULT 0,
    needs_embed INTEGER NOT NULL DEFAULT 0,
    synced_at INTEGER NOT NULL,
    raw_size INTEGER NOT NULL DEFAULT 0,
    UNIQUE (account_id, gmail_id)
);

CREATE INDEX IF NOT EXISTS idx_mail_thread ON mail_items(account_id, thread_id);
CREATE INDEX IF NOT EXISTS idx_mail_folder_uid ON mail_items(account_id, folder, uid_validity, uid);
CREATE INDEX IF NOT EXISTS idx_mail_date ON mail_items(date);
CREATE INDEX IF NOT EXISTS idx_mail_needs_embed ON mail_items(needs_embed) WHERE needs_embed = 1;

CREATE TABLE IF NOT EXISTS calendar_items (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    calendar_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    uid TEXT NOT NULL,
    etag TEXT,
    summary TEXT,
    description TEXT,
    location TEXT,
    start_ts INTEGER NOT NULL,
    end_ts INTEGER NOT NULL,
    time_zone TEXT,
    all_day INTEGER NOT NULL DEFAULT 0,
    rrule TEXT,
    recurrence_id TEXT,
    organizer TEXT,
    attendees TEXT,
    status TEXT NOT NULL DEFAULT 'confirmed',
    transparency TEXT NOT NULL DEFAULT 'busy',
    reminders TEXT,
    needs_embed INTEGER NOT NULL DEFAULT 0,
    synced_at INTEGER NOT NULL,
    UNIQUE (account_id, event_id)
);

CREATE INDEX IF NOT EXISTS idx_cal_calendar ON calendar_items(account_id, calendar_id);
CREATE INDEX IF NOT EXISTS idx_cal_start ON calendar_items(start_ts);
CREATE INDEX IF NOT EXISTS idx_cal_needs_embed ON calendar_items(needs_embed) WHERE needs_embed = 1;

CREATE VIRTUAL TABLE IF NOT EXISTS mail_fts USING fts5(
    item_id UNINDEXED,
    subject,
    body,
    sender,
    recipients,
    attachment_names
);

CREATE VIRTUAL TABLE IF NOT EXISTS calendar_fts USING fts5(
    item_id UNINDEXED,
    summary,
    description,
    location,
    attendees
);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_mail USING vec0(
    item_id TEXT PRIMARY KEY,
    embedding float[768]
);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_calendar USING vec0(
    item_id TEXT PRIMARY KEY,
    embedding float[768]
);
`

// bm25 weights per FTS column, subject above body. The leading zero
// covers the unindexed item_id column.
const (
	mailBM25     = "bm25(mail_fts, 0.0, 5.0, 1.0, 3.0, 2.0, 2.0)"
	calendarBM25 = "bm25(calendar_fts, 0.0, 5.0, 2.0, 2.0, 1.0)"
)
