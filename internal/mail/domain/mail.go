package domain

import "time"

// EmbeddingDim is the fixed width of every embedding vector in the store.
// The schema rejects any other width.
const EmbeddingDim = 768

// SnippetLen caps the stored preview text.
const SnippetLen = 200

// Address is a parsed mailbox address.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Attachment describes one MIME part of a message. Content is fetched
// lazily; LocalPath is set once it has been downloaded.
type Attachment struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
	ContentID string `json:"content_id,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
}

// MailItem is one mirrored message. (AccountID, GmailID) is unique, and
// (AccountID, Folder, UID) is unique per UIDValidity epoch.
type MailItem struct {
	ID          string `json:"id"`
	AccountID   string `json:"account_id"`
	GmailID     uint64 `json:"gmail_id"`
	ThreadID    uint64 `json:"thread_id"`
	MessageID   string `json:"message_id"`
	UID         uint32 `json:"uid"`
	UIDValidity uint32 `json:"uid_validity"`
	InReplyTo   string `json:"in_reply_to,omitempty"`
	References  string `json:"references,omitempty"`

	Folder  string    `json:"folder"`
	Labels  []string  `json:"labels"`
	Flags   []string  `json:"flags"`
	From    Address   `json:"from"`
	To      []Address `json:"to"`
	Cc      []Address `json:"cc,omitempty"`
	Bcc     []Address `json:"bcc,omitempty"`
	Subject string    `json:"subject"`
	Date    time.Time `json:"date"`

	BodyText string `json:"body_text"`
	BodyHTML string `json:"body_html,omitempty"`
	// TotalBodyChars is the plain-text length before the storage cap
	// was applied. Ingest sets it for every parsed body; a value not
	// above len(BodyText), zero included, reads as a complete body.
	TotalBodyChars int          `json:"total_body_chars,omitempty"`
	Snippet        string       `json:"snippet"`
	Attachments    []Attachment `json:"attachments,omitempty"`

	Embedding  []float32 `json:"-"`
	NeedsEmbed bool      `json:"-"`

	SyncedAt time.Time `json:"synced_at"`
	RawSize  int64     `json:"raw_size"`
}

// HasAttachments reports whether any non-inline part is attached.
func (m *MailItem) HasAttachments() bool {
	return len(m.Attachments) > 0
}

// IsUnread reports whether the \Seen flag is absent.
func (m *MailItem) IsUnread() bool {
	for _, f := range m.Flags {
		if f == "\\Seen" {
			return false
		}
	}
	return true
}

// IsFlagged reports whether the \Flagged flag is present.
func (m *MailItem) IsFlagged() bool {
	for _, f := range m.Flags {
		if f == "\\Flagged" {
			return true
		}
	}
	return false
}

// MailResult is the stable result envelope returned by search and get
// tools. Field names are part of the external contract.
type MailResult struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	AccountAlias   string    `json:"account_alias,omitempty"`
	MessageID      string    `json:"message_id"`
	ThreadID       uint64    `json:"thread_id"`
	From           Address   `json:"from"`
	To             []Address `json:"to"`
	Cc             []Address `json:"cc,omitempty"`
	Subject        string    `json:"subject"`
	Date           string    `json:"date"` // ISO-8601 UTC
	Snippet        string    `json:"snippet"`
	HasAttachments bool      `json:"has_attachments"`
	Labels         []string  `json:"labels"`
	Score          *float64  `json:"score,omitempty"`
	Truncated      *bool     `json:"truncated,omitempty"`
	TotalBodyChars *int      `json:"total_body_chars,omitempty"`
	Body           string    `json:"body,omitempty"`
}

// ToResult converts the item to its wire envelope.
func (m *MailItem) ToResult(alias string, bodyMaxChars int, includeBody bool) *MailResult {
	r := &MailResult{
		ID:             m.ID,
		AccountID:      m.AccountID,
		AccountAlias:   alias,
		MessageID:      m.MessageID,
		ThreadID:       m.ThreadID,
		From:           m.From,
		To:             m.To,
		Cc:             m.Cc,
		Subject:        m.Subject,
		Date:           m.Date.UTC().Format(time.RFC3339),
		Snippet:        m.Snippet,
		HasAttachments: m.HasAttachments(),
		Labels:         m.Labels,
	}
	if includeBody {
		body := m.BodyText
		if bodyMaxChars > 0 && len(body) > bodyMaxChars {
			body = body[:bodyMaxChars]
		}
		// The original length survives the ingest-time cap, so the
		// envelope reports what the server actually holds.
		total := m.TotalBodyChars
		if total < len(m.BodyText) {
			total = len(m.BodyText)
		}
		truncated := total > len(body)
		r.Body = body
		r.Truncated = &truncated
		r.TotalBodyChars = &total
	}
	return r
}
