package sync

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"mime"
	"strings"
	gosync "sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	caldomain "github.com/jamiequint/groundeffect/internal/calendar/domain"
	maildomain "github.com/jamiequint/groundeffect/internal/mail/domain"
	"github.com/jamiequint/groundeffect/internal/store"
	"github.com/jamiequint/groundeffect/pkg/embed"
	"github.com/jamiequint/groundeffect/pkg/errs"
	"github.com/jamiequint/groundeffect/pkg/htmltext"
	"github.com/jamiequint/groundeffect/pkg/imapclient"
)

// Commit policy: a batch publishes at 100 items or 5 seconds of
// wall-clock, whichever comes first.
const (
	commitBatchSize = 100
	commitInterval  = 5 * time.Second
)

// Pipeline normalises fetched payloads, computes snippets and
// embeddings, and batches commits to the store. One instance per
// writer process; a single flush goroutine serialises commits, which
// gives the per-account happens-before ordering for free.
type Pipeline struct {
	st           *store.Store
	embedder     embed.Embedder
	conv         htmltext.Converter
	bodyMaxChars int
	log          *slog.Logger

	mu       gosync.Mutex
	mail     []*maildomain.MailItem
	mailDel  []string
	cal      []*caldomain.CalendarItem
	calDel   []string
	kick     chan struct{}
	done     chan struct{}
	stopOnce gosync.Once
}

func NewPipeline(st *store.Store, em embed.Embedder, conv htmltext.Converter, bodyMaxChars int, log *slog.Logger) *Pipeline {
	if conv == nil {
		conv = htmltext.Default{}
	}
	return &Pipeline{
		st:           st,
		embedder:     em,
		conv:         conv,
		bodyMaxChars: bodyMaxChars,
		log:          log,
		kick:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start launches the flush loop.
func (p *Pipeline) Start(ctx context.Context) {
	go p.loop(ctx)
}

// Stop drains pending items into a final commit.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

func (p *Pipeline) loop(ctx context.Context) {
	ticker := time.NewTicker(commitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return
		case <-p.done:
			p.flush()
			return
		case <-ticker.C:
			p.flush()
		case <-p.kick:
			p.flush()
		}
	}
}

// IngestMessage runs one fetched message through the pipeline:
// parse, extract text, snippet, embed, enqueue for commit.
func (p *Pipeline) IngestMessage(ctx context.Context, account string, env *imapclient.Envelope, folder string, raw []byte) error {
	item, err := ParseMessage(account, env, folder, raw, p.conv, p.bodyMaxChars)
	if err != nil {
		return errs.Poison(fmt.Errorf("parse uid %d: %w", env.UID, err))
	}
	p.embedMail(ctx, item)
	p.enqueueMail(item)
	return nil
}

// IngestEvents embeds and enqueues calendar items.
func (p *Pipeline) IngestEvents(ctx context.Context, items []caldomain.CalendarItem) {
	for i := range items {
		item := items[i]
		item.ID = uuid.NewString()
		item.SyncedAt = time.Now().UTC()
		vec, err := p.embedder.Embed(ctx, embed.Truncate(item.SearchText(), embed.MaxInputChars))
		if err != nil {
			// Embedding failure is non-fatal: commit with a zero
			// vector and re-embed on the next sweep.
			p.log.Warn("event embedding failed", "event", item.EventID, "err", err)
			item.Embedding = embed.ZeroVector()
			item.NeedsEmbed = true
		} else {
			item.Embedding = vec
		}
		p.mu.Lock()
		p.cal = append(p.cal, &item)
		full := p.pendingLocked() >= commitBatchSize
		p.mu.Unlock()
		if full {
			p.kickFlush()
		}
	}
}

// DeleteMail enqueues a deletion by internal id.
func (p *Pipeline) DeleteMail(id string) {
	p.mu.Lock()
	p.mailDel = append(p.mailDel, id)
	full := p.pendingLocked() >= commitBatchSize
	p.mu.Unlock()
	if full {
		p.kickFlush()
	}
}

// DeleteEvent enqueues a calendar deletion by internal id.
func (p *Pipeline) DeleteEvent(id string) {
	p.mu.Lock()
	p.calDel = append(p.calDel, id)
	full := p.pendingLocked() >= commitBatchSize
	p.mu.Unlock()
	if full {
		p.kickFlush()
	}
}

func (p *Pipeline) embedMail(ctx context.Context, item *maildomain.MailItem) {
	text := item.Subject + "\n" + item.From.Email + "\n" + item.BodyText
	vec, err := p.embedder.Embed(ctx, embed.Truncate(text, embed.MaxInputChars))
	if err != nil {
		p.log.Warn("mail embedding failed", "message", item.MessageID, "err", err)
		item.Embedding = embed.ZeroVector()
		item.NeedsEmbed = true
		return
	}
	item.Embedding = vec
}

func (p *Pipeline) enqueueMail(item *maildomain.MailItem) {
	p.mu.Lock()
	p.mail = append(p.mail, item)
	full := p.pendingLocked() >= commitBatchSize
	p.mu.Unlock()
	if full {
		p.kickFlush()
	}
}

func (p *Pipeline) pendingLocked() int {
	return len(p.mail) + len(p.mailDel) + len(p.cal) + len(p.calDel)
}

func (p *Pipeline) kickFlush() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Flush commits everything pending synchronously. Exposed for shutdown
// drains and tests.
func (p *Pipeline) Flush() error {
	return p.flush()
}

func (p *Pipeline) flush() error {
	p.mu.Lock()
	mail, mailDel := p.mail, p.mailDel
	cal, calDel := p.cal, p.calDel
	p.mail, p.mailDel, p.cal, p.calDel = nil, nil, nil, nil
	p.mu.Unlock()

	now := time.Now().UTC()
	if len(mail) > 0 || len(mailDel) > 0 {
		if err := p.st.ApplyMailBatch(&store.MailBatch{Upserts: mail, DeleteIDs: mailDel}); err != nil {
			p.log.Error("mail commit failed", "items", len(mail), "err", err)
			return err
		}
		for _, acct := range accountsOf(mail) {
			if err := p.st.TouchEmailSync(acct, now); err != nil {
				p.log.Warn("touch email sync", "account", acct, "err", err)
			}
		}
	}
	if len(cal) > 0 || len(calDel) > 0 {
		if err := p.st.ApplyCalendarBatch(&store.CalendarBatch{Upserts: cal, DeleteIDs: calDel}); err != nil {
			p.log.Error("calendar commit failed", "items", len(cal), "err", err)
			return err
		}
		seen := map[string]struct{}{}
		for _, c := range cal {
			if _, ok := seen[c.AccountID]; !ok {
				seen[c.AccountID] = struct{}{}
				if err := p.st.TouchCalendarSync(c.AccountID, now); err != nil {
					p.log.Warn("touch calendar sync", "account", c.AccountID, "err", err)
				}
			}
		}
	}
	return nil
}

// ReembedSweep re-embeds rows committed with a zero vector.
func (p *Pipeline) ReembedSweep(ctx context.Context, batch int) {
	items, err := p.st.NeedsEmbedMail(batch)
	if err == nil {
		for _, m := range items {
			text := m.Subject + "\n" + m.From.Email + "\n" + m.BodyText
			vec, err := p.embedder.Embed(ctx, embed.Truncate(text, embed.MaxInputChars))
			if err != nil {
				continue
			}
			if err := p.st.SetMailEmbedding(m.ID, vec); err != nil {
				p.log.Warn("re-embed mail", "id", m.ID, "err", err)
			}
		}
	}
	events, err := p.st.NeedsEmbedCalendar(batch)
	if err == nil {
		for _, c := range events {
			vec, err := p.embedder.Embed(ctx, embed.Truncate(c.SearchText(), embed.MaxInputChars))
			if err != nil {
				continue
			}
			if err := p.st.SetCalendarEmbedding(c.ID, vec); err != nil {
				p.log.Warn("re-embed event", "id", c.ID, "err", err)
			}
		}
	}
}

func accountsOf(items []*maildomain.MailItem) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, m := range items {
		if _, ok := seen[m.AccountID]; !ok {
			seen[m.AccountID] = struct{}{}
			out = append(out, m.AccountID)
		}
	}
	return out
}

// ParseMessage combines the envelope batch metadata with the raw
// RFC-5322 payload into a MailItem. A nil raw body produces an
// envelope-only item (bodies arrive in a later grouped fetch for
// oversized messages).
func ParseMessage(account string, env *imapclient.Envelope, folder string, raw []byte, conv htmltext.Converter, bodyMaxChars int) (*maildomain.MailItem, error) {
	if conv == nil {
		conv = htmltext.Default{}
	}
	item := &maildomain.MailItem{
		ID:          uuid.NewString(),
		AccountID:   account,
		GmailID:     env.GmailID,
		ThreadID:    env.ThreadID,
		MessageID:   strings.Trim(env.MessageID, "<>"),
		UID:         env.UID,
		UIDValidity: env.UIDValidity,
		InReplyTo:   strings.Trim(env.InReplyTo, "<>"),
		Folder:      folder,
		Labels:      env.Labels,
		Flags:       env.Flags,
		Subject:     env.Subject,
		Date:        env.Date.UTC(),
		SyncedAt:    time.Now().UTC(),
		RawSize:     int64(env.Size),
	}
	item.From = toAddress(env.From)
	item.To = toAddresses(env.To)
	item.Cc = toAddresses(env.Cc)
	item.Bcc = toAddresses(env.Bcc)

	if len(raw) > 0 {
		if err := parseBody(item, raw, conv); err != nil {
			return nil, err
		}
		item.RawSize = int64(len(raw))
	}

	item.TotalBodyChars = len(item.BodyText)
	if bodyMaxChars > 0 && len(item.BodyText) > bodyMaxChars {
		item.BodyText = item.BodyText[:bodyMaxChars]
	}
	item.Snippet = htmltext.Snippet(item.BodyText, maildomain.SnippetLen)

	// Gmail always supplies a thread id; the References fallback covers
	// providers (and tests) that do not.
	if item.ThreadID == 0 {
		item.ThreadID = fallbackThreadID(item)
	}
	if item.GmailID == 0 {
		return nil, fmt.Errorf("message %q has no provider id", item.MessageID)
	}
	return item, nil
}

func parseBody(item *maildomain.MailItem, raw []byte, conv htmltext.Converter) error {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return err
	}

	if refs := mr.Header.Get("References"); refs != "" {
		item.References = refs
	}

	var plain, html string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Tolerate unknown charsets and malformed trailing parts;
			// keep whatever decoded cleanly.
			break
		}
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, _ := io.ReadAll(part.Body)
			switch {
			case ct == "text/plain" && plain == "":
				plain = string(body)
			case ct == "text/html" && html == "":
				html = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			if filename == "" {
				continue
			}
			ct, _, _ := h.ContentType()
			size := int64(0)
			if n, err := io.Copy(io.Discard, part.Body); err == nil {
				size = n
			}
			cid := strings.Trim(h.Get("Content-Id"), "<>")
			item.Attachments = append(item.Attachments, maildomain.Attachment{
				ID:        attachmentID(item, len(item.Attachments), filename),
				Filename:  decodeFilename(filename),
				MimeType:  ct,
				Size:      size,
				ContentID: cid,
			})
		}
	}

	item.BodyHTML = html
	if plain != "" {
		item.BodyText = htmltext.Collapse(plain)
	} else if html != "" {
		item.BodyText = conv.Convert(html)
	}
	return nil
}

// attachmentID is stable across re-syncs of the same message part.
func attachmentID(item *maildomain.MailItem, index int, filename string) string {
	return fmt.Sprintf("%d-%d-%s", item.GmailID, index, filename)
}

func decodeFilename(name string) string {
	dec := new(mime.WordDecoder)
	if decoded, err := dec.DecodeHeader(name); err == nil {
		return decoded
	}
	return name
}

// fallbackThreadID derives a stable thread key from the References
// root, In-Reply-To, or the Message-ID itself.
func fallbackThreadID(item *maildomain.MailItem) uint64 {
	key := item.MessageID
	if item.InReplyTo != "" {
		key = item.InReplyTo
	}
	if item.References != "" {
		refs := strings.Fields(item.References)
		if len(refs) > 0 {
			key = strings.Trim(refs[0], "<>")
		}
	}
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64()
}

func toAddress(a *imap.Address) maildomain.Address {
	if a == nil {
		return maildomain.Address{}
	}
	return maildomain.Address{
		Name:  a.PersonalName,
		Email: strings.ToLower(a.MailboxName + "@" + a.HostName),
	}
}

func toAddresses(list []*imap.Address) []maildomain.Address {
	if len(list) == 0 {
		return nil
	}
	out := make([]maildomain.Address, 0, len(list))
	for _, a := range list {
		out = append(out, toAddress(a))
	}
	return out
}
