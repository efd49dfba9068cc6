// Package mutate routes mutations to the provider. Nothing here writes
// to the store: a mutation issues the provider call, returns the
// provider's identifiers, and emits a hint so sync observes the result.
package mutate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	maildomain "github.com/jamiequint/groundeffect/internal/mail/domain"
	"github.com/jamiequint/groundeffect/internal/store"
	syncpkg "github.com/jamiequint/groundeffect/internal/sync"
	"github.com/jamiequint/groundeffect/pkg/caldavclient"
	"github.com/jamiequint/groundeffect/pkg/errs"
	"github.com/jamiequint/groundeffect/pkg/gmailapi"
	"github.com/jamiequint/groundeffect/pkg/imapclient"
	"github.com/jamiequint/groundeffect/pkg/vault"
)

// Gmail's system folders as seen over IMAP.
const (
	folderAllMail = "[Gmail]/All Mail"
	folderTrash   = "[Gmail]/Trash"
	folderSent    = "[Gmail]/Sent Mail"
)

// Notifier delivers mutation hints back to the sync side. In the
// daemon this is the in-process hint bus; in the query server it pokes
// the daemon's status surface.
type Notifier interface {
	Notify(hint syncpkg.Hint)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(syncpkg.Hint)

func (f NotifierFunc) Notify(h syncpkg.Hint) { f(h) }

// Router executes provider-side mutations.
type Router struct {
	st       *store.Store
	gmail    *gmailapi.Service
	vault    vault.Vault
	notifier Notifier
	log      *slog.Logger

	// dialIMAP and dialCal are capability hooks; tests swap fakes in.
	dialIMAP func(ctx context.Context, email string) (IMAPMutator, error)
	dialCal  func(ctx context.Context, email string) (CalDAVMutator, error)
	submit   func(ctx context.Context, email string, raw []byte) (string, error)
}

// IMAPMutator is the flag/copy/expunge surface of the IMAP adapter.
type IMAPMutator interface {
	AddFlags(folder string, uid uint32, flags ...string) error
	RemoveFlags(folder string, uid uint32, flags ...string) error
	Move(folder string, uid uint32, dest string) error
	Delete(folder string, uid uint32) error
	Close() error
}

// CalDAVMutator is the event mutation surface.
type CalDAVMutator interface {
	ListCalendars(ctx context.Context) ([]caldavclient.Calendar, error)
	Put(ctx context.Context, cal caldavclient.Calendar, eventID string, calData *ical.Calendar) (string, error)
	Delete(ctx context.Context, cal caldavclient.Calendar, eventID string) error
}

// NewRouter wires the real providers.
func NewRouter(st *store.Store, gm *gmailapi.Service, vlt vault.Vault, notifier Notifier, log *slog.Logger) *Router {
	r := &Router{st: st, gmail: gm, vault: vlt, notifier: notifier, log: log}
	r.dialIMAP = func(ctx context.Context, email string) (IMAPMutator, error) {
		tok, err := r.FreshToken(ctx, email)
		if err != nil {
			return nil, err
		}
		return imapclient.Dial(ctx, email, tok.AccessToken)
	}
	r.dialCal = func(ctx context.Context, email string) (CalDAVMutator, error) {
		ts, err := r.tokenSource(ctx, email)
		if err != nil {
			return nil, err
		}
		return caldavclient.New(ctx, email, ts)
	}
	r.submit = func(ctx context.Context, email string, raw []byte) (string, error) {
		ts, err := r.tokenSource(ctx, email)
		if err != nil {
			return "", err
		}
		return r.gmail.Submit(ctx, ts, raw)
	}
	return r
}

func (r *Router) tokenSource(ctx context.Context, email string) (oauth2.TokenSource, error) {
	bundle, err := r.vault.Load(email)
	if err != nil {
		return nil, errs.Auth(fmt.Errorf("no credentials for %s: %w", email, err))
	}
	return r.gmail.TokenSource(ctx, bundle.OAuth(), func(tok *oauth2.Token) error {
		return r.vault.Save(email, vault.FromOAuth(tok, bundle.IDToken))
	}), nil
}

// FreshToken resolves a valid access token for short-lived adapter
// sessions (IMAP mutations, attachment fetches).
func (r *Router) FreshToken(ctx context.Context, email string) (*oauth2.Token, error) {
	ts, err := r.tokenSource(ctx, email)
	if err != nil {
		return nil, err
	}
	return ts.Token()
}

func (r *Router) notify(h syncpkg.Hint) {
	if r.notifier != nil {
		r.notifier.Notify(h)
	}
}

// SendRequest describes an outbound message.
type SendRequest struct {
	FromAccount string   `json:"from_account"`
	To          []string `json:"to"`
	Cc          []string `json:"cc,omitempty"`
	Bcc         []string `json:"bcc,omitempty"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	// ReplyToID is the internal id of the message being answered.
	ReplyToID string `json:"reply_to_id,omitempty"`
	// Confirm must be asserted for the provider call to happen;
	// otherwise the router returns a preview.
	Confirm bool `json:"confirm"`
}

// SendResult echoes what was (or would be) sent.
type SendResult struct {
	Preview   bool   `json:"preview"`
	MessageID string `json:"message_id,omitempty"`
	Raw       string `json:"raw,omitempty"`
	Note      string `json:"note,omitempty"`
}

// SendMail builds an RFC-5322 message, submits it, and hints the
// sender's account so the Sent copy lands quickly.
func (r *Router) SendMail(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if req.FromAccount == "" || len(req.To) == 0 {
		return nil, errs.Validation("from_account and to are required")
	}

	subject := req.Subject
	var parent *maildomain.MailItem
	if req.ReplyToID != "" {
		var err error
		parent, err = r.st.GetMail(req.ReplyToID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, errs.Validation("reply parent %q not found", req.ReplyToID)
		}
		if subject == "" {
			subject = parent.Subject
		}
		if !strings.HasPrefix(strings.ToLower(subject), "re:") {
			subject = "Re: " + subject
		}
	}

	raw, err := buildMessage(req.FromAccount, req.To, req.Cc, req.Bcc, subject, req.Body, parent)
	if err != nil {
		return nil, err
	}

	if !req.Confirm {
		return &SendResult{Preview: true, Raw: string(raw)}, nil
	}

	id, err := r.submit(ctx, req.FromAccount, raw)
	if err != nil {
		return nil, err
	}
	r.notify(syncpkg.Hint{Account: req.FromAccount, Kind: syncpkg.HintMail, Folder: folderSent})
	return &SendResult{MessageID: id}, nil
}

// buildMessage assembles the wire form, threading headers included.
func buildMessage(from string, to, cc, bcc []string, subject, body string, parent *maildomain.MailItem) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetMessageID(uuid.NewString() + "@groundeffect")
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", parseAddresses(to))
	if len(cc) > 0 {
		h.SetAddressList("Cc", parseAddresses(cc))
	}
	if len(bcc) > 0 {
		h.SetAddressList("Bcc", parseAddresses(bcc))
	}
	h.SetSubject(subject)
	if parent != nil {
		parentID := "<" + parent.MessageID + ">"
		h.Set("In-Reply-To", parentID)
		refs := parent.References
		if refs == "" {
			refs = parentID
		} else {
			refs = refs + " " + parentID
		}
		h.Set("References", refs)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseAddresses(addrs []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}

// EventRequest describes a calendar mutation.
type EventRequest struct {
	Account     string `json:"account"`
	CalendarID  string `json:"calendar_id,omitempty"`
	EventID     string `json:"event_id,omitempty"` // update/delete target
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Start       string `json:"start"` // RFC 3339
	End         string `json:"end"`
	Confirm     bool   `json:"confirm"`
}

// EventResult reports the provider outcome.
type EventResult struct {
	Preview bool   `json:"preview"`
	EventID string `json:"event_id,omitempty"`
	ETag    string `json:"etag,omitempty"`
}

// CreateEvent PUTs a new VEVENT and returns the provider etag.
func (r *Router) CreateEvent(ctx context.Context, req *EventRequest) (*EventResult, error) {
	if req.EventID == "" {
		req.EventID = uuid.NewString()
	}
	return r.putEvent(ctx, req)
}

// UpdateEvent rewrites an existing event, returning the new etag.
func (r *Router) UpdateEvent(ctx context.Context, req *EventRequest) (*EventResult, error) {
	if req.EventID == "" {
		return nil, errs.Validation("event_id is required")
	}
	existing, err := r.st.GetEventByProviderID(req.Account, req.EventID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, errs.Validation("event %q not found", req.EventID)
	}
	if req.CalendarID == "" {
		req.CalendarID = existing.CalendarID
	}
	return r.putEvent(ctx, req)
}

func (r *Router) putEvent(ctx context.Context, req *EventRequest) (*EventResult, error) {
	if req.Account == "" || req.Summary == "" || req.Start == "" {
		return nil, errs.Validation("account, summary, and start are required")
	}
	start, err := time.Parse(time.RFC3339, req.Start)
	if err != nil {
		return nil, errs.Validation("bad start time: %v", err)
	}
	end := start.Add(time.Hour)
	if req.End != "" {
		end, err = time.Parse(time.RFC3339, req.End)
		if err != nil {
			return nil, errs.Validation("bad end time: %v", err)
		}
	}

	if !req.Confirm {
		return &EventResult{Preview: true, EventID: req.EventID}, nil
	}

	cal, target, err := r.resolveCalendar(ctx, req.Account, req.CalendarID)
	if err != nil {
		return nil, err
	}

	ics := buildEvent(req, start, end)
	etag, err := cal.Put(ctx, target, req.EventID, ics)
	if err != nil {
		return nil, err
	}
	r.notify(syncpkg.Hint{Account: req.Account, Kind: syncpkg.HintCalendar})
	return &EventResult{EventID: req.EventID, ETag: etag}, nil
}

// DeleteEvent removes the event at the provider.
func (r *Router) DeleteEvent(ctx context.Context, account, eventID string, confirm bool) (*EventResult, error) {
	if eventID == "" {
		return nil, errs.Validation("event_id is required")
	}
	existing, err := r.st.GetEventByProviderID(account, eventID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, errs.Validation("event %q not found", eventID)
	}
	if !confirm {
		return &EventResult{Preview: true, EventID: eventID}, nil
	}
	cal, target, err := r.resolveCalendar(ctx, account, existing.CalendarID)
	if err != nil {
		return nil, err
	}
	if err := cal.Delete(ctx, target, eventID); err != nil {
		return nil, err
	}
	r.notify(syncpkg.Hint{Account: account, Kind: syncpkg.HintCalendar})
	return &EventResult{EventID: eventID}, nil
}

func (r *Router) resolveCalendar(ctx context.Context, account, calendarID string) (CalDAVMutator, caldavclient.Calendar, error) {
	cal, err := r.dialCal(ctx, account)
	if err != nil {
		return nil, caldavclient.Calendar{}, err
	}
	calendars, err := cal.ListCalendars(ctx)
	if err != nil {
		return nil, caldavclient.Calendar{}, err
	}
	if calendarID == "" {
		calendarID = account // the primary calendar id is the address
	}
	for _, c := range calendars {
		if c.ID == calendarID {
			return cal, c, nil
		}
	}
	if len(calendars) > 0 {
		return cal, calendars[0], nil
	}
	return nil, caldavclient.Calendar{}, errs.Validation("no calendar %q for %s", calendarID, account)
}

func buildEvent(req *EventRequest, start, end time.Time) *ical.Calendar {
	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, req.EventID)
	event.Props.SetText(ical.PropSummary, req.Summary)
	if req.Description != "" {
		event.Props.SetText(ical.PropDescription, req.Description)
	}
	if req.Location != "" {
		event.Props.SetText(ical.PropLocation, req.Location)
	}
	event.Props.SetDateTime(ical.PropDateTimeStart, start.UTC())
	event.Props.SetDateTime(ical.PropDateTimeEnd, end.UTC())
	event.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, "-//groundeffect//EN")
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Children = append(cal.Children, event.Component)
	return cal
}

// FlagRequest targets one stored message for a flag mutation.
type FlagRequest struct {
	ID      string `json:"id"`
	Dest    string `json:"dest,omitempty"` // move target folder
	Confirm bool   `json:"confirm"`
}

// FlagResult reports a flag mutation.
type FlagResult struct {
	Preview bool   `json:"preview"`
	Action  string `json:"action"`
	Note    string `json:"note,omitempty"`
}

// MarkRead sets \Seen on the provider copy.
func (r *Router) MarkRead(ctx context.Context, req *FlagRequest) (*FlagResult, error) {
	return r.flagOp(ctx, req, "mark_read", func(c IMAPMutator, m *maildomain.MailItem) error {
		return c.AddFlags(m.Folder, m.UID, "\\Seen")
	})
}

// MarkUnread clears \Seen.
func (r *Router) MarkUnread(ctx context.Context, req *FlagRequest) (*FlagResult, error) {
	return r.flagOp(ctx, req, "mark_unread", func(c IMAPMutator, m *maildomain.MailItem) error {
		return c.RemoveFlags(m.Folder, m.UID, "\\Seen")
	})
}

// Archive moves the message out of its folder into All Mail.
func (r *Router) Archive(ctx context.Context, req *FlagRequest) (*FlagResult, error) {
	return r.flagOp(ctx, req, "archive", func(c IMAPMutator, m *maildomain.MailItem) error {
		return c.Move(m.Folder, m.UID, folderAllMail)
	})
}

// MoveMail moves the message into req.Dest.
func (r *Router) MoveMail(ctx context.Context, req *FlagRequest) (*FlagResult, error) {
	if req.Dest == "" {
		return nil, errs.Validation("dest folder is required")
	}
	return r.flagOp(ctx, req, "move", func(c IMAPMutator, m *maildomain.MailItem) error {
		return c.Move(m.Folder, m.UID, req.Dest)
	})
}

// DeleteMail moves the message to Trash.
func (r *Router) DeleteMail(ctx context.Context, req *FlagRequest) (*FlagResult, error) {
	return r.flagOp(ctx, req, "delete", func(c IMAPMutator, m *maildomain.MailItem) error {
		return c.Move(m.Folder, m.UID, folderTrash)
	})
}

// flagOp validates the target, then either previews or issues the
// provider call. Like send and event mutations, nothing reaches the
// provider without the confirmation flag.
func (r *Router) flagOp(ctx context.Context, req *FlagRequest, action string, op func(IMAPMutator, *maildomain.MailItem) error) (*FlagResult, error) {
	m, err := r.st.GetMail(req.ID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errs.Validation("message %q not found", req.ID)
	}
	if !req.Confirm {
		return &FlagResult{Preview: true, Action: action}, nil
	}
	c, err := r.dialIMAP(ctx, m.AccountID)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	if err := op(c, m); err != nil {
		return nil, err
	}
	r.notify(syncpkg.Hint{Account: m.AccountID, Kind: syncpkg.HintMail, Folder: m.Folder})
	return &FlagResult{Action: action}, nil
}
