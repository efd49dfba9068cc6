// Package imapclient is the Gmail IMAP adapter: XOAUTH2 authentication,
// UID-range envelope batches carrying the X-GM extensions, grouped body
// fetches, IDLE, and the mutation operations (store/copy/expunge).
package imapclient

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	idle "github.com/emersion/go-imap-idle"
	"github.com/emersion/go-imap/client"

	"github.com/jamiequint/groundeffect/pkg/errs"
)

const gmailIMAPAddr = "imap.gmail.com:993"

// Gmail IMAP extensions fetched with every envelope batch.
const (
	itemGmailMsgID  = imap.FetchItem("X-GM-MSGID")
	itemGmailThrID  = imap.FetchItem("X-GM-THRID")
	itemGmailLabels = imap.FetchItem("X-GM-LABELS")
)

// Folder is one selectable mailbox with its UID epoch.
type Folder struct {
	Name        string
	UIDValidity uint32
	UIDNext     uint32
}

// Envelope is the cheap per-message record from an envelope batch.
type Envelope struct {
	UID         uint32
	UIDValidity uint32
	GmailID     uint64
	ThreadID    uint64
	Labels      []string
	Flags       []string
	MessageID   string
	InReplyTo   string
	Subject     string
	From        *imap.Address
	To          []*imap.Address
	Cc          []*imap.Address
	Bcc         []*imap.Address
	Date        time.Time
	Size        uint32
}

// Client wraps one authenticated IMAP control channel. One channel per
// account is in use at a time; the orchestrator's connection mutex
// enforces that upstream.
type Client struct {
	c     *client.Client
	email string
}

// Dial connects and authenticates with XOAUTH2. An authentication
// failure is classified as an auth error so the orchestrator can park
// the account.
func Dial(ctx context.Context, email, accessToken string) (*Client, error) {
	c, err := client.DialTLS(gmailIMAPAddr, nil)
	if err != nil {
		return nil, errs.Transient(fmt.Errorf("imap dial: %w", err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.Timeout = time.Until(deadline)
	}
	if err := c.Authenticate(NewXOAuth2(email, accessToken)); err != nil {
		c.Logout()
		return nil, errs.Auth(fmt.Errorf("imap auth for %s: %w", email, err))
	}
	return &Client{c: c, email: email}, nil
}

// Close logs out the control channel.
func (cl *Client) Close() error {
	return cl.c.Logout()
}

// ListFolders enumerates selectable mailboxes. Gmail's virtual "[Gmail]"
// container is skipped; its children (Sent, Trash, ...) are kept.
func (cl *Client) ListFolders(ctx context.Context) ([]Folder, error) {
	mailboxes := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() {
		done <- cl.c.List("", "*", mailboxes)
	}()

	var names []string
	for mb := range mailboxes {
		noselect := false
		for _, attr := range mb.Attributes {
			if attr == imap.NoSelectAttr {
				noselect = true
			}
		}
		if noselect {
			continue
		}
		names = append(names, mb.Name)
	}
	if err := <-done; err != nil {
		return nil, errs.Classify(err)
	}

	folders := make([]Folder, 0, len(names))
	for _, name := range names {
		status, err := cl.c.Status(name, []imap.StatusItem{imap.StatusUidValidity, imap.StatusUidNext})
		if err != nil {
			return nil, errs.Classify(err)
		}
		folders = append(folders, Folder{
			Name:        name,
			UIDValidity: status.UidValidity,
			UIDNext:     status.UidNext,
		})
	}
	return folders, nil
}

// Select opens a folder read-only and reports its UID epoch. The
// caller compares UIDValidity against its sync-state to detect
// rollovers.
func (cl *Client) Select(folder string) (Folder, error) {
	mbox, err := cl.c.Select(folder, true)
	if err != nil {
		return Folder{}, errs.Classify(err)
	}
	return Folder{Name: folder, UIDValidity: mbox.UidValidity, UIDNext: mbox.UidNext}, nil
}

// SearchSince returns UIDs of messages received on or after since, plus
// all unread and flagged messages regardless of age. This is the
// priming window query.
func (cl *Client) SearchSince(folder string, since time.Time) ([]uint32, error) {
	if _, err := cl.Select(folder); err != nil {
		return nil, err
	}
	recent := imap.NewSearchCriteria()
	recent.Since = since
	uids, err := cl.c.UidSearch(recent)
	if err != nil {
		return nil, errs.Classify(err)
	}
	seen := map[uint32]struct{}{}
	for _, u := range uids {
		seen[u] = struct{}{}
	}

	unread := imap.NewSearchCriteria()
	unread.WithoutFlags = []string{imap.SeenFlag}
	more, err := cl.c.UidSearch(unread)
	if err != nil {
		return nil, errs.Classify(err)
	}
	flagged := imap.NewSearchCriteria()
	flagged.WithFlags = []string{imap.FlaggedFlag}
	more2, err := cl.c.UidSearch(flagged)
	if err != nil {
		return nil, errs.Classify(err)
	}
	for _, u := range append(more, more2...) {
		if _, ok := seen[u]; !ok {
			uids = append(uids, u)
			seen[u] = struct{}{}
		}
	}
	return uids, nil
}

// FetchEnvelopes fetches the envelope batch for a UID set in one round
// trip, including the Gmail thread id, message id, and label set.
func (cl *Client) FetchEnvelopes(folder string, uids []uint32) ([]*Envelope, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	sel, err := cl.Select(folder)
	if err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	items := []imap.FetchItem{
		imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid,
		imap.FetchRFC822Size, imap.FetchInternalDate,
		itemGmailMsgID, itemGmailThrID, itemGmailLabels,
	}

	messages := make(chan *imap.Message, 64)
	done := make(chan error, 1)
	go func() {
		done <- cl.c.UidFetch(seqset, items, messages)
	}()

	var envs []*Envelope
	for msg := range messages {
		envs = append(envs, toEnvelope(msg, sel.UIDValidity))
	}
	if err := <-done; err != nil {
		return nil, errs.Classify(err)
	}
	return envs, nil
}

// FetchBody fetches the full RFC822 message for one UID. No large-body
// limiter slot is taken here or by its callers.
func (cl *Client) FetchBody(folder string, uid uint32) ([]byte, error) {
	if _, err := cl.Select(folder); err != nil {
		return nil, err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- cl.c.UidFetch(seqset, items, messages)
	}()

	var raw []byte
	for msg := range messages {
		if body := msg.GetBody(section); body != nil {
			if data, err := io.ReadAll(body); err == nil {
				raw = data
			}
		}
	}
	if err := <-done; err != nil {
		return nil, errs.Classify(err)
	}
	if raw == nil {
		return nil, errs.ErrNotFound
	}
	return raw, nil
}

// Idle blocks in IMAP IDLE on the selected folder, sending a signal on
// events for every server push, until ctx is cancelled or the
// connection drops.
func (cl *Client) Idle(ctx context.Context, folder string, events chan<- struct{}) error {
	if _, err := cl.Select(folder); err != nil {
		return err
	}
	updates := make(chan client.Update, 16)
	cl.c.Updates = updates

	idleClient := idle.NewClient(cl.c)
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, 0)
	}()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			<-done
			return ctx.Err()
		case err := <-done:
			return errs.Transient(fmt.Errorf("idle dropped: %w", err))
		case <-updates:
			select {
			case events <- struct{}{}:
			default: // listener already has a pending wake
			}
		}
	}
}

// AddFlags sets flags on a UID (e.g. \Seen, \Deleted).
func (cl *Client) AddFlags(folder string, uid uint32, flags ...string) error {
	return cl.storeFlags(folder, uid, imap.FormatFlagsOp(imap.AddFlags, true), flags)
}

// RemoveFlags clears flags on a UID.
func (cl *Client) RemoveFlags(folder string, uid uint32, flags ...string) error {
	return cl.storeFlags(folder, uid, imap.FormatFlagsOp(imap.RemoveFlags, true), flags)
}

func (cl *Client) storeFlags(folder string, uid uint32, op imap.StoreItem, flags []string) error {
	if _, err := cl.c.Select(folder, false); err != nil {
		return errs.Classify(err)
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}
	if err := cl.c.UidStore(seqset, op, values, nil); err != nil {
		return errs.Classify(err)
	}
	return nil
}

// Move copies the message to dest then expunges the original. Gmail
// treats the copy+expunge pair as a label move.
func (cl *Client) Move(folder string, uid uint32, dest string) error {
	if _, err := cl.c.Select(folder, false); err != nil {
		return errs.Classify(err)
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	if err := cl.c.UidCopy(seqset, dest); err != nil {
		return errs.Classify(err)
	}
	if err := cl.c.UidStore(seqset, imap.FormatFlagsOp(imap.AddFlags, true),
		[]interface{}{imap.DeletedFlag}, nil); err != nil {
		return errs.Classify(err)
	}
	if err := cl.c.Expunge(nil); err != nil {
		return errs.Classify(err)
	}
	return nil
}

// Delete flags the message deleted and expunges it.
func (cl *Client) Delete(folder string, uid uint32) error {
	if _, err := cl.c.Select(folder, false); err != nil {
		return errs.Classify(err)
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	if err := cl.c.UidStore(seqset, imap.FormatFlagsOp(imap.AddFlags, true),
		[]interface{}{imap.DeletedFlag}, nil); err != nil {
		return errs.Classify(err)
	}
	if err := cl.c.Expunge(nil); err != nil {
		return errs.Classify(err)
	}
	return nil
}

func toEnvelope(msg *imap.Message, validity uint32) *Envelope {
	e := &Envelope{
		UID:         msg.Uid,
		UIDValidity: validity,
		Flags:       msg.Flags,
		Size:        msg.Size,
		Date:        msg.InternalDate,
	}
	if env := msg.Envelope; env != nil {
		e.MessageID = env.MessageId
		e.InReplyTo = env.InReplyTo
		e.Subject = env.Subject
		if len(env.From) > 0 {
			e.From = env.From[0]
		}
		e.To = env.To
		e.Cc = env.Cc
		e.Bcc = env.Bcc
		if !env.Date.IsZero() {
			e.Date = env.Date
		}
	}
	e.GmailID = itemUint64(msg.Items[itemGmailMsgID])
	e.ThreadID = itemUint64(msg.Items[itemGmailThrID])
	e.Labels = itemStrings(msg.Items[itemGmailLabels])
	return e
}

// itemUint64 decodes a Gmail numeric fetch item, which the parser may
// surface as a string, raw atom, or integer depending on the literal.
func itemUint64(v interface{}) uint64 {
	switch x := v.(type) {
	case uint64:
		return x
	case int64:
		return uint64(x)
	case string:
		n, _ := strconv.ParseUint(x, 10, 64)
		return n
	case imap.RawString:
		n, _ := strconv.ParseUint(string(x), 10, 64)
		return n
	}
	return 0
}

func itemStrings(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		switch x := item.(type) {
		case string:
			out = append(out, x)
		case imap.RawString:
			out = append(out, string(x))
		}
	}
	return out
}
