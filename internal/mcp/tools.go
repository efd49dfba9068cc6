package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-message/mail"

	caldomain "github.com/jamiequint/groundeffect/internal/calendar/domain"
	maildomain "github.com/jamiequint/groundeffect/internal/mail/domain"
	"github.com/jamiequint/groundeffect/internal/mutate"
	"github.com/jamiequint/groundeffect/internal/search"
	"github.com/jamiequint/groundeffect/internal/store"
	"github.com/jamiequint/groundeffect/pkg/errs"
	"github.com/jamiequint/groundeffect/pkg/imapclient"
)

type searchArgs struct {
	Query         string   `json:"query"`
	Accounts      []string `json:"accounts,omitempty"`
	DateFrom      string   `json:"date_from,omitempty"`
	DateTo        string   `json:"date_to,omitempty"`
	Folder        string   `json:"folder,omitempty"`
	Sender        string   `json:"sender,omitempty"`
	Recipient     string   `json:"recipient,omitempty"`
	HasAttachment *bool    `json:"has_attachment,omitempty"`
	CalendarID    string   `json:"calendar_id,omitempty"`
	Limit         int      `json:"limit,omitempty"`
}

func (a *searchArgs) toRequest() (*search.Request, error) {
	req := &search.Request{
		Query:         a.Query,
		Accounts:      a.Accounts,
		Folder:        a.Folder,
		Sender:        a.Sender,
		Recipient:     a.Recipient,
		HasAttachment: a.HasAttachment,
		CalendarID:    a.CalendarID,
		Limit:         a.Limit,
	}
	if a.Limit < 0 || a.Limit > search.MaxLimit {
		return nil, errs.Validation("limit must be between 1 and %d", search.MaxLimit)
	}
	if a.DateFrom != "" {
		t, err := time.Parse(time.RFC3339, a.DateFrom)
		if err != nil {
			return nil, errs.Validation("bad date_from: %v", err)
		}
		req.DateFrom = &t
	}
	if a.DateTo != "" {
		t, err := time.Parse(time.RFC3339, a.DateTo)
		if err != nil {
			return nil, errs.Validation("bad date_to: %v", err)
		}
		req.DateTo = &t
	}
	return req, nil
}

type searchMailResult struct {
	Results          []*maildomain.MailResult `json:"results"`
	AccountsSearched []string                 `json:"accounts_searched"`
	TotalCandidates  int                      `json:"total_candidates"`
	ElapsedMs        int64                    `json:"elapsed_ms"`
	Degraded         bool                     `json:"degraded,omitempty"`
}

func (s *Server) searchMail(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[searchArgs](args)
	if err != nil {
		return nil, err
	}
	req, err := a.toRequest()
	if err != nil {
		return nil, err
	}
	resp, err := s.searcher.Search(ctx, store.TableMail, req)
	if err != nil {
		return nil, err
	}
	results, err := s.searcher.HydrateMail(resp.Hits)
	if err != nil {
		return nil, err
	}
	return &searchMailResult{
		Results:          results,
		AccountsSearched: resp.AccountsSearched,
		TotalCandidates:  resp.TotalCandidates,
		ElapsedMs:        resp.Elapsed.Milliseconds(),
		Degraded:         resp.Degraded,
	}, nil
}

type searchCalendarResult struct {
	Results          []*caldomain.EventResult `json:"results"`
	AccountsSearched []string                 `json:"accounts_searched"`
	TotalCandidates  int                      `json:"total_candidates"`
	ElapsedMs        int64                    `json:"elapsed_ms"`
	Degraded         bool                     `json:"degraded,omitempty"`
}

func (s *Server) searchCalendar(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[searchArgs](args)
	if err != nil {
		return nil, err
	}
	req, err := a.toRequest()
	if err != nil {
		return nil, err
	}
	resp, err := s.searcher.Search(ctx, store.TableCalendar, req)
	if err != nil {
		return nil, err
	}
	results, err := s.searcher.HydrateCalendar(resp.Hits)
	if err != nil {
		return nil, err
	}
	return &searchCalendarResult{
		Results:          results,
		AccountsSearched: resp.AccountsSearched,
		TotalCandidates:  resp.TotalCandidates,
		ElapsedMs:        resp.Elapsed.Milliseconds(),
		Degraded:         resp.Degraded,
	}, nil
}

type idArgs struct {
	ID string `json:"id"`
	// Confirm gates mutations; read-only tools ignore it.
	Confirm bool `json:"confirm"`
}

func (s *Server) getMail(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[idArgs](args)
	if err != nil {
		return nil, err
	}
	m, err := s.st.GetMail(a.ID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: mail %q", errs.ErrNotFound, a.ID)
	}
	return m.ToResult(s.aliasOf(m.AccountID), s.cfg.Sync.BodyMaxChars, true), nil
}

type threadArgs struct {
	Account  string `json:"account"`
	ThreadID uint64 `json:"thread_id"`
}

func (s *Server) getThread(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[threadArgs](args)
	if err != nil {
		return nil, err
	}
	if a.Account == "" || a.ThreadID == 0 {
		return nil, errs.Validation("account and thread_id are required")
	}
	items, err := s.st.GetThread(a.Account, a.ThreadID)
	if err != nil {
		return nil, err
	}
	results := make([]*maildomain.MailResult, 0, len(items))
	for _, m := range items {
		results = append(results, m.ToResult(s.aliasOf(m.AccountID), s.cfg.Sync.BodyMaxChars, true))
	}
	return map[string]any{"thread_id": a.ThreadID, "messages": results}, nil
}

func (s *Server) getEvent(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[idArgs](args)
	if err != nil {
		return nil, err
	}
	c, err := s.st.GetEvent(a.ID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: event %q", errs.ErrNotFound, a.ID)
	}
	return c.ToResult(s.aliasOf(c.AccountID)), nil
}

type accountArgs struct {
	Account string `json:"account"`
}

func (s *Server) listFolders(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[accountArgs](args)
	if err != nil {
		return nil, err
	}
	if a.Account == "" {
		return nil, errs.Validation("account is required")
	}
	folders, err := s.st.ListFolders(a.Account)
	if err != nil {
		return nil, err
	}
	return map[string]any{"account": a.Account, "folders": folders}, nil
}

func (s *Server) listCalendars(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[accountArgs](args)
	if err != nil {
		return nil, err
	}
	if a.Account == "" {
		return nil, errs.Validation("account is required")
	}
	cals, err := s.st.ListCalendars(a.Account)
	if err != nil {
		return nil, err
	}
	return map[string]any{"account": a.Account, "calendars": cals}, nil
}

func (s *Server) listAccounts(ctx context.Context, args json.RawMessage) (any, error) {
	accounts, err := s.st.ListAccounts()
	if err != nil {
		return nil, err
	}
	return map[string]any{"accounts": accounts}, nil
}

func (s *Server) getSyncStatus(ctx context.Context, args json.RawMessage) (any, error) {
	accounts, err := s.st.ListAccounts()
	if err != nil {
		return nil, err
	}
	type status struct {
		Email            string     `json:"email"`
		Status           string     `json:"status"`
		LastEmailSync    *time.Time `json:"last_email_sync,omitempty"`
		LastCalendarSync *time.Time `json:"last_calendar_sync,omitempty"`
		MailItems        int        `json:"mail_items"`
		CalendarItems    int        `json:"calendar_items"`
	}
	out := make([]status, 0, len(accounts))
	for _, a := range accounts {
		mailN, calN, err := s.st.CountItems(a.Email)
		if err != nil {
			return nil, err
		}
		out = append(out, status{
			Email:            a.Email,
			Status:           string(a.Status),
			LastEmailSync:    a.LastEmailSync,
			LastCalendarSync: a.LastCalendarSync,
			MailItems:        mailN,
			CalendarItems:    calN,
		})
	}
	return map[string]any{"accounts": out}, nil
}

func (s *Server) sendMail(ctx context.Context, args json.RawMessage) (any, error) {
	req, err := decode[mutate.SendRequest](args)
	if err != nil {
		return nil, err
	}
	return s.router.SendMail(ctx, req)
}

func (s *Server) createEvent(ctx context.Context, args json.RawMessage) (any, error) {
	req, err := decode[mutate.EventRequest](args)
	if err != nil {
		return nil, err
	}
	return s.router.CreateEvent(ctx, req)
}

func (s *Server) updateEvent(ctx context.Context, args json.RawMessage) (any, error) {
	req, err := decode[mutate.EventRequest](args)
	if err != nil {
		return nil, err
	}
	return s.router.UpdateEvent(ctx, req)
}

type deleteEventArgs struct {
	Account string `json:"account"`
	EventID string `json:"event_id"`
	Confirm bool   `json:"confirm"`
}

func (s *Server) deleteEvent(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[deleteEventArgs](args)
	if err != nil {
		return nil, err
	}
	return s.router.DeleteEvent(ctx, a.Account, a.EventID, a.Confirm)
}

func (s *Server) markRead(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[idArgs](args)
	if err != nil {
		return nil, err
	}
	return s.router.MarkRead(ctx, &mutate.FlagRequest{ID: a.ID, Confirm: a.Confirm})
}

func (s *Server) markUnread(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[idArgs](args)
	if err != nil {
		return nil, err
	}
	return s.router.MarkUnread(ctx, &mutate.FlagRequest{ID: a.ID, Confirm: a.Confirm})
}

func (s *Server) archive(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[idArgs](args)
	if err != nil {
		return nil, err
	}
	return s.router.Archive(ctx, &mutate.FlagRequest{ID: a.ID, Confirm: a.Confirm})
}

type moveArgs struct {
	ID      string `json:"id"`
	Dest    string `json:"dest"`
	Confirm bool   `json:"confirm"`
}

func (s *Server) moveMail(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[moveArgs](args)
	if err != nil {
		return nil, err
	}
	return s.router.MoveMail(ctx, &mutate.FlagRequest{ID: a.ID, Dest: a.Dest, Confirm: a.Confirm})
}

func (s *Server) deleteMail(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[idArgs](args)
	if err != nil {
		return nil, err
	}
	return s.router.DeleteMail(ctx, &mutate.FlagRequest{ID: a.ID, Confirm: a.Confirm})
}

// triggerSync pokes the daemon's status surface; the writer owns all
// sync work.
func (s *Server) triggerSync(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[accountArgs](args)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("http://%s/sync/%s", s.cfg.Daemon.StatusListenAddr, a.Account)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errs.Transient(fmt.Errorf("daemon unreachable: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned %s", resp.Status)
	}
	return map[string]any{"triggered": true, "account": a.Account}, nil
}

type attachmentArgs struct {
	ID           string `json:"id"`
	AttachmentID string `json:"attachment_id"`
}

// getAttachment downloads the attachment content on demand into the
// attachments directory and returns its local path. The store row is
// not updated; a later call finds the file at the same path.
func (s *Server) getAttachment(ctx context.Context, args json.RawMessage) (any, error) {
	a, err := decode[attachmentArgs](args)
	if err != nil {
		return nil, err
	}
	m, err := s.st.GetMail(a.ID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: mail %q", errs.ErrNotFound, a.ID)
	}
	var target *maildomain.Attachment
	for i := range m.Attachments {
		if m.Attachments[i].ID == a.AttachmentID {
			target = &m.Attachments[i]
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: attachment %q", errs.ErrNotFound, a.AttachmentID)
	}
	if maxMB := s.cfg.Sync.AttachmentMaxSizeMB; maxMB > 0 && target.Size > int64(maxMB)<<20 {
		return nil, errs.Validation("attachment exceeds %d MB limit", maxMB)
	}

	dir := filepath.Join(s.cfg.AttachmentsDir(), m.AccountID, m.MessageID)
	path := filepath.Join(dir, target.Filename)
	if target.LocalPath != "" {
		path = target.LocalPath
	}
	if _, err := os.Stat(path); err == nil {
		return map[string]any{"path": path, "filename": target.Filename, "mime_type": target.MimeType}, nil
	}

	content, err := s.fetchAttachment(ctx, m, target)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "filename": target.Filename, "mime_type": target.MimeType}, nil
}

func (s *Server) fetchAttachment(ctx context.Context, m *maildomain.MailItem, target *maildomain.Attachment) ([]byte, error) {
	conn, err := s.dialIMAP(ctx, m.AccountID)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	raw, err := conn.FetchBody(m.Folder, m.UID)
	if err != nil {
		return nil, err
	}
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, errs.Poison(err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if h, ok := part.Header.(*mail.AttachmentHeader); ok {
			filename, _ := h.Filename()
			if filename == target.Filename {
				return io.ReadAll(part.Body)
			}
		}
	}
	return nil, fmt.Errorf("%w: attachment part %q", errs.ErrNotFound, target.Filename)
}

// dialIMAP opens a short-lived session for attachment fetches.
func (s *Server) dialIMAP(ctx context.Context, email string) (*imapclient.Client, error) {
	tok, err := s.router.FreshToken(ctx, email)
	if err != nil {
		return nil, err
	}
	return imapclient.Dial(ctx, email, tok.AccessToken)
}

func (s *Server) aliasOf(email string) string {
	for alias, canonical := range s.cfg.Accounts.Aliases {
		if canonical == email {
			return alias
		}
	}
	return ""
}
