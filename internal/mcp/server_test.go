package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	acctdomain "github.com/jamiequint/groundeffect/internal/account/domain"
	maildomain "github.com/jamiequint/groundeffect/internal/mail/domain"
	"github.com/jamiequint/groundeffect/internal/mutate"
	"github.com/jamiequint/groundeffect/internal/search"
	"github.com/jamiequint/groundeffect/internal/store"
	"github.com/jamiequint/groundeffect/pkg/config"
)

type flatEmbedder struct{}

func (flatEmbedder) Embed(context.Context, string) ([]float32, error) {
	v := make([]float32, maildomain.EmbeddingDim)
	v[0] = 1
	return v, nil
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	cfg.General.DataDir = dir
	cfg.Accounts.Aliases = map[string]string{"work": "a@x.test"}

	st, err := store.OpenWriter(filepath.Join(dir, "mcp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.UpsertAccount(&acctdomain.Account{
		Email: "a@x.test", Alias: "work", Status: acctdomain.StatusActive,
		AddedAt: time.Now(), SyncEmail: true,
	}))

	searcher := search.NewSearcher(st, flatEmbedder{}, cfg.Accounts.Aliases, slog.Default())
	router := mutate.NewRouter(st, nil, nil, nil, slog.Default())
	return NewServer(st, searcher, router, cfg, slog.Default()), st
}

func seedServerMail(t *testing.T, st *store.Store, subject, body string) *maildomain.MailItem {
	t.Helper()
	vec := make([]float32, maildomain.EmbeddingDim)
	vec[0] = 1
	m := &maildomain.MailItem{
		ID: uuid.NewString(), AccountID: "a@x.test",
		GmailID: uint64(time.Now().UnixNano()), ThreadID: 77,
		MessageID: uuid.NewString(), UID: 1, UIDValidity: 1, Folder: "INBOX",
		From:    maildomain.Address{Name: "Alice", Email: "alice@z.test"},
		To:      []maildomain.Address{{Email: "a@x.test"}},
		Subject: subject, Date: time.Now().Add(-time.Hour),
		BodyText: body, Snippet: body,
		Embedding: vec, SyncedAt: time.Now(),
	}
	require.NoError(t, st.ApplyMailBatch(&store.MailBatch{Upserts: []*maildomain.MailItem{m}}))
	return m
}

func call(t *testing.T, s *Server, tool string, args any) Response {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return s.Dispatch(context.Background(), &Request{
		ID:   json.RawMessage(`1`),
		Tool: tool,
		Args: raw,
	})
}

func TestDispatchUnknownTool(t *testing.T) {
	s, _ := newTestServer(t)
	resp := call(t, s, "frobnicate", nil)
	require.Nil(t, resp.Result)
	require.NotNil(t, resp.Error)
	require.Equal(t, "bad_request", resp.Error.Code)
}

func TestResultAndErrorAreExclusive(t *testing.T) {
	s, st := newTestServer(t)
	seedServerMail(t, st, "invoice march", "the invoice")

	ok := call(t, s, "search_mail", map[string]any{"query": "invoice"})
	require.Nil(t, ok.Error)
	require.NotNil(t, ok.Result)

	bad := call(t, s, "search_mail", map[string]any{"query": "x", "accounts": []string{"ghost"}})
	require.Nil(t, bad.Result)
	require.NotNil(t, bad.Error)
	require.Equal(t, "bad_request", bad.Error.Code)
}

func TestSearchMailEnvelope(t *testing.T) {
	s, st := newTestServer(t)
	m := seedServerMail(t, st, "quarterly invoice", "see attachment")

	resp := call(t, s, "search_mail", map[string]any{
		"query": "invoice", "accounts": []string{"work"}, "limit": 5,
	})
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(*searchMailResult)
	require.True(t, ok)
	require.Equal(t, []string{"a@x.test"}, result.AccountsSearched)
	require.Len(t, result.Results, 1)

	r := result.Results[0]
	require.Equal(t, m.ID, r.ID)
	require.Equal(t, "a@x.test", r.AccountID)
	require.Equal(t, "work", r.AccountAlias)
	require.Equal(t, "quarterly invoice", r.Subject)
	require.NotNil(t, r.Score)
	require.True(t, strings.HasSuffix(r.Date, "Z"), "dates are ISO-8601 UTC")
}

func TestGetMailIncludesBodyAndTruncation(t *testing.T) {
	s, st := newTestServer(t)
	m := seedServerMail(t, st, "long", strings.Repeat("a", 100))

	resp := call(t, s, "get_mail", map[string]any{"id": m.ID})
	require.Nil(t, resp.Error)
	r := resp.Result.(*maildomain.MailResult)
	require.Equal(t, 100, *r.TotalBodyChars)
	require.False(t, *r.Truncated)
	require.NotEmpty(t, r.Body)
}

func TestGetMailReportsOriginalLengthAfterIngestCap(t *testing.T) {
	s, st := newTestServer(t)
	// The stored body was capped at ingest; the real message was longer.
	m := seedServerMail(t, st, "huge", strings.Repeat("b", s.cfg.Sync.BodyMaxChars))
	m.TotalBodyChars = 50000
	require.NoError(t, st.ApplyMailBatch(&store.MailBatch{Upserts: []*maildomain.MailItem{m}}))

	resp := call(t, s, "get_mail", map[string]any{"id": m.ID})
	require.Nil(t, resp.Error)
	r := resp.Result.(*maildomain.MailResult)
	require.Equal(t, 50000, *r.TotalBodyChars, "pre-cap length surfaces")
	require.True(t, *r.Truncated)
	require.Len(t, r.Body, s.cfg.Sync.BodyMaxChars)
}

func TestGetMailNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	resp := call(t, s, "get_mail", map[string]any{"id": "missing"})
	require.NotNil(t, resp.Error)
	require.Equal(t, "not_found", resp.Error.Code)
}

func TestGetThreadOrdersByDate(t *testing.T) {
	s, st := newTestServer(t)
	first := seedServerMail(t, st, "thread start", "one")
	second := seedServerMail(t, st, "Re: thread start", "two")
	// Give the reply a later date than the thread start.
	second.Date = first.Date.Add(time.Minute)
	require.NoError(t, st.ApplyMailBatch(&store.MailBatch{Upserts: []*maildomain.MailItem{second}}))

	resp := call(t, s, "get_thread", map[string]any{"account": "a@x.test", "thread_id": 77})
	require.Nil(t, resp.Error)
	msgs := resp.Result.(map[string]any)["messages"].([]*maildomain.MailResult)
	require.Len(t, msgs, 2)
	require.Equal(t, first.ID, msgs[0].ID)
	require.Equal(t, second.ID, msgs[1].ID)
}

func TestGetSyncStatusShape(t *testing.T) {
	s, st := newTestServer(t)
	seedServerMail(t, st, "x", "y")

	resp := call(t, s, "get_sync_status", nil)
	require.Nil(t, resp.Error)
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.Contains(t, string(data), `"mail_items":1`)
	require.Contains(t, string(data), `"status":"active"`)
}

func TestServeLineProtocol(t *testing.T) {
	s, st := newTestServer(t)
	seedServerMail(t, st, "wire test", "body")

	in := strings.NewReader(
		`{"id":1,"tool":"list_accounts"}` + "\n" +
			`not json` + "\n" +
			`{"id":2,"tool":"list_folders","args":{"account":"a@x.test"}}` + "\n")
	var out bytes.Buffer
	require.NoError(t, s.Serve(context.Background(), in, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], `a@x.test`)
	require.Contains(t, lines[1], `bad_request`)
	require.Contains(t, lines[2], `INBOX`)
}

func TestSendMailPreviewThroughTool(t *testing.T) {
	s, _ := newTestServer(t)
	resp := call(t, s, "send_mail", map[string]any{
		"from_account": "a@x.test",
		"to":           []string{"c@z.test"},
		"subject":      "Hi",
		"body":         "preview only",
	})
	require.Nil(t, resp.Error)
	res := resp.Result.(*mutate.SendResult)
	require.True(t, res.Preview)
}

func TestFlagMutationPreviewThroughTool(t *testing.T) {
	s, st := newTestServer(t)
	m := seedServerMail(t, st, "to flag", "body")

	resp := call(t, s, "mark_read", map[string]any{"id": m.ID})
	require.Nil(t, resp.Error)
	res := resp.Result.(*mutate.FlagResult)
	require.True(t, res.Preview, "flag mutations preview without confirm")
	require.Equal(t, "mark_read", res.Action)
}

func TestLimitValidation(t *testing.T) {
	s, _ := newTestServer(t)
	resp := call(t, s, "search_mail", map[string]any{"query": "x", "limit": 500})
	require.NotNil(t, resp.Error)
	require.Equal(t, "bad_request", resp.Error.Code)
}
