package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	acctdomain "github.com/jamiequint/groundeffect/internal/account/domain"
	maildomain "github.com/jamiequint/groundeffect/internal/mail/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenWriter(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedAccount(t *testing.T, st *Store, email string) {
	t.Helper()
	require.NoError(t, st.UpsertAccount(&acctdomain.Account{
		Email:        email,
		Status:       acctdomain.StatusActive,
		AddedAt:      time.Now(),
		SyncEmail:    true,
		SyncCalendar: true,
	}))
}

func testVector(seed float32) []float32 {
	v := make([]float32, maildomain.EmbeddingDim)
	v[0] = 1
	v[1] = seed
	return v
}

func mailFixture(account string, gmailID uint64, subject, body string) *maildomain.MailItem {
	return &maildomain.MailItem{
		ID:          uuid.NewString(),
		AccountID:   account,
		GmailID:     gmailID,
		ThreadID:    gmailID,
		MessageID:   uuid.NewString() + "@x.test",
		UID:         uint32(gmailID),
		UIDValidity: 1,
		Folder:      "INBOX",
		Flags:       []string{"\\Seen"},
		From:        maildomain.Address{Name: "Alice", Email: "alice@x.test"},
		To:          []maildomain.Address{{Email: account}},
		Subject:     subject,
		Date:        time.Now().Add(-time.Hour),
		BodyText:    body,
		Snippet:     body,
		Embedding:   testVector(float32(gmailID)),
		SyncedAt:    time.Now(),
	}
}

func TestIdempotentIngest(t *testing.T) {
	st := newTestStore(t)
	seedAccount(t, st, "a@x.test")

	m := mailFixture("a@x.test", 1001, "hello", "first observation")
	require.NoError(t, st.ApplyMailBatch(&MailBatch{Upserts: []*maildomain.MailItem{m}}))

	// Deliver the same logical message again with updated fields.
	dup := mailFixture("a@x.test", 1001, "hello", "second observation")
	dup.Flags = []string{}
	require.NoError(t, st.ApplyMailBatch(&MailBatch{Upserts: []*maildomain.MailItem{dup}}))

	items, err := st.ListMail(&Filter{Accounts: []string{"a@x.test"}}, 100)
	require.NoError(t, err)
	require.Len(t, items, 1, "duplicate delivery must not create a second row")
	require.Equal(t, "second observation", items[0].BodyText)
	require.Equal(t, m.ID, items[0].ID, "internal id survives the upsert")
}

func TestUIDValidityPurge(t *testing.T) {
	st := newTestStore(t)
	seedAccount(t, st, "a@x.test")

	old := mailFixture("a@x.test", 1, "stale", "will be purged")
	keep := mailFixture("a@x.test", 2, "kept", "survives rollover")
	require.NoError(t, st.ApplyMailBatch(&MailBatch{Upserts: []*maildomain.MailItem{old, keep}}))

	// The survivor is re-observed under the new epoch with a new UID;
	// the other message is gone from the server.
	remapped := mailFixture("a@x.test", 2, "kept", "survives rollover")
	remapped.UID = 77
	remapped.UIDValidity = 9
	require.NoError(t, st.ApplyMailBatch(&MailBatch{Upserts: []*maildomain.MailItem{remapped}}))

	purged, err := st.PurgeStaleUIDs("a@x.test", "INBOX", 9)
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	items, err := st.ListMail(&Filter{Accounts: []string{"a@x.test"}}, 100)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, uint32(9), items[0].UIDValidity)
	require.Equal(t, keep.MessageID, items[0].MessageID, "logical identity preserved")
}

func TestDeleteAccountCascades(t *testing.T) {
	st := newTestStore(t)
	seedAccount(t, st, "a@x.test")
	seedAccount(t, st, "b@y.test")

	require.NoError(t, st.ApplyMailBatch(&MailBatch{Upserts: []*maildomain.MailItem{
		mailFixture("a@x.test", 1, "one", "body"),
		mailFixture("b@y.test", 2, "two", "body"),
	}}))

	require.NoError(t, st.DeleteAccount("a@x.test"))

	gone, err := st.ListMail(&Filter{Accounts: []string{"a@x.test"}}, 10)
	require.NoError(t, err)
	require.Empty(t, gone)

	kept, err := st.ListMail(&Filter{Accounts: []string{"b@y.test"}}, 10)
	require.NoError(t, err)
	require.Len(t, kept, 1)

	acct, err := st.GetAccount("a@x.test")
	require.NoError(t, err)
	require.Nil(t, acct)
}

func TestWriterLockConflict(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locked.db")

	first, err := OpenWriter(path)
	require.NoError(t, err)
	defer first.Close()

	_, err = OpenWriter(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "pid", "diagnostic names the holder")
}

func TestReaderIsReadOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ro.db")

	w, err := OpenWriter(path)
	require.NoError(t, err)
	seedAccount(t, w, "a@x.test")

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	accounts, err := r.ListAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	err = r.UpsertAccount(&acctdomain.Account{Email: "x@y.test", AddedAt: time.Now()})
	require.Error(t, err)
	require.NoError(t, w.Close())
}

func TestThreadRangeScan(t *testing.T) {
	st := newTestStore(t)
	seedAccount(t, st, "a@x.test")

	first := mailFixture("a@x.test", 10, "start", "opening")
	first.ThreadID = 999
	first.Date = time.Now().Add(-2 * time.Hour)
	second := mailFixture("a@x.test", 11, "Re: start", "reply")
	second.ThreadID = 999
	second.Date = time.Now().Add(-1 * time.Hour)
	other := mailFixture("a@x.test", 12, "unrelated", "noise")

	require.NoError(t, st.ApplyMailBatch(&MailBatch{Upserts: []*maildomain.MailItem{second, first, other}}))

	thread, err := st.GetThread("a@x.test", 999)
	require.NoError(t, err)
	require.Len(t, thread, 2)
	require.Equal(t, "start", thread[0].Subject, "ordered by date ascending")
	require.Equal(t, "Re: start", thread[1].Subject)
}

func TestEmbeddingRoundTrip(t *testing.T) {
	st := newTestStore(t)
	seedAccount(t, st, "a@x.test")

	m := mailFixture("a@x.test", 5, "vec", "body")
	require.NoError(t, st.ApplyMailBatch(&MailBatch{Upserts: []*maildomain.MailItem{m}}))

	vec, err := st.GetMailEmbedding(m.ID)
	require.NoError(t, err)
	require.Len(t, vec, maildomain.EmbeddingDim)
	require.InDelta(t, 1.0, vec[0], 1e-6)

	// Wrong-width vectors are rejected at the schema boundary.
	bad := mailFixture("a@x.test", 6, "bad", "body")
	bad.Embedding = []float32{1, 2, 3}
	err = st.ApplyMailBatch(&MailBatch{Upserts: []*maildomain.MailItem{bad}})
	require.Error(t, err)
}

func TestNeedsEmbedFlag(t *testing.T) {
	st := newTestStore(t)
	seedAccount(t, st, "a@x.test")

	m := mailFixture("a@x.test", 7, "zero", "body")
	m.Embedding = make([]float32, maildomain.EmbeddingDim)
	m.NeedsEmbed = true
	require.NoError(t, st.ApplyMailBatch(&MailBatch{Upserts: []*maildomain.MailItem{m}}))

	pending, err := st.NeedsEmbedMail(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, st.SetMailEmbedding(m.ID, testVector(3)))
	pending, err = st.NeedsEmbedMail(10)
	require.NoError(t, err)
	require.Empty(t, pending)
}
