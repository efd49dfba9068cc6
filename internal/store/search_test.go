package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	maildomain "github.com/jamiequint/groundeffect/internal/mail/domain"
)

func seedCorpus(t *testing.T, st *Store) (invoice, lunch *maildomain.MailItem) {
	t.Helper()
	seedAccount(t, st, "a@x.test")

	invoice = mailFixture("a@x.test", 100, "Your invoice for March", "Please find the invoice attached. Total due: $120.")
	invoice.Attachments = []maildomain.Attachment{{ID: "att1", Filename: "invoice.pdf", MimeType: "application/pdf", Size: 1024}}
	invoice.Embedding = testVector(0.9)

	lunch = mailFixture("a@x.test", 101, "Lunch on Friday?", "Want to grab lunch near the office?")
	lunch.Embedding = testVector(-0.9)

	require.NoError(t, st.ApplyMailBatch(&MailBatch{Upserts: []*maildomain.MailItem{invoice, lunch}}))
	return invoice, lunch
}

func TestKeywordSearchRanksSubjectAboveBody(t *testing.T) {
	st := newTestStore(t)
	invoice, _ := seedCorpus(t, st)

	// One message names the term only in its subject, another only in
	// its body; the subject weight puts the first ahead.
	subjectOnly := mailFixture("a@x.test", 102, "Invoice reminder for the April order", "Please pay by Friday.")
	bodyOnly := mailFixture("a@x.test", 103, "Quarterly numbers", "The invoice from the vendor is still pending.")
	require.NoError(t, st.ApplyMailBatch(&MailBatch{Upserts: []*maildomain.MailItem{subjectOnly, bodyOnly}}))

	hits, err := st.KeywordSearch(TableMail, "invoice", nil, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Equal(t, invoice.ID, hits[0].ID)

	pos := map[string]int{}
	for i, h := range hits {
		pos[h.ID] = i
	}
	require.Contains(t, pos, subjectOnly.ID)
	require.Contains(t, pos, bodyOnly.ID)
	require.Less(t, pos[subjectOnly.ID], pos[bodyOnly.ID])
}

func TestKeywordSearchQuotesUserInput(t *testing.T) {
	st := newTestStore(t)
	seedCorpus(t, st)

	// FTS5 operators in user input must not be parsed as syntax.
	_, err := st.KeywordSearch(TableMail, `invoice AND ( OR "`, nil, 10)
	require.NoError(t, err)
}

func TestVectorSearchOrdersByCosine(t *testing.T) {
	st := newTestStore(t)
	invoice, lunch := seedCorpus(t, st)

	query := testVector(0.8) // closer to the invoice vector
	hits, err := st.VectorSearch(TableMail, query, nil, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, invoice.ID, hits[0].ID)
	require.Equal(t, lunch.ID, hits[1].ID)
}

func TestVectorSearchExcludesZeroVectors(t *testing.T) {
	st := newTestStore(t)
	seedAccount(t, st, "a@x.test")

	pending := mailFixture("a@x.test", 200, "not embedded yet", "body")
	pending.Embedding = make([]float32, maildomain.EmbeddingDim)
	pending.NeedsEmbed = true
	require.NoError(t, st.ApplyMailBatch(&MailBatch{Upserts: []*maildomain.MailItem{pending}}))

	hits, err := st.VectorSearch(TableMail, testVector(1), nil, 10)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestFilterCorrectness(t *testing.T) {
	st := newTestStore(t)
	invoice, lunch := seedCorpus(t, st)

	hasAtt := true
	cases := []struct {
		name   string
		filter *Filter
		want   []string
	}{
		{"has_attachment", &Filter{HasAttachment: &hasAtt}, []string{invoice.ID}},
		{"sender substring", &Filter{SenderContains: "alice"}, []string{invoice.ID, lunch.ID}},
		{"sender miss", &Filter{SenderContains: "nobody"}, nil},
		{"folder", &Filter{Folder: "INBOX"}, []string{invoice.ID, lunch.ID}},
		{"folder miss", &Filter{Folder: "Archive"}, nil},
		{"account miss", &Filter{Accounts: []string{"z@z.test"}}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			items, err := st.ListMail(tc.filter, 100)
			require.NoError(t, err)
			var got []string
			for _, m := range items {
				got = append(got, m.ID)
			}
			require.ElementsMatch(t, tc.want, got)
		})
	}
}

func TestDateRangeFilterAppliesToBothSides(t *testing.T) {
	st := newTestStore(t)
	seedAccount(t, st, "a@x.test")

	now := time.Now()
	recent := mailFixture("a@x.test", 300, "recent invoice", "invoice inside the window")
	recent.Date = now.Add(-24 * time.Hour)
	old := mailFixture("a@x.test", 301, "old invoice", "invoice outside the window")
	old.Date = now.Add(-90 * 24 * time.Hour)
	require.NoError(t, st.ApplyMailBatch(&MailBatch{Upserts: []*maildomain.MailItem{recent, old}}))

	from := now.Add(-30 * 24 * time.Hour)
	f := &Filter{DateFrom: &from}

	kw, err := st.KeywordSearch(TableMail, "invoice", f, 10)
	require.NoError(t, err)
	require.Len(t, kw, 1)
	require.Equal(t, recent.ID, kw[0].ID)

	vec, err := st.VectorSearch(TableMail, testVector(0), f, 10)
	require.NoError(t, err)
	require.Len(t, vec, 1)
	require.Equal(t, recent.ID, vec[0].ID)
}
