package sync

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jamiequint/groundeffect/internal/store"
	"github.com/jamiequint/groundeffect/pkg/imapclient"
)

func sampleEnvelope(uid uint32) *imapclient.Envelope {
	return &imapclient.Envelope{
		UID:         uid,
		UIDValidity: 1,
		GmailID:     5000 + uint64(uid),
		ThreadID:    42,
		MessageID:   "<msg@z.test>",
		Subject:     "a subject",
		Date:        time.Now().Add(-time.Hour),
		Flags:       []string{"\\Seen"},
	}
}

const sampleRaw = "From: Alice <alice@z.test>\r\n" +
	"To: Bob <bob@x.test>\r\n" +
	"Subject: a subject\r\n" +
	"Message-Id: <msg@z.test>\r\n" +
	"References: <root@z.test> <mid@z.test>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hello there.\r\nThis is the body.\r\n"

func TestParseMessagePlainText(t *testing.T) {
	item, err := ParseMessage("a@x.test", sampleEnvelope(7), "INBOX", []byte(sampleRaw), nil, 40000)
	require.NoError(t, err)

	require.Equal(t, "a@x.test", item.AccountID)
	require.Equal(t, uint64(5007), item.GmailID)
	require.Equal(t, "msg@z.test", item.MessageID)
	require.Contains(t, item.BodyText, "Hello there.")
	require.Contains(t, item.References, "<root@z.test>")
	require.Equal(t, "Hello there. This is the body.", item.Snippet)
	require.False(t, item.HasAttachments())
}

func TestParseMessageHTMLFallback(t *testing.T) {
	raw := "From: a@z.test\r\nTo: b@x.test\r\nSubject: html\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n\r\n" +
		"<html><body><p>Par one</p><p>Par two &amp; more</p><script>evil()</script></body></html>"
	env := sampleEnvelope(8)
	item, err := ParseMessage("a@x.test", env, "INBOX", []byte(raw), nil, 40000)
	require.NoError(t, err)
	require.Contains(t, item.BodyText, "Par one")
	require.Contains(t, item.BodyText, "Par two & more")
	require.NotContains(t, item.BodyText, "evil")
	require.NotEmpty(t, item.BodyHTML)
}

func TestParseMessageBodyCap(t *testing.T) {
	big := strings.Repeat("x", 50000)
	raw := "From: a@z.test\r\nSubject: big\r\nContent-Type: text/plain\r\n\r\n" + big
	item, err := ParseMessage("a@x.test", sampleEnvelope(9), "INBOX", []byte(raw), nil, 40000)
	require.NoError(t, err)
	require.Len(t, item.BodyText, 40000)
	require.Equal(t, 50000, item.TotalBodyChars, "the pre-cap length survives")
	require.LessOrEqual(t, len(item.Snippet), 200)

	small, err := ParseMessage("a@x.test", sampleEnvelope(10), "INBOX", []byte(sampleRaw), nil, 40000)
	require.NoError(t, err)
	require.Equal(t, len(small.BodyText), small.TotalBodyChars)
}

func TestParseMessageFallbackThreadID(t *testing.T) {
	env := sampleEnvelope(10)
	env.ThreadID = 0
	a, err := ParseMessage("a@x.test", env, "INBOX", []byte(sampleRaw), nil, 40000)
	require.NoError(t, err)
	require.NotZero(t, a.ThreadID)

	// Same References root lands in the same thread.
	env2 := sampleEnvelope(11)
	env2.ThreadID = 0
	env2.GmailID = 6000
	b, err := ParseMessage("a@x.test", env2, "INBOX", []byte(sampleRaw), nil, 40000)
	require.NoError(t, err)
	require.Equal(t, a.ThreadID, b.ThreadID)
}

func TestParseMessageMissingProviderID(t *testing.T) {
	env := sampleEnvelope(12)
	env.GmailID = 0
	_, err := ParseMessage("a@x.test", env, "INBOX", []byte(sampleRaw), nil, 40000)
	require.Error(t, err)
}

func TestPipelineEmbedFailureCommitsZeroVector(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, "a@x.test")
	h.embedder.mu.Lock()
	h.embedder.fail = true
	h.embedder.mu.Unlock()

	env := sampleEnvelope(20)
	require.NoError(t, h.pipeline.IngestMessage(context.Background(), "a@x.test", env, "INBOX", []byte(sampleRaw)))
	require.NoError(t, h.pipeline.Flush())

	items, err := h.st.ListMail(&store.Filter{Accounts: []string{"a@x.test"}}, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.True(t, items[0].NeedsEmbed, "failed embeds flag the row for re-embedding")

	// The sweep picks it up once the model is back.
	h.embedder.mu.Lock()
	h.embedder.fail = false
	h.embedder.mu.Unlock()
	h.pipeline.ReembedSweep(context.Background(), 10)

	pending, err := h.st.NeedsEmbedMail(10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestPipelineBatchesAtLimit(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, "a@x.test")

	// One over the batch limit forces an early flush without waiting
	// for the 5 s ticker.
	for i := 0; i < commitBatchSize+1; i++ {
		env := sampleEnvelope(uint32(100 + i))
		env.GmailID = uint64(9000 + i)
		require.NoError(t, h.pipeline.IngestMessage(context.Background(), "a@x.test", env, "INBOX", []byte(sampleRaw)))
	}

	waitFor(t, 3*time.Second, func() bool {
		items, _ := h.st.ListMail(nil, 300)
		return len(items) >= commitBatchSize
	}, "batch flushes at the size limit")
}
