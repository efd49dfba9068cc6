package sync

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	acctdomain "github.com/jamiequint/groundeffect/internal/account/domain"
	"github.com/jamiequint/groundeffect/internal/store"
	"github.com/jamiequint/groundeffect/pkg/errs"
	"github.com/jamiequint/groundeffect/pkg/ratelimit"
)

func startPool(t *testing.T, h *harness, orcs map[string]*Orchestrator) *Pool {
	t.Helper()
	pool := NewPool(4, ratelimit.New(1000), slog.Default(), func(account string, err error) {
		if o, ok := orcs[account]; ok {
			o.NotifyAuthFailure(err)
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(pool.Stop)
	pool.Start(ctx)
	h.pool = pool
	return pool
}

func seedColdStartMailbox(srv *fakeServer) {
	now := time.Now()
	// 25 read messages inside the 90-day window.
	for i := 0; i < 25; i++ {
		srv.add("INBOX", &fakeMessage{
			subject: fmt.Sprintf("recent %d", i),
			body:    "inside the window",
			date:    now.AddDate(0, 0, -(i*3 + 1)),
		})
	}
	// 15 read messages outside the window: skipped during priming.
	for i := 0; i < 15; i++ {
		srv.add("INBOX", &fakeMessage{
			subject: fmt.Sprintf("ancient read %d", i),
			body:    "outside the window",
			date:    now.AddDate(0, 0, -(100 + i)),
		})
	}
	// 10 unread messages older than 90 days: included anyway.
	for i := 0; i < 10; i++ {
		srv.add("INBOX", &fakeMessage{
			subject: fmt.Sprintf("old unread %d", i),
			body:    "old but unread",
			date:    now.AddDate(0, 0, -(120 + i)),
			unread:  true,
		})
	}
}

func runOrchestrator(t *testing.T, h *harness, srv *fakeServer, account string) (*Orchestrator, context.CancelFunc) {
	t.Helper()
	orcs := map[string]*Orchestrator{}
	pool := startPool(t, h, orcs)
	o := NewOrchestrator(account, h.cfg, h.st, h.states, pool, h.pipeline,
		srv.dial, nil, nil, slog.Default())
	orcs[account] = o

	ctx, cancel := context.WithCancel(context.Background())
	go o.Run(ctx)
	t.Cleanup(cancel)
	return o, cancel
}

func TestColdStartPriming(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, "a@x.test")
	srv := newFakeServer()
	seedColdStartMailbox(srv)

	o, _ := runOrchestrator(t, h, srv, "a@x.test")

	waitFor(t, 15*time.Second, func() bool {
		h.pipeline.Flush()
		items, _ := h.st.ListMail(&store.Filter{Accounts: []string{"a@x.test"}}, 200)
		return len(items) == 35
	}, "35 primed items (25 recent + 10 unread-older)")

	items, err := h.st.ListMail(&store.Filter{Accounts: []string{"a@x.test"}}, 200)
	require.NoError(t, err)
	require.Len(t, items, 35)

	for _, m := range items {
		vec, err := h.st.GetMailEmbedding(m.ID)
		require.NoError(t, err)
		require.Len(t, vec, 768)
		require.NotZero(t, vec[0], "every primed item carries a non-zero vector")
		require.False(t, m.NeedsEmbed)
	}

	waitFor(t, 5*time.Second, func() bool { return o.State() == StateLive },
		"orchestrator reaches Live after the first commit")

	acct, err := h.st.GetAccount("a@x.test")
	require.NoError(t, err)
	require.Equal(t, acctdomain.StatusActive, acct.Status)
	require.NotNil(t, acct.LastEmailSync)
}

func TestAuthFailureIsolation(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, "a@x.test")
	h.seedAccount(t, "b@y.test")

	badSrv := newFakeServer()
	badSrv.authErr = errs.Auth(fmt.Errorf("invalid_grant"))
	goodSrv := newFakeServer()
	goodSrv.add("INBOX", &fakeMessage{subject: "healthy", body: "b is fine", date: time.Now().Add(-time.Hour)})

	orcs := map[string]*Orchestrator{}
	pool := startPool(t, h, orcs)

	dialFor := func(srv *fakeServer) MailDialer {
		return srv.dial
	}
	oa := NewOrchestrator("a@x.test", h.cfg, h.st, h.states, pool, h.pipeline, dialFor(badSrv), nil, nil, slog.Default())
	ob := NewOrchestrator("b@y.test", h.cfg, h.st, h.states, pool, h.pipeline, dialFor(goodSrv), nil, nil, slog.Default())
	orcs["a@x.test"], orcs["b@y.test"] = oa, ob

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go oa.Run(ctx)
	go ob.Run(ctx)

	waitFor(t, 10*time.Second, func() bool { return oa.State() == StateNeedsReauth },
		"a parks in NeedsReauth")
	waitFor(t, 10*time.Second, func() bool {
		h.pipeline.Flush()
		items, _ := h.st.ListMail(&store.Filter{Accounts: []string{"b@y.test"}}, 10)
		return len(items) == 1
	}, "b keeps syncing")

	acctA, err := h.st.GetAccount("a@x.test")
	require.NoError(t, err)
	require.Equal(t, acctdomain.StatusNeedsReauth, acctA.Status)

	acctB, err := h.st.GetAccount("b@y.test")
	require.NoError(t, err)
	require.NotNil(t, acctB.LastEmailSync, "b's last-sync advances while a is parked")
}

func TestUIDValidityRollover(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, "a@x.test")
	srv := newFakeServer()
	now := time.Now()
	srv.add("INBOX", &fakeMessage{subject: "first", body: "one", date: now.Add(-2 * time.Hour)})
	srv.add("INBOX", &fakeMessage{subject: "second", body: "two", date: now.Add(-1 * time.Hour)})
	srv.add("INBOX", &fakeMessage{subject: "doomed", body: "deleted at rollover", date: now.Add(-30 * time.Minute)})

	o, _ := runOrchestrator(t, h, srv, "a@x.test")
	waitFor(t, 10*time.Second, func() bool {
		h.pipeline.Flush()
		items, _ := h.st.ListMail(nil, 10)
		return len(items) == 3
	}, "initial sync")

	before, err := h.st.ListMail(nil, 10)
	require.NoError(t, err)
	identity := map[string]bool{}
	for _, m := range before {
		identity[m.MessageID] = true
	}

	// Rollover: new UID epoch, one message gone from the server.
	srv.mu.Lock()
	for uid, m := range srv.folders["INBOX"].msgs {
		if m.subject == "doomed" {
			delete(srv.folders["INBOX"].msgs, uid)
		}
	}
	srv.mu.Unlock()
	srv.rollover("INBOX", 2)

	require.NoError(t, o.syncFolder(context.Background(), "INBOX", false))
	require.NoError(t, h.pipeline.Flush())

	after, err := h.st.ListMail(nil, 10)
	require.NoError(t, err)
	require.Len(t, after, 2)
	for _, m := range after {
		require.Equal(t, uint32(2), m.UIDValidity, "no row keeps the old epoch")
		require.True(t, identity[m.MessageID], "logical identity preserved across rollover")
	}
}

func TestIdleIncremental(t *testing.T) {
	h := newHarness(t)
	h.cfg.Sync.EmailIDLEEnabled = true
	h.seedAccount(t, "a@x.test")
	srv := newFakeServer()
	srv.add("INBOX", &fakeMessage{subject: "existing", body: "old", date: time.Now().Add(-time.Hour)})

	o, _ := runOrchestrator(t, h, srv, "a@x.test")
	waitFor(t, 10*time.Second, func() bool {
		h.pipeline.Flush()
		items, _ := h.st.ListMail(nil, 10)
		return len(items) == 1 && o.State() == StateLive
	}, "initial sync reaches Live")

	acctBefore, err := h.st.GetAccount("a@x.test")
	require.NoError(t, err)
	firstSync := acctBefore.LastEmailSync
	require.NotNil(t, firstSync)

	time.Sleep(1100 * time.Millisecond) // sync timestamps are second-granular

	srv.add("INBOX", &fakeMessage{subject: "pushed", body: "fresh", date: time.Now()})
	srv.pushes <- struct{}{}

	waitFor(t, 10*time.Second, func() bool {
		h.pipeline.Flush()
		items, _ := h.st.ListMail(nil, 10)
		return len(items) == 2
	}, "pushed message commits")

	acctAfter, err := h.st.GetAccount("a@x.test")
	require.NoError(t, err)
	require.True(t, acctAfter.LastEmailSync.After(*firstSync), "last_email_sync advanced")
}

func TestPoisonQuarantine(t *testing.T) {
	h := newHarness(t)
	h.seedAccount(t, "a@x.test")
	srv := newFakeServer()
	srv.add("INBOX", &fakeMessage{subject: "fine", body: "ok", date: time.Now().Add(-time.Hour)})

	o, _ := runOrchestrator(t, h, srv, "a@x.test")
	waitFor(t, 10*time.Second, func() bool {
		h.pipeline.Flush()
		items, _ := h.st.ListMail(nil, 10)
		return len(items) == 1
	}, "clean message commits")

	// Quarantine persists to the sync-state file.
	o.quarantine("INBOX", 999, fmt.Errorf("unparseable"))
	st, err := h.states.Load("a@x.test")
	require.NoError(t, err)
	require.True(t, st.IsPoisoned("INBOX", 999))
	require.False(t, st.IsPoisoned("INBOX", 1))
}
