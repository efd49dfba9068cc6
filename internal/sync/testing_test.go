package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	acctdomain "github.com/jamiequint/groundeffect/internal/account/domain"
	maildomain "github.com/jamiequint/groundeffect/internal/mail/domain"
	"github.com/jamiequint/groundeffect/internal/store"
	"github.com/jamiequint/groundeffect/pkg/config"
	"github.com/jamiequint/groundeffect/pkg/imapclient"
)

// fakeEmbedder returns a fixed unit vector; failures are switchable.
type fakeEmbedder struct {
	mu   gosync.Mutex
	fail bool
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, fmt.Errorf("model unavailable")
	}
	v := make([]float32, maildomain.EmbeddingDim)
	v[0] = 1
	return v, nil
}

// fakeMessage is one message on the fake server.
type fakeMessage struct {
	uid     uint32
	subject string
	body    string
	date    time.Time
	unread  bool
	flagged bool
}

func (m *fakeMessage) raw() []byte {
	return []byte(fmt.Sprintf(
		"From: Sender <sender@z.test>\r\nTo: a@x.test\r\nSubject: %s\r\nMessage-Id: <m%d@z.test>\r\nDate: %s\r\nContent-Type: text/plain\r\n\r\n%s",
		m.subject, m.uid, m.date.Format(time.RFC1123Z), m.body))
}

// fakeFolder mirrors one server mailbox.
type fakeFolder struct {
	validity uint32
	msgs     map[uint32]*fakeMessage
	nextUID  uint32
}

// fakeServer is the in-memory IMAP substitute shared by the dialer and
// the test body.
type fakeServer struct {
	mu      gosync.Mutex
	folders map[string]*fakeFolder
	authErr error
	pushes  chan struct{}
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		folders: map[string]*fakeFolder{
			"INBOX": {validity: 1, msgs: map[uint32]*fakeMessage{}, nextUID: 1},
		},
		pushes: make(chan struct{}, 8),
	}
}

func (s *fakeServer) add(folder string, m *fakeMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.folders[folder]
	if m.uid == 0 {
		m.uid = f.nextUID
	}
	if m.uid >= f.nextUID {
		f.nextUID = m.uid + 1
	}
	f.msgs[m.uid] = m
}

func (s *fakeServer) rollover(folder string, newValidity uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.folders[folder]
	f.validity = newValidity
	remapped := map[uint32]*fakeMessage{}
	uid := uint32(1000)
	for _, m := range f.msgs {
		m.uid = uid
		remapped[uid] = m
		uid++
	}
	f.msgs = remapped
	f.nextUID = uid
}

func (s *fakeServer) dial(ctx context.Context, email string) (MailProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authErr != nil {
		return nil, s.authErr
	}
	return &fakeConn{srv: s}, nil
}

type fakeConn struct {
	srv *fakeServer
}

func (c *fakeConn) ListFolders(context.Context) ([]imapclient.Folder, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	var out []imapclient.Folder
	for name, f := range c.srv.folders {
		out = append(out, imapclient.Folder{Name: name, UIDValidity: f.validity, UIDNext: f.nextUID})
	}
	return out, nil
}

func (c *fakeConn) Select(folder string) (imapclient.Folder, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	f, ok := c.srv.folders[folder]
	if !ok {
		return imapclient.Folder{}, fmt.Errorf("no folder %s", folder)
	}
	return imapclient.Folder{Name: folder, UIDValidity: f.validity, UIDNext: f.nextUID}, nil
}

func (c *fakeConn) SearchSince(folder string, since time.Time) ([]uint32, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	f := c.srv.folders[folder]
	var uids []uint32
	for uid, m := range f.msgs {
		if m.date.After(since) || m.unread || m.flagged {
			uids = append(uids, uid)
		}
	}
	return uids, nil
}

func (c *fakeConn) FetchEnvelopes(folder string, uids []uint32) ([]*imapclient.Envelope, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	f := c.srv.folders[folder]
	var envs []*imapclient.Envelope
	for _, uid := range uids {
		m, ok := f.msgs[uid]
		if !ok {
			continue
		}
		flags := []string{}
		if !m.unread {
			flags = append(flags, "\\Seen")
		}
		if m.flagged {
			flags = append(flags, "\\Flagged")
		}
		envs = append(envs, &imapclient.Envelope{
			UID:         uid,
			UIDValidity: f.validity,
			GmailID:     1_000_000 + uint64(hashSubject(m.subject)),
			ThreadID:    uint64(hashSubject(m.subject)),
			MessageID:   fmt.Sprintf("<m%d@z.test>", hashSubject(m.subject)),
			Subject:     m.subject,
			Flags:       flags,
			Date:        m.date,
			Size:        uint32(len(m.body)),
		})
	}
	return envs, nil
}

func hashSubject(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h = (h ^ uint32(s[i])) * 16777619
	}
	return h
}

func (c *fakeConn) FetchBody(folder string, uid uint32) ([]byte, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	m, ok := c.srv.folders[folder].msgs[uid]
	if !ok {
		return nil, fmt.Errorf("uid %d gone", uid)
	}
	return m.raw(), nil
}

func (c *fakeConn) Idle(ctx context.Context, folder string, events chan<- struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.srv.pushes:
			select {
			case events <- struct{}{}:
			default:
			}
		}
	}
}

func (c *fakeConn) Close() error { return nil }

// harness bundles the writer-side machinery around one fake server.
type harness struct {
	cfg      *config.Config
	st       *store.Store
	states   *StateFile
	pool     *Pool
	pipeline *Pipeline
	embedder *fakeEmbedder
	cancel   context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load(dir) // no files: defaults
	require.NoError(t, err)
	cfg.General.DataDir = dir
	cfg.Sync.EmailIDLEEnabled = false

	st, err := store.OpenWriter(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	embedder := &fakeEmbedder{}
	pipeline := NewPipeline(st, embedder, nil, cfg.Sync.BodyMaxChars, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pipeline.Start(ctx)

	return &harness{
		cfg:      cfg,
		st:       st,
		states:   NewStateFile(filepath.Join(dir, "sync_state")),
		pipeline: pipeline,
		embedder: embedder,
		cancel:   cancel,
	}
}

func (h *harness) seedAccount(t *testing.T, email string) {
	t.Helper()
	require.NoError(t, h.st.UpsertAccount(&acctdomain.Account{
		Email: email, Status: acctdomain.StatusSyncing,
		AddedAt: time.Now(), SyncEmail: true,
	}))
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
