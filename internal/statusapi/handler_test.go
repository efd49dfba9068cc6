package statusapi

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	acctdomain "github.com/jamiequint/groundeffect/internal/account/domain"
	"github.com/jamiequint/groundeffect/internal/store"
	syncpkg "github.com/jamiequint/groundeffect/internal/sync"
	"github.com/jamiequint/groundeffect/pkg/config"
)

type fakeRegistry struct {
	orcs map[string]*syncpkg.Orchestrator
	bus  *syncpkg.HintBus
}

func (f *fakeRegistry) Get(account string) (*syncpkg.Orchestrator, bool) {
	o, ok := f.orcs[account]
	return o, ok
}

func (f *fakeRegistry) Hints() *syncpkg.HintBus { return f.bus }

func newStatusFixture(t *testing.T) (*gin.Engine, *fakeRegistry, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()

	st, err := store.OpenWriter(filepath.Join(dir, "status.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.UpsertAccount(&acctdomain.Account{
		Email: "a@x.test", Status: acctdomain.StatusActive, AddedAt: time.Now(), SyncEmail: true,
	}))

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	states := syncpkg.NewStateFile(filepath.Join(dir, "sync_state"))
	o := syncpkg.NewOrchestrator("a@x.test", cfg, st, states, nil, nil, nil, nil, nil, slog.Default())

	reg := &fakeRegistry{orcs: map[string]*syncpkg.Orchestrator{"a@x.test": o}, bus: syncpkg.NewHintBus()}
	engine := gin.New()
	SetupRoutes(engine, NewHandler(st, reg, states, slog.Default()))
	return engine, reg, st
}

func TestStatusEndpoint(t *testing.T) {
	engine, _, _ := newStatusFixture(t)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"a@x.test"`)
	require.Contains(t, w.Body.String(), `"mail_items":0`)
}

func TestTriggerSyncUnknownAccount(t *testing.T) {
	engine, _, _ := newStatusFixture(t)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sync/nobody@x.test", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestTriggerSyncKnownAccount(t *testing.T) {
	engine, _, _ := newStatusFixture(t)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sync/a@x.test", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"triggered":true`)
}

func TestHintEndpoint(t *testing.T) {
	engine, reg, _ := newStatusFixture(t)
	ch := reg.bus.Subscribe("a@x.test")

	body := strings.NewReader(`{"account":"a@x.test","kind":"mail","folder":"[Gmail]/Sent Mail"}`)
	req := httptest.NewRequest(http.MethodPost, "/hint", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case h := <-ch:
		require.Equal(t, syncpkg.HintMail, h.Kind)
		require.Equal(t, "[Gmail]/Sent Mail", h.Folder)
	default:
		t.Fatal("hint was not published")
	}
}

func TestResetEndpoint(t *testing.T) {
	engine, _, _ := newStatusFixture(t)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/accounts/a@x.test/reset", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"reset":true`)
}
