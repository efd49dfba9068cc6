// The daemon is the long-running writer process: it owns the writer
// lock, runs one sync orchestrator per account, and serves the
// localhost status surface. SIGTERM drains in-flight commits and
// releases the lock; a fatal configuration error exits non-zero.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	gosync "sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	acctdomain "github.com/jamiequint/groundeffect/internal/account/domain"
	"github.com/jamiequint/groundeffect/internal/statusapi"
	"github.com/jamiequint/groundeffect/internal/store"
	syncpkg "github.com/jamiequint/groundeffect/internal/sync"
	"github.com/jamiequint/groundeffect/pkg/caldavclient"
	"github.com/jamiequint/groundeffect/pkg/config"
	"github.com/jamiequint/groundeffect/pkg/embed"
	"github.com/jamiequint/groundeffect/pkg/gmailapi"
	"github.com/jamiequint/groundeffect/pkg/imapclient"
	"github.com/jamiequint/groundeffect/pkg/logging"
	"github.com/jamiequint/groundeffect/pkg/ratelimit"
	"github.com/jamiequint/groundeffect/pkg/vault"
)

// registry maps accounts to their orchestrators for the status surface.
type registry struct {
	mu   gosync.Mutex
	orcs map[string]*syncpkg.Orchestrator
	bus  *syncpkg.HintBus
}

func (r *registry) Get(account string) (*syncpkg.Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orcs[account]
	return o, ok
}

func (r *registry) Hints() *syncpkg.HintBus { return r.bus }

func main() {
	cfg, err := config.Load(config.DefaultConfigDir())
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	log := logging.New(cfg.General.LogLevel, cfg.LogsDir(), "daemon")

	// Acquiring the writer lock is the first thing the daemon does; a
	// conflict names the holder and exits.
	st, err := store.OpenWriter(cfg.StorePath())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer st.Close()

	embedder, err := embed.NewEmbedder(embed.Options{
		Provider:  embed.ProviderOllama,
		OllamaURL: cfg.Search.OllamaURL,
		Model:     cfg.Search.EmbeddingModel,
		UseMetal:  cfg.Search.UseMetal,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "embedder:", err)
		os.Exit(1)
	}

	vlt := vault.NewFileVault(cfg.TokensDir(config.DefaultConfigDir()))
	gmailSvc := gmailapi.NewService(cfg.Google.ClientID, cfg.Google.ClientSecret)
	limiter := ratelimit.New(ratelimit.DefaultGlobalRPS)
	states := syncpkg.NewStateFile(cfg.SyncStateDir())
	bus := syncpkg.NewHintBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipeline := syncpkg.NewPipeline(st, embedder, nil, cfg.Sync.BodyMaxChars, log)
	pipeline.Start(ctx)

	reg := &registry{orcs: map[string]*syncpkg.Orchestrator{}, bus: bus}
	pool := syncpkg.NewPool(cfg.Sync.MaxConcurrentFetches, limiter, log, func(account string, err error) {
		if o, ok := reg.Get(account); ok {
			o.NotifyAuthFailure(err)
		}
	})
	pool.Start(ctx)

	tokenFor := func(tctx context.Context, email string) (*oauth2.Token, error) {
		bundle, err := vlt.Load(email)
		if err != nil {
			return nil, err
		}
		ts := gmailSvc.TokenSource(tctx, bundle.OAuth(), func(tok *oauth2.Token) error {
			return vlt.Save(email, vault.FromOAuth(tok, bundle.IDToken))
		})
		return ts.Token()
	}

	dialMail := func(tctx context.Context, email string) (syncpkg.MailProvider, error) {
		tok, err := tokenFor(tctx, email)
		if err != nil {
			return nil, err
		}
		return imapclient.Dial(tctx, email, tok.AccessToken)
	}
	dialCal := func(tctx context.Context, email string) (syncpkg.CalendarProvider, error) {
		bundle, err := vlt.Load(email)
		if err != nil {
			return nil, err
		}
		ts := gmailSvc.TokenSource(tctx, bundle.OAuth(), func(tok *oauth2.Token) error {
			return vlt.Save(email, vault.FromOAuth(tok, bundle.IDToken))
		})
		return caldavclient.New(tctx, email, ts)
	}

	if err := reconcileAccounts(st, vlt, cfg, log); err != nil {
		fmt.Fprintln(os.Stderr, "account reconcile:", err)
		os.Exit(1)
	}

	accounts, err := st.ListAccounts()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var wg gosync.WaitGroup
	for _, a := range accounts {
		o := syncpkg.NewOrchestrator(a.Email, cfg, st, states, pool, pipeline,
			dialMail, dialCal, bus.Subscribe(a.Email), log)
		reg.mu.Lock()
		reg.orcs[a.Email] = o
		reg.mu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = o.Run(ctx)
		}()
	}
	log.Info("daemon started", "accounts", len(accounts), "store", cfg.StorePath())

	// Status surface for the menu-bar UI and the query server.
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	statusapi.SetupRoutes(engine, statusapi.NewHandler(st, reg, states, log))
	httpSrv := &http.Server{Addr: cfg.Daemon.StatusListenAddr, Handler: engine}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("status server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	cancel()
	pool.Stop()
	wg.Wait()
	pipeline.Stop()
	if err := pipeline.Flush(); err != nil {
		log.Error("final flush", "err", err)
	}
	if err := st.Close(); err != nil {
		log.Error("close store", "err", err)
	}
	log.Info("clean shutdown")
}

// reconcileAccounts creates account rows for token bundles the OAuth
// flow dropped off, applying config overrides. The address is the
// bundle's file name; only the display name comes from the id_token
// claims.
func reconcileAccounts(st *store.Store, vlt *vault.FileVault, cfg *config.Config, log *slog.Logger) error {
	emails, err := vlt.List()
	if err != nil {
		return err
	}
	for _, email := range emails {
		existing, err := st.GetAccount(email)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		bundle, err := vlt.Load(email)
		if err != nil {
			log.Warn("unreadable token bundle", "account", email, "err", err)
			continue
		}
		displayName := ""
		if id, err := bundle.Identity(); err == nil {
			displayName = id.Name
		}

		acct := &acctdomain.Account{
			Email:        email,
			DisplayName:  displayName,
			Status:       acctdomain.StatusSyncing,
			AddedAt:      time.Now().UTC(),
			SyncEmail:    true,
			SyncCalendar: true,
		}
		for alias, canonical := range cfg.Accounts.Aliases {
			if canonical == email {
				acct.Alias = alias
			}
		}
		over := cfg.AccountOverrides(email)
		if over.SyncEnabled != nil && !*over.SyncEnabled {
			acct.SyncEmail = false
			acct.SyncCalendar = false
			acct.Status = acctdomain.StatusDisabled
		}
		acct.Folders = over.Folders
		if over.SyncAttachments != nil {
			acct.SyncAttachments = *over.SyncAttachments
		}
		if err := st.UpsertAccount(acct); err != nil {
			return err
		}
		log.Info("account registered", "account", email)
	}
	return nil
}
