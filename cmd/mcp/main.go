// The query server is the short-lived reader process spawned per
// external-host session. It opens the store read-only, serves the tool
// surface over stdio, and routes mutations straight to the provider.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/jamiequint/groundeffect/internal/mcp"
	"github.com/jamiequint/groundeffect/internal/mutate"
	"github.com/jamiequint/groundeffect/internal/search"
	"github.com/jamiequint/groundeffect/internal/store"
	syncpkg "github.com/jamiequint/groundeffect/internal/sync"
	"github.com/jamiequint/groundeffect/pkg/config"
	"github.com/jamiequint/groundeffect/pkg/embed"
	"github.com/jamiequint/groundeffect/pkg/gmailapi"
	"github.com/jamiequint/groundeffect/pkg/logging"
	"github.com/jamiequint/groundeffect/pkg/vault"
)

func main() {
	cfg, err := config.Load(config.DefaultConfigDir())
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	log := logging.New(cfg.General.LogLevel, cfg.LogsDir(), "mcp")

	st, err := store.OpenReader(cfg.StorePath())
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

	searcher := search.NewSearcher(st, embedder, cfg.Accounts.Aliases, log)
	vlt := vault.NewFileVault(cfg.TokensDir(config.DefaultConfigDir()))
	gmailSvc := gmailapi.NewService(cfg.Google.ClientID, cfg.Google.ClientSecret)

	// Mutation hints cross the process boundary through the daemon's
	// status surface; delivery is best-effort, the poll covers misses.
	notifier := mutate.NotifierFunc(func(h syncpkg.Hint) {
		body, err := json.Marshal(h)
		if err != nil {
			return
		}
		url := "http://" + cfg.Daemon.StatusListenAddr + "/hint"
		resp, err := http.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			log.Debug("hint delivery failed", "err", err)
			return
		}
		resp.Body.Close()
	})

	router := mutate.NewRouter(st, gmailSvc, vlt, notifier, log)
	server := mcp.NewServer(st, searcher, router, cfg, log)

	if err := server.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
		log.Error("serve", "err", err)
		os.Exit(1)
	}
}
