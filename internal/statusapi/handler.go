// Package statusapi is the daemon's localhost HTTP surface. The
// menu-bar UI and the query server use it to read account status and
// to nudge syncs; it never serves search traffic.
package statusapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jamiequint/groundeffect/internal/store"
	syncpkg "github.com/jamiequint/groundeffect/internal/sync"
)

// Orchestrators exposes the daemon's per-account machines to the
// handler.
type Orchestrators interface {
	Get(account string) (*syncpkg.Orchestrator, bool)
	Hints() *syncpkg.HintBus
}

type Handler struct {
	st     *store.Store
	orcs   Orchestrators
	states *syncpkg.StateFile
	log    *slog.Logger
}

func NewHandler(st *store.Store, orcs Orchestrators, states *syncpkg.StateFile, log *slog.Logger) *Handler {
	return &Handler{st: st, orcs: orcs, states: states, log: log}
}

// GetStatus reports every account with its machine state, last-sync
// times, and item counts.
func (h *Handler) GetStatus(c *gin.Context) {
	accounts, err := h.st.ListAccounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type acctStatus struct {
		Email            string     `json:"email"`
		Alias            string     `json:"alias,omitempty"`
		Status           string     `json:"status"`
		SyncState        string     `json:"sync_state,omitempty"`
		LastEmailSync    *time.Time `json:"last_email_sync,omitempty"`
		LastCalendarSync *time.Time `json:"last_calendar_sync,omitempty"`
		MailItems        int        `json:"mail_items"`
		CalendarItems    int        `json:"calendar_items"`
	}

	out := make([]acctStatus, 0, len(accounts))
	for _, a := range accounts {
		mailN, calN, err := h.st.CountItems(a.Email)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		s := acctStatus{
			Email:            a.Email,
			Alias:            a.Alias,
			Status:           string(a.Status),
			LastEmailSync:    a.LastEmailSync,
			LastCalendarSync: a.LastCalendarSync,
			MailItems:        mailN,
			CalendarItems:    calN,
		}
		if o, ok := h.orcs.Get(a.Email); ok {
			s.SyncState = string(o.State())
		}
		out = append(out, s)
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

// TriggerSync wakes one account's orchestrator.
func (h *Handler) TriggerSync(c *gin.Context) {
	account := c.Param("account")
	o, ok := h.orcs.Get(account)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown account " + account})
		return
	}
	o.Wake()
	c.JSON(http.StatusOK, gin.H{"triggered": true, "account": account})
}

// Hint forwards a mutation hint from the query server.
func (h *Handler) Hint(c *gin.Context) {
	var hint syncpkg.Hint
	if err := c.ShouldBindJSON(&hint); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if hint.Account == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account is required"})
		return
	}
	h.orcs.Hints().Publish(hint)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Enable returns a disabled account to service.
func (h *Handler) Enable(c *gin.Context) {
	h.setEnabled(c, true)
}

// Disable quiesces an account.
func (h *Handler) Disable(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *Handler) setEnabled(c *gin.Context, enabled bool) {
	account := c.Param("email")
	o, ok := h.orcs.Get(account)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown account " + account})
		return
	}
	if enabled {
		o.Enable()
	} else {
		o.Disable()
	}
	c.JSON(http.StatusOK, gin.H{"account": account, "enabled": enabled})
}

// Reset clears the account's rows and sync-state; the next cycle
// re-primes from scratch.
func (h *Handler) Reset(c *gin.Context) {
	account := c.Param("email")
	if _, ok := h.orcs.Get(account); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown account " + account})
		return
	}
	if err := h.st.ResetAccountData(account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.states.Reset(account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.log.Info("account reset", "account", account)
	c.JSON(http.StatusOK, gin.H{"account": account, "reset": true})
}
