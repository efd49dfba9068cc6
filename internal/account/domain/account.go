package domain

import "time"

// Status is the lifecycle state of a synced account.
type Status string

const (
	StatusActive      Status = "active"
	StatusSyncing     Status = "syncing"
	StatusNeedsReauth Status = "needs_reauth"
	StatusDisabled    Status = "disabled"
)

// Account is a single Gmail/Google Calendar identity, keyed by its
// canonical email address. Created when an OAuth grant completes and
// mutated only by the writer daemon.
type Account struct {
	Email            string     `json:"email"`
	Alias            string     `json:"alias,omitempty"`
	DisplayName      string     `json:"display_name,omitempty"`
	Status           Status     `json:"status"`
	AddedAt          time.Time  `json:"added_at"`
	LastEmailSync    *time.Time `json:"last_email_sync,omitempty"`
	LastCalendarSync *time.Time `json:"last_calendar_sync,omitempty"`
	SyncEmail        bool       `json:"sync_email"`
	SyncCalendar     bool       `json:"sync_calendar"`
	// Folders restricts email sync to an allowlist when non-empty.
	Folders         []string `json:"folders,omitempty"`
	SyncAttachments bool     `json:"sync_attachments"`
}

// Resolve maps an alias or address to the canonical address, returning
// false when neither matches.
func Resolve(accounts []*Account, aliasOrEmail string) (string, bool) {
	for _, a := range accounts {
		if a.Email == aliasOrEmail || (a.Alias != "" && a.Alias == aliasOrEmail) {
			return a.Email, true
		}
	}
	return "", false
}
