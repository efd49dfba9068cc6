package sync

import (
	"context"
	"time"

	"github.com/jamiequint/groundeffect/pkg/caldavclient"
	"github.com/jamiequint/groundeffect/pkg/imapclient"
)

// MailProvider is the capability surface the orchestrator needs from an
// IMAP session. Tests substitute in-memory fakes.
type MailProvider interface {
	ListFolders(ctx context.Context) ([]imapclient.Folder, error)
	Select(folder string) (imapclient.Folder, error)
	SearchSince(folder string, since time.Time) ([]uint32, error)
	FetchEnvelopes(folder string, uids []uint32) ([]*imapclient.Envelope, error)
	FetchBody(folder string, uid uint32) ([]byte, error)
	Idle(ctx context.Context, folder string, events chan<- struct{}) error
	Close() error
}

// MailDialer opens a fresh authenticated session. The orchestrator
// dials once for the control channel and once per IDLE listener.
type MailDialer func(ctx context.Context, email string) (MailProvider, error)

// CalendarProvider is the CalDAV capability surface.
type CalendarProvider interface {
	ListCalendars(ctx context.Context) ([]caldavclient.Calendar, error)
	Sync(ctx context.Context, account string, cal caldavclient.Calendar, syncToken string) (*caldavclient.Delta, error)
}

// CalendarDialer opens a CalDAV session for an account.
type CalendarDialer func(ctx context.Context, email string) (CalendarProvider, error)
