package sync

import (
	"context"
	"log/slog"
	"time"
)

// idleListener keeps one IMAP IDLE channel open per folder, publishing
// wake events into the orchestrator's channel. Listeners own a
// dedicated connection; the control channel stays free for fetches.
type idleListener struct {
	account string
	folder  string
	dial    MailDialer
	events  chan<- string // folder name per server push
	log     *slog.Logger

	// onTrouble reports consecutive reconnect failures so the
	// orchestrator can degrade to polling.
	onTrouble func(failures int)
}

func (l *idleListener) run(ctx context.Context) {
	failures := 0
	for ctx.Err() == nil {
		err := l.idleOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		failures++
		if l.onTrouble != nil {
			l.onTrouble(failures)
		}
		delay := Backoff(failures)
		l.log.Debug("idle reconnect", "account", l.account, "folder", l.folder, "failures", failures, "delay", delay, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (l *idleListener) idleOnce(ctx context.Context) error {
	conn, err := l.dial(ctx, l.account)
	if err != nil {
		return err
	}
	defer conn.Close()

	pushes := make(chan struct{}, 1)
	done := make(chan error, 1)
	idleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		done <- conn.Idle(idleCtx, l.folder, pushes)
	}()

	for {
		select {
		case <-ctx.Done():
			<-done
			return ctx.Err()
		case err := <-done:
			return err
		case <-pushes:
			select {
			case l.events <- l.folder:
			default:
			}
		}
	}
}
