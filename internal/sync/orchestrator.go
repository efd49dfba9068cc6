// Package sync drives the per-account mirror: a state machine walks
// Init -> Priming -> Live, IDLE listeners and poll tickers feed fetch
// tasks into the shared pool, and the ingest pipeline batches commits
// into the store under the single-writer discipline.
package sync

import (
	"context"
	"log/slog"
	"sort"
	gosync "sync"
	"time"

	acctdomain "github.com/jamiequint/groundeffect/internal/account/domain"
	"github.com/jamiequint/groundeffect/internal/store"
	"github.com/jamiequint/groundeffect/pkg/config"
	"github.com/jamiequint/groundeffect/pkg/errs"
	"github.com/jamiequint/groundeffect/pkg/imapclient"
)

// State is the orchestrator's explicit machine state.
type State string

const (
	StateInit        State = "init"
	StatePriming     State = "priming"
	StateLive        State = "live"
	StateDegraded    State = "degraded"
	StateNeedsReauth State = "needs_reauth"
	StateDisabled    State = "disabled"
)

// RecentWindow is the priming horizon: the last 90 days plus all
// unread or flagged messages regardless of age.
const RecentWindow = 90 * 24 * time.Hour

const (
	envelopeChunk = 200
	backfillChunk = 50
	// idleTroubleThreshold moves the account to Degraded.
	idleTroubleThreshold = 3
)

// Orchestrator runs one account. Cooperative: every blocking call
// takes a context, and Disabled/NeedsReauth cancel in-flight work.
type Orchestrator struct {
	account  string
	cfg      *config.Config
	st       *store.Store
	states   *StateFile
	pool     *Pool
	pipeline *Pipeline
	dialMail MailDialer
	dialCal  CalendarDialer
	hints    <-chan Hint
	log      *slog.Logger

	wake       chan struct{}
	idleEvents chan string

	// connMu serialises use of the one IMAP control channel.
	connMu gosync.Mutex
	conn   MailProvider

	mu           gosync.Mutex
	state        State
	syncState    *SyncState
	idleTrouble  int
	idleCancel   context.CancelFunc
	folderFloor  time.Time
	primeBatches int
}

// NewOrchestrator wires one account's machine. hints may be nil.
func NewOrchestrator(account string, cfg *config.Config, st *store.Store, states *StateFile,
	pool *Pool, pipeline *Pipeline, dialMail MailDialer, dialCal CalendarDialer,
	hints <-chan Hint, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		account:    account,
		cfg:        cfg,
		st:         st,
		states:     states,
		pool:       pool,
		pipeline:   pipeline,
		dialMail:   dialMail,
		dialCal:    dialCal,
		hints:      hints,
		log:        log.With("account", account),
		wake:       make(chan struct{}, 1),
		idleEvents: make(chan string, 16),
		state:      StateInit,
	}
}

// State reports the current machine state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Wake nudges the orchestrator (manual trigger or mutation hint).
func (o *Orchestrator) Wake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// NotifyAuthFailure is the pool's callback when a fetch hits a
// terminal auth error.
func (o *Orchestrator) NotifyAuthFailure(err error) {
	o.log.Warn("token refresh failed, parking account", "err", err)
	o.transition(StateNeedsReauth)
}

// Disable quiesces listeners and cancels in-flight tasks.
func (o *Orchestrator) Disable() {
	o.transition(StateDisabled)
}

// Enable returns a disabled account to service on the next wake.
func (o *Orchestrator) Enable() {
	o.mu.Lock()
	if o.state == StateDisabled || o.state == StateNeedsReauth {
		o.state = StateInit
	}
	o.mu.Unlock()
	o.pool.Resume(o.account)
	o.Wake()
}

// Run is the account's long-lived task. It returns when ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	st, err := o.states.Load(o.account)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.syncState = st
	years := o.cfg.Sync.HistoryYears
	if years > 0 {
		o.folderFloor = time.Now().AddDate(-years, 0, 0)
	}
	o.mu.Unlock()

	emailTicker := time.NewTicker(o.cfg.EmailPollInterval())
	defer emailTicker.Stop()
	backfillTicker := time.NewTicker(o.cfg.BackfillInterval())
	defer backfillTicker.Stop()
	calTicker := time.NewTicker(o.cfg.CalendarPollInterval())
	defer calTicker.Stop()

	// First cycle runs immediately.
	o.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			o.stopIdle()
			o.closeConn()
			return ctx.Err()
		case <-o.wake:
			o.cycle(ctx)
		case folder := <-o.idleEvents:
			o.onIdleEvent(ctx, folder)
		case <-emailTicker.C:
			if o.inService() {
				o.enqueueIncrementalAll(ctx)
			}
		case <-backfillTicker.C:
			if o.State() == StateLive {
				o.enqueueBackfill(ctx)
				o.pool.Submit(&Task{
					Account:  o.account,
					Kind:     TaskEnvelopeBatch,
					Priority: PriBackfill,
					Run: func(tctx context.Context) error {
						o.pipeline.ReembedSweep(tctx, backfillChunk)
						return nil
					},
				})
			}
		case <-calTicker.C:
			if o.inService() {
				o.enqueueCalendarDelta(ctx)
			}
		case h, ok := <-o.hintsChan():
			if !ok {
				continue
			}
			o.onHint(ctx, h)
		}
	}
}

func (o *Orchestrator) hintsChan() <-chan Hint {
	if o.hints == nil {
		// A nil channel blocks forever, which is exactly right.
		return nil
	}
	return o.hints
}

func (o *Orchestrator) inService() bool {
	s := o.State()
	return s == StateLive || s == StateDegraded || s == StatePriming
}

// cycle runs the state transition appropriate for the current state.
func (o *Orchestrator) cycle(ctx context.Context) {
	switch o.State() {
	case StateInit:
		o.initAccount(ctx)
	case StatePriming, StateLive, StateDegraded:
		// A degraded init may have left no folder list behind; retry
		// the whole init in that case.
		if len(o.snapshotState().Folders) == 0 {
			o.initAccount(ctx)
			return
		}
		o.enqueueIncrementalAll(ctx)
		o.enqueueCalendarDelta(ctx)
	case StateNeedsReauth:
		// A wake after reauth retries from scratch.
		o.mu.Lock()
		o.state = StateInit
		o.mu.Unlock()
		o.pool.Resume(o.account)
		o.initAccount(ctx)
	case StateDisabled:
		// Stay quiesced until Enable.
	}
}

// initAccount resolves credentials and the folder list, then starts
// priming (or goes straight to Live when already primed).
func (o *Orchestrator) initAccount(ctx context.Context) {
	acct, err := o.st.GetAccount(o.account)
	if err != nil || acct == nil {
		o.log.Error("account row missing", "err", err)
		return
	}
	if !acct.SyncEmail && !acct.SyncCalendar {
		o.transition(StateDisabled)
		return
	}

	if acct.SyncEmail {
		conn, err := o.ensureConn(ctx)
		if err != nil {
			o.handleInitError(err)
			return
		}
		folders, err := conn.ListFolders(ctx)
		if err != nil {
			o.handleInitError(err)
			return
		}
		folders = o.filterFolders(acct, folders)

		primed := o.snapshotState().Primed
		if primed {
			o.transition(StateLive)
		} else {
			o.transition(StatePriming)
		}
		for _, f := range folders {
			folder := f
			pri := PriRecent
			if primed {
				pri = PriIncremental
			}
			o.pool.Submit(&Task{
				Account:  o.account,
				Kind:     TaskEnvelopeBatch,
				Priority: pri,
				Run: func(tctx context.Context) error {
					return o.syncFolder(tctx, folder.Name, !primed)
				},
			})
		}
		if o.cfg.Sync.EmailIDLEEnabled {
			o.startIdle(ctx, folders)
		}
	} else {
		o.transition(StateLive)
	}

	if acct.SyncCalendar {
		o.enqueueCalendarDelta(ctx)
	}
}

func (o *Orchestrator) handleInitError(err error) {
	if errs.IsAuth(err) {
		o.NotifyAuthFailure(err)
		return
	}
	o.log.Warn("init failed, will retry on next wake", "err", err)
	o.transition(StateDegraded)
}

func (o *Orchestrator) filterFolders(acct *acctdomain.Account, folders []imapclient.Folder) []imapclient.Folder {
	allow := acct.Folders
	if over := o.cfg.AccountOverrides(o.account); len(over.Folders) > 0 {
		allow = over.Folders
	}
	if len(allow) == 0 {
		return folders
	}
	allowed := map[string]bool{}
	for _, f := range allow {
		allowed[f] = true
	}
	var out []imapclient.Folder
	for _, f := range folders {
		if allowed[f.Name] {
			out = append(out, f)
		}
	}
	return out
}

// syncFolder fetches the folder's window: for priming, the recent
// window plus unread/flagged; afterwards, everything past the last
// seen UID. UID-validity rollovers re-map the folder before anything
// new commits.
func (o *Orchestrator) syncFolder(ctx context.Context, folder string, priming bool) error {
	o.connMu.Lock()
	defer o.connMu.Unlock()
	conn, err := o.ensureConn(ctx)
	if err != nil {
		return err
	}

	sel, err := conn.Select(folder)
	if err != nil {
		return err
	}

	state := o.snapshotState()
	fs := state.Folder(folder)

	if fs.UIDValidity != 0 && fs.UIDValidity != sel.UIDValidity {
		o.log.Info("uid-validity rollover", "folder", folder, "old", fs.UIDValidity, "new", sel.UIDValidity)
		if err := o.remapFolder(ctx, conn, folder, sel.UIDValidity); err != nil {
			return err
		}
		return nil
	}

	var uids []uint32
	if priming || fs.UIDValidity == 0 {
		uids, err = conn.SearchSince(folder, time.Now().Add(-RecentWindow))
	} else {
		uids, err = o.newUIDs(conn, folder, fs.LastSeenUID)
	}
	if err != nil {
		return err
	}

	if err := o.ingestUIDs(ctx, conn, folder, sel.UIDValidity, uids); err != nil {
		return err
	}

	o.mu.Lock()
	fs = o.syncState.Folder(folder)
	fs.UIDValidity = sel.UIDValidity
	for _, uid := range uids {
		if uid > fs.LastSeenUID {
			fs.LastSeenUID = uid
		}
	}
	if fs.LastSeenUID == 0 && sel.UIDNext > 0 {
		fs.LastSeenUID = sel.UIDNext - 1
	}
	if fs.BackfillLowUID == 0 {
		low := fs.LastSeenUID
		for _, uid := range uids {
			if uid < low {
				low = uid
			}
		}
		fs.BackfillLowUID = low
	}
	saveErr := o.states.Save(o.syncState)
	o.mu.Unlock()
	if saveErr != nil {
		o.log.Warn("save sync state", "err", saveErr)
	}

	if priming {
		o.notePrimeBatch()
	}
	return nil
}

// remapFolder drains a UID-validity invalidation: re-fetch the window
// under the new epoch (updating rows in place by provider id), then
// purge anything still carrying the old epoch.
func (o *Orchestrator) remapFolder(ctx context.Context, conn MailProvider, folder string, newValidity uint32) error {
	uids, err := conn.SearchSince(folder, time.Now().Add(-RecentWindow))
	if err != nil {
		return err
	}
	if err := o.ingestUIDs(ctx, conn, folder, newValidity, uids); err != nil {
		return err
	}
	if err := o.pipeline.Flush(); err != nil {
		return err
	}
	purged, err := o.st.PurgeStaleUIDs(o.account, folder, newValidity)
	if err != nil {
		return err
	}
	o.log.Info("folder re-mapped", "folder", folder, "purged", purged)

	o.mu.Lock()
	fs := o.syncState.Folder(folder)
	fs.UIDValidity = newValidity
	fs.LastSeenUID = 0
	for _, uid := range uids {
		if uid > fs.LastSeenUID {
			fs.LastSeenUID = uid
		}
	}
	delete(o.syncState.PoisonUIDs, folder)
	saveErr := o.states.Save(o.syncState)
	o.mu.Unlock()
	return saveErr
}

// ingestUIDs runs envelope batches then bodies through the pipeline.
func (o *Orchestrator) ingestUIDs(ctx context.Context, conn MailProvider, folder string, validity uint32, uids []uint32) error {
	state := o.snapshotState()
	filtered := uids[:0]
	for _, uid := range uids {
		if !state.IsPoisoned(folder, uid) {
			filtered = append(filtered, uid)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i] > filtered[j] }) // newest first

	for start := 0; start < len(filtered); start += envelopeChunk {
		end := start + envelopeChunk
		if end > len(filtered) {
			end = len(filtered)
		}
		envs, err := conn.FetchEnvelopes(folder, filtered[start:end])
		if err != nil {
			return err
		}
		for _, env := range envs {
			env.UIDValidity = validity
			raw, err := conn.FetchBody(folder, env.UID)
			if errs.IsNotFound(err) {
				continue // expunged between search and fetch
			}
			if err != nil {
				return err
			}
			if err := o.pipeline.IngestMessage(ctx, o.account, env, folder, raw); err != nil {
				if errs.IsPoison(err) {
					o.quarantine(folder, env.UID, err)
					continue
				}
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) quarantine(folder string, uid uint32, err error) {
	o.log.Warn("malformed message quarantined", "folder", folder, "uid", uid, "err", err)
	o.mu.Lock()
	o.syncState.Poison(folder, uid)
	saveErr := o.states.Save(o.syncState)
	o.mu.Unlock()
	if saveErr != nil {
		o.log.Warn("save sync state", "err", saveErr)
	}
}

// newUIDs lists UIDs above the last seen cursor.
func (o *Orchestrator) newUIDs(conn MailProvider, folder string, lastSeen uint32) ([]uint32, error) {
	sel, err := conn.Select(folder)
	if err != nil {
		return nil, err
	}
	if sel.UIDNext <= lastSeen+1 {
		return nil, nil
	}
	var uids []uint32
	for uid := lastSeen + 1; uid < sel.UIDNext; uid++ {
		uids = append(uids, uid)
	}
	return uids, nil
}

// notePrimeBatch flips Priming to Live once the first batch lands.
func (o *Orchestrator) notePrimeBatch() {
	o.mu.Lock()
	o.primeBatches++
	first := o.primeBatches == 1
	o.syncState.Primed = true
	_ = o.states.Save(o.syncState)
	o.mu.Unlock()
	if first && o.State() == StatePriming {
		_ = o.pipeline.Flush()
		o.transition(StateLive)
	}
}

// onIdleEvent enqueues an incremental fetch for the folder that pushed.
func (o *Orchestrator) onIdleEvent(ctx context.Context, folder string) {
	if !o.inService() {
		return
	}
	o.pool.Submit(&Task{
		Account:  o.account,
		Kind:     TaskEnvelopeBatch,
		Priority: PriIncremental,
		Run: func(tctx context.Context) error {
			return o.syncFolder(tctx, folder, false)
		},
	})
}

func (o *Orchestrator) onHint(ctx context.Context, h Hint) {
	switch h.Kind {
	case HintMail:
		folder := h.Folder
		if folder == "" {
			o.enqueueIncrementalAll(ctx)
			return
		}
		o.onIdleEvent(ctx, folder)
	case HintCalendar:
		o.enqueueCalendarDelta(ctx)
	}
}

func (o *Orchestrator) enqueueIncrementalAll(ctx context.Context) {
	state := o.snapshotState()
	for folder := range state.Folders {
		o.onIdleEvent(ctx, folder)
	}
}

// enqueueBackfill walks history in reverse chronological order until
// the configured floor.
func (o *Orchestrator) enqueueBackfill(ctx context.Context) {
	state := o.snapshotState()
	for folder, fs := range state.Folders {
		if fs.BackfillLowUID <= 1 {
			continue // floor reached
		}
		folder := folder
		o.pool.Submit(&Task{
			Account:  o.account,
			Kind:     TaskEnvelopeBatch,
			Priority: PriBackfill,
			Run: func(tctx context.Context) error {
				return o.backfillFolder(tctx, folder)
			},
		})
	}
}

func (o *Orchestrator) backfillFolder(ctx context.Context, folder string) error {
	o.connMu.Lock()
	defer o.connMu.Unlock()
	conn, err := o.ensureConn(ctx)
	if err != nil {
		return err
	}
	sel, err := conn.Select(folder)
	if err != nil {
		return err
	}

	o.mu.Lock()
	cursor := o.syncState.Folder(folder).BackfillLowUID
	floor := o.folderFloor
	o.mu.Unlock()
	if cursor <= 1 {
		return nil
	}
	high := cursor - 1

	var low uint32 = 1
	if high > backfillChunk {
		low = high - backfillChunk + 1
	}
	uids := make([]uint32, 0, high-low+1)
	for uid := low; uid <= high; uid++ {
		uids = append(uids, uid)
	}

	envs, err := conn.FetchEnvelopes(folder, uids)
	if err != nil {
		return err
	}
	reachedFloor := low == 1
	for _, env := range envs {
		env.UIDValidity = sel.UIDValidity
		if !floor.IsZero() && env.Date.Before(floor) {
			reachedFloor = true
			continue
		}
		if o.snapshotState().IsPoisoned(folder, env.UID) {
			continue
		}
		raw, err := conn.FetchBody(folder, env.UID)
		if errs.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if err := o.pipeline.IngestMessage(ctx, o.account, env, folder, raw); err != nil {
			if errs.IsPoison(err) {
				o.quarantine(folder, env.UID, err)
				continue
			}
			return err
		}
	}

	o.mu.Lock()
	fs := o.syncState.Folder(folder)
	if reachedFloor {
		fs.BackfillLowUID = 1
	} else {
		fs.BackfillLowUID = low
	}
	saveErr := o.states.Save(o.syncState)
	o.mu.Unlock()
	return saveErr
}

// enqueueCalendarDelta polls every calendar with its stored sync-token.
func (o *Orchestrator) enqueueCalendarDelta(ctx context.Context) {
	if o.dialCal == nil {
		return
	}
	o.pool.Submit(&Task{
		Account:  o.account,
		Kind:     TaskCalDAVDelta,
		Priority: PriIncremental,
		Run: func(tctx context.Context) error {
			return o.syncCalendars(tctx)
		},
	})
}

func (o *Orchestrator) syncCalendars(ctx context.Context) error {
	cal, err := o.dialCal(ctx, o.account)
	if err != nil {
		return err
	}
	calendars, err := cal.ListCalendars(ctx)
	if err != nil {
		return err
	}

	for _, c := range calendars {
		state := o.snapshotState()
		token := state.CalendarTokens[c.ID]
		delta, err := cal.Sync(ctx, o.account, c, token)
		if err != nil {
			if errs.IsPoison(err) {
				o.log.Warn("poison calendar payload", "calendar", c.ID, "err", err)
				continue
			}
			return err
		}

		filtered := delta.Updated[:0]
		for _, item := range delta.Updated {
			if !state.IsEventPoisoned(item.EventID) {
				filtered = append(filtered, item)
			}
		}
		o.pipeline.IngestEvents(ctx, filtered)

		for _, eventID := range delta.Deleted {
			existing, err := o.st.GetEventByProviderID(o.account, eventID)
			if err != nil {
				return err
			}
			if existing != nil {
				o.pipeline.DeleteEvent(existing.ID)
			}
		}

		o.mu.Lock()
		o.syncState.CalendarTokens[c.ID] = delta.SyncToken
		saveErr := o.states.Save(o.syncState)
		o.mu.Unlock()
		if saveErr != nil {
			o.log.Warn("save sync state", "err", saveErr)
		}
	}
	return nil
}

// startIdle launches one listener per folder.
func (o *Orchestrator) startIdle(ctx context.Context, folders []imapclient.Folder) {
	o.stopIdle()
	idleCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.idleCancel = cancel
	o.mu.Unlock()

	for _, f := range folders {
		l := &idleListener{
			account: o.account,
			folder:  f.Name,
			dial:    o.dialMail,
			events:  o.idleEvents,
			log:     o.log,
			onTrouble: func(failures int) {
				o.onIdleTrouble(failures)
			},
		}
		go l.run(idleCtx)
	}
}

func (o *Orchestrator) stopIdle() {
	o.mu.Lock()
	cancel := o.idleCancel
	o.idleCancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// onIdleTrouble degrades to polling after repeated IDLE disconnects.
// Later fetches do not restore Live; only a fresh initAccount moves
// the account back to Live.
func (o *Orchestrator) onIdleTrouble(failures int) {
	o.mu.Lock()
	o.idleTrouble = failures
	o.mu.Unlock()
	if failures >= idleTroubleThreshold && o.State() == StateLive {
		o.log.Warn("idle unstable, degrading to polling", "failures", failures)
		o.transition(StateDegraded)
	}
}

// transition moves the machine and mirrors the operator-visible status
// into the accounts table.
func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()
	if from == to {
		return
	}
	o.log.Info("state transition", "from", from, "to", to)

	switch to {
	case StatePriming:
		_ = o.st.SetAccountStatus(o.account, acctdomain.StatusSyncing)
	case StateLive, StateDegraded:
		_ = o.st.SetAccountStatus(o.account, acctdomain.StatusActive)
	case StateNeedsReauth:
		o.stopIdle()
		o.pool.Quiesce(o.account)
		o.closeConn()
		_ = o.st.SetAccountStatus(o.account, acctdomain.StatusNeedsReauth)
	case StateDisabled:
		o.stopIdle()
		o.pool.Quiesce(o.account)
		o.closeConn()
		_ = o.st.SetAccountStatus(o.account, acctdomain.StatusDisabled)
	}
}

func (o *Orchestrator) ensureConn(ctx context.Context) (MailProvider, error) {
	o.mu.Lock()
	conn := o.conn
	o.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	conn, err := o.dialMail(ctx, o.account)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.conn = conn
	o.mu.Unlock()
	return conn, nil
}

func (o *Orchestrator) closeConn() {
	o.mu.Lock()
	conn := o.conn
	o.conn = nil
	o.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (o *Orchestrator) snapshotState() *SyncState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.syncState
}
