// Package search implements the query planner: alias resolution,
// structured filters, and hybrid keyword+vector ranking fused with
// Reciprocal Rank Fusion.
package search

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	acctdomain "github.com/jamiequint/groundeffect/internal/account/domain"
	caldomain "github.com/jamiequint/groundeffect/internal/calendar/domain"
	maildomain "github.com/jamiequint/groundeffect/internal/mail/domain"
	"github.com/jamiequint/groundeffect/internal/store"
	"github.com/jamiequint/groundeffect/pkg/embed"
	"github.com/jamiequint/groundeffect/pkg/errs"
)

const (
	// rrfK is the standard RRF smoothing constant.
	rrfK = 60
	// minCandidates floors each side's candidate pool.
	minCandidates = 100

	DefaultLimit = 10
	MaxLimit     = 100
)

// Request is one search invocation.
type Request struct {
	Query         string
	Accounts      []string // nil or empty = all accounts
	DateFrom      *time.Time
	DateTo        *time.Time
	Folder        string
	Sender        string
	Recipient     string
	HasAttachment *bool
	CalendarID    string
	Limit         int
}

// Response carries the fused ranking plus the query echo.
type Response struct {
	Hits             []store.Hit
	AccountsSearched []string
	TotalCandidates  int
	Elapsed          time.Duration
	Degraded         bool
}

// Searcher plans and executes hybrid queries against one item table.
// The same instance serves both tables; Table is per call.
type Searcher struct {
	store    *store.Store
	embedder embed.Embedder
	aliases  map[string]string // alias -> canonical, from config
	log      *slog.Logger
}

func NewSearcher(st *store.Store, em embed.Embedder, aliases map[string]string, log *slog.Logger) *Searcher {
	if aliases == nil {
		aliases = map[string]string{}
	}
	return &Searcher{store: st, embedder: em, aliases: aliases, log: log}
}

// Search runs the full plan: resolve accounts, build the predicate,
// rank both sides in parallel, fuse, truncate to limit.
func (s *Searcher) Search(ctx context.Context, table store.Table, req *Request) (*Response, error) {
	start := time.Now()

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	accounts, searched, err := s.resolveAccounts(req.Accounts)
	if err != nil {
		return nil, err
	}

	filter := &store.Filter{
		Accounts:          accounts,
		DateFrom:          req.DateFrom,
		DateTo:            req.DateTo,
		Folder:            req.Folder,
		SenderContains:    req.Sender,
		RecipientContains: req.Recipient,
		HasAttachment:     req.HasAttachment,
		CalendarID:        req.CalendarID,
	}

	resp := &Response{AccountsSearched: searched}

	// Filter-only queries skip both rankings and order by date.
	if req.Query == "" {
		hits, err := s.listByDate(table, filter, limit)
		if err != nil {
			return nil, err
		}
		resp.Hits = hits
		resp.TotalCandidates = len(hits)
		resp.Elapsed = time.Since(start)
		return resp, nil
	}

	pool := limit * 4
	if pool < minCandidates {
		pool = minCandidates
	}

	queryVec, embedErr := s.embedder.Embed(ctx, req.Query)

	var (
		wg      sync.WaitGroup
		kwHits  []store.Hit
		kwErr   error
		vecHits []store.Hit
		vecErr  error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		kwHits, kwErr = s.store.KeywordSearch(table, req.Query, filter, pool)
	}()
	if embedErr == nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vecHits, vecErr = s.store.VectorSearch(table, queryVec, filter, pool)
		}()
	} else {
		vecErr = embedErr
	}
	wg.Wait()

	switch {
	case kwErr != nil && vecErr != nil:
		return nil, kwErr
	case kwErr != nil:
		// Index not built yet for a fresh table, or FTS failure: fall
		// back to the vector ranking alone.
		s.log.Warn("keyword search degraded", "err", kwErr)
		resp.Degraded = true
		resp.Hits = truncate(vecHits, limit)
	case vecErr != nil:
		s.log.Warn("vector search degraded", "err", vecErr)
		resp.Degraded = true
		resp.Hits = truncate(kwHits, limit)
	default:
		resp.Hits = truncate(Fuse(kwHits, vecHits), limit)
	}
	resp.TotalCandidates = countDistinct(kwHits, vecHits)
	resp.Elapsed = time.Since(start)
	return resp, nil
}

// Fuse combines two rankings with RRF: score(d) = sum(1/(k+rank_i(d))),
// k=60, ranks starting at 1. Absent documents contribute nothing from
// that side. Ties break on document id, so identical inputs always
// produce identical output.
func Fuse(rankings ...[]store.Hit) []store.Hit {
	scores := map[string]float64{}
	for _, ranking := range rankings {
		for i, h := range ranking {
			scores[h.ID] += 1.0 / float64(rrfK+i+1)
		}
	}
	fused := make([]store.Hit, 0, len(scores))
	for id, sc := range scores {
		fused = append(fused, store.Hit{ID: id, Score: sc})
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].ID < fused[j].ID
	})
	return fused
}

func (s *Searcher) resolveAccounts(requested []string) (filter []string, searched []string, err error) {
	all, err := s.store.ListAccounts()
	if err != nil {
		return nil, nil, err
	}
	if len(requested) == 0 {
		for _, a := range all {
			searched = append(searched, a.Email)
		}
		// nil filter = all accounts; searched echoes the full list.
		return nil, searched, nil
	}
	for _, req := range requested {
		canonical := req
		if mapped, ok := s.aliases[req]; ok {
			canonical = mapped
		}
		resolved, ok := acctdomain.Resolve(all, canonical)
		if !ok {
			return nil, nil, errs.Validation("unknown account or alias %q", req)
		}
		filter = append(filter, resolved)
		searched = append(searched, resolved)
	}
	return filter, searched, nil
}

func (s *Searcher) listByDate(table store.Table, f *store.Filter, limit int) ([]store.Hit, error) {
	switch table {
	case store.TableMail:
		items, err := s.store.ListMail(f, limit)
		if err != nil {
			return nil, err
		}
		hits := make([]store.Hit, len(items))
		for i, m := range items {
			hits[i] = store.Hit{ID: m.ID}
		}
		return hits, nil
	default:
		items, err := s.store.ListEvents(f, limit)
		if err != nil {
			return nil, err
		}
		hits := make([]store.Hit, len(items))
		for i, c := range items {
			hits[i] = store.Hit{ID: c.ID}
		}
		return hits, nil
	}
}

// HydrateMail loads result envelopes for fused mail hits.
func (s *Searcher) HydrateMail(hits []store.Hit) ([]*maildomain.MailResult, error) {
	aliasFor := s.aliasLookup()
	out := make([]*maildomain.MailResult, 0, len(hits))
	for _, h := range hits {
		m, err := s.store.GetMail(h.ID)
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue // deleted under a lagging snapshot
		}
		r := m.ToResult(aliasFor(m.AccountID), 0, false)
		score := h.Score
		r.Score = &score
		out = append(out, r)
	}
	return out, nil
}

// HydrateCalendar loads result envelopes for fused calendar hits.
func (s *Searcher) HydrateCalendar(hits []store.Hit) ([]*caldomain.EventResult, error) {
	aliasFor := s.aliasLookup()
	out := make([]*caldomain.EventResult, 0, len(hits))
	for _, h := range hits {
		c, err := s.store.GetEvent(h.ID)
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue
		}
		r := c.ToResult(aliasFor(c.AccountID))
		score := h.Score
		r.Score = &score
		out = append(out, r)
	}
	return out, nil
}

func (s *Searcher) aliasLookup() func(email string) string {
	inverse := map[string]string{}
	for alias, email := range s.aliases {
		inverse[email] = alias
	}
	return func(email string) string { return inverse[email] }
}

func truncate(hits []store.Hit, limit int) []store.Hit {
	if len(hits) > limit {
		return hits[:limit]
	}
	return hits
}

func countDistinct(rankings ...[]store.Hit) int {
	seen := map[string]struct{}{}
	for _, r := range rankings {
		for _, h := range r {
			seen[h.ID] = struct{}{}
		}
	}
	return len(seen)
}
