package store

import (
	"fmt"
	"strings"
	"unicode"
)

// Hit is one (id, score) pair from a ranking primitive. Keyword scores
// are negated bm25 (higher is better); vector scores are negated cosine
// distance.
type Hit struct {
	ID    string
	Score float64
}

// Table selects which item table a search primitive runs against.
type Table string

const (
	TableMail     Table = "mail"
	TableCalendar Table = "calendar"
)

// KeywordSearch ranks by BM25 over the weighted FTS index under the
// shared predicate. Returns at most limit hits, best first.
func (s *Store) KeywordSearch(table Table, query string, f *Filter, limit int) ([]Hit, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	var q string
	var where string
	var args []any
	switch table {
	case TableMail:
		where, args = f.mailSQL("i")
		q = `SELECT mail_fts.item_id, ` + mailBM25 + ` AS score
			FROM mail_fts JOIN mail_items i ON i.id = mail_fts.item_id
			WHERE mail_fts MATCH ?`
	case TableCalendar:
		where, args = f.calendarSQL("i")
		q = `SELECT calendar_fts.item_id, ` + calendarBM25 + ` AS score
			FROM calendar_fts JOIN calendar_items i ON i.id = calendar_fts.item_id
			WHERE calendar_fts MATCH ?`
	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}
	qargs := []any{match}
	if where != "" {
		q += " AND " + where
		qargs = append(qargs, args...)
	}
	q += " ORDER BY score ASC, item_id ASC LIMIT ?"
	qargs = append(qargs, limit)

	rows, err := s.db.Query(q, qargs...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.Score); err != nil {
			return nil, err
		}
		h.Score = -h.Score // bm25 reports better matches as more negative
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// VectorSearch ranks by cosine distance to the query vector under the
// shared predicate. Rows awaiting re-embedding are excluded so zero
// vectors never rank.
func (s *Store) VectorSearch(table Table, queryVec []float32, f *Filter, limit int) ([]Hit, error) {
	js, err := vecJSON(queryVec)
	if err != nil {
		return nil, err
	}

	var q, where string
	var args []any
	switch table {
	case TableMail:
		where, args = f.mailSQL("i")
		q = `SELECT i.id, vec_distance_cosine(v.embedding, ?) AS dist
			FROM mail_items i JOIN vec_mail v ON v.item_id = i.id
			WHERE i.needs_embed = 0`
	case TableCalendar:
		where, args = f.calendarSQL("i")
		q = `SELECT i.id, vec_distance_cosine(v.embedding, ?) AS dist
			FROM calendar_items i JOIN vec_calendar v ON v.item_id = i.id
			WHERE i.needs_embed = 0`
	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}
	qargs := []any{js}
	if where != "" {
		q += " AND " + where
		qargs = append(qargs, args...)
	}
	q += " ORDER BY dist ASC, i.id ASC LIMIT ?"
	qargs = append(qargs, limit)

	rows, err := s.db.Query(q, qargs...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var dist float64
		if err := rows.Scan(&h.ID, &dist); err != nil {
			return nil, err
		}
		h.Score = -dist
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// ftsQuery converts free text into an FTS5 MATCH expression: each token
// is quoted so user input can never be parsed as FTS syntax, and tokens
// without any indexable rune are dropped. Tokens are implicitly ANDed.
func ftsQuery(query string) string {
	var quoted []string
	for _, tok := range strings.Fields(query) {
		if !strings.ContainsFunc(tok, func(r rune) bool {
			return unicode.IsLetter(r) || unicode.IsDigit(r)
		}) {
			continue
		}
		tok = strings.ReplaceAll(tok, `"`, `""`)
		quoted = append(quoted, `"`+tok+`"`)
	}
	return strings.Join(quoted, " ")
}
