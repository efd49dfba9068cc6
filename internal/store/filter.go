package store

import (
	"strings"
	"time"
)

// Filter is the structured predicate shared by keyword, vector, and
// list queries. Zero fields are unconstrained. A result matches the
// filter iff it satisfies every set field.
type Filter struct {
	Accounts          []string
	DateFrom          *time.Time
	DateTo            *time.Time
	Folder            string
	SenderContains    string
	RecipientContains string
	HasAttachment     *bool
	CalendarID        string
}

// mailSQL renders the predicate against mail_items. Column references
// are prefixed with alias when one is given.
func (f *Filter) mailSQL(alias string) (string, []any) {
	col := func(name string) string {
		if alias == "" {
			return name
		}
		return alias + "." + name
	}
	if f == nil {
		return "", nil
	}
	var conds []string
	var args []any

	if len(f.Accounts) > 0 {
		conds = append(conds, col("account_id")+" IN ("+placeholders(len(f.Accounts))+")")
		for _, a := range f.Accounts {
			args = append(args, a)
		}
	}
	if f.DateFrom != nil {
		conds = append(conds, col("date")+" >= ?")
		args = append(args, f.DateFrom.Unix())
	}
	if f.DateTo != nil {
		conds = append(conds, col("date")+" <= ?")
		args = append(args, f.DateTo.Unix())
	}
	if f.Folder != "" {
		conds = append(conds, col("folder")+" = ?")
		args = append(args, f.Folder)
	}
	if f.SenderContains != "" {
		conds = append(conds, "("+col("from_email")+" LIKE ? OR "+col("from_name")+" LIKE ?)")
		pat := "%" + f.SenderContains + "%"
		args = append(args, pat, pat)
	}
	if f.RecipientContains != "" {
		conds = append(conds, "("+col("to_json")+" LIKE ? OR "+col("cc_json")+" LIKE ?)")
		pat := "%" + f.RecipientContains + "%"
		args = append(args, pat, pat)
	}
	if f.HasAttachment != nil {
		conds = append(conds, col("has_attachments")+" = ?")
		args = append(args, boolToInt(*f.HasAttachment))
	}
	return strings.Join(conds, " AND "), args
}

// calendarSQL renders the predicate against calendar_items.
func (f *Filter) calendarSQL(alias string) (string, []any) {
	col := func(name string) string {
		if alias == "" {
			return name
		}
		return alias + "." + name
	}
	if f == nil {
		return "", nil
	}
	var conds []string
	var args []any

	if len(f.Accounts) > 0 {
		conds = append(conds, col("account_id")+" IN ("+placeholders(len(f.Accounts))+")")
		for _, a := range f.Accounts {
			args = append(args, a)
		}
	}
	if f.DateFrom != nil {
		conds = append(conds, col("start_ts")+" >= ?")
		args = append(args, f.DateFrom.Unix())
	}
	if f.DateTo != nil {
		conds = append(conds, col("start_ts")+" <= ?")
		args = append(args, f.DateTo.Unix())
	}
	if f.CalendarID != "" {
		conds = append(conds, col("calendar_id")+" = ?")
		args = append(args, f.CalendarID)
	}
	if f.SenderContains != "" {
		conds = append(conds, col("organizer")+" LIKE ?")
		args = append(args, "%"+f.SenderContains+"%")
	}
	if f.RecipientContains != "" {
		conds = append(conds, col("attendees")+" LIKE ?")
		args = append(args, "%"+f.RecipientContains+"%")
	}
	return strings.Join(conds, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
