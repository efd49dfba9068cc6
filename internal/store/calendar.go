package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	caldomain "github.com/jamiequint/groundeffect/internal/calendar/domain"
)

// CalendarBatch is the calendar analogue of MailBatch.
type CalendarBatch struct {
	Upserts   []*caldomain.CalendarItem
	DeleteIDs []string
}

// ApplyCalendarBatch commits the batch atomically.
func (s *Store) ApplyCalendarBatch(b *CalendarBatch) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	if len(b.Upserts) == 0 && len(b.DeleteIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range b.Upserts {
		if err := upsertCalendar(tx, c); err != nil {
			return fmt.Errorf("upsert event %s/%s: %w", c.AccountID, c.EventID, err)
		}
	}
	for _, id := range b.DeleteIDs {
		if err := deleteCalendar(tx, id); err != nil {
			return fmt.Errorf("delete event %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func upsertCalendar(tx *sql.Tx, c *caldomain.CalendarItem) error {
	_, err := tx.Exec(`
		INSERT INTO calendar_items (id, account_id, calendar_id, event_id, uid,
			etag, summary, description, location, start_ts, end_ts, time_zone,
			all_day, rrule, recurrence_id, organizer, attendees, status,
			transparency, reminders, needs_embed, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, event_id) DO UPDATE SET
			calendar_id = excluded.calendar_id,
			uid = excluded.uid,
			etag = excluded.etag,
			summary = excluded.summary,
			description = excluded.description,
			location = excluded.location,
			start_ts = excluded.start_ts,
			end_ts = excluded.end_ts,
			time_zone = excluded.time_zone,
			all_day = excluded.all_day,
			rrule = excluded.rrule,
			recurrence_id = excluded.recurrence_id,
			organizer = excluded.organizer,
			attendees = excluded.attendees,
			status = excluded.status,
			transparency = excluded.transparency,
			reminders = excluded.reminders,
			needs_embed = excluded.needs_embed,
			synced_at = excluded.synced_at
	`, c.ID, c.AccountID, c.CalendarID, c.EventID, c.UID, c.ETag,
		c.Summary, c.Description, c.Location, c.Start.Unix(), c.End.Unix(),
		c.TimeZone, boolToInt(c.AllDay), c.Recurrence, c.RecurrenceID,
		c.Organizer, marshalJSON(c.Attendees), string(c.Status),
		string(c.Transparency), marshalJSON(c.Reminders),
		boolToInt(c.NeedsEmbed), c.SyncedAt.Unix())
	if err != nil {
		return err
	}

	var id string
	if err := tx.QueryRow(`SELECT id FROM calendar_items WHERE account_id = ? AND event_id = ?`,
		c.AccountID, c.EventID).Scan(&id); err != nil {
		return err
	}
	c.ID = id

	if err := reindexCalendar(tx, c); err != nil {
		return err
	}
	if c.Embedding != nil {
		return replaceVector(tx, "vec_calendar", id, c.Embedding)
	}
	return nil
}

func reindexCalendar(tx *sql.Tx, c *caldomain.CalendarItem) error {
	if _, err := tx.Exec(`DELETE FROM calendar_fts WHERE item_id = ?`, c.ID); err != nil {
		return err
	}
	var names []string
	for _, a := range c.Attendees {
		if a.Name != "" {
			names = append(names, a.Name)
		}
		names = append(names, a.Email)
	}
	_, err := tx.Exec(`
		INSERT INTO calendar_fts (item_id, summary, description, location, attendees)
		VALUES (?, ?, ?, ?, ?)
	`, c.ID, c.Summary, c.Description, c.Location, strings.Join(names, " "))
	return err
}

func deleteCalendar(tx *sql.Tx, id string) error {
	if _, err := tx.Exec(`DELETE FROM calendar_fts WHERE item_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM vec_calendar WHERE item_id = ?`, id); err != nil {
		return err
	}
	_, err := tx.Exec(`DELETE FROM calendar_items WHERE id = ?`, id)
	return err
}

// GetEvent retrieves one item by internal id; nil when absent.
func (s *Store) GetEvent(id string) (*caldomain.CalendarItem, error) {
	row := s.db.QueryRow(calendarSelect+` WHERE id = ?`, id)
	c, err := scanCalendar(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetEventByProviderID resolves (account, event id); nil when absent.
func (s *Store) GetEventByProviderID(account, eventID string) (*caldomain.CalendarItem, error) {
	row := s.db.QueryRow(calendarSelect+` WHERE account_id = ? AND event_id = ?`, account, eventID)
	c, err := scanCalendar(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// ListEvents returns items matching the filter ordered by start time.
func (s *Store) ListEvents(f *Filter, limit int) ([]*caldomain.CalendarItem, error) {
	where, args := f.calendarSQL("")
	q := calendarSelect
	if where != "" {
		q += " WHERE " + where
	}
	q += " ORDER BY start_ts DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*caldomain.CalendarItem
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// ListCalendars returns the distinct calendar ids for an account.
func (s *Store) ListCalendars(account string) ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT calendar_id FROM calendar_items WHERE account_id = ? ORDER BY calendar_id`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NeedsEmbedCalendar lists rows flagged for re-embedding.
func (s *Store) NeedsEmbedCalendar(limit int) ([]*caldomain.CalendarItem, error) {
	rows, err := s.db.Query(calendarSelect+` WHERE needs_embed = 1 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*caldomain.CalendarItem
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// SetCalendarEmbedding replaces the vector and clears the re-embed flag.
func (s *Store) SetCalendarEmbedding(id string, vec []float32) error {
	if err := s.requireWriter(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := replaceVector(tx, "vec_calendar", id, vec); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE calendar_items SET needs_embed = 0 WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

const calendarSelect = `
	SELECT id, account_id, calendar_id, event_id, uid, etag, summary,
		description, location, start_ts, end_ts, time_zone, all_day, rrule,
		recurrence_id, organizer, attendees, status, transparency, reminders,
		needs_embed, synced_at
	FROM calendar_items`

func scanCalendar(row rowScanner) (*caldomain.CalendarItem, error) {
	var c caldomain.CalendarItem
	var etag, summary, desc, loc, tz, rrule, recurID, organizer sql.NullString
	var attendees, reminders sql.NullString
	var status, transp string
	var startTS, endTS, syncedAt int64
	var allDay, needsEmbed int

	err := row.Scan(&c.ID, &c.AccountID, &c.CalendarID, &c.EventID, &c.UID,
		&etag, &summary, &desc, &loc, &startTS, &endTS, &tz, &allDay, &rrule,
		&recurID, &organizer, &attendees, &status, &transp, &reminders,
		&needsEmbed, &syncedAt)
	if err != nil {
		return nil, err
	}
	c.ETag = etag.String
	c.Summary = summary.String
	c.Description = desc.String
	c.Location = loc.String
	c.Start = time.Unix(startTS, 0).UTC()
	c.End = time.Unix(endTS, 0).UTC()
	c.TimeZone = tz.String
	c.AllDay = allDay != 0
	c.Recurrence = rrule.String
	c.RecurrenceID = recurID.String
	c.Organizer = organizer.String
	c.Attendees = unmarshalJSON[[]caldomain.Attendee](attendees.String)
	c.Status = caldomain.EventStatus(status)
	c.Transparency = caldomain.Transparency(transp)
	c.Reminders = unmarshalJSON[[]int](reminders.String)
	c.NeedsEmbed = needsEmbed != 0
	c.SyncedAt = time.Unix(syncedAt, 0).UTC()
	return &c, nil
}
