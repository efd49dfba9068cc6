package domain

import "time"

// EventStatus mirrors the iCalendar STATUS property.
type EventStatus string

const (
	StatusConfirmed EventStatus = "confirmed"
	StatusTentative EventStatus = "tentative"
	StatusCancelled EventStatus = "cancelled"
)

// Transparency mirrors the iCalendar TRANSP property.
type Transparency string

const (
	TranspBusy Transparency = "busy"
	TranspFree Transparency = "free"
)

// Attendee is one ATTENDEE line of an event.
type Attendee struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email"`
	Status   string `json:"status,omitempty"` // partstat
	Optional bool   `json:"optional,omitempty"`
}

// CalendarItem is one mirrored event instance. Recurring events store
// the master plus one row per exception keyed by RecurrenceID.
// (AccountID, EventID) is unique.
type CalendarItem struct {
	ID         string `json:"id"`
	AccountID  string `json:"account_id"`
	CalendarID string `json:"calendar_id"`
	EventID    string `json:"event_id"`
	UID        string `json:"uid"`
	ETag       string `json:"etag"`

	Summary      string       `json:"summary"`
	Description  string       `json:"description,omitempty"`
	Location     string       `json:"location,omitempty"`
	Start        time.Time    `json:"start"`
	End          time.Time    `json:"end"`
	TimeZone     string       `json:"time_zone,omitempty"`
	AllDay       bool         `json:"all_day"`
	Recurrence   string       `json:"recurrence,omitempty"` // RRULE text
	RecurrenceID string       `json:"recurrence_id,omitempty"`
	Organizer    string       `json:"organizer,omitempty"`
	Attendees    []Attendee   `json:"attendees,omitempty"`
	Status       EventStatus  `json:"status"`
	Transparency Transparency `json:"transparency"`
	Reminders    []int        `json:"reminders,omitempty"` // minutes before start

	Embedding  []float32 `json:"-"`
	NeedsEmbed bool      `json:"-"`

	SyncedAt time.Time `json:"synced_at"`
}

// EventResult is the wire envelope for calendar search and get tools.
type EventResult struct {
	ID           string     `json:"id"`
	AccountID    string     `json:"account_id"`
	AccountAlias string     `json:"account_alias,omitempty"`
	CalendarID   string     `json:"calendar_id"`
	EventID      string     `json:"event_id"`
	Summary      string     `json:"summary"`
	Description  string     `json:"description,omitempty"`
	Location     string     `json:"location,omitempty"`
	Start        string     `json:"start"` // ISO-8601 UTC
	End          string     `json:"end"`
	AllDay       bool       `json:"all_day"`
	Status       string     `json:"status"`
	Organizer    string     `json:"organizer,omitempty"`
	Attendees    []Attendee `json:"attendees,omitempty"`
	Score        *float64   `json:"score,omitempty"`
}

// ToResult converts the item to its wire envelope.
func (c *CalendarItem) ToResult(alias string) *EventResult {
	return &EventResult{
		ID:           c.ID,
		AccountID:    c.AccountID,
		AccountAlias: alias,
		CalendarID:   c.CalendarID,
		EventID:      c.EventID,
		Summary:      c.Summary,
		Description:  c.Description,
		Location:     c.Location,
		Start:        c.Start.UTC().Format(time.RFC3339),
		End:          c.End.UTC().Format(time.RFC3339),
		AllDay:       c.AllDay,
		Status:       string(c.Status),
		Organizer:    c.Organizer,
		Attendees:    c.Attendees,
	}
}

// SearchText is the concatenated text the embedder sees. The keyword
// index stores these fields in separate columns and adds attendee emails.
func (c *CalendarItem) SearchText() string {
	s := c.Summary
	if c.Description != "" {
		s += "\n" + c.Description
	}
	if c.Location != "" {
		s += "\n" + c.Location
	}
	for _, a := range c.Attendees {
		if a.Name != "" {
			s += "\n" + a.Name
		}
	}
	return s
}
