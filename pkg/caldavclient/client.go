// Package caldavclient is the Google Calendar CalDAV adapter:
// sync-collection reports walk the change set from a stored sync-token,
// multiget fetches the iCalendar payloads for changed etags, and PUT /
// DELETE carry event mutations.
package caldavclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"golang.org/x/oauth2"

	caldomain "github.com/jamiequint/groundeffect/internal/calendar/domain"
	"github.com/jamiequint/groundeffect/pkg/errs"
)

const googleCalDAVEndpoint = "https://apidata.googleusercontent.com/caldav/v2/"

// Calendar is one discovered collection.
type Calendar struct {
	Path string
	ID   string
	Name string
}

// Delta is the change set returned by one sync-collection report.
type Delta struct {
	SyncToken string
	Updated   []caldomain.CalendarItem // parsed payloads for added/changed etags
	Deleted   []string                 // provider event ids
}

// Client wraps one authenticated CalDAV session.
type Client struct {
	dav   *caldav.Client
	email string
}

// New builds a client authenticated by the account's OAuth source.
func New(ctx context.Context, email string, ts oauth2.TokenSource) (*Client, error) {
	httpClient := oauth2.NewClient(ctx, ts)
	dav, err := caldav.NewClient(webdav.HTTPClient(httpClient), googleCalDAVEndpoint)
	if err != nil {
		return nil, fmt.Errorf("caldav client for %s: %w", email, err)
	}
	return &Client{dav: dav, email: email}, nil
}

// ListCalendars discovers the account's calendar collections.
func (c *Client) ListCalendars(ctx context.Context) ([]Calendar, error) {
	principal, err := c.dav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, classifyDAV(err)
	}
	homeSet, err := c.dav.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, classifyDAV(err)
	}
	cals, err := c.dav.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, classifyDAV(err)
	}
	out := make([]Calendar, 0, len(cals))
	for _, cal := range cals {
		out = append(out, Calendar{
			Path: cal.Path,
			ID:   calendarID(cal.Path),
			Name: cal.Name,
		})
	}
	return out, nil
}

// Sync issues a sync-collection report from the stored token and
// resolves the changed resources into parsed items. An empty token
// requests the full collection.
func (c *Client) Sync(ctx context.Context, account string, cal Calendar, syncToken string) (*Delta, error) {
	resp, err := c.dav.SyncCollection(ctx, cal.Path, &caldav.SyncQuery{SyncToken: syncToken})
	if err != nil {
		return nil, classifyDAV(err)
	}

	delta := &Delta{SyncToken: resp.SyncToken}
	var changed []string
	for _, res := range resp.Updated {
		changed = append(changed, res.Path)
	}
	for _, path := range resp.Deleted {
		delta.Deleted = append(delta.Deleted, eventID(path))
	}
	if len(changed) == 0 {
		return delta, nil
	}

	// Fetch changed payloads in one multiget per report.
	objs, err := c.dav.MultiGetCalendar(ctx, cal.Path, &caldav.CalendarMultiGet{
		Paths: changed,
		CompRequest: caldav.CalendarCompRequest{
			Name:     "VCALENDAR",
			AllProps: true,
			AllComps: true,
		},
	})
	if err != nil {
		return nil, classifyDAV(err)
	}
	for _, obj := range objs {
		items, err := ParseObject(account, cal.ID, eventID(obj.Path), obj.ETag, obj.Data)
		if err != nil {
			// A malformed payload is skipped without being recorded;
			// the rest of the report still applies.
			continue
		}
		delta.Updated = append(delta.Updated, items...)
	}
	return delta, nil
}

// Put creates or updates an event and returns the new etag.
func (c *Client) Put(ctx context.Context, cal Calendar, eventID string, calData *ical.Calendar) (string, error) {
	path := cal.Path + eventID + ".ics"
	obj, err := c.dav.PutCalendarObject(ctx, path, calData)
	if err != nil {
		return "", classifyDAV(err)
	}
	return obj.ETag, nil
}

// Delete removes an event resource.
func (c *Client) Delete(ctx context.Context, cal Calendar, eventID string) error {
	if err := c.dav.RemoveAll(ctx, cal.Path+eventID+".ics"); err != nil {
		return classifyDAV(err)
	}
	return nil
}

// ParseObject flattens one iCalendar resource into items: the master
// event plus one item per RECURRENCE-ID exception.
func ParseObject(account, calendarID, eventID, etag string, cal *ical.Calendar) ([]caldomain.CalendarItem, error) {
	if cal == nil {
		return nil, fmt.Errorf("empty calendar payload")
	}
	var items []caldomain.CalendarItem
	for _, ev := range cal.Events() {
		item, err := parseEvent(account, calendarID, eventID, etag, ev)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no VEVENT components")
	}
	return items, nil
}

func parseEvent(account, calendarID, eventID, etag string, ev ical.Event) (*caldomain.CalendarItem, error) {
	uid := propText(ev.Props, ical.PropUID)
	if uid == "" {
		return nil, fmt.Errorf("VEVENT without UID")
	}

	start, allDay, tz, err := parseDateTime(ev.Props.Get(ical.PropDateTimeStart))
	if err != nil {
		return nil, fmt.Errorf("DTSTART: %w", err)
	}
	end, _, _, err := parseDateTime(ev.Props.Get(ical.PropDateTimeEnd))
	if err != nil || end.IsZero() {
		// Events without DTEND default to a point in time, or a whole
		// day for all-day events.
		end = start
		if allDay {
			end = start.Add(24 * time.Hour)
		}
	}

	item := &caldomain.CalendarItem{
		AccountID:    account,
		CalendarID:   calendarID,
		EventID:      eventID,
		UID:          uid,
		ETag:         etag,
		Summary:      propText(ev.Props, ical.PropSummary),
		Description:  propText(ev.Props, ical.PropDescription),
		Location:     propText(ev.Props, ical.PropLocation),
		Start:        start,
		End:          end,
		TimeZone:     tz,
		AllDay:       allDay,
		Recurrence:   propText(ev.Props, ical.PropRecurrenceRule),
		Status:       parseStatus(propText(ev.Props, ical.PropStatus)),
		Transparency: parseTransparency(propText(ev.Props, ical.PropTransparency)),
	}

	if rid := ev.Props.Get(ical.PropRecurrenceID); rid != nil {
		item.RecurrenceID = rid.Value
		// Exceptions get a distinct provider key so the master row
		// survives alongside them.
		item.EventID = eventID + "#" + rid.Value
	}
	if org := ev.Props.Get(ical.PropOrganizer); org != nil {
		item.Organizer = strings.TrimPrefix(strings.ToLower(org.Value), "mailto:")
	}
	for _, att := range ev.Props.Values(ical.PropAttendee) {
		a := caldomain.Attendee{
			Email:  strings.TrimPrefix(strings.ToLower(att.Value), "mailto:"),
			Name:   att.Params.Get(ical.ParamCommonName),
			Status: strings.ToLower(att.Params.Get(ical.ParamParticipationStatus)),
		}
		if strings.EqualFold(att.Params.Get(ical.ParamRole), "OPT-PARTICIPANT") {
			a.Optional = true
		}
		item.Attendees = append(item.Attendees, a)
	}
	for _, child := range ev.Children {
		if child.Name != ical.CompAlarm {
			continue
		}
		if trig := child.Props.Get(ical.PropTrigger); trig != nil {
			if d, err := parseTriggerMinutes(trig.Value); err == nil {
				item.Reminders = append(item.Reminders, d)
			}
		}
	}
	return item, nil
}

func parseDateTime(prop *ical.Prop) (time.Time, bool, string, error) {
	if prop == nil {
		return time.Time{}, false, "", nil
	}
	tzid := prop.Params.Get(ical.ParamTimezoneID)
	if prop.Params.Get(ical.ParamValue) == "DATE" || len(prop.Value) == 8 {
		t, err := time.Parse("20060102", prop.Value)
		return t, true, tzid, err
	}
	loc := time.UTC
	if tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	if strings.HasSuffix(prop.Value, "Z") {
		t, err := time.Parse("20060102T150405Z", prop.Value)
		return t, false, tzid, err
	}
	t, err := time.ParseInLocation("20060102T150405", prop.Value, loc)
	return t, false, tzid, err
}

// parseTriggerMinutes converts a -PT15M style trigger into minutes
// before start.
func parseTriggerMinutes(v string) (int, error) {
	v = strings.TrimPrefix(v, "-")
	v = strings.TrimPrefix(v, "P")
	v = strings.TrimPrefix(v, "T")
	var minutes int
	if n, err := fmt.Sscanf(v, "T%dM", &minutes); err == nil && n == 1 {
		return minutes, nil
	}
	if n, err := fmt.Sscanf(v, "%dM", &minutes); err == nil && n == 1 {
		return minutes, nil
	}
	var hours int
	if n, err := fmt.Sscanf(v, "%dH", &hours); err == nil && n == 1 {
		return hours * 60, nil
	}
	return 0, fmt.Errorf("unsupported trigger %q", v)
}

func parseStatus(s string) caldomain.EventStatus {
	switch strings.ToUpper(s) {
	case "TENTATIVE":
		return caldomain.StatusTentative
	case "CANCELLED":
		return caldomain.StatusCancelled
	default:
		return caldomain.StatusConfirmed
	}
}

func parseTransparency(s string) caldomain.Transparency {
	if strings.EqualFold(s, "TRANSPARENT") {
		return caldomain.TranspFree
	}
	return caldomain.TranspBusy
}

func propText(props ical.Props, name string) string {
	if p := props.Get(name); p != nil {
		return p.Value
	}
	return ""
}

func calendarID(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if p == "caldav" && i+2 < len(parts) {
			return parts[i+2]
		}
	}
	if len(parts) > 0 {
		return parts[len(parts)-1]
	}
	return path
}

func eventID(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	last := parts[len(parts)-1]
	return strings.TrimSuffix(last, ".ics")
}

func classifyDAV(err error) error {
	if err == nil {
		return nil
	}
	var httpErr *webdav.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Code == http.StatusUnauthorized || httpErr.Code == http.StatusForbidden:
			return errs.Auth(err)
		case httpErr.Code == http.StatusNotFound || httpErr.Code == http.StatusGone:
			return fmt.Errorf("%w: %v", errs.ErrNotFound, err)
		case httpErr.Code == http.StatusTooManyRequests:
			return &errs.RetryAfterError{After: 30 * time.Second, Err: err}
		case httpErr.Code >= 500:
			return errs.Transient(err)
		}
	}
	return errs.Classify(err)
}
