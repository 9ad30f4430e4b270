package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const localDateTime = "2006-01-02T15:04:05"

// GoogleSyncer writes events through the Google Calendar v3 API.
type GoogleSyncer struct {
	svc      *gcal.Service
	timeZone string
}

var _ Syncer = (*GoogleSyncer)(nil)

// NewGoogleSyncer builds the API client. Appointment times are wall-clock
// times in timeZone (an IANA name such as "Europe/Madrid").
func NewGoogleSyncer(ctx context.Context, timeZone string, opts ...option.ClientOption) (*GoogleSyncer, error) {
	if timeZone == "" {
		timeZone = "UTC"
	}
	if _, err := time.LoadLocation(timeZone); err != nil {
		return nil, fmt.Errorf("calendar time zone %q: %w", timeZone, err)
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return &GoogleSyncer{svc: svc, timeZone: timeZone}, nil
}

func (g *GoogleSyncer) toEvent(e Event) *gcal.Event {
	return &gcal.Event{
		Summary:     e.Summary,
		Description: e.Description,
		Start:       &gcal.EventDateTime{DateTime: e.Start.Format(localDateTime), TimeZone: g.timeZone},
		End:         &gcal.EventDateTime{DateTime: e.End.Format(localDateTime), TimeZone: g.timeZone},
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{"appointment_id": e.AppointmentID.String()},
		},
	}
}

func (g *GoogleSyncer) Upsert(ctx context.Context, e Event) (string, error) {
	if e.CalendarID == "" {
		return "", errors.New("professional has no calendar id")
	}

	ev := g.toEvent(e)
	if e.EventID != "" {
		out, err := g.svc.Events.Update(e.CalendarID, e.EventID, ev).Context(ctx).Do()
		if err != nil {
			return "", err
		}
		return out.Id, nil
	}

	out, err := g.svc.Events.Insert(e.CalendarID, ev).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return out.Id, nil
}

func (g *GoogleSyncer) Delete(ctx context.Context, calendarID, eventID string) error {
	if calendarID == "" || eventID == "" {
		return nil
	}
	err := g.svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone) {
		return nil
	}
	return err
}
