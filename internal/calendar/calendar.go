// Package calendar books callback meetings on Google Calendar.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	cal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/steward/internal/googleauth"
	"github.com/linnemanlabs/steward/internal/triage"
)

// DefaultCalendarID is the authenticated user's primary calendar.
const DefaultCalendarID = "primary"

// ErrNoFreeSlot is returned when every proposed slot conflicts.
var ErrNoFreeSlot = errors.New("no proposed slot is free")

// Scheduler implements triage.MeetingScheduler.
type Scheduler struct {
	svc        *cal.Service
	calendarID string
	logger     log.Logger
}

// New creates a Scheduler using an authenticated HTTP client.
func New(ctx context.Context, hc *http.Client, calendarID string, logger log.Logger, opts ...option.ClientOption) (*Scheduler, error) {
	if hc == nil {
		panic(xerrors.New("calendar http client is required"))
	}
	svc, err := cal.NewService(ctx, append([]option.ClientOption{option.WithHTTPClient(hc)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("calendar service: %w", err)
	}
	if calendarID == "" {
		calendarID = DefaultCalendarID
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Scheduler{svc: svc, calendarID: calendarID, logger: logger}, nil
}

// Schedule queries free/busy for the support calendar and the participants,
// then books the first proposed slot nobody is busy in. It returns the
// booked slot and the event id.
func (s *Scheduler) Schedule(ctx context.Context, participants []string, proposed []triage.Slot, title, description string) (triage.Slot, string, error) {
	if len(proposed) == 0 {
		return triage.Slot{}, "", triage.PermanentError(triage.KindScheduling, "schedule", errors.New("no proposed slots"))
	}
	lo, hi := bounds(proposed)

	items := []*cal.FreeBusyRequestItem{{Id: s.calendarID}}
	for _, p := range participants {
		items = append(items, &cal.FreeBusyRequestItem{Id: p})
	}
	fb, err := s.svc.Freebusy.Query(&cal.FreeBusyRequest{
		TimeMin: lo.Format(time.RFC3339),
		TimeMax: hi.Format(time.RFC3339),
		Items:   items,
	}).Context(ctx).Do()
	if err != nil {
		return triage.Slot{}, "", googleauth.MapError(triage.KindScheduling, "freebusy", err)
	}

	busy := busyPeriods(ctx, s.logger, fb)
	slot, ok := firstFree(proposed, busy)
	if !ok {
		return triage.Slot{}, "", triage.PermanentError(triage.KindScheduling, "schedule", ErrNoFreeSlot)
	}

	ev := &cal.Event{
		Summary:     title,
		Description: description,
		Start:       &cal.EventDateTime{DateTime: slot.Start.Format(time.RFC3339)},
		End:         &cal.EventDateTime{DateTime: slot.End.Format(time.RFC3339)},
	}
	for _, p := range participants {
		ev.Attendees = append(ev.Attendees, &cal.EventAttendee{Email: p})
	}
	created, err := s.svc.Events.Insert(s.calendarID, ev).SendUpdates("all").Context(ctx).Do()
	if err != nil {
		return triage.Slot{}, "", googleauth.MapError(triage.KindScheduling, "insert event", err)
	}
	return slot, created.Id, nil
}

type period struct{ start, end time.Time }

func busyPeriods(ctx context.Context, logger log.Logger, fb *cal.FreeBusyResponse) []period {
	var out []period
	for id, c := range fb.Calendars {
		for _, e := range c.Errors {
			// an unreadable calendar is treated as free
			logger.Warn(ctx, "freebusy calendar error", "calendar", id, "reason", e.Reason)
		}
		for _, b := range c.Busy {
			start, err1 := time.Parse(time.RFC3339, b.Start)
			end, err2 := time.Parse(time.RFC3339, b.End)
			if err1 != nil || err2 != nil {
				continue
			}
			out = append(out, period{start, end})
		}
	}
	return out
}

func firstFree(proposed []triage.Slot, busy []period) (triage.Slot, bool) {
	for _, s := range proposed {
		free := true
		for _, b := range busy {
			if s.Start.Before(b.end) && b.start.Before(s.End) {
				free = false
				break
			}
		}
		if free {
			return s, true
		}
	}
	return triage.Slot{}, false
}

func bounds(slots []triage.Slot) (time.Time, time.Time) {
	lo, hi := slots[0].Start, slots[0].End
	for _, s := range slots[1:] {
		if s.Start.Before(lo) {
			lo = s.Start
		}
		if s.End.After(hi) {
			hi = s.End
		}
	}
	return lo, hi
}
