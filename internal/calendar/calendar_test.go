package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	cal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/linnemanlabs/steward/internal/triage"
)

var day = time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)

func at(h int) time.Time { return day.Add(time.Duration(h) * time.Hour) }

type fakeCalendar struct {
	mu       sync.Mutex
	busy     map[string][]*cal.TimePeriod
	inserted []*cal.Event
	sendUpd  string
	status   int
}

func (f *fakeCalendar) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /freeBusy", func(w http.ResponseWriter, r *http.Request) {
		var req cal.FreeBusyRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := cal.FreeBusyResponse{Calendars: map[string]cal.FreeBusyCalendar{}}
		f.mu.Lock()
		for _, it := range req.Items {
			resp.Calendars[it.Id] = cal.FreeBusyCalendar{Busy: f.busy[it.Id]}
		}
		f.mu.Unlock()
		writeJSON(w, resp)
	})
	mux.HandleFunc("POST /calendars/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		var ev cal.Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		f.mu.Lock()
		f.inserted = append(f.inserted, &ev)
		f.sendUpd = r.URL.Query().Get("sendUpdates")
		f.mu.Unlock()
		ev.Id = "evt-1"
		writeJSON(w, ev)
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.status
		f.mu.Unlock()
		if status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"code":401,"message":"invalid credentials"}}`))
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (f *fakeCalendar) events() ([]*cal.Event, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*cal.Event(nil), f.inserted...), f.sendUpd
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newScheduler(t *testing.T, f *fakeCalendar) *Scheduler {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	s, err := New(context.Background(), srv.Client(), "", nil, option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func slots() []triage.Slot {
	return []triage.Slot{
		{Start: at(9), End: at(10)},
		{Start: at(10), End: at(11)},
		{Start: at(11), End: at(12)},
	}
}

func TestSchedule_FirstFreeSlot(t *testing.T) {
	t.Parallel()

	f := &fakeCalendar{busy: map[string][]*cal.TimePeriod{
		"primary":         {{Start: at(9).Format(time.RFC3339), End: at(9).Add(30 * time.Minute).Format(time.RFC3339)}},
		"ana@example.com": {{Start: at(10).Format(time.RFC3339), End: at(11).Format(time.RFC3339)}},
	}}
	s := newScheduler(t, f)

	slot, id, err := s.Schedule(context.Background(), []string{"ana@example.com"}, slots(), "Callback", "re: outage")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if id != "evt-1" {
		t.Errorf("id = %q, want %q", id, "evt-1")
	}
	if !slot.Start.Equal(at(11)) {
		t.Errorf("start = %v, want %v", slot.Start, at(11))
	}

	evs, sendUpd := f.events()
	if len(evs) != 1 {
		t.Fatalf("inserted = %d, want 1", len(evs))
	}
	if evs[0].Summary != "Callback" {
		t.Errorf("summary = %q, want %q", evs[0].Summary, "Callback")
	}
	if len(evs[0].Attendees) != 1 || evs[0].Attendees[0].Email != "ana@example.com" {
		t.Errorf("attendees = %+v", evs[0].Attendees)
	}
	if sendUpd != "all" {
		t.Errorf("sendUpdates = %q, want %q", sendUpd, "all")
	}
}

func TestSchedule_NoFreeSlot(t *testing.T) {
	t.Parallel()

	f := &fakeCalendar{busy: map[string][]*cal.TimePeriod{
		"primary": {{Start: at(8).Format(time.RFC3339), End: at(13).Format(time.RFC3339)}},
	}}
	s := newScheduler(t, f)

	_, _, err := s.Schedule(context.Background(), nil, slots(), "Callback", "")
	if !errors.Is(err, ErrNoFreeSlot) {
		t.Fatalf("err = %v, want ErrNoFreeSlot", err)
	}
	if k := triage.KindOf(err, ""); k != triage.KindScheduling {
		t.Errorf("kind = %q, want %q", k, triage.KindScheduling)
	}
	if evs, _ := f.events(); len(evs) != 0 {
		t.Errorf("inserted = %d, want 0", len(evs))
	}
}

func TestSchedule_NoProposedSlots(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, &fakeCalendar{})
	if _, _, err := s.Schedule(context.Background(), nil, nil, "x", ""); err == nil {
		t.Error("expected error")
	}
}

func TestSchedule_AuthFailure(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, &fakeCalendar{status: http.StatusUnauthorized})
	_, _, err := s.Schedule(context.Background(), nil, slots(), "x", "")
	if !triage.IsAuth(err) {
		t.Errorf("err = %v, want auth error", err)
	}
}

func TestFirstFree_Adjacent(t *testing.T) {
	t.Parallel()

	// a busy period ending exactly at the slot start does not conflict
	busy := []period{{at(8), at(9)}}
	got, ok := firstFree(slots(), busy)
	if !ok || !got.Start.Equal(at(9)) {
		t.Errorf("firstFree = %v, %v; want 09:00 slot", got, ok)
	}
}
