package crm

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/calendar"
	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/conversation"
	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/responder"
)

// fakeScheduler records calls and returns canned results.
type fakeScheduler struct {
	slots     []calendar.TimeSlot
	created   []calendar.EventRequest
	updated   map[string]calendar.EventRequest
	cancelled []string
	existing  map[string]calendar.Event
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		updated:  map[string]calendar.EventRequest{},
		existing: map[string]calendar.Event{},
	}
}

func (f *fakeScheduler) FreeBusy(ctx context.Context, start, end time.Time, min time.Duration) ([]calendar.TimeSlot, error) {
	return f.slots, nil
}

func (f *fakeScheduler) CreateEvent(ctx context.Context, req calendar.EventRequest) (calendar.EventResult, error) {
	f.created = append(f.created, req)
	return calendar.EventResult{Success: true, EventID: "evt-1", Link: "https://cal.example/evt-1"}, nil
}

func (f *fakeScheduler) UpdateEvent(ctx context.Context, id string, req calendar.EventRequest) (calendar.EventResult, error) {
	f.updated[id] = req
	return calendar.EventResult{Success: true, EventID: id}, nil
}

func (f *fakeScheduler) CancelEvent(ctx context.Context, id string) (calendar.EventResult, error) {
	f.cancelled = append(f.cancelled, id)
	return calendar.EventResult{Success: true, EventID: id}, nil
}

func (f *fakeScheduler) GetEvent(ctx context.Context, id string) (calendar.Event, error) {
	return f.existing[id], nil
}

func testRegistry(t *testing.T, sched *fakeScheduler) *responder.Registry {
	t.Helper()
	store := NewMemoryCustomerStore(&conversation.CustomerProfile{
		ID: "cust-1", Name: "Dana Alvarez", Phone: "+15551234567",
	})
	reg := responder.NewRegistry()
	err := RegisterTools(reg, Deps{
		Customers: store,
		Calendar:  sched,
		VIN:       StaticVINDecoder{},
	})
	if err != nil {
		t.Fatalf("RegisterTools: %v", err)
	}
	return reg
}

func TestRegisterTools_ExposesAllSchemas(t *testing.T) {
	reg := testRegistry(t, newFakeScheduler())
	schemas := reg.Schemas()
	if len(schemas) != 6 {
		t.Fatalf("got %d tool schemas, want 6", len(schemas))
	}
}

func TestLookupCustomer(t *testing.T) {
	reg := testRegistry(t, newFakeScheduler())

	found := reg.Execute(context.Background(), "lookup_customer", `{"phone":"(555) 123-4567"}`)
	if !strings.Contains(found, `"found":true`) || !strings.Contains(found, "Dana Alvarez") {
		t.Errorf("result = %s", found)
	}

	missing := reg.Execute(context.Background(), "lookup_customer", `{"phone":"5550000000"}`)
	if !strings.Contains(missing, `"found":false`) {
		t.Errorf("result = %s", missing)
	}
}

func TestBookAppointment(t *testing.T) {
	sched := newFakeScheduler()
	reg := testRegistry(t, sched)

	result := reg.Execute(context.Background(), "book_appointment",
		`{"service_type":"oil change","start":"2026-09-02T09:00:00Z","customer_name":"Dana Alvarez","customer_phone":"5551234567"}`)

	var out calendar.EventResult
	if err := json.Unmarshal([]byte(result), &out); err != nil || !out.Success || out.EventID != "evt-1" {
		t.Fatalf("result = %s", result)
	}
	if len(sched.created) != 1 {
		t.Fatalf("created %d events", len(sched.created))
	}
	ev := sched.created[0]
	if ev.Summary != "oil change - Dana Alvarez" {
		t.Errorf("summary = %q", ev.Summary)
	}
	if got := ev.End.Sub(ev.Start); got != defaultAppointmentMinutes*time.Minute {
		t.Errorf("duration = %v, want default", got)
	}
}

func TestRescheduleKeepsExistingDuration(t *testing.T) {
	sched := newFakeScheduler()
	start := time.Date(2026, 9, 2, 9, 0, 0, 0, time.UTC)
	sched.existing["evt-1"] = calendar.Event{
		ID: "evt-1", Summary: "oil change - Dana Alvarez",
		Start: start, End: start.Add(90 * time.Minute),
	}
	reg := testRegistry(t, sched)

	result := reg.Execute(context.Background(), "reschedule_appointment",
		`{"event_id":"evt-1","new_start":"2026-09-03T14:00:00Z"}`)
	if !strings.Contains(result, `"success":true`) {
		t.Fatalf("result = %s", result)
	}
	updated := sched.updated["evt-1"]
	if got := updated.End.Sub(updated.Start); got != 90*time.Minute {
		t.Errorf("duration = %v, want the original 90m carried over", got)
	}
	if updated.Summary != "oil change - Dana Alvarez" {
		t.Errorf("summary = %q, want preserved", updated.Summary)
	}
}

func TestCancelAppointment(t *testing.T) {
	sched := newFakeScheduler()
	reg := testRegistry(t, sched)

	reg.Execute(context.Background(), "cancel_appointment", `{"event_id":"evt-7"}`)
	if len(sched.cancelled) != 1 || sched.cancelled[0] != "evt-7" {
		t.Errorf("cancelled = %v", sched.cancelled)
	}

	missing := reg.Execute(context.Background(), "cancel_appointment", `{}`)
	if !strings.Contains(missing, "event_id is required") {
		t.Errorf("result = %s", missing)
	}
}

func TestCheckAvailability_BadTimeIsStructuredError(t *testing.T) {
	reg := testRegistry(t, newFakeScheduler())
	result := reg.Execute(context.Background(), "check_availability",
		`{"start":"next tuesday","end":"2026-09-02T17:00:00Z"}`)
	if !strings.Contains(result, "bad start time") {
		t.Errorf("result = %s", result)
	}
}

func TestStaticVINDecoder(t *testing.T) {
	d := StaticVINDecoder{}

	info, err := d.Decode(context.Background(), "1HGBH41JXMN109186")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if info.Make != "Honda" {
		t.Errorf("make = %q, want Honda", info.Make)
	}
	if info.Year != 2021 { // position 10 is 'M'
		t.Errorf("year = %d, want 2021", info.Year)
	}

	if _, err := d.Decode(context.Background(), "TOOSHORT"); err == nil {
		t.Error("short vin accepted")
	}
	if _, err := d.Decode(context.Background(), "1HGBH41JXMN10918O"); err == nil {
		t.Error("vin with letter O accepted")
	}
}
