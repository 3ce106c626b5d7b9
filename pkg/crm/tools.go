// Package crm binds the shop's business collaborators (customer records,
// the scheduling calendar, VIN decoding) to the response generator as named
// tools.
package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go/v3"

	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/calendar"
	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/conversation"
	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/responder"
)

// CustomerStore looks up customer records.
type CustomerStore interface {
	// LookupByPhone returns nil with no error when the phone is unknown.
	LookupByPhone(ctx context.Context, phone string) (*conversation.CustomerProfile, error)
}

// Scheduler is the slice of the calendar client the tools need.
// *calendar.Client satisfies it.
type Scheduler interface {
	FreeBusy(ctx context.Context, start, end time.Time, minDuration time.Duration) ([]calendar.TimeSlot, error)
	CreateEvent(ctx context.Context, req calendar.EventRequest) (calendar.EventResult, error)
	UpdateEvent(ctx context.Context, eventID string, req calendar.EventRequest) (calendar.EventResult, error)
	CancelEvent(ctx context.Context, eventID string) (calendar.EventResult, error)
	GetEvent(ctx context.Context, eventID string) (calendar.Event, error)
}

// VINDecoder resolves a VIN to vehicle details.
type VINDecoder interface {
	Decode(ctx context.Context, vin string) (VehicleInfo, error)
}

// VehicleInfo is a decoded VIN.
type VehicleInfo struct {
	VIN   string `json:"vin"`
	Year  int    `json:"year,omitempty"`
	Make  string `json:"make,omitempty"`
	Model string `json:"model,omitempty"`
}

// Deps are the collaborators behind the tools.
type Deps struct {
	Customers CustomerStore
	Calendar  Scheduler
	VIN       VINDecoder
	Logger    *slog.Logger
}

const defaultAppointmentMinutes = 45

// RegisterTools installs the six business tools on the registry.
func RegisterTools(reg *responder.Registry, deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	tools := []responder.Tool{
		{
			Name:        "lookup_customer",
			Description: "Look up a customer record by phone number.",
			Parameters: openai.FunctionParameters{
				"type": "object",
				"properties": map[string]any{
					"phone": map[string]any{"type": "string", "description": "Phone number, any format"},
				},
				"required": []string{"phone"},
			},
			Handler: lookupCustomer(deps),
		},
		{
			Name:        "check_availability",
			Description: "List open appointment slots between two times. Slots never overlap the lunch break.",
			Parameters: openai.FunctionParameters{
				"type": "object",
				"properties": map[string]any{
					"start":            map[string]any{"type": "string", "description": "Window start, RFC 3339"},
					"end":              map[string]any{"type": "string", "description": "Window end, RFC 3339"},
					"duration_minutes": map[string]any{"type": "integer", "description": "Minimum slot length in minutes"},
				},
				"required": []string{"start", "end"},
			},
			Handler: checkAvailability(deps),
		},
		{
			Name:        "book_appointment",
			Description: "Book a service appointment on the shop calendar.",
			Parameters: openai.FunctionParameters{
				"type": "object",
				"properties": map[string]any{
					"service_type":     map[string]any{"type": "string"},
					"start":            map[string]any{"type": "string", "description": "Appointment start, RFC 3339"},
					"duration_minutes": map[string]any{"type": "integer"},
					"customer_name":    map[string]any{"type": "string"},
					"customer_phone":   map[string]any{"type": "string"},
				},
				"required": []string{"service_type", "start", "customer_name"},
			},
			Handler: bookAppointment(deps),
		},
		{
			Name:        "reschedule_appointment",
			Description: "Move an existing appointment to a new time.",
			Parameters: openai.FunctionParameters{
				"type": "object",
				"properties": map[string]any{
					"event_id":         map[string]any{"type": "string"},
					"new_start":        map[string]any{"type": "string", "description": "New start, RFC 3339"},
					"duration_minutes": map[string]any{"type": "integer"},
				},
				"required": []string{"event_id", "new_start"},
			},
			Handler: rescheduleAppointment(deps),
		},
		{
			Name:        "cancel_appointment",
			Description: "Cancel an existing appointment.",
			Parameters: openai.FunctionParameters{
				"type": "object",
				"properties": map[string]any{
					"event_id": map[string]any{"type": "string"},
				},
				"required": []string{"event_id"},
			},
			Handler: cancelAppointment(deps),
		},
		{
			Name:        "decode_vin",
			Description: "Decode a 17-character VIN into year, make and model.",
			Parameters: openai.FunctionParameters{
				"type": "object",
				"properties": map[string]any{
					"vin": map[string]any{"type": "string"},
				},
				"required": []string{"vin"},
			},
			Handler: decodeVIN(deps),
		},
	}

	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func lookupCustomer(deps Deps) responder.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			Phone string `json:"phone"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("bad arguments: %w", err)
		}
		if in.Phone == "" {
			return nil, fmt.Errorf("phone is required")
		}
		profile, err := deps.Customers.LookupByPhone(ctx, in.Phone)
		if err != nil {
			return nil, err
		}
		if profile == nil {
			return map[string]any{"found": false}, nil
		}
		return map[string]any{"found": true, "customer": profile}, nil
	}
}

func checkAvailability(deps Deps) responder.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			Start           string `json:"start"`
			End             string `json:"end"`
			DurationMinutes int    `json:"duration_minutes"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("bad arguments: %w", err)
		}
		start, err := time.Parse(time.RFC3339, in.Start)
		if err != nil {
			return nil, fmt.Errorf("bad start time: %w", err)
		}
		end, err := time.Parse(time.RFC3339, in.End)
		if err != nil {
			return nil, fmt.Errorf("bad end time: %w", err)
		}
		if in.DurationMinutes <= 0 {
			in.DurationMinutes = defaultAppointmentMinutes
		}
		slots, err := deps.Calendar.FreeBusy(ctx, start, end, time.Duration(in.DurationMinutes)*time.Minute)
		if err != nil {
			return nil, err
		}
		return map[string]any{"slots": slots}, nil
	}
}

func bookAppointment(deps Deps) responder.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			ServiceType     string `json:"service_type"`
			Start           string `json:"start"`
			DurationMinutes int    `json:"duration_minutes"`
			CustomerName    string `json:"customer_name"`
			CustomerPhone   string `json:"customer_phone"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("bad arguments: %w", err)
		}
		start, err := time.Parse(time.RFC3339, in.Start)
		if err != nil {
			return nil, fmt.Errorf("bad start time: %w", err)
		}
		if in.DurationMinutes <= 0 {
			in.DurationMinutes = defaultAppointmentMinutes
		}

		result, err := deps.Calendar.CreateEvent(ctx, calendar.EventRequest{
			Summary:       fmt.Sprintf("%s - %s", in.ServiceType, in.CustomerName),
			Description:   fmt.Sprintf("Booked by phone for %s", in.CustomerName),
			Start:         start,
			End:           start.Add(time.Duration(in.DurationMinutes) * time.Minute),
			CustomerName:  in.CustomerName,
			CustomerPhone: in.CustomerPhone,
		})
		if err != nil {
			return nil, err
		}
		deps.Logger.Info("appointment booked",
			"event_id", result.EventID, "service", in.ServiceType, "success", result.Success)
		return result, nil
	}
}

func rescheduleAppointment(deps Deps) responder.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			EventID         string `json:"event_id"`
			NewStart        string `json:"new_start"`
			DurationMinutes int    `json:"duration_minutes"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("bad arguments: %w", err)
		}
		start, err := time.Parse(time.RFC3339, in.NewStart)
		if err != nil {
			return nil, fmt.Errorf("bad new_start time: %w", err)
		}

		existing, err := deps.Calendar.GetEvent(ctx, in.EventID)
		if err != nil {
			return nil, err
		}
		duration := time.Duration(in.DurationMinutes) * time.Minute
		if in.DurationMinutes <= 0 {
			duration = existing.End.Sub(existing.Start)
			if duration <= 0 {
				duration = defaultAppointmentMinutes * time.Minute
			}
		}

		result, err := deps.Calendar.UpdateEvent(ctx, in.EventID, calendar.EventRequest{
			Summary: existing.Summary,
			Start:   start,
			End:     start.Add(duration),
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

func cancelAppointment(deps Deps) responder.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			EventID string `json:"event_id"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("bad arguments: %w", err)
		}
		if in.EventID == "" {
			return nil, fmt.Errorf("event_id is required")
		}
		result, err := deps.Calendar.CancelEvent(ctx, in.EventID)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

func decodeVIN(deps Deps) responder.Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var in struct {
			VIN string `json:"vin"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("bad arguments: %w", err)
		}
		return deps.VIN.Decode(ctx, in.VIN)
	}
}
