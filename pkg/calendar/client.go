// Package calendar talks to the shop's scheduling calendar over REST. Every
// call goes through the resilience executor so transient backend failures
// are retried and recorded.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/resilience"
)

// Config locates the calendar backend.
type Config struct {
	BaseURL    string
	APIKey     string
	CalendarID string
	Timeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.CalendarID == "" {
		c.CalendarID = "primary"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// TimeSlot is a half-open interval [Start, End).
type TimeSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration is the slot length.
func (s TimeSlot) Duration() time.Duration { return s.End.Sub(s.Start) }

// EventRequest describes an appointment to create or update.
type EventRequest struct {
	Summary       string    `json:"summary"`
	Description   string    `json:"description,omitempty"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	CustomerName  string    `json:"customer_name,omitempty"`
	CustomerPhone string    `json:"customer_phone,omitempty"`
}

// EventResult reports the outcome of a calendar mutation. Success false with
// a Message means the backend rejected the request (for example a conflict);
// transport-level failure comes back as an error instead.
type EventResult struct {
	Success bool   `json:"success"`
	EventID string `json:"event_id,omitempty"`
	Link    string `json:"link,omitempty"`
	Message string `json:"message,omitempty"`
}

// Event is a booked appointment as the backend reports it.
type Event struct {
	ID      string    `json:"id"`
	Summary string    `json:"summary"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Link    string    `json:"link,omitempty"`
	Status  string    `json:"status,omitempty"`
}

// Client is the calendar REST client.
type Client struct {
	cfg    Config
	httpc  *http.Client
	exec   *resilience.Executor
	logger *slog.Logger
}

// NewClient builds a client routed through exec. A nil logger falls back to
// slog.Default.
func NewClient(cfg Config, exec *resilience.Executor, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.Timeout},
		exec:   exec,
		logger: logger,
	}
}

type freeBusyRequest struct {
	CalendarID string    `json:"calendar_id"`
	TimeMin    time.Time `json:"time_min"`
	TimeMax    time.Time `json:"time_max"`
}

type freeBusyResponse struct {
	Busy []TimeSlot `json:"busy"`
}

// FreeBusy returns open slots between start and end, at least minDuration
// long. Slots overlapping the lunch break are split around it.
func (c *Client) FreeBusy(ctx context.Context, start, end time.Time, minDuration time.Duration) ([]TimeSlot, error) {
	var resp freeBusyResponse
	err := c.exec.Do(ctx, "calendar.free_busy", func(ctx context.Context) error {
		return c.call(ctx, http.MethodPost, "/freebusy", freeBusyRequest{
			CalendarID: c.cfg.CalendarID,
			TimeMin:    start,
			TimeMax:    end,
		}, &resp, nil)
	})
	if err != nil {
		return nil, err
	}
	return openSlots(start, end, resp.Busy, minDuration), nil
}

// CreateEvent books an appointment.
func (c *Client) CreateEvent(ctx context.Context, req EventRequest) (EventResult, error) {
	return c.mutate(ctx, "calendar.create_event", http.MethodPost, "/events", req)
}

// UpdateEvent moves or edits an existing appointment.
func (c *Client) UpdateEvent(ctx context.Context, eventID string, req EventRequest) (EventResult, error) {
	return c.mutate(ctx, "calendar.update_event", http.MethodPatch, "/events/"+eventID, req)
}

// CancelEvent cancels an appointment.
func (c *Client) CancelEvent(ctx context.Context, eventID string) (EventResult, error) {
	return c.mutate(ctx, "calendar.cancel_event", http.MethodDelete, "/events/"+eventID, nil)
}

// GetEvent fetches one appointment.
func (c *Client) GetEvent(ctx context.Context, eventID string) (Event, error) {
	var ev Event
	err := c.exec.Do(ctx, "calendar.get_event", func(ctx context.Context) error {
		return c.call(ctx, http.MethodGet, "/events/"+eventID, nil, &ev, nil)
	})
	return ev, err
}

func (c *Client) mutate(ctx context.Context, operation, method, path string, body any) (EventResult, error) {
	var result EventResult
	err := c.exec.Do(ctx, operation, func(ctx context.Context) error {
		return c.call(ctx, method, path, body, &result, &result)
	})
	if err != nil {
		return EventResult{}, err
	}
	return result, nil
}

// call performs one HTTP exchange. 5xx and transport failures return an
// error so the executor retries; 4xx rejections are terminal and, when a
// rejection sink is given, recorded there instead.
func (c *Client) call(ctx context.Context, method, path string, body, out any, rejected *EventResult) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("calendar: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("calendar: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("calendar: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("calendar: read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("calendar: %s %s: status %d", method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		if rejected == nil {
			return fmt.Errorf("calendar: %s %s: status %d", method, path, resp.StatusCode)
		}
		*rejected = EventResult{Success: false, Message: rejectionMessage(payload, resp.StatusCode)}
		return nil
	}

	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("calendar: decode response: %w", err)
		}
	}
	if rejected != nil {
		// Mutations that reached here were accepted even when the backend
		// omits an explicit flag.
		rejected.Success = true
	}
	return nil
}

func rejectionMessage(payload []byte, status int) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return fmt.Sprintf("request rejected with status %d", status)
}
