// Package conversation holds the per-call dialogue state: a finite-state
// flow from greeting through slot collection to execution, with keyword
// based intent detection and a sticky escalation override.
package conversation

// Direction of the phone call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// State is the active conversation phase.
type State string

const (
	StateGreeting        State = "greeting"
	StateVerification    State = "verification"
	StateIntentDetection State = "intent_detection"
	StateSlotCollection  State = "slot_collection"
	StateConfirmation    State = "confirmation"
	StateExecution       State = "execution"
	StateClosing         State = "closing"
	StateEscalation      State = "escalation"
)

// Intent is the caller's detected goal for the current request.
type Intent string

const (
	IntentScheduleAppointment   Intent = "schedule_appointment"
	IntentRescheduleAppointment Intent = "reschedule_appointment"
	IntentCancelAppointment     Intent = "cancel_appointment"
	IntentCheckHours            Intent = "check_hours"
	IntentCheckPricing          Intent = "check_pricing"
	IntentCheckServices         Intent = "check_services"
	IntentComplaint             Intent = "complaint"
	IntentGeneralInquiry        Intent = "general_inquiry"
	IntentConfirmReminder       Intent = "confirm_reminder"
)

// Vehicle is one car on a customer's profile.
type Vehicle struct {
	Year  int    `json:"year"`
	Make  string `json:"make"`
	Model string `json:"model"`
	VIN   string `json:"vin,omitempty"`
}

// CustomerProfile is the known-customer record attached to a recognized
// caller. All fields come from the CRM collaborator.
type CustomerProfile struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Phone       string    `json:"phone"`
	Email       string    `json:"email,omitempty"`
	DateOfBirth string    `json:"date_of_birth,omitempty"` // YYYY-MM-DD
	Address     string    `json:"address,omitempty"`
	Vehicles    []Vehicle `json:"vehicles,omitempty"`
}

// AppointmentContext carries the appointment an outbound reminder call is
// about.
type AppointmentContext struct {
	ID          string `json:"id"`
	ServiceType string `json:"service_type"`
	Date        string `json:"date"`
	Time        string `json:"time"`
}

// CallSession is the mutable state of one phone call. It lives exactly as
// long as the call and is never persisted by this package.
type CallSession struct {
	CallID    string
	Direction Direction
	From      string
	To        string

	Customer    *CustomerProfile
	Appointment *AppointmentContext

	State  State
	Intent Intent
	Slots  map[string]string
	Turns  int

	Escalated        bool
	EscalationReason string
}

// NewCallSession creates a session in the greeting state.
func NewCallSession(callID string, direction Direction, from, to string) *CallSession {
	return &CallSession{
		CallID:    callID,
		Direction: direction,
		From:      from,
		To:        to,
		State:     StateGreeting,
		Slots:     map[string]string{},
	}
}

// Known reports whether the caller matched a customer record.
func (s *CallSession) Known() bool { return s.Customer != nil }

// ReminderCall reports whether this is an outbound appointment reminder.
func (s *CallSession) ReminderCall() bool {
	return s.Direction == DirectionOutbound && s.Appointment != nil
}

// resetRequest clears the per-request fields when the caller starts an
// unrelated request, keeping identity and call metadata.
func (s *CallSession) resetRequest() {
	s.Intent = ""
	s.Slots = map[string]string{}
}
