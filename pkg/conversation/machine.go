package conversation

import (
	"log/slog"
	"strings"
)

// StateMachine advances one CallSession turn by turn. It owns no I/O; the
// orchestrator feeds it finalized utterances and reads back the new state
// and system prompt.
type StateMachine struct {
	session *CallSession
	logger  *slog.Logger
}

// NewStateMachine wraps a session. A nil logger falls back to slog.Default.
func NewStateMachine(session *CallSession, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{session: session, logger: logger}
}

// Session returns the underlying call session.
func (m *StateMachine) Session() *CallSession { return m.session }

// Process advances the session for one finalized utterance and returns the
// new state. Escalation overrides every other transition and, once entered,
// holds for the remainder of the call.
func (m *StateMachine) Process(utterance string) State {
	s := m.session
	s.Turns++

	if s.Escalated {
		return StateEscalation
	}
	if yes, reason := ShouldEscalate(utterance); yes {
		s.Escalated = true
		s.EscalationReason = reason
		s.State = StateEscalation
		m.logger.Info("call escalated",
			"call_id", s.CallID, "reason", reason, "turn", s.Turns)
		return s.State
	}

	prev := s.State
	switch s.State {
	case StateGreeting:
		s.Intent = DetectIntent(utterance, s.ReminderCall())
		ExtractSlots(utterance, s.Slots)
		if s.Known() && sensitiveMutation(s.Intent) {
			s.State = StateVerification
		} else {
			s.State = StateIntentDetection
			m.advanceFromIntentDetection(utterance)
		}

	case StateVerification:
		s.State = StateIntentDetection
		m.advanceFromIntentDetection(utterance)

	case StateIntentDetection:
		if s.Intent == "" || s.Intent == IntentGeneralInquiry {
			s.Intent = DetectIntent(utterance, s.ReminderCall())
		}
		m.advanceFromIntentDetection(utterance)

	case StateSlotCollection:
		ExtractSlots(utterance, s.Slots)
		if m.allSlotsCollected() {
			s.State = StateConfirmation
		}

	case StateConfirmation:
		if IsAffirmative(utterance) {
			s.State = StateExecution
		} else if IsNegative(utterance) {
			s.State = StateSlotCollection
		}

	case StateExecution:
		s.State = StateClosing

	case StateClosing:
		if DetectIntent(utterance, false) != IntentGeneralInquiry {
			s.resetRequest()
			s.State = StateGreeting
		}
	}

	if s.State != prev {
		m.logger.Debug("conversation state changed",
			"call_id", s.CallID, "from", prev, "to", s.State, "intent", s.Intent)
	}
	return s.State
}

// advanceFromIntentDetection routes out of intent detection: informational
// intents go straight to execution, mutating intents collect slots first.
func (m *StateMachine) advanceFromIntentDetection(utterance string) {
	s := m.session
	switch s.Intent {
	case IntentScheduleAppointment, IntentRescheduleAppointment, IntentCancelAppointment:
		ExtractSlots(utterance, s.Slots)
		if m.allSlotsCollected() {
			s.State = StateConfirmation
		} else {
			s.State = StateSlotCollection
		}
	default:
		s.State = StateExecution
	}
}

// RequiredSlots lists the slot names the current intent needs. Known
// customers skip identity and contact slots because the profile already has
// them.
func (m *StateMachine) RequiredSlots() []string {
	s := m.session
	switch s.Intent {
	case IntentScheduleAppointment:
		if s.Known() {
			return []string{"service_type", "preferred_date", "preferred_time"}
		}
		return []string{
			"customer_name", "phone_number",
			"vehicle_year", "vehicle_make", "vehicle_model",
			"service_type", "preferred_date", "preferred_time",
		}
	case IntentRescheduleAppointment:
		if s.Known() {
			return []string{"preferred_date", "preferred_time"}
		}
		return []string{"customer_name", "phone_number", "preferred_date", "preferred_time"}
	case IntentCancelAppointment:
		if s.Known() {
			return nil
		}
		return []string{"customer_name", "phone_number"}
	default:
		return nil
	}
}

// MissingSlots lists required slots with no collected value yet.
func (m *StateMachine) MissingSlots() []string {
	var missing []string
	for _, name := range m.RequiredSlots() {
		if m.session.Slots[name] == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

func (m *StateMachine) allSlotsCollected() bool { return len(m.MissingSlots()) == 0 }

// VerifyCustomer checks supplied identity fields against the known profile.
// Recognized field names: date_of_birth, phone_last4, address, vin. Any
// single match verifies the caller; an unknown caller never verifies.
func (m *StateMachine) VerifyCustomer(fields map[string]string) bool {
	c := m.session.Customer
	if c == nil {
		return false
	}
	if dob := fields["date_of_birth"]; dob != "" && dob == c.DateOfBirth {
		return true
	}
	if last4 := fields["phone_last4"]; last4 != "" {
		digits := digitsOnly(c.Phone)
		if len(digits) >= 4 && digits[len(digits)-4:] == digitsOnly(last4) {
			return true
		}
	}
	if addr := fields["address"]; addr != "" && c.Address != "" &&
		strings.Contains(strings.ToLower(c.Address), strings.ToLower(addr)) {
		return true
	}
	if vin := fields["vin"]; vin != "" {
		for _, v := range c.Vehicles {
			if strings.EqualFold(v.VIN, vin) {
				return true
			}
		}
	}
	return false
}

func sensitiveMutation(intent Intent) bool {
	return intent == IntentRescheduleAppointment || intent == IntentCancelAppointment
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
