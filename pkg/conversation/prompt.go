package conversation

import (
	"fmt"
	"sort"
	"strings"
)

const basePrompt = `You are the phone assistant for an automotive service shop. Keep replies short and conversational, one or two sentences, suitable for being read aloud. Never invent appointment details. Use the provided tools to look up customers, check availability and manage appointments.`

var stateGuidance = map[State]string{
	StateGreeting:        "Greet the caller warmly and ask how you can help.",
	StateVerification:    "Before changing any appointment, verify the caller's identity by asking for their date of birth, the last four digits of their phone number, their street address, or their vehicle's VIN. One match is enough.",
	StateIntentDetection: "Figure out what the caller needs. Ask a clarifying question if their request is ambiguous.",
	StateSlotCollection:  "Collect the missing details one or two at a time. Do not re-ask for information already provided.",
	StateConfirmation:    "Read back everything collected and ask the caller to confirm before booking.",
	StateExecution:       "Carry out the confirmed request using the tools, then tell the caller the result.",
	StateClosing:         "Summarize what was done and ask if there is anything else. If not, say goodbye politely.",
	StateEscalation:      "Apologize, tell the caller you are transferring them to a team member, and stop handling the request yourself.",
}

// SystemPrompt composes the instruction block for the response generator:
// call-type context, guidance for the current state, and the slots collected
// so far.
func (m *StateMachine) SystemPrompt() string {
	s := m.session
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\n")

	switch {
	case s.ReminderCall():
		a := s.Appointment
		fmt.Fprintf(&b, "This is an outbound reminder call about an existing appointment: %s on %s at %s (appointment id %s). Confirm whether the customer can still make it, and offer to reschedule if not.\n",
			a.ServiceType, a.Date, a.Time, a.ID)
		if s.Customer != nil {
			fmt.Fprintf(&b, "You are calling %s.\n", s.Customer.Name)
		}
	case s.Known():
		c := s.Customer
		fmt.Fprintf(&b, "The caller matched an existing customer: %s, phone %s.", c.Name, c.Phone)
		if len(c.Vehicles) > 0 {
			b.WriteString(" Vehicles on file:")
			for _, v := range c.Vehicles {
				fmt.Fprintf(&b, " %d %s %s;", v.Year, v.Make, v.Model)
			}
		}
		b.WriteString("\n")
	default:
		b.WriteString("The caller did not match any customer record. Treat them as a new customer and collect contact details as needed.\n")
	}

	b.WriteString("\n")
	b.WriteString(stateGuidance[s.State])

	if len(s.Slots) > 0 {
		b.WriteString("\n\nDetails collected so far:\n")
		names := make([]string, 0, len(s.Slots))
		for name := range s.Slots {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "- %s: %s\n", name, s.Slots[name])
		}
	}
	if missing := m.MissingSlots(); len(missing) > 0 {
		fmt.Fprintf(&b, "\nStill needed: %s.", strings.Join(missing, ", "))
	}
	return b.String()
}
