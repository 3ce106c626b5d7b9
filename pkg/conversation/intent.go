package conversation

import (
	"regexp"
	"strings"
)

// intentPatterns is checked in order; the first hit wins. Cancel and
// reschedule come before schedule so "cancel my appointment" is not read as
// a booking request.
var intentPatterns = []struct {
	intent   Intent
	keywords []string
}{
	{IntentCancelAppointment, []string{"cancel"}},
	{IntentRescheduleAppointment, []string{"reschedule", "move my appointment", "change my appointment", "push back my appointment"}},
	{IntentScheduleAppointment, []string{"schedule", "book", "appointment", "bring my car in", "bring it in", "come in for"}},
	{IntentCheckHours, []string{"hours", "what time do you open", "what time do you close", "are you open"}},
	{IntentCheckPricing, []string{"how much", "price", "pricing", "cost", "what do you charge"}},
	{IntentCheckServices, []string{"what services", "do you do", "do you offer", "do you work on"}},
	{IntentComplaint, []string{"complaint", "complain", "unhappy", "disappointed", "not satisfied"}},
}

var affirmativeWords = []string{
	"yes", "yeah", "yep", "yup", "correct", "that's right", "that is right",
	"sounds good", "sure", "confirm", "perfect", "absolutely",
}

var negativeWords = []string{
	"no", "nope", "wrong", "incorrect", "not right", "actually",
	"that's not", "change that",
}

var escalationPatterns = []struct {
	reason   string
	keywords []string
}{
	{"manager requested", []string{"manager", "supervisor", "speak to a human", "talk to a person", "real person", "representative"}},
	{"caller angry", []string{"angry", "furious", "ridiculous", "unacceptable", "terrible service", "fed up"}},
	{"complaint", []string{"file a complaint", "formal complaint", "sue", "lawyer", "attorney", "legal action"}},
	{"policy question", []string{"refund", "warranty claim", "insurance claim", "dispute"}},
}

// serviceTypes maps recognizable phrases to the canonical service name.
// Longer phrases come first so "oil change" wins over "oil".
var serviceTypes = []struct{ phrase, canonical string }{
	{"oil change", "oil change"},
	{"tire rotation", "tire rotation"},
	{"wheel alignment", "alignment"},
	{"alignment", "alignment"},
	{"brake", "brake service"},
	{"battery", "battery service"},
	{"state inspection", "inspection"},
	{"inspection", "inspection"},
	{"tune-up", "tune-up"},
	{"tune up", "tune-up"},
	{"diagnostic", "diagnostic"},
	{"check engine", "diagnostic"},
	{"transmission", "transmission service"},
	{"coolant", "coolant flush"},
}

var (
	weekdayRe  = regexp.MustCompile(`\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	monthDayRe = regexp.MustCompile(`\b(january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{1,2}(st|nd|rd|th)?\b`)
	relDayRe   = regexp.MustCompile(`\b(today|tomorrow|next week)\b`)
	clockRe    = regexp.MustCompile(`\b\d{1,2}(:\d{2})?\s*(am|pm|a\.m\.|p\.m\.)\b`)
	dayPartRe  = regexp.MustCompile(`\b(morning|afternoon|evening|noon|midday)\b`)
)

// DetectIntent classifies an utterance with first-match-wins keyword
// patterns. Unmatched utterances default to a general inquiry, except on
// outbound reminder calls where a plain affirmative means the caller is
// confirming the appointment.
func DetectIntent(utterance string, reminderCall bool) Intent {
	lower := strings.ToLower(utterance)

	if reminderCall && matchesAny(lower, affirmativeWords) {
		return IntentConfirmReminder
	}
	for _, p := range intentPatterns {
		if containsAny(lower, p.keywords) {
			return p.intent
		}
	}
	return IntentGeneralInquiry
}

// ShouldEscalate reports whether the utterance demands a human and why.
func ShouldEscalate(utterance string) (bool, string) {
	lower := strings.ToLower(utterance)
	for _, p := range escalationPatterns {
		if containsAny(lower, p.keywords) {
			return true, p.reason
		}
	}
	return false, ""
}

// IsAffirmative reports whether the utterance agrees with what was just
// proposed.
func IsAffirmative(utterance string) bool {
	return matchesAny(strings.ToLower(utterance), affirmativeWords)
}

// IsNegative reports whether the utterance rejects or corrects it.
func IsNegative(utterance string) bool {
	return matchesAny(strings.ToLower(utterance), negativeWords)
}

// ExtractSlots pulls service type, date and time mentions out of an
// utterance. Only slots not yet collected are written.
func ExtractSlots(utterance string, slots map[string]string) {
	lower := strings.ToLower(utterance)

	if _, done := slots["service_type"]; !done {
		for _, s := range serviceTypes {
			if strings.Contains(lower, s.phrase) {
				slots["service_type"] = s.canonical
				break
			}
		}
	}
	if _, done := slots["preferred_date"]; !done {
		if m := monthDayRe.FindString(lower); m != "" {
			slots["preferred_date"] = m
		} else if m := weekdayRe.FindString(lower); m != "" {
			slots["preferred_date"] = m
		} else if m := relDayRe.FindString(lower); m != "" {
			slots["preferred_date"] = m
		}
	}
	if _, done := slots["preferred_time"]; !done {
		if m := clockRe.FindString(lower); m != "" {
			slots["preferred_time"] = m
		} else if m := dayPartRe.FindString(lower); m != "" {
			slots["preferred_time"] = m
		}
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

var wordSplitRe = regexp.MustCompile(`[a-z']+`)

// matchesAny treats single-word entries as whole words so "no" does not
// match inside "noon" or "yes" inside "yesterday". Multi-word entries match
// as substrings.
func matchesAny(s string, entries []string) bool {
	var tokens []string
	for _, e := range entries {
		if strings.ContainsRune(e, ' ') {
			if strings.Contains(s, e) {
				return true
			}
			continue
		}
		if tokens == nil {
			tokens = wordSplitRe.FindAllString(s, -1)
		}
		for _, tok := range tokens {
			if tok == e {
				return true
			}
		}
	}
	return false
}
