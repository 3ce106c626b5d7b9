package conversation

import "testing"

func TestDetectIntent_FirstMatchWins(t *testing.T) {
	cases := []struct {
		utterance string
		want      Intent
	}{
		{"I need to cancel my appointment", IntentCancelAppointment},
		{"can we reschedule my appointment for friday", IntentRescheduleAppointment},
		{"I'd like to book an appointment", IntentScheduleAppointment},
		{"what are your hours", IntentCheckHours},
		{"how much is a brake job", IntentCheckPricing},
		{"do you do transmissions", IntentCheckServices},
		{"I want to complain about my last visit", IntentComplaint},
		{"hello there", IntentGeneralInquiry},
	}
	for _, tc := range cases {
		if got := DetectIntent(tc.utterance, false); got != tc.want {
			t.Errorf("DetectIntent(%q) = %s, want %s", tc.utterance, got, tc.want)
		}
	}
}

func TestDetectIntent_ReminderAffirmative(t *testing.T) {
	if got := DetectIntent("yep, see you then", true); got != IntentConfirmReminder {
		t.Errorf("reminder affirmative = %s, want confirm_reminder", got)
	}
	// Off a reminder call, a bare affirmative is just a general inquiry.
	if got := DetectIntent("yep, see you then", false); got != IntentGeneralInquiry {
		t.Errorf("inbound affirmative = %s, want general_inquiry", got)
	}
	// A reminder caller who wants changes is not confirming.
	if got := DetectIntent("can we reschedule that", true); got != IntentRescheduleAppointment {
		t.Errorf("reminder reschedule = %s, want reschedule_appointment", got)
	}
}

func TestShouldEscalate(t *testing.T) {
	for _, u := range []string{
		"get me your manager",
		"I want to speak to a human",
		"this is unacceptable",
		"I'm calling my lawyer",
		"I want a refund",
	} {
		if yes, reason := ShouldEscalate(u); !yes || reason == "" {
			t.Errorf("ShouldEscalate(%q) = %v %q, want true with a reason", u, yes, reason)
		}
	}
	if yes, _ := ShouldEscalate("I'd like an oil change on monday"); yes {
		t.Error("routine utterance escalated")
	}
}

func TestExtractSlots(t *testing.T) {
	slots := map[string]string{}
	ExtractSlots("an oil change next tuesday at 9:30 am would be great", slots)
	if slots["service_type"] != "oil change" {
		t.Errorf("service_type = %q", slots["service_type"])
	}
	if slots["preferred_date"] != "tuesday" {
		t.Errorf("preferred_date = %q", slots["preferred_date"])
	}
	if slots["preferred_time"] != "9:30 am" {
		t.Errorf("preferred_time = %q", slots["preferred_time"])
	}

	// Collected values are not overwritten by later mentions.
	ExtractSlots("actually make it a brake service on friday afternoon", slots)
	if slots["service_type"] != "oil change" || slots["preferred_date"] != "tuesday" {
		t.Errorf("slots overwritten: %v", slots)
	}
}

func TestExtractSlots_DayPartAndMonthDay(t *testing.T) {
	slots := map[string]string{}
	ExtractSlots("sometime on september 3rd in the morning for an inspection", slots)
	if slots["preferred_date"] != "september 3rd" {
		t.Errorf("preferred_date = %q", slots["preferred_date"])
	}
	if slots["preferred_time"] != "morning" {
		t.Errorf("preferred_time = %q", slots["preferred_time"])
	}
	if slots["service_type"] != "inspection" {
		t.Errorf("service_type = %q", slots["service_type"])
	}
}

func TestAffirmativeNegativeWordBoundaries(t *testing.T) {
	if IsNegative("noon works for me") {
		t.Error(`"noon" misread as "no"`)
	}
	if IsAffirmative("I called yesterday") {
		t.Error(`"yesterday" misread as "yes"`)
	}
	if !IsNegative("no, that's wrong") {
		t.Error("plain negative not detected")
	}
	if !IsAffirmative("sounds good to me") {
		t.Error("plain affirmative not detected")
	}
}
