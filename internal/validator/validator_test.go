package validator

import (
	"testing"
)

type startMsg struct {
	TestType        string  `json:"testType" validate:"required"`
	QuestionsList   []int64 `json:"questionsList" validate:"required,min=1,dive,gt=0"`
	DurationMinutes int     `json:"durationMinutes" validate:"required,min=1"`
	SessionID       string  `json:"sessionId" validate:"omitempty,uuid"`
}

func TestStruct_Valid(t *testing.T) {
	msg := startMsg{TestType: "mock", QuestionsList: []int64{1, 2}, DurationMinutes: 30}
	if fields := Struct(&msg); fields != nil {
		t.Errorf("unexpected errors: %v", fields)
	}
}

func TestStruct_ReportsJSONFieldNames(t *testing.T) {
	msg := startMsg{QuestionsList: []int64{0}, SessionID: "nope"}
	fields := Struct(&msg)

	for _, name := range []string{"testType", "durationMinutes", "sessionId", "questionsList[0]"} {
		if fields[name] == "" {
			t.Errorf("missing error for %s in %v", name, fields)
		}
	}
}

func TestSetup_Idempotent(t *testing.T) {
	Setup()
	Setup()
	if trans == nil || messages == nil {
		t.Fatal("validator not initialised")
	}
}
