package handler

import (
	"testing"
	"time"
)

func TestOwnedBy(t *testing.T) {
	tests := []struct {
		payload string
		user    string
		want    bool
	}{
		{`{"session_id":"s1","user_id":"u1","status":"completed"}`, "u1", true},
		{`{"session_id":"s1","user_id":"u1"}`, "u2", false},
		{`{"session_id":"s1"}`, "", true},
		{`not json`, "u1", false},
	}
	for _, tt := range tests {
		if got := ownedBy(tt.payload, tt.user); got != tt.want {
			t.Errorf("ownedBy(%s, %q) = %v, want %v", tt.payload, tt.user, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[time.Duration]string{
		45 * time.Second:   "45s",
		125 * time.Second:  "2m 5s",
		3601 * time.Second: "1h 0m 1s",
	}
	for d, want := range tests {
		if got := formatDuration(d); got != want {
			t.Errorf("formatDuration(%v) = %q, want %q", d, got, want)
		}
	}
}
