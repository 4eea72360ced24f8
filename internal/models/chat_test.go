package models

import (
	"errors"
	"testing"
)

func TestParseConversation(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantLen int
		wantErr bool
	}{
		{"valid", `[{"role":"user","content":"Hi"},{"role":"assistant","content":"Hello"}]`, 2, false},
		{"empty content allowed", `[{"role":"user","content":""}]`, 1, false},
		{"empty list", `[]`, 0, true},
		{"null", `null`, 0, true},
		{"missing", ``, 0, true},
		{"not a list", `{"role":"user","content":"Hi"}`, 0, true},
		{"null content", `[{"role":"user","content":null}]`, 0, true},
		{"missing content", `[{"role":"user"}]`, 0, true},
		{"system role", `[{"role":"system","content":"x"}]`, 0, true},
		{"unknown role", `[{"role":"wizard","content":"x"}]`, 0, true},
		{"bad second element", `[{"role":"user","content":"Hi"},{"role":"","content":"x"}]`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConversation([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestParseConversationEmptySentinel(t *testing.T) {
	if _, err := ParseConversation([]byte(`[]`)); !errors.Is(err, ErrEmptyConversation) {
		t.Errorf("err = %v, want ErrEmptyConversation", err)
	}
}

func TestCloneDoesNotShareMessages(t *testing.T) {
	s := ChatSession{ID: "1", Messages: []Message{{Role: RoleUser, Content: "a"}}}
	c := s.Clone()
	c.Messages[0].Content = "b"
	if s.Messages[0].Content != "a" {
		t.Error("Clone shares message storage")
	}
	if (ChatSession{}).Clone().Messages == nil {
		t.Error("Clone of a session without messages should yield an empty list")
	}
}
