package chat

import (
	"encoding/json"
	"testing"
)

func TestSanitizeText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  hello  ", "hello"},
		{"<script>alert(1)</script>", "scriptalert(1)/script"},
		{"a < b > c", "a  b  c"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		if got := sanitizeText(tt.in); got != tt.want {
			t.Errorf("sanitizeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMessageWireFormat(t *testing.T) {
	msg := Message{
		ID:        "m1",
		From:      "host:Alice",
		FromID:    "alice@example.com",
		To:        RecipientAll,
		Text:      "welcome",
		Timestamp: 1700000000000,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{"id", "from", "fromId", "to", "text", "timestamp"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("wire format missing field %q", field)
		}
	}
}
