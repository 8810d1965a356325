package jsoncodec

import (
	"testing"
)

type testPayload struct {
	Timestamp string `json:"timestamp"`
	Message   any    `json:"message"`
}

func TestMarshalKeepsFieldOrder(t *testing.T) {
	data, err := Marshal(testPayload{Timestamp: "2024-01-02T03:04:05.006", Message: map[string]any{"data": "test"}})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"timestamp":"2024-01-02T03:04:05.006","message":{"data":"test"}}`
	if string(data) != want {
		t.Fatalf("unexpected encoding: %s", data)
	}

	var out map[string]any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out["timestamp"] != "2024-01-02T03:04:05.006" {
		t.Fatalf("unexpected decoded payload: %#v", out)
	}
}

func TestValid(t *testing.T) {
	if !Valid([]byte(`{"x":1}`)) {
		t.Fatal("expected object to be valid")
	}
	if Valid([]byte(`{"x":`)) {
		t.Fatal("expected truncated document to be invalid")
	}
}

func TestText(t *testing.T) {
	cases := map[string]string{
		`"No function called: missing"`: "No function called: missing",
		`{"x":1}`:                       `{"x":1}`,
		`plain text`:                    "plain text",
		``:                              "",
	}
	for in, want := range cases {
		if got := Text([]byte(in)); got != want {
			t.Fatalf("Text(%q) = %q, want %q", in, got, want)
		}
	}
}
