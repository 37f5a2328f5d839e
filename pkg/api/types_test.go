package api

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestChatRequestDecodeMessages(t *testing.T) {
	body := `{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`

	var req ChatRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("Messages length = %d, want 2", len(req.Messages))
	}
	if req.Messages[1].Role != RoleAssistant {
		t.Errorf("Messages[1].Role = %q, want %q", req.Messages[1].Role, RoleAssistant)
	}
	if req.Message != nil {
		t.Errorf("Message = %v, want nil", *req.Message)
	}
}

func TestChatRequestDecodeSingleMessage(t *testing.T) {
	var req ChatRequest
	if err := json.Unmarshal([]byte(`{"message":"hello"}`), &req); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if req.Message == nil || *req.Message != "hello" {
		t.Fatalf("Message = %v, want %q", req.Message, "hello")
	}
}

func TestChatRequestDecodeRejectsBothShapes(t *testing.T) {
	var req ChatRequest
	err := json.Unmarshal([]byte(`{"message":"a","messages":[{"role":"user","content":"b"}]}`), &req)
	if err == nil {
		t.Fatal("expected error when both message and messages are set")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.Param != "message" {
		t.Errorf("Param = %q, want %q", apiErr.Param, "message")
	}
}

func TestRoleValid(t *testing.T) {
	if !RoleUser.Valid() || !RoleAssistant.Valid() {
		t.Error("user and assistant roles must be valid")
	}
	if Role("system").Valid() || Role("").Valid() {
		t.Error("system and empty roles must be invalid")
	}
}

func TestStreamRecordOmitsContent(t *testing.T) {
	rec := StreamRecord{ID: "chat_x", Provider: "openai", State: StateDone, Increments: 3}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"content", "messages", "text"} {
		if _, ok := m[key]; ok {
			t.Errorf("stream record JSON must not contain %q", key)
		}
	}
	if m["state"] != "done" {
		t.Errorf("state = %v, want %q", m["state"], "done")
	}
}
