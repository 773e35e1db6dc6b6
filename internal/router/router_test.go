package router

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	raw := []byte(`{"type":"node:play_move","payload":{"from_node_id":"abc","move_usi":"7g7f"},"session_id":"s1","owner_token":"t1"}`)

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if env.Type != "node:play_move" {
		t.Errorf("Type = %q", env.Type)
	}
	if env.SessionID != "s1" || env.OwnerToken != "t1" {
		t.Errorf("session_id/owner_token = %q/%q", env.SessionID, env.OwnerToken)
	}
	payload, ok := env.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload is not an object: %T", env.Payload)
	}
	if payload["move_usi"] != "7g7f" {
		t.Errorf("move_usi = %v", payload["move_usi"])
	}
}

func TestEnvelopeOmitsEmptySessionFields(t *testing.T) {
	b, err := json.Marshal(Envelope{Type: "session:busy", Payload: map[string]any{"owner_since": "2026-01-01T00:00:00Z"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var round map[string]any
	if err := json.Unmarshal(b, &round); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, present := round["session_id"]; present {
		t.Errorf("expected session_id to be omitted when empty")
	}
	if _, present := round["owner_token"]; present {
		t.Errorf("expected owner_token to be omitted when empty")
	}
}
