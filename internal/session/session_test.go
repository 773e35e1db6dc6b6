package session

import "testing"

func TestTryGrantThenBusy(t *testing.T) {
	h := NewHub()
	slot, ok := h.TryGrant()
	if !ok {
		t.Fatalf("expected first TryGrant to succeed")
	}
	if slot.SessionID == "" || slot.OwnerToken == "" {
		t.Fatalf("expected non-empty tokens: %+v", slot)
	}
	if _, ok := h.TryGrant(); ok {
		t.Fatalf("expected second TryGrant to fail while occupied")
	}
}

func TestTakeoverKicksPreviousOwnerAndIssuesFreshTokens(t *testing.T) {
	h := NewHub()
	first, _ := h.TryGrant()

	var kicked string
	h.SetKickHandler(func(token string) { kicked = token })

	second := h.Takeover()
	if kicked != first.OwnerToken {
		t.Errorf("kick handler received %q, want %q", kicked, first.OwnerToken)
	}
	if second.SessionID == first.SessionID || second.OwnerToken == first.OwnerToken {
		t.Errorf("expected fresh tokens after takeover: first=%+v second=%+v", first, second)
	}
	if !h.IsOwner(second.SessionID, second.OwnerToken) {
		t.Errorf("expected second to be owner")
	}
	if h.IsOwner(first.SessionID, first.OwnerToken) {
		t.Errorf("expected first to no longer be owner")
	}
}

func TestReleaseIfOwner(t *testing.T) {
	h := NewHub()
	slot, _ := h.TryGrant()

	if h.ReleaseIfOwner("wrong", "wrong") {
		t.Fatalf("release should fail for non-owner tokens")
	}
	if !h.Occupied() {
		t.Fatalf("slot should still be occupied")
	}
	if !h.ReleaseIfOwner(slot.SessionID, slot.OwnerToken) {
		t.Fatalf("release should succeed for actual owner")
	}
	if h.Occupied() {
		t.Fatalf("slot should be empty after release")
	}
}
