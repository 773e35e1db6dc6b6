package synchronizer

import "testing"

func TestPayloadHelpers(t *testing.T) {
	payload := map[string]any{
		"title":   "hi",
		"enabled": true,
		"multipv": float64(3),
		"ids":     []any{"a", "b", "c"},
	}

	if got := str(payload, "title"); got != "hi" {
		t.Errorf("str = %q", got)
	}
	if got := str(payload, "missing"); got != "" {
		t.Errorf("str(missing) = %q", got)
	}
	if !boolOf(payload, "enabled") {
		t.Errorf("boolOf = false")
	}
	if got := intOf(payload, "multipv", 1); got != 3 {
		t.Errorf("intOf = %d", got)
	}
	if got := intOf(payload, "missing", 7); got != 7 {
		t.Errorf("intOf default = %d", got)
	}
	ids := strSlice(payload, "ids")
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Errorf("strSlice = %v", ids)
	}
}

func TestIsEngineFailureReason(t *testing.T) {
	cases := map[string]bool{
		"spawn_failed":     true,
		"engine_error":     true,
		"exited":           true,
		"disabled":         false,
		"position_changed": false,
	}
	for reason, want := range cases {
		if got := isEngineFailureReason(reason); got != want {
			t.Errorf("isEngineFailureReason(%q) = %v, want %v", reason, got, want)
		}
	}
}
