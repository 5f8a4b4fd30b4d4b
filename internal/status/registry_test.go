package status

import "testing"

// TestAllRegistriesSatisfyFlagRules is the Go home for spec.md §8 invariant 7:
// the flag-rule invariant must hold for every declared status value. NewRegistry
// already panics at package init if this is violated, so reaching this test at
// all is half the proof; it additionally re-checks each rule explicitly so a
// future status addition gets a readable failure instead of a package-load panic.
func TestAllRegistriesSatisfyFlagRules(t *testing.T) {
	for name, reg := range map[string]*Registry{
		"order":    Orders,
		"coloring": Coloring,
		"svg":      Svg,
	} {
		for _, s := range reg.Values() {
			if s.Is(Retryable) && !s.Is(Final) {
				t.Errorf("%s: %q is Retryable without Final", name, s.Value)
			}
			if s.Is(Final) && s.Is(Recoverable|Startable|AwaitingExternal) {
				t.Errorf("%s: %q is Final but also Recoverable/Startable/AwaitingExternal", name, s.Value)
			}
			if s.Is(AwaitingExternal) && (!s.Is(Recoverable) || s.Is(Startable)) {
				t.Errorf("%s: %q is AwaitingExternal without Recoverable¬Startable", name, s.Value)
			}
		}
	}
}

func TestColoringDerivedSets(t *testing.T) {
	if !Coloring.Contains(string(ColoringQueued), Startable) {
		t.Error("queued should be startable")
	}
	if !Coloring.Contains(string(ColoringRunpodQueued), AwaitingExternal) {
		t.Error("runpod_queued should be awaiting external")
	}
	if Coloring.Contains(string(ColoringCompleted), Startable|Recoverable|AwaitingExternal) {
		t.Error("completed must not carry any in-flight flag")
	}
	retryable := Coloring.RetryableValues()
	if len(retryable) != 1 || retryable[0].Value != string(ColoringError) {
		t.Errorf("expected exactly {error} retryable, got %v", retryable)
	}
}

func TestLookupUnknownValue(t *testing.T) {
	if _, ok := Coloring.Lookup("not_a_status"); ok {
		t.Error("expected lookup miss for unregistered value")
	}
}
