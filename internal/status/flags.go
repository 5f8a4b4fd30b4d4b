// Package status implements the declarative processing-status registry: a small
// flag set per status value, validated at init time, with derived sets
// (startable/intermediate/final/retryable) that pipeline services consult instead
// of ever comparing a raw status string.
package status

import "fmt"

// Flag is a bitset describing what a status value permits.
type Flag uint8

const (
	None Flag = 0

	// Startable marks a status from which a fresh task may begin work.
	Startable Flag = 1 << (iota - 1)

	// Recoverable marks a status whose presence on worker boot implies the
	// process was interrupted mid-step.
	Recoverable

	// AwaitingExternal marks a status where control has been handed to an
	// external service and the record is waiting on it.
	AwaitingExternal

	// Final marks a status from which no further transition occurs.
	Final

	// Retryable marks a terminal status the user can explicitly retry.
	Retryable
)

// Status is a single (value, flags, display label) triple.
type Status struct {
	Value   string
	Display string
	Flags   Flag
}

func (s Status) Is(f Flag) bool { return s.Flags&f != 0 }

// rule is one implication "when ⇒ required, and when ⇒ ¬forbidden".
type rule struct {
	name      string
	when      Flag
	required  Flag
	forbidden Flag
}

// rules mirrors spec.md §4.1 / original_source models/status.py FLAG_RULES exactly:
// there are exactly three.
var rules = []rule{
	{name: "Retryable⇒Final", when: Retryable, required: Final},
	{name: "Final⇒¬(Recoverable∨Startable∨AwaitingExternal)", when: Final, forbidden: Recoverable | Startable | AwaitingExternal},
	{name: "AwaitingExternal⇒Recoverable∧¬Startable", when: AwaitingExternal, required: Recoverable, forbidden: Startable},
}

// validate panics on a violated rule: this is a declaration-time programming
// error, never a runtime condition, so a registry is built once at package init
// and any violation must surface immediately rather than be handled by callers.
func validate(s Status) {
	for _, r := range rules {
		if s.Flags&r.when == 0 {
			continue
		}
		if r.required != 0 && s.Flags&r.required != r.required {
			panic(fmt.Sprintf("status %q violates rule %q", s.Value, r.name))
		}
		if r.forbidden != 0 && s.Flags&r.forbidden != 0 {
			panic(fmt.Sprintf("status %q violates rule %q", s.Value, r.name))
		}
	}
}
