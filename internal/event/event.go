// Package event is the C4 event model & dispatcher: the four SSE payload kinds
// from spec.md §4.3/§6.2, their trigger-field sets, identity keys, and the
// publisher that POSTs them to the Mercure hub with a signed JWT and bounded
// retry. The registry is built once at package init (spec.md §9's "build tables
// at module init via explicit register(...) calls; keep them immutable").
package event

import "fmt"

// FieldID names one trackable model field, e.g. "Order.status".
type FieldID string

// Event is the interface of every payload published over SSE. The four
// concrete payloads (OrderUpdate, ListUpdate, ImageUpdate, ImageStatus)
// implement it; the interface itself does not stop other types from doing so.
type Event interface {
	Kind() string
	IdentityKey() string
	Topics() []string
}

// Context is the set of equality-predicate-derived keys a session accumulates
// via SetMercureContext (order_id, image_id, version_id, status_type, ...).
type Context map[string]any

// Def describes one event kind's registration: which fields trigger it, what
// context it requires to build, and how to build it from a Context.
type Def struct {
	Name            string
	TriggerFields   []FieldID
	RequiredContext []string
	Collected       bool     // true for batch-only kinds like ListUpdate
	CollectsKinds   []string // for a Collected kind: which kinds it aggregates
	Build           func(ctx Context) Event
}

// registry is populated by the Register calls in payloads.go's init() —
// never mutated after package init.
var (
	byTriggerField = map[FieldID][]*Def{}
	byName         = map[string]*Def{}
)

// Register binds a Def into the global, immutable-after-init registry. Panics
// on a duplicate name, which is a programming error at declaration time.
func Register(d *Def) {
	if _, dup := byName[d.Name]; dup {
		panic(fmt.Sprintf("event: duplicate registration for %q", d.Name))
	}
	byName[d.Name] = d
	for _, f := range d.TriggerFields {
		byTriggerField[f] = append(byTriggerField[f], d)
	}
}

// DefsTriggeredBy returns every registered Def whose trigger-field set contains
// field — the lookup session.Commit performs for each changed tracked field.
func DefsTriggeredBy(field FieldID) []*Def {
	return byTriggerField[field]
}

// DefByName looks up a registered Def by name (used by CollectsKinds resolution
// and by tests).
func DefByName(name string) (*Def, bool) {
	d, ok := byName[name]
	return d, ok
}

// AllDefs returns the full name->Def registry. Used by the deferred-batch
// scope to resolve which Collected kind aggregates a given Def name.
func AllDefs() map[string]*Def {
	return byName
}

// MissingContext reports which of Def's required context keys are absent from
// ctx, or nil if all are present.
func (d *Def) MissingContext(ctx Context) []string {
	var missing []string
	for _, k := range d.RequiredContext {
		if _, ok := ctx[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}
