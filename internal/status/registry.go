package status

// Registry is an immutable, init-time-built table of Status values for one status
// enum (OrderStatus, ColoringStatus, SvgStatus). It is the Go analog of
// original_source's _status_registries + ProcessingStatusEnum.meta: no pipeline
// code ever compares a raw status string outside the registry that owns it.
type Registry struct {
	byValue map[string]Status
	order   []Status
}

// NewRegistry validates and indexes the given statuses. It panics if any status
// violates a flag rule or if two statuses share a value — both are declaration-
// time programming errors.
func NewRegistry(statuses ...Status) *Registry {
	r := &Registry{byValue: make(map[string]Status, len(statuses))}
	for _, s := range statuses {
		validate(s)
		if _, dup := r.byValue[s.Value]; dup {
			panic("status: duplicate value " + s.Value)
		}
		r.byValue[s.Value] = s
		r.order = append(r.order, s)
	}
	return r
}

// Lookup returns the Status for a value and whether it is registered.
func (r *Registry) Lookup(value string) (Status, bool) {
	s, ok := r.byValue[value]
	return s, ok
}

// MustLookup is Lookup but panics on an unregistered value; used where the value
// came from a Go enum constant rather than untrusted input (e.g. a DB row already
// constrained by a CHECK clause).
func (r *Registry) MustLookup(value string) Status {
	s, ok := r.byValue[value]
	if !ok {
		panic("status: unregistered value " + value)
	}
	return s
}

func (r *Registry) filter(f Flag) []Status {
	out := make([]Status, 0, len(r.order))
	for _, s := range r.order {
		if s.Flags&f != 0 {
			out = append(out, s)
		}
	}
	return out
}

// StartableValues returns every status a fresh task may begin work from, which
// spec.md §4.7's task-runtime contract treats as one of the two entry points
// (the other being Retryable, via RetryableValues or StartableOrRetryable).
func (r *Registry) StartableValues() []Status { return r.filter(Startable) }

// IntermediateValues is Recoverable — the set original_source calls
// intermediate_states(), i.e. what C8 recovery scans for on boot.
func (r *Registry) IntermediateValues() []Status { return r.filter(Recoverable) }

func (r *Registry) AwaitingExternalValues() []Status { return r.filter(AwaitingExternal) }

func (r *Registry) FinalValues() []Status { return r.filter(Final) }

func (r *Registry) RetryableValues() []Status { return r.filter(Retryable) }

// StartableOrRetryable mirrors original_source's startable_states(), which
// includes both is_startable and is_retryable statuses — a fresh normal-path
// invocation (not recovery) may begin from either.
func (r *Registry) StartableOrRetryable() []Status {
	out := r.filter(Startable)
	for _, s := range r.RetryableValues() {
		out = append(out, s)
	}
	return out
}

// Contains reports whether value's Status carries every flag in f.
func (r *Registry) Contains(value string, f Flag) bool {
	s, ok := r.byValue[value]
	return ok && s.Flags&f == f
}

// Values returns the registered Status values in declaration order, for
// diagnostics and tests.
func (r *Registry) Values() []Status { return append([]Status(nil), r.order...) }
