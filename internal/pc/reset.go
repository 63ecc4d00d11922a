package pc

// Resettable is implemented by anything holding transient error or energy
// state between forward passes.
type Resettable interface {
	ClearErrors()
	ClearEnergy()
}

// Registry lists the resettable members of a model. Containers keep this
// list explicitly instead of having it discovered by walking the model.
type Registry interface {
	Resettables() []Resettable
}

// Reset clears the transient state of every member of r. It is idempotent
// and never fails: nil registries and nil members are skipped, and typed-nil
// members are expected to ignore the calls.
func Reset(r Registry) {
	if r == nil {
		return
	}
	for _, m := range r.Resettables() {
		if m == nil {
			continue
		}
		m.ClearErrors()
		m.ClearEnergy()
	}
}
