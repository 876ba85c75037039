package federation

import "go.pilab.hu/fedauth/domain"

// Registry maps providers to their ID token validators.
type Registry struct {
	validators map[domain.Provider]TokenValidator
}

// NewRegistry registers the given validators. A later validator for the same
// provider replaces an earlier one.
func NewRegistry(validators ...TokenValidator) *Registry {
	r := &Registry{validators: make(map[domain.Provider]TokenValidator, len(validators))}
	for _, v := range validators {
		r.Register(v)
	}
	return r
}

// Register adds or replaces the validator for v.Provider().
func (r *Registry) Register(v TokenValidator) {
	r.validators[v.Provider()] = v
}

// Lookup returns the validator for provider, if one is registered.
func (r *Registry) Lookup(provider domain.Provider) (TokenValidator, bool) {
	v, ok := r.validators[provider]
	return v, ok
}
