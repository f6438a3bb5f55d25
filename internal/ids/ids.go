// Package ids issues opaque identifiers for persisted records.
package ids

import "github.com/google/uuid"

// Provider issues record identifiers.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func() (string, error)

// NewID calls the underlying function.
func (f ProviderFunc) NewID() (string, error) {
	return f()
}
