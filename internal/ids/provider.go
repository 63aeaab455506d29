package ids

import (
	"strings"

	"github.com/google/uuid"
)

const localPrefix = "local-"

// Provider issues unique identifiers.
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

// NewLocalID issues a provisional identifier for an entity created while
// offline. The id is replaced by the canonical remote id once the create
// action completes.
func NewLocalID(provider Provider) (string, error) {
	value, err := provider.NewID()
	if err != nil {
		return "", err
	}
	return localPrefix + value, nil
}

// IsLocal reports whether id is a provisional local identifier.
func IsLocal(id string) bool {
	return strings.HasPrefix(id, localPrefix)
}
