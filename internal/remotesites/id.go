package remotesites

import (
	"strings"

	"github.com/google/uuid"
)

// IDProvider issues identifiers and shared secrets for new sites.
type IDProvider interface {
	NewID() (string, error)
	NewSecret() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider backed by random UUIDs.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// NewSecret returns 64 hex characters drawn from two random UUIDs.
func (p *uuidProvider) NewSecret() (string, error) {
	first, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	second, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(first.String()+second.String(), "-", ""), nil
}
