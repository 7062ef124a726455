// Package ids issues identifiers for collaboration records.
package ids

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Provider issues unique identifiers.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers, which
// sort by creation time.
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

// Sequence is a deterministic Provider for tests: prefix-000001, prefix-000002, ...
// The zero padding keeps lexical and issue order identical.
type Sequence struct {
	mu     sync.Mutex
	prefix string
	next   int
}

// NewSequence constructs a Sequence provider.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix, next: 1}
}

func (s *Sequence) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value := s.next
	s.next++
	return fmt.Sprintf("%s-%06d", s.prefix, value), nil
}
