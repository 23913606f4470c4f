// Package simple contains a permissive domain policy.
package simple

import "context"

// Policy allows every URL. It backs deployments with domain policy disabled.
type Policy struct{}

// New creates a new Policy.
func New() *Policy {
	return &Policy{}
}

// IsAllowed always returns true.
func (Policy) IsAllowed(_ context.Context, _, _, _ string) (bool, error) {
	return true, nil
}
