// Package simple includes tests for the permissive policy implementation.
package simple

import (
	"context"
	"testing"
)

// TestPolicyAllowsEverything ensures the permissive policy allows any URL.
func TestPolicyAllowsEverything(t *testing.T) {
	t.Parallel()

	p := New()
	ok, err := p.IsAllowed(context.Background(), "http://127.0.0.1/", "free", "student")
	if err != nil || !ok {
		t.Fatalf("expected IsAllowed to return true, got %v %v", ok, err)
	}
}
