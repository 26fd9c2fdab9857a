package identity

import "context"

// FaceMatcher is the biometric oracle boundary. The matching algorithm itself
// lives in an external service; this core only consumes its yes/no answer.
type FaceMatcher interface {
	// Match reports whether the freshly captured source template matches the
	// stored target template.
	Match(ctx context.Context, source, target string) (bool, error)
}

// NopFaceMatcher accepts every comparison. Used when face verification is
// disabled by configuration and in tests.
type NopFaceMatcher struct{}

func (NopFaceMatcher) Match(context.Context, string, string) (bool, error) { return true, nil }
