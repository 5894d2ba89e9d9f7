package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxbridge/internal/resilience"
)

// ErrNoAPIKey is reported by [APIKeyChecker] when no upstream key is set.
var ErrNoAPIKey = errors.New("upstream api key not configured")

// APIKeyChecker fails while key returns an empty string. key is called on
// every probe so a hot-reloaded key is picked up.
func APIKeyChecker(key func() string) Checker {
	return Checker{
		Name: "api_key",
		Check: func(context.Context) error {
			if key() == "" {
				return ErrNoAPIKey
			}
			return nil
		},
	}
}

// BreakerChecker fails while cb is open. Half-open counts as ready so probe
// traffic can close it again.
func BreakerChecker(cb *resilience.CircuitBreaker) Checker {
	return Checker{
		Name: "upstream",
		Check: func(context.Context) error {
			if st := cb.State(); st == resilience.StateOpen {
				return fmt.Errorf("circuit breaker %q is %s", cb.Name(), st)
			}
			return nil
		},
	}
}
