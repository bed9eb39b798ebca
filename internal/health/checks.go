package health

import (
	"context"
	"errors"
	"fmt"
)

// APIKeyCheck fails while the voice provider has no API key, since every
// connect attempt would be rejected.
func APIKeyCheck(provider string, key func() string) Checker {
	return Checker{
		Name: "provider",
		Check: func(context.Context) error {
			if key() == "" {
				return fmt.Errorf("no api key configured for %q", provider)
			}
			return nil
		},
	}
}

// AgentsCheck fails when the catalog holds no agents.
func AgentsCheck(count func() int) Checker {
	return Checker{
		Name: "agents",
		Check: func(context.Context) error {
			if count() == 0 {
				return errors.New("no agents available")
			}
			return nil
		},
	}
}
