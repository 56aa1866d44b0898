// Package featureflags gates optional behavior on environment variables, so
// a rollout can be toggled without a config change or redeploy.
package featureflags

import (
	"os"
	"strings"
)

const envPrefix = "FLAG_"

// Enabled reports whether the named flag is switched on. A flag named
// "headless_token_expiry" is read from FLAG_HEADLESS_TOKEN_EXPIRY; truthy
// values are 1, true, yes and on, anything else is off.
func Enabled(name string) bool {
	raw := os.Getenv(envPrefix + strings.ToUpper(name))
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
