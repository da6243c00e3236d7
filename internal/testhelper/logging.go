// Package testhelper keeps test output quiet.
package testhelper

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
)

// init disables logging for tests unless explicitly enabled via
// MERIDIAN_TEST_LOG.
func init() {
	if testing.Testing() && os.Getenv("MERIDIAN_TEST_LOG") == "" {
		zerolog.SetGlobalLevel(zerolog.Disabled)
	}
}
