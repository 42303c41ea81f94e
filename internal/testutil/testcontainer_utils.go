// Package testutil starts throwaway database containers for integration
// tests. Each container is started at most once per test binary.
package testutil

import (
	"os"
	"testing"
)

// RequireContainers skips t in -short mode or when FLUXQ_SKIP_CONTAINERS
// is set.
func RequireContainers(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}
	if os.Getenv("FLUXQ_SKIP_CONTAINERS") != "" {
		t.Skip("FLUXQ_SKIP_CONTAINERS is set")
	}
}

// skipOnStartError skips t when a container could not be started, which
// usually means Docker is not available.
func skipOnStartError(t *testing.T, name string, err error) {
	t.Helper()
	if err != nil {
		t.Skipf("%s container unavailable: %v", name, err)
	}
}
