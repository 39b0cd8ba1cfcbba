// Package testutil gates tests that need real backends started through
// testcontainers.
package testutil

import (
	"os"
	"strconv"
	"strings"
	"testing"
)

// RequireIntegration skips t in -short mode and when INTEGRATION_TESTS is
// set to a false value. When the variable is unset the test runs only if a
// Docker daemon looks reachable, so plain "go test ./..." on a laptop
// without Docker stays green.
func RequireIntegration(t testing.TB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if raw, ok := os.LookupEnv("INTEGRATION_TESTS"); ok {
		if enabled, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil && !enabled {
			t.Skip("integration tests disabled by INTEGRATION_TESTS")
		}
		return
	}
	if !dockerAvailable() {
		t.Skip("skipping integration test: no Docker daemon (set INTEGRATION_TESTS=1 to force)")
	}
}

func dockerAvailable() bool {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		if path, ok := strings.CutPrefix(host, "unix://"); ok {
			return exists(path)
		}
		return true
	}
	return exists("/var/run/docker.sock")
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
