package jobs

import (
	"strings"
	"time"

	"github.com/nimburion/jobqueue/pkg/health"
)

const defaultEngineHealthCheckName = "jobs-engine"

// NewEngineHealthChecker creates a standard health checker for a jobs engine.
func NewEngineHealthChecker(name string, engine Engine, timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultEngineHealthCheckName
	}
	return health.NewAdapterChecker(checkName, engine, timeout)
}
