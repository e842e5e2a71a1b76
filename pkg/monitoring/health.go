package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sys/unix"
)

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp int64                  `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckResult represents the result of an individual health check
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthChecker manages and executes health checks
type HealthChecker struct {
	service string
	version string
	checks  map[string]HealthCheck
}

// HealthCheck is a function that performs a health check
type HealthCheck func() CheckResult

// NewHealthChecker creates a new health checker instance
func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		service: service,
		version: version,
		checks:  make(map[string]HealthCheck),
	}
}

// AddCheck adds a health check to the checker
func (hc *HealthChecker) AddCheck(name string, check HealthCheck) {
	hc.checks[name] = check
}

// CheckHealth runs all health checks and returns the overall status
func (hc *HealthChecker) CheckHealth() HealthStatus {
	status := HealthStatus{
		Service:   hc.service,
		Version:   hc.version,
		Timestamp: time.Now().Unix(),
		Checks:    make(map[string]CheckResult),
	}

	anyUnhealthy := false
	anyDegraded := false
	for name, check := range hc.checks {
		result := check()
		status.Checks[name] = result
		switch result.Status {
		case StatusHealthy:
		case StatusDegraded:
			anyDegraded = true
		case StatusUnhealthy:
			anyUnhealthy = true
		default:
			anyUnhealthy = true
		}
	}

	switch {
	case anyUnhealthy:
		status.Status = StatusUnhealthy
	case anyDegraded:
		status.Status = StatusDegraded
	default:
		status.Status = StatusHealthy
	}

	return status
}

// Handler returns a middleware handler for the health check endpoint
func (hc *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.CheckHealth()
		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, health)
	}
}

// Common Health Check Functions

// DatabaseHealthCheck creates a health check for database connectivity
func DatabaseHealthCheck(db *sql.DB) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := db.PingContext(ctx)
		duration := time.Since(start)

		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("Database ping failed: %v", err),
				Latency: duration.String(),
			}
		}

		return CheckResult{
			Status:  StatusHealthy,
			Message: "Database connection successful",
			Latency: duration.String(),
		}
	}
}

// EnvironmentHealthCheck verifies required environment variables. Missing
// critical variables make the check unhealthy; missing recommended ones
// only degrade it.
func EnvironmentHealthCheck(critical, recommended []string) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		var missingCritical, missingRecommended []string

		for _, key := range critical {
			if os.Getenv(key) == "" {
				missingCritical = append(missingCritical, key)
			}
		}
		for _, key := range recommended {
			if os.Getenv(key) == "" {
				missingRecommended = append(missingRecommended, key)
			}
		}

		if len(missingCritical) > 0 {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("Missing critical configuration: %v", missingCritical),
				Latency: time.Since(start).String(),
			}
		}
		if len(missingRecommended) > 0 {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("Missing recommended configuration: %v", missingRecommended),
				Latency: time.Since(start).String(),
			}
		}

		return CheckResult{
			Status:  StatusHealthy,
			Message: "All required configuration present",
			Latency: time.Since(start).String(),
		}
	}
}

// DiskSpaceHealthCheck degrades when free space on the given path drops
// below warnFraction, and reports unhealthy below critFraction.
func DiskSpaceHealthCheck(path string, warnFraction, critFraction float64) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		var stat unix.Statfs_t
		if err := unix.Statfs(path, &stat); err != nil {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("statfs failed: %v", err),
				Latency: time.Since(start).String(),
			}
		}

		total := float64(stat.Blocks) * float64(stat.Bsize)
		free := float64(stat.Bavail) * float64(stat.Bsize)
		if total == 0 {
			return CheckResult{Status: StatusDegraded, Message: "filesystem reports zero size"}
		}
		freeFraction := free / total

		msg := fmt.Sprintf("%.1f%% free on %s", freeFraction*100, path)
		switch {
		case freeFraction < critFraction:
			return CheckResult{Status: StatusUnhealthy, Message: msg, Latency: time.Since(start).String()}
		case freeFraction < warnFraction:
			return CheckResult{Status: StatusDegraded, Message: msg, Latency: time.Since(start).String()}
		default:
			return CheckResult{Status: StatusHealthy, Message: msg, Latency: time.Since(start).String()}
		}
	}
}

// MemoryHealthCheck reports unhealthy when the process heap exceeds
// maxFraction of the configured budget in bytes.
func MemoryHealthCheck(budgetBytes uint64, maxFraction float64) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		if budgetBytes == 0 {
			return CheckResult{Status: StatusHealthy, Message: "no memory budget configured"}
		}

		used := float64(m.HeapAlloc) / float64(budgetBytes)
		msg := fmt.Sprintf("heap %.1f%% of budget", used*100)
		if used > maxFraction {
			return CheckResult{Status: StatusUnhealthy, Message: msg, Latency: time.Since(start).String()}
		}
		return CheckResult{Status: StatusHealthy, Message: msg, Latency: time.Since(start).String()}
	}
}

// HTTPServiceHealthCheck creates a health check for HTTP service dependencies
func HTTPServiceHealthCheck(serviceName, url string) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		client := &http.Client{
			Timeout: 5 * time.Second,
		}

		resp, err := client.Get(url)
		duration := time.Since(start)

		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("%s service unreachable: %v", serviceName, err),
				Latency: duration.String(),
			}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("%s service returned %d", serviceName, resp.StatusCode),
				Latency: duration.String(),
			}
		}

		return CheckResult{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%s service responding", serviceName),
			Latency: duration.String(),
		}
	}
}
