package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// Component names reported by the server
const (
	ComponentRaft      = "raft"
	ComponentQueue     = "queue"
	ComponentSubstrate = "substrate"
	ComponentAPI       = "api"
)

// Health status values
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// HealthStatus represents the health status of the server
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth tracks the health of a single component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker keeps the last reported state of each component. A failing
// critical component makes the server unhealthy and not ready; any other
// failing component only degrades it.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   []string
	startTime  time.Time
	version    string
}

// NewHealthChecker creates a checker with the given critical components
func NewHealthChecker(critical ...string) *HealthChecker {
	return &HealthChecker{
		components: make(map[string]ComponentHealth),
		critical:   critical,
		startTime:  time.Now(),
	}
}

var healthChecker = NewHealthChecker(ComponentRaft, ComponentQueue, ComponentSubstrate)

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// RegisterComponent records the current health of a component
func RegisterComponent(name string, healthy bool, message string) {
	healthChecker.register(name, healthy, message)
}

// UpdateComponent is RegisterComponent under the name call sites read better with
func UpdateComponent(name string, healthy bool, message string) {
	healthChecker.register(name, healthy, message)
}

// GetHealth returns the overall health status
func GetHealth() HealthStatus {
	return healthChecker.health()
}

// GetReadiness reports whether every critical component is registered and healthy
func GetReadiness() HealthStatus {
	return healthChecker.readiness()
}

func (h *HealthChecker) register(name string, healthy bool, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

func (h *HealthChecker) isCritical(name string) bool {
	for _, c := range h.critical {
		if c == name {
			return true
		}
	}
	return false
}

func (h *HealthChecker) health() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := StatusHealthy
	components := make(map[string]string, len(h.components))

	names := make([]string, 0, len(h.components))
	for name := range h.components {
		names = append(names, name)
	}
	sort.Strings(names)

	var message string
	for _, name := range names {
		comp := h.components[name]
		if comp.Healthy {
			components[name] = StatusHealthy
			continue
		}
		components[name] = StatusUnhealthy + ": " + comp.Message
		if h.isCritical(name) {
			status = StatusUnhealthy
			message = name + ": " + comp.Message
		} else if status == StatusHealthy {
			status = StatusDegraded
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    h.version,
		Uptime:     time.Since(h.startTime).String(),
	}
}

func (h *HealthChecker) readiness() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := StatusReady
	message := ""
	components := make(map[string]string, len(h.critical))

	for _, name := range h.critical {
		comp, exists := h.components[name]
		switch {
		case !exists:
			status = StatusNotReady
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case !comp.Healthy:
			status = StatusNotReady
			message = "waiting for " + name
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = StatusReady
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    h.version,
		Uptime:     time.Since(h.startTime).String(),
	}
}

// HealthHandler serves /health. Degraded still answers 200.
func HealthHandler(c echo.Context) error {
	health := GetHealth()
	code := http.StatusOK
	if health.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, health)
}

// ReadyHandler serves /ready
func ReadyHandler(c echo.Context) error {
	readiness := GetReadiness()
	code := http.StatusOK
	if readiness.Status != StatusReady {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, readiness)
}

// LivenessHandler always answers 200 while the process is running
func LivenessHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(healthChecker.startTime).String(),
	})
}
