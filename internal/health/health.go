// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if statuses[i].Name == "" {
			statuses[i].Name = nc.name
		}
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// Response is the body served by Handler.
type Response struct {
	Status    string    `json:"status"`
	Checks    []Status  `json:"checks"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler serves the aggregate result: 200 when every check passes, 503 otherwise.
func Handler(r *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		resp := Response{Status: "healthy", Checks: statuses, Timestamp: time.Now().UTC()}
		code := http.StatusOK
		if !healthy {
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, resp)
	}
}

// Flag reports healthy while ok returns true. detail is called only when unhealthy.
func Flag(name string, ok func() bool, detail func() string) Checker {
	return func(context.Context) Status {
		if ok() {
			return Status{Name: name, Healthy: true}
		}
		s := Status{Name: name}
		if detail != nil {
			s.Detail = detail()
		}
		return s
	}
}

// Freshness fails when last() is zero or older than maxAge.
func Freshness(name string, last func() time.Time, maxAge time.Duration) Checker {
	return func(context.Context) Status {
		t := last()
		if t.IsZero() {
			return Status{Name: name, Detail: "no successful run yet"}
		}
		if age := time.Since(t); age > maxAge {
			return Status{Name: name, Detail: fmt.Sprintf("last success %s ago", age.Round(time.Second))}
		}
		return Status{Name: name, Healthy: true}
	}
}
