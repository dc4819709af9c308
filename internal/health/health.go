// Package health aggregates dependency checks behind readiness and
// liveness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Component string        `json:"component"`
	Healthy   bool          `json:"healthy"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager runs registered checkers on demand.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	logger   *zap.Logger
	timeout  time.Duration
}

// NewManager creates a health manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger, timeout: 5 * time.Second}
}

// Register adds a checker.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// Check runs every checker and reports overall health.
func (m *Manager) Check(ctx context.Context) (bool, []CheckResult) {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	healthy := true
	results := make([]CheckResult, 0, len(checkers))
	for _, c := range checkers {
		result := c.Check(ctx)
		if !result.Healthy {
			healthy = false
			m.logger.Warn("Health check failed",
				zap.String("component", result.Component),
				zap.String("error", result.Error),
			)
		}
		results = append(results, result)
	}
	return healthy, results
}

// RegisterRoutes registers liveness and readiness endpoints. Liveness
// is unconditional; readiness runs the dependency checks.
func (m *Manager) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		healthy, results := m.Check(r.Context())
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"healthy": healthy,
			"checks":  results,
		})
	})
}

// DatabaseChecker pings PostgreSQL.
type DatabaseChecker struct {
	db *sqlx.DB
}

// NewDatabaseChecker creates a database checker.
func NewDatabaseChecker(db *sqlx.DB) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (c *DatabaseChecker) Name() string { return "postgres" }

func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "postgres", Healthy: true}
	if err := c.db.PingContext(ctx); err != nil {
		result.Healthy = false
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}

// RedisChecker pings Redis.
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker creates a Redis checker.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string { return "redis" }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "redis", Healthy: true}
	if err := c.client.Ping(ctx).Err(); err != nil {
		result.Healthy = false
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
