// Package health reports whether a Kayan Connect instance can serve logins.
//
// A Manager runs every registered Checker concurrently under one timeout and
// folds the results into a Report:
//
//   - StatusHealthy: every check passes
//   - StatusDegraded: the instance works but something needs attention
//     (e.g. the scan event queue is filling up)
//   - StatusUnhealthy: a backend the login paths depend on is unreachable
//
// Example:
//
//	m := health.NewManager(version, health.WithTimeout(3*time.Second))
//	m.Register(health.NewPingChecker("database", repo.Ping))
//	m.Register(health.NewPingChecker("redis", redisCache.Ping))
//	m.Register(health.NewQueueChecker("scan_queue", dispatcher.Pending, 256))
//	e.GET("/healthz", m.LiveHandler)
//	e.GET("/ready", m.ReadyHandler)
//	e.GET("/health", m.FullHandler)
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the result of one checker.
type Check struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"-"`
	LatencyMs int64         `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
}

type Report struct {
	Status    Status    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Checks    []Check   `json:"checks"`
}

type Checker interface {
	Name() string
	Check(ctx context.Context) *Check
}

// CheckFunc adapts a function to Checker.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) *Check
}

func (c CheckFunc) Name() string                     { return c.CheckName }
func (c CheckFunc) Check(ctx context.Context) *Check { return c.Fn(ctx) }

type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	version  string
	timeout  time.Duration
}

type ManagerOption func(*Manager)

func NewManager(version string, opts ...ManagerOption) *Manager {
	m := &Manager{
		version: version,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.timeout = d }
}

func (m *Manager) Register(checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checker)
}

func (m *Manager) RegisterFunc(name string, fn func(ctx context.Context) *Check) {
	m.Register(CheckFunc{CheckName: name, Fn: fn})
}

// Check runs every checker and returns the combined report. Checks are
// sorted by name.
func (m *Manager) Check(ctx context.Context) *Report {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	results := make([]Check, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		i, c := i, c
		g.Go(func() error {
			start := time.Now()
			check := c.Check(ctx)
			if check == nil {
				check = &Check{Name: c.Name(), Status: StatusUnhealthy, Message: "no result"}
			}
			check.Latency = time.Since(start)
			check.LatencyMs = check.Latency.Milliseconds()
			check.Timestamp = time.Now()
			results[i] = *check
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	report := &Report{
		Status:    StatusHealthy,
		Version:   m.version,
		Timestamp: time.Now(),
		Checks:    results,
	}
	for _, check := range results {
		switch check.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status != StatusUnhealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

// LiveHandler answers as long as the process serves HTTP.
func (m *Manager) LiveHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler fails with 503 while any check is unhealthy.
func (m *Manager) ReadyHandler(c echo.Context) error {
	report := m.Check(c.Request().Context())
	if report.Status == StatusUnhealthy {
		return c.JSON(http.StatusServiceUnavailable, report)
	}
	return c.JSON(http.StatusOK, report)
}

// FullHandler returns the full report; only unhealthy answers 503.
func (m *Manager) FullHandler(c echo.Context) error {
	return m.ReadyHandler(c)
}

// PingChecker reports a backend unhealthy when its ping fails.
type PingChecker struct {
	name   string
	pingFn func(ctx context.Context) error
}

func NewPingChecker(name string, pingFn func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, pingFn: pingFn}
}

func (c *PingChecker) Name() string { return c.name }

func (c *PingChecker) Check(ctx context.Context) *Check {
	if err := c.pingFn(ctx); err != nil {
		return &Check{Name: c.name, Status: StatusUnhealthy, Message: err.Error()}
	}
	return &Check{Name: c.name, Status: StatusHealthy, Message: "connected"}
}

// QueueChecker reports degraded once a queue is at least 80% full.
type QueueChecker struct {
	name     string
	pending  func() int
	capacity int
}

func NewQueueChecker(name string, pending func() int, capacity int) *QueueChecker {
	return &QueueChecker{name: name, pending: pending, capacity: capacity}
}

func (c *QueueChecker) Name() string { return c.name }

func (c *QueueChecker) Check(context.Context) *Check {
	n := c.pending()
	check := &Check{Name: c.name, Status: StatusHealthy, Message: fmt.Sprintf("%d/%d queued", n, c.capacity)}
	if c.capacity > 0 && n*5 >= c.capacity*4 {
		check.Status = StatusDegraded
	}
	return check
}
