package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"river/internal/constants"
	"river/internal/river"
	"river/internal/store"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type Checker interface {
	Check(ctx context.Context) error
	Name() string
}

type Health struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

type CheckResult struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type degradedError struct {
	err error
}

func (e *degradedError) Error() string { return e.err.Error() }
func (e *degradedError) Unwrap() error { return e.err }

// Degraded marks a check failure that does not make the service unhealthy.
func Degraded(err error) error {
	if err == nil {
		return nil
	}
	return &degradedError{err: err}
}

func isDegraded(err error) bool {
	var d *degradedError
	return errors.As(err, &d)
}

type CheckerRegistry struct {
	checkers []Checker
}

func NewCheckerRegistry() *CheckerRegistry {
	return &CheckerRegistry{
		checkers: make([]Checker, 0),
	}
}

func (r *CheckerRegistry) Register(checker Checker) {
	r.checkers = append(r.checkers, checker)
}

func (r *CheckerRegistry) Check(ctx context.Context) Health {
	results := make(map[string]CheckResult)
	allHealthy := true
	anyDegraded := false

	for _, checker := range r.checkers {
		checkCtx, cancel := context.WithTimeout(ctx, constants.HealthTimeout)
		err := checker.Check(checkCtx)
		cancel()

		result := CheckResult{
			Timestamp: time.Now(),
		}

		switch {
		case err == nil:
			result.Status = StatusHealthy
		case isDegraded(err):
			result.Status = StatusDegraded
			result.Message = err.Error()
			anyDegraded = true
		default:
			result.Status = StatusUnhealthy
			result.Message = err.Error()
			allHealthy = false
		}

		results[checker.Name()] = result
	}

	overallStatus := StatusHealthy
	if !allHealthy {
		overallStatus = StatusUnhealthy
	} else if anyDegraded {
		overallStatus = StatusDegraded
	}

	return Health{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Checks:    results,
	}
}

// StoreChecker pings the document store.
type StoreChecker struct {
	name  string
	store store.Store
}

func NewStoreChecker(name string, s store.Store) *StoreChecker {
	return &StoreChecker{name: name, store: s}
}

func (c *StoreChecker) Name() string {
	return c.name
}

func (c *StoreChecker) Check(ctx context.Context) error {
	if err := c.store.Ping(ctx); err != nil {
		return fmt.Errorf("%s ping failed: %w", c.name, err)
	}
	return nil
}

type RedisChecker struct {
	client *redis.Client
}

func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// RiverChecker reports a running river as healthy, one that is reconnecting
// to its broker as degraded and anything else as unhealthy.
type RiverChecker struct {
	river *river.River
}

func NewRiverChecker(r *river.River) *RiverChecker {
	return &RiverChecker{river: r}
}

func (c *RiverChecker) Name() string {
	return "river"
}

func (c *RiverChecker) Check(context.Context) error {
	switch st := c.river.State(); st {
	case river.Running:
		if session := c.river.Status().Session; session == river.SessionReconnecting.String() {
			return Degraded(fmt.Errorf("river %s is reconnecting to the broker", c.river.Name()))
		}
		return nil
	case river.Failed:
		return fmt.Errorf("river %s failed: %w", c.river.Name(), c.river.Err())
	default:
		return fmt.Errorf("river %s is %s", c.river.Name(), st)
	}
}
