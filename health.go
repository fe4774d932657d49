package relay

import (
	"context"
	"sync"
	"time"
)

// HealthStatus is the health state of an adapter instance.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck follows consecutive failures of one adapter instance.
type HealthCheck struct {
	mu                 sync.RWMutex
	status             HealthStatus
	lastSuccessTime    time.Time
	lastErrorTime      time.Time
	lastError          error
	consecutiveErrs    int
	consecutiveOK      int
	totalProcessed     int64
	totalFailed        int64
	degradedThreshold  int
	unhealthyThreshold int
	now                func() time.Time
}

// NewHealthCheck creates a health check. The instance turns degraded after
// degradedThreshold consecutive failures and unhealthy after
// unhealthyThreshold. Non-positive values default to 3 and 10.
func NewHealthCheck(degradedThreshold, unhealthyThreshold int) *HealthCheck {
	if degradedThreshold <= 0 {
		degradedThreshold = 3
	}
	if unhealthyThreshold <= 0 {
		unhealthyThreshold = 10
	}
	return &HealthCheck{
		status:             HealthStatusHealthy,
		degradedThreshold:  degradedThreshold,
		unhealthyThreshold: unhealthyThreshold,
		now:                time.Now,
	}
}

// RecordSuccess records a successful tick that handled processed rows.
func (h *HealthCheck) RecordSuccess(processed int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastSuccessTime = h.now()
	h.consecutiveOK++
	h.consecutiveErrs = 0
	h.totalProcessed += int64(processed)
	h.updateStatus()
}

// RecordFailure records a failed tick.
func (h *HealthCheck) RecordFailure(failed int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastErrorTime = h.now()
	h.lastError = err
	h.consecutiveErrs++
	h.consecutiveOK = 0
	h.totalFailed += int64(failed)
	h.updateStatus()
}

func (h *HealthCheck) updateStatus() {
	switch {
	case h.consecutiveErrs >= h.unhealthyThreshold:
		h.status = HealthStatusUnhealthy
	case h.consecutiveErrs >= h.degradedThreshold:
		h.status = HealthStatusDegraded
	default:
		h.status = HealthStatusHealthy
	}
}

// Status returns the current status.
func (h *HealthCheck) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// IsHealthy reports whether the status is healthy.
func (h *HealthCheck) IsHealthy() bool {
	return h.Status() == HealthStatusHealthy
}

// Details returns a snapshot.
func (h *HealthCheck) Details() HealthDetails {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d := HealthDetails{
		Status:          h.status,
		LastSuccessTime: h.lastSuccessTime,
		LastErrorTime:   h.lastErrorTime,
		ConsecutiveErrs: h.consecutiveErrs,
		ConsecutiveOK:   h.consecutiveOK,
		TotalProcessed:  h.totalProcessed,
		TotalFailed:     h.totalFailed,
	}
	if h.lastError != nil {
		d.LastError = h.lastError.Error()
	}
	return d
}

// HealthDetails is a point-in-time view of a HealthCheck.
type HealthDetails struct {
	Status          HealthStatus `json:"status"`
	LastSuccessTime time.Time    `json:"last_success_time,omitempty"`
	LastErrorTime   time.Time    `json:"last_error_time,omitempty"`
	LastError       string       `json:"last_error,omitempty"`
	ConsecutiveErrs int          `json:"consecutive_errors"`
	ConsecutiveOK   int          `json:"consecutive_ok"`
	TotalProcessed  int64        `json:"total_processed"`
	TotalFailed     int64        `json:"total_failed"`
}

// HealthCheckMiddleware records every Apply outcome on health. A batch
// where more rows were skipped than handled counts as a failure.
func HealthCheckMiddleware[T any](health *HealthCheck) Middleware[T] {
	if health == nil {
		panic("relay: health check cannot be nil")
	}
	return func(next Applier[T]) Applier[T] {
		return ApplierFunc[T](func(ctx context.Context, records []T) ([]T, []T, error) {
			handled, skipped, err := next.Apply(ctx, records)
			switch {
			case err != nil:
				health.RecordFailure(len(records)-len(handled), err)
			case len(skipped) > len(handled):
				health.RecordFailure(len(skipped), nil)
			default:
				health.RecordSuccess(len(handled))
			}
			return handled, skipped, err
		})
	}
}
