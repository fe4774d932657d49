package relay_test

import (
	"context"
	"errors"
	"testing"

	"github.com/erfanmomeniii/relay"
)

func TestHealthCheck_InitialState(t *testing.T) {
	health := relay.NewHealthCheck(3, 10)

	if health.Status() != relay.HealthStatusHealthy {
		t.Errorf("expected healthy, got %s", health.Status())
	}
	if !health.IsHealthy() {
		t.Error("expected IsHealthy to return true")
	}
}

func TestHealthCheck_Defaults(t *testing.T) {
	health := relay.NewHealthCheck(0, -1)

	for i := 0; i < 2; i++ {
		health.RecordFailure(1, errors.New("x"))
	}
	if health.Status() != relay.HealthStatusHealthy {
		t.Errorf("expected healthy below default threshold, got %s", health.Status())
	}
	health.RecordFailure(1, errors.New("x"))
	if health.Status() != relay.HealthStatusDegraded {
		t.Errorf("expected degraded at default threshold 3, got %s", health.Status())
	}
}

func TestHealthCheck_Transitions(t *testing.T) {
	health := relay.NewHealthCheck(3, 10)

	for i := 0; i < 3; i++ {
		health.RecordFailure(1, errors.New("test error"))
	}
	if health.Status() != relay.HealthStatusDegraded {
		t.Errorf("expected degraded, got %s", health.Status())
	}

	for i := 0; i < 7; i++ {
		health.RecordFailure(1, errors.New("test error"))
	}
	if health.Status() != relay.HealthStatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", health.Status())
	}

	health.RecordSuccess(1)
	if health.Status() != relay.HealthStatusHealthy {
		t.Errorf("expected healthy after success, got %s", health.Status())
	}
	if health.Details().ConsecutiveErrs != 0 {
		t.Errorf("expected 0 consecutive errors after success, got %d", health.Details().ConsecutiveErrs)
	}
}

func TestHealthCheck_Details(t *testing.T) {
	health := relay.NewHealthCheck(3, 10)

	health.RecordSuccess(10)
	health.RecordSuccess(5)
	health.RecordFailure(2, errors.New("endpoint refused"))

	details := health.Details()
	if details.TotalProcessed != 15 {
		t.Errorf("expected 15 processed, got %d", details.TotalProcessed)
	}
	if details.TotalFailed != 2 {
		t.Errorf("expected 2 failed, got %d", details.TotalFailed)
	}
	if details.LastError != "endpoint refused" {
		t.Errorf("LastError = %q", details.LastError)
	}
	if details.ConsecutiveErrs != 1 {
		t.Errorf("expected 1 consecutive error, got %d", details.ConsecutiveErrs)
	}
	if details.LastSuccessTime.IsZero() || details.LastErrorTime.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

func TestHealthCheckMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		applier   relay.ApplierFunc[int]
		wantOK    int
		wantFails int
	}{
		{
			name: "all handled",
			applier: func(ctx context.Context, records []int) ([]int, []int, error) {
				return records, nil, nil
			},
			wantOK: 1,
		},
		{
			name: "mostly skipped",
			applier: func(ctx context.Context, records []int) ([]int, []int, error) {
				return records[:1], records[1:], nil
			},
			wantFails: 1,
		},
		{
			name: "fatal",
			applier: func(ctx context.Context, records []int) ([]int, []int, error) {
				return nil, nil, errors.New("connection lost")
			},
			wantFails: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			health := relay.NewHealthCheck(3, 10)
			wrapped := relay.HealthCheckMiddleware[int](health)(tt.applier)
			_, _, _ = wrapped.Apply(context.Background(), []int{1, 2, 3})

			d := health.Details()
			if d.ConsecutiveOK != tt.wantOK || d.ConsecutiveErrs != tt.wantFails {
				t.Errorf("ok=%d errs=%d, want ok=%d errs=%d", d.ConsecutiveOK, d.ConsecutiveErrs, tt.wantOK, tt.wantFails)
			}
		})
	}
}

func TestHealthStatus_String(t *testing.T) {
	tests := []struct {
		status   relay.HealthStatus
		expected string
	}{
		{relay.HealthStatusHealthy, "healthy"},
		{relay.HealthStatusDegraded, "degraded"},
		{relay.HealthStatusUnhealthy, "unhealthy"},
	}

	for _, tt := range tests {
		if string(tt.status) != tt.expected {
			t.Errorf("expected %s, got %s", tt.expected, tt.status)
		}
	}
}
