package relay

import (
	"context"
	"errors"
	"time"
)

// CycleResult summarises one RunInterfaceOnce call.
type CycleResult struct {
	Read    int
	Written int
	Purged  int
}

// RunInterfaceOnce runs a single cycle of one interface without starting
// any coordinator: every source reads its locator, then every destination
// drains its pending messages, then finished messages are purged. Useful
// for cron jobs, manual triggers and tests.
//
// Disabled instances are skipped. All errors are joined; a failing source
// does not stop the destinations from draining what is already stored.
//
// Example:
//
//	res, err := relay.RunInterfaceOnce(ctx, csvSource, sqlDestination)
func RunInterfaceOnce(ctx context.Context, adapters ...*Adapter) (CycleResult, error) {
	var (
		res  CycleResult
		errs []error
	)

	for _, a := range adapters {
		if a.inst.Role != RoleSource || !a.Enabled() {
			continue
		}
		_, records, err := a.Read(ctx, a.inst.Locator)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res.Read += len(records)
	}

	for _, a := range adapters {
		if a.inst.Role != RoleDestination || !a.Enabled() {
			continue
		}
		n, err := a.Drain(ctx, a.inst.Locator)
		res.Written += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(adapters) > 0 {
		purged, err := adapters[0].box.Purge(ctx)
		res.Purged = purged
		if err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

// Quick polling configuration presets

// WithFastPolling configures the coordinator for fast polling (100ms interval).
// Use for low-latency interfaces.
func WithFastPolling() PollingOption {
	return WithInterval(100 * time.Millisecond)
}

// WithSlowPolling configures the coordinator for slow polling (30s interval).
// Use for infrequent batch interfaces or constrained endpoints.
func WithSlowPolling() PollingOption {
	return WithInterval(30 * time.Second)
}
